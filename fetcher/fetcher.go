// Package fetcher implements a single ranged-GET connection as a
// finite state machine, ported from the original client's HTTPFetcher:
// each fetcher owns one HTTP range request and streams its body into
// a bounded channel, pausing (blocking the send) when the reader falls
// behind and resuming as soon as it drains.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/yunify/qsflow/qserrors"
)

var log = logrus.WithField("component", "fetcher")

// State is a fetcher's lifecycle stage.
type State int

// Fetcher states, mirroring HTTPFetcher's internal enum.
const (
	Init State = iota
	Running
	Failed
	Done
)

func (s State) String() string {
	switch s {
	case Init:
		return "Init"
	case Running:
		return "Running"
	case Failed:
		return "Failed"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}

// Chunk is one piece of body data delivered by a Fetcher, or a
// terminal error.
type Chunk struct {
	Data []byte
	Err  error
}

// Fetcher drives a single ranged GET against url, for bytes
// [Start, End), delivering data on Chunks(). A fetcher retries the
// remainder of the range on failure, up to MaxRetries times, before
// surfacing a NetworkError and entering the Failed state — the
// per-fetcher retry cap the original client's unbounded retry loop
// lacked. A retry resumes at Start+delivered rather than restarting
// from Start, so bytes already handed to the caller are never
// re-delivered across the retry seam.
type Fetcher struct {
	Client     *http.Client
	URL        string
	Start      int64
	End        int64
	MaxRetries int

	state     State
	ch        chan Chunk
	delivered int64
}

// New builds a Fetcher for the half-open byte range [start, end) of
// url. chunkSize sizes the delivery channel, which is what makes the
// consumer's back-pressure observable: once chunkSize chunks are
// buffered and unread, the next Write blocks, standing in for the
// original ring buffer's pause.
func New(client *http.Client, url string, start, end int64, maxRetries int, chunkSize int) *Fetcher {
	return &Fetcher{
		Client:     client,
		URL:        url,
		Start:      start,
		End:        end,
		MaxRetries: maxRetries,
		state:      Init,
		ch:         make(chan Chunk, chunkSize),
	}
}

// State returns the fetcher's current lifecycle stage.
func (f *Fetcher) State() State {
	return f.state
}

// Chunks returns the channel data and errors are delivered on. It is
// closed once the fetcher reaches Done or Failed.
func (f *Fetcher) Chunks() <-chan Chunk {
	return f.ch
}

// Run starts the fetch. It blocks until the range has been fully
// delivered, the context is cancelled, or retries are exhausted; call
// it from its own goroutine and read Chunks() concurrently.
func (f *Fetcher) Run(ctx context.Context) {
	f.state = Running
	var lastErr error
	for attempt := 0; attempt <= f.MaxRetries; attempt++ {
		if attempt > 0 {
			log.Debugf("retrying range [%d,%d) attempt %d/%d", f.Start, f.End, attempt+1, f.MaxRetries+1)
		}
		err := f.runOnce(ctx)
		if err == nil {
			f.state = Done
			close(f.ch)
			return
		}
		if ctx.Err() != nil {
			f.state = Failed
			f.ch <- Chunk{Err: qserrors.New(qserrors.Canceled, "fetch canceled")}
			close(f.ch)
			return
		}
		lastErr = err
		log.Warnf("range [%d,%d) attempt %d failed: %v", f.Start, f.End, attempt+1, err)
	}
	f.state = Failed
	f.ch <- Chunk{Err: qserrors.Wrap(qserrors.NetworkError, lastErr, fmt.Sprintf("exhausted %d retries", f.MaxRetries+1))}
	close(f.ch)
}

// runOnce issues one GET for the portion of the range not yet
// delivered ([Start+delivered, End)) and streams it to the channel,
// advancing f.delivered as bytes go out. On a retry this means the
// Range header always picks up exactly where the last attempt left
// off, so a mid-stream failure never re-sends bytes the caller
// already has.
func (f *Fetcher) runOnce(ctx context.Context) error {
	resumeStart := f.Start + f.delivered
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", resumeStart, f.End-1))

	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case f.ch <- Chunk{Data: data}:
				f.delivered += int64(n)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

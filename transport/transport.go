// Package transport builds, signs and sends HTTP requests against the
// QingStor API, and unpacks HEAD-style header blocks into a plain map
// the way the original client's DoGetJSON/ParseHttpHeader pair did.
package transport

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/yunify/qsflow/qsconfig"
	"github.com/yunify/qsflow/qserrors"
	"github.com/yunify/qsflow/signer"
)

var log = logrus.WithField("component", "transport")

// Operation describes a single request to issue against the QingStor
// API: a bucket-scoped, optionally keyed, operation with headers, a
// query, and an optional body.
type Operation struct {
	Method      string
	Bucket      string
	Key         string
	Query       url.Values
	Headers     map[string]string
	Body        io.Reader
	ContentMD5  string
	ContentType string
}

// Response is the unpacked result of an Operation.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Invoker signs and sends Operations against a configured QingStor
// endpoint.
type Invoker struct {
	Config *qsconfig.Config
	Signer *signer.Signer
	Client *http.Client

	// PathStyle addresses the bucket as a URL path segment
	// (scheme://host:port/bucket/key) instead of the default
	// virtual-hosted form (scheme://bucket.location.host:port/key).
	// Real QingStor only speaks virtual-hosted addressing; this exists
	// so tests can point an Invoker at a plain httptest.Server without
	// DNS tricks for subdomains.
	PathStyle bool
}

// New builds an Invoker from a Config, deriving its Signer from the
// same credentials.
func New(cfg *qsconfig.Config) *Invoker {
	return &Invoker{
		Config: cfg,
		Signer: signer.New(cfg.AccessKeyID, cfg.SecretAccessKey),
		Client: &http.Client{},
	}
}

func (inv *Invoker) endpoint(op Operation) string {
	if inv.PathStyle {
		path := "/"
		if op.Bucket != "" {
			path += op.Bucket
		}
		if op.Key != "" {
			path += "/" + op.Key
		}
		return inv.Config.Protocol + "://" + inv.Config.Host + ":" + strconv.Itoa(inv.Config.Port) + path
	}
	host := op.Bucket + "." + inv.Config.Location + "." + inv.Config.Host
	if op.Bucket == "" {
		host = inv.Config.Host
	}
	path := "/"
	if op.Key != "" {
		path = "/" + op.Key
	}
	return inv.Config.Protocol + "://" + host + ":" + strconv.Itoa(inv.Config.Port) + path
}

// Invoke signs and sends a single request, returning the unpacked
// response or a *qserrors.Error on failure. It does not retry; see
// WithRetries for the retrying wrapper the client layer actually uses.
func (inv *Invoker) Invoke(ctx context.Context, op Operation) (*Response, error) {
	rawURL := inv.endpoint(op)
	if len(op.Query) > 0 {
		rawURL += "?" + op.Query.Encode()
	}

	var body io.Reader = op.Body
	req, err := http.NewRequestWithContext(ctx, op.Method, rawURL, body)
	if err != nil {
		return nil, qserrors.Wrap(qserrors.InvalidParameter, err, "building request")
	}
	for k, v := range op.Headers {
		req.Header.Set(k, v)
	}

	date := time.Now().UTC().Format(http.TimeFormat)
	req.Header.Set("Date", date)
	if op.ContentType != "" {
		req.Header.Set("Content-Type", op.ContentType)
	}

	pathAndQuery := signer.PathAndQuery(req.URL.EscapedPath(), req.URL.RawQuery)
	auth := inv.Signer.Authorization(op.Method, op.ContentMD5, op.ContentType, date, pathAndQuery)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}

	log.Debugf("%s %s", op.Method, rawURL)
	resp, err := inv.Client.Do(req)
	if err != nil {
		return nil, qserrors.Wrap(qserrors.NetworkError, err, "sending request")
	}
	defer resp.Body.Close()

	data, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, qserrors.Wrap(qserrors.IOException, err, "reading response body")
	}

	if resp.StatusCode >= 400 {
		return nil, classifyStatus(resp.StatusCode, data)
	}

	return &Response{StatusCode: resp.StatusCode, Headers: resp.Header, Body: data}, nil
}

func classifyStatus(status int, body []byte) error {
	msg := string(body)
	switch status {
	case http.StatusForbidden:
		return qserrors.New(qserrors.AccessControlException, msg)
	case http.StatusNotFound:
		return qserrors.New(qserrors.BucketNotExists, msg)
	default:
		return qserrors.New(qserrors.IOException, msg)
	}
}

// WithRetries retries op against inv up to cfg.ConnectionRetries times,
// matching DoGetJSON's retry-then-rethrow behavior: any retryable
// error (see qserrors.Error.IsRetryable) is retried, but
// server-domain-code errors such as access-control failures propagate
// immediately.
func (inv *Invoker) WithRetries(ctx context.Context, op Operation) (*Response, error) {
	var lastErr error
	attempts := inv.Config.ConnectionRetries
	if attempts < 1 {
		attempts = 1
	}
	// Read the body once so every attempt sends the same bytes; the
	// caller's reader is drained by the first attempt.
	var body []byte
	hasBody := op.Body != nil
	if hasBody {
		data, err := ioutil.ReadAll(op.Body)
		if err != nil {
			return nil, qserrors.Wrap(qserrors.IOException, err, "reading request body")
		}
		body = data
	}
	for i := 0; i < attempts; i++ {
		if hasBody {
			op.Body = bytes.NewReader(body)
		}
		resp, err := inv.Invoke(ctx, op)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		qerr, ok := errors.Cause(err).(*qserrors.Error)
		if ok && !qerr.IsRetryable() {
			return nil, err
		}
		log.Warnf("attempt %d/%d for %s %s failed: %v", i+1, attempts, op.Method, op.Key, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
	return nil, lastErr
}

// HeaderBlock is the unpacked form of a HEAD-style response: numeric
// fields are parsed as numbers, everything else carried as a string,
// matching ParseHttpHeader's behavior. Unlike the original extractor,
// ETag is always populated when present.
type HeaderBlock struct {
	ContentLength int64
	ETag          string
	Extra         map[string]string
}

// ParseHeaderBlock unpacks an http.Header the way a HEAD_OBJECT
// response is unpacked into the object metadata the client surfaces
// to callers.
func ParseHeaderBlock(h http.Header) *HeaderBlock {
	hb := &HeaderBlock{Extra: map[string]string{}}
	for k, v := range h {
		if len(v) == 0 {
			continue
		}
		switch k {
		case "Content-Length":
			n, err := strconv.ParseInt(v[0], 10, 64)
			if err == nil {
				hb.ContentLength = n
			}
		case "Etag", "ETag":
			hb.ETag = trimQuotes(v[0])
		default:
			hb.Extra[k] = v[0]
		}
	}
	return hb
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

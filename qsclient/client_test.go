package qsclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yunify/qsflow/qsconfig"
)

func TestParsePath(t *testing.T) {
	bucket, key, err := ParsePath("qs://my-bucket/dir/object.txt")
	assert.NoError(t, err)
	assert.Equal(t, "my-bucket", bucket)
	assert.Equal(t, "dir/object.txt", key)

	bucket, key, err = ParsePath("qs://my-bucket")
	assert.NoError(t, err)
	assert.Equal(t, "my-bucket", bucket)
	assert.Equal(t, "", key)

	_, _, err = ParsePath("not-a-qs-path")
	assert.Error(t, err)
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	u, err := url.Parse(srv.URL)
	assert.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	assert.NoError(t, err)

	cfg := qsconfig.NewDefault()
	cfg.AccessKeyID = "AK"
	cfg.SecretAccessKey = "SK"
	cfg.Host = u.Hostname()
	cfg.Port = port
	cfg.Protocol = "http"

	c := New(cfg, "test-bucket")
	c.Invoker.Client = srv.Client()
	c.Invoker.PathStyle = true
	return c
}

// TestListPaginatesUntilShortPage serves a fixed dataset keyed off the
// request's own marker/limit query params (not a server-supplied
// continuation token, which the wire schema does not have), and
// checks pagination only stops once a page shorter than limit comes
// back.
func TestListPaginatesUntilShortPage(t *testing.T) {
	all := []string{"a", "b", "c", "d", "e"}
	var requests []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		marker := q.Get("marker")
		limit, _ := strconv.Atoi(q.Get("limit"))
		requests = append(requests, marker)

		start := 0
		if marker != "" {
			for i, k := range all {
				if k == marker {
					start = i + 1
					break
				}
			}
		}
		end := start + limit
		if end > len(all) {
			end = len(all)
		}
		page := all[start:end]

		keys := ""
		for i, k := range page {
			if i > 0 {
				keys += ","
			}
			keys += fmt.Sprintf(`{"key":%q,"size":1,"etag":"e","last_modified":"now"}`, k)
		}
		fmt.Fprintf(w, `{"name":"test-bucket","prefix":"","limit":%d,"keys":[%s]}`, limit, keys)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.Invoker.Config.ConnectionRetries = 1
	got, err := c.List(context.Background(), "", 2)
	assert.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, keysOf(got))
	// pages [a b], [c d], [e] (short page) -> three requests: marker "", "b", "d"
	assert.Equal(t, []string{"", "b", "d"}, requests)
}

// TestListSortsAndDedupesMergedResults covers invariant 5 directly:
// even if the server hands back a page out of lexicographic order with
// a duplicate key, List must return a sorted, unique result.
func TestListSortsAndDedupesMergedResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"keys":[{"key":"b","size":1},{"key":"a","size":1},{"key":"a","size":1},{"key":"c","size":1}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.Invoker.Config.ConnectionRetries = 1
	got, err := c.List(context.Background(), "", 10)
	assert.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keysOf(got))
}

func keysOf(infos []ObjectInfo) []string {
	out := make([]string, len(infos))
	for i, info := range infos {
		out[i] = info.Key
	}
	return out
}

func TestHeadPopulatesETag(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "42")
		w.Header().Set("ETag", `"abc123"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	info, err := c.Head(context.Background(), "some-key")
	assert.NoError(t, err)
	assert.Equal(t, int64(42), info.Size)
	assert.Equal(t, "abc123", info.ETag)
}

func TestListBuckets(t *testing.T) {
	var gotLocation string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLocation = r.Header.Get("Location")
		fmt.Fprint(w, `{"buckets":[{"name":"bucket-a","location":"pek3a","created":"2020-01-01T00:00:00Z"}],"count":1}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	buckets, err := c.ListBuckets(context.Background(), "pek3a")
	assert.NoError(t, err)
	assert.Equal(t, "pek3a", gotLocation)
	assert.Equal(t, 1, len(buckets))
	assert.Equal(t, "bucket-a", buckets[0].Name)
	assert.Equal(t, "pek3a", buckets[0].Location)
}

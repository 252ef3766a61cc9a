package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yunify/qsflow/qsconfig"
	"github.com/yunify/qsflow/qserrors"
	"github.com/yunify/qsflow/transport"
)

type recordedPut struct {
	partNumber string
	size       int
}

func newTestInvoker(t *testing.T, srv *httptest.Server) *transport.Invoker {
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
	inv := transport.New(cfg)
	inv.Client = srv.Client()
	inv.PathStyle = true
	return inv
}

func TestWriterUploadsCorrectPartSizesAndCompletionManifest(t *testing.T) {
	const totalSize = 10 * 1024 * 1024
	const chunkSize = 4 * 1024 * 1024

	var mu sync.Mutex
	var puts []recordedPut
	var completionBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, isInitiate := r.URL.Query()["uploads"]
		switch {
		case r.Method == http.MethodPost && isInitiate:
			fmt.Fprint(w, `{"upload_id":"test-upload-id"}`)
		case r.Method == http.MethodPut:
			mu.Lock()
			body := readAllBody(r)
			puts = append(puts, recordedPut{partNumber: r.URL.Query().Get("part_number"), size: len(body)})
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Query().Get("upload_id") != "":
			completionBody = readAllBody(r)
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	inv := newTestInvoker(t, srv)
	wtr, err := New(context.Background(), inv, "test-bucket", "test-key", chunkSize)
	assert.NoError(t, err)

	data := make([]byte, totalSize)
	for i := range data {
		data[i] = byte(i % 7)
	}
	n, err := wtr.Write(data)
	assert.NoError(t, err)
	assert.Equal(t, totalSize, n)
	assert.NoError(t, wtr.Close())

	assert.Equal(t, 3, len(puts))
	assert.Equal(t, chunkSize, puts[0].size)
	assert.Equal(t, chunkSize, puts[1].size)
	assert.Equal(t, totalSize-2*chunkSize, puts[2].size)
	assert.Equal(t, "0", puts[0].partNumber)
	assert.Equal(t, "1", puts[1].partNumber)
	assert.Equal(t, "2", puts[2].partNumber)

	var manifest struct {
		ObjectParts []struct {
			PartNumber int `json:"part_number"`
		} `json:"object_parts"`
	}
	assert.NoError(t, json.Unmarshal(completionBody, &manifest))
	assert.Equal(t, 3, len(manifest.ObjectParts))
	assert.Equal(t, 0, manifest.ObjectParts[0].PartNumber)
	assert.Equal(t, 2, manifest.ObjectParts[2].PartNumber)
}

func TestWriterEmptyObjectEmitsOneEmptyPart(t *testing.T) {
	var puts []recordedPut
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, isInitiate := r.URL.Query()["uploads"]
		switch {
		case r.Method == http.MethodPost && isInitiate:
			fmt.Fprint(w, `{"upload_id":"empty-upload-id"}`)
		case r.Method == http.MethodPut:
			body := readAllBody(r)
			puts = append(puts, recordedPut{partNumber: r.URL.Query().Get("part_number"), size: len(body)})
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	inv := newTestInvoker(t, srv)
	wtr, err := New(context.Background(), inv, "bucket", "empty-key", 4*1024*1024)
	assert.NoError(t, err)
	assert.NoError(t, wtr.Close())

	assert.Equal(t, 1, len(puts))
	assert.Equal(t, 0, puts[0].size)
	assert.Equal(t, "0", puts[0].partNumber)
}

// TestNewSurfacesAccessControlExceptionOnPermissionDenied covers the
// 403 permission_denied case from initiate: the resulting error must
// keep its AccessControlException kind rather than being reported as
// a generic NetworkError.
func TestNewSurfacesAccessControlExceptionOnPermissionDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"code":"permission_denied"}`)
	}))
	defer srv.Close()

	inv := newTestInvoker(t, srv)
	inv.Config.ConnectionRetries = 1
	_, err := New(context.Background(), inv, "test-bucket", "test-key", 4*1024*1024)
	assert.Error(t, err)

	var qerr *qserrors.Error
	assert.True(t, errors.As(err, &qerr))
	assert.Equal(t, qserrors.AccessControlException, qerr.Kind)
}

func readAllBody(r *http.Request) []byte {
	body, _ := ioutil.ReadAll(r.Body)
	return body
}

// Package qsclient ties together config, signing, transport, the
// download pipeline and the multipart writer into a single client for
// bucket and object operations, generalizing the original client's
// Context class (list/head/get/put/delete with marker-driven
// pagination) in the idiom of rclone's qsParsePath/NewFs/list.
package qsclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/yunify/qsflow/pipeline"
	"github.com/yunify/qsflow/qsconfig"
	"github.com/yunify/qsflow/qserrors"
	"github.com/yunify/qsflow/transport"
)

var log = logrus.WithField("component", "qsclient")

// endpointRe matches a qs://bucket/key style path, mirroring
// qsParsePath's regexp-based parsing.
var endpointRe = regexp.MustCompile(`^qs://([^/]+)(?:/(.*))?$`)

// ParsePath splits a "qs://bucket/key" URL into its bucket and key.
func ParsePath(path string) (bucket, key string, err error) {
	m := endpointRe.FindStringSubmatch(path)
	if m == nil {
		return "", "", qserrors.New(qserrors.InvalidParameter, "invalid qs:// path: "+path)
	}
	return m[1], m[2], nil
}

// Client is a configured QingStor client bound to one bucket.
type Client struct {
	Config *qsconfig.Config
	Invoker *transport.Invoker
	Bucket string
}

// New builds a Client from a loaded Config.
func New(cfg *qsconfig.Config, bucket string) *Client {
	return &Client{
		Config:  cfg,
		Invoker: transport.New(cfg),
		Bucket:  bucket,
	}
}

// ObjectInfo is the metadata surfaced for a listed or head'd object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified string
}

// listResponse mirrors the JSON body of a GET bucket (list objects)
// response: {name, prefix, limit, keys:[{key,size,...}]}. The server
// does not hand back a continuation marker — the caller advances
// pagination itself, by re-querying with marker set to the last key
// of the page just received, exactly as Context.cpp's list loop does.
type listResponse struct {
	Name   string `json:"name"`
	Prefix string `json:"prefix"`
	Limit  int    `json:"limit"`
	Keys   []struct {
		Key          string `json:"key"`
		Size         int64  `json:"size"`
		Etag         string `json:"etag"`
		LastModified string `json:"last_modified"`
	} `json:"keys"`
}

// List returns every object under prefix, merging paginated results
// into a single slice of unique keys sorted lexicographically
// ascending, matching Context.cpp's qsort(...ObjectContentComp) merge
// step. Pagination advances the marker to the last key of each page
// and stops once a page shorter than limit comes back.
func (c *Client) List(ctx context.Context, prefix string, limit int) ([]ObjectInfo, error) {
	if limit <= 0 {
		limit = 1000
	}
	var out []ObjectInfo
	marker := ""
	for {
		q := url.Values{}
		if prefix != "" {
			q.Set("prefix", prefix)
		}
		q.Set("limit", strconv.Itoa(limit))
		if marker != "" {
			q.Set("marker", marker)
		}
		resp, err := c.Invoker.WithRetries(ctx, transport.Operation{
			Method: http.MethodGet,
			Bucket: c.Bucket,
			Query:  q,
		})
		if err != nil {
			return nil, err
		}
		var lr listResponse
		if err := json.Unmarshal(resp.Body, &lr); err != nil {
			return nil, qserrors.Wrap(qserrors.IOException, err, "parsing list response")
		}
		for _, k := range lr.Keys {
			out = append(out, ObjectInfo{Key: k.Key, Size: k.Size, ETag: k.Etag, LastModified: k.LastModified})
		}
		if len(lr.Keys) < limit {
			break
		}
		marker = lr.Keys[len(lr.Keys)-1].Key
		log.Debugf("listing %s/%s continuing at marker %s", c.Bucket, prefix, marker)
	}
	return sortUniqueByKey(out), nil
}

// sortUniqueByKey sorts infos ascending by Key and drops duplicates,
// keeping the first occurrence of each key.
func sortUniqueByKey(infos []ObjectInfo) []ObjectInfo {
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	out := infos[:0]
	var last string
	first := true
	for _, info := range infos {
		if !first && info.Key == last {
			continue
		}
		out = append(out, info)
		last = info.Key
		first = false
	}
	return out
}

// BucketInfo is the metadata surfaced for one listed bucket.
type BucketInfo struct {
	Name     string
	Location string
	Created  string
}

// bucketListResponse mirrors the JSON body of the GET / (list
// buckets) response.
type bucketListResponse struct {
	Buckets []struct {
		Name     string `json:"name"`
		Location string `json:"location"`
		Created  string `json:"created"`
	} `json:"buckets"`
	Count int `json:"count"`
}

// ListBuckets lists every bucket visible to the configured
// credentials, optionally restricted to one region via the Location
// header, matching Context.cpp's listBuckets and the §6 request-kind
// table's "List buckets" entry (GET / on the base host).
func (c *Client) ListBuckets(ctx context.Context, location string) ([]BucketInfo, error) {
	op := transport.Operation{
		Method: http.MethodGet,
	}
	if location != "" {
		op.Headers = map[string]string{"Location": location}
	}
	resp, err := c.Invoker.WithRetries(ctx, op)
	if err != nil {
		return nil, err
	}
	var lr bucketListResponse
	if err := json.Unmarshal(resp.Body, &lr); err != nil {
		return nil, qserrors.Wrap(qserrors.IOException, err, "parsing list-buckets response")
	}
	out := make([]BucketInfo, 0, len(lr.Buckets))
	for _, b := range lr.Buckets {
		out = append(out, BucketInfo{Name: b.Name, Location: b.Location, Created: b.Created})
	}
	return out, nil
}

// Head fetches an object's metadata via a HEAD request.
func (c *Client) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	resp, err := c.Invoker.WithRetries(ctx, transport.Operation{
		Method: http.MethodHead,
		Bucket: c.Bucket,
		Key:    key,
	})
	if err != nil {
		return nil, err
	}
	hb := transport.ParseHeaderBlock(resp.Headers)
	return &ObjectInfo{Key: key, Size: hb.ContentLength, ETag: hb.ETag}, nil
}

// Delete removes an object.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.Invoker.WithRetries(ctx, transport.Operation{
		Method: http.MethodDelete,
		Bucket: c.Bucket,
		Key:    key,
	})
	return err
}

// Open returns a Pipeline streaming key's bytes from offset 0 to its
// full size, using the client's configured chunk size and connection
// count.
func (c *Client) Open(ctx context.Context, key string) (*pipeline.Pipeline, error) {
	info, err := c.Head(ctx, key)
	if err != nil {
		return nil, err
	}
	objURL := c.objectURL(key)
	p := pipeline.New(ctx, c.Invoker.Client, objURL, info.Size, int64(c.Config.ChunkSize), c.Config.NumConnections, c.Config.ConnectionRetries)
	p.Launch()
	return p, nil
}

func (c *Client) objectURL(key string) string {
	host := c.Bucket + "." + c.Config.Location + "." + c.Config.Host
	return c.Config.Protocol + "://" + host + ":" + strconv.Itoa(c.Config.Port) + "/" + key
}

// CreateBucket issues a PUT against the bucket root through
// WithRetries. It does not wait for or poll a bucket that is still
// being created.
func (c *Client) CreateBucket(ctx context.Context) error {
	_, err := c.Invoker.WithRetries(ctx, transport.Operation{
		Method: http.MethodPut,
		Bucket: c.Bucket,
	})
	return err
}

// DeleteBucket removes the (must be empty) bucket.
func (c *Client) DeleteBucket(ctx context.Context) error {
	_, err := c.Invoker.WithRetries(ctx, transport.Operation{
		Method: http.MethodDelete,
		Bucket: c.Bucket,
	})
	return err
}

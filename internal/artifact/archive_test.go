package artifact

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cellflow/internal/config"
)

// fakeS3 records PUT requests the way a bucket would store them.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Method != http.MethodPut {
		return &http.Response{StatusCode: http.StatusNotImplemented, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
	}
	body, _ := io.ReadAll(req.Body)
	// Path style: /bucket/key
	key := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)[1]
	f.objects[key] = body
	f.types[key] = req.Header.Get("Content-Type")
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{"ETag": {"\"etag\""}}}, nil
}

func newFakeMirror(t *testing.T) (*S3Mirror, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	require.NoError(t, err)
	m := newS3Mirror(awsCfg, config.S3Archive{
		Bucket:    "cells",
		Prefix:    "lab/runs",
		Endpoint:  "https://mock.s3.local",
		PathStyle: true,
	}, &http.Client{Transport: fake})
	return m, fake
}

func TestS3MirrorUploadsUnderPrefix(t *testing.T) {
	m, fake := newFakeMirror(t)
	local := filepath.Join(t.TempDir(), "cell_f0.npy")
	require.NoError(t, os.WriteFile(local, []byte("payload-bytes"), 0o644))

	require.NoError(t, m.Upload(context.Background(), filepath.Join("cell", "flow", "cell_f0.npy"), local))

	body, ok := fake.objects["lab/runs/cell/flow/cell_f0.npy"]
	require.True(t, ok, "objects: %v", fake.objects)
	assert.Contains(t, string(body), "payload-bytes")
	assert.Equal(t, "application/octet-stream", fake.types["lab/runs/cell/flow/cell_f0.npy"])
}

func TestStoreMirrorsThroughS3(t *testing.T) {
	m, fake := newFakeMirror(t)
	s := NewStore(t.TempDir(), nil, quietLogger(), WithMirror(m))

	_, err := s.PersistField(context.Background(), "cell", combined(1, 2, 2))
	require.NoError(t, err)
	_, ok := fake.objects["lab/runs/cell/flow/cell_f0.npy"]
	assert.True(t, ok)
}

func TestS3MirrorKey(t *testing.T) {
	m := &S3Mirror{prefix: ""}
	assert.Equal(t, "cell/video/cell_vf_0.mp4", m.Key(filepath.Join("cell", "video", "cell_vf_0.mp4")))
}

package s3

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type s3Request struct {
	method      string
	path        string
	contentType string
	body        string
}

type fakeS3 struct {
	mu       sync.Mutex
	requests []s3Request
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, s3Request{method: r.Method, path: r.URL.Path, contentType: r.Header.Get("Content-Type"), body: string(body)})
	f.mu.Unlock()

	if r.Method == http.MethodDelete {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (f *fakeS3) last(t *testing.T) s3Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func setupStore(t *testing.T) (*BlobStore, *fakeS3) {
	t.Helper()
	fake := &fakeS3{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store, err := NewBlobStore(t.Context(), Options{
		Endpoint:        srv.URL,
		Region:          "us-east-1",
		Bucket:          "widget-media",
		AccessKeyID:     "test-key",
		SecretAccessKey: "test-secret",
	})
	require.NoError(t, err)
	return store, fake
}

func TestBlobStore_Put(t *testing.T) {
	store, fake := setupStore(t)

	err := store.Put(t.Context(), "first-word/u-1.mp3", "audio/mpeg", strings.NewReader("ID3audio"), 8)

	require.NoError(t, err)
	req := fake.last(t)
	assert.Equal(t, http.MethodPut, req.method)
	assert.Equal(t, "/widget-media/first-word/u-1.mp3", req.path)
	assert.Equal(t, "audio/mpeg", req.contentType)
	assert.Contains(t, req.body, "ID3audio")
}

func TestBlobStore_PutNonSeekableBody(t *testing.T) {
	store, fake := setupStore(t)
	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write([]byte("streamed"))
		_ = pw.Close()
	}()

	require.NoError(t, store.Put(t.Context(), "k", "audio/wav", pr, 8))
	assert.Contains(t, fake.last(t).body, "streamed")
}

func TestBlobStore_Delete(t *testing.T) {
	store, fake := setupStore(t)

	require.NoError(t, store.Delete(t.Context(), "first-word/u-1.mp3"))

	req := fake.last(t)
	assert.Equal(t, http.MethodDelete, req.method)
	assert.Equal(t, "/widget-media/first-word/u-1.mp3", req.path)
}

func TestBlobStore_PresignGet(t *testing.T) {
	store, fake := setupStore(t)

	raw, err := store.PresignGet(t.Context(), "first-word/u-1.mp3", time.Hour)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/widget-media/first-word/u-1.mp3", u.Path)
	assert.Equal(t, "3600", u.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Empty(t, fake.requests, "presigning is offline")
}

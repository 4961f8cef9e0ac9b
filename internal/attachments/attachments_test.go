package attachments

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhelsing/obscura/internal/apiclient"
	"github.com/rhelsing/obscura/internal/wire"
)

// blobServer is an in-memory stand-in for the attachment endpoints.
type blobServer struct {
	mu        sync.Mutex
	blobs     map[string][]byte
	chunks    map[string]map[int][]byte
	nextID    int
	downloads int
}

func newBlobServer(t *testing.T) (*blobServer, *httptest.Server) {
	t.Helper()
	bs := &blobServer{
		blobs:  make(map[string][]byte),
		chunks: make(map[string]map[int][]byte),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/attachments", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bs.mu.Lock()
		bs.nextID++
		id := fmt.Sprintf("att-%d", bs.nextID)
		bs.blobs[id] = body
		bs.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"attachmentId": id})
	})
	mux.HandleFunc("POST /v1/attachments/allocate", func(w http.ResponseWriter, r *http.Request) {
		bs.mu.Lock()
		bs.nextID++
		id := fmt.Sprintf("att-%d", bs.nextID)
		bs.chunks[id] = make(map[int][]byte)
		bs.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"attachmentId": id})
	})
	mux.HandleFunc("PUT /v1/attachments/{id}/chunks/{idx}", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		idx, _ := strconv.Atoi(r.PathValue("idx"))
		bs.mu.Lock()
		bs.chunks[r.PathValue("id")][idx] = body
		bs.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /v1/attachments/{id}/chunks/{idx}", func(w http.ResponseWriter, r *http.Request) {
		idx, _ := strconv.Atoi(r.PathValue("idx"))
		bs.mu.Lock()
		defer bs.mu.Unlock()
		bs.downloads++
		chunk, ok := bs.chunks[r.PathValue("id")][idx]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(chunk)
	})
	mux.HandleFunc("GET /v1/attachments/{id}", func(w http.ResponseWriter, r *http.Request) {
		bs.mu.Lock()
		defer bs.mu.Unlock()
		bs.downloads++
		blob, ok := bs.blobs[r.PathValue("id")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(blob)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return bs, srv
}

func openCache(t *testing.T, path, namespace string) *Cache {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	cache, err := OpenCache(context.Background(), db, namespace)
	require.NoError(t, err)
	return cache
}

func TestSmallUploadDownloadRoundTrip(t *testing.T) {
	ctx := context.Background()
	bs, srv := newBlobServer(t)

	dir := t.TempDir()
	api := apiclient.New(srv.URL, 10*time.Second)

	sender := NewPipeline(api, openCache(t, filepath.Join(dir, "a.db"), "alice"), 0)
	receiver := NewPipeline(api, openCache(t, filepath.Join(dir, "b.db"), "bob"), 0)

	payload := []byte("a small secret image")
	ptr, err := sender.Upload(ctx, payload, "image/png", nil)
	require.NoError(t, err)
	assert.Zero(t, ptr.TotalChunks)
	assert.Equal(t, int64(len(payload)), ptr.SizeBytes)

	// Ciphertext in the store differs from plaintext.
	bs.mu.Lock()
	stored := bs.blobs[ptr.AttachmentID]
	bs.mu.Unlock()
	assert.NotEqual(t, payload, stored)

	got, err := receiver.Download(ctx, ptr, nil)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestCacheOnUploadSkipsNetwork(t *testing.T) {
	ctx := context.Background()
	bs, srv := newBlobServer(t)

	api := apiclient.New(srv.URL, 10*time.Second)
	p := NewPipeline(api, openCache(t, filepath.Join(t.TempDir(), "c.db"), "alice"), 0)

	payload := []byte("sender sees media on refresh")
	ptr, err := p.Upload(ctx, payload, "image/jpeg", nil)
	require.NoError(t, err)

	got, err := p.Download(ctx, ptr, nil)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	bs.mu.Lock()
	assert.Zero(t, bs.downloads, "cache-on-upload should satisfy the sender's download")
	bs.mu.Unlock()
}

func TestChunkedRoundTripPattern(t *testing.T) {
	ctx := context.Background()
	_, srv := newBlobServer(t)

	dir := t.TempDir()
	api := apiclient.New(srv.URL, 30*time.Second)

	const chunkSize = 256 * 1024
	sender := NewPipeline(api, openCache(t, filepath.Join(dir, "a.db"), "alice"), chunkSize)
	receiver := NewPipeline(api, openCache(t, filepath.Join(dir, "b.db"), "bob"), chunkSize)

	payload := make([]byte, 2<<20)
	for i := range payload {
		payload[i] = byte(i % 256)
	}

	var uploadSteps []int
	ptr, err := sender.Upload(ctx, payload, "application/octet-stream", func(done, total int) {
		uploadSteps = append(uploadSteps, done)
	})
	require.NoError(t, err)
	assert.Greater(t, ptr.TotalChunks, uint32(1))
	assert.Len(t, uploadSteps, int(ptr.TotalChunks))

	got, err := receiver.Download(ctx, ptr, nil)
	require.NoError(t, err)
	require.Equal(t, len(payload), len(got))
	assert.Equal(t, payload, got)
}

func TestIntegrityFailureNotCached(t *testing.T) {
	ctx := context.Background()
	_, srv := newBlobServer(t)

	dir := t.TempDir()
	api := apiclient.New(srv.URL, 10*time.Second)
	sender := NewPipeline(api, openCache(t, filepath.Join(dir, "a.db"), "alice"), 0)
	receiver := NewPipeline(api, openCache(t, filepath.Join(dir, "b.db"), "bob"), 0)

	ptr, err := sender.Upload(ctx, []byte("original content"), "text/plain", nil)
	require.NoError(t, err)

	tampered := *ptr
	tampered.ContentHash = append([]byte(nil), ptr.ContentHash...)
	tampered.ContentHash[0] ^= 0xFF

	_, err = receiver.Download(ctx, &tampered, nil)
	assert.ErrorIs(t, err, ErrIntegrity)

	cached, _, err := receiver.cache.Get(ctx, ptr.AttachmentID)
	require.NoError(t, err)
	assert.Nil(t, cached, "failed downloads must not populate the cache")
}

func TestCacheSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	_, srv := newBlobServer(t)

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "restart.db")
	api := apiclient.New(srv.URL, 10*time.Second)

	p := NewPipeline(api, openCache(t, dbPath, "alice"), 0)
	payload := []byte("persists across restarts")
	ptr, err := p.Upload(ctx, payload, "text/plain", nil)
	require.NoError(t, err)

	// Reopen the cache on the same database, as after a client restart.
	reopened := openCache(t, dbPath, "alice")
	got, _, err := reopened.Get(ctx, ptr.AttachmentID)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDownloadUnknownAttachment(t *testing.T) {
	ctx := context.Background()
	_, srv := newBlobServer(t)

	api := apiclient.New(srv.URL, 5*time.Second)
	p := NewPipeline(api, openCache(t, filepath.Join(t.TempDir(), "x.db"), "alice"), 0)

	_, err := p.Download(ctx, &wire.AttachmentPointer{
		AttachmentID: "att-missing",
		ContentKey:   make([]byte, 32),
		Nonce:        make([]byte, 12),
		ContentHash:  make([]byte, 32),
	}, nil)
	assert.ErrorIs(t, err, apiclient.ErrNotFound)
}

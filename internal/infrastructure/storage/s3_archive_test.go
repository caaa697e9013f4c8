package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/erp/verifactu/internal/domain/fiscal"
	"github.com/erp/verifactu/internal/infrastructure/config"
)

// fakeS3 records object writes made against a path-style endpoint
type fakeS3 struct {
	mu       sync.Mutex
	requests []*capturedRequest
	status   int
}

type capturedRequest struct {
	method string
	path   string
	header http.Header
	body   []byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, &capturedRequest{method: r.Method, path: r.URL.Path, header: r.Header.Clone(), body: body})
	status := f.status
	f.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	if status != http.StatusOK {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>denied</Message></Error>`)
		return
	}
	w.Header().Set("ETag", `"abc"`)
	w.WriteHeader(http.StatusOK)
}

func (f *fakeS3) last(t *testing.T) *capturedRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func newTestArchive(t *testing.T, srv *httptest.Server) *S3DocumentArchive {
	t.Helper()
	archive, err := NewS3DocumentArchive(&config.ArchiveConfig{
		Bucket:          "fiscal-archive",
		Prefix:          "/verifactu/",
		Region:          "eu-south-2",
		Endpoint:        srv.URL,
		UsePathStyle:    true,
		AccessKeyID:     "test-key",
		SecretAccessKey: "test-secret",
	}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return archive
}

func testBatch() *fiscal.Batch {
	return &fiscal.Batch{
		ID:                uuid.MustParse("0b7c5f44-64f1-4d0a-9d55-3c2a4f3f7a10"),
		EntityID:          "B12345678",
		Document:          []byte("<unsigned/>"),
		SignedDocument:    []byte("<signed/>"),
		TrackingReference: "CSV-42",
		CreatedAt:         time.Date(2024, 3, 7, 23, 30, 0, 0, time.UTC),
		Submissions: []*fiscal.Submission{
			{Sequence: 4, Hash: "AAAA"},
			{Sequence: 5, Hash: "BBBB"},
		},
	}
}

func TestNewS3DocumentArchive_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *config.ArchiveConfig
		wantErr string
	}{
		{name: "nil config", cfg: nil, wantErr: "configuration is required"},
		{name: "missing bucket", cfg: &config.ArchiveConfig{}, wantErr: "bucket is required"},
		{
			name:    "access key without secret",
			cfg:     &config.ArchiveConfig{Bucket: "b", AccessKeyID: "k"},
			wantErr: "must be set together",
		},
		{
			name: "endpoint without scheme",
			cfg:  &config.ArchiveConfig{Bucket: "b", Endpoint: "minio:9000", AccessKeyID: "k", SecretAccessKey: "s"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archive, err := NewS3DocumentArchive(tt.cfg)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "b", archive.Bucket())
		})
	}
}

func TestObjectKey(t *testing.T) {
	batch := testBatch()
	assert.Equal(t,
		"verifactu/B12345678/2024/03/07/0b7c5f44-64f1-4d0a-9d55-3c2a4f3f7a10.xml",
		ObjectKey("verifactu", batch))
	assert.Equal(t,
		"B12345678/2024/03/07/0b7c5f44-64f1-4d0a-9d55-3c2a4f3f7a10.xml",
		ObjectKey("", batch))
}

func TestS3DocumentArchive_Archive(t *testing.T) {
	fake := &fakeS3{}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	archive := newTestArchive(t, srv)

	t.Run("uploads signed document with metadata", func(t *testing.T) {
		require.NoError(t, archive.Archive(context.Background(), testBatch()))

		req := fake.last(t)
		assert.Equal(t, http.MethodPut, req.method)
		assert.Equal(t,
			"/fiscal-archive/verifactu/B12345678/2024/03/07/0b7c5f44-64f1-4d0a-9d55-3c2a4f3f7a10.xml",
			req.path)
		assert.Contains(t, string(req.body), "<signed/>")
		assert.Equal(t, "application/xml", req.header.Get("Content-Type"))
		assert.Equal(t, "B12345678", req.header.Get("X-Amz-Meta-Entity-Id"))
		assert.Equal(t, "CSV-42", req.header.Get("X-Amz-Meta-Tracking-Reference"))
		assert.Equal(t, "4", req.header.Get("X-Amz-Meta-First-Sequence"))
		assert.Equal(t, "5", req.header.Get("X-Amz-Meta-Last-Sequence"))
		assert.Equal(t, "BBBB", req.header.Get("X-Amz-Meta-Head-Hash"))
	})

	t.Run("falls back to the unsigned document", func(t *testing.T) {
		batch := testBatch()
		batch.SignedDocument = nil
		require.NoError(t, archive.Archive(context.Background(), batch))
		assert.Contains(t, string(fake.last(t).body), "<unsigned/>")
	})

	t.Run("empty document", func(t *testing.T) {
		batch := testBatch()
		batch.SignedDocument = nil
		batch.Document = nil
		err := archive.Archive(context.Background(), batch)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "document is empty")
	})
}

func TestS3DocumentArchive_ArchiveError(t *testing.T) {
	fake := &fakeS3{status: http.StatusForbidden}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	archive := newTestArchive(t, srv)

	err := archive.Archive(context.Background(), testBatch())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive batch 0b7c5f44-64f1-4d0a-9d55-3c2a4f3f7a10")
}

func TestS3DocumentArchive_EnsureBucketExisting(t *testing.T) {
	fake := &fakeS3{}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	archive := newTestArchive(t, srv)

	require.NoError(t, archive.EnsureBucket(context.Background()))
	req := fake.last(t)
	assert.Equal(t, http.MethodHead, req.method)
	assert.Len(t, fake.requests, 1)
}

func TestMemoryArchive(t *testing.T) {
	archive := NewMemoryArchive("verifactu")
	ctx := context.Background()

	batch := testBatch()
	require.NoError(t, archive.Archive(ctx, batch))

	keys := archive.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, ObjectKey("verifactu", batch), keys[0])

	body, err := archive.Fetch(ctx, keys[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("<signed/>"), body)

	body[0] = 'X'
	again, err := archive.Fetch(ctx, keys[0])
	require.NoError(t, err)
	assert.Equal(t, byte('<'), again[0])

	_, err = archive.Fetch(ctx, "missing")
	assert.Error(t, err)
}

package attachment

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aethermsg/chatcore/config"
	"github.com/aethermsg/chatcore/errors"
	"github.com/aethermsg/chatcore/internal/httpclient"
	"github.com/aethermsg/chatcore/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := config.Config{StorePath: filepath.Join(t.TempDir(), "chatcore-test.db")}
	s, err := store.Open(cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestSource(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 12))
	for y := 0; y < 12; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: uint8(y * 8), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// fakeDS serves presigned-URL-shaped responses against an httptest.Server
// standing in for the real Delivery Service's attachment endpoints.
type fakeDS struct {
	mu       sync.Mutex
	srv      *httptest.Server
	blobs    map[string][]byte
	provided map[string]string // contentHash -> contentHash, recording every hash ProvisionAttachment minted an upload URL for
	failNext bool
}

func newFakeDS(t *testing.T) *fakeDS {
	t.Helper()
	f := &fakeDS{blobs: make(map[string][]byte), provided: make(map[string]string)}
	mux := http.NewServeMux()
	mux.HandleFunc("/blob/", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			f.mu.Lock()
			f.blobs[key] = body
			f.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			f.mu.Lock()
			body, ok := f.blobs[key]
			f.mu.Unlock()
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_, _ = w.Write(body)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeDS) ProvisionAttachment(ctx context.Context, chatID, contentHash string, size int64) (*UploadInfo, error) {
	if f.failNext {
		f.failNext = false
		return nil, errProvisionFailed
	}
	key := "/blob/" + contentHash
	f.mu.Lock()
	f.provided[contentHash] = contentHash
	f.mu.Unlock()
	return &UploadInfo{Method: "PUT", URL: f.srv.URL + key}, nil
}

func (f *fakeDS) GetAttachmentURL(ctx context.Context, attachmentID string) (string, error) {
	// this fake keys blobs by content hash; Download passes the attachment's
	// ContentHash in as attachmentID
	return f.srv.URL + "/blob/" + attachmentID, nil
}

var errProvisionFailed = errors.New("provision failed")

func newTestHTTPClient() *httpclient.SaferClient {
	return httpclient.WrapClient(http.DefaultClient)
}

func TestPipelinePrepareAndUpload(t *testing.T) {
	st := newTestStore(t)
	ds := newFakeDS(t)
	p := NewPipeline(st, ds, newTestHTTPClient())

	src := newTestSource(t)
	a, err := p.Prepare(context.Background(), "chat-1", src, time.Now())
	require.NoError(t, err)
	assert.Equal(t, store.AttachmentStatusUploading, a.Status)
	assert.Equal(t, "image/webp", a.ContentType)
	assert.NotEmpty(t, a.Blurhash)
	assert.Equal(t, 16, a.Width)
	assert.Equal(t, 12, a.Height)

	err = p.Upload(context.Background(), a.AttachmentID)
	require.NoError(t, err)

	got, err := st.GetAttachment(context.Background(), a.AttachmentID)
	require.NoError(t, err)
	assert.Equal(t, store.AttachmentStatusReady, got.Status)
}

func TestPipelineUploadFailureMarksFailed(t *testing.T) {
	st := newTestStore(t)
	ds := newFakeDS(t)
	ds.failNext = true
	p := NewPipeline(st, ds, newTestHTTPClient())

	a, err := p.Prepare(context.Background(), "chat-1", newTestSource(t), time.Now())
	require.NoError(t, err)

	err = p.Upload(context.Background(), a.AttachmentID)
	require.Error(t, err)

	got, err := st.GetAttachment(context.Background(), a.AttachmentID)
	require.NoError(t, err)
	assert.Equal(t, store.AttachmentStatusFailed, got.Status)
}

func TestPipelineRetryUploadMintsFreshAttachment(t *testing.T) {
	st := newTestStore(t)
	ds := newFakeDS(t)
	ds.failNext = true
	p := NewPipeline(st, ds, newTestHTTPClient())

	a, err := p.Prepare(context.Background(), "chat-1", newTestSource(t), time.Now())
	require.NoError(t, err)
	require.Error(t, p.Upload(context.Background(), a.AttachmentID))

	newID, err := p.RetryUpload(context.Background(), a.AttachmentID)
	require.NoError(t, err)
	assert.NotEqual(t, a.AttachmentID, newID)

	_, err = st.GetAttachment(context.Background(), a.AttachmentID)
	assert.Error(t, err, "old attachment row should be deleted")

	got, err := st.GetAttachment(context.Background(), newID)
	require.NoError(t, err)
	assert.Equal(t, store.AttachmentStatusReady, got.Status)
	assert.NotEqual(t, a.AEADKey, got.AEADKey, "retry must mint a fresh AEAD key")
}

func TestPipelineDownloadRoundTrips(t *testing.T) {
	st := newTestStore(t)
	ds := newFakeDS(t)
	p := NewPipeline(st, ds, newTestHTTPClient())

	src := newTestSource(t)
	a, err := p.Prepare(context.Background(), "chat-1", src, time.Now())
	require.NoError(t, err)
	require.NoError(t, p.Upload(context.Background(), a.AttachmentID))

	plaintext, err := p.Download(context.Background(), a.AttachmentID)
	require.NoError(t, err)
	assert.True(t, len(plaintext) > 0)
	assert.Equal(t, byte('R'), plaintext[0], "re-encoded WEBP starts with a RIFF header")
}

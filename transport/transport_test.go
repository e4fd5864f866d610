package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aethermsg/chatcore/crypto"
	"github.com/aethermsg/chatcore/errors"
	"github.com/aethermsg/chatcore/internal/httpclient"
	"github.com/aethermsg/chatcore/mlsengine"
)

// newTestClient builds a baseClient pointed at a local httptest server.
// httpclient.NewSaferClient blocks localhost, so tests wrap the
// server's own *http.Client (SSRF protection disabled, matching the
// teacher's "only use in tests" warning on WrapClient).
func newTestClient(t *testing.T, srv *httptest.Server) baseClient {
	t.Helper()
	signer, err := crypto.GenerateSigner()
	require.NoError(t, err)
	return baseClient{
		baseURL: srv.URL,
		http:    httpclient.WrapClient(srv.Client()),
		signer:  signer,
		retry:   retryConfig{maxAttempts: 3, baseDelay: time.Millisecond, maxDelay: 10 * time.Millisecond},
	}
}

// decodeSignedBody reads r's body as a crypto.Request envelope and
// unmarshals its payload into out, mirroring what a real AS/DS/QS
// handler would do before acting on the request.
func decodeSignedBody(t *testing.T, r *http.Request, out interface{}) {
	t.Helper()
	var req crypto.Request
	require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
	require.NoError(t, json.Unmarshal(req.Payload, out))
}

func TestASClientConnectHandle(t *testing.T) {
	signer, err := crypto.GenerateSigner()
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/as/connect-handle", r.URL.Path)
		var req struct {
			Handle string `json:"handle"`
		}
		decodeSignedBody(t, r, &req)
		assert.Equal(t, "bob.example", req.Handle)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"hash": "pkg-1",
			"credential": mlsengine.Credential{
				UserID:     "bob",
				SigningKey: signer.PublicKey(),
			},
			"encryption_key": []byte("enc-key"),
			"last_resort":    false,
		})
	}))
	defer srv.Close()

	c := &ASClient{baseClient: newTestClient(t, srv)}
	pkg, err := c.ConnectHandle(context.Background(), "bob.example")
	require.NoError(t, err)
	assert.Equal(t, "pkg-1", pkg.Hash)
	assert.Equal(t, "bob", pkg.Credential.UserID)
}

func TestASClientConsumeConnectionPackage(t *testing.T) {
	var gotHash string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Hash string `json:"hash"`
		}
		decodeSignedBody(t, r, &req)
		gotHash = req.Hash
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := &ASClient{baseClient: newTestClient(t, srv)}
	require.NoError(t, c.ConsumeConnectionPackage(context.Background(), "pkg-hash-1"))
	assert.Equal(t, "pkg-hash-1", gotHash)
}

func TestDSClientReserveGroupIDAndConnectionGroupInfo(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ds/group-ids", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reserveGroupIDResponse{GroupID: "conn-7"})
	})
	mux.HandleFunc("/ds/groups/connection-info", func(w http.ResponseWriter, r *http.Request) {
		var req groupInfoRequest
		decodeSignedBody(t, r, &req)
		assert.Equal(t, "conn-7", req.GroupID)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(mlsengine.ExternalCommitInfo{GroupID: "conn-7"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := &DSClient{baseClient: newTestClient(t, srv)}
	groupID, err := c.ReserveGroupID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "conn-7", groupID)

	info, err := c.ConnectionGroupInfo(context.Background(), groupID, []byte("ear-key"))
	require.NoError(t, err)
	assert.Equal(t, "conn-7", info.GroupID)
}

func TestDSClientNotFoundMapsToNotFoundKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such group", http.StatusNotFound)
	}))
	defer srv.Close()

	c := &DSClient{baseClient: newTestClient(t, srv)}
	_, err := c.ConnectionGroupInfo(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
}

func TestQSClientPublishKeyPackages(t *testing.T) {
	var gotCount int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req publishKeyPackagesRequest
		decodeSignedBody(t, r, &req)
		gotCount = len(req.KeyPackages)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := &QSClient{baseClient: newTestClient(t, srv)}
	err := c.PublishKeyPackages(context.Background(), "client-1", []KeyPackage{
		{KeyPackageID: "kp-1", LastResort: false},
		{KeyPackageID: "kp-2", LastResort: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, gotCount)
}

// TestDSClientSendMessageOmitsSuppressNotificationsWhenNil proves the
// real send_message path exercises the same legacy-canonicalization
// compat branch crypto_test.go demonstrates in isolation (§4.1, §9): a
// nil SuppressNotifications must sign over a payload with no such field
// at all, not a null one.
func TestDSClientSendMessageOmitsSuppressNotificationsWhenNil(t *testing.T) {
	var gotRaw map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decodeSignedBody(t, r, &gotRaw)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := &DSClient{baseClient: newTestClient(t, srv)}
	require.NoError(t, c.SendMessage(context.Background(), "group-1", 3, []byte("ct"), []byte("nonce"), nil))
	_, present := gotRaw["suppress_notifications"]
	assert.False(t, present, "suppress_notifications must be omitted, not null, when unset")
}

func TestDSClientSendMessageIncludesSuppressNotificationsWhenSet(t *testing.T) {
	var gotRaw map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decodeSignedBody(t, r, &gotRaw)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	suppress := true
	c := &DSClient{baseClient: newTestClient(t, srv)}
	require.NoError(t, c.SendMessage(context.Background(), "group-1", 3, []byte("ct"), []byte("nonce"), &suppress))
	raw, present := gotRaw["suppress_notifications"]
	require.True(t, present, "suppress_notifications must be present when set")
	assert.Equal(t, "true", string(raw))
}

func TestWithRetryRetriesTransientFailureThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			http.Error(w, "try again", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := &QSClient{baseClient: newTestClient(t, srv)}
	err := c.UpdateUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestWithRetryGivesUpImmediatelyOnNonRetryableStatus(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := &QSClient{baseClient: newTestClient(t, srv)}
	err := c.UpdateUser(context.Background(), "alice")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestListenStreamDeliversFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		_ = conn.WriteJSON(QueueFrame{QueueID: "q1", SequenceNumber: 1, Ciphertext: []byte("ct")})
		_ = conn.WriteJSON(QueueFrame{QueueID: "q1", SequenceNumber: 2, Ciphertext: []byte("ct2")})
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):] + "/qs/listen-queue?queue_id=q1"
	frames, stop, err := listenStream[QueueFrame](context.Background(), wsURL, nil)
	require.NoError(t, err)
	defer stop()

	first := <-frames
	assert.Equal(t, uint64(1), first.SequenceNumber)
	second := <-frames
	assert.Equal(t, uint64(2), second.SequenceNumber)
}

func TestListenStreamDropsFramesWhenConsumerIsSlow(t *testing.T) {
	upgrader := websocket.Upgrader{}
	const totalFrames = streamBufferSize + 10
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for i := 0; i < totalFrames; i++ {
			_ = conn.WriteJSON(QueueFrame{QueueID: "q1", SequenceNumber: uint64(i)})
		}
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):] + "/qs/listen-queue?queue_id=q1"
	frames, stop, err := listenStream[QueueFrame](context.Background(), wsURL, nil)
	require.NoError(t, err)
	defer stop()

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, streamBufferSize, len(frames))
}

package inbound

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"hash"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/hkdf"

	"github.com/aethermsg/chatcore/config"
	"github.com/aethermsg/chatcore/crypto"
	"github.com/aethermsg/chatcore/mlsengine"
	"github.com/aethermsg/chatcore/mlsgroup"
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

func newTestCredential(t *testing.T, userID string) (mlsengine.Credential, *crypto.Signer) {
	t.Helper()
	signer, err := crypto.GenerateSigner()
	require.NoError(t, err)
	return mlsengine.Credential{UserID: userID, SigningKey: signer.PublicKey()}, signer
}

func newTestEncKey(t *testing.T) ([]byte, crypto.HPKEKeyPair) {
	t.Helper()
	kp, err := crypto.GenerateHPKEKeyPair()
	require.NoError(t, err)
	raw, err := crypto.MarshalHPKEPublicKey(kp.Public)
	require.NoError(t, err)
	return raw, *kp
}

// sealForQueue reproduces ratchet's one-way derivation (message key info
// "chatcore-ratchet-message-key", step 1 from a fresh chain secret) to
// seal a test queue payload the same way a sending client would, without
// reaching into the ratchet package's unexported helpers.
func sealForQueue(t *testing.T, secret []byte, plaintext []byte) (ciphertext, nonce []byte) {
	t.Helper()
	var key crypto.AEADKey
	r := hkdf.New(func() hash.Hash { return sha256.New() }, secret, nil, []byte("chatcore-ratchet-message-key"))
	_, err := io.ReadFull(r, key[:])
	require.NoError(t, err)
	ciphertext, nonce, err = crypto.AEADEncrypt(plaintext, key)
	require.NoError(t, err)
	return ciphertext, nonce
}

func seedRatchet(t *testing.T, s *store.Store, queueID string, secret []byte) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx *store.Tx) error {
		return tx.UpsertQueueRatchetState(context.Background(), &store.QueueRatchetState{
			QueueID: queueID, CurrentSecret: secret, SequenceNumber: 0,
		})
	})
	require.NoError(t, err)
}

type fakeKeyMaterial struct {
	kp crypto.HPKEKeyPair
}

func (f *fakeKeyMaterial) HPKEKeyPairForWelcome(context.Context, *mlsengine.Welcome, uint32) (crypto.HPKEKeyPair, error) {
	return f.kp, nil
}

type fakeProfileFetcher struct {
	profiles map[string]*store.UserProfile
}

func (f *fakeProfileFetcher) FetchUserProfile(_ context.Context, userID string) (*store.UserProfile, error) {
	if p, ok := f.profiles[userID]; ok {
		return p, nil
	}
	return &store.UserProfile{UserID: userID, DisplayName: userID, UpdatedAt: time.Now()}, nil
}

func TestProcessBatchWelcomeBundleCreatesChat(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	mgr := mlsgroup.NewManager(mlsengine.NewCirclAdapter())

	aliceCred, aliceSigner := newTestCredential(t, "alice")
	aliceEncKey, _ := newTestEncKey(t)
	bobEncKey, bobKeyPair := newTestEncKey(t)

	attrs := ChatAttributes{ChatType: store.ChatTypeGroup}
	groupData, err := json.Marshal(attrs)
	require.NoError(t, err)

	var sg *store.Group
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		sg, err = mgr.CreateGroup(ctx, tx, "group-1", aliceCred, aliceEncKey, groupData, nil, time.Now())
		return err
	})
	require.NoError(t, err)

	bobCred, _ := newTestCredential(t, "bob")
	_, welcome, err := mgr.AddMember(sg, "alice", bobCred, bobEncKey, aliceSigner)
	require.NoError(t, err)

	processor := NewProcessor(st, mgr, &fakeKeyMaterial{kp: bobKeyPair}, &fakeProfileFetcher{}, nil, "bob", nil)

	payload := Payload{WelcomeBundle: &WelcomeBundlePayload{Welcome: welcome, OwnLeafIndex: 1}}
	plaintext, err := json.Marshal(payload)
	require.NoError(t, err)

	secret := make([]byte, 32)
	seedRatchet(t, st, "queue-bob", secret)
	ciphertext, nonce := sealForQueue(t, secret, plaintext)

	batch, err := processor.ProcessBatch(ctx, "queue-bob", []QueueMessage{
		{SequenceNumber: 1, Ciphertext: ciphertext, Nonce: nonce, Timestamp: time.Now()},
	})
	require.NoError(t, err)
	require.Empty(t, batch.Errors)
	require.Len(t, batch.NewChats, 1)
	require.NotNil(t, batch.AckSequenceNumber)
	assert.Equal(t, uint64(2), *batch.AckSequenceNumber)

	chat, err := st.GetChat(ctx, batch.NewChats[0])
	require.NoError(t, err)
	assert.Equal(t, "group-1", chat.GroupID)
	assert.Equal(t, store.ChatStatusActive, chat.Status)
}

func TestProcessBatchApplicationMessageStoresVisibleMessage(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	mgr := mlsgroup.NewManager(mlsengine.NewCirclAdapter())
	engine := mlsengine.NewCirclAdapter()

	aliceCred, aliceSigner := newTestCredential(t, "alice")
	aliceEncKey, _ := newTestEncKey(t)
	bobEncKey, bobKeyPair := newTestEncKey(t)

	attrs := ChatAttributes{ChatType: store.ChatTypeGroup}
	groupData, err := json.Marshal(attrs)
	require.NoError(t, err)

	var sg *store.Group
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		sg, err = mgr.CreateGroup(ctx, tx, "group-1", aliceCred, aliceEncKey, groupData, nil, time.Now())
		return err
	})
	require.NoError(t, err)

	bobCred, _ := newTestCredential(t, "bob")
	addCommit, welcome, err := mgr.AddMember(sg, "alice", bobCred, bobEncKey, aliceSigner)
	require.NoError(t, err)

	var aliceSideMerge *mlsengine.MergeResult
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		aliceSideMerge, _, err = mgr.MergeCommit(ctx, tx, sg, &mlsengine.StagedCommit{Commit: addCommit}, time.Now())
		return err
	})
	require.NoError(t, err)

	// bob joins directly (not through the processor) to set up his own
	// group+chat rows, mirroring a prior WelcomeBundle having already run.
	var bobGroup *store.Group
	err = st.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		bobGroup, err = mgr.JoinGroup(ctx, tx, welcome, 1, bobKeyPair, time.Now())
		if err != nil {
			return err
		}
		return tx.InsertChat(ctx, &store.Chat{
			ChatID: "chat-1", GroupID: bobGroup.GroupID, Status: store.ChatStatusActive,
			ChatType: store.ChatTypeGroup, CreatedAt: time.Now(), UpdatedAt: time.Now(),
		})
	})
	require.NoError(t, err)

	// alice sends an application message at the post-merge epoch.
	ciphertext, nonce, err := engine.EncryptApplication(aliceSideMerge.Group, marshalEnvelope(t, "m-1", "text/plain", []byte("hi bob")))
	require.NoError(t, err)

	mm := MlsMessagePayload{
		GroupID: "group-1",
		Message: &mlsengine.ProtocolMessage{
			SenderIndex: 0,
			Application: &mlsengine.EncryptedApplication{Epoch: aliceSideMerge.Group.Epoch, Ciphertext: ciphertext, Nonce: nonce},
		},
	}
	payload := Payload{MlsMessage: &mm}
	plaintext, err := json.Marshal(payload)
	require.NoError(t, err)

	secret := make([]byte, 32)
	seedRatchet(t, st, "queue-bob", secret)
	qct, qnonce := sealForQueue(t, secret, plaintext)

	processor := NewProcessor(st, mgr, &fakeKeyMaterial{kp: bobKeyPair}, &fakeProfileFetcher{}, nil, "bob", nil)
	batch, err := processor.ProcessBatch(ctx, "queue-bob", []QueueMessage{
		{SequenceNumber: 1, Ciphertext: qct, Nonce: qnonce, Timestamp: time.Now()},
	})
	require.NoError(t, err)
	require.Empty(t, batch.Errors)
	require.Len(t, batch.ChangedChats, 1)
	require.Len(t, batch.NewMessages, 1)
	assert.Equal(t, "hi bob", string(batch.NewMessages[0].Content))
}

func marshalEnvelope(t *testing.T, mimiID, contentType string, content []byte) []byte {
	t.Helper()
	env := applicationEnvelope{MimiID: mimiID, ContentType: contentType, Content: content}
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return b
}

package contact

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aethermsg/chatcore/config"
	"github.com/aethermsg/chatcore/crypto"
	"github.com/aethermsg/chatcore/mlsengine"
	"github.com/aethermsg/chatcore/mlsgroup"
	"github.com/aethermsg/chatcore/notify"
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

// newTestStoreWithBus wires a real notify.Bus so a test can subscribe and
// recover an entity id a call generates internally (e.g. the pending-chat
// id HandleConnectionRequest assigns), the same way a live client's UI
// layer would learn about it.
func newTestStoreWithBus(t *testing.T) (*store.Store, *notify.Bus) {
	t.Helper()
	bus := notify.NewBus()
	cfg := config.Config{StorePath: filepath.Join(t.TempDir(), "chatcore-test.db")}
	s, err := store.Open(cfg, nil, bus)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, bus
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

// fakeAS is a minimal in-memory stand-in for the transport package's AS
// client, satisfying the AS interface with directly-inspectable state.
type fakeAS struct {
	pkg            *ConnectionPackage
	sentOffers     map[string]*EncryptedConnectionOffer
	consumedHashes []string
}

func (f *fakeAS) ConnectHandle(context.Context, string) (*ConnectionPackage, error) {
	return f.pkg, nil
}

func (f *fakeAS) SendConnectionOffer(_ context.Context, handle string, offer *EncryptedConnectionOffer) error {
	f.sentOffers[handle] = offer
	return nil
}

func (f *fakeAS) ConsumeConnectionPackage(_ context.Context, hash string) error {
	f.consumedHashes = append(f.consumedHashes, hash)
	return nil
}

// fakeDS is a minimal in-memory stand-in for the transport package's DS
// client. lookupGroup resolves a connection group's authoritative row —
// in a real deployment this would be the DS's own copy; here the test
// simply points it at whichever local store actually created the group.
type fakeDS struct {
	groupIDs      []string
	next          int
	createdGroups map[string]bool
	lookupGroup   func(ctx context.Context, groupID string) (*store.Group, error)
	joinCommits   []*mlsengine.Commit
	targeted      []targetedMessage
}

type targetedMessage struct {
	groupID       string
	recipientLeaf uint32
	ciphertext    []byte
	nonce         []byte
}

func (f *fakeDS) ReserveGroupID(context.Context) (string, error) {
	id := f.groupIDs[f.next]
	f.next++
	return id, nil
}

func (f *fakeDS) CreateConnectionGroup(_ context.Context, groupID string, _ []byte, _, _ []byte) error {
	f.createdGroups[groupID] = true
	return nil
}

func (f *fakeDS) ConnectionGroupInfo(ctx context.Context, groupID string, _ []byte) (*mlsengine.ExternalCommitInfo, error) {
	g, err := f.lookupGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	members, err := mlsgroup.Members(g)
	if err != nil {
		return nil, err
	}
	return &mlsengine.ExternalCommitInfo{
		GroupID:                g.GroupID,
		Epoch:                  g.Epoch,
		Members:                members,
		GroupData:              g.GroupData,
		IdentityLinkWrapperKey: g.IdentityLinkWrapperKey,
	}, nil
}

func (f *fakeDS) JoinConnectionGroup(_ context.Context, commit *mlsengine.Commit, _, _ []byte) error {
	f.joinCommits = append(f.joinCommits, commit)
	return nil
}

func (f *fakeDS) SendTargetedMessage(_ context.Context, groupID string, recipientLeaf uint32, ciphertext, nonce []byte) error {
	f.targeted = append(f.targeted, targetedMessage{groupID: groupID, recipientLeaf: recipientLeaf, ciphertext: ciphertext, nonce: nonce})
	return nil
}

// TestHandleConnectionEndToEnd exercises AddContactViaHandle through
// ReceiveConnectionOffer through AcceptConnectionOffer, alice initiating
// a connection to bob's published handle and bob accepting it.
func TestHandleConnectionEndToEnd(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	aliceStore := newTestStore(t)
	bobStore := newTestStore(t)
	aliceMgr := mlsgroup.NewManager(mlsengine.NewCirclAdapter())
	bobMgr := mlsgroup.NewManager(mlsengine.NewCirclAdapter())

	aliceCred, aliceSigner := newTestCredential(t, "alice")
	bobCred, bobSigner := newTestCredential(t, "bob")
	aliceEncKey, _ := newTestEncKey(t)
	bobEncKey, bobKeyPair := newTestEncKey(t)

	bobPkg := &ConnectionPackage{Hash: "pkg-bob-1", Credential: bobCred, EncryptionKey: bobEncKey}

	ds := &fakeDS{
		groupIDs:      []string{"conn-1"},
		createdGroups: map[string]bool{},
		lookupGroup: func(ctx context.Context, groupID string) (*store.Group, error) {
			return aliceStore.GetGroup(ctx, groupID)
		},
	}
	as := &fakeAS{pkg: bobPkg, sentOffers: map[string]*EncryptedConnectionOffer{}}

	aliceHandshake := NewHandshake(aliceStore, aliceMgr, as, ds, aliceCred, aliceSigner, aliceEncKey)

	aliceChatID, err := aliceHandshake.AddContactViaHandle(ctx, "bob.example", now)
	require.NoError(t, err)
	require.NotEmpty(t, aliceChatID)
	assert.True(t, ds.createdGroups["conn-1"])

	aliceChat, err := aliceStore.GetChat(ctx, aliceChatID)
	require.NoError(t, err)
	assert.Equal(t, store.ChatTypeHandleConnection, aliceChat.ChatType)
	assert.Equal(t, "conn-1", aliceChat.GroupID)

	offer := as.sentOffers["bob.example"]
	require.NotNil(t, offer)

	bobHandshake := NewHandshake(bobStore, bobMgr, as, ds, bobCred, bobSigner, bobEncKey)

	err = bobStore.WithTx(ctx, func(tx *store.Tx) error {
		return tx.InsertConnectionPackage(ctx, &store.ConnectionPackage{Hash: bobPkg.Hash, PublicKey: bobEncKey, LastResort: false})
	})
	require.NoError(t, err)

	bobChatID, err := bobHandshake.ReceiveConnectionOffer(ctx, offer, bobKeyPair, "bob.example", now)
	require.NoError(t, err)
	require.NotEmpty(t, bobChatID)
	require.Len(t, as.consumedHashes, 1)
	assert.Equal(t, bobPkg.Hash, as.consumedHashes[0])

	bobChat, err := bobStore.GetChat(ctx, bobChatID)
	require.NoError(t, err)
	assert.Equal(t, store.ChatTypePendingConnection, bobChat.ChatType)
	assert.Empty(t, bobChat.GroupID)
	assert.Equal(t, "alice", bobChat.ChatTypeUserID)

	err = bobHandshake.AcceptConnectionOffer(ctx, bobChatID, now)
	require.NoError(t, err)
	require.Len(t, ds.joinCommits, 1)

	bobChatAfter, err := bobStore.GetChat(ctx, bobChatID)
	require.NoError(t, err)
	assert.Equal(t, store.ChatTypeConnection, bobChatAfter.ChatType)
	assert.Equal(t, "conn-1", bobChatAfter.GroupID)

	contact, err := bobStore.GetContact(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "conn-1", contact.ConnectionGroupID)

	bobGroup, err := bobStore.GetGroup(ctx, "conn-1")
	require.NoError(t, err)
	members, err := mlsgroup.Members(bobGroup)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

// TestAddContactViaTargetedMessageDeliversInExistingGroup exercises the
// non-AS variant: a connection offer delivered as an application message
// inside a group both parties already share, decrypted and handled the
// same way C5 would dispatch it.
func TestAddContactViaTargetedMessageDeliversInExistingGroup(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	aliceStore := newTestStore(t)
	bobStore, bobBus := newTestStoreWithBus(t)
	aliceMgr := mlsgroup.NewManager(mlsengine.NewCirclAdapter())
	bobMgr := mlsgroup.NewManager(mlsengine.NewCirclAdapter())

	aliceCred, aliceSigner := newTestCredential(t, "alice")
	bobCred, _ := newTestCredential(t, "bob")
	aliceEncKey, _ := newTestEncKey(t)
	bobEncKey, bobKeyPair := newTestEncKey(t)

	var aliceSharedGroup *store.Group
	err := aliceStore.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		aliceSharedGroup, err = aliceMgr.CreateGroup(ctx, tx, "shared-1", aliceCred, aliceEncKey, nil, nil, now)
		if err != nil {
			return err
		}
		return tx.InsertChat(ctx, &store.Chat{
			ChatID: "chat-shared", GroupID: "shared-1", Status: store.ChatStatusActive,
			ChatType: store.ChatTypeGroup, CreatedAt: now, UpdatedAt: now,
		})
	})
	require.NoError(t, err)

	addCommit, welcome, err := aliceMgr.AddMember(aliceSharedGroup, "alice", bobCred, bobEncKey, aliceSigner)
	require.NoError(t, err)

	err = aliceStore.WithTx(ctx, func(tx *store.Tx) error {
		_, _, err := aliceMgr.MergeCommit(ctx, tx, aliceSharedGroup, &mlsengine.StagedCommit{Commit: addCommit}, now)
		return err
	})
	require.NoError(t, err)

	var bobSharedGroup *store.Group
	err = bobStore.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		bobSharedGroup, err = bobMgr.JoinGroup(ctx, tx, welcome, 1, bobKeyPair, now)
		if err != nil {
			return err
		}
		return tx.InsertChat(ctx, &store.Chat{
			ChatID: "chat-shared", GroupID: "shared-1", Status: store.ChatStatusActive,
			ChatType: store.ChatTypeGroup, CreatedAt: now, UpdatedAt: now,
		})
	})
	require.NoError(t, err)

	ds := &fakeDS{
		groupIDs:      []string{"conn-2"},
		createdGroups: map[string]bool{},
		lookupGroup: func(ctx context.Context, groupID string) (*store.Group, error) {
			return aliceStore.GetGroup(ctx, groupID)
		},
	}
	as := &fakeAS{sentOffers: map[string]*EncryptedConnectionOffer{}}

	aliceHandshake := NewHandshake(aliceStore, aliceMgr, as, ds, aliceCred, aliceSigner, aliceEncKey)

	newChatID, err := aliceHandshake.AddContactViaTargetedMessage(ctx, "chat-shared", "bob", now)
	require.NoError(t, err)
	require.NotEmpty(t, newChatID)
	assert.True(t, ds.createdGroups["conn-2"])
	require.Len(t, ds.targeted, 1)
	sent := ds.targeted[0]
	assert.Equal(t, "shared-1", sent.groupID)
	assert.Equal(t, uint32(1), sent.recipientLeaf)

	sub, unsubscribe := bobBus.Subscribe()
	defer unsubscribe()

	bobHandshake := NewHandshake(bobStore, bobMgr, as, ds, bobCred, nil, bobEncKey)

	err = bobStore.WithTx(ctx, func(tx *store.Tx) error {
		processed, err := bobMgr.ProcessMessage(ctx, tx, bobSharedGroup, &mlsengine.ProtocolMessage{
			SenderIndex: 0,
			Application: &mlsengine.EncryptedApplication{Epoch: bobSharedGroup.Epoch, Ciphertext: sent.ciphertext, Nonce: sent.nonce},
		}, now)
		if err != nil {
			return err
		}
		require.NotNil(t, processed.Application)

		var envelope struct {
			MimiID      string `json:"mimi_id"`
			ContentType string `json:"content_type"`
			Content     []byte `json:"content"`
		}
		if err := json.Unmarshal(processed.Application.Plaintext, &envelope); err != nil {
			return err
		}
		assert.Equal(t, targetedMessageContentType, envelope.ContentType)

		bobChat, err := tx.GetChat(ctx, "chat-shared")
		if err != nil {
			return err
		}
		return bobHandshake.HandleConnectionRequest(ctx, tx, bobChat, processed.Application.SenderIndex, envelope.Content, now)
	})
	require.NoError(t, err)

	var pendingChatID string
	select {
	case set := <-sub:
		for id := range set {
			pendingChatID = id
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pending-connection notification")
	}
	require.NotEmpty(t, pendingChatID)

	pendingChat, err := bobStore.GetChat(ctx, pendingChatID)
	require.NoError(t, err)
	assert.Equal(t, store.ChatTypePendingConnection, pendingChat.ChatType)
	assert.Equal(t, "alice", pendingChat.ChatTypeUserID)
}

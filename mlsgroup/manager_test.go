package mlsgroup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aethermsg/chatcore/config"
	"github.com/aethermsg/chatcore/crypto"
	"github.com/aethermsg/chatcore/mlsengine"
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

func TestCreateGroupSetsOwnerRole(t *testing.T) {
	s := newTestStore(t)
	mgr := NewManager(mlsengine.NewCirclAdapter())
	aliceCred, _ := newTestCredential(t, "alice")
	aliceEncKey, _ := newTestEncKey(t)

	var sg *store.Group
	err := s.WithTx(context.Background(), func(tx *store.Tx) error {
		var err error
		sg, err = mgr.CreateGroup(context.Background(), tx, "group-1", aliceCred, aliceEncKey, nil, nil, time.Now())
		return err
	})
	require.NoError(t, err)

	policy, err := unmarshalRoomPolicy(sg.RoomState)
	require.NoError(t, err)
	assert.Equal(t, RoleOwner, policy["alice"])
	assert.Equal(t, store.GroupStateClean, sg.State)
}

func TestAddMemberRequiresPermittedRole(t *testing.T) {
	s := newTestStore(t)
	mgr := NewManager(mlsengine.NewCirclAdapter())
	aliceCred, aliceSigner := newTestCredential(t, "alice")
	aliceEncKey, _ := newTestEncKey(t)

	var sg *store.Group
	err := s.WithTx(context.Background(), func(tx *store.Tx) error {
		var err error
		sg, err = mgr.CreateGroup(context.Background(), tx, "group-1", aliceCred, aliceEncKey, nil, nil, time.Now())
		return err
	})
	require.NoError(t, err)

	bobCred, _ := newTestCredential(t, "bob")
	bobEncKey, _ := newTestEncKey(t)

	// alice (Owner) may add.
	_, _, err = mgr.AddMember(sg, "alice", bobCred, bobEncKey, aliceSigner)
	require.NoError(t, err)

	// An outsider (unknown user) may not.
	_, _, err = mgr.AddMember(sg, "mallory", bobCred, bobEncKey, aliceSigner)
	require.Error(t, err)
}

func TestMergeCommitPromotesAddedMemberAndEmitsSystemMessage(t *testing.T) {
	s := newTestStore(t)
	mgr := NewManager(mlsengine.NewCirclAdapter())
	aliceCred, aliceSigner := newTestCredential(t, "alice")
	aliceEncKey, _ := newTestEncKey(t)

	var sg *store.Group
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		sg, err = mgr.CreateGroup(ctx, tx, "group-1", aliceCred, aliceEncKey, nil, nil, time.Now())
		return err
	})
	require.NoError(t, err)

	bobCred, _ := newTestCredential(t, "bob")
	bobEncKey, _ := newTestEncKey(t)
	commit, _, err := mgr.AddMember(sg, "alice", bobCred, bobEncKey, aliceSigner)
	require.NoError(t, err)

	var sysMsgs []SystemMessage
	err = s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		_, sysMsgs, err = mgr.MergeCommit(ctx, tx, sg, &mlsengine.StagedCommit{Commit: commit}, time.Now())
		return err
	})
	require.NoError(t, err)

	require.Len(t, sysMsgs, 1)
	assert.Equal(t, SystemMessageMemberAdded, sysMsgs[0].Kind)
	assert.Equal(t, "bob", sysMsgs[0].Subject)

	policy, err := unmarshalRoomPolicy(sg.RoomState)
	require.NoError(t, err)
	assert.Equal(t, RoleRegular, policy["bob"])
	assert.Equal(t, store.GroupStateClean, sg.State)
}

func TestProcessMessageProposalMarksGroupDirtyAndOutsider(t *testing.T) {
	s := newTestStore(t)
	mgr := NewManager(mlsengine.NewCirclAdapter())
	aliceCred, aliceSigner := newTestCredential(t, "alice")
	aliceEncKey, _ := newTestEncKey(t)
	ctx := context.Background()

	var sg *store.Group
	err := s.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		sg, err = mgr.CreateGroup(ctx, tx, "group-1", aliceCred, aliceEncKey, nil, nil, time.Now())
		return err
	})
	require.NoError(t, err)

	bobCred, _ := newTestCredential(t, "bob")
	bobEncKey, _ := newTestEncKey(t)
	addCommit, _, err := mgr.AddMember(sg, "alice", bobCred, bobEncKey, aliceSigner)
	require.NoError(t, err)
	err = s.WithTx(ctx, func(tx *store.Tx) error {
		_, _, err := mgr.MergeCommit(ctx, tx, sg, &mlsengine.StagedCommit{Commit: addCommit}, time.Now())
		return err
	})
	require.NoError(t, err)

	bobLeaf := uint32(1)
	removeProposal := &mlsengine.ProtocolMessage{
		Proposal: &mlsengine.Proposal{Kind: mlsengine.ProposalRemove, RemoveIdx: &bobLeaf},
	}
	err = s.WithTx(ctx, func(tx *store.Tx) error {
		_, err := mgr.ProcessMessage(ctx, tx, sg, removeProposal, time.Now())
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, store.GroupStateDirty, sg.State)
	policy, err := unmarshalRoomPolicy(sg.RoomState)
	require.NoError(t, err)
	assert.Equal(t, RoleOutsider, policy["bob"])
}

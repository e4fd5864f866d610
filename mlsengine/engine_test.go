package mlsengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aethermsg/chatcore/crypto"
	"github.com/aethermsg/chatcore/errors"
)

func newTestCredential(t *testing.T, userID string) (Credential, *crypto.Signer) {
	t.Helper()
	signer, err := crypto.GenerateSigner()
	require.NoError(t, err)
	return Credential{UserID: userID, SigningKey: signer.PublicKey()}, signer
}

func newTestEncKey(t *testing.T) ([]byte, crypto.HPKEKeyPair) {
	t.Helper()
	kp, err := crypto.GenerateHPKEKeyPair()
	require.NoError(t, err)
	raw, err := crypto.MarshalHPKEPublicKey(kp.Public)
	require.NoError(t, err)
	return raw, *kp
}

func TestCreateGroupAndAddMemberJoinViaWelcome(t *testing.T) {
	engine := NewCirclAdapter()
	creatorCred, creatorSigner := newTestCredential(t, "alice")
	creatorEncKey, _ := newTestEncKey(t)

	group, err := engine.CreateGroup("group-1", creatorCred, creatorEncKey, []byte("group-data"), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), group.Epoch)
	assert.Len(t, group.Members, 1)

	bobCred, _ := newTestCredential(t, "bob")
	bobEncKey, bobKeyPair := newTestEncKey(t)

	commit, welcome, err := engine.AddMember(group, bobCred, bobEncKey, creatorSigner)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), commit.ToEpoch)

	merged, err := engine.MergePendingCommit(group, &StagedCommit{Commit: commit})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), merged.Group.Epoch)
	assert.Len(t, merged.Group.Members, 2)
	assert.Equal(t, []Credential{bobCred}, merged.Added)

	bobGroup, err := engine.JoinGroup(welcome, 1, bobKeyPair)
	require.NoError(t, err)
	assert.Equal(t, merged.Group.Epoch, bobGroup.Epoch)
	assert.Equal(t, merged.Group.Secret, bobGroup.Secret)
}

func TestApplicationMessageRoundTrip(t *testing.T) {
	engine := NewCirclAdapter()
	cred, _ := newTestCredential(t, "alice")
	encKey, _ := newTestEncKey(t)
	group, err := engine.CreateGroup("group-1", cred, encKey, nil, nil)
	require.NoError(t, err)

	ciphertext, nonce, err := engine.EncryptApplication(group, []byte("hello group"))
	require.NoError(t, err)

	plaintext, err := engine.DecryptApplication(group, 0, &EncryptedApplication{
		Epoch: group.Epoch, Ciphertext: ciphertext, Nonce: nonce,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello group"), plaintext)
}

func TestDecryptApplicationRejectsStaleEpoch(t *testing.T) {
	engine := NewCirclAdapter()
	cred, _ := newTestCredential(t, "alice")
	encKey, _ := newTestEncKey(t)
	group, err := engine.CreateGroup("group-1", cred, encKey, nil, nil)
	require.NoError(t, err)

	_, err = engine.DecryptApplication(group, 0, &EncryptedApplication{
		Epoch: group.Epoch + 1, Ciphertext: []byte("x"), Nonce: []byte("y"),
	})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindDataLoss))
}

func TestMergePendingCommitRejectsWrongEpoch(t *testing.T) {
	engine := NewCirclAdapter()
	cred, signer := newTestCredential(t, "alice")
	encKey, _ := newTestEncKey(t)
	group, err := engine.CreateGroup("group-1", cred, encKey, nil, nil)
	require.NoError(t, err)

	bobCred, _ := newTestCredential(t, "bob")
	bobEncKey, _ := newTestEncKey(t)
	commit, _, err := engine.AddMember(group, bobCred, bobEncKey, signer)
	require.NoError(t, err)

	// Merge once to advance the epoch, then try to merge the same commit
	// again against the now-stale group.
	merged, err := engine.MergePendingCommit(group, &StagedCommit{Commit: commit})
	require.NoError(t, err)
	_, err = engine.MergePendingCommit(merged.Group, &StagedCommit{Commit: commit})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindFailedPrecondition))
}

func TestRemoveMemberOfOtherLeavesWeWereRemovedFalse(t *testing.T) {
	engine := NewCirclAdapter()
	cred, signer := newTestCredential(t, "alice")
	encKey, _ := newTestEncKey(t)
	group, err := engine.CreateGroup("group-1", cred, encKey, nil, nil)
	require.NoError(t, err)

	bobCred, _ := newTestCredential(t, "bob")
	bobEncKey, _ := newTestEncKey(t)
	addCommit, _, err := engine.AddMember(group, bobCred, bobEncKey, signer)
	require.NoError(t, err)
	merged, err := engine.MergePendingCommit(group, &StagedCommit{Commit: addCommit})
	require.NoError(t, err)

	removeCommit, err := engine.RemoveMember(merged.Group, 1, signer)
	require.NoError(t, err)

	processed, err := engine.ProcessMessage(merged.Group, &ProtocolMessage{Commit: removeCommit})
	require.NoError(t, err)
	assert.NotNil(t, processed.StagedCommit)
	assert.False(t, processed.WeWereRemoved) // removed member is bob (leaf 1), not self (leaf 0)
}

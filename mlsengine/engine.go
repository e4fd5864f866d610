package mlsengine

import (
	"github.com/aethermsg/chatcore/crypto"
	"github.com/aethermsg/chatcore/errors"
)

// Engine is the narrow interface C4 (mlsgroup) drives. CirclAdapter is
// the default implementation; tests may substitute a fake.
type Engine interface {
	CreateGroup(groupID string, creator Credential, creatorEncKey []byte, groupData []byte, identityLinkWrapperKey []byte) (*Group, error)
	AddMember(g *Group, member Credential, memberEncKey []byte, signer *crypto.Signer) (*Commit, *Welcome, error)
	RemoveMember(g *Group, leafIndex uint32, signer *crypto.Signer) (*Commit, error)
	JoinGroup(welcome *Welcome, ownLeafIndex uint32, recipient crypto.HPKEKeyPair) (*Group, error)
	JoinExternally(info *ExternalCommitInfo, joiner Credential, joinerEncKey []byte, aad AAD, signer *crypto.Signer) (*Group, *Commit, error)
	ProcessMessage(g *Group, msg *ProtocolMessage) (*ProcessedMessage, error)
	MergePendingCommit(g *Group, staged *StagedCommit) (*MergeResult, error)
	EncryptApplication(g *Group, plaintext []byte) (ciphertext, nonce []byte, err error)
	DecryptApplication(g *Group, senderIndex uint32, enc *EncryptedApplication) ([]byte, error)
}

// CirclAdapter is the default Engine, built on cloudflare/circl's HPKE
// for welcome/external-join secret transport and on crypto.AEADEncrypt/
// Decrypt (itself circl/stdlib-backed) for application messages.
type CirclAdapter struct{}

func NewCirclAdapter() *CirclAdapter { return &CirclAdapter{} }

func (a *CirclAdapter) CreateGroup(groupID string, creator Credential, creatorEncKey []byte, groupData []byte, identityLinkWrapperKey []byte) (*Group, error) {
	secret, err := freshSecret()
	if err != nil {
		return nil, err
	}
	return &Group{
		GroupID:      groupID,
		Epoch:        0,
		OwnLeafIndex: 0,
		Members: []Member{
			{LeafIndex: 0, Credential: creator, EncryptionKey: creatorEncKey},
		},
		Secret:                 secret,
		GroupData:              groupData,
		IdentityLinkWrapperKey: identityLinkWrapperKey,
		TranscriptHash:         initialTranscriptHash(groupID),
	}, nil
}

func (a *CirclAdapter) AddMember(g *Group, member Credential, memberEncKey []byte, signer *crypto.Signer) (*Commit, *Welcome, error) {
	nextIndex := nextLeafIndex(g)
	commit := &Commit{
		GroupID:   g.GroupID,
		FromEpoch: g.Epoch,
		ToEpoch:   g.Epoch + 1,
		Adds:      []Credential{member},
		AddKeys:   [][]byte{memberEncKey},
	}
	if err := signCommit(commit, signer); err != nil {
		return nil, nil, err
	}

	newMembers := append(append([]Member{}, g.Members...), Member{
		LeafIndex: nextIndex, Credential: member, EncryptionKey: memberEncKey,
	})
	newSecret, err := advanceSecret(g.Secret, commit)
	if err != nil {
		return nil, nil, err
	}

	recipientKey, err := crypto.UnmarshalHPKEPublicKey(memberEncKey)
	if err != nil {
		return nil, nil, err
	}
	enc, ciphertext, err := crypto.HPKESeal(newSecret, []byte(g.GroupID), nil, recipientKey)
	if err != nil {
		return nil, nil, errors.Wrap(err, "seal welcome secret")
	}

	welcome := &Welcome{
		GroupID:                g.GroupID,
		Epoch:                  commit.ToEpoch,
		Members:                newMembers,
		GroupData:              g.GroupData,
		IdentityLinkWrapperKey: g.IdentityLinkWrapperKey,
		TranscriptHash:         advanceTranscript(g.TranscriptHash, commit),
		EncapsulatedKey:        enc,
		Ciphertext:             ciphertext,
	}
	return commit, welcome, nil
}

func (a *CirclAdapter) RemoveMember(g *Group, leafIndex uint32, signer *crypto.Signer) (*Commit, error) {
	found := false
	for _, m := range g.Members {
		if m.LeafIndex == leafIndex {
			found = true
			break
		}
	}
	if !found {
		return nil, errors.WithKind(errors.Newf("leaf %d not a member of group %s", leafIndex, g.GroupID), errors.KindInvalidArgument)
	}
	commit := &Commit{
		GroupID:   g.GroupID,
		FromEpoch: g.Epoch,
		ToEpoch:   g.Epoch + 1,
		Removes:   []uint32{leafIndex},
	}
	if err := signCommit(commit, signer); err != nil {
		return nil, err
	}
	return commit, nil
}

func (a *CirclAdapter) JoinGroup(welcome *Welcome, ownLeafIndex uint32, recipient crypto.HPKEKeyPair) (*Group, error) {
	secret, err := crypto.HPKEOpen(welcome.EncapsulatedKey, welcome.Ciphertext, []byte(welcome.GroupID), nil, recipient.Private)
	if err != nil {
		return nil, errors.Wrap(err, "open welcome secret")
	}
	return &Group{
		GroupID:                welcome.GroupID,
		Epoch:                  welcome.Epoch,
		OwnLeafIndex:           ownLeafIndex,
		Members:                welcome.Members,
		Secret:                 secret,
		GroupData:              welcome.GroupData,
		IdentityLinkWrapperKey: welcome.IdentityLinkWrapperKey,
		TranscriptHash:         welcome.TranscriptHash,
	}, nil
}

func (a *CirclAdapter) JoinExternally(info *ExternalCommitInfo, joiner Credential, joinerEncKey []byte, aad AAD, signer *crypto.Signer) (*Group, *Commit, error) {
	nextIndex := nextLeafIndexFromMembers(info.Members)
	commit := &Commit{
		GroupID:   info.GroupID,
		FromEpoch: info.Epoch,
		ToEpoch:   info.Epoch + 1,
		Adds:      []Credential{joiner},
		AddKeys:   [][]byte{joinerEncKey},
		JoinerIdx: &nextIndex,
		AAD:       &aad,
	}
	if err := signCommit(commit, signer); err != nil {
		return nil, nil, err
	}

	members := append(append([]Member{}, info.Members...), Member{
		LeafIndex: nextIndex, Credential: joiner, EncryptionKey: joinerEncKey,
	})
	secret, err := freshSecret()
	if err != nil {
		return nil, nil, err
	}
	g := &Group{
		GroupID:                info.GroupID,
		Epoch:                  commit.ToEpoch,
		OwnLeafIndex:           nextIndex,
		Members:                members,
		Secret:                 secret,
		GroupData:              info.GroupData,
		IdentityLinkWrapperKey: info.IdentityLinkWrapperKey,
		TranscriptHash:         advanceTranscript(info.TranscriptHash, commit),
	}
	return g, commit, nil
}

func (a *CirclAdapter) ProcessMessage(g *Group, msg *ProtocolMessage) (*ProcessedMessage, error) {
	switch {
	case msg.Application != nil:
		plaintext, err := a.DecryptApplication(g, msg.SenderIndex, msg.Application)
		if err != nil {
			return nil, err
		}
		return &ProcessedMessage{Application: &ApplicationMessage{SenderIndex: msg.SenderIndex, Plaintext: plaintext}}, nil
	case msg.Proposal != nil:
		return &ProcessedMessage{Proposal: msg.Proposal}, nil
	case msg.Commit != nil:
		weWereRemoved := false
		for _, idx := range msg.Commit.Removes {
			if idx == g.OwnLeafIndex {
				weWereRemoved = true
			}
		}
		return &ProcessedMessage{
			StagedCommit:      &StagedCommit{Commit: msg.Commit},
			WeWereRemoved:     weWereRemoved,
			NewMemberProfiles: msg.Commit.Adds,
		}, nil
	default:
		return nil, errors.WithKind(errors.New("empty protocol message"), errors.KindInvalidArgument)
	}
}

func (a *CirclAdapter) MergePendingCommit(g *Group, staged *StagedCommit) (*MergeResult, error) {
	c := staged.Commit
	if c.FromEpoch != g.Epoch {
		return nil, errors.WithKind(
			errors.Newf("commit for epoch %d does not follow current epoch %d", c.FromEpoch, g.Epoch),
			errors.KindFailedPrecondition)
	}

	members := make([]Member, 0, len(g.Members)+len(c.Adds))
	removed := map[uint32]bool{}
	for _, idx := range c.Removes {
		removed[idx] = true
	}
	for _, m := range g.Members {
		if !removed[m.LeafIndex] {
			members = append(members, m)
		}
	}
	nextIndex := nextLeafIndexFromMembers(members)
	for i, cred := range c.Adds {
		idx := nextIndex
		if c.JoinerIdx != nil && i == 0 {
			idx = *c.JoinerIdx
		}
		members = append(members, Member{LeafIndex: idx, Credential: cred, EncryptionKey: c.AddKeys[i]})
		nextIndex++
	}

	newSecret, err := advanceSecret(g.Secret, c)
	if err != nil {
		return nil, err
	}

	merged := &Group{
		GroupID:                g.GroupID,
		Epoch:                  c.ToEpoch,
		OwnLeafIndex:           g.OwnLeafIndex,
		Members:                members,
		Secret:                 newSecret,
		GroupData:              g.GroupData,
		IdentityLinkWrapperKey: g.IdentityLinkWrapperKey,
		TranscriptHash:         advanceTranscript(g.TranscriptHash, c),
		// Pending proposals are cleared when the committing epoch
		// advances (the Group invariant that a successful merge never
		// leaves proposals pending).
		PendingProposals: nil,
	}

	return &MergeResult{Group: merged, Added: c.Adds, Removed: c.Removes}, nil
}

func (a *CirclAdapter) EncryptApplication(g *Group, plaintext []byte) ([]byte, []byte, error) {
	key, err := applicationKey(g.Secret, g.Epoch)
	if err != nil {
		return nil, nil, err
	}
	return crypto.AEADEncrypt(plaintext, key)
}

func (a *CirclAdapter) DecryptApplication(g *Group, senderIndex uint32, enc *EncryptedApplication) ([]byte, error) {
	if enc.Epoch != g.Epoch {
		return nil, errors.WithKind(
			errors.Newf("application message at epoch %d does not match current epoch %d", enc.Epoch, g.Epoch),
			errors.KindDataLoss)
	}
	key, err := applicationKey(g.Secret, g.Epoch)
	if err != nil {
		return nil, err
	}
	return crypto.AEADDecrypt(enc.Ciphertext, enc.Nonce, key)
}

func nextLeafIndex(g *Group) uint32 { return nextLeafIndexFromMembers(g.Members) }

func nextLeafIndexFromMembers(members []Member) uint32 {
	var max uint32
	for _, m := range members {
		if m.LeafIndex >= max {
			max = m.LeafIndex + 1
		}
	}
	return max
}

// commitPayload adapts a Commit's transcript bytes to crypto.Payload so
// commit signing reuses C1's labeled-envelope scheme (§4.1) rather than
// a bespoke raw-signature path; crypto.Signer intentionally never
// exposes its private key outside crypto.Sign.
type commitPayload struct{ bytes []byte }

func (p commitPayload) Label() string                   { return "MLSCommit" }
func (p commitPayload) CanonicalBytes() ([]byte, error) { return p.bytes, nil }

func signCommit(c *Commit, signer *crypto.Signer) error {
	if signer == nil {
		return errors.WithKind(errors.New("commit requires a signer"), errors.KindInvalidArgument)
	}
	req, err := crypto.Sign(commitPayload{bytes: commitTranscriptBytes(c)}, signer)
	if err != nil {
		return errors.Wrap(err, "sign commit")
	}
	c.Signature = req.Signature
	return nil
}

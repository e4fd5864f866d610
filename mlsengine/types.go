// Package mlsengine adapts cloudflare/circl's HPKE, AEAD, and signature
// primitives into the MLS-shaped group operations C4 drives: group
// creation, welcome/external-commit joins, message processing, and
// commit merging. spec.md §1 lists "low-level MLS primitives (commit
// creation, tree math, key schedule)" as assumed-provided by a
// conforming library; this package is that library's narrow surface —
// it does not implement the MLS wire format or full RFC 9420 tree math,
// only the semantics C4 needs (SPEC_FULL.md §4.4, §9).
package mlsengine

import (
	"crypto/ed25519"
)

// Ciphersuite is the single fixed suite this adapter supports, matching
// spec.md §4.4's MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519.
const Ciphersuite = "MLS_128_DHKEMX25519_AES128GCM_SHA256_Ed25519"

// AAD tags an external commit the way spec.md §4.4 requires: every
// external join embeds an application-defined AAD payload naming its
// purpose. EncryptedFriendshipPackage/EncryptedUserProfileKey carry the
// joiner's own contact material inside the join commit. On the
// receiving side, the inbound processor confirms the connection without
// reading these fields: it neither decrypts nor stores them.
type AAD struct {
	Tag                 AADTag
	ConnectionOfferHash string // set only for JoinConnectionGroup

	EncryptedFriendshipPackage []byte
	EncryptedUserProfileKey    []byte
}

type AADTag string

const (
	AADTagJoinConnectionGroup AADTag = "JoinConnectionGroup"
	AADTagResync              AADTag = "Resync"
)

// Credential is a group member's basic (non-X.509) MLS credential:
// their user id and signing public key, per spec.md §4.4's
// "basic credentials only" capability.
type Credential struct {
	UserID     string
	SigningKey ed25519.PublicKey
}

// Member is one leaf of the group's membership tree.
type Member struct {
	LeafIndex     uint32
	Credential    Credential
	EncryptionKey []byte // HPKE public key, this member's current leaf encryption key
}

// Group is the adapter's in-memory representation of one MLS group's
// current epoch. Group.Secret is the current epoch secret; every
// per-purpose key (application AEAD key, exporter secrets) is derived
// from it via HKDF, never stored directly.
type Group struct {
	GroupID        string
	Epoch          uint64
	Members        []Member
	OwnLeafIndex   uint32
	Secret         []byte
	GroupData      []byte
	TranscriptHash []byte

	// IdentityLinkWrapperKey wraps UserProfileKeyUpdate payloads within
	// this group (§4.5); fixed at group creation and carried unchanged
	// across Welcome/external-commit joins and epoch advances, the same
	// way GroupData is.
	IdentityLinkWrapperKey []byte

	// PendingProposals holds proposals received but not yet committed,
	// mirroring spec.md §4.4's Dirty state; mlsgroup reads this to drive
	// its Clean/Dirty/Resyncing state machine.
	PendingProposals []Proposal
}

// Proposal is a pending add/remove awaiting a commit.
type Proposal struct {
	Kind      ProposalKind
	Add       *Credential
	RemoveIdx *uint32
}

type ProposalKind string

const (
	ProposalAdd    ProposalKind = "add"
	ProposalRemove ProposalKind = "remove"
)

// Commit is the result of a local commit operation (add/remove members,
// or an external join), ready to transmit to the DS.
type Commit struct {
	GroupID   string
	FromEpoch uint64
	ToEpoch   uint64
	Adds      []Credential
	AddKeys   [][]byte // parallel to Adds: each new member's HPKE public key
	Removes   []uint32
	JoinerIdx *uint32 // set when this commit is an external join
	AAD       *AAD
	Signature []byte
}

// Welcome is what a newly-added member needs to join the group at the
// epoch the commit produced, sealed to their HPKE public key.
type Welcome struct {
	GroupID                string
	Epoch                  uint64
	Members                []Member
	GroupData              []byte
	IdentityLinkWrapperKey []byte
	TranscriptHash         []byte
	EncapsulatedKey        []byte
	Ciphertext             []byte // HPKE-sealed Group.Secret
}

// ExternalCommitInfo is what the DS returns to support an external
// commit: the current membership and group data, without any per-member
// secret.
type ExternalCommitInfo struct {
	GroupID                string
	Epoch                  uint64
	Members                []Member
	GroupData              []byte
	IdentityLinkWrapperKey []byte
	TranscriptHash         []byte
}

// StagedCommit is a commit that has been validated (ProcessMessage) but
// not yet applied to the Group; MergePendingCommit applies it.
type StagedCommit struct {
	Commit *Commit
}

// ProcessedMessage is the tagged union spec.md §4.4 describes as the
// ProcessMessage result.
type ProcessedMessage struct {
	Application          *ApplicationMessage
	Proposal             *Proposal
	StagedCommit         *StagedCommit
	ExternalJoinProposal *Commit

	WeWereRemoved     bool
	NewMemberProfiles []Credential
}

// ApplicationMessage is a decrypted application-layer payload still
// addressed by sender leaf index; C5 interprets the plaintext bytes.
type ApplicationMessage struct {
	SenderIndex uint32
	Plaintext   []byte
}

// ProtocolMessage is the wire-level input to ProcessMessage: either an
// application ciphertext or a commit/proposal the sender produced.
type ProtocolMessage struct {
	SenderIndex uint32
	Application *EncryptedApplication
	Commit      *Commit
	Proposal    *Proposal
}

// EncryptedApplication is an AEAD-encrypted application payload at a
// given epoch.
type EncryptedApplication struct {
	Epoch      uint64
	Ciphertext []byte
	Nonce      []byte
}

// MergeResult reports what changed when a staged commit was applied,
// feeding spec.md §4.4's "emits timestamped system messages for every
// add/remove".
type MergeResult struct {
	Group   *Group
	Added   []Credential
	Removed []uint32
}

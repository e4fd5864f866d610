// Package contact implements the contact handshake (C6): handle-based
// and targeted-message-based add-contact, connection-offer encryption,
// decryption and verification, and partial-to-complete contact
// promotion (§4.6). It drives mlsgroup.Manager for the connection
// group's MLS state and two narrow seams — AS and DS — for the
// federated directory/delivery calls a conforming transport client
// eventually satisfies.
package contact

import (
	"context"
	"encoding/json"

	"github.com/aethermsg/chatcore/crypto"
	"github.com/aethermsg/chatcore/errors"
	"github.com/aethermsg/chatcore/mlsengine"
)

// ConnectionPackage is the self-certifying record a user's AS directory
// entry publishes so others can open a connection with them by handle
// (§4.6 step 1). It is signed by the same key named in its own
// Credential — proof of possession of the did:key identity, not a
// chain to a separate AS root, matching mlsengine's basic-credential
// model (§4.4).
type ConnectionPackage struct {
	Hash          string               `json:"hash"`
	Credential    mlsengine.Credential `json:"credential"`
	EncryptionKey []byte               `json:"encryption_key"` // HPKE public key connection offers seal to
	LastResort    bool                 `json:"last_resort"`
}

func (p ConnectionPackage) Label() string { return "chatcore.connection-package.v1" }

func (p ConnectionPackage) CanonicalBytes() ([]byte, error) {
	return crypto.CanonicalJSON(p)
}

// VerifyConnectionPackage checks req's self-signature and decodes its
// payload. The signing key comes from the payload itself (did:key
// identity), so this proves the publisher controls the claimed
// credential but does not chain to any external root of trust — the
// federated AS is trusted only as a directory, never as an issuer.
func VerifyConnectionPackage(req *crypto.Request) (*ConnectionPackage, error) {
	var cp ConnectionPackage
	if err := json.Unmarshal(req.Payload, &cp); err != nil {
		return nil, errors.Wrap(err, "decode connection package")
	}
	if _, err := crypto.Verify(req, cp.Credential.SigningKey); err != nil {
		return nil, errors.Wrap(err, "verify connection package signature")
	}
	return &cp, nil
}

// FriendshipPackage is the small bundle of contact material each side
// of a connection hands the other, grounded on
// original_source/coreclient/src/clients/add_contact.rs's
// FriendshipPackage{friendship_token, wai_ear_key, user_profile_base_secret}.
// wai_ear_key is dropped here: it belongs to the invitation-link flow
// SPEC_FULL.md does not carry forward (§4.6 is unchanged from spec.md,
// which never describes invitation links), so only the two fields C6
// actually needs survive.
type FriendshipPackage struct {
	FriendshipToken   []byte `json:"friendship_token"`
	ProfileBaseSecret []byte `json:"profile_base_secret"`
}

// ConnectionInfo is the connection-group material a connection offer
// carries to its recipient: enough to find and join the group, plus a
// fresh pairwise EAR key and the sender's own FriendshipPackage.
type ConnectionInfo struct {
	ConnectionGroupID                     string            `json:"connection_group_id"`
	ConnectionGroupEARKey                 []byte            `json:"connection_group_ear_key"`
	ConnectionGroupIdentityLinkWrapperKey []byte            `json:"connection_group_identity_link_wrapper_key"`
	FriendshipPackageEARKey               []byte            `json:"friendship_package_ear_key"`
	FriendshipPackage                     FriendshipPackage `json:"friendship_package"`
}

// ConnectionOfferPayload is the plaintext signed, then HPKE-sealed to
// the recipient's connection-package encryption key — §4.6 step 4. The
// targeted-message variant does not use it: that path sends a bare
// ConnectionInfo inside an MLS application message.
type ConnectionOfferPayload struct {
	SenderCredential      mlsengine.Credential `json:"sender_credential"`
	ConnectionInfo        ConnectionInfo       `json:"connection_info"`
	ConnectionPackageHash string               `json:"connection_package_hash,omitempty"`
}

func (p ConnectionOfferPayload) Label() string { return "chatcore.connection-offer.v1" }

func (p ConnectionOfferPayload) CanonicalBytes() ([]byte, error) {
	return crypto.CanonicalJSON(p)
}

// EncryptedConnectionOffer is the wire envelope delivered through the AS
// handle responder channel: a signed ConnectionOfferPayload, HPKE-sealed
// to the recipient, with the connection-package hash left in the clear
// so the recipient can look up the right decryption key.
type EncryptedConnectionOffer struct {
	ConnectionPackageHash string `json:"connection_package_hash"`
	EncapsulatedKey       []byte `json:"encapsulated_key"`
	Ciphertext            []byte `json:"ciphertext"`
}

// AS is the narrow Authentication Service surface C6 depends on,
// satisfied by the transport package's AS client (§4.6
// step 1, step 5's "AS handle responder channel").
type AS interface {
	ConnectHandle(ctx context.Context, handle string) (*ConnectionPackage, error)
	SendConnectionOffer(ctx context.Context, handle string, offer *EncryptedConnectionOffer) error
	ConsumeConnectionPackage(ctx context.Context, hash string) error
}

// DS is the narrow Delivery Service surface C6 depends on (§4.6 steps
// 2, 5, and the accept flow's external-commit info fetch/confirmation).
type DS interface {
	ReserveGroupID(ctx context.Context) (string, error)
	CreateConnectionGroup(ctx context.Context, groupID string, earKey []byte, ownClientReference, encryptedUserProfileKey []byte) error
	ConnectionGroupInfo(ctx context.Context, groupID string, earKey []byte) (*mlsengine.ExternalCommitInfo, error)
	JoinConnectionGroup(ctx context.Context, commit *mlsengine.Commit, ownClientReference, earKey []byte) error
	SendTargetedMessage(ctx context.Context, groupID string, recipientLeaf uint32, ciphertext, nonce []byte) error
}

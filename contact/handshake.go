package contact

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/aethermsg/chatcore/crypto"
	"github.com/aethermsg/chatcore/errors"
	"github.com/aethermsg/chatcore/mlsengine"
	"github.com/aethermsg/chatcore/mlsgroup"
	"github.com/aethermsg/chatcore/safetycode"
	"github.com/aethermsg/chatcore/store"
)

// targetedMessageContentType marks an application message as a
// connection offer delivered in-band within a chat both parties already
// share, matching inbound.ConnectionRequestContentType — duplicated
// here (not imported) so this package depends on inbound only through
// the ConnectionRequestHandler interface it implements, never on
// inbound's concrete types.
const targetedMessageContentType = "application/chatcore-connection-request"

// Handshake is the contact handshake (C6): add-contact by handle or by
// targeted message, connection-offer verification, two-phase receipt
// (store-then-accept), and the implicit promotion handled by the
// message processor once the accept's external commit is observed by
// the other side.
type Handshake struct {
	store  *store.Store
	groups *mlsgroup.Manager
	as     AS
	ds     DS
	self   mlsengine.Credential
	signer *crypto.Signer

	// ownEncryptionKey is this client's current HPKE public key, used as
	// the joinerEncKey argument to every external commit this handshake
	// performs (the same role a fresh key package's init key plays in a
	// Welcome-based join).
	ownEncryptionKey []byte
}

func NewHandshake(st *store.Store, groups *mlsgroup.Manager, as AS, ds DS, self mlsengine.Credential, signer *crypto.Signer, ownEncryptionKey []byte) *Handshake {
	return &Handshake{store: st, groups: groups, as: as, ds: ds, self: self, signer: signer, ownEncryptionKey: ownEncryptionKey}
}

// AddContactViaHandle begins a connection by handle (§4.6 step 1): fetch
// and verify the target's connection package from the AS, create a
// fresh connection group locally and on the DS, and send the target an
// encrypted connection offer. Returns the empty string without error if
// the AS has no connection package for handle (the handle does not
// exist or has no reachable owner).
func (h *Handshake) AddContactViaHandle(ctx context.Context, handle string, now time.Time) (string, error) {
	pkg, err := h.as.ConnectHandle(ctx, handle)
	if err != nil {
		if errors.IsKind(err, errors.KindNotFound) {
			return "", nil
		}
		return "", err
	}

	groupID, err := h.ds.ReserveGroupID(ctx)
	if err != nil {
		return "", err
	}

	friendshipEARKey, err := crypto.GenerateAEADKey()
	if err != nil {
		return "", errors.Wrap(err, "generate friendship package ear key")
	}
	identityLinkWrapperKey, err := crypto.GenerateAEADKey()
	if err != nil {
		return "", errors.Wrap(err, "generate identity link wrapper key")
	}

	var chatID string
	err = h.store.WithTx(ctx, func(tx *store.Tx) error {
		sg, err := h.groups.CreateGroup(ctx, tx, groupID, h.self, h.ownEncryptionKey, nil, identityLinkWrapperKey[:], now)
		if err != nil {
			return err
		}

		chat := &store.Chat{
			ChatID:         uuid.New().String(),
			GroupID:        sg.GroupID,
			Status:         store.ChatStatusActive,
			ChatType:       store.ChatTypeHandleConnection,
			ChatTypeHandle: handle,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertChat(ctx, chat); err != nil {
			return err
		}

		offer, err := h.buildConnectionOffer(pkg, sg, friendshipEARKey, identityLinkWrapperKey)
		if err != nil {
			return err
		}

		if err := tx.InsertPartialContact(ctx, &store.PartialContact{
			ID:                      chat.ChatID,
			Kind:                    store.PartialContactKindHandle,
			Handle:                  handle,
			ConnectionGroupID:       sg.GroupID,
			FriendshipPackageEARKey: friendshipEARKey[:],
			CreatedAt:               now,
		}); err != nil {
			return err
		}

		if err := h.ds.CreateConnectionGroup(ctx, sg.GroupID, sg.GroupStateEARKey, nil, nil); err != nil {
			return err
		}
		if err := h.as.SendConnectionOffer(ctx, handle, offer); err != nil {
			return err
		}

		chatID = chat.ChatID
		return nil
	})
	if err != nil {
		return "", err
	}
	return chatID, nil
}

// buildConnectionOffer assembles and HPKE-seals a ConnectionOfferPayload
// to pkg's encryption key, binding the connection-package hash as
// additional authenticated data (§4.6 step 4).
func (h *Handshake) buildConnectionOffer(pkg *ConnectionPackage, sg *store.Group, friendshipEARKey, identityLinkWrapperKey crypto.AEADKey) (*EncryptedConnectionOffer, error) {
	ownProfileKey, friendshipToken, profileBaseSecret, err := h.ownFriendshipMaterial()
	if err != nil {
		return nil, err
	}

	friendshipPkg := FriendshipPackage{FriendshipToken: friendshipToken, ProfileBaseSecret: profileBaseSecret}

	payload := ConnectionOfferPayload{
		SenderCredential: h.self,
		ConnectionInfo: ConnectionInfo{
			ConnectionGroupID:                     sg.GroupID,
			ConnectionGroupEARKey:                 sg.GroupStateEARKey,
			ConnectionGroupIdentityLinkWrapperKey: identityLinkWrapperKey[:],
			FriendshipPackageEARKey:               friendshipEARKey[:],
			FriendshipPackage:                     friendshipPkg,
		},
		ConnectionPackageHash: pkg.Hash,
	}
	_ = ownProfileKey

	req, err := crypto.Sign(payload, h.signer)
	if err != nil {
		return nil, errors.Wrap(err, "sign connection offer")
	}
	plaintext, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "marshal signed connection offer")
	}

	recipientKey, err := crypto.UnmarshalHPKEPublicKey(pkg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	enc, ciphertext, err := crypto.HPKESeal(plaintext, []byte("chatcore-connection-offer"), []byte(pkg.Hash), recipientKey)
	if err != nil {
		return nil, errors.Wrap(err, "seal connection offer")
	}

	return &EncryptedConnectionOffer{
		ConnectionPackageHash: pkg.Hash,
		EncapsulatedKey:       enc,
		Ciphertext:            ciphertext,
	}, nil
}

// ownFriendshipMaterial returns the profile key, friendship token and
// profile base secret this client hands new contacts. All three are the
// signer's public key, so every offer this client sends carries the
// same material; nothing is loaded from storage.
func (h *Handshake) ownFriendshipMaterial() (profileKey, friendshipToken, profileBaseSecret []byte, err error) {
	pub := h.signer.PublicKey()
	return pub, pub, pub, nil
}

// AddContactViaTargetedMessage begins a connection with a user already
// visible in an existing shared chat (e.g. a group chat), without going
// through the AS (§4.6's targeted-message variant). The connection
// offer travels as an ordinary application message inside the existing
// group, authenticated by that group's own MLS membership rather than a
// signature of its own.
func (h *Handshake) AddContactViaTargetedMessage(ctx context.Context, existingChatID, targetUserID string, now time.Time) (string, error) {
	groupID, err := h.ds.ReserveGroupID(ctx)
	if err != nil {
		return "", err
	}

	friendshipEARKey, err := crypto.GenerateAEADKey()
	if err != nil {
		return "", errors.Wrap(err, "generate friendship package ear key")
	}
	identityLinkWrapperKey, err := crypto.GenerateAEADKey()
	if err != nil {
		return "", errors.Wrap(err, "generate identity link wrapper key")
	}

	var newChatID string
	err = h.store.WithTx(ctx, func(tx *store.Tx) error {
		sg, err := h.groups.CreateGroup(ctx, tx, groupID, h.self, h.ownEncryptionKey, nil, identityLinkWrapperKey[:], now)
		if err != nil {
			return err
		}

		chat := &store.Chat{
			ChatID:         uuid.New().String(),
			GroupID:        sg.GroupID,
			Status:         store.ChatStatusActive,
			ChatType:       store.ChatTypeTargetedMessageConnection,
			ChatTypeUserID: targetUserID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertChat(ctx, chat); err != nil {
			return err
		}

		_, _, profileBaseSecret, err := h.ownFriendshipMaterial()
		if err != nil {
			return err
		}
		connInfo := ConnectionInfo{
			ConnectionGroupID:                     sg.GroupID,
			ConnectionGroupEARKey:                 sg.GroupStateEARKey,
			ConnectionGroupIdentityLinkWrapperKey: identityLinkWrapperKey[:],
			FriendshipPackageEARKey:               friendshipEARKey[:],
			FriendshipPackage: FriendshipPackage{
				FriendshipToken:   h.signer.PublicKey(),
				ProfileBaseSecret: profileBaseSecret,
			},
		}

		if err := tx.InsertPartialContact(ctx, &store.PartialContact{
			ID:                      chat.ChatID,
			Kind:                    store.PartialContactKindTargetedMessage,
			TargetUserID:            targetUserID,
			ConnectionGroupID:       sg.GroupID,
			FriendshipPackageEARKey: friendshipEARKey[:],
			CreatedAt:               now,
		}); err != nil {
			return err
		}

		if err := h.ds.CreateConnectionGroup(ctx, sg.GroupID, sg.GroupStateEARKey, nil, nil); err != nil {
			return err
		}

		if err := h.sendTargetedConnectionInfo(ctx, tx, existingChatID, targetUserID, connInfo); err != nil {
			return err
		}

		newChatID = chat.ChatID
		return nil
	})
	if err != nil {
		return "", err
	}
	return newChatID, nil
}

// sendTargetedConnectionInfo encrypts connInfo as an application message
// in existingChatID's group and hands it to the DS addressed to
// targetUserID's leaf. This only encrypts and transmits: it does not
// retry or queue, leaving delivery scheduling to the outbound service.
func (h *Handshake) sendTargetedConnectionInfo(ctx context.Context, tx *store.Tx, existingChatID, targetUserID string, connInfo ConnectionInfo) error {
	chat, err := tx.GetChat(ctx, existingChatID)
	if err != nil {
		return err
	}
	g, err := tx.GetGroup(ctx, chat.GroupID)
	if err != nil {
		return err
	}
	members, err := mlsgroup.Members(g)
	if err != nil {
		return err
	}
	var targetLeaf uint32
	found := false
	for _, mem := range members {
		if mem.Credential.UserID == targetUserID {
			targetLeaf = mem.LeafIndex
			found = true
			break
		}
	}
	if !found {
		return errors.WithKind(errors.Newf("user %s is not a member of chat %s", targetUserID, existingChatID), errors.KindInvalidArgument)
	}

	infoJSON, err := json.Marshal(connInfo)
	if err != nil {
		return errors.Wrap(err, "marshal connection info")
	}
	envelope := struct {
		MimiID      string `json:"mimi_id"`
		ContentType string `json:"content_type"`
		Content     []byte `json:"content"`
	}{MimiID: uuid.New().String(), ContentType: targetedMessageContentType, Content: infoJSON}
	plaintext, err := json.Marshal(envelope)
	if err != nil {
		return errors.Wrap(err, "marshal targeted message envelope")
	}

	ciphertext, nonce, err := h.groups.EncryptApplication(g, plaintext)
	if err != nil {
		return err
	}
	return h.ds.SendTargetedMessage(ctx, chat.GroupID, targetLeaf, ciphertext, nonce)
}

// HandleConnectionRequest implements inbound.ConnectionRequestHandler:
// it decodes the in-group connection-request payload and stores a
// PendingConnectionInfo + PendingConnection chat the same way
// ReceiveConnectionOffer does for the handle-based path, so both
// variants converge on the same explicit-accept flow.
func (h *Handshake) HandleConnectionRequest(ctx context.Context, tx *store.Tx, chat *store.Chat, senderIndex uint32, payload []byte, envelopeTimestamp time.Time) error {
	g, err := tx.GetGroup(ctx, chat.GroupID)
	if err != nil {
		return err
	}
	members, err := mlsgroup.Members(g)
	if err != nil {
		return err
	}
	var senderUserID string
	for _, mem := range members {
		if mem.LeafIndex == senderIndex {
			senderUserID = mem.Credential.UserID
			break
		}
	}
	if senderUserID == "" {
		return errors.WithKind(errors.Newf("no member at leaf %d in group %s", senderIndex, chat.GroupID), errors.KindNotFound)
	}

	if contact, err := tx.GetContact(ctx, senderUserID); err != nil {
		if !errors.IsKind(err, errors.KindNotFound) {
			return err
		}
	} else if contact.Blocked {
		return errors.ErrBlockedContact
	}

	var connInfo ConnectionInfo
	if err := json.Unmarshal(payload, &connInfo); err != nil {
		return errors.Wrap(err, "unmarshal connection info")
	}

	_, err = h.storePendingConnection(ctx, tx, connInfo, "", senderUserID, envelopeTimestamp)
	return err
}

// ReceiveConnectionOffer verifies and decrypts an EncryptedConnectionOffer
// delivered by the AS handle channel (§4.6 step 5), then records it as a
// PendingConnectionInfo awaiting AcceptConnectionOffer — mirroring
// original_source/coreclient's pending.rs two-phase model rather than
// process_as.rs's older auto-accept one, since a PendingConnectionInfo
// row is always created regardless of path.
func (h *Handshake) ReceiveConnectionOffer(ctx context.Context, offer *EncryptedConnectionOffer, recipientKeyPair crypto.HPKEKeyPair, handle string, now time.Time) (string, error) {
	if err := h.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.ConsumeConnectionPackage(ctx, offer.ConnectionPackageHash, now)
	}); err != nil {
		return "", err
	}

	plaintext, err := crypto.HPKEOpen(offer.EncapsulatedKey, offer.Ciphertext, []byte("chatcore-connection-offer"), []byte(offer.ConnectionPackageHash), recipientKeyPair.Private)
	if err != nil {
		return "", errors.Wrap(err, "open connection offer")
	}

	var req crypto.Request
	if err := json.Unmarshal(plaintext, &req); err != nil {
		return "", errors.Wrap(err, "unmarshal signed connection offer")
	}
	var offerPayload ConnectionOfferPayload
	rawPayload, err := crypto.Verify(&req, decodeSenderSigningKey(req))
	if err != nil {
		return "", errors.Wrap(err, "verify connection offer signature")
	}
	if err := json.Unmarshal(rawPayload, &offerPayload); err != nil {
		return "", errors.Wrap(err, "unmarshal connection offer payload")
	}

	var chatID string
	err = h.store.WithTx(ctx, func(tx *store.Tx) error {
		chatID, err = h.storePendingConnection(ctx, tx, offerPayload.ConnectionInfo, handle, offerPayload.SenderCredential.UserID, now)
		return err
	})
	if err != nil {
		return "", err
	}

	// Tell the AS to invalidate the package on its side too, so a second
	// sender racing the same non-last-resort package is rejected there.
	if err := h.as.ConsumeConnectionPackage(ctx, offer.ConnectionPackageHash); err != nil {
		return "", err
	}
	return chatID, nil
}

// decodeSenderSigningKey extracts the claimed sender credential's
// verifying key from an as-yet-unverified connection-offer request, so
// Verify can check the signature against it — the connection offer is
// self-certifying the same way a ConnectionPackage is (§4.4's
// basic-credential model): the payload names its own signer.
func decodeSenderSigningKey(req crypto.Request) []byte {
	var probe struct {
		SenderCredential mlsengine.Credential `json:"sender_credential"`
	}
	if err := json.Unmarshal(req.Payload, &probe); err != nil {
		return nil
	}
	return probe.SenderCredential.SigningKey
}

// storePendingConnection is the shared tail of both receive paths: a
// PendingConnectionInfo row plus a PendingConnection chat, with nothing
// committed to the connection group until AcceptConnectionOffer runs.
func (h *Handshake) storePendingConnection(ctx context.Context, tx *store.Tx, connInfo ConnectionInfo, handle, senderUserID string, now time.Time) (string, error) {
	friendshipPkgJSON, err := json.Marshal(connInfo.FriendshipPackage)
	if err != nil {
		return "", errors.Wrap(err, "marshal friendship package")
	}

	// chat.group_id and partial_contacts.connection_group_id stay NULL
	// until AcceptConnectionOffer actually joins connInfo.ConnectionGroupID
	// — no groups row exists for it yet, and both columns carry a foreign
	// key to groups. The pending_connection_infos row is the one place
	// that names the target group ahead of joining it.
	chat := &store.Chat{
		ChatID:         uuid.New().String(),
		Status:         store.ChatStatusActive,
		ChatType:       store.ChatTypePendingConnection,
		ChatTypeHandle: handle,
		ChatTypeUserID: senderUserID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.InsertChat(ctx, chat); err != nil {
		return "", err
	}

	if err := tx.InsertPendingConnectionInfo(ctx, &store.PendingConnectionInfo{
		ID:                     chat.ChatID,
		ConnectionGroupID:      connInfo.ConnectionGroupID,
		ConnectionGroupEARKey:  connInfo.ConnectionGroupEARKey,
		IdentityLinkWrapperKey: connInfo.ConnectionGroupIdentityLinkWrapperKey,
		FriendshipPackage:      friendshipPkgJSON,
		SenderHandle:           handle,
		ConnectionPackageHash:  "",
		CreatedAt:              now,
	}); err != nil {
		return "", err
	}

	if err := tx.InsertPartialContact(ctx, &store.PartialContact{
		ID:                      chat.ChatID,
		Kind:                    partialContactKindFor(handle),
		Handle:                  handle,
		TargetUserID:            senderUserID,
		FriendshipPackageEARKey: connInfo.FriendshipPackageEARKey,
		CreatedAt:               now,
	}); err != nil {
		return "", err
	}

	return chat.ChatID, nil
}

func partialContactKindFor(handle string) store.PartialContactKind {
	if handle != "" {
		return store.PartialContactKindHandle
	}
	return store.PartialContactKindTargetedMessage
}

// AcceptConnectionOffer joins the connection group the pending offer
// named and, on success, promotes the chat to Connection and the
// partial contact to a full Contact — grounded on
// original_source/coreclient's pending.rs accept_contact_request. The
// external commit embeds this client's own encrypted friendship package
// and profile key in its AAD (§4.6). The offer's sender merges the
// commit through the inbound processor, which does not decrypt or store
// that AAD material.
func (h *Handshake) AcceptConnectionOffer(ctx context.Context, chatID string, now time.Time) error {
	var (
		chat    *store.Chat
		pending *store.PendingConnectionInfo
		partial *store.PartialContact
	)
	if err := h.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		chat, err = tx.GetChat(ctx, chatID)
		if err != nil {
			return err
		}
		if chat.ChatType != store.ChatTypePendingConnection {
			return errors.WithKind(errors.Newf("chat %s is not a pending connection", chatID), errors.KindFailedPrecondition)
		}
		pending, err = tx.GetPendingConnectionInfo(ctx, chatID)
		if err != nil {
			return err
		}
		partial, err = tx.GetPartialContact(ctx, chatID)
		return err
	}); err != nil {
		return err
	}

	encryptedFriendshipPackage, encryptedProfileKey, err := h.encryptOwnContactMaterial(pending.IdentityLinkWrapperKey)
	if err != nil {
		return err
	}

	info, err := h.ds.ConnectionGroupInfo(ctx, pending.ConnectionGroupID, pending.ConnectionGroupEARKey)
	if err != nil {
		return err
	}

	aad := mlsengine.AAD{
		Tag:                        mlsengine.AADTagJoinConnectionGroup,
		ConnectionOfferHash:        pending.ConnectionPackageHash,
		EncryptedFriendshipPackage: encryptedFriendshipPackage,
		EncryptedUserProfileKey:    encryptedProfileKey,
	}

	var commit *mlsengine.Commit
	err = h.store.WithTx(ctx, func(tx *store.Tx) error {
		sg, c, err := h.groups.JoinExternally(ctx, tx, info, h.self, h.ownEncryptionKey, aad, h.signer, now)
		if err != nil {
			return err
		}
		commit = c

		members, err := mlsgroup.Members(sg)
		if err != nil {
			return err
		}
		if len(members) != 2 {
			return errors.WithKind(errors.Newf("connection group %s has %d members, want 2", sg.GroupID, len(members)), errors.KindFailedPrecondition)
		}
		var senderUserID string
		var senderCredential mlsengine.Credential
		for _, mem := range members {
			if mem.Credential.UserID != h.self.UserID {
				senderUserID = mem.Credential.UserID
				senderCredential = mem.Credential
			}
		}
		if senderUserID == "" || senderUserID != partial.TargetUserID && senderUserID != chat.ChatTypeUserID {
			return errors.WithKind(errors.Newf("connection group %s has unexpected membership", sg.GroupID), errors.KindFailedPrecondition)
		}

		if err := h.groups.ChangeRole(ctx, tx, sg, h.self.UserID, senderUserID, mlsgroup.RoleRegular, now); err != nil {
			return err
		}

		full := &store.Contact{
			UserID:            senderUserID,
			ConnectionGroupID: sg.GroupID,
			WrapperKey:        partial.FriendshipPackageEARKey,
			CreatedAt:         now,
		}
		if err := tx.PromotePartialContact(ctx, partial.ID, full); err != nil {
			return err
		}

		code := safetycode.Compute(
			safetycode.Contact{UserID: h.self.UserID, IdentityKey: h.self.SigningKey},
			safetycode.Contact{UserID: senderUserID, IdentityKey: senderCredential.SigningKey},
			full.WrapperKey,
		)
		if err := tx.SetSafetyCode(ctx, senderUserID, code); err != nil {
			return err
		}

		if err := tx.SetChatGroupID(ctx, chat.ChatID, sg.GroupID); err != nil {
			return err
		}
		if err := tx.PromoteChatType(ctx, chat.ChatID, store.ChatTypeConnection, senderUserID); err != nil {
			return err
		}

		return tx.DeletePendingConnectionInfo(ctx, chat.ChatID)
	})
	if err != nil {
		return err
	}

	return h.ds.JoinConnectionGroup(ctx, commit, nil, pending.ConnectionGroupEARKey)
}

// encryptOwnContactMaterial wraps this client's own FriendshipPackage
// and profile key under the connection group's identity-link wrapper
// key, to embed in the accept commit's AAD.
func (h *Handshake) encryptOwnContactMaterial(identityLinkWrapperKey []byte) (encryptedFriendshipPackage, encryptedProfileKey []byte, err error) {
	var key crypto.AEADKey
	if len(identityLinkWrapperKey) != len(key) {
		return nil, nil, errors.WithKind(errors.Newf("identity link wrapper key has length %d, want %d", len(identityLinkWrapperKey), len(key)), errors.KindDataLoss)
	}
	copy(key[:], identityLinkWrapperKey)

	_, friendshipToken, profileBaseSecret, err := h.ownFriendshipMaterial()
	if err != nil {
		return nil, nil, err
	}
	friendshipPkg := FriendshipPackage{FriendshipToken: friendshipToken, ProfileBaseSecret: profileBaseSecret}
	friendshipPkgJSON, err := json.Marshal(friendshipPkg)
	if err != nil {
		return nil, nil, errors.Wrap(err, "marshal friendship package")
	}
	ciphertext1, nonce1, err := crypto.AEADEncrypt(friendshipPkgJSON, key)
	if err != nil {
		return nil, nil, err
	}

	ciphertext2, nonce2, err := crypto.AEADEncrypt(h.signer.PublicKey(), key)
	if err != nil {
		return nil, nil, err
	}

	encFriendship, err := json.Marshal(aeadWirePair{Ciphertext: ciphertext1, Nonce: nonce1})
	if err != nil {
		return nil, nil, err
	}
	encProfileKey, err := json.Marshal(aeadWirePair{Ciphertext: ciphertext2, Nonce: nonce2})
	if err != nil {
		return nil, nil, err
	}
	return encFriendship, encProfileKey, nil
}

type aeadWirePair struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

package inbound

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aethermsg/chatcore/crypto"
	"github.com/aethermsg/chatcore/errors"
	"github.com/aethermsg/chatcore/mlsengine"
	"github.com/aethermsg/chatcore/mlsgroup"
	"github.com/aethermsg/chatcore/ratchet"
	"github.com/aethermsg/chatcore/safetycode"
	"github.com/aethermsg/chatcore/store"
)

// receiptStatusContentType marks an application message as a delivery
// receipt report rather than a renderable message, mirroring the
// original's "application/mimi-message-status" special-case.
const receiptStatusContentType = "application/mimi-message-status"

// KeyMaterial sources the local client's own HPKE decryption keypair for
// a Welcome at ownLeafIndex. Key-package private keys are generated and
// held client-side as KeyPackageUpload (§4.7) publishes the public
// halves; nothing in the wire payload can carry them, so the processor
// depends on this narrow seam instead of owning key-package storage
// itself.
type KeyMaterial interface {
	HPKEKeyPairForWelcome(ctx context.Context, welcome *mlsengine.Welcome, ownLeafIndex uint32) (crypto.HPKEKeyPair, error)
}

// ProfileFetcher retrieves a user profile this client has not cached yet
// (e.g. a new group member discovered via a WelcomeBundle), over the AS.
type ProfileFetcher interface {
	FetchUserProfile(ctx context.Context, userID string) (*store.UserProfile, error)
}

// ConnectionRequestContentType marks an application message as an
// in-group connection offer delivered by the targeted-message add-
// contact flow (§4.6) — routed to ConnectionRequestHandler rather than
// stored as a visible message.
const ConnectionRequestContentType = "application/chatcore-connection-request"

// ConnectionRequestHandler lets the contact handshake (C6) consume a
// targeted-message connection request without this package importing
// contact's types directly.
type ConnectionRequestHandler interface {
	HandleConnectionRequest(ctx context.Context, tx *store.Tx, chat *store.Chat, senderIndex uint32, payload []byte, envelopeTimestamp time.Time) error
}

// applicationEnvelope is the plaintext shape carried inside an MLS
// application message, JSON-encoded the same way Payload is.
type applicationEnvelope struct {
	MimiID      string `json:"mimi_id"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
	Replaces    string `json:"replaces,omitempty"`
}

// Processor is the message processor (C5): it drains one QS queue's
// ciphertexts through the ratchet, dispatches the decrypted payload, and
// persists every resulting side effect in a single transaction per
// message.
type Processor struct {
	store       *store.Store
	groups      *mlsgroup.Manager
	keys        KeyMaterial
	profiles    ProfileFetcher
	connections ConnectionRequestHandler
	selfUserID  string
	log         *zap.SugaredLogger
}

func NewProcessor(st *store.Store, groups *mlsgroup.Manager, keys KeyMaterial, profiles ProfileFetcher, connections ConnectionRequestHandler, selfUserID string, log *zap.SugaredLogger) *Processor {
	return &Processor{store: st, groups: groups, keys: keys, profiles: profiles, connections: connections, selfUserID: selfUserID, log: log}
}

// ProcessBatch drains messages (already fetched from one QS queue, in
// ascending sequence-number order) and aggregates their outcomes,
// mirroring ProcessedQsMessages: {new_chats, changed_chats, new_messages,
// errors, processed}. A blocked-sender error is swallowed rather than
// surfaced, per §4.5's blocked-sender policy; every other per-message
// error is collected and the batch continues. AckSequenceNumber is set
// to max_sequence_number + 1 once every message has been attempted, for
// the caller to ack to the QS — never before, so a crash mid-batch
// re-fetches (and the ratchet/dedup logic in Advance absorbs the
// replay).
func (p *Processor) ProcessBatch(ctx context.Context, queueID string, messages []QueueMessage) (*BatchResult, error) {
	batch := &BatchResult{}
	var maxSeq *uint64

	for _, qm := range messages {
		batch.Processed++
		if maxSeq == nil || qm.SequenceNumber > *maxSeq {
			n := qm.SequenceNumber
			maxSeq = &n
		}

		res, err := p.processOne(ctx, queueID, qm)
		if err != nil {
			if errors.Is(err, errors.ErrBlockedContact) {
				p.logWarn("dropped message from blocked contact", "queue", queueID, "sequence", qm.SequenceNumber)
				continue
			}
			batch.Errors = append(batch.Errors, err)
			continue
		}
		if res == nil {
			continue
		}
		switch res.Kind {
		case ResultNewChat:
			batch.NewChats = append(batch.NewChats, res.ChatID)
		case ResultChatChanged:
			batch.ChangedChats = append(batch.ChangedChats, res.ChatID)
			batch.NewMessages = append(batch.NewMessages, res.Messages...)
		case ResultMessages:
			batch.NewMessages = append(batch.NewMessages, res.Messages...)
		}
	}

	if maxSeq != nil {
		ack := *maxSeq + 1
		batch.AckSequenceNumber = &ack
	}
	return batch, nil
}

// processOne runs the full ratchet-advance-then-dispatch sequence for
// one QueueMessage inside a single transaction (§4.5: "every side effect
// of one payload is persisted atomically with the ratchet advance that
// revealed it").
func (p *Processor) processOne(ctx context.Context, queueID string, qm QueueMessage) (*Result, error) {
	var result *Result
	err := p.store.WithTx(ctx, func(tx *store.Tx) error {
		persisted, err := tx.GetQueueRatchetState(ctx, queueID)
		if err != nil {
			return err
		}
		if persisted == nil {
			return errors.WithKind(errors.Newf("no ratchet state seeded for queue %s", queueID), errors.KindFailedPrecondition)
		}
		state := ratchet.State{
			QueueID:        persisted.QueueID,
			CurrentSecret:  persisted.CurrentSecret,
			SequenceNumber: persisted.SequenceNumber,
		}

		adv, err := ratchet.Advance(state, qm.SequenceNumber, qm.Ciphertext, qm.Nonce)
		if err != nil {
			return err
		}
		if adv.Duplicate {
			return nil
		}
		if err := tx.UpsertQueueRatchetState(ctx, &store.QueueRatchetState{
			QueueID:        adv.Next.QueueID,
			CurrentSecret:  adv.Next.CurrentSecret,
			SequenceNumber: adv.Next.SequenceNumber,
		}); err != nil {
			return err
		}

		var payload Payload
		if err := json.Unmarshal(adv.Plaintext, &payload); err != nil {
			return errors.Wrap(err, "unmarshal queue payload")
		}

		var r *Result
		switch {
		case payload.WelcomeBundle != nil:
			r, err = p.handleWelcomeBundle(ctx, tx, payload.WelcomeBundle, qm.Timestamp)
		case payload.MlsMessage != nil:
			r, err = p.handleMlsMessage(ctx, tx, payload.MlsMessage, qm.Timestamp)
		case payload.UserProfileKeyUpdate != nil:
			r, err = p.handleUserProfileKeyUpdate(ctx, tx, payload.UserProfileKeyUpdate)
		default:
			err = errors.WithKind(errors.New("queue payload carries no recognized variant"), errors.KindInvalidArgument)
		}
		result = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// handleWelcomeBundle joins the group the Welcome describes, reconciles
// a stale chat/group row left behind by a lost race with an earlier
// Welcome for the same group (§9 Design Notes), fetches any member
// profile this client hasn't cached yet, and materializes the local Chat
// from the ChatAttributes carried in the group's GroupData.
func (p *Processor) handleWelcomeBundle(ctx context.Context, tx *store.Tx, wb *WelcomeBundlePayload, envelopeTimestamp time.Time) (*Result, error) {
	kp, err := p.keys.HPKEKeyPairForWelcome(ctx, wb.Welcome, wb.OwnLeafIndex)
	if err != nil {
		return nil, errors.Wrap(err, "load own keypair for welcome")
	}

	if err := p.evictStaleChatAndGroup(ctx, tx, wb.Welcome.GroupID); err != nil {
		return nil, err
	}

	sg, err := p.groups.JoinGroup(ctx, tx, wb.Welcome, wb.OwnLeafIndex, kp, envelopeTimestamp)
	if err != nil {
		return nil, err
	}

	var attrs ChatAttributes
	if err := json.Unmarshal(wb.Welcome.GroupData, &attrs); err != nil {
		return nil, errors.Wrap(err, "decode chat attributes from welcome")
	}

	chat := &store.Chat{
		ChatID:         uuid.New().String(),
		GroupID:        sg.GroupID,
		Status:         store.ChatStatusActive,
		ChatType:       attrs.ChatType,
		ChatTypeHandle: attrs.Handle,
		ChatTypeUserID: attrs.UserID,
		CreatedAt:      envelopeTimestamp,
		UpdatedAt:      envelopeTimestamp,
	}
	if err := tx.InsertChat(ctx, chat); err != nil {
		return nil, err
	}

	if err := p.fetchMissingProfiles(ctx, tx, wb.Welcome.Members); err != nil {
		return nil, err
	}

	return &Result{Kind: ResultNewChat, ChatID: chat.ChatID}, nil
}

// evictStaleChatAndGroup removes any chat+group row already occupying
// groupID, preserving message history, before a WelcomeBundle re-creates
// them — the case documented in §9 where two Welcomes for the same
// group race and the loser's locally-pending row must not shadow the
// winner.
func (p *Processor) evictStaleChatAndGroup(ctx context.Context, tx *store.Tx, groupID string) error {
	_, err := tx.GetGroup(ctx, groupID)
	if err != nil {
		if errors.IsKind(err, errors.KindNotFound) {
			return nil
		}
		return err
	}
	if chat, err := tx.GetChatByGroupID(ctx, groupID); err != nil {
		if !errors.IsKind(err, errors.KindNotFound) {
			return err
		}
	} else if err := tx.DeleteChatPreservingMessages(ctx, chat.ChatID); err != nil {
		return err
	}
	return tx.DeleteGroup(ctx, groupID)
}

func (p *Processor) fetchMissingProfiles(ctx context.Context, tx *store.Tx, members []mlsengine.Member) error {
	for _, mem := range members {
		userID := mem.Credential.UserID
		if userID == p.selfUserID {
			continue
		}
		if _, err := tx.GetUserProfile(ctx, userID); err == nil {
			continue
		} else if !errors.IsKind(err, errors.KindNotFound) {
			return err
		}
		profile, err := p.profiles.FetchUserProfile(ctx, userID)
		if err != nil {
			return err
		}
		if err := tx.UpsertUserProfile(ctx, profile); err != nil {
			return err
		}
	}
	return nil
}

// handleMlsMessage loads the chat and group the message targets (the
// chat must already exist — a protocol message for an unknown group_id
// is a processing error, never silently dropped) and dispatches on the
// processed-message variant (§4.5).
func (p *Processor) handleMlsMessage(ctx context.Context, tx *store.Tx, mm *MlsMessagePayload, envelopeTimestamp time.Time) (*Result, error) {
	chat, err := tx.GetChatByGroupID(ctx, mm.GroupID)
	if err != nil {
		return nil, err
	}
	g, err := tx.GetGroup(ctx, mm.GroupID)
	if err != nil {
		return nil, err
	}

	processed, err := p.groups.ProcessMessage(ctx, tx, g, mm.Message, envelopeTimestamp)
	if err != nil {
		return nil, err
	}

	switch {
	case processed.Application != nil:
		return p.handleApplicationMessage(ctx, tx, chat, processed.Application, envelopeTimestamp)
	case processed.Proposal != nil:
		// mlsgroup.ProcessMessage already appended the pending proposal and
		// marked the group Dirty; nothing further to render.
		return nil, nil
	case processed.StagedCommit != nil:
		return p.handleStagedCommit(ctx, tx, chat, g, processed, envelopeTimestamp)
	default:
		return nil, nil
	}
}

// handleApplicationMessage enforces the blocked-sender policy for 1:1
// chats, special-cases delivery-receipt reports and message edits, and
// otherwise stores the payload as a new visible message.
func (p *Processor) handleApplicationMessage(ctx context.Context, tx *store.Tx, chat *store.Chat, app *mlsengine.ApplicationMessage, envelopeTimestamp time.Time) (*Result, error) {
	if chat.ChatType != store.ChatTypeGroup && chat.ChatTypeUserID != "" {
		contact, err := tx.GetContact(ctx, chat.ChatTypeUserID)
		if err != nil && !errors.IsKind(err, errors.KindNotFound) {
			return nil, err
		}
		if contact != nil && contact.Blocked {
			return nil, errors.ErrBlockedContact
		}
	}

	var env applicationEnvelope
	if err := json.Unmarshal(app.Plaintext, &env); err != nil {
		return nil, errors.Wrap(err, "unmarshal application envelope")
	}

	if env.ContentType == receiptStatusContentType {
		if err := p.recordReceipt(ctx, tx, chat.ChatID, env); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if env.ContentType == ConnectionRequestContentType {
		if p.connections == nil {
			return nil, errors.WithKind(errors.New("no connection request handler configured"), errors.KindFailedPrecondition)
		}
		if err := p.connections.HandleConnectionRequest(ctx, tx, chat, app.SenderIndex, env.Content, envelopeTimestamp); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if env.Replaces != "" {
		msg, err := p.applyMessageEdit(ctx, tx, chat.ChatID, env, envelopeTimestamp)
		if err == nil {
			return &Result{Kind: ResultChatChanged, ChatID: chat.ChatID, Messages: []*store.Message{msg}}, nil
		}
		// An edit referencing a message this client never received is
		// tolerated rather than failing the whole batch (§4.5); fall
		// through and store the edit payload as a standalone message.
		p.logWarn("message edit could not be applied, storing as new message", "chat", chat.ChatID, "error", err)
	}

	msg := &store.Message{
		MessageID:   uuid.New().String(),
		ChatID:      chat.ChatID,
		MimiID:      env.MimiID,
		Timestamp:   envelopeTimestamp,
		ContentType: env.ContentType,
		Content:     env.Content,
		Status:      store.MessageStatusDelivered,
		CreatedAt:   envelopeTimestamp,
	}
	if err := tx.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}
	return &Result{Kind: ResultChatChanged, ChatID: chat.ChatID, Messages: []*store.Message{msg}}, nil
}

type receiptReport struct {
	MimiID string              `json:"mimi_id"`
	Status store.MessageStatus `json:"status"`
}

// recordReceipt applies a delivery-receipt report directly to the
// referenced message's status; receipt reports are never themselves
// rendered as a visible message.
func (p *Processor) recordReceipt(ctx context.Context, tx *store.Tx, chatID string, env applicationEnvelope) error {
	var report receiptReport
	if err := json.Unmarshal(env.Content, &report); err != nil {
		return errors.Wrap(err, "unmarshal receipt report")
	}
	messageID, err := tx.ResolveByMimiID(ctx, report.MimiID)
	if err != nil {
		return err
	}
	return tx.SetMessageStatus(ctx, messageID, report.Status)
}

// applyMessageEdit resolves env.Replaces to a live message id and
// records the edit.
func (p *Processor) applyMessageEdit(ctx context.Context, tx *store.Tx, chatID string, env applicationEnvelope, editedAt time.Time) (*store.Message, error) {
	messageID, err := tx.ResolveByMimiID(ctx, env.Replaces)
	if err != nil {
		return nil, err
	}
	previous, err := tx.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := tx.ApplyEdit(ctx, messageID, env.Replaces, env.Content, previous.Content, editedAt); err != nil {
		return nil, err
	}
	return tx.GetMessage(ctx, messageID)
}

// handleStagedCommit confirms an unconfirmed HandleConnection chat if
// the commit that just staged was the external join establishing it,
// marks the chat inactive if this client was the one removed, and merges
// the commit.
func (p *Processor) handleStagedCommit(ctx context.Context, tx *store.Tx, chat *store.Chat, g *store.Group, processed *mlsengine.ProcessedMessage, envelopeTimestamp time.Time) (*Result, error) {
	if chat.ChatType == store.ChatTypeHandleConnection || chat.ChatType == store.ChatTypeTargetedMessageConnection {
		if err := p.confirmUnconfirmedChat(ctx, tx, chat, g, processed, envelopeTimestamp); err != nil {
			return nil, err
		}
	}

	if processed.WeWereRemoved {
		if err := tx.SetChatStatus(ctx, chat.ChatID, store.ChatStatusInactive); err != nil {
			return nil, err
		}
	}

	_, sysMsgs, err := p.groups.MergeCommit(ctx, tx, g, processed.StagedCommit, envelopeTimestamp)
	if err != nil {
		return nil, err
	}

	var stored []*store.Message
	for _, sm := range sysMsgs {
		msg := &store.Message{
			MessageID:   uuid.New().String(),
			ChatID:      chat.ChatID,
			MimiID:      uuid.New().String(),
			Timestamp:   sm.Timestamp,
			ContentType: "application/chatcore-system-message",
			Content:     systemMessageContent(sm),
			IsEvent:     true,
			Status:      store.MessageStatusDelivered,
			CreatedAt:   sm.Timestamp,
		}
		if err := tx.InsertMessage(ctx, msg); err != nil {
			return nil, err
		}
		stored = append(stored, msg)
	}

	if len(stored) == 0 {
		return nil, nil
	}
	return &Result{Kind: ResultChatChanged, ChatID: chat.ChatID, Messages: stored}, nil
}

func systemMessageContent(sm mlsgroup.SystemMessage) []byte {
	b, _ := json.Marshal(sm)
	return b
}

// confirmUnconfirmedChat promotes a HandleConnection/TargetedMessage
// chat to a full Connection once the external-commit join it was waiting
// on lands — "pretend that we just invited that user, because we didn't
// know that user id when we created the room" (handle_unconfirmed_chat).
func (p *Processor) confirmUnconfirmedChat(ctx context.Context, tx *store.Tx, chat *store.Chat, g *store.Group, processed *mlsengine.ProcessedMessage, envelopeTimestamp time.Time) error {
	partial, err := tx.GetPartialContactByConnectionGroup(ctx, g.GroupID)
	if err != nil {
		if errors.IsKind(err, errors.KindNotFound) {
			return nil
		}
		return err
	}

	var joinerUserID string
	for _, cred := range processed.NewMemberProfiles {
		joinerUserID = cred.UserID
		break
	}
	if joinerUserID == "" {
		return errors.WithKind(errors.New("unconfirmed chat's joining commit carries no member credential"), errors.KindFailedPrecondition)
	}

	full := &store.Contact{
		UserID:            joinerUserID,
		ConnectionGroupID: partial.ConnectionGroupID,
		WrapperKey:        partial.FriendshipPackageEARKey,
		CreatedAt:         envelopeTimestamp,
	}
	if err := tx.PromotePartialContact(ctx, partial.ID, full); err != nil {
		return err
	}

	if err := p.recordSafetyCode(ctx, tx, g, joinerUserID, full.WrapperKey); err != nil {
		return err
	}

	if err := p.groups.ChangeRole(ctx, tx, g, p.selfUserID, joinerUserID, mlsgroup.RoleRegular, envelopeTimestamp); err != nil {
		return err
	}

	return tx.PromoteChatType(ctx, chat.ChatID, store.ChatTypeConnection, joinerUserID)
}

// recordSafetyCode computes and stores the §3 SafetyCode for a newly
// promoted contact, looking up both parties' identity keys from g's own
// member list rather than threading a self-credential through Processor.
func (p *Processor) recordSafetyCode(ctx context.Context, tx *store.Tx, g *store.Group, peerUserID string, connectionGroupEARKey []byte) error {
	members, err := mlsgroup.Members(g)
	if err != nil {
		return err
	}
	var self, peer mlsengine.Credential
	for _, mem := range members {
		switch mem.Credential.UserID {
		case p.selfUserID:
			self = mem.Credential
		case peerUserID:
			peer = mem.Credential
		}
	}
	if self.UserID == "" || peer.UserID == "" {
		return errors.WithKind(errors.Newf("connection group %s missing expected member credentials for safety code", g.GroupID), errors.KindFailedPrecondition)
	}

	code := safetycode.Compute(
		safetycode.Contact{UserID: self.UserID, IdentityKey: self.SigningKey},
		safetycode.Contact{UserID: peer.UserID, IdentityKey: peer.SigningKey},
		connectionGroupEARKey,
	)
	return tx.SetSafetyCode(ctx, peerUserID, code)
}

// handleUserProfileKeyUpdate decrypts and stores a contact's rotated
// profile key. Unlike application messages, a profile update from a
// blocked sender is dropped regardless of chat type (§4.5: "Profile
// updates from blocked senders are dropped" — not scoped to 1:1 chats
// the way the application-message policy is).
func (p *Processor) handleUserProfileKeyUpdate(ctx context.Context, tx *store.Tx, upd *UserProfileKeyUpdatePayload) (*Result, error) {
	g, err := tx.GetGroup(ctx, upd.GroupID)
	if err != nil {
		return nil, err
	}
	members, err := mlsgroup.Members(g)
	if err != nil {
		return nil, err
	}
	var senderUserID string
	for _, mem := range members {
		if mem.LeafIndex == upd.SenderIndex {
			senderUserID = mem.Credential.UserID
			break
		}
	}
	if senderUserID == "" {
		return nil, errors.WithKind(errors.Newf("no member at leaf %d in group %s", upd.SenderIndex, upd.GroupID), errors.KindNotFound)
	}

	contact, err := tx.GetContact(ctx, senderUserID)
	if err != nil && !errors.IsKind(err, errors.KindNotFound) {
		return nil, err
	}
	if contact != nil && contact.Blocked {
		return nil, errors.ErrBlockedContact
	}

	wrapperKey, err := identityLinkWrapperKey(g.IdentityLinkWrapperKey)
	if err != nil {
		return nil, err
	}
	plaintext, err := crypto.AEADDecrypt(upd.EncryptedProfileKey, upd.Nonce, wrapperKey)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt profile key update")
	}
	var profile store.UserProfile
	if err := json.Unmarshal(plaintext, &profile); err != nil {
		return nil, errors.Wrap(err, "unmarshal updated profile")
	}
	profile.UserID = senderUserID
	if err := tx.UpsertUserProfile(ctx, &profile); err != nil {
		return nil, err
	}
	return nil, nil
}

func (p *Processor) logWarn(msg string, kv ...interface{}) {
	if p.log != nil {
		p.log.Warnw(msg, kv...)
	}
}

func identityLinkWrapperKey(raw []byte) (crypto.AEADKey, error) {
	var key crypto.AEADKey
	if len(raw) != len(key) {
		return key, errors.WithKind(errors.Newf("identity link wrapper key has length %d, want %d", len(raw), len(key)), errors.KindDataLoss)
	}
	copy(key[:], raw)
	return key, nil
}

// Package inbound is the message processor (C5): it advances the queue
// ratchet over raw QS queue ciphertexts, dispatches the decrypted
// payload to the MLS group manager, and persists every side effect of
// one payload — ratchet state, group update, chat update, and
// notification queue — inside a single transaction (§4.5).
package inbound

import (
	"time"

	"github.com/aethermsg/chatcore/mlsengine"
	"github.com/aethermsg/chatcore/store"
)

// QueueMessage is one raw, still-ratchet-encrypted entry fetched from a
// QS queue.
type QueueMessage struct {
	SequenceNumber uint64
	Ciphertext     []byte
	Nonce          []byte
	Timestamp      time.Time // DS-assigned envelope timestamp, ds_timestamp in the original
}

// Payload is the decrypted wire payload a QueueMessage's ratchet
// plaintext unmarshals into — a tagged union over exactly one of its
// three fields, per §4.5's "one of {WelcomeBundle, MlsMessage,
// UserProfileKeyUpdate}".
type Payload struct {
	WelcomeBundle        *WelcomeBundlePayload        `json:"welcome_bundle,omitempty"`
	MlsMessage           *MlsMessagePayload           `json:"mls_message,omitempty"`
	UserProfileKeyUpdate *UserProfileKeyUpdatePayload `json:"user_profile_key_update,omitempty"`
}

// ChatAttributes is carried in a group's GroupData at creation time and
// recovered here to materialize the local Chat row a WelcomeBundle
// joins into — grounded on
// original_source/coreclient/src/clients/process/process_qs.rs's
// `ChatAttributes: PersistenceCodec::from_slice(group_data.bytes())`.
type ChatAttributes struct {
	ChatType store.ChatType `json:"chat_type"`
	Handle   string         `json:"handle,omitempty"`
	UserID   string         `json:"user_id,omitempty"`
}

type WelcomeBundlePayload struct {
	Welcome      *mlsengine.Welcome `json:"welcome"`
	OwnLeafIndex uint32             `json:"own_leaf_index"`
}

type MlsMessagePayload struct {
	GroupID string                     `json:"group_id"`
	Message *mlsengine.ProtocolMessage `json:"message"`
}

type UserProfileKeyUpdatePayload struct {
	GroupID             string `json:"group_id"`
	SenderIndex         uint32 `json:"sender_index"`
	EncryptedProfileKey []byte `json:"encrypted_profile_key"` // AEAD ciphertext, sealed under the group's identity link wrapper key
	Nonce               []byte `json:"nonce"`
}

// ResultKind tags what ProcessOne returned, mirroring
// ProcessQsMessageResult {None, NewChat, ChatChanged, Messages}.
type ResultKind string

const (
	ResultNone        ResultKind = "none"
	ResultNewChat     ResultKind = "new_chat"
	ResultChatChanged ResultKind = "chat_changed"
	ResultMessages    ResultKind = "messages"
)

// Result is one processed QueueMessage's outcome.
type Result struct {
	Kind     ResultKind
	ChatID   string
	Messages []*store.Message
}

// BatchResult aggregates ProcessBatch's per-message Results, per §4.5's
// "batches are aggregated into {new_chats, changed_chats, new_messages,
// errors, processed}".
type BatchResult struct {
	NewChats     []string
	ChangedChats []string
	NewMessages  []*store.Message
	Errors       []error
	Processed    int

	// AckSequenceNumber is max_sequence_number + 1 across every message
	// in the batch, the value to ack to the QS once processing
	// completes; nil if the batch was empty.
	AckSequenceNumber *uint64
}

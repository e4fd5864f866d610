package store

import "time"

type ChatStatus string

const (
	ChatStatusActive   ChatStatus = "active"
	ChatStatusInactive ChatStatus = "inactive"
	ChatStatusBlocked  ChatStatus = "blocked"
)

type ChatType string

const (
	ChatTypeHandleConnection          ChatType = "handle_connection"
	ChatTypeTargetedMessageConnection ChatType = "targeted_message_connection"
	// ChatTypePendingConnection marks an incoming connection offer a
	// local client has received and verified but not yet accepted —
	// grounded on original_source/coreclient's two-phase
	// PendingConnectionInfo model (§3's "row per incoming connection
	// offer awaiting user acceptance").
	ChatTypePendingConnection ChatType = "pending_connection"
	ChatTypeConnection        ChatType = "connection"
	ChatTypeGroup             ChatType = "group"
)

// Chat is the §3 Chat entity.
type Chat struct {
	ChatID         string
	GroupID        string
	Status         ChatStatus
	ChatType       ChatType
	ChatTypeHandle string
	ChatTypeUserID string
	PastMembers    []string
	// LastReadAt/LastReadMessageID are the mark_as_read cursor (§8): the
	// timestamp and message a user has read up through. Nil until the
	// first mark_as_read call for this chat.
	LastReadAt        *time.Time
	LastReadMessageID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ReadMessageRef identifies one message that a MarkChatAsRead call
// transitioned to Read, carrying its mimi_id so the caller can enqueue a
// read receipt report for it.
type ReadMessageRef struct {
	MessageID string
	MimiID    string
}

type GroupState string

const (
	GroupStateClean     GroupState = "clean"
	GroupStateDirty     GroupState = "dirty"
	GroupStateResyncing GroupState = "resyncing"
)

// Group is the §3 Group (MLS state) entity. RatchetTree/group_data are
// opaque blobs owned by mlsengine; the store never interprets them.
type Group struct {
	GroupID                string
	Epoch                  uint64
	OwnLeafIndex           uint32
	RatchetTree            []byte
	GroupStateEARKey       []byte
	IdentityLinkWrapperKey []byte
	RoomState              []byte // JSON-encoded role table
	PendingProposals       []byte // JSON-encoded proposal list
	GroupData              []byte
	State                  GroupState
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

type MessageStatus string

const (
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusError     MessageStatus = "error"
)

// Message is the §3 ChatMessage entity.
type Message struct {
	MessageID   string
	ChatID      string
	MimiID      string
	Timestamp   time.Time
	ContentType string
	Content     []byte
	IsEvent     bool
	Status      MessageStatus
	EditedAt    *time.Time
	CreatedAt   time.Time
}

// MessageEdit is the §3 MessageEdit history row.
type MessageEdit struct {
	ID                  int64
	OriginalMimiID      string
	MessageID           string
	EditedAt            time.Time
	PreviousMimiContent []byte
}

// Draft is the §3 MessageDraft entity.
type Draft struct {
	ChatID      string
	MessageText string
	EditingID   *string
	UpdatedAt   time.Time
	IsCommitted bool
}

type AttachmentStatus string

const (
	AttachmentStatusUploading AttachmentStatus = "uploading"
	AttachmentStatusReady     AttachmentStatus = "ready"
	AttachmentStatusFailed    AttachmentStatus = "failed"
)

// Attachment is the §3 AttachmentRecord entity.
type Attachment struct {
	AttachmentID string
	ChatID       string
	MessageID    *string
	ContentType  string
	Status       AttachmentStatus
	Size         int64
	ContentHash  string
	AEADKey      []byte
	AEADNonce    []byte
	Blurhash     string
	Width        int
	Height       int
	Ciphertext   []byte
	CreatedAt    time.Time
}

// Contact is the §3 Contact entity (fully promoted).
type Contact struct {
	UserID               string
	ConnectionGroupID    string
	WrapperKey           []byte
	Blocked              bool
	SafetyCode           string
	SafetyCodeVerifiedAt *time.Time
	CreatedAt            time.Time
}

type PartialContactKind string

const (
	PartialContactKindHandle          PartialContactKind = "handle"
	PartialContactKindTargetedMessage PartialContactKind = "targeted_message"
)

// PartialContact is a §3 HandleContact/TargetedMessageContact row prior
// to promotion.
type PartialContact struct {
	ID                      string
	Kind                    PartialContactKind
	Handle                  string
	TargetUserID            string
	ConnectionGroupID       string
	FriendshipPackageEARKey []byte
	CreatedAt               time.Time
}

// PendingConnectionInfo is the §3 entity of the same name.
type PendingConnectionInfo struct {
	ID                     string
	ConnectionGroupID      string
	ConnectionGroupEARKey  []byte
	IdentityLinkWrapperKey []byte
	FriendshipPackage      []byte
	SenderHandle           string
	ConnectionPackageHash  string
	CreatedAt              time.Time
}

// ConnectionPackage tracks single-use consumption (§8: "Connection
// package single-use").
type ConnectionPackage struct {
	Hash       string
	PublicKey  []byte
	LastResort bool
	ConsumedAt *time.Time
}

// UserProfile is the §3 entity of the same name.
type UserProfile struct {
	UserID         string
	DisplayName    string
	ProfilePicture []byte
	ProfileKey     []byte
	UpdatedAt      time.Time
}

type QueueName string

const (
	QueueResync    QueueName = "resync"
	QueueReceipt   QueueName = "receipt"
	QueueMessage   QueueName = "message"
	QueueTimedTask QueueName = "timed_task"
)

// WorkItem is a §3 WorkQueue row.
type WorkItem struct {
	ID         int64
	Queue      QueueName
	ChatID     string
	Payload    []byte
	Attempts   int
	NotBefore  time.Time
	LockedBy   string
	InsertedAt time.Time
}

type KeyPackageStatus string

const (
	KeyPackageLive  KeyPackageStatus = "live"
	KeyPackageStale KeyPackageStatus = "stale"
)

type KeyPackageRecord struct {
	KeyPackageID string
	Status       KeyPackageStatus
	LastResort   bool
	CreatedAt    time.Time
}

// QueueRatchetState is the §3 queue-ratchet persisted state backing
// ratchet.State (§4.3): the current chain secret and the highest
// sequence number successfully decrypted for one queue.
type QueueRatchetState struct {
	QueueID        string
	CurrentSecret  []byte
	SequenceNumber uint64
}

// PushTokenState is the §3 (supplemented) entity.
type PushTokenState struct {
	ClientID        string
	Token           string
	LastSubmittedAt *time.Time
	RetryAfter      *time.Time
}

// Timestamps are stored as RFC3339Nano text, giving nanosecond
// resolution — resolves Open Question (c) on the push-token retry clamp
// (SPEC_FULL.md §13).
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

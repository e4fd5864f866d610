// Package outbound implements the outbound service (C7): the single
// cooperative background worker that drains the resync, receipt, and
// message queues and runs the timed tasks (key package replenishment,
// push token resubmission), one round at a time, each round holding the
// process-wide store lock for its duration (§4.7, §5).
package outbound

import (
	"context"

	"github.com/aethermsg/chatcore/crypto"
	"github.com/aethermsg/chatcore/mlsengine"
	"github.com/aethermsg/chatcore/store"
)

// DS is the narrow Delivery Service surface the outbound worker depends
// on, mirroring contact.DS's narrow-seam convention so this package
// never imports transport directly.
type DS interface {
	ExternalCommitInfo(ctx context.Context, groupID string, earKey []byte) (*mlsengine.ExternalCommitInfo, error)
	Resync(ctx context.Context, groupID string, earKey []byte, commit *mlsengine.Commit) error
	SendMessage(ctx context.Context, groupID string, epoch uint64, ciphertext, nonce []byte, suppressNotifications *bool) error
}

// QS is the narrow Queue Service surface the outbound worker's timed
// tasks depend on.
type QS interface {
	PublishKeyPackages(ctx context.Context, clientID string, packages []KeyPackage) error
	ResubmitPushToken(ctx context.Context, clientID, pushToken string) error
}

// KeyPackage is the self-certifying bundle this worker publishes to the
// QS (§4.7's KeyPackageUpload). Its shape mirrors transport.KeyPackage
// and contact.ConnectionPackage, duplicated rather than imported so
// outbound stays free of a dependency on transport.
type KeyPackage struct {
	KeyPackageID  string               `json:"key_package_id"`
	Credential    mlsengine.Credential `json:"credential"`
	EncryptionKey []byte               `json:"encryption_key"`
	LastResort    bool                 `json:"last_resort"`
}

func (p KeyPackage) Label() string                   { return "chatcore.qs.key-package.v1" }
func (p KeyPackage) CanonicalBytes() ([]byte, error) { return crypto.CanonicalJSON(p) }

// resyncPayload is the work_queue payload for a QueueResync row: a
// group that observed a TooDistantInThePast error and needs an
// external-commit recovery (§4.7).
type resyncPayload struct {
	GroupID string `json:"group_id"`
}

// messagePayload is the work_queue payload for a QueueMessage row.
type messagePayload struct {
	MessageID string `json:"message_id"`
}

// receiptPayload is the work_queue payload for a QueueReceipt row,
// already collapsed to its strongest pending status by the debouncer
// before being enqueued (§4.7).
type receiptPayload struct {
	MessageID string              `json:"message_id"`
	MimiID    string              `json:"mimi_id"`
	Status    store.MessageStatus `json:"status"`
}

// applicationEnvelope mirrors inbound's unexported wire shape for a
// plaintext MLS application message, duplicated here (not imported) so
// outbound can construct outgoing envelopes without depending on
// inbound's internals.
type applicationEnvelope struct {
	MimiID      string `json:"mimi_id"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"content"`
}

// receiptStatusContentType matches inbound's receiptStatusContentType:
// the content type that marks an application message as a delivery
// receipt report rather than a renderable message.
const receiptStatusContentType = "application/mimi-message-status"

type receiptReport struct {
	MimiID string              `json:"mimi_id"`
	Status store.MessageStatus `json:"status"`
}

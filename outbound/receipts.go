package outbound

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/aethermsg/chatcore/errors"
	"github.com/aethermsg/chatcore/internal/util"
	"github.com/aethermsg/chatcore/store"
)

// EnqueueReceipt records that status now applies to messageID in chatID,
// debouncing it against any status already pending for the same message
// rather than enqueuing a work_queue row immediately (§4.7: rapid
// Delivered-then-Read transitions on the same message collapse to a
// single outbound report).
func (w *Worker) EnqueueReceipt(chatID, messageID, mimiID string, status store.MessageStatus) {
	w.debounce.Enqueue(chatID, messageID, mimiID, status)
}

// enqueueReceiptNow is the debouncer's fire callback: it performs the
// actual work_queue insert once window has elapsed without a stronger
// status arriving, then wakes the round loop.
func (w *Worker) enqueueReceiptNow(chatID, messageID, mimiID string, status store.MessageStatus) {
	ctx := context.Background()
	err := w.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.Enqueue(ctx, store.QueueReceipt, chatID, receiptPayload{
			MessageID: messageID,
			MimiID:    mimiID,
			Status:    status,
		}, time.Now())
	})
	if err != nil {
		w.logEnqueueReceiptError(chatID, messageID, err)
		return
	}
	w.NotifyWork()
}

func (w *Worker) drainReceipts(ctx context.Context, now time.Time) error {
	return w.drainQueue(ctx, store.QueueReceipt, now, w.processReceipt)
}

// processReceipt sends a receipt report as an ordinary application
// message tagged with receiptStatusContentType, so it rides the same
// group epoch and encryption path as a chat message (§4.7).
func (w *Worker) processReceipt(ctx context.Context, item *store.WorkItem) error {
	var payload receiptPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return errors.Wrap(err, "unmarshal receipt payload")
	}

	var (
		chat  *store.Chat
		group *store.Group
	)
	err := w.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		chat, err = tx.GetChat(ctx, item.ChatID)
		if err != nil {
			return err
		}
		group, err = tx.GetGroup(ctx, chat.GroupID)
		return err
	})
	if err != nil {
		return err
	}

	report := receiptReport{MimiID: payload.MimiID, Status: payload.Status}
	content, err := json.Marshal(report)
	if err != nil {
		return errors.Wrap(err, "marshal receipt report")
	}

	envelope := applicationEnvelope{
		MimiID:      uuid.New().String(),
		ContentType: receiptStatusContentType,
		Content:     content,
	}
	plaintext, err := json.Marshal(envelope)
	if err != nil {
		return errors.Wrap(err, "marshal receipt envelope")
	}

	ciphertext, nonce, err := w.groups.EncryptApplication(group, plaintext)
	if err != nil {
		return err
	}

	// A receipt report is a background status update, not a
	// user-visible message — suppress the push notification it would
	// otherwise trigger (§4.1, §9).
	return w.ds.SendMessage(ctx, chat.GroupID, group.Epoch, ciphertext, nonce, util.Ptr(true))
}

package outbound

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aethermsg/chatcore/errors"
	"github.com/aethermsg/chatcore/store"
)

// EnqueueMessage schedules chatID's messageID for outbound delivery,
// called by whatever inserted the message (typically within the same
// transaction as the InsertMessage call that created it, with status
// Sending).
func EnqueueMessage(ctx context.Context, tx *store.Tx, chatID, messageID string) error {
	return tx.Enqueue(ctx, store.QueueMessage, chatID, messagePayload{MessageID: messageID}, time.Now())
}

func (w *Worker) drainMessages(ctx context.Context, now time.Time) error {
	return w.drainQueue(ctx, store.QueueMessage, now, w.processMessage)
}

// processMessage encrypts and sends one pending message at the chat's
// group's current epoch. On success the message status becomes Sent; on
// any send failure it becomes Error regardless of whether the queue row
// itself is kept for retry or dropped (§4.7: "on transient send failure,
// the message status is marked Error and the row remains for a retry. A
// permanent failure clears the row and records a user-visible error" —
// both branches leave status Error, drainQueue's caller decides which
// happens to the row).
func (w *Worker) processMessage(ctx context.Context, item *store.WorkItem) error {
	var payload messagePayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return errors.Wrap(err, "unmarshal message payload")
	}

	var (
		chat  *store.Chat
		group *store.Group
		msg   *store.Message
	)
	err := w.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		chat, err = tx.GetChat(ctx, item.ChatID)
		if err != nil {
			return err
		}
		group, err = tx.GetGroup(ctx, chat.GroupID)
		if err != nil {
			return err
		}
		msg, err = tx.GetMessage(ctx, payload.MessageID)
		return err
	})
	if err != nil {
		return err
	}

	envelope := applicationEnvelope{MimiID: msg.MimiID, ContentType: msg.ContentType, Content: msg.Content}
	plaintext, err := json.Marshal(envelope)
	if err != nil {
		return errors.Wrap(err, "marshal message envelope")
	}

	ciphertext, nonce, err := w.groups.EncryptApplication(group, plaintext)
	if err != nil {
		return err
	}

	sendErr := w.ds.SendMessage(ctx, chat.GroupID, group.Epoch, ciphertext, nonce, nil)

	newStatus := store.MessageStatusSent
	if sendErr != nil {
		newStatus = store.MessageStatusError
	}
	if statusErr := w.store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.SetMessageStatus(ctx, payload.MessageID, newStatus)
	}); statusErr != nil {
		return statusErr
	}

	return sendErr
}

package store

import (
	"context"
	"database/sql"

	"github.com/aethermsg/chatcore/errors"
	"github.com/aethermsg/chatcore/notify"
)

// InsertAttachment records a new attachment in the Uploading state
// (§4.8 attachment pipeline start).
func (t *Tx) InsertAttachment(ctx context.Context, a *Attachment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO attachments (attachment_id, chat_id, message_id, content_type, status, size,
			content_hash, aead_key, aead_nonce, blurhash, width, height, ciphertext, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.AttachmentID, a.ChatID, nullableStringPtr(a.MessageID), a.ContentType, string(a.Status), a.Size,
		a.ContentHash, a.AEADKey, a.AEADNonce, a.Blurhash, a.Width, a.Height, a.Ciphertext, formatTime(a.CreatedAt))
	if err != nil {
		return errors.Wrap(err, "insert attachment")
	}
	t.Notify(a.AttachmentID, notify.OpAdd)
	return nil
}

// SetAttachmentStatus transitions Uploading -> Ready|Failed.
func (t *Tx) SetAttachmentStatus(ctx context.Context, attachmentID string, status AttachmentStatus) error {
	res, err := t.tx.ExecContext(ctx, "UPDATE attachments SET status = ? WHERE attachment_id = ?", string(status), attachmentID)
	if err != nil {
		return errors.Wrap(err, "set attachment status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.WithKind(errors.Newf("attachment %s not found", attachmentID), errors.KindNotFound)
	}
	t.Notify(attachmentID, notify.OpUpdate)
	return nil
}

// AttachMessage links a previously-uploaded attachment to the message
// that references it, once the message itself is persisted.
func (t *Tx) AttachMessage(ctx context.Context, attachmentID, messageID string) error {
	_, err := t.tx.ExecContext(ctx, "UPDATE attachments SET message_id = ? WHERE attachment_id = ?", messageID, attachmentID)
	if err != nil {
		return errors.Wrap(err, "attach message to attachment")
	}
	t.Notify(attachmentID, notify.OpUpdate)
	return nil
}

// RetryAttachment re-keys an attachment for re-upload, per SPEC_FULL.md
// §12 item 5: a retried upload gets a fresh id and AEAD key rather than
// reusing the failed one, preventing key reuse across attempts.
func (t *Tx) RetryAttachment(ctx context.Context, oldAttachmentID string, next *Attachment) error {
	old, err := t.GetAttachment(ctx, oldAttachmentID)
	if err != nil {
		return err
	}
	next.ChatID = old.ChatID
	next.MessageID = old.MessageID
	next.ContentType = old.ContentType
	next.Status = AttachmentStatusUploading
	if err := t.InsertAttachment(ctx, next); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM attachments WHERE attachment_id = ?", oldAttachmentID); err != nil {
		return errors.Wrap(err, "delete failed attachment")
	}
	t.Notify(oldAttachmentID, notify.OpRemove)
	return nil
}

func (t *Tx) GetAttachment(ctx context.Context, attachmentID string) (*Attachment, error) {
	return scanAttachment(t.tx.QueryRowContext(ctx, attachmentQuery+" WHERE attachment_id = ?", attachmentID))
}

func (s *Store) GetAttachment(ctx context.Context, attachmentID string) (*Attachment, error) {
	return scanAttachment(s.db.QueryRowContext(ctx, attachmentQuery+" WHERE attachment_id = ?", attachmentID))
}

const attachmentQuery = `SELECT attachment_id, chat_id, message_id, content_type, status, size,
	content_hash, aead_key, aead_nonce, blurhash, width, height, ciphertext, created_at FROM attachments`

func scanAttachment(row rowScanner) (*Attachment, error) {
	var a Attachment
	var messageID sql.NullString
	var status, createdAt string
	err := row.Scan(&a.AttachmentID, &a.ChatID, &messageID, &a.ContentType, &status, &a.Size,
		&a.ContentHash, &a.AEADKey, &a.AEADNonce, &a.Blurhash, &a.Width, &a.Height, &a.Ciphertext, &createdAt)
	if err == sql.ErrNoRows {
		return nil, errors.WithKind(errors.New("attachment not found"), errors.KindNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan attachment")
	}
	a.Status = AttachmentStatus(status)
	if messageID.Valid {
		a.MessageID = &messageID.String
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, errors.Wrap(err, "parse attachment created_at")
	}
	return &a, nil
}

func nullableStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return nullableString(*s)
}

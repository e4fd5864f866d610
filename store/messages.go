package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/aethermsg/chatcore/errors"
	"github.com/aethermsg/chatcore/notify"
)

func (t *Tx) InsertMessage(ctx context.Context, m *Message) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO messages (message_id, chat_id, mimi_id, timestamp, content_type, content, is_event, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MessageID, m.ChatID, m.MimiID, formatTime(m.Timestamp), m.ContentType, m.Content,
		boolToInt(m.IsEvent), string(m.Status), formatTime(m.CreatedAt))
	if err != nil {
		return errors.Wrap(err, "insert message")
	}
	t.Notify(m.ChatID, notify.OpUpdate)
	t.Notify(m.MessageID, notify.OpAdd)
	return nil
}

// SetMessageStatus updates delivery status, used by receipt processing
// (§4.5) with debounced-collapse semantics applied by the caller before
// this write (Read > Delivered > Unread, §4.7).
func (t *Tx) SetMessageStatus(ctx context.Context, messageID string, status MessageStatus) error {
	res, err := t.tx.ExecContext(ctx, "UPDATE messages SET status = ? WHERE message_id = ?", string(status), messageID)
	if err != nil {
		return errors.Wrap(err, "set message status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.WithKind(errors.Newf("message %s not found", messageID), errors.KindNotFound)
	}
	t.Notify(messageID, notify.OpUpdate)
	return nil
}

// ApplyEdit overwrites message content, records a MessageEdit history
// row, and sets status back to Delivered — the enum's unread-equivalent
// for an incoming message, matching the status a freshly received
// message starts at (§4.5 edit handling: "set status to Unread, mark
// chat unread until the new message"; §8 invariant: every edit
// preserves a MessageEdit linking original_mimi_id -> current id).
func (t *Tx) ApplyEdit(ctx context.Context, messageID, originalMimiID string, newContent []byte, previousContent []byte, editedAt time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO message_edits (original_mimi_id, message_id, edited_at, previous_mimi_content)
		VALUES (?, ?, ?, ?)`, originalMimiID, messageID, formatTime(editedAt), previousContent)
	if err != nil {
		return errors.Wrap(err, "insert message edit")
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE messages SET content = ?, status = ?, edited_at = ? WHERE message_id = ?`,
		newContent, string(MessageStatusDelivered), formatTime(editedAt), messageID)
	if err != nil {
		return errors.Wrap(err, "apply edit to message")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.WithKind(errors.Newf("message %s not found for edit", messageID), errors.KindNotFound)
	}
	// The status above is the canonical "unread-until-seen" state; the
	// caller is responsible for chat-level unread marking.
	t.Notify(messageID, notify.OpUpdate)
	return nil
}

// ResolveByMimiID finds the current message id for a (possibly stale)
// mimi id, following the MessageEdit chain when the id refers to an
// edited-away original (§4.5: "resolve original by mimi-id").
func (t *Tx) ResolveByMimiID(ctx context.Context, mimiID string) (string, error) {
	var messageID string
	err := t.tx.QueryRowContext(ctx, "SELECT message_id FROM messages WHERE mimi_id = ?", mimiID).Scan(&messageID)
	if err == nil {
		return messageID, nil
	}
	if err != sql.ErrNoRows {
		return "", errors.Wrap(err, "lookup message by mimi_id")
	}
	err = t.tx.QueryRowContext(ctx, `
		SELECT message_id FROM message_edits WHERE original_mimi_id = ? ORDER BY edited_at DESC LIMIT 1`, mimiID).Scan(&messageID)
	if err == sql.ErrNoRows {
		return "", errors.WithKind(errors.Newf("no message resolves from mimi_id %s", mimiID), errors.KindNotFound)
	}
	if err != nil {
		return "", errors.Wrap(err, "lookup message by original_mimi_id")
	}
	return messageID, nil
}

func (t *Tx) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	return scanMessage(t.tx.QueryRowContext(ctx, messageQuery+" WHERE message_id = ?", messageID))
}

func (s *Store) ListMessages(ctx context.Context, chatID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, messageQuery+" WHERE chat_id = ? ORDER BY timestamp ASC", chatID)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListUnsent returns messages with status Sending or Error for a chat,
// the pending/unsent bookkeeping from SPEC_FULL.md §12 item 2.
func (s *Store) ListUnsent(ctx context.Context, chatID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, messageQuery+" WHERE chat_id = ? AND status IN ('sending','error') ORDER BY timestamp ASC", chatID)
	if err != nil {
		return nil, errors.Wrap(err, "list unsent messages")
	}
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const messageQuery = `SELECT message_id, chat_id, mimi_id, timestamp, content_type, content, is_event, status, edited_at, created_at FROM messages`

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var timestamp, status, createdAt string
	var isEvent int
	var editedAt sql.NullString
	err := row.Scan(&m.MessageID, &m.ChatID, &m.MimiID, &timestamp, &m.ContentType, &m.Content,
		&isEvent, &status, &editedAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, errors.WithKind(errors.New("message not found"), errors.KindNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan message")
	}
	m.IsEvent = isEvent != 0
	m.Status = MessageStatus(status)
	if m.Timestamp, err = parseTime(timestamp); err != nil {
		return nil, errors.Wrap(err, "parse message timestamp")
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, errors.Wrap(err, "parse message created_at")
	}
	if editedAt.Valid {
		ts, err := parseTime(editedAt.String)
		if err != nil {
			return nil, errors.Wrap(err, "parse message edited_at")
		}
		m.EditedAt = &ts
	}
	return &m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

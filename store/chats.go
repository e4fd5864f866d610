package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/aethermsg/chatcore/errors"
	"github.com/aethermsg/chatcore/notify"
)

func (t *Tx) InsertChat(ctx context.Context, c *Chat) error {
	pastMembers, err := json.Marshal(c.PastMembers)
	if err != nil {
		return errors.Wrap(err, "marshal past_members")
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO chats (chat_id, group_id, status, chat_type, chat_type_handle, chat_type_user_id,
			past_members, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ChatID, nullableString(c.GroupID), string(c.Status), string(c.ChatType), nullableString(c.ChatTypeHandle),
		nullableString(c.ChatTypeUserID), string(pastMembers), formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return errors.WithKind(errors.Wrap(err, "insert chat"), errors.KindAlreadyExists)
	}
	t.Notify(c.ChatID, notify.OpAdd)
	return nil
}

// PromoteChatType advances chat_type, enforcing the one-way transition
// invariant from §3: HandleConnection/TargetedMessageConnection ->
// Connection, never back.
func (t *Tx) PromoteChatType(ctx context.Context, chatID string, newType ChatType, userID string) error {
	current, err := t.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if current.ChatType == ChatTypeConnection || current.ChatType == ChatTypeGroup {
		return errors.WithKind(errors.Newf("chat %s cannot transition from %s to %s", chatID, current.ChatType, newType), errors.KindFailedPrecondition)
	}
	_, err = t.tx.ExecContext(ctx, `UPDATE chats SET chat_type = ?, chat_type_user_id = ?, updated_at = ? WHERE chat_id = ?`,
		string(newType), userID, formatTime(time.Now()), chatID)
	if err != nil {
		return errors.Wrap(err, "promote chat type")
	}
	t.Notify(chatID, notify.OpUpdate)
	return nil
}

// SetChatGroupID attaches a chat to the group row created by accepting
// its pending connection (contact.Handshake.AcceptConnectionOffer);
// chat.group_id is NULL until this point.
func (t *Tx) SetChatGroupID(ctx context.Context, chatID, groupID string) error {
	res, err := t.tx.ExecContext(ctx, "UPDATE chats SET group_id = ?, updated_at = ? WHERE chat_id = ?",
		groupID, formatTime(time.Now()), chatID)
	if err != nil {
		return errors.Wrap(err, "set chat group id")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.WithKind(errors.Newf("chat %s not found", chatID), errors.KindNotFound)
	}
	t.Notify(chatID, notify.OpUpdate)
	return nil
}

func (t *Tx) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	return scanChat(t.tx.QueryRowContext(ctx, chatQuery+" WHERE chat_id = ?", chatID))
}

func (t *Tx) GetChatByGroupID(ctx context.Context, groupID string) (*Chat, error) {
	return scanChat(t.tx.QueryRowContext(ctx, chatQuery+" WHERE group_id = ?", groupID))
}

func (s *Store) GetChat(ctx context.Context, chatID string) (*Chat, error) {
	return scanChat(s.db.QueryRowContext(ctx, chatQuery+" WHERE chat_id = ?", chatID))
}

const chatQuery = `SELECT chat_id, group_id, status, chat_type, chat_type_handle, chat_type_user_id,
	past_members, last_read_at, last_read_message_id, created_at, updated_at FROM chats`

func scanChat(row rowScanner) (*Chat, error) {
	var c Chat
	var groupID, status, chatType, handle, userID, pastMembers, lastReadAt, lastReadMessageID, createdAt, updatedAt sql.NullString
	err := row.Scan(&c.ChatID, &groupID, &status, &chatType, &handle, &userID, &pastMembers,
		&lastReadAt, &lastReadMessageID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.WithKind(errors.New("chat not found"), errors.KindNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan chat")
	}
	c.GroupID = groupID.String
	c.Status = ChatStatus(status.String)
	c.ChatType = ChatType(chatType.String)
	c.ChatTypeHandle = handle.String
	c.ChatTypeUserID = userID.String
	c.LastReadMessageID = lastReadMessageID.String
	if pastMembers.Valid && pastMembers.String != "" {
		if err := json.Unmarshal([]byte(pastMembers.String), &c.PastMembers); err != nil {
			return nil, errors.Wrap(err, "unmarshal past_members")
		}
	}
	if c.CreatedAt, err = parseTime(createdAt.String); err != nil {
		return nil, errors.Wrap(err, "parse chat created_at")
	}
	if c.UpdatedAt, err = parseTime(updatedAt.String); err != nil {
		return nil, errors.Wrap(err, "parse chat updated_at")
	}
	if lastReadAt.Valid && lastReadAt.String != "" {
		ts, err := parseTime(lastReadAt.String)
		if err != nil {
			return nil, errors.Wrap(err, "parse chat last_read_at")
		}
		c.LastReadAt = &ts
	}
	return &c, nil
}

// MarkChatAsRead advances chatID's read cursor to untilTimestamp/
// untilMessageID and transitions every message at or before that
// timestamp that isn't already Read, returning refs for the ones that
// changed so the caller can enqueue read receipts. Idempotent per §8:
// a call whose untilTimestamp does not strictly advance the existing
// cursor is a no-op and returns advanced=false.
//
// Grounded on original_source/applogic/src/mark_as_read.rs's
// mark_chat_as_read: the Rust version also returns (advanced,
// transitioned-messages) so its debounce layer can skip the read-receipt
// enqueue when nothing actually changed.
func (t *Tx) MarkChatAsRead(ctx context.Context, chatID, untilMessageID string, untilTimestamp time.Time) (bool, []ReadMessageRef, error) {
	chat, err := t.GetChat(ctx, chatID)
	if err != nil {
		return false, nil, err
	}
	if chat.LastReadAt != nil && !untilTimestamp.After(*chat.LastReadAt) {
		return false, nil, nil
	}

	rows, err := t.tx.QueryContext(ctx, `
		SELECT message_id, mimi_id FROM messages
		WHERE chat_id = ? AND is_event = 0 AND status != ? AND timestamp <= ?`,
		chatID, string(MessageStatusRead), formatTime(untilTimestamp))
	if err != nil {
		return false, nil, errors.Wrap(err, "select messages to mark read")
	}
	var refs []ReadMessageRef
	for rows.Next() {
		var ref ReadMessageRef
		if err := rows.Scan(&ref.MessageID, &ref.MimiID); err != nil {
			rows.Close()
			return false, nil, errors.Wrap(err, "scan message to mark read")
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return false, nil, errors.Wrap(err, "iterate messages to mark read")
	}
	rows.Close()

	for _, ref := range refs {
		if _, err := t.tx.ExecContext(ctx, "UPDATE messages SET status = ? WHERE message_id = ?",
			string(MessageStatusRead), ref.MessageID); err != nil {
			return false, nil, errors.Wrap(err, "mark message read")
		}
		t.Notify(ref.MessageID, notify.OpUpdate)
	}

	if _, err := t.tx.ExecContext(ctx, "UPDATE chats SET last_read_at = ?, last_read_message_id = ?, updated_at = ? WHERE chat_id = ?",
		formatTime(untilTimestamp), untilMessageID, formatTime(time.Now()), chatID); err != nil {
		return false, nil, errors.Wrap(err, "advance chat read cursor")
	}
	t.Notify(chatID, notify.OpUpdate)

	return true, refs, nil
}

// SetChatStatus updates a chat's status (e.g. Blocked on block-contact).
func (t *Tx) SetChatStatus(ctx context.Context, chatID string, status ChatStatus) error {
	_, err := t.tx.ExecContext(ctx, "UPDATE chats SET status = ?, updated_at = ? WHERE chat_id = ?",
		string(status), formatTime(time.Now()), chatID)
	if err != nil {
		return errors.Wrap(err, "set chat status")
	}
	t.Notify(chatID, notify.OpUpdate)
	return nil
}

// DeleteChatPreservingMessages removes the chat row but leaves message
// rows intact (messages reference chat_id without a foreign key cascade
// concern here because the caller is expected to re-insert a chat row
// with the same chat_id immediately after — used for the Welcome-race
// case in §9 Design Notes: "must first delete the stale chat row
// (preserving messages) and only then insert the new group+chat").
func (t *Tx) DeleteChatPreservingMessages(ctx context.Context, chatID string) error {
	if _, err := t.tx.ExecContext(ctx, "UPDATE messages SET chat_id = chat_id WHERE chat_id = ?", chatID); err != nil {
		return errors.Wrap(err, "touch messages before chat delete")
	}
	if _, err := t.tx.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON"); err != nil {
		return errors.Wrap(err, "defer foreign keys")
	}
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM chats WHERE chat_id = ?", chatID); err != nil {
		return errors.Wrap(err, "delete chat")
	}
	t.Notify(chatID, notify.OpRemove)
	return nil
}

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/aethermsg/chatcore/errors"
	"github.com/aethermsg/chatcore/notify"
)

// UpsertDraft writes or replaces the (at most one per chat, §3) draft
// row, including SPEC_FULL.md §12 item 1's editing_id for in-progress
// edits.
func (t *Tx) UpsertDraft(ctx context.Context, d *Draft) error {
	var editingID sql.NullString
	if d.EditingID != nil {
		editingID = sql.NullString{String: *d.EditingID, Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO message_drafts (chat_id, message_text, editing_id, updated_at, is_committed)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			message_text = excluded.message_text,
			editing_id = excluded.editing_id,
			updated_at = excluded.updated_at,
			is_committed = excluded.is_committed`,
		d.ChatID, d.MessageText, editingID, formatTime(d.UpdatedAt), boolToInt(d.IsCommitted))
	if err != nil {
		return errors.Wrap(err, "upsert draft")
	}
	t.Notify(d.ChatID, notify.OpUpdate)
	return nil
}

func (s *Store) GetDraft(ctx context.Context, chatID string) (*Draft, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chat_id, message_text, editing_id, updated_at, is_committed
		FROM message_drafts WHERE chat_id = ?`, chatID)
	return scanDraft(row)
}

func scanDraft(row rowScanner) (*Draft, error) {
	var d Draft
	var editingID sql.NullString
	var updatedAt string
	var committed int
	err := row.Scan(&d.ChatID, &d.MessageText, &editingID, &updatedAt, &committed)
	if err == sql.ErrNoRows {
		return nil, errors.WithKind(errors.New("draft not found"), errors.KindNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan draft")
	}
	if editingID.Valid {
		d.EditingID = &editingID.String
	}
	d.IsCommitted = committed != 0
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, errors.Wrap(err, "parse draft updated_at")
	}
	return &d, nil
}

// DeleteDraft removes the draft for chatID; part of the round-trip law
// "store(draft); delete(chat_id); load(chat_id) == None" (§8).
func (t *Tx) DeleteDraft(ctx context.Context, chatID string) error {
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM message_drafts WHERE chat_id = ?", chatID); err != nil {
		return errors.Wrap(err, "delete draft")
	}
	t.Notify(chatID, notify.OpUpdate)
	return nil
}

// CommitAllDrafts transitions every uncommitted draft to committed and
// notifies its chat, the idempotence law from §8.
func (t *Tx) CommitAllDrafts(ctx context.Context) (int, error) {
	rows, err := t.tx.QueryContext(ctx, "SELECT chat_id FROM message_drafts WHERE is_committed = 0")
	if err != nil {
		return 0, errors.Wrap(err, "list uncommitted drafts")
	}
	var chatIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "scan draft chat_id")
		}
		chatIDs = append(chatIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := formatTime(time.Now())
	for _, id := range chatIDs {
		if _, err := t.tx.ExecContext(ctx, "UPDATE message_drafts SET is_committed = 1, updated_at = ? WHERE chat_id = ?", now, id); err != nil {
			return 0, errors.Wrap(err, "commit draft")
		}
		t.Notify(id, notify.OpUpdate)
	}
	return len(chatIDs), nil
}

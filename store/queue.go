package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/aethermsg/chatcore/errors"
)

// Enqueue appends a work item to one of the four queues (resync,
// receipt, message, timed_task) driving the outbound worker's round
// (§4.7, §5).
func (t *Tx) Enqueue(ctx context.Context, queue QueueName, chatID string, payload interface{}, notBefore time.Time) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal work item payload")
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO work_queue (queue, chat_id, payload, attempts, not_before, inserted_at)
		VALUES (?, ?, ?, 0, ?, ?)`,
		string(queue), chatID, string(raw), formatTime(notBefore), formatTime(time.Now()))
	if err != nil {
		return errors.Wrap(err, "enqueue work item")
	}
	return nil
}

// Claim atomically selects and locks the oldest eligible item
// (not_before in the past, unlocked; attempts are not checked here)
// from a queue using a RETURNING-based claim so concurrent callers never
// double-dequeue (§4.7: "each round drains resync, then receipt, then
// message, then timed-task, claiming by locked_by").
func (t *Tx) Claim(ctx context.Context, queue QueueName, lockToken string, now time.Time) (*WorkItem, error) {
	row := t.tx.QueryRowContext(ctx, `
		UPDATE work_queue SET locked_by = ?
		WHERE id = (
			SELECT id FROM work_queue
			WHERE queue = ? AND locked_by IS NULL AND not_before <= ?
			ORDER BY inserted_at ASC
			LIMIT 1
		)
		RETURNING id, queue, chat_id, payload, attempts, not_before, locked_by, inserted_at`,
		lockToken, string(queue), formatTime(now))
	item, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return item, err
}

func scanWorkItem(row rowScanner) (*WorkItem, error) {
	var w WorkItem
	var queue, notBefore, insertedAt string
	var lockedBy sql.NullString
	var payload string
	err := row.Scan(&w.ID, &queue, &w.ChatID, &payload, &w.Attempts, &notBefore, &lockedBy, &insertedAt)
	if err == sql.ErrNoRows {
		return nil, sql.ErrNoRows
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan work item")
	}
	w.Queue = QueueName(queue)
	w.Payload = []byte(payload)
	w.LockedBy = lockedBy.String
	if w.NotBefore, err = parseTime(notBefore); err != nil {
		return nil, errors.Wrap(err, "parse work item not_before")
	}
	if w.InsertedAt, err = parseTime(insertedAt); err != nil {
		return nil, errors.Wrap(err, "parse work item inserted_at")
	}
	return &w, nil
}

// Complete removes a successfully-processed item.
func (t *Tx) Complete(ctx context.Context, id int64) error {
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM work_queue WHERE id = ?", id); err != nil {
		return errors.Wrap(err, "complete work item")
	}
	return nil
}

// Fail releases the lock, bumps attempts, and reschedules not_before
// according to the caller-supplied backoff (retry/backoff policy lives
// in the outbound package; the store only persists the result).
func (t *Tx) Fail(ctx context.Context, id int64, retryAfter time.Time) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE work_queue SET locked_by = NULL, attempts = attempts + 1, not_before = ? WHERE id = ?`,
		formatTime(retryAfter), id)
	if err != nil {
		return errors.Wrap(err, "fail work item")
	}
	return nil
}

// Release clears a lock without touching attempts, used when a round
// is cancelled mid-flight (§5 runtoken cancellation).
func (t *Tx) Release(ctx context.Context, id int64) error {
	if _, err := t.tx.ExecContext(ctx, "UPDATE work_queue SET locked_by = NULL WHERE id = ?", id); err != nil {
		return errors.Wrap(err, "release work item")
	}
	return nil
}

// UpsertKeyPackage records a freshly-published key package (timed task:
// KeyPackageUpload, §4.7 / SPEC_FULL.md §3).
func (t *Tx) UpsertKeyPackage(ctx context.Context, kp *KeyPackageRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO key_packages (key_package_id, status, last_resort, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key_package_id) DO UPDATE SET status = excluded.status`,
		kp.KeyPackageID, string(kp.Status), boolToInt(kp.LastResort), formatTime(kp.CreatedAt))
	if err != nil {
		return errors.Wrap(err, "upsert key package")
	}
	return nil
}

func (s *Store) CountLiveKeyPackages(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM key_packages WHERE status = 'live'").Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count live key packages")
	}
	return n, nil
}

func (t *Tx) MarkKeyPackageStale(ctx context.Context, keyPackageID string) error {
	if _, err := t.tx.ExecContext(ctx, "UPDATE key_packages SET status = 'stale' WHERE key_package_id = ?", keyPackageID); err != nil {
		return errors.Wrap(err, "mark key package stale")
	}
	return nil
}

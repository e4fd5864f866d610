package store

import (
	"context"
	"database/sql"

	"github.com/aethermsg/chatcore/errors"
)

// GetQueueRatchetState loads the persisted ratchet position for queueID,
// returning (nil, nil) when no row exists yet (a queue seeded for the
// first time has no prior state to load).
func (t *Tx) GetQueueRatchetState(ctx context.Context, queueID string) (*QueueRatchetState, error) {
	var s QueueRatchetState
	err := t.tx.QueryRowContext(ctx, `
		SELECT queue_id, current_secret, sequence_number FROM queue_ratchet_state WHERE queue_id = ?`,
		queueID).Scan(&s.QueueID, &s.CurrentSecret, &s.SequenceNumber)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get queue ratchet state")
	}
	return &s, nil
}

// UpsertQueueRatchetState persists the new chain secret and sequence
// number *before* downstream processing continues, so a crash-resume
// never re-uses a ratchet step (§4.3's forward-secrecy invariant).
func (t *Tx) UpsertQueueRatchetState(ctx context.Context, s *QueueRatchetState) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO queue_ratchet_state (queue_id, current_secret, sequence_number)
		VALUES (?, ?, ?)
		ON CONFLICT(queue_id) DO UPDATE SET
			current_secret = excluded.current_secret,
			sequence_number = excluded.sequence_number`,
		s.QueueID, s.CurrentSecret, s.SequenceNumber)
	if err != nil {
		return errors.Wrap(err, "upsert queue ratchet state")
	}
	return nil
}

package store

import (
	"context"
	"time"

	"github.com/aethermsg/chatcore/errors"
	"github.com/aethermsg/chatcore/notify"
)

// PersistNotification implements notify.Persister, giving deferred
// subscribers (those not actively listening when a Set was published) a
// durable record to drain on next attach. Conflicting ops against the
// same entity OR-merge in SQL rather than read-modify-write in Go,
// avoiding a lost-update race between concurrent publishers.
func (s *Store) PersistNotification(set notify.Set) error {
	if len(set) == 0 {
		return nil
	}
	ctx := context.Background()
	return s.WithTx(ctx, func(t *Tx) error {
		for entityID, op := range set {
			_, err := t.tx.ExecContext(ctx, `
				INSERT INTO notification_queue (entity_id, ops, inserted_at)
				VALUES (?, ?, ?)
				ON CONFLICT(entity_id) DO UPDATE SET ops = ops | excluded.ops`,
				entityID, int(op), formatTime(time.Now()))
			if err != nil {
				return errors.Wrap(err, "persist notification")
			}
		}
		return nil
	})
}

// DrainNotifications returns and clears all queued notifications,
// called by a subscriber that reattaches after being offline (§4.9).
func (s *Store) DrainNotifications(ctx context.Context) (notify.Set, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT entity_id, ops FROM notification_queue")
	if err != nil {
		return nil, errors.Wrap(err, "list queued notifications")
	}
	set := notify.Set{}
	for rows.Next() {
		var entityID string
		var ops int
		if err := rows.Scan(&entityID, &ops); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan queued notification")
		}
		set[entityID] = notify.Op(ops)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM notification_queue"); err != nil {
		return nil, errors.Wrap(err, "clear queued notifications")
	}
	return set, nil
}

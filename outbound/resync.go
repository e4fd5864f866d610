package outbound

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aethermsg/chatcore/errors"
	"github.com/aethermsg/chatcore/mlsengine"
	"github.com/aethermsg/chatcore/store"
)

// EnqueueResync schedules an external-commit recovery for groupID
// (§4.4, §4.7) inside tx, so the enqueue commits atomically with the
// caller's other changes in that transaction. No other package in this
// module calls it: the message processor does not enqueue a resync when
// it sees a TooDistantInThePast error.
func EnqueueResync(ctx context.Context, tx *store.Tx, groupID string) error {
	return tx.Enqueue(ctx, store.QueueResync, groupID, resyncPayload{GroupID: groupID}, time.Now())
}

func (w *Worker) drainResyncs(ctx context.Context, now time.Time) error {
	return w.drainQueue(ctx, store.QueueResync, now, w.processResync)
}

// processResync fetches the group's authoritative external-commit info
// from the DS, performs the external commit locally, and submits it
// back — the recovery path for a group that fell too far behind to
// replay (§4.7, grounded on
// original_source/coreclient/src/outbound_service/resync.rs).
func (w *Worker) processResync(ctx context.Context, item *store.WorkItem) error {
	var payload resyncPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return errors.Wrap(err, "unmarshal resync payload")
	}

	group, err := w.store.GetGroup(ctx, payload.GroupID)
	if err != nil {
		return err
	}

	info, err := w.ds.ExternalCommitInfo(ctx, group.GroupID, group.GroupStateEARKey)
	if err != nil {
		return err
	}

	var commit *mlsengine.Commit
	err = w.store.WithTx(ctx, func(tx *store.Tx) error {
		current, err := tx.GetGroup(ctx, group.GroupID)
		if err != nil {
			return err
		}
		_, c, err := w.groups.Resync(ctx, tx, current, info, w.self, w.selfEncKey, w.signer, time.Now())
		if err != nil {
			return err
		}
		commit = c
		return nil
	})
	if err != nil {
		return err
	}

	return w.ds.Resync(ctx, group.GroupID, group.GroupStateEARKey, commit)
}

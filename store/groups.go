package store

import (
	"context"
	"database/sql"

	"github.com/aethermsg/chatcore/errors"
	"github.com/aethermsg/chatcore/notify"
)

// InsertGroup creates a new Group row. Entity notification id is the
// group_id, operation Add.
func (t *Tx) InsertGroup(ctx context.Context, g *Group) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO groups (group_id, epoch, own_leaf_index, ratchet_tree, group_state_ear_key,
			identity_link_wrapper_key, room_state, pending_proposals, group_data, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.GroupID, g.Epoch, g.OwnLeafIndex, g.RatchetTree, g.GroupStateEARKey,
		g.IdentityLinkWrapperKey, g.RoomState, g.PendingProposals, g.GroupData, string(g.State),
		formatTime(g.CreatedAt), formatTime(g.UpdatedAt))
	if err != nil {
		return errors.Wrap(err, "insert group")
	}
	t.Notify(g.GroupID, notify.OpAdd)
	return nil
}

// UpdateGroup persists epoch/tree/state changes after processing a
// commit (§4.4). Notification op is Update.
func (t *Tx) UpdateGroup(ctx context.Context, g *Group) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE groups SET epoch = ?, own_leaf_index = ?, ratchet_tree = ?, room_state = ?,
			pending_proposals = ?, group_data = ?, state = ?, updated_at = ?
		WHERE group_id = ?`,
		g.Epoch, g.OwnLeafIndex, g.RatchetTree, g.RoomState, g.PendingProposals, g.GroupData,
		string(g.State), formatTime(g.UpdatedAt), g.GroupID)
	if err != nil {
		return errors.Wrap(err, "update group")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.WithKind(errors.Newf("group %s not found", g.GroupID), errors.KindNotFound)
	}
	t.Notify(g.GroupID, notify.OpUpdate)
	return nil
}

// GetGroup loads a group by id within the transaction (for read-modify-
// write sequences inside C4/C5).
func (t *Tx) GetGroup(ctx context.Context, groupID string) (*Group, error) {
	return scanGroup(t.tx.QueryRowContext(ctx, groupQuery+" WHERE group_id = ?", groupID))
}

// GetGroup loads a group outside a transaction, for read-only callers.
func (s *Store) GetGroup(ctx context.Context, groupID string) (*Group, error) {
	return scanGroup(s.db.QueryRowContext(ctx, groupQuery+" WHERE group_id = ?", groupID))
}

const groupQuery = `SELECT group_id, epoch, own_leaf_index, ratchet_tree, group_state_ear_key,
	identity_link_wrapper_key, room_state, pending_proposals, group_data, state, created_at, updated_at
	FROM groups`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanGroup(row rowScanner) (*Group, error) {
	var g Group
	var state, createdAt, updatedAt string
	err := row.Scan(&g.GroupID, &g.Epoch, &g.OwnLeafIndex, &g.RatchetTree, &g.GroupStateEARKey,
		&g.IdentityLinkWrapperKey, &g.RoomState, &g.PendingProposals, &g.GroupData, &state,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.WithKind(errors.New("group not found"), errors.KindNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan group")
	}
	g.State = GroupState(state)
	if g.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, errors.Wrap(err, "parse group created_at")
	}
	if g.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, errors.Wrap(err, "parse group updated_at")
	}
	return &g, nil
}

// DeleteGroup removes a group (and, via ON DELETE CASCADE, its chat).
func (t *Tx) DeleteGroup(ctx context.Context, groupID string) error {
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM groups WHERE group_id = ?", groupID); err != nil {
		return errors.Wrap(err, "delete group")
	}
	t.Notify(groupID, notify.OpRemove)
	return nil
}

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/aethermsg/chatcore/errors"
	"github.com/aethermsg/chatcore/notify"
)

// InsertPartialContact records a §3 HandleContact/TargetedMessageContact
// row at add-contact time. The partial unique indexes on (handle) and
// (target_user_id) enforce "at most one partial contact per (handle or
// target user)" (§3, §8).
func (t *Tx) InsertPartialContact(ctx context.Context, pc *PartialContact) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO partial_contacts (id, kind, handle, target_user_id, connection_group_id, friendship_package_ear_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pc.ID, string(pc.Kind), nullableString(pc.Handle), nullableString(pc.TargetUserID),
		nullableString(pc.ConnectionGroupID), pc.FriendshipPackageEARKey, formatTime(pc.CreatedAt))
	if err != nil {
		return errors.WithKind(errors.Wrap(err, "insert partial contact"), errors.KindAlreadyExists)
	}
	t.Notify(pc.ID, notify.OpAdd)
	return nil
}

func (t *Tx) GetPartialContact(ctx context.Context, id string) (*PartialContact, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, kind, handle, target_user_id, connection_group_id, friendship_package_ear_key, created_at
		FROM partial_contacts WHERE id = ?`, id)
	return scanPartialContact(row)
}

func (t *Tx) GetPartialContactByConnectionGroup(ctx context.Context, groupID string) (*PartialContact, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, kind, handle, target_user_id, connection_group_id, friendship_package_ear_key, created_at
		FROM partial_contacts WHERE connection_group_id = ?`, groupID)
	return scanPartialContact(row)
}

func scanPartialContact(row rowScanner) (*PartialContact, error) {
	var pc PartialContact
	var kind string
	var handle, targetUserID, connectionGroupID sql.NullString
	var createdAt string
	err := row.Scan(&pc.ID, &kind, &handle, &targetUserID, &connectionGroupID, &pc.FriendshipPackageEARKey, &createdAt)
	if err == sql.ErrNoRows {
		return nil, errors.WithKind(errors.New("partial contact not found"), errors.KindNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan partial contact")
	}
	pc.Kind = PartialContactKind(kind)
	pc.Handle = handle.String
	pc.TargetUserID = targetUserID.String
	pc.ConnectionGroupID = connectionGroupID.String
	if pc.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, errors.Wrap(err, "parse partial contact created_at")
	}
	return &pc, nil
}

// PromotePartialContact deletes the partial row and inserts a full
// Contact, per §4.5/§4.6 "promote the partial contact, and record".
func (t *Tx) PromotePartialContact(ctx context.Context, partialID string, full *Contact) error {
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM partial_contacts WHERE id = ?", partialID); err != nil {
		return errors.Wrap(err, "delete partial contact")
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO contacts (user_id, connection_group_id, wrapper_key, blocked, created_at)
		VALUES (?, ?, ?, 0, ?)`,
		full.UserID, full.ConnectionGroupID, full.WrapperKey, formatTime(full.CreatedAt))
	if err != nil {
		return errors.Wrap(err, "insert promoted contact")
	}
	t.Notify(partialID, notify.OpRemove)
	t.Notify(full.UserID, notify.OpAdd)
	return nil
}

func (t *Tx) GetContact(ctx context.Context, userID string) (*Contact, error) {
	return scanContact(t.tx.QueryRowContext(ctx, contactQuery+" WHERE user_id = ?", userID))
}

func (s *Store) GetContact(ctx context.Context, userID string) (*Contact, error) {
	return scanContact(s.db.QueryRowContext(ctx, contactQuery+" WHERE user_id = ?", userID))
}

const contactQuery = `SELECT user_id, connection_group_id, wrapper_key, blocked, safety_code, safety_code_verified_at, created_at FROM contacts`

func scanContact(row rowScanner) (*Contact, error) {
	var c Contact
	var blocked int
	var safetyCode, verifiedAt sql.NullString
	var createdAt string
	err := row.Scan(&c.UserID, &c.ConnectionGroupID, &c.WrapperKey, &blocked, &safetyCode, &verifiedAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, errors.WithKind(errors.New("contact not found"), errors.KindNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan contact")
	}
	c.Blocked = blocked != 0
	c.SafetyCode = safetyCode.String
	if verifiedAt.Valid {
		ts, err := parseTime(verifiedAt.String)
		if err != nil {
			return nil, errors.Wrap(err, "parse safety_code_verified_at")
		}
		c.SafetyCodeVerifiedAt = &ts
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, errors.Wrap(err, "parse contact created_at")
	}
	return &c, nil
}

// SetBlocked implements the block/unblock operation driving §7/§8's
// blocked-contact policy.
func (t *Tx) SetBlocked(ctx context.Context, userID string, blocked bool) error {
	res, err := t.tx.ExecContext(ctx, "UPDATE contacts SET blocked = ? WHERE user_id = ?", boolToInt(blocked), userID)
	if err != nil {
		return errors.Wrap(err, "set contact blocked")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.WithKind(errors.Newf("contact %s not found", userID), errors.KindNotFound)
	}
	t.Notify(userID, notify.OpUpdate)
	return nil
}

// SetSafetyCode stores the computed safety code (§13 Open Question (b)).
func (t *Tx) SetSafetyCode(ctx context.Context, userID, code string) error {
	_, err := t.tx.ExecContext(ctx, "UPDATE contacts SET safety_code = ? WHERE user_id = ?", code, userID)
	if err != nil {
		return errors.Wrap(err, "set safety code")
	}
	t.Notify(userID, notify.OpUpdate)
	return nil
}

// MarkSafetyCodeVerified records out-of-band verification.
func (t *Tx) MarkSafetyCodeVerified(ctx context.Context, userID string, at time.Time) error {
	_, err := t.tx.ExecContext(ctx, "UPDATE contacts SET safety_code_verified_at = ? WHERE user_id = ?", formatTime(at), userID)
	if err != nil {
		return errors.Wrap(err, "mark safety code verified")
	}
	t.Notify(userID, notify.OpUpdate)
	return nil
}

// InsertPendingConnectionInfo records an incoming connection offer
// awaiting user acceptance (§3 PendingConnectionInfo).
func (t *Tx) InsertPendingConnectionInfo(ctx context.Context, p *PendingConnectionInfo) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO pending_connection_infos (id, connection_group_id, connection_group_ear_key,
			identity_link_wrapper_key, friendship_package, sender_handle, connection_package_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ConnectionGroupID, p.ConnectionGroupEARKey, p.IdentityLinkWrapperKey, p.FriendshipPackage,
		nullableString(p.SenderHandle), p.ConnectionPackageHash, formatTime(p.CreatedAt))
	if err != nil {
		return errors.Wrap(err, "insert pending connection info")
	}
	t.Notify(p.ID, notify.OpAdd)
	return nil
}

func (t *Tx) GetPendingConnectionInfo(ctx context.Context, id string) (*PendingConnectionInfo, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, connection_group_id, connection_group_ear_key, identity_link_wrapper_key,
			friendship_package, sender_handle, connection_package_hash, created_at
		FROM pending_connection_infos WHERE id = ?`, id)
	var p PendingConnectionInfo
	var senderHandle sql.NullString
	var createdAt string
	err := row.Scan(&p.ID, &p.ConnectionGroupID, &p.ConnectionGroupEARKey, &p.IdentityLinkWrapperKey,
		&p.FriendshipPackage, &senderHandle, &p.ConnectionPackageHash, &createdAt)
	if err == sql.ErrNoRows {
		return nil, errors.WithKind(errors.New("pending connection info not found"), errors.KindNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan pending connection info")
	}
	p.SenderHandle = senderHandle.String
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, errors.Wrap(err, "parse pending connection info created_at")
	}
	return &p, nil
}

func (t *Tx) DeletePendingConnectionInfo(ctx context.Context, id string) error {
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM pending_connection_infos WHERE id = ?", id); err != nil {
		return errors.Wrap(err, "delete pending connection info")
	}
	t.Notify(id, notify.OpRemove)
	return nil
}

// InsertConnectionPackage records a package the client has just fetched
// from the AS (to later check/enforce single-use, §8).
func (t *Tx) InsertConnectionPackage(ctx context.Context, cp *ConnectionPackage) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO connection_packages (hash, public_key, last_resort) VALUES (?, ?, ?)`,
		cp.Hash, cp.PublicKey, boolToInt(cp.LastResort))
	if err != nil {
		return errors.Wrap(err, "insert connection package")
	}
	return nil
}

// ConsumeConnectionPackage marks a non-last-resort package consumed,
// failing if it was already consumed — enforcing §8's single-use
// invariant: "after a non-last-resort connection package is consumed,
// any further handshake attempt referencing its hash fails."
func (t *Tx) ConsumeConnectionPackage(ctx context.Context, hash string, at time.Time) error {
	var lastResort int
	var consumedAt sql.NullString
	err := t.tx.QueryRowContext(ctx, "SELECT last_resort, consumed_at FROM connection_packages WHERE hash = ?", hash).
		Scan(&lastResort, &consumedAt)
	if err == sql.ErrNoRows {
		return errors.WithKind(errors.Newf("connection package %s not found", hash), errors.KindNotFound)
	}
	if err != nil {
		return errors.Wrap(err, "lookup connection package")
	}
	if lastResort != 0 {
		return nil
	}
	if consumedAt.Valid {
		return errors.WithKind(errors.Newf("connection package %s already consumed", hash), errors.KindFailedPrecondition)
	}
	if _, err := t.tx.ExecContext(ctx, "UPDATE connection_packages SET consumed_at = ? WHERE hash = ?", formatTime(at), hash); err != nil {
		return errors.Wrap(err, "consume connection package")
	}
	return nil
}

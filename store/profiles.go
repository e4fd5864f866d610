package store

import (
	"context"
	"database/sql"

	"github.com/aethermsg/chatcore/errors"
	"github.com/aethermsg/chatcore/notify"
)

// UpsertUserProfile writes or replaces a §3 UserProfile row, used both
// for the local user's own profile and cached profiles of contacts
// learned via UserProfileKeyUpdate processing (§4.5).
func (t *Tx) UpsertUserProfile(ctx context.Context, p *UserProfile) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, display_name, profile_picture, profile_key, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			profile_picture = excluded.profile_picture,
			profile_key = excluded.profile_key,
			updated_at = excluded.updated_at`,
		p.UserID, p.DisplayName, p.ProfilePicture, p.ProfileKey, formatTime(p.UpdatedAt))
	if err != nil {
		return errors.Wrap(err, "upsert user profile")
	}
	t.Notify(p.UserID, notify.OpUpdate)
	return nil
}

func (s *Store) GetUserProfile(ctx context.Context, userID string) (*UserProfile, error) {
	row := s.db.QueryRowContext(ctx, userProfileQuery+" WHERE user_id = ?", userID)
	return scanUserProfile(row)
}

// GetUserProfile loads a profile within an in-flight transaction, for
// C5's single-transaction-per-payload processing (§4.5).
func (t *Tx) GetUserProfile(ctx context.Context, userID string) (*UserProfile, error) {
	row := t.tx.QueryRowContext(ctx, userProfileQuery+" WHERE user_id = ?", userID)
	return scanUserProfile(row)
}

const userProfileQuery = `SELECT user_id, display_name, profile_picture, profile_key, updated_at FROM user_profiles`

func scanUserProfile(row rowScanner) (*UserProfile, error) {
	var p UserProfile
	var updatedAt string
	err := row.Scan(&p.UserID, &p.DisplayName, &p.ProfilePicture, &p.ProfileKey, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.WithKind(errors.New("user profile not found"), errors.KindNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan user profile")
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, errors.Wrap(err, "parse user profile updated_at")
	}
	return &p, nil
}

func (t *Tx) DeleteUserProfile(ctx context.Context, userID string) error {
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM user_profiles WHERE user_id = ?", userID); err != nil {
		return errors.Wrap(err, "delete user profile")
	}
	t.Notify(userID, notify.OpRemove)
	return nil
}

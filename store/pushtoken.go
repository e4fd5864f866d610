package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/aethermsg/chatcore/errors"
)

// UpsertPushTokenState records the client's current push token and
// resubmission bookkeeping (SPEC_FULL.md §12 item 3, grounded on
// original_source's push-token resubmission handling).
func (t *Tx) UpsertPushTokenState(ctx context.Context, p *PushTokenState) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO push_token_state (client_id, token, last_submitted_at, retry_after)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			token = excluded.token,
			last_submitted_at = excluded.last_submitted_at,
			retry_after = excluded.retry_after`,
		p.ClientID, p.Token, nullableTimePtr(p.LastSubmittedAt), nullableTimePtr(p.RetryAfter))
	if err != nil {
		return errors.Wrap(err, "upsert push token state")
	}
	return nil
}

func (s *Store) GetPushTokenState(ctx context.Context, clientID string) (*PushTokenState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT client_id, token, last_submitted_at, retry_after FROM push_token_state WHERE client_id = ?`, clientID)
	return scanPushTokenState(row)
}

func scanPushTokenState(row rowScanner) (*PushTokenState, error) {
	var p PushTokenState
	var lastSubmitted, retryAfter sql.NullString
	err := row.Scan(&p.ClientID, &p.Token, &lastSubmitted, &retryAfter)
	if err == sql.ErrNoRows {
		return nil, errors.WithKind(errors.New("push token state not found"), errors.KindNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "scan push token state")
	}
	if lastSubmitted.Valid {
		ts, err := parseTime(lastSubmitted.String)
		if err != nil {
			return nil, errors.Wrap(err, "parse last_submitted_at")
		}
		p.LastSubmittedAt = &ts
	}
	if retryAfter.Valid {
		ts, err := parseTime(retryAfter.String)
		if err != nil {
			return nil, errors.Wrap(err, "parse retry_after")
		}
		p.RetryAfter = &ts
	}
	return &p, nil
}

func nullableTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

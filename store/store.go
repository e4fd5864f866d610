// Package store implements the persistent store (C2): a single on-disk
// SQLite database holding groups, chats, messages, contacts, drafts,
// receipts, attachments, queued work, key packages, user profiles, and
// the persisted notification queue, all behind transactional DAOs.
package store

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/aethermsg/chatcore/config"
	"github.com/aethermsg/chatcore/db"
	"github.com/aethermsg/chatcore/errors"
	"github.com/aethermsg/chatcore/notify"
)

// Store is the client's single persistent store. All entity DAOs are
// methods on Store (or on a Tx passed to a callback via WithTx) so that
// cross-table mutations share one transaction, per §4.2.
type Store struct {
	db   *sql.DB
	log  *zap.SugaredLogger
	bus  *notify.Bus
	lock *FileLock
}

// Open opens (creating if necessary) the SQLite store at cfg.StorePath,
// runs migrations, and wires bus as this store's notification sink.
func Open(cfg config.Config, log *zap.SugaredLogger, bus *notify.Bus) (*Store, error) {
	sqlDB, err := db.OpenWithMigrations(cfg.StorePath, log)
	if err != nil {
		return nil, errors.Wrap(err, "open store")
	}
	s := &Store{
		db:   sqlDB,
		log:  log,
		bus:  bus,
		lock: NewFileLock(cfg.LockFilePath()),
	}
	if bus != nil {
		bus.SetPersister(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Lock acquires the process-wide advisory lock for the duration of an
// outbound-worker round (§4.2, §5).
func (s *Store) Lock(ctx context.Context) (func(), error) {
	return s.lock.Acquire(ctx)
}

// Tx is a single immediate-write transaction plus the Notifier
// accumulating entity operations for this transaction, flushed to the
// bus on commit.
type Tx struct {
	tx       *sql.Tx
	notifier *notify.Notifier
}

// Notify records an operation against entityID within this transaction,
// to be published once the transaction commits.
func (t *Tx) Notify(entityID string, op notify.Op) {
	t.notifier.Record(entityID, op)
}

// WithTx runs fn inside an immediate-write transaction (SQLite's
// BEGIN IMMEDIATE, avoiding upgrade deadlocks per §4.2) and, on success,
// flushes the accumulated notifications to the bus.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	// The connection DSN sets _txlock=immediate, so this BeginTx issues
	// BEGIN IMMEDIATE rather than a deferred BEGIN (§4.2).
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}

	tx := &Tx{tx: sqlTx, notifier: notify.NewNotifier()}

	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			s.logRollbackError(rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return errors.Wrap(err, "commit transaction")
	}

	if s.bus != nil {
		if err := s.bus.Publish(tx.notifier.Drain()); err != nil {
			s.logPublishError(err)
		}
	}
	return nil
}

func (s *Store) logRollbackError(err error) {
	if s.log != nil {
		s.log.Warnw("transaction rollback failed", "error", err)
	}
}

func (s *Store) logPublishError(err error) {
	if s.log != nil {
		s.log.Warnw("notification publish failed", "error", err)
	}
}

package store

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/aethermsg/chatcore/errors"
)

// FileLock is the process-wide advisory lock protecting the database
// across concurrent processes (§4.2, §5: "a process-wide file lock
// serializes multi-process writers").
type FileLock struct {
	path string
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Acquire blocks (polling, since flock has no context-aware variant)
// until the lock is held or ctx is cancelled, returning a release
// function. Callers typically hold this for the duration of one
// outbound-worker round.
func (l *FileLock) Acquire(ctx context.Context) (func(), error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open lock file %s", l.path)
	}

	const pollInterval = 10 * time.Millisecond
	for {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if err != syscall.EWOULDBLOCK {
			f.Close()
			return nil, errors.Wrapf(err, "flock %s", l.path)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return nil, errors.Wrap(ctx.Err(), "acquire lock")
		case <-time.After(pollInterval):
		}
	}

	release := func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}
	return release, nil
}

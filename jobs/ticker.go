// Package jobs implements the outbound worker's timed-task step: a
// small in-process registry of named, interval-gated background checks
// (key package replenishment, push token resubmission) driven once per
// outbound round rather than by their own goroutine, grounded on
// pulse/schedule's periodic due-check loop but scoped down from that
// package's general DB-backed job table to the fixed, idempotent set of
// checks the outbound round actually needs.
package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aethermsg/chatcore/errors"
)

// Task is one named, interval-gated background check.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error

	lastRun time.Time
}

// Ticker holds a fixed set of registered Tasks and, on RunDue, executes
// whichever are due against the wall-clock time the caller supplies.
// lastRun bookkeeping is in-memory only: a process restart makes every
// task immediately due again, which is harmless since every registered
// task body (key package top-up, push token resubmit) is itself
// idempotent.
type Ticker struct {
	mu    sync.Mutex
	tasks []*Task
	log   *zap.SugaredLogger
}

func NewTicker(log *zap.SugaredLogger) *Ticker {
	return &Ticker{log: log}
}

// Register adds task to the ticker's set. Intended to be called once
// per task at construction time, before RunDue ever runs.
func (t *Ticker) Register(task *Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tasks = append(t.tasks, task)
}

// RunDue executes every task whose interval has elapsed since its last
// run, in registration order, continuing past an individual task's
// error (logged, not propagated) so one failing check never blocks the
// others. Returns the names of tasks that ran.
func (t *Ticker) RunDue(ctx context.Context, now time.Time) []string {
	t.mu.Lock()
	due := make([]*Task, 0, len(t.tasks))
	for _, task := range t.tasks {
		if now.Sub(task.lastRun) >= task.Interval {
			due = append(due, task)
		}
	}
	t.mu.Unlock()

	var ran []string
	for _, task := range due {
		if err := task.Run(ctx); err != nil {
			t.logTaskError(task.Name, err)
			continue
		}
		t.mu.Lock()
		task.lastRun = now
		t.mu.Unlock()
		ran = append(ran, task.Name)
	}
	return ran
}

func (t *Ticker) logTaskError(name string, err error) {
	if t.log != nil {
		t.log.Warnw("timed task failed, will retry next round", "task", name, "error", err)
		return
	}
	_ = errors.Wrapf(err, "timed task %s failed", name)
}

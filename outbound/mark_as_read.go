package outbound

import (
	"context"
	"sync"
	"time"

	"github.com/aethermsg/chatcore/store"
)

// pendingMarkAsRead is the latest not-yet-applied mark_as_read request
// for one chat.
type pendingMarkAsRead struct {
	chatID         string
	untilMessageID string
	untilTimestamp time.Time
}

// markAsReadDebouncer collapses rapid MarkAsRead calls for the same chat
// (a user scrolling through a backlog of unread messages) into a single
// store write once window has elapsed without a newer call — grounded
// on original_source/applogic/src/mark_as_read.rs's watch-cell
// Scheduled/Marked state machine, rendered here as one resettable
// per-chat time.AfterFunc in the style of outbound's receipt debouncer
// (§4.7, §5, §8 idempotence law).
type markAsReadDebouncer struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[string]*pendingMarkAsRead
	timers  map[string]*time.Timer
	fire    func(chatID, untilMessageID string, untilTimestamp time.Time)
}

func newMarkAsReadDebouncer(window time.Duration, fire func(chatID, untilMessageID string, untilTimestamp time.Time)) *markAsReadDebouncer {
	return &markAsReadDebouncer{
		window:  window,
		pending: make(map[string]*pendingMarkAsRead),
		timers:  make(map[string]*time.Timer),
		fire:    fire,
	}
}

// Enqueue schedules chatID to be marked read up to untilTimestamp. A
// request older than (or equal to) one already pending for the same
// chat is dropped rather than rewinding the schedule; the final store
// write still re-checks the cursor itself, so this is an optimization,
// not the idempotence guarantee.
func (d *markAsReadDebouncer) Enqueue(chatID, untilMessageID string, untilTimestamp time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.pending[chatID]; ok && !untilTimestamp.After(existing.untilTimestamp) {
		return
	}
	d.pending[chatID] = &pendingMarkAsRead{chatID: chatID, untilMessageID: untilMessageID, untilTimestamp: untilTimestamp}

	if t, ok := d.timers[chatID]; ok {
		t.Stop()
	}
	d.timers[chatID] = time.AfterFunc(d.window, func() { d.flush(chatID) })
}

func (d *markAsReadDebouncer) flush(chatID string) {
	d.mu.Lock()
	p := d.pending[chatID]
	delete(d.pending, chatID)
	delete(d.timers, chatID)
	d.mu.Unlock()

	if p != nil {
		d.fire(p.chatID, p.untilMessageID, p.untilTimestamp)
	}
}

// Stop cancels every pending timer without flushing it, for worker
// shutdown.
func (d *markAsReadDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.timers {
		t.Stop()
	}
	d.timers = make(map[string]*time.Timer)
	d.pending = make(map[string]*pendingMarkAsRead)
}

// MarkAsRead schedules chatID to be marked read up to untilMessageID/
// untilTimestamp, debounced by cfg.MarkAsReadDebounce so a burst of
// calls (e.g. while a user scrolls) collapses to one store write and one
// batch of read receipts. The store write itself is idempotent
// (store.Tx.MarkChatAsRead's cursor check), so a stale debounce firing
// after a newer one lands safely as a no-op.
func (w *Worker) MarkAsRead(chatID, untilMessageID string, untilTimestamp time.Time) {
	w.markAsRead.Enqueue(chatID, untilMessageID, untilTimestamp)
}

// applyMarkAsRead is the debouncer's fire callback: it performs the
// actual cursor advance and, when read receipts are enabled, enqueues a
// debounced Read receipt for every message the advance transitioned.
func (w *Worker) applyMarkAsRead(chatID, untilMessageID string, untilTimestamp time.Time) {
	ctx := context.Background()
	var (
		advanced bool
		refs     []store.ReadMessageRef
	)
	err := w.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		advanced, refs, err = tx.MarkChatAsRead(ctx, chatID, untilMessageID, untilTimestamp)
		return err
	})
	if err != nil {
		w.logMarkAsReadError(chatID, err)
		return
	}
	if !advanced || !w.cfg.ReadReceiptsEnabled {
		return
	}
	for _, ref := range refs {
		w.EnqueueReceipt(chatID, ref.MessageID, ref.MimiID, store.MessageStatusRead)
	}
	w.NotifyWork()
}

func (w *Worker) logMarkAsReadError(chatID string, err error) {
	if w.log != nil {
		w.log.Warnw("failed to mark chat as read", "chat", chatID, "error", err)
	}
}

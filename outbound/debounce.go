package outbound

import (
	"sync"
	"time"

	"github.com/aethermsg/chatcore/store"
)

// pendingReceipt is one message's collapsed, not-yet-enqueued receipt
// status.
type pendingReceipt struct {
	chatID    string
	messageID string
	mimiID    string
	status    store.MessageStatus
}

// receiptRank orders delivery-status strength for the debounce collapse
// (§4.7: "Read > Delivered > Unread"). Anything else (Sending, Sent,
// Error) is treated as the lowest tier, the same as an explicit Unread.
func receiptRank(s store.MessageStatus) int {
	switch s {
	case store.MessageStatusRead:
		return 3
	case store.MessageStatusDelivered:
		return 2
	default:
		return 1
	}
}

// debouncer collapses repeated receipt updates for the same message
// into a single enqueue, firing window after the last update — grounded
// on pulse/schedule/ticker.go's context+WaitGroup Start/Stop lifecycle,
// generalized here to one resettable timer per message rather than one
// timer for the whole ticker.
type debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[string]*pendingReceipt
	timers  map[string]*time.Timer
	fire    func(chatID, messageID, mimiID string, status store.MessageStatus)
}

func newDebouncer(window time.Duration, fire func(chatID, messageID, mimiID string, status store.MessageStatus)) *debouncer {
	return &debouncer{
		window:  window,
		pending: make(map[string]*pendingReceipt),
		timers:  make(map[string]*time.Timer),
		fire:    fire,
	}
}

// Enqueue records status for messageID, collapsing with any status
// already pending for it, and (re)starts its debounce timer.
func (d *debouncer) Enqueue(chatID, messageID, mimiID string, status store.MessageStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.pending[messageID]
	if !ok || receiptRank(status) > receiptRank(existing.status) {
		d.pending[messageID] = &pendingReceipt{chatID: chatID, messageID: messageID, mimiID: mimiID, status: status}
	}

	if t, ok := d.timers[messageID]; ok {
		t.Stop()
	}
	d.timers[messageID] = time.AfterFunc(d.window, func() { d.flush(messageID) })
}

func (d *debouncer) flush(messageID string) {
	d.mu.Lock()
	p := d.pending[messageID]
	delete(d.pending, messageID)
	delete(d.timers, messageID)
	d.mu.Unlock()

	if p != nil {
		d.fire(p.chatID, p.messageID, p.mimiID, p.status)
	}
}

// Stop cancels every pending timer without flushing it, for worker
// shutdown.
func (d *debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.timers {
		t.Stop()
	}
	d.timers = make(map[string]*time.Timer)
	d.pending = make(map[string]*pendingReceipt)
}

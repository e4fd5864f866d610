package notify

import "sync"

// SubscriberChannelBufferSize matches the teacher's queue subscriber
// buffer size; large enough to absorb a burst of commits between
// subscriber reads without blocking the committing transaction.
const SubscriberChannelBufferSize = 100

// Bus broadcasts a committed Set to live, in-process subscribers and
// hands the same Set to a Persister for subscribers that are not
// currently listening (§4.9: "persists any entries for which a
// persistent subscription is registered").
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Set
	nextID      int
	persister   Persister
}

// Persister is implemented by the store to durably record a Set for
// deferred subscribers (backed by the notification_queue table).
type Persister interface {
	PersistNotification(set Set) error
}

// NewBus returns a Bus with no persister; SetPersister wires one in once
// the store is constructed (breaking the store<->notify import cycle:
// notify does not import store).
func NewBus() *Bus {
	return &Bus{subscribers: make(map[int]chan Set)}
}

func (b *Bus) SetPersister(p Persister) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.persister = p
}

// Subscribe registers a live subscriber and returns its channel plus an
// unsubscribe function. The channel is buffered; a subscriber that falls
// behind misses nothing durably (deferred subscribers get the persisted
// path instead) but may drop broadcasts if its buffer fills — mirroring
// the teacher's non-blocking notifySubscribers discipline.
func (b *Bus) Subscribe() (<-chan Set, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Set, SubscriberChannelBufferSize)
	b.subscribers[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
	}
}

// Publish broadcasts set to every live subscriber (non-blocking: a full
// subscriber channel is skipped rather than blocking the caller, which
// runs on the store's commit path) and persists it for deferred
// subscribers if a Persister is wired in.
func (b *Bus) Publish(set Set) error {
	if len(set) == 0 {
		return nil
	}

	b.mu.RLock()
	for _, ch := range b.subscribers {
		select {
		case ch <- set:
		default:
		}
	}
	persister := b.persister
	b.mu.RUnlock()

	if persister != nil {
		return persister.PersistNotification(set)
	}
	return nil
}

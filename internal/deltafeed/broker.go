package deltafeed

import (
	"sync"

	"github.com/agentworkforce/relaylist/internal/listsync"
)

// Delta is one splice of a list as sent to subscribers.
type Delta struct {
	ListID   string          `json:"listId"`
	Index    int             `json:"index"`
	Removed  int             `json:"removed"`
	Inserted []listsync.Item `json:"inserted"`
}

// Broker fans splices out to per-list subscribers. A subscriber that falls
// more than its buffer behind is dropped; it has missed deltas and must
// re-read the list.
type Broker struct {
	mu     sync.Mutex
	buffer int
	subs   map[string]map[*Subscription]struct{}
}

type Subscription struct {
	ListID string
	C      <-chan Delta

	ch     chan Delta
	broker *Broker
	once   sync.Once
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broker{
		buffer: buffer,
		subs:   map[string]map[*Subscription]struct{}{},
	}
}

func (b *Broker) Subscribe(listID string) *Subscription {
	ch := make(chan Delta, b.buffer)
	sub := &Subscription{ListID: listID, C: ch, ch: ch, broker: b}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[listID] == nil {
		b.subs[listID] = map[*Subscription]struct{}{}
	}
	b.subs[listID][sub] = struct{}{}
	return sub
}

// Close unsubscribes; C is closed afterwards.
func (s *Subscription) Close() {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	s.broker.removeLocked(s)
}

func (b *Broker) removeLocked(sub *Subscription) {
	sub.once.Do(func() {
		if set := b.subs[sub.ListID]; set != nil {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subs, sub.ListID)
			}
		}
		close(sub.ch)
	})
}

// Publish has the shape of listsync.RegistryOptions.OnSplice.
func (b *Broker) Publish(listID string, index, removed int, inserted []listsync.Item) {
	delta := Delta{ListID: listID, Index: index, Removed: removed, Inserted: inserted}
	if delta.Inserted == nil {
		delta.Inserted = []listsync.Item{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[listID] {
		select {
		case sub.ch <- delta:
		default:
			b.removeLocked(sub)
		}
	}
}

func (b *Broker) Subscribers(listID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[listID])
}

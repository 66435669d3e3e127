package alerts

import (
	"sync"
	"sync/atomic"
)

// Counters are the operator-visible counters the bus contributes.
type Counters struct {
	AlertsEmittedTotal          atomic.Uint64
	EnrichmentsDiscardedTotal   atomic.Uint64
}

// Bus holds the bounded ring of the most recent K alerts (default 1024),
// assigns each a monotonic sequence, and hands it to whatever publish
// target is registered (the Stream Hub, and optionally a Redis mirror).
// The hub callback runs inline and is expected to be non-blocking; the
// mirror callback runs on its own goroutine, so the Bus never waits on it,
// matching spec §4.F's "never blocks the engine" contract.
type Bus struct {
	mu       sync.Mutex
	ring     []SequencedAlert
	index    map[string]int // alert id -> index within ring
	capacity int
	nextSeq  uint64

	onPublish func(SequencedAlert)
	onMirror  func(SequencedAlert)

	Counters Counters
}

// New builds a Bus with the given ring capacity.
func New(capacity int) *Bus {
	return &Bus{
		ring:     make([]SequencedAlert, 0, capacity),
		index:    make(map[string]int),
		capacity: capacity,
	}
}

// SetOnPublish registers the Stream Hub fan-out callback.
func (b *Bus) SetOnPublish(fn func(SequencedAlert)) { b.onPublish = fn }

// SetOnMirror registers the optional Redis mirror callback.
func (b *Bus) SetOnMirror(fn func(SequencedAlert)) { b.onMirror = fn }

// Publish assigns a sequence number to a, stores it in the ring (evicting
// the oldest entry if full), and fans it out.
func (b *Bus) Publish(a Alert) SequencedAlert {
	b.mu.Lock()
	seq := b.nextSeq
	b.nextSeq++
	sa := SequencedAlert{Seq: seq, Alert: a}

	if len(b.ring) >= b.capacity {
		evicted := b.ring[0]
		b.ring = b.ring[1:]
		delete(b.index, evicted.Alert.ID)
		for id, idx := range b.index {
			b.index[id] = idx - 1
		}
	}
	b.ring = append(b.ring, sa)
	b.index[a.ID] = len(b.ring) - 1
	b.Counters.AlertsEmittedTotal.Add(1)
	b.mu.Unlock()

	if b.onPublish != nil {
		b.onPublish(sa)
	}
	if b.onMirror != nil {
		go b.onMirror(sa)
	}
	return sa
}

// Correlate attaches an enrichment insight to an already-emitted alert. If
// the alert has since been evicted from the ring, the enrichment is
// discarded and counted rather than silently dropped.
func (b *Bus) Correlate(alertID, insight string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.index[alertID]
	if !ok {
		b.Counters.EnrichmentsDiscardedTotal.Add(1)
		return false
	}
	b.ring[idx].Alert.Insight = &insight
	return true
}

// Get returns the alert with the given id, if it is still in the ring.
func (b *Bus) Get(alertID string) (SequencedAlert, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx, ok := b.index[alertID]
	if !ok {
		return SequencedAlert{}, false
	}
	return b.ring[idx], true
}

// List returns a copy of the ring, oldest first.
func (b *Bus) List() []SequencedAlert {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SequencedAlert, len(b.ring))
	copy(out, b.ring)
	return out
}

// Len reports how many alerts are currently held.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ring)
}

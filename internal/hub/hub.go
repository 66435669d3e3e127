package hub

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/linnixhq/linnixd/internal/metrics"
)

// Hub fans out records to every registered Subscriber for a subject. It
// never blocks a publisher: Subscriber.Enqueue is itself non-blocking, so
// Publish's hold on hub.mu is a short, bounded critical section.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber

	queueSize       int
	disconnectAfter time.Duration

	metrics *metrics.Metrics
}

// New builds a Hub. queueSize and disconnectAfter come from
// config.TuningConfig (defaults: 256, 30s).
func New(queueSize int, disconnectAfter time.Duration, m *metrics.Metrics) *Hub {
	return &Hub{
		subscribers:     make(map[string]*Subscriber),
		queueSize:       queueSize,
		disconnectAfter: disconnectAfter,
		metrics:         m,
	}
}

// Register creates and attaches a new Subscriber for subject, returning it
// for the transport (the websocket handler) to drain.
func (h *Hub) Register(subject Subject) *Subscriber {
	sub := NewSubscriber(uuid.NewString(), subject, h.queueSize, h.disconnectAfter)

	h.mu.Lock()
	h.subscribers[sub.ID] = sub
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.SetHubSubscribers(h.Count())
	}
	return sub
}

// Unregister removes and closes a subscriber, used both on client
// disconnect and on a lag-induced forced close.
func (h *Hub) Unregister(sub *Subscriber, reason string) {
	h.mu.Lock()
	_, existed := h.subscribers[sub.ID]
	delete(h.subscribers, sub.ID)
	h.mu.Unlock()

	if !existed {
		return
	}
	sub.Close()
	if h.metrics != nil {
		h.metrics.SetHubSubscribers(h.Count())
		h.metrics.IncHubDisconnect(reason)
	}
}

// Count returns the number of currently registered subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Publish marshals payload and fans it out to every subscriber on subject.
// A subscriber saturated past disconnect_after is unregistered with reason
// "lagging" from a background goroutine so Publish itself never blocks.
func (h *Hub) Publish(subject Subject, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("hub: marshal failed", "event", event, "error", err)
		return
	}
	rec := Record{Event: event, Data: data}

	start := time.Now()
	h.mu.RLock()
	targets := make([]*Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		if sub.Subject == subject {
			targets = append(targets, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		if h.metrics != nil {
			h.metrics.ObserveHubPublishToEnqueue(time.Since(start).Seconds())
		}
		full := len(sub.queue) == cap(sub.queue)
		disconnect := sub.Enqueue(rec)
		if full && h.metrics != nil {
			h.metrics.IncHubDrops(1)
		}
		if disconnect {
			go h.Unregister(sub, "lagging")
		}
	}
}

// ShedOldest forcibly disconnects up to n of the longest-connected
// subscribers with reason "resource_cap" and returns the number actually
// shed. This is the hub's half of the RSS soft-cap degradation path (spec
// §5), invoked only once the Window has already been trimmed and the cap
// is still breached.
func (h *Hub) ShedOldest(n int) int {
	if n <= 0 {
		return 0
	}

	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].ConnectedAt.Before(subs[j].ConnectedAt) })
	if n > len(subs) {
		n = len(subs)
	}
	for _, sub := range subs[:n] {
		h.Unregister(sub, "resource_cap")
	}
	return n
}

// Shutdown sends a terminal "bye" record to every subscriber and closes
// them, used during the daemon's graceful shutdown sequence.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.subscribers = make(map[string]*Subscriber)
	h.mu.Unlock()

	bye := Record{Event: "bye", Data: json.RawMessage(`{}`)}
	for _, sub := range subs {
		sub.Enqueue(bye)
		sub.Close()
	}
}

// Package hub implements the Stream Hub: per-subject broadcast (events,
// processes, alerts) to N HTTP subscribers over bounded queues, lossy on
// lag per spec §4.H — freshness wins over completeness.
package hub

import (
	"encoding/json"
	"sync"
	"time"
)

// Subject names the broadcast channel a Subscriber is attached to.
type Subject string

const (
	SubjectEvents    Subject = "events"
	SubjectProcesses Subject = "processes"
	SubjectAlerts    Subject = "alerts"
)

// Record is one framed message: an event name plus a JSON payload, the wire
// shape the websocket transport emits.
type Record struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// lagMarker is the sentinel record pushed when a subscriber's queue is full
// and n oldest queued records were dropped to make room.
type lagMarker struct {
	LagSkipped int `json:"lag_skipped"`
}

// Subscriber is a bounded FIFO queue feeding one streaming connection.
// Overflow policy: drop the oldest queued item (not the newest — freshness
// wins), count the drop, and surface it as a lag_skipped marker the next
// time the transport drains the queue.
type Subscriber struct {
	ID          string
	Subject     Subject
	ConnectedAt time.Time

	queue  chan Record
	notify chan struct{}

	mu           sync.Mutex
	lagCount     int
	laggingSince time.Time

	disconnectAfter time.Duration
	closed          chan struct{}
	closeOnce       sync.Once
}

// NewSubscriber builds a Subscriber with the given bounded queue size.
func NewSubscriber(id string, subject Subject, queueSize int, disconnectAfter time.Duration) *Subscriber {
	return &Subscriber{
		ID:              id,
		Subject:         subject,
		ConnectedAt:     time.Now(),
		queue:           make(chan Record, queueSize),
		notify:          make(chan struct{}, 1),
		disconnectAfter: disconnectAfter,
		closed:          make(chan struct{}),
	}
}

// Enqueue pushes r onto the subscriber's queue, never blocking the
// publisher. Returns true if the subscriber has been saturated for longer
// than disconnectAfter and should be dropped with reason "lagging".
func (s *Subscriber) Enqueue(r Record) (disconnect bool) {
	select {
	case s.queue <- r:
		s.wake()
		return false
	default:
	}

	// Queue full: drop the oldest, then push the new record.
	select {
	case <-s.queue:
	default:
	}
	select {
	case s.queue <- r:
	default:
	}
	s.wake()

	s.mu.Lock()
	s.lagCount++
	if s.laggingSince.IsZero() {
		s.laggingSince = time.Now()
	}
	saturatedFor := time.Duration(0)
	if !s.laggingSince.IsZero() {
		saturatedFor = time.Since(s.laggingSince)
	}
	s.mu.Unlock()

	return s.disconnectAfter > 0 && saturatedFor >= s.disconnectAfter
}

func (s *Subscriber) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a record is ready, timeout fires, the subscriber is
// closed, or ctxDone fires. timeout lets a transport interleave its own
// keepalive ticker with draining the queue. If drops have accumulated since
// the last call, the lag marker is returned first. Records already queued
// are returned before a close is reported.
func (s *Subscriber) Next(ctxDone <-chan struct{}, timeout <-chan time.Time) (rec Record, ok bool, timedOut bool) {
	s.mu.Lock()
	if s.lagCount > 0 {
		n := s.lagCount
		s.lagCount = 0
		s.laggingSince = time.Time{}
		s.mu.Unlock()
		data, _ := json.Marshal(lagMarker{LagSkipped: n})
		return Record{Event: "lag", Data: data}, true, false
	}
	s.mu.Unlock()

	select {
	case r := <-s.queue:
		return r, true, false
	default:
	}

	select {
	case r := <-s.queue:
		return r, true, false
	case <-s.notify:
		return s.Next(ctxDone, timeout)
	case <-s.closed:
		return Record{}, false, false
	case <-ctxDone:
		return Record{}, false, false
	case <-timeout:
		return Record{}, false, true
	}
}

// Close marks the subscriber closed; idempotent.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// Done reports the subscriber's closed channel.
func (s *Subscriber) Done() <-chan struct{} { return s.closed }

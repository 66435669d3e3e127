package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToMatchingSubject(t *testing.T) {
	h := New(16, 0, nil)
	sub := h.Register(SubjectAlerts)

	h.Publish(SubjectAlerts, "alert", map[string]string{"id": "a1"})
	h.Publish(SubjectEvents, "event", map[string]string{"id": "e1"})

	rec, ok, timedOut := sub.Next(nil, nil)
	require.True(t, ok)
	assert.False(t, timedOut)
	assert.Equal(t, "alert", rec.Event)
}

func TestSubscriberDropsOldestOnOverflow(t *testing.T) {
	sub := NewSubscriber("s1", SubjectEvents, 2, 0)
	sub.Enqueue(Record{Event: "e1"})
	sub.Enqueue(Record{Event: "e2"})
	sub.Enqueue(Record{Event: "e3"}) // queue full: drops e1

	rec, ok, _ := sub.Next(nil, nil)
	require.True(t, ok)
	assert.Equal(t, "lag", rec.Event)

	rec, ok, _ = sub.Next(nil, nil)
	require.True(t, ok)
	assert.Equal(t, "e2", rec.Event)

	rec, ok, _ = sub.Next(nil, nil)
	require.True(t, ok)
	assert.Equal(t, "e3", rec.Event)
}

func TestSubscriberDisconnectsAfterSustainedLag(t *testing.T) {
	sub := NewSubscriber("s1", SubjectEvents, 1, 10*time.Millisecond)
	sub.Enqueue(Record{Event: "e1"})
	disconnect := sub.Enqueue(Record{Event: "e2"})
	assert.False(t, disconnect)

	time.Sleep(20 * time.Millisecond)
	disconnect = sub.Enqueue(Record{Event: "e3"})
	assert.True(t, disconnect)
}

func TestUnregisterRemovesSubscriberAndClosesIt(t *testing.T) {
	h := New(16, 0, nil)
	sub := h.Register(SubjectEvents)
	assert.Equal(t, 1, h.Count())

	h.Unregister(sub, "client_closed")
	assert.Equal(t, 0, h.Count())

	select {
	case <-sub.Done():
	default:
		t.Fatal("expected subscriber to be closed")
	}
}

func TestShedOldestRemovesLongestConnectedFirst(t *testing.T) {
	h := New(16, 0, nil)
	first := h.Register(SubjectEvents)
	time.Sleep(5 * time.Millisecond)
	second := h.Register(SubjectEvents)
	time.Sleep(5 * time.Millisecond)
	third := h.Register(SubjectEvents)
	assert.Equal(t, 3, h.Count())

	shed := h.ShedOldest(2)
	assert.Equal(t, 2, shed)
	assert.Equal(t, 1, h.Count())

	select {
	case <-first.Done():
	default:
		t.Fatal("expected oldest subscriber to be closed")
	}
	select {
	case <-second.Done():
	default:
		t.Fatal("expected second-oldest subscriber to be closed")
	}
	select {
	case <-third.Done():
		t.Fatal("expected newest subscriber to survive")
	default:
	}
}

func TestShedOldestClampsToSubscriberCount(t *testing.T) {
	h := New(16, 0, nil)
	h.Register(SubjectEvents)

	shed := h.ShedOldest(5)
	assert.Equal(t, 1, shed)
	assert.Equal(t, 0, h.Count())
}

func TestShutdownSendsByeAndClosesAll(t *testing.T) {
	h := New(16, 0, nil)
	sub := h.Register(SubjectEvents)
	h.Shutdown()

	rec, ok, _ := sub.Next(nil, nil)
	require.True(t, ok)
	assert.Equal(t, "bye", rec.Event)

	select {
	case <-sub.Done():
	default:
		t.Fatal("expected subscriber to be closed after shutdown")
	}
}

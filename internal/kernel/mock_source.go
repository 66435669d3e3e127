package kernel

import "github.com/cilium/ebpf/ringbuf"

// MockSource is an in-memory RingSource fed by Push, used by dev-mode runs
// without kernel privileges and by tests that exercise the Drainer without
// a real eBPF object. Grounded on the teacher's own "Mock Mode" reader
// (internal/ringbuf/reader.go), generalized into something the Drainer can
// actually consume from.
type MockSource struct {
	name string
	recs chan Record
	done chan struct{}
}

// NewMockSource builds a MockSource with the given buffered capacity.
func NewMockSource(name string, capacity int) *MockSource {
	return &MockSource{
		name: name,
		recs: make(chan Record, capacity),
		done: make(chan struct{}),
	}
}

// Push enqueues an already-encoded record. Blocks if the internal buffer is
// full, by design: tests control backpressure explicitly rather than
// silently dropping.
func (m *MockSource) Push(rec Record) {
	select {
	case m.recs <- rec:
	case <-m.done:
	}
}

// PushEvent is a convenience wrapper encoding ev before pushing it.
func (m *MockSource) PushEvent(ev Event) {
	m.Push(Record{RawSample: Encode(ev)})
}

func (m *MockSource) Name() string { return m.name }

func (m *MockSource) Read() (Record, error) {
	select {
	case rec, ok := <-m.recs:
		if !ok {
			return Record{}, ringbuf.ErrClosed
		}
		return rec, nil
	case <-m.done:
		return Record{}, ringbuf.ErrClosed
	}
}

// Close unblocks any in-flight Read with ringbuf.ErrClosed, matching the
// real cilium/ebpf reader's shutdown contract so Drainer.Stop behaves
// identically against either source.
func (m *MockSource) Close() error {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	return nil
}

package kernel

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/linnixhq/linnixd/internal/daemonerr"
)

// Record is a single undecoded sample pulled off a ring buffer.
type Record struct {
	RawSample []byte
}

// RingSource abstracts one kernel-side ring buffer. The mandatory lifecycle
// probe and each optional probe (network, block I/O, page faults) is its
// own RingSource, so the Ring Drainer can run one worker per source the way
// spec §4.B describes, independent of how many hardware CPUs the host has —
// the per-CPU multiplexing inside a single ring buffer map is handled by
// cilium/ebpf's reader and is not this package's concern.
type RingSource interface {
	Name() string
	Read() (Record, error)
	Close() error
}

// CiliumRingSource wraps a cilium/ebpf ringbuf.Reader over one BPF map.
type CiliumRingSource struct {
	name   string
	reader *ringbuf.Reader
}

// NewCiliumRingSource removes the memlock limit (required once per process
// before any ring buffer map can be mapped) and opens a reader over m.
func NewCiliumRingSource(name string, m *ebpf.Map) (*CiliumRingSource, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, daemonerr.New(daemonerr.Capability, "kernel.NewCiliumRingSource", err)
	}
	rd, err := ringbuf.NewReader(m)
	if err != nil {
		return nil, daemonerr.New(daemonerr.ProbeAttach, "kernel.NewCiliumRingSource", err)
	}
	return &CiliumRingSource{name: name, reader: rd}, nil
}

func (s *CiliumRingSource) Name() string { return s.name }

func (s *CiliumRingSource) Read() (Record, error) {
	rec, err := s.reader.Read()
	if err != nil {
		return Record{}, err
	}
	return Record{RawSample: rec.RawSample}, nil
}

func (s *CiliumRingSource) Close() error { return s.reader.Close() }

// DrainerCounters are the operator-visible counters spec §4.B and §6 name.
type DrainerCounters struct {
	EventsTotal        atomic.Uint64
	EventsDroppedTotal atomic.Uint64
	DecodeErrorsTotal  atomic.Uint64
	ProbesAttached     atomic.Int32
	ProbesSkipped      atomic.Int32
}

// Drainer runs one worker per RingSource, decoding records and delivering
// them to a single bounded channel without ever blocking the producer.
type Drainer struct {
	sources []RingSource
	out     chan Event
	counters DrainerCounters

	logger *log.Logger

	warnMu   sync.Mutex
	lastWarn map[string]time.Time

	wg sync.WaitGroup
}

// NewDrainer builds a Drainer over sources, with an output channel of the
// given capacity (default 65536 per spec §4.B / SPEC_FULL tuning).
func NewDrainer(sources []RingSource, channelCapacity uint32) *Drainer {
	return &Drainer{
		sources:  sources,
		out:      make(chan Event, channelCapacity),
		logger:   log.New(os.Stderr, "[drainer] ", log.LstdFlags),
		lastWarn: make(map[string]time.Time),
	}
}

// Out returns the channel decoded events are delivered on. Closed once all
// workers have exited following Stop.
func (d *Drainer) Out() <-chan Event { return d.out }

// Counters returns the live counters; callers read the atomics directly.
func (d *Drainer) Counters() *DrainerCounters { return &d.counters }

// Start launches one goroutine per source.
func (d *Drainer) Start() {
	for _, s := range d.sources {
		d.wg.Add(1)
		go d.runWorker(s)
	}
}

func (d *Drainer) runWorker(s RingSource) {
	defer d.wg.Done()
	for {
		rec, err := s.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			d.throttledWarn(s.Name()+":read_error", err)
			continue
		}

		ev, err := Decode(rec.RawSample)
		if err != nil {
			d.counters.DecodeErrorsTotal.Add(1)
			d.throttledWarn(s.Name()+":decode_error", err)
			continue
		}
		d.counters.EventsTotal.Add(1)

		select {
		case d.out <- ev:
		default:
			d.counters.EventsDroppedTotal.Add(1)
			d.throttledWarn(s.Name()+":channel_full", fmt.Errorf("output channel at capacity"))
		}
	}
}

// throttledWarn logs at most once per second per reason, matching spec
// §4.B's throttled-warning contract.
func (d *Drainer) throttledWarn(reason string, err error) {
	d.warnMu.Lock()
	defer d.warnMu.Unlock()
	now := time.Now()
	if last, ok := d.lastWarn[reason]; ok && now.Sub(last) < time.Second {
		return
	}
	d.lastWarn[reason] = now
	d.logger.Printf("%s: %v", reason, err)
}

// Stop closes every source (which unblocks each worker's Read with
// ringbuf.ErrClosed), waits for all workers to drain their in-flight
// records and exit, then closes the output channel so downstream consumers
// observe completion.
func (d *Drainer) Stop() {
	for _, s := range d.sources {
		_ = s.Close()
	}
	d.wg.Wait()
	close(d.out)
}

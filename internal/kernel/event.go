// Package kernel implements the Event Decoder and Ring Drainer: the
// boundary between the eBPF-resident producer and the rest of the daemon.
// Everything on the other side of this boundary (probe object code, BTF
// offsets, the per-CPU ring layout itself) is an external collaborator; this
// package only consumes the byte-record contract described at that
// boundary.
package kernel

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/linnixhq/linnixd/internal/daemonerr"
)

// EventKind enumerates the kernel-originated record types.
type EventKind uint8

const (
	EventFork EventKind = iota + 1
	EventExec
	EventExit
	EventRSSSample
	EventCPUSample
)

func (k EventKind) String() string {
	switch k {
	case EventFork:
		return "FORK"
	case EventExec:
		return "EXEC"
	case EventExit:
		return "EXIT"
	case EventRSSSample:
		return "RSS_SAMPLE"
	case EventCPUSample:
		return "CPU_SAMPLE"
	default:
		return "UNKNOWN"
	}
}

// wireVersion is bumped whenever the fixed header layout changes; Decode
// rejects anything else outright.
const wireVersion uint8 = 1

// cgroupPathMax bounds the optional trailing cgroup path, matching the
// decoder contract's "≤256 B, truncated" rule.
const cgroupPathMax = 256

// wireHeader is the fixed 40-byte prefix common to every record kind,
// little-endian, matching the kernel layer's C struct layout.
type wireHeader struct {
	Version uint8
	Kind    uint8
	_       uint16 // padding to keep TsNs 8-byte aligned
	TsNs    uint64
	Pid     uint32
	Tgid    uint32
	Ppid    uint32
	Comm    [16]byte
}

const headerSize = 40 // 1+1+2+8+4+4+4+16

// Event is the immutable, typed record the rest of the daemon consumes.
// Fields not relevant to Kind are left at their zero value.
type Event struct {
	TsNs       uint64
	Kind       EventKind
	Pid        uint32
	Tgid       uint32
	Ppid       uint32
	Comm       string
	ExitCode   *int32
	RSSBytes   *uint64
	CPUNsDelta *uint64
	CgroupPath string
}

// Decode parses a fixed-layout kernel record into a typed Event. It rejects
// unknown version tags, unknown kinds and records too short for the declared
// kind; bytes past the kind's trailer are read as an optional cgroup path
// and otherwise ignored. No allocation beyond copying comm and cgroup_path.
func Decode(raw []byte) (Event, error) {
	if len(raw) < headerSize {
		return Event{}, daemonerr.New(daemonerr.Decode, "kernel.Decode",
			fmt.Errorf("record too short: %d bytes, want at least %d", len(raw), headerSize))
	}

	r := bytes.NewReader(raw)
	var h wireHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return Event{}, daemonerr.New(daemonerr.Decode, "kernel.Decode", err)
	}
	if h.Version != wireVersion {
		return Event{}, daemonerr.New(daemonerr.Decode, "kernel.Decode",
			fmt.Errorf("unknown record version %d", h.Version))
	}

	kind := EventKind(h.Kind)
	ev := Event{
		TsNs: h.TsNs,
		Kind: kind,
		Pid:  h.Pid,
		Tgid: h.Tgid,
		Ppid: h.Ppid,
		Comm: commString(h.Comm),
	}

	switch kind {
	case EventFork, EventExec:
		// no kind-specific trailer
	case EventExit:
		var ec int32
		if err := binary.Read(r, binary.LittleEndian, &ec); err != nil {
			return Event{}, daemonerr.New(daemonerr.Decode, "kernel.Decode", err)
		}
		ev.ExitCode = &ec
	case EventRSSSample:
		var rss uint64
		if err := binary.Read(r, binary.LittleEndian, &rss); err != nil {
			return Event{}, daemonerr.New(daemonerr.Decode, "kernel.Decode", err)
		}
		ev.RSSBytes = &rss
	case EventCPUSample:
		var delta uint64
		if err := binary.Read(r, binary.LittleEndian, &delta); err != nil {
			return Event{}, daemonerr.New(daemonerr.Decode, "kernel.Decode", err)
		}
		ev.CPUNsDelta = &delta
	default:
		return Event{}, daemonerr.New(daemonerr.Decode, "kernel.Decode",
			fmt.Errorf("unknown event kind %d", h.Kind))
	}

	if r.Len() >= 2 {
		var cgLen uint16
		if err := binary.Read(r, binary.LittleEndian, &cgLen); err == nil && cgLen > 0 {
			n := int(cgLen)
			if n > cgroupPathMax {
				n = cgroupPathMax
			}
			buf := make([]byte, n)
			if _, err := io.ReadFull(r, buf); err == nil {
				ev.CgroupPath = string(buf)
			}
		}
	}

	return ev, nil
}

// Encode is Decode's inverse, used by the mock ring source and round-trip
// tests. It is not on the hot ingestion path.
func Encode(ev Event) []byte {
	var buf bytes.Buffer

	var comm [16]byte
	copy(comm[:], ev.Comm)

	h := wireHeader{
		Version: wireVersion,
		Kind:    uint8(ev.Kind),
		TsNs:    ev.TsNs,
		Pid:     ev.Pid,
		Tgid:    ev.Tgid,
		Ppid:    ev.Ppid,
		Comm:    comm,
	}
	_ = binary.Write(&buf, binary.LittleEndian, &h)

	switch ev.Kind {
	case EventExit:
		var ec int32
		if ev.ExitCode != nil {
			ec = *ev.ExitCode
		}
		_ = binary.Write(&buf, binary.LittleEndian, ec)
	case EventRSSSample:
		var rss uint64
		if ev.RSSBytes != nil {
			rss = *ev.RSSBytes
		}
		_ = binary.Write(&buf, binary.LittleEndian, rss)
	case EventCPUSample:
		var delta uint64
		if ev.CPUNsDelta != nil {
			delta = *ev.CPUNsDelta
		}
		_ = binary.Write(&buf, binary.LittleEndian, delta)
	}

	if ev.CgroupPath != "" {
		path := ev.CgroupPath
		if len(path) > cgroupPathMax {
			path = path[:cgroupPathMax]
		}
		_ = binary.Write(&buf, binary.LittleEndian, uint16(len(path)))
		buf.WriteString(path)
	}

	return buf.Bytes()
}

func commString(raw [16]byte) string {
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i])
		}
	}
	return string(raw[:])
}

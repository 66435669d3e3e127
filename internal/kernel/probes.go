package kernel

import (
	"fmt"
	"log/slog"

	"github.com/cilium/ebpf/link"

	"github.com/linnixhq/linnixd/internal/config"
	"github.com/linnixhq/linnixd/internal/daemonerr"
)

// Attach loads the eBPF object (see bpf_mock.go) and attaches the mandatory
// lifecycle probe plus whichever optional probes cfg enables. The lifecycle
// probe is mandatory: a failure there is a fatal ProbeAttach error per spec
// §7. Optional probe failures are logged and counted, never fatal.
func Attach(cfg config.ProbesConfig) ([]RingSource, []link.Link, *DrainerCounters, error) {
	counters := &DrainerCounters{}

	objs := linnixObjects{}
	if err := loadLinnixObjects(&objs, nil); err != nil {
		return nil, nil, counters, daemonerr.New(daemonerr.ProbeAttach, "kernel.Attach", err)
	}

	var links []link.Link
	var sources []RingSource

	forkLink, err := link.Tracepoint("sched", "sched_process_fork", objs.TraceSchedProcessFork, nil)
	if err != nil {
		objs.Close()
		return nil, nil, counters, daemonerr.New(daemonerr.ProbeAttach, "kernel.Attach", fmt.Errorf("mandatory lifecycle probe: %w", err))
	}
	links = append(links, forkLink)

	lifecycleSrc, err := NewCiliumRingSource("lifecycle", objs.LifecycleEvents)
	if err != nil {
		closeAll(links)
		objs.Close()
		return nil, nil, counters, daemonerr.New(daemonerr.ProbeAttach, "kernel.Attach", fmt.Errorf("mandatory lifecycle ring: %w", err))
	}
	sources = append(sources, lifecycleSrc)
	counters.ProbesAttached.Add(1)

	if cfg.EnableNetwork {
		l, err := link.Tracepoint("net", "net_dev_queue", objs.TraceNetDevQueue, nil)
		if err != nil {
			slog.Warn("kernel: network probe attach failed, continuing without it", "error", err)
			counters.ProbesSkipped.Add(1)
		} else {
			links = append(links, l)
			if src, err := NewCiliumRingSource("network", objs.NetworkEvents); err == nil {
				sources = append(sources, src)
				counters.ProbesAttached.Add(1)
			} else {
				counters.ProbesSkipped.Add(1)
			}
		}
	}

	if cfg.EnableBlockIO {
		l, err := link.Tracepoint("block", "block_rq_issue", objs.TraceBlockRqIssue, nil)
		if err != nil {
			slog.Warn("kernel: block I/O probe attach failed, continuing without it", "error", err)
			counters.ProbesSkipped.Add(1)
		} else {
			links = append(links, l)
			if src, err := NewCiliumRingSource("block_io", objs.BlockIOEvents); err == nil {
				sources = append(sources, src)
				counters.ProbesAttached.Add(1)
			} else {
				counters.ProbesSkipped.Add(1)
			}
		}
	}

	if cfg.EnablePageFaults {
		l, err := link.Tracepoint("exceptions", "page_fault_user", objs.TracePageFaultUser, nil)
		if err != nil {
			slog.Warn("kernel: page fault probe attach failed, continuing without it", "error", err)
			counters.ProbesSkipped.Add(1)
		} else {
			links = append(links, l)
			if src, err := NewCiliumRingSource("page_fault", objs.PageFaultEvents); err == nil {
				sources = append(sources, src)
				counters.ProbesAttached.Add(1)
			} else {
				counters.ProbesSkipped.Add(1)
			}
		}
	}

	return sources, links, counters, nil
}

func closeAll(links []link.Link) {
	for _, l := range links {
		_ = l.Close()
	}
}

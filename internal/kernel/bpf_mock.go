package kernel

// This file stands in for the output of bpf2go, which this repo does not
// run (the eBPF object code is an external collaborator per spec — only its
// byte-record and attach/detach contract is in scope here). A real build
// replaces this file with generated bindings for the compiled probe object.

import (
	"github.com/cilium/ebpf"
)

type linnixObjects struct {
	linnixPrograms
	linnixMaps
}

func (o *linnixObjects) Close() error {
	return nil
}

type linnixPrograms struct {
	TraceSchedProcessFork *ebpf.Program `ebpf:"trace_sched_process_fork"`
	TraceSchedProcessExec *ebpf.Program `ebpf:"trace_sched_process_exec"`
	TraceSchedProcessExit *ebpf.Program `ebpf:"trace_sched_process_exit"`
	TraceMemRSSStat       *ebpf.Program `ebpf:"trace_mem_rss_stat"`
	TraceSchedSwitch      *ebpf.Program `ebpf:"trace_sched_switch"`
	TraceNetDevQueue      *ebpf.Program `ebpf:"trace_net_dev_queue"`
	TraceBlockRqIssue     *ebpf.Program `ebpf:"trace_block_rq_issue"`
	TracePageFaultUser    *ebpf.Program `ebpf:"trace_page_fault_user"`
}

type linnixMaps struct {
	LifecycleEvents *ebpf.Map `ebpf:"lifecycle_events"`
	NetworkEvents   *ebpf.Map `ebpf:"network_events"`
	BlockIOEvents   *ebpf.Map `ebpf:"block_io_events"`
	PageFaultEvents *ebpf.Map `ebpf:"page_fault_events"`
}

func loadLinnixObjects(_ interface{}, _ *ebpf.CollectionOptions) error {
	return nil
}

package main

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// clockTicksPerSec matches the kernel's USER_HZ on every Linux platform Go
// supports; there is no portable way to read it other than sysconf(3), which
// cgo would be needed for, so the universal constant is used directly.
const clockTicksPerSec = 100

// selfCPUSeconds reads utime+stime for this process from /proc/self/stat and
// converts clock ticks to seconds, the same field layout parseProcStat in
// the process store already relies on.
func selfCPUSeconds() float64 {
	data, err := os.ReadFile("/proc/self/stat")
	if err != nil {
		return 0
	}
	line := string(data)
	close := strings.LastIndexByte(line, ')')
	if close < 0 {
		return 0
	}
	rest := strings.Fields(line[close+1:])
	// rest[0]=state rest[1]=ppid ... rest[11]=utime rest[12]=stime (0-indexed
	// from rest[0]=state, so utime is rest index 11 counting from state).
	const utimeIdx, stimeIdx = 11, 12
	if len(rest) <= stimeIdx {
		return 0
	}
	utime, err1 := strconv.ParseUint(rest[utimeIdx], 10, 64)
	stime, err2 := strconv.ParseUint(rest[stimeIdx], 10, 64)
	if err1 != nil || err2 != nil {
		return 0
	}
	return float64(utime+stime) / clockTicksPerSec
}

// selfRSSBytes reads the daemon's own resident set size from Go's runtime
// memory stats, a cheap and portable substitute for re-parsing /proc/self/statm.
func selfRSSBytes() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys
}

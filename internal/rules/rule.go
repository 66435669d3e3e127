// Package rules implements the declarative detector set: rule records
// loaded from config, evaluated against window projections, with per-subject
// cooldown and dedup state that survives a hot reload.
package rules

import (
	"github.com/linnixhq/linnixd/internal/alerts"
)

// Kind identifies which detector a Rule evaluates.
type Kind string

const (
	ForkRate      Kind = "FORK_RATE"
	ForkBurst     Kind = "FORK_BURST"
	ExecRate      Kind = "EXEC_RATE"
	ShortJobFlood Kind = "SHORT_JOB_FLOOD"
	RunawayTree   Kind = "RUNAWAY_TREE"
	MemGrowth     Kind = "MEM_GROWTH"
	CPUSubtree    Kind = "CPU_SUBTREE"
)

// GroupBy selects the subject-key grouping for detectors that support one.
type GroupBy string

const (
	GroupGlobal GroupBy = "global"
	GroupPPID   GroupBy = "ppid"
	GroupCgroup GroupBy = "cgroup"
)

// Severity is an alias of alerts.Severity so rule definitions and the
// alerts they produce share one ordering without rules importing back
// into alerts for anything but this type.
type Severity = alerts.Severity

const (
	Info     = alerts.Info
	Medium   = alerts.Medium
	High     = alerts.High
	Critical = alerts.Critical
)

// Rule is the declarative detector record from spec §3. Loaded at startup
// and hot-reloadable. The config loader does not default or reject zero
// *_seconds fields: the engine skips a rule whose WindowSeconds is zero, and
// a zero CooldownSeconds leaves no gap between firings.
type Rule struct {
	ID              string  `yaml:"id"`
	Kind            Kind    `yaml:"kind"`
	Threshold       float64 `yaml:"threshold"`
	WindowSeconds   uint32  `yaml:"window_seconds"`
	CooldownSeconds uint32  `yaml:"cooldown_seconds"`
	MinSeverity     string  `yaml:"min_severity"`
	GroupBy         GroupBy `yaml:"group_by,omitempty"`
	MaxLifetimeMs   uint64  `yaml:"max_lifetime_ms,omitempty"`
	RateBytesPerSec float64 `yaml:"rate_bytes_per_sec,omitempty"`
	RSSFloorBytes   uint64  `yaml:"rss_floor_bytes,omitempty"`
	MinSamples      uint32  `yaml:"min_samples,omitempty"`
	MessageTemplate string  `yaml:"message_template"`
}

// Severity parses MinSeverity, defaulting to Info on an unrecognized value.
func (r Rule) Severity() Severity {
	return alerts.ParseSeverity(r.MinSeverity)
}

// Command linnixd is the Linnix host-resident process-observability daemon:
// it attaches the kernel-layer probes, decodes and stores process lifecycle
// events, evaluates the rule engine against them, and serves the resulting
// snapshots and alert stream over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/joho/godotenv"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/linnixhq/linnixd/internal/alerts"
	"github.com/linnixhq/linnixd/internal/api"
	"github.com/linnixhq/linnixd/internal/config"
	"github.com/linnixhq/linnixd/internal/daemonerr"
	"github.com/linnixhq/linnixd/internal/hub"
	"github.com/linnixhq/linnixd/internal/kernel"
	"github.com/linnixhq/linnixd/internal/metrics"
	"github.com/linnixhq/linnixd/internal/reasoner"
	"github.com/linnixhq/linnixd/internal/rules"
	"github.com/linnixhq/linnixd/internal/snapshot"
	"github.com/linnixhq/linnixd/internal/store"
	"github.com/linnixhq/linnixd/internal/window"
)

// version is stamped at link time; left as a placeholder default otherwise.
var version = "dev"

func main() {
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		slog.Info(fmt.Sprintf(format, args...))
	})); err != nil {
		slog.Warn("main: GOMAXPROCS detection failed, leaving default", "error", err)
	}
	if _, err := memlimit.SetGoMemLimitWithOpts(memlimit.WithRatio(0.9)); err != nil {
		slog.Warn("main: GOMEMLIMIT detection failed, leaving default", "error", err)
	}

	_ = godotenv.Load()
	cfg := config.Get()

	if err := run(cfg); err != nil {
		var de *daemonerr.Error
		if ok := asDaemonErr(err, &de); ok {
			fmt.Fprintf(os.Stderr, "linnixd: %s\n", de.Error())
			os.Exit(daemonerr.StartupExitCode(de.Kind))
		}
		fmt.Fprintf(os.Stderr, "linnixd: %v\n", err)
		os.Exit(4)
	}
}

func asDaemonErr(err error, target **daemonerr.Error) bool {
	for err != nil {
		if de, ok := err.(*daemonerr.Error); ok {
			*target = de
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func run(cfg *config.Config) error {
	m := metrics.New()

	offline := &atomic.Bool{}
	offline.Store(cfg.Runtime.Offline)

	tagCache := store.NewTagCache(cfg.Tuning.TagCachePath, int(cfg.Tuning.TagCacheSize))
	st := store.New(
		time.Duration(cfg.Tuning.ReorderWindowMs)*time.Millisecond,
		time.Duration(cfg.Tuning.ProcessGCHorizonS)*time.Second,
		int(cfg.Tuning.LineageMaxDepth),
		int(cfg.Tuning.MaxDescendants),
		tagCache,
	)
	if err := st.BackfillFromProc(uint64(time.Now().UnixNano())); err != nil {
		slog.Warn("main: /proc backfill failed, starting from an empty process table", "error", err)
	}

	win := window.New(time.Duration(cfg.Telemetry.RetentionSeconds)*time.Second, int(cfg.Telemetry.WindowEntriesMax))

	sources, links, probeCounters, err := kernel.Attach(cfg.Probes)
	if err != nil {
		return err
	}
	defer func() {
		for _, l := range links {
			_ = l.Close()
		}
	}()
	drainer := kernel.NewDrainer(sources, cfg.Tuning.RingChannelCapacity)

	engine := rules.NewEngine(win, st, runtimeCores(), cfg.Rules.Rules)
	if cfg.Rules.Path != "" {
		watcher := config.NewWatcher(cfg.Rules.Path, 5*time.Second, engine.SetRules)
		if err := watcher.Start(); err != nil {
			return daemonerr.New(daemonerr.Config, "main.run", err)
		}
		defer watcher.Stop()
	}

	bus := alerts.New(int(cfg.Tuning.AlertRingSize))
	h := hub.New(int(cfg.Tuning.SubscriberQueueSize), time.Duration(cfg.Tuning.DisconnectAfterS)*time.Second, m)

	var redisMirror *alerts.RedisMirror
	if cfg.Outputs.Redis.Enabled {
		rm, err := alerts.NewRedisMirror(cfg.Outputs.Redis.Addr, cfg.Outputs.Redis.Password, cfg.Outputs.Redis.DB, int(cfg.Tuning.AlertRingSize))
		if err != nil {
			slog.Warn("main: redis alert mirror unavailable, falling back to in-memory ring only", "error", err)
		} else {
			redisMirror = rm
			defer redisMirror.Close()
			if err := redisMirror.LoadInto(bus); err != nil {
				slog.Warn("main: redis alert mirror replay failed", "error", err)
			}
			bus.SetOnMirror(redisMirror.Mirror)
		}
	}

	var reasonerClient *reasoner.Client
	if cfg.Reasoner.Enabled {
		reasonerClient = reasoner.New(
			cfg.Reasoner.Endpoint, cfg.Reasoner.Model, cfg.Reasoner.WindowSeconds,
			time.Duration(cfg.Reasoner.TimeoutMs)*time.Millisecond, offline,
		)
	}

	bus.SetOnPublish(func(sa alerts.SequencedAlert) {
		h.Publish(hub.SubjectAlerts, "alert", sa)
	})
	engine.SetOnFire(func(a alerts.Alert) {
		sa := bus.Publish(a)
		m.IncAlertsEmitted()
		if reasonerClient != nil {
			reasonerClient.AnnotateAsync(sa.Alert, bus)
		}
	})

	builder := snapshot.New(st, win, bus, engine, m, version)
	server := api.NewServer(builder, h, m)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	drainer.Start()
	go consumeEvents(shutdownCtx, drainer, st, win, engine, m)
	go tickEngine(shutdownCtx, engine, st, win, drainer, probeCounters, h, m, cfg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("linnixd starting", "addr", cfg.Server.Addr, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-sigChan:
		slog.Info("main: shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return daemonerr.New(daemonerr.IO, "main.run", fmt.Errorf("bind failed: %w", err))
		}
	}

	return shutdown(cfg, httpServer, drainer, engine, h, tagCache, cancel)
}

// consumeEvents is the Process Store's single writer: it applies every
// decoded event to the Store and Window and drives the Rule Engine,
// exactly the single-writer actor pattern spec §5 requires.
func consumeEvents(ctx context.Context, d *kernel.Drainer, st *store.Store, win *window.Window, engine *rules.Engine, m *metrics.Metrics) {
	for {
		select {
		case ev, ok := <-d.Out():
			if !ok {
				return
			}
			m.IncEvents(ev.Kind.String())
			st.Apply(ev)
			win.Append(window.ProjectionOf(ev))
			engine.OnEvent(ev)
		case <-ctx.Done():
			return
		}
	}
}

// tickEngine drives the time-based passes: rule re-evaluation, GC, window
// eviction, the operator counter sync spec §6 surfaces, and the resource
// cap degradation spec §5 requires. Its own cadence is the "sampling
// frequency" the CPU soft cap halves, so it runs off a resettable timer
// rather than a fixed ticker.
func tickEngine(ctx context.Context, engine *rules.Engine, st *store.Store, win *window.Window, d *kernel.Drainer, pc *kernel.DrainerCounters, h *hub.Hub, m *metrics.Metrics, cfg *config.Config) {
	const baseInterval = time.Second
	const maxInterval = 8 * time.Second
	interval := baseInterval
	m.SetSamplingIntervalMs(uint32(interval.Milliseconds()))

	timer := time.NewTimer(interval)
	defer timer.Stop()

	var lastLineageGaps, lastPidReuse, lastStoreInvariants uint64
	var lastDecodeErrors, lastEventsDropped uint64
	var prevCPUSeconds float64
	var prevTick time.Time
	var rssCapTrimmed bool

	for {
		select {
		case tickTime := <-timer.C:
			now := uint64(tickTime.UnixNano())
			win.Tick(now)
			engine.Tick(now)
			st.GC(now)
			st.SweepPending(tickTime)

			m.SetProbeCounts(int(pc.ProbesAttached.Load()), int(pc.ProbesSkipped.Load()))
			drainDelta(&lastLineageGaps, st.Counters.LineageGapsTotal.Load(), m.IncLineageGaps)
			drainDelta(&lastPidReuse, st.Counters.PidReuseTotal.Load(), m.IncPidReuse)
			drainDelta(&lastStoreInvariants, st.Counters.StoreInvariantViolations.Load(), m.IncStoreInvariantViolations)
			drainDelta(&lastDecodeErrors, d.Counters().DecodeErrorsTotal.Load(), m.IncDecodeErrors)
			drainDelta(&lastEventsDropped, d.Counters().EventsDroppedTotal.Load(), func() { m.IncEventsDropped("channel_full") })

			cpuSeconds := selfCPUSeconds()
			rssBytes := selfRSSBytes()
			m.SetSelfResourceUsage(cpuSeconds, rssBytes)

			if !prevTick.IsZero() {
				if elapsed := tickTime.Sub(prevTick).Seconds(); elapsed > 0 {
					cpuPct := (cpuSeconds - prevCPUSeconds) / elapsed * 100
					rssCapTrimmed = enforceRSSCap(cfg, win, h, m, rssBytes, rssCapTrimmed)
					interval = enforceCPUCap(cfg, m, cpuPct, interval, baseInterval, maxInterval)
				}
			}
			prevCPUSeconds = cpuSeconds
			prevTick = tickTime

			timer.Reset(interval)
		case <-ctx.Done():
			return
		}
	}
}

// enforceRSSCap is the RSS soft-cap degradation path spec §5 describes:
// trim the window first, and only once that's already happened, start
// shedding the oldest subscribers one per tick while the cap is still
// breached.
func enforceRSSCap(cfg *config.Config, win *window.Window, h *hub.Hub, m *metrics.Metrics, rssBytes uint64, alreadyTrimmed bool) bool {
	if cfg.Tuning.RSSSoftCapBytes == 0 || rssBytes <= cfg.Tuning.RSSSoftCapBytes {
		return alreadyTrimmed
	}

	if !alreadyTrimmed {
		evicted := win.ReduceCap(0.5)
		m.IncWindowTrim()
		slog.Warn("main: RSS soft cap breached, window trimmed",
			"rss_bytes", rssBytes, "cap_bytes", cfg.Tuning.RSSSoftCapBytes,
			"evicted", evicted, "new_max_entries", win.MaxEntries())
		return true
	}

	shed := h.ShedOldest(1)
	if shed > 0 {
		slog.Warn("main: RSS soft cap still breached after window trim, subscriber shed",
			"rss_bytes", rssBytes, "cap_bytes", cfg.Tuning.RSSSoftCapBytes)
	}
	return true
}

// enforceCPUCap is the CPU soft-cap degradation path: halve the
// housekeeping tick frequency (double its interval, bounded by maxInterval)
// while self CPU usage stays above the cap, and restore full frequency once
// it recovers.
func enforceCPUCap(cfg *config.Config, m *metrics.Metrics, cpuPct float64, interval, baseInterval, maxInterval time.Duration) time.Duration {
	if cfg.Tuning.CPUSoftCapPct == 0 {
		return interval
	}

	if cpuPct > cfg.Tuning.CPUSoftCapPct {
		next := interval * 2
		if next > maxInterval {
			next = maxInterval
		}
		if next != interval {
			m.IncSamplingHalved()
			slog.Warn("main: CPU soft cap breached, sampling frequency halved",
				"cpu_pct", cpuPct, "cap_pct", cfg.Tuning.CPUSoftCapPct, "new_interval", next)
		}
		m.SetSamplingIntervalMs(uint32(next.Milliseconds()))
		return next
	}

	if interval != baseInterval {
		m.SetSamplingIntervalMs(uint32(baseInterval.Milliseconds()))
	}
	return baseInterval
}

// drainDelta bridges a monotonically increasing cumulative counter onto an
// Inc()-shaped metrics method, calling it once per unit of increase since
// the last tick.
func drainDelta(last *uint64, cur uint64, inc func()) {
	for cur > *last {
		inc()
		*last++
	}
}

func runtimeCores() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	return n
}

// shutdown runs the graceful teardown sequence spec §5 describes: drainer
// stop, channel drain, engine final tick, hub bye + close, all bounded by
// the configured shutdown grace period.
func shutdown(cfg *config.Config, httpServer *http.Server, drainer *kernel.Drainer, engine *rules.Engine, h *hub.Hub, tc *store.TagCache, cancelConsumers context.CancelFunc) error {
	grace := time.Duration(cfg.Runtime.ShutdownGraceS) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Warn("main: http server shutdown did not complete cleanly", "error", err)
	}

	drainer.Stop()
	cancelConsumers()

	engine.Tick(uint64(time.Now().UnixNano()))
	h.Shutdown()

	if tc != nil {
		if err := tc.Close(); err != nil {
			slog.Warn("main: tag cache flush failed", "error", err)
		}
	}

	slog.Info("main: shutdown complete")
	return nil
}

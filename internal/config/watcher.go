package config

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/linnixhq/linnixd/internal/rules"
)

// rulesDocument is the on-disk shape of a standalone rules file referenced
// by RulesConfig.Path.
type rulesDocument struct {
	Rules []rules.Rule `yaml:"rules"`
}

// Watcher polls a rules document for changes and hands the new set to a
// subscriber callback. It does not own cooldown state itself — the Rule
// Engine carries cooldown state across reload by matching rule ids, per
// spec §4.E; the watcher's only job is noticing the file changed and
// delivering the replacement list atomically.
type Watcher struct {
	path     string
	interval time.Duration
	onReload func([]rules.Rule)

	mu      sync.Mutex
	modTime time.Time

	stop chan struct{}
	done chan struct{}
}

// NewWatcher builds a watcher over path, polling every interval (the
// teacher's config hot-swap uses a poll loop rather than inotify, and this
// follows the same shape).
func NewWatcher(path string, interval time.Duration, onReload func([]rules.Rule)) *Watcher {
	return &Watcher{
		path:     path,
		interval: interval,
		onReload: onReload,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start loads the document once synchronously (so startup fails loudly if
// the path is broken) then begins polling in the background.
func (w *Watcher) Start() error {
	if w.path == "" {
		close(w.done)
		return nil
	}
	if err := w.reload(); err != nil {
		return err
	}
	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			info, err := os.Stat(w.path)
			if err != nil {
				slog.Warn("config: rules file stat failed", "path", w.path, "error", err)
				continue
			}
			w.mu.Lock()
			changed := info.ModTime().After(w.modTime)
			w.mu.Unlock()
			if !changed {
				continue
			}
			if err := w.reload(); err != nil {
				slog.Warn("config: rules reload failed, keeping active set", "path", w.path, "error", err)
			}
		}
	}
}

func (w *Watcher) reload() error {
	f, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	var doc rulesDocument
	if err := yaml.NewDecoder(f).Decode(&doc); err != nil {
		return err
	}

	w.mu.Lock()
	w.modTime = info.ModTime()
	w.mu.Unlock()

	w.onReload(doc.Rules)
	return nil
}

// Stop halts the poll loop and waits for it to exit.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

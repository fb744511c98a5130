package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ChangeFunc receives the effective difference between the running config and
// a freshly loaded one. It is only called when the diff is non-empty.
type ChangeFunc func(d ConfigDiff)

// Watcher polls a config file and reports effective changes through a
// [ChangeFunc]. Edits that leave the parsed config unchanged (comments,
// formatting, key order) are absorbed silently, and a file that fails to load
// or validate is reported once and otherwise ignored until it changes again.
type Watcher struct {
	path     string
	interval time.Duration
	onChange ChangeFunc

	mu      sync.Mutex
	current *Config
	seen    fileState // last file version that was examined, valid or not

	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// fileState identifies one version of the watched file.
type fileState struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

func (s fileState) matches(info os.FileInfo) bool {
	return info.ModTime().Equal(s.mtime) && info.Size() == s.size
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it. The initial load must succeed;
// later failures keep the last valid config.
func NewWatcher(path string, onChange ChangeFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := readConfigFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.seen = cfg, st

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling and waits for an in-progress check to finish, so the
// callback is never invoked after Stop returns. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	<-w.stopped
}

func (w *Watcher) poll() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	seen := w.seen
	w.mu.Unlock()
	if seen.matches(info) {
		return
	}

	cfg, st, err := readConfigFile(w.path)
	if st.sum == seen.sum {
		// Touched, not edited.
		w.remember(st)
		return
	}
	w.remember(st)
	if err != nil {
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	d := Diff(w.current, cfg)
	w.current = cfg
	w.mu.Unlock()

	if !d.Changed() {
		slog.Debug("config watcher: file changed without effect", "path", w.path)
		return
	}
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"restart_required", d.RestartRequired,
	)
	if w.onChange != nil {
		w.onChange(d)
	}
}

func (w *Watcher) remember(st fileState) {
	w.mu.Lock()
	w.seen = st
	w.mu.Unlock()
}

// readConfigFile loads and validates path. The returned fileState is filled
// in whenever the file could be read, even if the config is invalid.
func readConfigFile(path string) (*Config, fileState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fileState{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fileState{}, err
	}
	st := fileState{mtime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(data)}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, st, err
	}
	return cfg, st, nil
}

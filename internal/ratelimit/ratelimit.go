// Package ratelimit implements a sliding-window log limiter. Every checked
// action is appended to the identity's log before counting, so the action
// that crosses the threshold is itself recorded and rejected.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type Limiter interface {
	// ShouldLimit records an action for identity and reports whether it
	// exceeds the threshold within the trailing window.
	ShouldLimit(ctx context.Context, identity string) (bool, error)
}

type Config struct {
	Window    time.Duration
	Threshold int
}

// Window keeps per-identity event logs in process.
type Window struct {
	cfg  Config
	now  func() time.Time
	logs map[string][]time.Time
	mu   sync.Mutex

	cleanupInterval time.Duration
	stop            chan struct{}
	stopOnce        sync.Once
}

func NewWindow(cfg Config) *Window {
	w := newWindow(cfg, time.Now)
	go w.cleanup()
	return w
}

func newWindow(cfg Config, now func() time.Time) *Window {
	return &Window{
		cfg:             cfg,
		now:             now,
		logs:            make(map[string][]time.Time),
		cleanupInterval: 5 * time.Minute,
		stop:            make(chan struct{}),
	}
}

func (w *Window) ShouldLimit(ctx context.Context, identity string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	log := prune(append(w.logs[identity], now), now.Add(-w.cfg.Window))
	w.logs[identity] = log

	return len(log) > w.cfg.Threshold, nil
}

// Forget drops the log for identity.
func (w *Window) Forget(identity string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.logs, identity)
}

func (w *Window) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

func (w *Window) cleanup() {
	ticker := time.NewTicker(w.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

// sweep removes identities with no events inside the window.
func (w *Window) sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-w.cfg.Window)
	for id, log := range w.logs {
		if log = prune(log, cutoff); len(log) == 0 {
			delete(w.logs, id)
		} else {
			w.logs[id] = log
		}
	}
}

// prune drops entries at or before cutoff. Logs are in append order.
func prune(log []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return log
	}
	return append(log[:0], log[i:]...)
}

// Package connwatch tracks whether the configured model providers are
// reachable.
//
// This is distinct from httpkit's transport-level retry, which absorbs
// sub-second dial errors on a single request. connwatch watches for
// outages measured in seconds to minutes: a local Ollama restarting, a
// laptop changing networks, a hosted API having a bad afternoon.
//
// Each provider is probed in two phases:
//  1. Startup: exponential backoff (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling (every 60s), reporting transitions
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Prober checks whether a provider is reachable. llm.Client satisfies it.
type Prober interface {
	Ping(ctx context.Context) error
}

// Backoff controls probe timing.
type Backoff struct {
	// Initial is the delay before the first startup retry (default: 2s).
	Initial time.Duration

	// Max caps backoff growth (default: 60s).
	Max time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// StartupAttempts is how many probes the startup phase makes before
	// settling into polling (default: 10).
	StartupAttempts int

	// PollInterval is the background check interval (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout bounds each probe (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoff returns the standard probe schedule.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:         2 * time.Second,
		Max:             60 * time.Second,
		Multiplier:      2.0,
		StartupAttempts: 10,
		PollInterval:    60 * time.Second,
		ProbeTimeout:    10 * time.Second,
	}
}

func (b *Backoff) applyDefaults() {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Multiplier <= 0 {
		b.Multiplier = d.Multiplier
	}
	if b.StartupAttempts <= 0 {
		b.StartupAttempts = d.StartupAttempts
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
}

// next returns the delay that follows d.
func (b Backoff) next(d time.Duration) time.Duration {
	d = time.Duration(float64(d) * b.Multiplier)
	if d > b.Max {
		d = b.Max
	}
	return d
}

// ProviderStatus is the health of one provider, shaped for the health
// endpoint.
type ProviderStatus struct {
	Name                string    `json:"name"`
	Ready               bool      `json:"ready"`
	LastCheck           time.Time `json:"last_check"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures,omitempty"`
}

// ChangeFunc is called when a provider becomes reachable (err nil) or
// unreachable.
type ChangeFunc func(provider string, ready bool, err error)

type watched struct {
	name   string
	prober Prober

	mu        sync.Mutex
	ready     bool
	lastCheck time.Time
	lastErr   error
	failures  int
}

func (w *watched) status() ProviderStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := ProviderStatus{
		Name:                w.name,
		Ready:               w.ready,
		LastCheck:           w.lastCheck,
		ConsecutiveFailures: w.failures,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// record stores a probe result and reports whether readiness changed.
func (w *watched) record(err error) (changed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastCheck = time.Now()
	w.lastErr = err
	if err != nil {
		w.failures++
	} else {
		w.failures = 0
	}
	ready := err == nil
	changed = ready != w.ready
	w.ready = ready
	return changed
}

// Monitor watches a fixed set of providers.
type Monitor struct {
	backoff  Backoff
	onChange ChangeFunc
	logger   *slog.Logger

	mu        sync.RWMutex
	providers map[string]*watched
	started   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor. Zero Backoff fields take defaults;
// onChange may be nil.
func NewMonitor(backoff Backoff, onChange ChangeFunc, logger *slog.Logger) *Monitor {
	backoff.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		backoff:   backoff,
		onChange:  onChange,
		logger:    logger.With("component", "connwatch"),
		providers: make(map[string]*watched),
	}
}

// Add registers a provider. Providers added after Start are ignored.
func (m *Monitor) Add(name string, p Prober) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		m.logger.Warn("provider added after start, not watched", "provider", name)
		return
	}
	m.providers[name] = &watched{name: name, prober: p}
}

// Start launches one probe loop per provider. The loops stop when ctx is
// cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	for _, w := range m.providers {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.watch(ctx, w)
		}()
	}
}

// Stop cancels every probe loop and waits for them to exit.
func (m *Monitor) Stop() {
	m.mu.RLock()
	cancel := m.cancel
	m.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// Ready reports whether provider answered its most recent probe. An
// unknown provider is never ready.
func (m *Monitor) Ready(provider string) bool {
	m.mu.RLock()
	w, ok := m.providers[provider]
	m.mu.RUnlock()
	return ok && w.status().Ready
}

// Status returns every provider's health, keyed by name.
func (m *Monitor) Status() map[string]ProviderStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ProviderStatus, len(m.providers))
	for name, w := range m.providers {
		out[name] = w.status()
	}
	return out
}

// Names returns the watched providers, sorted.
func (m *Monitor) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Monitor) watch(ctx context.Context, w *watched) {
	logger := m.logger.With("provider", w.name)

	// Startup: back off until the provider answers or attempts run out.
	delay := m.backoff.Initial
	for attempt := 1; attempt <= m.backoff.StartupAttempts; attempt++ {
		err := m.probe(ctx, w)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			logger.Debug("startup probe succeeded", "after_attempts", attempt)
			break
		}
		if attempt == m.backoff.StartupAttempts {
			logger.Warn("provider unreachable at startup, polling in background",
				"attempts", attempt,
				"error", err,
			)
			break
		}
		logger.Debug("startup probe failed, retrying",
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = m.backoff.next(delay)
	}

	ticker := time.NewTicker(m.backoff.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.probe(ctx, w)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				logger.Debug("provider probe failed", "error", err)
			}
		}
	}
}

// probe runs one bounded probe, records it, and reports a transition.
func (m *Monitor) probe(ctx context.Context, w *watched) error {
	probeCtx, cancel := context.WithTimeout(ctx, m.backoff.ProbeTimeout)
	err := w.prober.Ping(probeCtx)
	cancel()
	if ctx.Err() != nil {
		// Shutting down; not a verdict on the provider.
		return err
	}

	if w.record(err) {
		if err == nil {
			m.logger.Info("provider became reachable", "provider", w.name)
		} else {
			m.logger.Warn("provider became unreachable", "provider", w.name, "error", err)
		}
		if m.onChange != nil {
			m.onChange(w.name, err == nil, err)
		}
	}
	return err
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

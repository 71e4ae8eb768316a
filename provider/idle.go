package provider

import (
	"context"
	"sync"
	"time"

	"vaultpilot/config"
	"vaultpilot/model"
)

// IdleTimeoutMonitor tracks how long a stateful backend conversation has sat
// idle. Backends expire server-side conversations after a hard limit; the
// monitor's threshold sits strictly below that limit so staleness is always
// detected locally before the backend forgets the conversation.
//
// Activity is recorded on every outbound send and on every streaming event,
// so a long-running streamed response keeps the conversation fresh.
type IdleTimeoutMonitor struct {
	mu           sync.Mutex
	lastActivity time.Time
	threshold    time.Duration

	// OnReconnect, when set, is invoked after a stale conversation has been
	// successfully recreated.
	OnReconnect func()

	// now is swappable for tests.
	now func() time.Time
}

// NewIdleTimeoutMonitor creates a monitor with the given staleness
// threshold. A non-positive threshold falls back to DefaultStaleThreshold.
func NewIdleTimeoutMonitor(threshold time.Duration) *IdleTimeoutMonitor {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	m := &IdleTimeoutMonitor{
		threshold: threshold,
		now:       time.Now,
	}
	m.lastActivity = m.now()
	return m
}

// Touch records activity now.
func (m *IdleTimeoutMonitor) Touch() {
	m.mu.Lock()
	m.lastActivity = m.now()
	m.mu.Unlock()
}

// Stale reports whether the conversation has been idle for at least the
// threshold.
func (m *IdleTimeoutMonitor) Stale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Sub(m.lastActivity) >= m.threshold
}

// IdleFor returns the time elapsed since the last recorded activity.
func (m *IdleTimeoutMonitor) IdleFor() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Sub(m.lastActivity)
}

// EnsureFresh checks staleness before a send and, when stale, invokes
// recreate to replace the backend conversation. Local history survives
// recreation; only the backend-side conversation is replaced. A recreation
// failure is fatal for the send and is reported as a SessionStaleError.
func (m *IdleTimeoutMonitor) EnsureFresh(ctx context.Context, recreate func(ctx context.Context) error) error {
	if !m.Stale() {
		return nil
	}
	config.DebugLog.Printf("idle monitor: conversation stale after %s, recreating", m.IdleFor().Round(time.Second))
	if err := recreate(ctx); err != nil {
		return &model.SessionStaleError{Err: err}
	}
	m.Touch()
	if m.OnReconnect != nil {
		m.OnReconnect()
	}
	return nil
}

// Package lifecycle owns the worker's background housekeeping: startup
// recovery and the timed-out session sweep.
package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// SessionSource reports sessions whose heartbeat has lapsed.
type SessionSource interface {
	TimedOut() []uint64
	Remove(session uint64)
}

// SessionCleaner reclaims the resources held by one session.
type SessionCleaner interface {
	CleanupSession(session uint64) error
}

// Manager periodically cleans up timed-out sessions.
type Manager struct {
	sessions SessionSource
	store    SessionCleaner
	logger   *zap.Logger
}

// NewManager creates a new lifecycle manager.
func NewManager(sessions SessionSource, store SessionCleaner, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sessions: sessions,
		store:    store,
		logger:   logger.Named("lifecycle"),
	}
}

// Run starts the periodic session cleanup loop.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep cleans every timed-out session once and returns how many were
// cleaned. A session whose cleanup fails stays tracked and is retried on the
// next sweep.
func (m *Manager) Sweep() int {
	cleaned := 0
	for _, id := range m.sessions.TimedOut() {
		if err := m.store.CleanupSession(id); err != nil {
			m.logger.Error("session cleanup failed", zap.Uint64("session_id", id), zap.Error(err))
			continue
		}
		m.sessions.Remove(id)
		cleaned++
	}
	if cleaned > 0 {
		m.logger.Info("timed-out sessions cleaned", zap.Int("count", cleaned))
	}
	return cleaned
}

// Package session tracks client session heartbeats.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/gftdcojp/tiered-block-store/internal/metrics"
	"go.uber.org/zap"
)

// Tracker records the last heartbeat of each session. A session that has
// not sent a heartbeat within the timeout is timed out.
type Tracker struct {
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger

	mu   sync.Mutex
	last map[uint64]time.Time
}

func NewTracker(timeout time.Duration, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		timeout: timeout,
		now:     time.Now,
		logger:  logger.Named("session"),
		last:    make(map[uint64]time.Time),
	}
}

// Heartbeat marks a session alive, registering it if new.
func (t *Tracker) Heartbeat(session uint64) {
	t.mu.Lock()
	_, known := t.last[session]
	t.last[session] = t.now()
	n := len(t.last)
	t.mu.Unlock()

	if !known {
		t.logger.Debug("session registered", zap.Uint64("session_id", session))
	}
	metrics.ActiveSessions.Set(float64(n))
}

// IsAlive reports whether the session has a heartbeat within the timeout.
func (t *Tracker) IsAlive(session uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.last[session]
	return ok && t.now().Sub(last) <= t.timeout
}

// TimedOut returns the sessions whose last heartbeat is older than the
// timeout, ascending.
func (t *Tracker) TimedOut() []uint64 {
	now := t.now()
	t.mu.Lock()
	var out []uint64
	for id, last := range t.last {
		if now.Sub(last) > t.timeout {
			out = append(out, id)
		}
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Remove forgets a session.
func (t *Tracker) Remove(session uint64) {
	t.mu.Lock()
	delete(t.last, session)
	n := len(t.last)
	t.mu.Unlock()
	metrics.ActiveSessions.Set(float64(n))
}

// Count returns the number of tracked sessions.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}

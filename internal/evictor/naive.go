package evictor

import (
	"github.com/gftdcojp/tiered-block-store/internal/event"
	"github.com/gftdcojp/tiered-block-store/internal/types"
	"go.uber.org/zap"
)

// Naive removes unlocked blocks in scan order. It keeps no state and never
// proposes moves.
type Naive struct {
	event.Nop
	md     Metadata
	locks  LockView
	logger *zap.Logger
}

func NewNaive(md Metadata, locks LockView, logger *zap.Logger) *Naive {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Naive{md: md, locks: locks, logger: logger}
}

func (e *Naive) FreeSpace(bytes int64, scope types.Location) (*Plan, error) {
	avail, done, err := start(e.md, bytes, scope)
	if err != nil || done != nil {
		return done, err
	}
	cands, err := scan(e.md, e.locks, scope)
	if err != nil {
		return nil, err
	}
	p, err := evictInOrder(cands, avail, bytes)
	if err != nil {
		return nil, err
	}
	e.logger.Debug("planned eviction",
		zap.Stringer("scope", scope),
		zap.Int64("bytes", bytes),
		zap.Int("evict", len(p.ToEvict)),
		zap.Int64("freed", p.Freed),
	)
	return p, nil
}

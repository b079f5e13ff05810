package evictor

import (
	"sort"
	"sync"

	"github.com/gftdcojp/tiered-block-store/internal/event"
	"github.com/gftdcojp/tiered-block-store/internal/types"
	"go.uber.org/zap"
)

// LFU evicts the least frequently accessed blocks first. Ties keep scan order.
type LFU struct {
	event.Nop
	md     Metadata
	locks  LockView
	logger *zap.Logger

	mu     sync.Mutex
	counts map[uint64]uint64
}

func NewLFU(md Metadata, locks LockView, logger *zap.Logger) *LFU {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LFU{md: md, locks: locks, logger: logger, counts: make(map[uint64]uint64)}
}

func (e *LFU) PostCommitBlock(_ uint64, b types.BlockMeta) {
	e.mu.Lock()
	e.counts[b.ID] = 0
	e.mu.Unlock()
}

func (e *LFU) PostRemoveBlock(_ uint64, b types.BlockMeta) {
	e.mu.Lock()
	delete(e.counts, b.ID)
	e.mu.Unlock()
}

func (e *LFU) OnAccessBlock(_, blockID uint64) {
	e.mu.Lock()
	e.counts[blockID]++
	e.mu.Unlock()
}

// Count returns the recorded access count of a block.
func (e *LFU) Count(blockID uint64) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts[blockID]
}

func (e *LFU) FreeSpace(bytes int64, scope types.Location) (*Plan, error) {
	avail, done, err := start(e.md, bytes, scope)
	if err != nil || done != nil {
		return done, err
	}
	cands, err := scan(e.md, e.locks, scope)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	counts := make([]uint64, len(cands))
	for i, c := range cands {
		counts[i] = e.counts[c.id]
	}
	e.mu.Unlock()

	idx := make([]int, len(cands))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return counts[idx[a]] < counts[idx[b]] })
	ordered := make([]candidate, len(cands))
	for i, j := range idx {
		ordered[i] = cands[j]
	}

	p, err := evictInOrder(ordered, avail, bytes)
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

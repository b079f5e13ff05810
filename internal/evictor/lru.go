package evictor

import (
	"fmt"

	"github.com/gftdcojp/tiered-block-store/internal/event"
	"github.com/gftdcojp/tiered-block-store/internal/meta"
	"github.com/gftdcojp/tiered-block-store/internal/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// maxTracked bounds the recency list. Blocks that fall off it are treated
// as least recently used, which is where they would be anyway.
const maxTracked = 1 << 20

// LRU evicts least recently used blocks first. When the scope is limited to
// a tier or a dir it moves blocks to a lower tier with room instead of
// removing them.
type LRU struct {
	md     Metadata
	locks  LockView
	logger *zap.Logger
	recent *lru.Cache[uint64, struct{}]
}

func NewLRU(md Metadata, locks LockView, logger *zap.Logger) (*LRU, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := lru.New[uint64, struct{}](maxTracked)
	if err != nil {
		return nil, fmt.Errorf("creating recency list: %w", err)
	}
	return &LRU{md: md, locks: locks, logger: logger, recent: c}, nil
}

func (e *LRU) touch(blockID uint64) { e.recent.Add(blockID, struct{}{}) }

func (e *LRU) PreCommitBlock(uint64, uint64, types.Location) {}

func (e *LRU) PostCommitBlock(_ uint64, b types.BlockMeta) { e.touch(b.ID) }

func (e *LRU) PreMoveBlock(uint64, uint64, types.Location, types.Location) {}

func (e *LRU) PostMoveBlock(uint64, types.BlockMeta, types.Location) {}

func (e *LRU) PreRemoveBlock(uint64, uint64) {}

func (e *LRU) PostRemoveBlock(_ uint64, b types.BlockMeta) { e.recent.Remove(b.ID) }

func (e *LRU) OnAccessBlock(_, blockID uint64) { e.touch(blockID) }

var (
	_ event.BlockMetaListener   = (*LRU)(nil)
	_ event.BlockAccessListener = (*LRU)(nil)
)

// order sorts candidates oldest first: untracked blocks in scan order, then
// tracked blocks from least to most recently used.
func (e *LRU) order(cands []candidate) []candidate {
	byID := make(map[uint64]candidate, len(cands))
	for _, c := range cands {
		byID[c.id] = c
	}
	out := make([]candidate, 0, len(cands))
	for _, c := range cands {
		if !e.recent.Contains(c.id) {
			out = append(out, c)
		}
	}
	for _, id := range e.recent.Keys() {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (e *LRU) FreeSpace(bytes int64, scope types.Location) (*Plan, error) {
	avail, done, err := start(e.md, bytes, scope)
	if err != nil || done != nil {
		return done, err
	}
	cands, err := scan(e.md, e.locks, scope)
	if err != nil {
		return nil, err
	}
	ordered := e.order(cands)

	var p *Plan
	if scope.IsAnyTier() {
		p, err = evictInOrder(ordered, avail, bytes)
	} else {
		p, err = e.demoteOrEvict(ordered, avail, bytes, scope.TierAlias())
	}
	if err != nil {
		return nil, err
	}
	e.logger.Debug("planned eviction",
		zap.Stringer("scope", scope),
		zap.Int64("bytes", bytes),
		zap.Int("move", len(p.ToMove)),
		zap.Int("evict", len(p.ToEvict)),
		zap.Int64("freed", p.Freed),
	)
	return p, nil
}

// demoteOrEvict walks candidates oldest first, moving each one to the first
// dir of a lower tier that still has room after earlier moves in this plan,
// and removing it otherwise.
func (e *LRU) demoteOrEvict(ordered []candidate, avail, bytes int64, alias int) (*Plan, error) {
	type slot struct {
		dir  *meta.StorageDir
		free int64
	}
	var slots []*slot
	for _, t := range e.md.Tiers() {
		if t.Alias() <= alias {
			continue
		}
		for _, d := range t.Dirs() {
			slots = append(slots, &slot{dir: d, free: d.AvailableBytes()})
		}
	}

	p := &Plan{Existing: avail}
	for _, c := range ordered {
		if avail+p.Freed >= bytes {
			break
		}
		moved := false
		for _, s := range slots {
			if s.free >= c.size {
				s.free -= c.size
				p.ToMove = append(p.ToMove, Move{BlockID: c.id, Dest: s.dir.Location()})
				moved = true
				break
			}
		}
		if !moved {
			p.ToEvict = append(p.ToEvict, c.id)
		}
		p.Freed += c.size
	}
	if avail+p.Freed < bytes {
		return nil, fmt.Errorf("need %d bytes, can free %d of %d missing: %w",
			bytes, p.Freed, bytes-avail, types.ErrInfeasible)
	}
	return p, nil
}

// Package evictor plans which committed blocks to move or remove so that a
// scope gains enough free bytes.
package evictor

import (
	"fmt"

	"github.com/gftdcojp/tiered-block-store/internal/meta"
	"github.com/gftdcojp/tiered-block-store/internal/types"
	"go.uber.org/zap"
)

// Move relocates one block as part of a plan.
type Move struct {
	BlockID uint64
	Dest    types.Location
}

// Plan lists moves and removals. Moves are applied before removals.
type Plan struct {
	ToMove   []Move
	ToEvict  []uint64
	Freed    int64 // bytes the plan frees in the requested scope
	Existing int64 // bytes already available in the scope when planned
}

// Empty reports whether the plan has nothing to do.
func (p *Plan) Empty() bool {
	return len(p.ToMove) == 0 && len(p.ToEvict) == 0
}

// BlockIDs returns every block touched by the plan, moves first.
func (p *Plan) BlockIDs() []uint64 {
	ids := make([]uint64, 0, len(p.ToMove)+len(p.ToEvict))
	for _, mv := range p.ToMove {
		ids = append(ids, mv.BlockID)
	}
	return append(ids, p.ToEvict...)
}

// Evictor proposes plans. Implementations may also implement the listeners
// in package event to learn about block activity.
type Evictor interface {
	// FreeSpace returns a plan that leaves at least bytes available in scope,
	// or ErrInfeasible if unlocked blocks in scope cannot cover it.
	FreeSpace(bytes int64, scope types.Location) (*Plan, error)
}

// Metadata is the read side of the metadata manager used for planning.
type Metadata interface {
	AvailableBytes(scope types.Location) (int64, error)
	DirsIn(scope types.Location) ([]*meta.StorageDir, error)
	Tiers() []*meta.StorageTier
}

// LockView reports whether a block has outstanding locks.
type LockView interface {
	IsLocked(blockID uint64) bool
}

// Policy names.
const (
	PolicyNaive = "naive"
	PolicyLRU   = "lru"
	PolicyLFU   = "lfu"
)

// New builds the evictor for a policy name.
func New(policy string, md Metadata, locks LockView, logger *zap.Logger) (Evictor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("evictor").With(zap.String("policy", policy))
	switch policy {
	case "", PolicyNaive:
		return NewNaive(md, locks, logger), nil
	case PolicyLRU:
		return NewLRU(md, locks, logger)
	case PolicyLFU:
		return NewLFU(md, locks, logger), nil
	default:
		return nil, fmt.Errorf("unknown eviction policy %q: %w", policy, types.ErrInvalidArgument)
	}
}

type candidate struct {
	id   uint64
	size int64
	loc  types.Location
}

// scan lists the unlocked committed blocks in scope in scan order: tiers by
// rank, dirs by index, blocks in dir iteration order.
func scan(md Metadata, locks LockView, scope types.Location) ([]candidate, error) {
	dirs, err := md.DirsIn(scope)
	if err != nil {
		return nil, err
	}
	var out []candidate
	for _, d := range dirs {
		for _, b := range d.Blocks() {
			if locks.IsLocked(b.ID) {
				continue
			}
			out = append(out, candidate{id: b.ID, size: b.Size, loc: b.Location})
		}
	}
	return out, nil
}

// start returns the bytes already available in scope and, if they suffice,
// an empty plan.
func start(md Metadata, bytes int64, scope types.Location) (int64, *Plan, error) {
	avail, err := md.AvailableBytes(scope)
	if err != nil {
		return 0, nil, err
	}
	if avail >= bytes {
		return avail, &Plan{Existing: avail}, nil
	}
	return avail, nil, nil
}

// evictInOrder removes candidates in the given order until the target is met.
func evictInOrder(ordered []candidate, avail, bytes int64) (*Plan, error) {
	p := &Plan{Existing: avail}
	for _, c := range ordered {
		if avail+p.Freed >= bytes {
			break
		}
		p.ToEvict = append(p.ToEvict, c.id)
		p.Freed += c.size
	}
	if avail+p.Freed < bytes {
		return nil, fmt.Errorf("need %d bytes, can free %d of %d missing: %w",
			bytes, p.Freed, bytes-avail, types.ErrInfeasible)
	}
	return p, nil
}

// Package event defines the hooks fired around block state transitions.
//
// Listeners are invoked synchronously, in registration order, while the
// caller holds the lock of the block being changed. They observe only and
// cannot stop the transition.
//
// While an eviction plan is applied every block in the plan is write-locked
// before the first change, so the hooks for one planned block fire while the
// other planned blocks are still locked by the evicting session. Listeners
// must not lock blocks themselves.
package event

import "github.com/gftdcojp/tiered-block-store/internal/types"

// BlockMetaListener observes commit, move and remove of committed blocks.
type BlockMetaListener interface {
	PreCommitBlock(session, blockID uint64, loc types.Location)
	PostCommitBlock(session uint64, b types.BlockMeta)
	PreMoveBlock(session, blockID uint64, from, to types.Location)
	PostMoveBlock(session uint64, b types.BlockMeta, from types.Location)
	PreRemoveBlock(session, blockID uint64)
	PostRemoveBlock(session uint64, b types.BlockMeta)
}

// BlockAccessListener observes reads of committed blocks.
type BlockAccessListener interface {
	OnAccessBlock(session, blockID uint64)
}

// Nop implements every listener method as a no-op. Embed it to implement
// only the hooks you need.
type Nop struct{}

func (Nop) PreCommitBlock(uint64, uint64, types.Location) {}
func (Nop) PostCommitBlock(uint64, types.BlockMeta) {}
func (Nop) PreMoveBlock(uint64, uint64, types.Location, types.Location) {}
func (Nop) PostMoveBlock(uint64, types.BlockMeta, types.Location) {}
func (Nop) PreRemoveBlock(uint64, uint64) {}
func (Nop) PostRemoveBlock(uint64, types.BlockMeta) {}
func (Nop) OnAccessBlock(uint64, uint64) {}

var (
	_ BlockMetaListener   = Nop{}
	_ BlockAccessListener = Nop{}
)

// Listeners is an ordered set of listeners. The zero value is empty and
// ready to use; it is not safe for concurrent Add.
type Listeners struct {
	meta   []BlockMetaListener
	access []BlockAccessListener
}

// Add registers l for every listener interface it implements and reports
// whether it implemented any.
func (ls *Listeners) Add(l any) bool {
	ok := false
	if m, isMeta := l.(BlockMetaListener); isMeta {
		ls.meta = append(ls.meta, m)
		ok = true
	}
	if a, isAccess := l.(BlockAccessListener); isAccess {
		ls.access = append(ls.access, a)
		ok = true
	}
	return ok
}

func (ls *Listeners) PreCommitBlock(session, blockID uint64, loc types.Location) {
	for _, l := range ls.meta {
		l.PreCommitBlock(session, blockID, loc)
	}
}

func (ls *Listeners) PostCommitBlock(session uint64, b types.BlockMeta) {
	for _, l := range ls.meta {
		l.PostCommitBlock(session, b)
	}
}

func (ls *Listeners) PreMoveBlock(session, blockID uint64, from, to types.Location) {
	for _, l := range ls.meta {
		l.PreMoveBlock(session, blockID, from, to)
	}
}

func (ls *Listeners) PostMoveBlock(session uint64, b types.BlockMeta, from types.Location) {
	for _, l := range ls.meta {
		l.PostMoveBlock(session, b, from)
	}
}

func (ls *Listeners) PreRemoveBlock(session, blockID uint64) {
	for _, l := range ls.meta {
		l.PreRemoveBlock(session, blockID)
	}
}

func (ls *Listeners) PostRemoveBlock(session uint64, b types.BlockMeta) {
	for _, l := range ls.meta {
		l.PostRemoveBlock(session, b)
	}
}

func (ls *Listeners) OnAccessBlock(session, blockID uint64) {
	for _, l := range ls.access {
		l.OnAccessBlock(session, blockID)
	}
}

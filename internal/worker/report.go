package worker

import (
	"sort"
	"sync"

	"github.com/gftdcojp/tiered-block-store/internal/event"
	"github.com/gftdcojp/tiered-block-store/internal/types"
)

// Report is the periodic summary a worker sends to its master: usage per
// tier and the block changes since the previous report.
type Report struct {
	WorkerID         string           `json:"worker_id"`
	UsedBytesOnTiers map[int]int64    `json:"used_bytes_on_tiers"`
	AddedBlocks      map[int][]uint64 `json:"added_blocks_on_tiers"`
	RemovedBlocks    []uint64         `json:"removed_blocks"`
}

// reportListener accumulates block changes between reports. A moved block
// is reported as added on its new tier.
type reportListener struct {
	event.Nop

	mu      sync.Mutex
	added   map[uint64]int
	removed map[uint64]struct{}
}

func newReportListener() *reportListener {
	return &reportListener{
		added:   make(map[uint64]int),
		removed: make(map[uint64]struct{}),
	}
}

func (r *reportListener) PostCommitBlock(_ uint64, b types.BlockMeta) {
	r.mu.Lock()
	r.added[b.ID] = b.Location.TierAlias()
	delete(r.removed, b.ID)
	r.mu.Unlock()
}

func (r *reportListener) PostMoveBlock(_ uint64, b types.BlockMeta, _ types.Location) {
	r.mu.Lock()
	r.added[b.ID] = b.Location.TierAlias()
	r.mu.Unlock()
}

func (r *reportListener) PostRemoveBlock(_ uint64, b types.BlockMeta) {
	r.mu.Lock()
	delete(r.added, b.ID)
	r.removed[b.ID] = struct{}{}
	r.mu.Unlock()
}

// drain returns the accumulated changes and starts a new period.
func (r *reportListener) drain() (map[int][]uint64, []uint64) {
	r.mu.Lock()
	added, removed := r.added, r.removed
	r.added = make(map[uint64]int)
	r.removed = make(map[uint64]struct{})
	r.mu.Unlock()

	byTier := make(map[int][]uint64)
	for id, tier := range added {
		byTier[tier] = append(byTier[tier], id)
	}
	for _, ids := range byTier {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	gone := make([]uint64, 0, len(removed))
	for id := range removed {
		gone = append(gone, id)
	}
	sort.Slice(gone, func(i, j int) bool { return gone[i] < gone[j] })
	return byTier, gone
}

package meta

import (
	"fmt"
	"sync"

	"github.com/gftdcojp/tiered-block-store/internal/types"
)

// DirConfig describes one storage directory at startup.
type DirConfig struct {
	Path          string
	CapacityBytes int64
}

// TierConfig describes one storage tier at startup. Directories keep the
// order they are given in; that order is the directory index.
type TierConfig struct {
	Alias int
	Name  string
	Dirs  []DirConfig
}

// StorageTier is a ranked set of directories. The directory set is fixed
// once the tier is built.
type StorageTier struct {
	alias int
	name  string
	dirs  []*StorageDir
}

func newStorageTier(cfg TierConfig) (*StorageTier, error) {
	if len(cfg.Dirs) == 0 {
		return nil, fmt.Errorf("tier %d has no directories", cfg.Alias)
	}
	t := &StorageTier{alias: cfg.Alias, name: cfg.Name}
	for i, dc := range cfg.Dirs {
		if dc.CapacityBytes <= 0 {
			return nil, fmt.Errorf("tier %d dir %d (%s): capacity must be > 0", cfg.Alias, i, dc.Path)
		}
		t.dirs = append(t.dirs, &StorageDir{
			tier:     t,
			index:    i,
			path:     dc.Path,
			capacity: dc.CapacityBytes,
			blocks:   make(map[uint64]*types.BlockMeta),
			temps:    make(map[uint64]*types.TempBlockMeta),
		})
	}
	return t, nil
}

func (t *StorageTier) Alias() int { return t.alias }

func (t *StorageTier) Name() string { return t.name }

// Dirs returns the tier's directories in index order.
func (t *StorageTier) Dirs() []*StorageDir {
	out := make([]*StorageDir, len(t.dirs))
	copy(out, t.dirs)
	return out
}

// Dir returns the directory at index, or nil.
func (t *StorageTier) Dir(index int) *StorageDir {
	if index < 0 || index >= len(t.dirs) {
		return nil
	}
	return t.dirs[index]
}

func (t *StorageTier) CapacityBytes() int64 {
	var n int64
	for _, d := range t.dirs {
		n += d.capacity
	}
	return n
}

func (t *StorageTier) AvailableBytes() int64 {
	var n int64
	for _, d := range t.dirs {
		n += d.AvailableBytes()
	}
	return n
}

// StorageDir is a fixed-capacity area holding committed and temporary blocks.
// All of its mutable state is guarded by mu.
type StorageDir struct {
	tier     *StorageTier
	index    int
	path     string
	capacity int64

	mu     sync.Mutex
	used   int64
	blocks map[uint64]*types.BlockMeta
	order  []uint64 // committed block ids, insertion order
	temps  map[uint64]*types.TempBlockMeta
}

func (d *StorageDir) Index() int { return d.index }

func (d *StorageDir) Path() string { return d.path }

func (d *StorageDir) Tier() *StorageTier { return d.tier }

func (d *StorageDir) Location() types.Location {
	return types.InDir(d.tier.alias, d.index)
}

func (d *StorageDir) CapacityBytes() int64 { return d.capacity }

func (d *StorageDir) UsedBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used
}

func (d *StorageDir) AvailableBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.capacity - d.used
}

// Blocks returns copies of the committed blocks in iteration order.
func (d *StorageDir) Blocks() []types.BlockMeta {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]types.BlockMeta, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, *d.blocks[id])
	}
	return out
}

// before orders directories globally by (tier alias, dir index). Code that
// holds two directory locks acquires them in this order.
func (d *StorageDir) before(o *StorageDir) bool {
	if d.tier.alias != o.tier.alias {
		return d.tier.alias < o.tier.alias
	}
	return d.index < o.index
}

// addUsedLocked changes the used counter; d.mu must be held.
func (d *StorageDir) addUsedLocked(delta int64) {
	d.used += delta
	if d.used < 0 || d.used > d.capacity {
		panic(fmt.Sprintf("invariant violated: dir %s used bytes %d outside [0, %d]", d.Location(), d.used, d.capacity))
	}
}

func (d *StorageDir) availableLocked() int64 {
	return d.capacity - d.used
}

func (d *StorageDir) addBlockLocked(b *types.BlockMeta) {
	if _, dup := d.blocks[b.ID]; dup {
		panic(fmt.Sprintf("invariant violated: block %d already in dir %s", b.ID, d.Location()))
	}
	d.blocks[b.ID] = b
	d.order = append(d.order, b.ID)
}

func (d *StorageDir) removeBlockLocked(id uint64) {
	delete(d.blocks, id)
	for i, bid := range d.order {
		if bid == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			return
		}
	}
}

func (d *StorageDir) snapshot() types.DirMeta {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]uint64, len(d.order))
	copy(ids, d.order)
	return types.DirMeta{
		Index:         d.index,
		Path:          d.path,
		CapacityBytes: d.capacity,
		UsedBytes:     d.used,
		BlockIDs:      ids,
	}
}

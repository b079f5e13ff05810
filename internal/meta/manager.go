package meta

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gftdcojp/tiered-block-store/internal/types"
	"go.uber.org/zap"
)

// Manager owns the in-memory topology of the store: tiers, their
// directories, and which directory holds each committed or temporary block.
//
// Counter and block-set mutations run under the mutex of the directory they
// touch; a relocation locks source and destination in (tier, dir) order.
// The block index has its own mutex, which is only ever taken while already
// holding directory locks or on its own.
type Manager struct {
	tiers   []*StorageTier // ascending alias
	byAlias map[int]*StorageTier
	logger  *zap.Logger

	idxMu sync.Mutex
	index map[uint64]*StorageDir
}

// NewManager builds the tier topology. Tiers are ranked by alias, smaller first.
func NewManager(tiers []TierConfig, logger *zap.Logger) (*Manager, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("no storage tiers configured")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		byAlias: make(map[int]*StorageTier),
		index:   make(map[uint64]*StorageDir),
		logger:  logger,
	}
	for _, tc := range tiers {
		if tc.Alias < 0 {
			return nil, fmt.Errorf("tier alias %d must not be negative", tc.Alias)
		}
		if _, dup := m.byAlias[tc.Alias]; dup {
			return nil, fmt.Errorf("duplicate tier alias %d", tc.Alias)
		}
		t, err := newStorageTier(tc)
		if err != nil {
			return nil, err
		}
		m.tiers = append(m.tiers, t)
		m.byAlias[t.alias] = t
	}
	sort.Slice(m.tiers, func(i, j int) bool { return m.tiers[i].alias < m.tiers[j].alias })
	return m, nil
}

// Tiers returns the tiers in rank order.
func (m *Manager) Tiers() []*StorageTier {
	out := make([]*StorageTier, len(m.tiers))
	copy(out, m.tiers)
	return out
}

func (m *Manager) Tier(alias int) (*StorageTier, error) {
	t, ok := m.byAlias[alias]
	if !ok {
		return nil, fmt.Errorf("tier %d: %w", alias, types.ErrNotFound)
	}
	return t, nil
}

func (m *Manager) Dir(alias, index int) (*StorageDir, error) {
	t, err := m.Tier(alias)
	if err != nil {
		return nil, err
	}
	d := t.Dir(index)
	if d == nil {
		return nil, fmt.Errorf("tier %d dir %d: %w", alias, index, types.ErrNotFound)
	}
	return d, nil
}

// DirsIn lists the directories within scope in scan order: tiers by rank,
// then directories by index.
func (m *Manager) DirsIn(scope types.Location) ([]*StorageDir, error) {
	if scope.IsAnyTier() {
		var out []*StorageDir
		for _, t := range m.tiers {
			out = append(out, t.dirs...)
		}
		return out, nil
	}
	if scope.IsAnyDir() {
		t, err := m.Tier(scope.TierAlias())
		if err != nil {
			return nil, err
		}
		return t.Dirs(), nil
	}
	d, err := m.Dir(scope.TierAlias(), scope.DirIndex())
	if err != nil {
		return nil, err
	}
	return []*StorageDir{d}, nil
}

// AvailableBytes sums free bytes over every directory within scope.
func (m *Manager) AvailableBytes(scope types.Location) (int64, error) {
	dirs, err := m.DirsIn(scope)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, d := range dirs {
		n += d.AvailableBytes()
	}
	return n, nil
}

// CapacityBytes sums capacity over every directory within scope.
func (m *Manager) CapacityBytes(scope types.Location) (int64, error) {
	dirs, err := m.DirsIn(scope)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, d := range dirs {
		n += d.capacity
	}
	return n, nil
}

func (m *Manager) locate(blockID uint64) *StorageDir {
	m.idxMu.Lock()
	defer m.idxMu.Unlock()
	return m.index[blockID]
}

func (m *Manager) setIndex(blockID uint64, d *StorageDir) {
	m.idxMu.Lock()
	if d == nil {
		delete(m.index, blockID)
	} else {
		m.index[blockID] = d
	}
	m.idxMu.Unlock()
}

// lockCommitted returns the directory holding a committed block with its
// mutex held. The index is always updated under the directory lock, so a
// miss after locking means the block moved and the lookup is retried.
func (m *Manager) lockCommitted(blockID uint64) (*StorageDir, *types.BlockMeta, error) {
	for {
		d := m.locate(blockID)
		if d == nil {
			return nil, nil, fmt.Errorf("block %d: %w", blockID, types.ErrNotFound)
		}
		d.mu.Lock()
		if b, ok := d.blocks[blockID]; ok {
			return d, b, nil
		}
		if _, ok := d.temps[blockID]; ok {
			d.mu.Unlock()
			return nil, nil, fmt.Errorf("block %d is not committed: %w", blockID, types.ErrNotFound)
		}
		d.mu.Unlock()
	}
}

// lockTemp is lockCommitted for a session's temporary block. Other sessions'
// temporary blocks are invisible.
func (m *Manager) lockTemp(session, blockID uint64) (*StorageDir, *types.TempBlockMeta, error) {
	for {
		d := m.locate(blockID)
		if d == nil {
			return nil, nil, fmt.Errorf("temp block %d: %w", blockID, types.ErrNotFound)
		}
		d.mu.Lock()
		if tb, ok := d.temps[blockID]; ok {
			if tb.Session != session {
				d.mu.Unlock()
				return nil, nil, fmt.Errorf("temp block %d of session %d: %w", blockID, session, types.ErrNotFound)
			}
			return d, tb, nil
		}
		if _, ok := d.blocks[blockID]; ok {
			d.mu.Unlock()
			return nil, nil, fmt.Errorf("block %d is already committed: %w", blockID, types.ErrNotFound)
		}
		d.mu.Unlock()
	}
}

// FindBlock reports where a block lives and whether it is committed.
func (m *Manager) FindBlock(blockID uint64) (types.Location, bool, error) {
	for {
		d := m.locate(blockID)
		if d == nil {
			return types.Location{}, false, fmt.Errorf("block %d: %w", blockID, types.ErrNotFound)
		}
		d.mu.Lock()
		_, committed := d.blocks[blockID]
		_, temp := d.temps[blockID]
		d.mu.Unlock()
		if committed || temp {
			return d.Location(), committed, nil
		}
	}
}

// HasBlock reports whether a committed block with this id exists.
func (m *Manager) HasBlock(blockID uint64) bool {
	_, committed, err := m.FindBlock(blockID)
	return err == nil && committed
}

func (m *Manager) GetBlock(blockID uint64) (types.BlockMeta, error) {
	d, b, err := m.lockCommitted(blockID)
	if err != nil {
		return types.BlockMeta{}, err
	}
	defer d.mu.Unlock()
	return *b, nil
}

func (m *Manager) GetTempBlock(session, blockID uint64) (types.TempBlockMeta, error) {
	d, tb, err := m.lockTemp(session, blockID)
	if err != nil {
		return types.TempBlockMeta{}, err
	}
	defer d.mu.Unlock()
	return *tb, nil
}

// ReserveTempBlock reserves initialBytes for a new temporary block in the
// first directory within scope that has room, scanning tiers by rank and
// directories by index.
func (m *Manager) ReserveTempBlock(session, blockID uint64, scope types.Location, initialBytes int64) (types.TempBlockMeta, error) {
	if initialBytes < 0 {
		return types.TempBlockMeta{}, fmt.Errorf("initial bytes %d: %w", initialBytes, types.ErrInvalidArgument)
	}
	dirs, err := m.DirsIn(scope)
	if err != nil {
		return types.TempBlockMeta{}, err
	}
	if m.locate(blockID) != nil {
		return types.TempBlockMeta{}, fmt.Errorf("block %d: %w", blockID, types.ErrAlreadyExists)
	}
	for _, d := range dirs {
		d.mu.Lock()
		if d.availableLocked() < initialBytes {
			d.mu.Unlock()
			continue
		}
		m.idxMu.Lock()
		if _, exists := m.index[blockID]; exists {
			m.idxMu.Unlock()
			d.mu.Unlock()
			return types.TempBlockMeta{}, fmt.Errorf("block %d: %w", blockID, types.ErrAlreadyExists)
		}
		m.index[blockID] = d
		m.idxMu.Unlock()

		tb := &types.TempBlockMeta{
			ID:       blockID,
			Session:  session,
			Size:     initialBytes,
			Location: d.Location(),
			Path:     types.TempBlockPath(d.path, session, blockID),
		}
		d.temps[blockID] = tb
		d.addUsedLocked(initialBytes)
		out := *tb
		d.mu.Unlock()

		m.logger.Debug("temp block reserved",
			zap.Uint64("block_id", blockID),
			zap.Uint64("session_id", session),
			zap.Stringer("dir", out.Location),
			zap.Int64("bytes", initialBytes),
		)
		return out, nil
	}
	return types.TempBlockMeta{}, fmt.Errorf("reserving %d bytes for block %d in %s: %w", initialBytes, blockID, scope, types.ErrOutOfSpace)
}

// GrowTempBlock extends a temporary block's reservation inside its own
// directory.
func (m *Manager) GrowTempBlock(session, blockID uint64, moreBytes int64) error {
	if moreBytes < 0 {
		return fmt.Errorf("additional bytes %d: %w", moreBytes, types.ErrInvalidArgument)
	}
	d, tb, err := m.lockTemp(session, blockID)
	if err != nil {
		return err
	}
	defer d.mu.Unlock()
	if d.availableLocked() < moreBytes {
		return fmt.Errorf("growing block %d by %d bytes in %s: %w", blockID, moreBytes, d.Location(), types.ErrOutOfSpace)
	}
	d.addUsedLocked(moreBytes)
	tb.Size += moreBytes
	return nil
}

// CommitTempBlock turns a temporary block into a committed block of the given
// final size, returning any over-reservation to the directory. The final size
// cannot exceed the reservation.
func (m *Manager) CommitTempBlock(session, blockID uint64, size int64) (types.BlockMeta, error) {
	d, tb, err := m.lockTemp(session, blockID)
	if err != nil {
		return types.BlockMeta{}, err
	}
	defer d.mu.Unlock()
	if size < 0 || size > tb.Size {
		return types.BlockMeta{}, fmt.Errorf("committing block %d with size %d over a %d-byte reservation: %w",
			blockID, size, tb.Size, types.ErrInvalidArgument)
	}
	d.addUsedLocked(size - tb.Size)
	delete(d.temps, blockID)
	b := &types.BlockMeta{
		ID:       blockID,
		Size:     size,
		Location: d.Location(),
		Path:     types.BlockPath(d.path, blockID),
	}
	d.addBlockLocked(b)
	return *b, nil
}

// AbortTempBlock discards a temporary block and releases its reservation.
func (m *Manager) AbortTempBlock(session, blockID uint64) (types.TempBlockMeta, error) {
	d, tb, err := m.lockTemp(session, blockID)
	if err != nil {
		return types.TempBlockMeta{}, err
	}
	defer d.mu.Unlock()
	d.addUsedLocked(-tb.Size)
	delete(d.temps, blockID)
	m.setIndex(blockID, nil)
	return *tb, nil
}

// RemoveBlock deletes a committed block's metadata and frees its bytes.
func (m *Manager) RemoveBlock(blockID uint64) (types.BlockMeta, error) {
	d, b, err := m.lockCommitted(blockID)
	if err != nil {
		return types.BlockMeta{}, err
	}
	defer d.mu.Unlock()
	d.removeBlockLocked(blockID)
	d.addUsedLocked(-b.Size)
	m.setIndex(blockID, nil)
	return *b, nil
}

// PlanRelocation picks the directory a committed block would move to without
// changing anything. A block already within dest stays where it is.
func (m *Manager) PlanRelocation(blockID uint64, dest types.Location) (types.Location, error) {
	dirs, err := m.DirsIn(dest)
	if err != nil {
		return types.Location{}, err
	}
	b, err := m.GetBlock(blockID)
	if err != nil {
		return types.Location{}, err
	}
	if b.Location.BelongsTo(dest) {
		return b.Location, nil
	}
	for _, d := range dirs {
		if d.AvailableBytes() >= b.Size {
			return d.Location(), nil
		}
	}
	return types.Location{}, fmt.Errorf("moving block %d (%d bytes) to %s: %w", blockID, b.Size, dest, types.ErrOutOfSpace)
}

// RelocateBlock moves a committed block into the first directory within dest
// that can hold it. Both directory counters change together or not at all.
func (m *Manager) RelocateBlock(blockID uint64, dest types.Location) (types.BlockMeta, error) {
	dirs, err := m.DirsIn(dest)
	if err != nil {
		return types.BlockMeta{}, err
	}
retry:
	for {
		src := m.locate(blockID)
		if src == nil {
			return types.BlockMeta{}, fmt.Errorf("block %d: %w", blockID, types.ErrNotFound)
		}
		if src.Location().BelongsTo(dest) {
			return m.GetBlock(blockID)
		}
		for _, dst := range dirs {
			first, second := src, dst
			if dst.before(src) {
				first, second = dst, src
			}
			first.mu.Lock()
			second.mu.Lock()

			b, ok := src.blocks[blockID]
			if !ok {
				_, temp := src.temps[blockID]
				second.mu.Unlock()
				first.mu.Unlock()
				if temp {
					return types.BlockMeta{}, fmt.Errorf("block %d is not committed: %w", blockID, types.ErrNotFound)
				}
				continue retry
			}
			if dst.availableLocked() < b.Size {
				second.mu.Unlock()
				first.mu.Unlock()
				continue
			}

			src.removeBlockLocked(blockID)
			src.addUsedLocked(-b.Size)
			nb := &types.BlockMeta{
				ID:       blockID,
				Size:     b.Size,
				Location: dst.Location(),
				Path:     types.BlockPath(dst.path, blockID),
			}
			dst.addBlockLocked(nb)
			dst.addUsedLocked(b.Size)
			m.setIndex(blockID, dst)
			out := *nb
			second.mu.Unlock()
			first.mu.Unlock()

			m.logger.Debug("block relocated",
				zap.Uint64("block_id", blockID),
				zap.Stringer("from", src.Location()),
				zap.Stringer("to", out.Location),
			)
			return out, nil
		}
		return types.BlockMeta{}, fmt.Errorf("moving block %d to %s: %w", blockID, dest, types.ErrOutOfSpace)
	}
}

// RestoreBlock registers a committed block discovered on disk at startup.
func (m *Manager) RestoreBlock(blockID uint64, loc types.Location, size int64) (types.BlockMeta, error) {
	if loc.IsAnyTier() || loc.IsAnyDir() {
		return types.BlockMeta{}, fmt.Errorf("restore location %s must name a directory: %w", loc, types.ErrInvalidArgument)
	}
	if size < 0 {
		return types.BlockMeta{}, fmt.Errorf("block size %d: %w", size, types.ErrInvalidArgument)
	}
	d, err := m.Dir(loc.TierAlias(), loc.DirIndex())
	if err != nil {
		return types.BlockMeta{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	m.idxMu.Lock()
	if _, exists := m.index[blockID]; exists {
		m.idxMu.Unlock()
		return types.BlockMeta{}, fmt.Errorf("block %d: %w", blockID, types.ErrAlreadyExists)
	}
	if d.availableLocked() < size {
		m.idxMu.Unlock()
		return types.BlockMeta{}, fmt.Errorf("restoring block %d (%d bytes) in %s: %w", blockID, size, loc, types.ErrOutOfSpace)
	}
	m.index[blockID] = d
	m.idxMu.Unlock()

	b := &types.BlockMeta{ID: blockID, Size: size, Location: loc, Path: types.BlockPath(d.path, blockID)}
	d.addBlockLocked(b)
	d.addUsedLocked(size)
	return *b, nil
}

// TempBlocksOf lists the ids of a session's temporary blocks in ascending order.
func (m *Manager) TempBlocksOf(session uint64) []uint64 {
	var ids []uint64
	for _, t := range m.tiers {
		for _, d := range t.dirs {
			d.mu.Lock()
			for id, tb := range d.temps {
				if tb.Session == session {
					ids = append(ids, id)
				}
			}
			d.mu.Unlock()
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot reports capacity, usage and committed blocks per tier and directory.
func (m *Manager) Snapshot() types.StoreMeta {
	sm := types.StoreMeta{Tiers: make([]types.TierMeta, 0, len(m.tiers))}
	for _, t := range m.tiers {
		tm := types.TierMeta{Alias: t.alias, Name: t.name}
		for _, d := range t.dirs {
			dm := d.snapshot()
			tm.CapacityBytes += dm.CapacityBytes
			tm.UsedBytes += dm.UsedBytes
			tm.Dirs = append(tm.Dirs, dm)
		}
		sm.Tiers = append(sm.Tiers, tm)
	}
	return sm
}

// Package lock grants per-block read/write locks to sessions.
package lock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gftdcojp/tiered-block-store/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// writerWeight is the full weight of a block semaphore. A reader takes 1,
// a writer takes all of it, so writers exclude everyone and readers share.
const writerWeight = 1 << 30

// BlockChecker reports whether a committed block exists.
type BlockChecker interface {
	HasBlock(blockID uint64) bool
}

type blockLock struct {
	sem  *semaphore.Weighted
	refs int // holders plus waiters
}

type grant struct {
	session uint64
	blockID uint64
	mode    types.LockMode
}

// Manager hands out lock ids. A lock id is valid from a successful
// LockBlock until the matching UnlockBlock or ReleaseSession.
type Manager struct {
	blocks BlockChecker
	logger *zap.Logger

	nextID atomic.Uint64

	mu     sync.Mutex
	locks  map[uint64]*blockLock // by block id
	grants map[uint64]grant      // by lock id
}

func NewManager(blocks BlockChecker, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		blocks: blocks,
		logger: logger.Named("lock"),
		locks:  make(map[uint64]*blockLock),
		grants: make(map[uint64]grant),
	}
}

func (m *Manager) acquireEntry(blockID uint64) *blockLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	bl, ok := m.locks[blockID]
	if !ok {
		bl = &blockLock{sem: semaphore.NewWeighted(writerWeight)}
		m.locks[blockID] = bl
	}
	bl.refs++
	return bl
}

// releaseEntryLocked drops one reference; m.mu must be held.
func (m *Manager) releaseEntryLocked(blockID uint64, bl *blockLock) {
	bl.refs--
	if bl.refs == 0 {
		delete(m.locks, blockID)
	}
}

func weight(mode types.LockMode) int64 {
	if mode == types.LockWrite {
		return writerWeight
	}
	return 1
}

// LockBlock blocks until the session holds the requested lock on blockID or
// ctx is done. The block must exist both before waiting and once granted.
func (m *Manager) LockBlock(ctx context.Context, session, blockID uint64, mode types.LockMode) (uint64, error) {
	if mode != types.LockRead && mode != types.LockWrite {
		return 0, fmt.Errorf("lock mode %d: %w", mode, types.ErrInvalidArgument)
	}
	if !m.blocks.HasBlock(blockID) {
		return 0, fmt.Errorf("lock block %d: %w", blockID, types.ErrNotFound)
	}

	bl := m.acquireEntry(blockID)
	w := weight(mode)
	if err := bl.sem.Acquire(ctx, w); err != nil {
		m.mu.Lock()
		m.releaseEntryLocked(blockID, bl)
		m.mu.Unlock()
		return 0, fmt.Errorf("lock block %d (%s): %w", blockID, mode, err)
	}

	// The block may have been removed while we waited.
	if !m.blocks.HasBlock(blockID) {
		bl.sem.Release(w)
		m.mu.Lock()
		m.releaseEntryLocked(blockID, bl)
		m.mu.Unlock()
		return 0, fmt.Errorf("lock block %d: %w", blockID, types.ErrNotFound)
	}

	id := m.nextID.Add(1)
	m.mu.Lock()
	m.grants[id] = grant{session: session, blockID: blockID, mode: mode}
	m.mu.Unlock()

	m.logger.Debug("lock granted",
		zap.Uint64("lock_id", id),
		zap.Uint64("session", session),
		zap.Uint64("block", blockID),
		zap.Stringer("mode", mode),
	)
	return id, nil
}

// TryLockBlock is LockBlock without waiting. It reports false if the lock
// is not immediately available.
func (m *Manager) TryLockBlock(session, blockID uint64, mode types.LockMode) (uint64, bool, error) {
	if mode != types.LockRead && mode != types.LockWrite {
		return 0, false, fmt.Errorf("lock mode %d: %w", mode, types.ErrInvalidArgument)
	}
	if !m.blocks.HasBlock(blockID) {
		return 0, false, fmt.Errorf("lock block %d: %w", blockID, types.ErrNotFound)
	}
	bl := m.acquireEntry(blockID)
	w := weight(mode)
	if !bl.sem.TryAcquire(w) {
		m.mu.Lock()
		m.releaseEntryLocked(blockID, bl)
		m.mu.Unlock()
		return 0, false, nil
	}
	if !m.blocks.HasBlock(blockID) {
		bl.sem.Release(w)
		m.mu.Lock()
		m.releaseEntryLocked(blockID, bl)
		m.mu.Unlock()
		return 0, false, fmt.Errorf("lock block %d: %w", blockID, types.ErrNotFound)
	}
	id := m.nextID.Add(1)
	m.mu.Lock()
	m.grants[id] = grant{session: session, blockID: blockID, mode: mode}
	m.mu.Unlock()
	return id, true, nil
}

// UnlockBlock releases a lock id. Unknown or already released ids return
// ErrInvalidHandle.
func (m *Manager) UnlockBlock(lockID uint64) error {
	m.mu.Lock()
	g, ok := m.grants[lockID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("unlock %d: %w", lockID, types.ErrInvalidHandle)
	}
	delete(m.grants, lockID)
	bl := m.locks[g.blockID]
	m.releaseEntryLocked(g.blockID, bl)
	m.mu.Unlock()

	bl.sem.Release(weight(g.mode))
	m.logger.Debug("lock released", zap.Uint64("lock_id", lockID), zap.Uint64("block", g.blockID))
	return nil
}

// Validate checks that lockID is live, belongs to session, covers blockID,
// and, if requireWrite is set, is a write lock.
func (m *Manager) Validate(session, blockID, lockID uint64, requireWrite bool) error {
	m.mu.Lock()
	g, ok := m.grants[lockID]
	m.mu.Unlock()
	if !ok || g.session != session || g.blockID != blockID {
		return fmt.Errorf("lock %d for session %d block %d: %w", lockID, session, blockID, types.ErrInvalidHandle)
	}
	if requireWrite && g.mode != types.LockWrite {
		return fmt.Errorf("lock %d is %s, write required: %w", lockID, g.mode, types.ErrInvalidHandle)
	}
	return nil
}

// IsLocked reports whether any session holds or waits on a lock for blockID.
func (m *Manager) IsLocked(blockID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.locks[blockID]
	return ok
}

// LocksOf returns the live lock ids of a session, ascending.
func (m *Manager) LocksOf(session uint64) []uint64 {
	m.mu.Lock()
	var ids []uint64
	for id, g := range m.grants {
		if g.session == session {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ReleaseSession releases every lock held by session and returns how many
// were released.
func (m *Manager) ReleaseSession(session uint64) int {
	n := 0
	for _, id := range m.LocksOf(session) {
		if err := m.UnlockBlock(id); err == nil {
			n++
		}
	}
	if n > 0 {
		m.logger.Info("released session locks", zap.Uint64("session", session), zap.Int("count", n))
	}
	return n
}

// Held returns the number of live lock ids.
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.grants)
}

// Package worker exposes the block store to clients. It translates the
// integer tier and lock encodings used on the wire into typed values and
// hands block paths to the byte I/O layer.
package worker

import (
	"context"
	"fmt"

	"github.com/gftdcojp/tiered-block-store/internal/blockio"
	"github.com/gftdcojp/tiered-block-store/internal/lifecycle"
	"github.com/gftdcojp/tiered-block-store/internal/session"
	"github.com/gftdcojp/tiered-block-store/internal/store"
	"github.com/gftdcojp/tiered-block-store/internal/types"
	"go.uber.org/zap"
)

// AnyTier selects any tier in tier arguments.
const AnyTier = -1

// Lock type encodings.
const (
	LockTypeRead  = 0
	LockTypeWrite = 1
)

// Config holds dependencies for the BlockDataManager.
type Config struct {
	WorkerID string
	Store    *store.Store
	Sessions *session.Tracker
	// Cleaner sweeps timed-out sessions. When nil one is built over
	// Sessions and Store.
	Cleaner *lifecycle.Manager
	Logger  *zap.Logger
}

// BlockDataManager is the client-facing surface of a worker's block store.
type BlockDataManager struct {
	workerID string
	store    *store.Store
	sessions *session.Tracker
	cleaner  *lifecycle.Manager
	report   *reportListener
	logger   *zap.Logger
}

func New(cfg Config) (*BlockDataManager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("block data manager requires a store")
	}
	if cfg.Sessions == nil {
		return nil, fmt.Errorf("block data manager requires a session tracker")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cleaner := cfg.Cleaner
	if cleaner == nil {
		cleaner = lifecycle.NewManager(cfg.Sessions, cfg.Store, logger)
	}
	m := &BlockDataManager{
		workerID: cfg.WorkerID,
		store:    cfg.Store,
		sessions: cfg.Sessions,
		cleaner:  cleaner,
		report:   newReportListener(),
		logger:   logger.Named("worker"),
	}
	cfg.Store.AddListener(m.report)
	return m, nil
}

// Location converts a tier argument into a location: AnyTier or a
// configured tier alias.
func (m *BlockDataManager) Location(tier int) (types.Location, error) {
	if tier == AnyTier {
		return types.AnyTier(), nil
	}
	if _, err := m.store.Meta().Tier(tier); err != nil {
		return types.Location{}, fmt.Errorf("tier %d: %w", tier, types.ErrInvalidArgument)
	}
	return types.AnyDirInTier(tier), nil
}

// LockMode converts a lock type argument into a lock mode.
func LockMode(lockType int) (types.LockMode, error) {
	switch lockType {
	case LockTypeRead:
		return types.LockRead, nil
	case LockTypeWrite:
		return types.LockWrite, nil
	default:
		return 0, fmt.Errorf("lock type %d: %w", lockType, types.ErrInvalidArgument)
	}
}

// CreateBlock reserves a temporary block and returns the path the client
// writes it to.
func (m *BlockDataManager) CreateBlock(ctx context.Context, session, blockID uint64, tier int, initialBytes int64) (string, error) {
	loc, err := m.Location(tier)
	if err != nil {
		return "", err
	}
	m.sessions.Heartbeat(session)
	tb, err := m.store.CreateBlock(ctx, session, blockID, loc, initialBytes)
	if err != nil {
		return "", err
	}
	return tb.Path, nil
}

// CreateBlockRemote reserves a temporary block and opens a writer on it for
// clients that stream the bytes through the worker.
func (m *BlockDataManager) CreateBlockRemote(ctx context.Context, session, blockID uint64, tier int, initialBytes int64) (*blockio.Writer, error) {
	path, err := m.CreateBlock(ctx, session, blockID, tier, initialBytes)
	if err != nil {
		return nil, err
	}
	w, err := blockio.OpenWriter(path)
	if err != nil {
		if aerr := m.store.AbortBlock(session, blockID); aerr != nil {
			m.logger.Warn("abort after failed open", zap.Uint64("block_id", blockID), zap.Error(aerr))
		}
		return nil, fmt.Errorf("create block %d: %w", blockID, err)
	}
	return w, nil
}

func (m *BlockDataManager) CommitBlock(session, blockID uint64) error {
	_, err := m.store.CommitBlock(session, blockID)
	return err
}

func (m *BlockDataManager) AbortBlock(session, blockID uint64) error {
	return m.store.AbortBlock(session, blockID)
}

func (m *BlockDataManager) RequestSpace(ctx context.Context, session, blockID uint64, moreBytes int64) error {
	return m.store.RequestSpace(ctx, session, blockID, moreBytes)
}

// LockBlock locks a committed block and returns the lock id.
func (m *BlockDataManager) LockBlock(ctx context.Context, session, blockID uint64, lockType int) (uint64, error) {
	mode, err := LockMode(lockType)
	if err != nil {
		return 0, err
	}
	m.sessions.Heartbeat(session)
	return m.store.LockBlock(ctx, session, blockID, mode)
}

func (m *BlockDataManager) UnlockBlock(lockID uint64) error {
	return m.store.UnlockBlock(lockID)
}

// ReadBlock returns the path of a committed block locked by the session.
func (m *BlockDataManager) ReadBlock(session, blockID, lockID uint64) (string, error) {
	b, err := m.store.GetBlockMeta(session, blockID, lockID)
	if err != nil {
		return "", err
	}
	return b.Path, nil
}

// ReadBlockRemote maps a committed block locked by the session read-only.
// The reader must be closed before the lock is released.
func (m *BlockDataManager) ReadBlockRemote(session, blockID, lockID uint64) (*blockio.Reader, error) {
	path, err := m.ReadBlock(session, blockID, lockID)
	if err != nil {
		return nil, err
	}
	r, err := blockio.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("read block %d: %w", blockID, err)
	}
	return r, nil
}

// MoveBlock moves a committed block into the given tier.
func (m *BlockDataManager) MoveBlock(ctx context.Context, session, blockID uint64, tier int) error {
	loc, err := m.Location(tier)
	if err != nil {
		return err
	}
	_, err = m.store.MoveBlock(ctx, session, blockID, loc)
	return err
}

// FreeBlock removes a committed block, waiting for its other users to let go.
func (m *BlockDataManager) FreeBlock(ctx context.Context, session, blockID uint64) error {
	lockID, err := m.store.LockBlock(ctx, session, blockID, types.LockWrite)
	if err != nil {
		return fmt.Errorf("free block %d: %w", blockID, err)
	}
	defer m.store.UnlockBlock(lockID)
	return m.store.RemoveBlock(session, blockID, lockID)
}

func (m *BlockDataManager) AccessBlock(session, blockID uint64) error {
	return m.store.AccessBlock(session, blockID)
}

func (m *BlockDataManager) SessionHeartbeat(session uint64) {
	m.sessions.Heartbeat(session)
}

// CleanupSessions cleans up every timed-out session and returns how many
// were cleaned.
func (m *BlockDataManager) CleanupSessions() int {
	return m.cleaner.Sweep()
}

// Cleaner returns the session sweeper, for running its periodic loop.
func (m *BlockDataManager) Cleaner() *lifecycle.Manager { return m.cleaner }

// StoreMeta returns per-tier and per-dir usage and the committed block ids.
func (m *BlockDataManager) StoreMeta() types.StoreMeta {
	return m.store.Snapshot()
}

// BlockMeta returns a committed block's metadata without a lock. Intended
// for administrative reads.
func (m *BlockDataManager) BlockMeta(blockID uint64) (types.BlockMeta, error) {
	return m.store.Meta().GetBlock(blockID)
}

// Report returns current tier usage and the blocks added and removed since
// the last report.
func (m *BlockDataManager) Report() Report {
	added, removed := m.report.drain()
	snap := m.store.Snapshot()
	used := make(map[int]int64, len(snap.Tiers))
	for _, t := range snap.Tiers {
		used[t.Alias] = t.UsedBytes
	}
	return Report{
		WorkerID:         m.workerID,
		UsedBytesOnTiers: used,
		AddedBlocks:      added,
		RemovedBlocks:    removed,
	}
}

func (m *BlockDataManager) WorkerID() string { return m.workerID }

// Package store implements the tiered block store: the block lifecycle on
// top of the metadata manager, the lock manager and an evictor.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"time"

	"github.com/gftdcojp/tiered-block-store/internal/event"
	"github.com/gftdcojp/tiered-block-store/internal/evictor"
	"github.com/gftdcojp/tiered-block-store/internal/lock"
	"github.com/gftdcojp/tiered-block-store/internal/meta"
	"github.com/gftdcojp/tiered-block-store/internal/metrics"
	"github.com/gftdcojp/tiered-block-store/internal/types"
	"go.uber.org/zap"
)

// FileOps performs the physical side of commit, move and remove. Paths come
// from block metadata.
type FileOps interface {
	// Size returns the current size of the file at path.
	Size(path string) (int64, error)
	// Create makes an empty file at path, creating its parent dirs.
	Create(path string) error
	// Move renames from to to, copying across filesystems if needed.
	Move(from, to string) error
	// Remove deletes a file or an empty directory. Missing paths are not an error.
	Remove(path string) error
}

// Config holds dependencies for the store.
type Config struct {
	Meta *meta.Manager
	// Policy selects the evictor when Evictor is nil.
	Policy  string
	Evictor evictor.Evictor
	// Files is nil for a metadata-only store.
	Files FileOps
	// LockTimeout is one deadline shared by all exclusive locks taken while
	// applying an eviction plan, not a per-lock bound. Zero waits as long as
	// the caller's context allows.
	LockTimeout time.Duration
	Logger      *zap.Logger
}

// Store orchestrates block creation, commit, abort, move and removal.
// Listeners must be registered before the store is shared.
type Store struct {
	meta        *meta.Manager
	locks       *lock.Manager
	evictor     evictor.Evictor
	files       FileOps
	listeners   event.Listeners
	lockTimeout time.Duration
	logger      *zap.Logger
}

func New(cfg Config) (*Store, error) {
	if cfg.Meta == nil {
		return nil, fmt.Errorf("store requires a metadata manager")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		meta:        cfg.Meta,
		locks:       lock.NewManager(cfg.Meta, logger),
		files:       cfg.Files,
		lockTimeout: cfg.LockTimeout,
		logger:      logger.Named("store"),
	}
	s.evictor = cfg.Evictor
	if s.evictor == nil {
		ev, err := evictor.New(cfg.Policy, cfg.Meta, s.locks, logger)
		if err != nil {
			return nil, err
		}
		s.evictor = ev
	}
	s.listeners.Add(s.evictor)

	for _, t := range cfg.Meta.Tiers() {
		for _, d := range t.Dirs() {
			s.observeDir(d)
		}
	}
	return s, nil
}

// AddListener registers l for each listener interface in package event it
// implements. It reports false if l implements none.
func (s *Store) AddListener(l any) bool {
	return s.listeners.Add(l)
}

func (s *Store) Meta() *meta.Manager { return s.meta }

func (s *Store) Locks() *lock.Manager { return s.locks }

func (s *Store) HasBlock(blockID uint64) bool { return s.meta.HasBlock(blockID) }

// Snapshot returns per-tier and per-dir usage and the committed block ids.
func (s *Store) Snapshot() types.StoreMeta {
	snap := s.meta.Snapshot()
	metrics.ObserveStore(snap)
	return snap
}

// CreateBlock reserves a temporary block of initialBytes in loc. If the
// reservation does not fit, it runs one eviction scoped to loc and retries
// once.
func (s *Store) CreateBlock(ctx context.Context, session, blockID uint64, loc types.Location, initialBytes int64) (types.TempBlockMeta, error) {
	if initialBytes < 0 {
		return types.TempBlockMeta{}, fmt.Errorf("initial bytes %d: %w", initialBytes, types.ErrInvalidArgument)
	}
	tb, err := s.meta.ReserveTempBlock(session, blockID, loc, initialBytes)
	if errors.Is(err, types.ErrOutOfSpace) {
		if ferr := s.freeSpace(ctx, session, initialBytes, loc); ferr != nil {
			metrics.BlockOps.WithLabelValues("create", "out_of_space").Inc()
			return types.TempBlockMeta{}, fmt.Errorf("create block %d: %w: %w", blockID, types.ErrOutOfSpace, ferr)
		}
		tb, err = s.meta.ReserveTempBlock(session, blockID, loc, initialBytes)
	}
	metrics.BlockOps.WithLabelValues("create", metrics.Status(err)).Inc()
	if err != nil {
		return types.TempBlockMeta{}, fmt.Errorf("create block %d: %w", blockID, err)
	}
	s.observeLocation(tb.Location)
	s.logger.Debug("block created",
		zap.Uint64("session_id", session),
		zap.Uint64("block_id", blockID),
		zap.Stringer("location", tb.Location),
		zap.Int64("bytes", initialBytes),
	)
	return tb, nil
}

// RequestSpace grows a temporary block in its own dir. On shortage it runs
// one eviction scoped to that dir and retries once.
func (s *Store) RequestSpace(ctx context.Context, session, blockID uint64, moreBytes int64) error {
	if moreBytes < 0 {
		return fmt.Errorf("request %d bytes: %w", moreBytes, types.ErrInvalidArgument)
	}
	err := s.meta.GrowTempBlock(session, blockID, moreBytes)
	if errors.Is(err, types.ErrOutOfSpace) {
		tb, gerr := s.meta.GetTempBlock(session, blockID)
		if gerr != nil {
			return gerr
		}
		dir, gerr := s.meta.Dir(tb.Location.TierAlias(), tb.Location.DirIndex())
		if gerr != nil {
			return gerr
		}
		if ferr := s.freeSpace(ctx, session, moreBytes, dir.Location()); ferr != nil {
			return fmt.Errorf("request space for block %d: %w: %w", blockID, types.ErrOutOfSpace, ferr)
		}
		err = s.meta.GrowTempBlock(session, blockID, moreBytes)
	}
	if err != nil {
		return fmt.Errorf("request space for block %d: %w", blockID, err)
	}
	if tb, err := s.meta.GetTempBlock(session, blockID); err == nil {
		s.observeLocation(tb.Location)
	}
	return nil
}

// CommitBlock makes a session's temporary block visible to all sessions.
// With file ops the committed size is the file's size, otherwise the
// reserved size. A temp file that was never written commits as an empty
// block and its whole reservation is returned.
func (s *Store) CommitBlock(session, blockID uint64) (types.BlockMeta, error) {
	b, err := s.commit(session, blockID)
	metrics.BlockOps.WithLabelValues("commit", metrics.Status(err)).Inc()
	return b, err
}

func (s *Store) commit(session, blockID uint64) (types.BlockMeta, error) {
	tb, err := s.meta.GetTempBlock(session, blockID)
	if err != nil {
		return types.BlockMeta{}, fmt.Errorf("commit block %d: %w", blockID, err)
	}
	dir, err := s.meta.Dir(tb.Location.TierAlias(), tb.Location.DirIndex())
	if err != nil {
		return types.BlockMeta{}, err
	}
	size := tb.Size
	final := types.BlockPath(dir.Path(), blockID)
	unwritten := false
	if s.files != nil {
		size, err = s.files.Size(tb.Path)
		if errors.Is(err, fs.ErrNotExist) {
			size, unwritten, err = 0, true, nil
		}
		if err != nil {
			return types.BlockMeta{}, fmt.Errorf("commit block %d: %w", blockID, err)
		}
	}

	s.listeners.PreCommitBlock(session, blockID, tb.Location)
	if s.files != nil {
		if unwritten {
			err = s.files.Create(final)
		} else {
			err = s.files.Move(tb.Path, final)
		}
		if err != nil {
			return types.BlockMeta{}, fmt.Errorf("commit block %d: %w", blockID, err)
		}
	}
	b, err := s.meta.CommitTempBlock(session, blockID, size)
	if err != nil {
		if s.files != nil {
			var rerr error
			if unwritten {
				rerr = s.files.Remove(final)
			} else {
				rerr = s.files.Move(final, tb.Path)
			}
			if rerr != nil {
				s.logger.Error("failed to restore temp block file", zap.Error(rerr), zap.Uint64("block_id", blockID))
			}
		}
		return types.BlockMeta{}, fmt.Errorf("commit block %d: %w", blockID, err)
	}
	s.listeners.PostCommitBlock(session, b)

	s.observeDir(dir)
	s.logger.Debug("block committed",
		zap.Uint64("session_id", session),
		zap.Uint64("block_id", blockID),
		zap.Stringer("location", b.Location),
		zap.Int64("bytes", b.Size),
	)
	return b, nil
}

// AbortBlock discards a session's temporary block and its reservation.
func (s *Store) AbortBlock(session, blockID uint64) error {
	tb, err := s.meta.AbortTempBlock(session, blockID)
	metrics.BlockOps.WithLabelValues("abort", metrics.Status(err)).Inc()
	if err != nil {
		return fmt.Errorf("abort block %d: %w", blockID, err)
	}
	if s.files != nil {
		if err := s.files.Remove(tb.Path); err != nil {
			s.logger.Warn("failed to delete temp block file", zap.Error(err), zap.String("path", tb.Path))
		}
	}
	s.observeLocation(tb.Location)
	return nil
}

// LockBlock waits until the session holds a lock of the given mode on a
// committed block or ctx is done.
func (s *Store) LockBlock(ctx context.Context, session, blockID uint64, mode types.LockMode) (uint64, error) {
	start := time.Now()
	id, err := s.locks.LockBlock(ctx, session, blockID, mode)
	metrics.LockWaitDuration.WithLabelValues(mode.String()).Observe(time.Since(start).Seconds())
	metrics.LocksHeld.Set(float64(s.locks.Held()))
	return id, err
}

func (s *Store) UnlockBlock(lockID uint64) error {
	err := s.locks.UnlockBlock(lockID)
	metrics.LocksHeld.Set(float64(s.locks.Held()))
	return err
}

// GetBlockMeta returns a committed block's metadata. The session must hold
// lockID on the block.
func (s *Store) GetBlockMeta(session, blockID, lockID uint64) (types.BlockMeta, error) {
	if err := s.locks.Validate(session, blockID, lockID, false); err != nil {
		return types.BlockMeta{}, err
	}
	return s.meta.GetBlock(blockID)
}

func (s *Store) GetTempBlockMeta(session, blockID uint64) (types.TempBlockMeta, error) {
	return s.meta.GetTempBlock(session, blockID)
}

// MoveBlock relocates a committed block into dest under an exclusive lock.
// If dest lacks room the block stays where it was.
func (s *Store) MoveBlock(ctx context.Context, session, blockID uint64, dest types.Location) (types.BlockMeta, error) {
	lockID, err := s.LockBlock(ctx, session, blockID, types.LockWrite)
	if err != nil {
		return types.BlockMeta{}, fmt.Errorf("move block %d: %w", blockID, err)
	}
	defer s.UnlockBlock(lockID)
	return s.moveLocked(session, blockID, dest)
}

// moveLocked relocates a block; the caller holds its write lock.
func (s *Store) moveLocked(session, blockID uint64, dest types.Location) (types.BlockMeta, error) {
	cur, err := s.meta.GetBlock(blockID)
	if err != nil {
		return types.BlockMeta{}, fmt.Errorf("move block %d: %w", blockID, err)
	}
	to, err := s.meta.PlanRelocation(blockID, dest)
	if err != nil {
		metrics.BlockOps.WithLabelValues("move", "out_of_space").Inc()
		return types.BlockMeta{}, fmt.Errorf("move block %d to %s: %w", blockID, dest, err)
	}
	if to == cur.Location {
		return cur, nil
	}
	dstDir, err := s.meta.Dir(to.TierAlias(), to.DirIndex())
	if err != nil {
		return types.BlockMeta{}, err
	}
	dstPath := types.BlockPath(dstDir.Path(), blockID)

	s.listeners.PreMoveBlock(session, blockID, cur.Location, to)
	if s.files != nil {
		if err := s.files.Move(cur.Path, dstPath); err != nil {
			return types.BlockMeta{}, fmt.Errorf("move block %d: %w", blockID, err)
		}
	}
	b, err := s.meta.RelocateBlock(blockID, to)
	if err != nil {
		if s.files != nil {
			if rerr := s.files.Move(dstPath, cur.Path); rerr != nil {
				s.logger.Error("failed to move block file back", zap.Error(rerr), zap.Uint64("block_id", blockID))
			}
		}
		metrics.BlockOps.WithLabelValues("move", "out_of_space").Inc()
		return types.BlockMeta{}, fmt.Errorf("move block %d to %s: %w", blockID, to, err)
	}
	s.listeners.PostMoveBlock(session, b, cur.Location)

	metrics.BlockOps.WithLabelValues("move", "ok").Inc()
	metrics.BlockMoves.WithLabelValues(strconv.Itoa(cur.Location.TierAlias()), strconv.Itoa(to.TierAlias())).Inc()
	s.observeLocation(cur.Location)
	s.observeDir(dstDir)
	s.logger.Info("block moved",
		zap.Uint64("block_id", blockID),
		zap.Stringer("from", cur.Location),
		zap.Stringer("to", to),
	)
	return b, nil
}

// RemoveBlock deletes a committed block. The session must hold lockID as a
// write lock on the block.
func (s *Store) RemoveBlock(session, blockID, lockID uint64) error {
	if err := s.locks.Validate(session, blockID, lockID, true); err != nil {
		metrics.BlockOps.WithLabelValues("remove", "invalid_handle").Inc()
		return fmt.Errorf("remove block %d: %w", blockID, err)
	}
	_, err := s.removeLocked(session, blockID)
	return err
}

// removeLocked deletes a block; the caller holds its write lock.
func (s *Store) removeLocked(session, blockID uint64) (types.BlockMeta, error) {
	cur, err := s.meta.GetBlock(blockID)
	if err != nil {
		return types.BlockMeta{}, fmt.Errorf("remove block %d: %w", blockID, err)
	}
	s.listeners.PreRemoveBlock(session, blockID)
	if s.files != nil {
		if err := s.files.Remove(cur.Path); err != nil {
			metrics.BlockOps.WithLabelValues("remove", "error").Inc()
			return types.BlockMeta{}, fmt.Errorf("remove block %d: %w", blockID, err)
		}
	}
	b, err := s.meta.RemoveBlock(blockID)
	metrics.BlockOps.WithLabelValues("remove", metrics.Status(err)).Inc()
	if err != nil {
		return types.BlockMeta{}, fmt.Errorf("remove block %d: %w", blockID, err)
	}
	s.listeners.PostRemoveBlock(session, b)

	s.observeLocation(b.Location)
	s.logger.Debug("block removed", zap.Uint64("block_id", blockID), zap.Stringer("location", b.Location))
	return b, nil
}

// AccessBlock tells listeners that a session read a committed block.
func (s *Store) AccessBlock(session, blockID uint64) error {
	if !s.meta.HasBlock(blockID) {
		return fmt.Errorf("access block %d: %w", blockID, types.ErrNotFound)
	}
	s.listeners.OnAccessBlock(session, blockID)
	return nil
}

// CleanupSession aborts every temporary block of a session, releases its
// locks and removes its now empty temp dirs.
func (s *Store) CleanupSession(session uint64) error {
	var errs []error
	ids := s.meta.TempBlocksOf(session)
	for _, id := range ids {
		if err := s.AbortBlock(session, id); err != nil && !errors.Is(err, types.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	released := s.locks.ReleaseSession(session)
	metrics.LocksHeld.Set(float64(s.locks.Held()))

	if s.files != nil {
		for _, t := range s.meta.Tiers() {
			for _, d := range t.Dirs() {
				if err := s.files.Remove(types.SessionDir(d.Path(), session)); err != nil {
					s.logger.Debug("session dir not removed", zap.Error(err), zap.String("dir", d.Path()))
				}
			}
		}
	}

	metrics.SessionsCleaned.Inc()
	s.logger.Info("session cleaned up",
		zap.Uint64("session_id", session),
		zap.Int("temp_blocks", len(ids)),
		zap.Int("locks", released),
	)
	return errors.Join(errs...)
}

// freeSpace asks the evictor for a plan and applies it. Every block in the
// plan is write-locked before anything changes; if any lock cannot be taken
// the plan is dropped untouched.
func (s *Store) freeSpace(ctx context.Context, session uint64, bytes int64, scope types.Location) error {
	tier := "any"
	if !scope.IsAnyTier() {
		tier = strconv.Itoa(scope.TierAlias())
	}

	plan, err := s.evictor.FreeSpace(bytes, scope)
	if err != nil {
		metrics.EvictionRuns.WithLabelValues(tier, "infeasible").Inc()
		return err
	}
	if plan.Empty() {
		return nil
	}

	if s.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.lockTimeout)
		defer cancel()
	}
	held := make(map[uint64]uint64, len(plan.ToMove)+len(plan.ToEvict))
	defer func() {
		for _, lockID := range held {
			s.UnlockBlock(lockID)
		}
	}()
	for _, id := range plan.BlockIDs() {
		lockID, err := s.LockBlock(ctx, session, id, types.LockWrite)
		if err != nil {
			metrics.EvictionRuns.WithLabelValues(tier, "lock_failed").Inc()
			return fmt.Errorf("locking block %d for eviction: %w: %w", id, types.ErrInfeasible, err)
		}
		held[id] = lockID
	}

	var freed int64
	for _, mv := range plan.ToMove {
		b, err := s.moveLocked(session, mv.BlockID, mv.Dest)
		if err == nil {
			freed += b.Size
			continue
		}
		// The destination filled up since planning; fall back to removal.
		s.logger.Warn("planned move failed, removing block instead",
			zap.Error(err), zap.Uint64("block_id", mv.BlockID), zap.Stringer("dest", mv.Dest))
		b, err = s.removeLocked(session, mv.BlockID)
		if err != nil {
			return err
		}
		freed += b.Size
	}
	for _, id := range plan.ToEvict {
		b, err := s.removeLocked(session, id)
		if err != nil {
			return err
		}
		freed += b.Size
	}

	metrics.EvictionRuns.WithLabelValues(tier, "ok").Inc()
	metrics.EvictedBytes.WithLabelValues(tier).Add(float64(freed))
	s.logger.Info("evicted blocks",
		zap.Stringer("scope", scope),
		zap.Int64("bytes", bytes),
		zap.Int("moved", len(plan.ToMove)),
		zap.Int("removed", len(plan.ToEvict)),
		zap.Int64("freed", freed),
	)
	return nil
}

func (s *Store) observeLocation(loc types.Location) {
	if d, err := s.meta.Dir(loc.TierAlias(), loc.DirIndex()); err == nil {
		s.observeDir(d)
	}
}

func (s *Store) observeDir(d *meta.StorageDir) {
	tier, dir := strconv.Itoa(d.Tier().Alias()), strconv.Itoa(d.Index())
	metrics.DirCapacityBytes.WithLabelValues(tier, dir).Set(float64(d.CapacityBytes()))
	metrics.DirUsedBytes.WithLabelValues(tier, dir).Set(float64(d.UsedBytes()))
}

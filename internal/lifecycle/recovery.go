package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gftdcojp/tiered-block-store/internal/journal"
	"github.com/gftdcojp/tiered-block-store/internal/meta"
	"github.com/gftdcojp/tiered-block-store/internal/types"
	"go.uber.org/zap"
)

// RecoveryStats summarises a startup recovery.
type RecoveryStats struct {
	Restored         int
	Skipped          int
	Duplicates       int
	StaleSessions    int
	JournalAdded     int
	JournalRemoved   int
	JournalRelocated int
}

// Recover rebuilds the metadata index from the block files under every
// configured directory. Session sub-directories hold uncommitted data from a
// previous run and are removed. When j is non-nil it is reconciled with what
// the scan found and stamped with the recovery time.
func Recover(ctx context.Context, md *meta.Manager, j journal.Journal, logger *zap.Logger) (RecoveryStats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("recovery")

	var stats RecoveryStats
	found := make(map[uint64]types.BlockMeta)
	for _, t := range md.Tiers() {
		for _, d := range t.Dirs() {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			if err := scanDir(md, d, found, &stats, logger); err != nil {
				return stats, err
			}
		}
	}

	if j != nil {
		if err := reconcile(ctx, j, found, &stats, logger); err != nil {
			return stats, err
		}
		if err := j.MarkRecovered(ctx, time.Now()); err != nil {
			return stats, fmt.Errorf("marking recovery: %w", err)
		}
	}

	logger.Info("recovery complete",
		zap.Int("restored", stats.Restored),
		zap.Int("skipped", stats.Skipped),
		zap.Int("duplicates", stats.Duplicates),
		zap.Int("stale_sessions", stats.StaleSessions),
		zap.Int("journal_added", stats.JournalAdded),
		zap.Int("journal_removed", stats.JournalRemoved),
	)
	return stats, nil
}

func scanDir(md *meta.Manager, d *meta.StorageDir, found map[uint64]types.BlockMeta, stats *RecoveryStats, logger *zap.Logger) error {
	if err := os.MkdirAll(d.Path(), 0755); err != nil {
		return fmt.Errorf("creating dir %s: %w", d.Path(), err)
	}
	entries, err := os.ReadDir(d.Path())
	if err != nil {
		return fmt.Errorf("scanning dir %s: %w", d.Path(), err)
	}

	for _, e := range entries {
		path := filepath.Join(d.Path(), e.Name())
		if e.Name() == types.TempDirName && e.IsDir() {
			stats.StaleSessions += removeTempDir(path, logger)
			continue
		}
		id, perr := strconv.ParseUint(e.Name(), 10, 64)
		if perr != nil || !e.Type().IsRegular() {
			continue
		}

		info, err := e.Info()
		if err != nil {
			logger.Warn("block file vanished during scan", zap.String("path", path), zap.Error(err))
			continue
		}
		b, err := md.RestoreBlock(id, d.Location(), info.Size())
		if errors.Is(err, types.ErrAlreadyExists) {
			// The copy in the faster tier was restored first.
			stats.Duplicates++
			if rerr := os.Remove(path); rerr != nil {
				logger.Warn("duplicate block file not removed", zap.String("path", path), zap.Error(rerr))
			} else {
				logger.Warn("duplicate block file removed", zap.Uint64("block_id", id), zap.String("path", path))
			}
			continue
		}
		if err != nil {
			stats.Skipped++
			logger.Warn("block not restored",
				zap.Uint64("block_id", id),
				zap.Stringer("location", d.Location()),
				zap.Error(err),
			)
			continue
		}
		found[id] = b
		stats.Restored++
	}
	return nil
}

// removeTempDir deletes the temporary blocks left by sessions of a
// previous run and returns how many session dirs it held.
func removeTempDir(path string, logger *zap.Logger) int {
	sessions, err := os.ReadDir(path)
	if err != nil {
		logger.Warn("temp dir not readable", zap.String("path", path), zap.Error(err))
	}
	if err := os.RemoveAll(path); err != nil {
		logger.Warn("stale temp blocks not removed", zap.String("path", path), zap.Error(err))
		return 0
	}
	n := 0
	for _, s := range sessions {
		if s.IsDir() {
			n++
		}
	}
	return n
}

// reconcile drops journal entries whose files are gone and records blocks
// the journal never saw or saw at another location.
func reconcile(ctx context.Context, j journal.Journal, found map[uint64]types.BlockMeta, stats *RecoveryStats, logger *zap.Logger) error {
	entries, err := j.ListBlocks(ctx, nil)
	if err != nil {
		return fmt.Errorf("listing journal: %w", err)
	}

	known := make(map[uint64]journal.Entry, len(entries))
	for _, e := range entries {
		if _, ok := found[e.BlockID]; !ok {
			if err := j.DeleteBlock(ctx, e.BlockID); err != nil {
				return fmt.Errorf("dropping journal entry %d: %w", e.BlockID, err)
			}
			logger.Debug("journal entry without file dropped", zap.Uint64("block_id", e.BlockID))
			stats.JournalRemoved++
			continue
		}
		known[e.BlockID] = e
	}

	for id, b := range found {
		e, ok := known[id]
		switch {
		case !ok:
			err = j.RecordBlock(ctx, journal.Entry{
				BlockID:     id,
				SizeBytes:   b.Size,
				Tier:        b.Location.TierAlias(),
				Dir:         b.Location.DirIndex(),
				Path:        b.Path,
				CommittedAt: time.Now(),
			})
			stats.JournalAdded++
		case e.Tier != b.Location.TierAlias() || e.Dir != b.Location.DirIndex() || e.Path != b.Path:
			err = j.UpdateLocation(ctx, id, b.Location.TierAlias(), b.Location.DirIndex(), b.Path)
			if errors.Is(err, types.ErrNotFound) {
				err = nil
			}
			stats.JournalRelocated++
		default:
			continue
		}
		if err != nil {
			return fmt.Errorf("journaling block %d: %w", id, err)
		}
	}
	return nil
}

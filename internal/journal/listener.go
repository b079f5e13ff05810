package journal

import (
	"context"
	"time"

	"github.com/gftdcojp/tiered-block-store/internal/event"
	"github.com/gftdcojp/tiered-block-store/internal/metrics"
	"github.com/gftdcojp/tiered-block-store/internal/types"
	"go.uber.org/zap"
)

// Listener keeps a journal in step with committed block changes. Journal
// failures are logged and counted; the in-memory store stays authoritative
// and the next recovery reconciles the difference.
type Listener struct {
	event.Nop
	journal Journal
	logger  *zap.Logger
}

func NewListener(j Journal, logger *zap.Logger) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{journal: j, logger: logger.Named("journal")}
}

func (l *Listener) PostCommitBlock(_ uint64, b types.BlockMeta) {
	err := l.journal.RecordBlock(context.Background(), Entry{
		BlockID:     b.ID,
		SizeBytes:   b.Size,
		Tier:        b.Location.TierAlias(),
		Dir:         b.Location.DirIndex(),
		Path:        b.Path,
		CommittedAt: time.Now(),
	})
	l.observe("record", b.ID, err)
}

func (l *Listener) PostMoveBlock(_ uint64, b types.BlockMeta, _ types.Location) {
	err := l.journal.UpdateLocation(context.Background(), b.ID, b.Location.TierAlias(), b.Location.DirIndex(), b.Path)
	l.observe("move", b.ID, err)
}

func (l *Listener) PostRemoveBlock(_ uint64, b types.BlockMeta) {
	err := l.journal.DeleteBlock(context.Background(), b.ID)
	l.observe("delete", b.ID, err)
}

func (l *Listener) observe(op string, blockID uint64, err error) {
	metrics.JournalOps.WithLabelValues(op, metrics.Status(err)).Inc()
	if err != nil {
		l.logger.Warn("journal update failed",
			zap.String("operation", op),
			zap.Uint64("block_id", blockID),
			zap.Error(err),
		)
	}
}

var _ event.BlockMetaListener = (*Listener)(nil)

// Package journal keeps a durable record of committed blocks in BoltDB so
// that a restarted worker can check its directory scan against it.
package journal

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/gftdcojp/tiered-block-store/internal/types"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Journal records committed blocks and their current location.
type Journal interface {
	RecordBlock(ctx context.Context, entry Entry) error
	UpdateLocation(ctx context.Context, blockID uint64, tier, dir int, path string) error
	GetBlock(ctx context.Context, blockID uint64) (*Entry, error)
	ListBlocks(ctx context.Context, tierFilter *int) ([]Entry, error)
	DeleteBlock(ctx context.Context, blockID uint64) error
	MarkRecovered(ctx context.Context, at time.Time) error
	LastRecovery(ctx context.Context) (time.Time, error)

	Ping() error
	Close() error
}

// BoltJournal implements Journal using bbolt (BoltDB).
type BoltJournal struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// Options tunes the underlying database.
type Options struct {
	NoSync bool
}

// NewBoltJournal opens or creates a BoltDB block journal.
func NewBoltJournal(path string, opts Options, logger *zap.Logger) (*BoltJournal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second, NoSync: opts.NoSync})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	j := &BoltJournal{db: db, logger: logger.Named("journal")}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return j, nil
}

func (j *BoltJournal) initSchema() error {
	if err := j.db.Update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketBlocks); err != nil {
			return err
		}
		v := sys.Get(keySchemaVersion)
		if v == nil {
			if _, err := tx.CreateBucketIfNotExists(bucketTierIndex); err != nil {
				return err
			}
			return sys.Put(keySchemaVersion, uint64ToBytes(currentSchemaVersion))
		}
		return nil
	}); err != nil {
		return err
	}
	return j.Migrate()
}

func encodeEntry(entry *Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (*Entry, error) {
	var entry Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// putEntry writes entry and keeps the tier index in step with it.
func putEntry(tx *bbolt.Tx, entry *Entry) error {
	blocks := tx.Bucket(bucketBlocks)
	idx := tx.Bucket(bucketTierIndex)

	key := uint64ToBytes(entry.BlockID)
	if raw := blocks.Get(key); raw != nil {
		old, err := decodeEntry(raw)
		if err != nil {
			return err
		}
		if err := idx.Delete(tierIndexKey(old.Tier, old.BlockID)); err != nil {
			return err
		}
	}

	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	if err := blocks.Put(key, data); err != nil {
		return err
	}
	return idx.Put(tierIndexKey(entry.Tier, entry.BlockID), nil)
}

func (j *BoltJournal) RecordBlock(_ context.Context, entry Entry) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		return putEntry(tx, &entry)
	})
}

func (j *BoltJournal) UpdateLocation(_ context.Context, blockID uint64, tier, dir int, path string) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketBlocks).Get(uint64ToBytes(blockID))
		if raw == nil {
			return fmt.Errorf("block %d: %w", blockID, types.ErrNotFound)
		}
		entry, err := decodeEntry(raw)
		if err != nil {
			return err
		}
		entry.Tier = tier
		entry.Dir = dir
		entry.Path = path
		entry.MovedAt = time.Now()
		return putEntry(tx, entry)
	})
}

func (j *BoltJournal) GetBlock(_ context.Context, blockID uint64) (*Entry, error) {
	var entry *Entry
	err := j.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketBlocks).Get(uint64ToBytes(blockID))
		if raw == nil {
			return fmt.Errorf("block %d: %w", blockID, types.ErrNotFound)
		}

		var err error
		entry, err = decodeEntry(raw)
		return err
	})
	return entry, err
}

// ListBlocks returns journal entries in block id order, or only those of
// one tier when tierFilter is set.
func (j *BoltJournal) ListBlocks(_ context.Context, tierFilter *int) ([]Entry, error) {
	var entries []Entry
	err := j.db.View(func(tx *bbolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		if tierFilter == nil {
			return blocks.ForEach(func(k, v []byte) error {
				entry, err := decodeEntry(v)
				if err != nil {
					return err
				}
				entries = append(entries, *entry)
				return nil
			})
		}

		prefix := tierIndexPrefix(*tierFilter)
		c := tx.Bucket(bucketTierIndex).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			raw := blocks.Get(k[8:])
			if raw == nil {
				continue
			}
			entry, err := decodeEntry(raw)
			if err != nil {
				return err
			}
			entries = append(entries, *entry)
		}
		return nil
	})
	return entries, err
}

func (j *BoltJournal) DeleteBlock(_ context.Context, blockID uint64) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		raw := blocks.Get(uint64ToBytes(blockID))
		if raw == nil {
			return nil
		}

		entry, err := decodeEntry(raw)
		if err != nil {
			return err
		}
		if err := blocks.Delete(uint64ToBytes(blockID)); err != nil {
			return err
		}
		return tx.Bucket(bucketTierIndex).Delete(tierIndexKey(entry.Tier, blockID))
	})
}

// MarkRecovered stores the time of the last completed startup recovery.
func (j *BoltJournal) MarkRecovered(_ context.Context, at time.Time) error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSystem).Put(keyLastRecovery, int64ToBytes(at.UnixNano()))
	})
}

func (j *BoltJournal) LastRecovery(_ context.Context) (time.Time, error) {
	var at time.Time
	err := j.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSystem).Get(keyLastRecovery)
		if v != nil {
			at = time.Unix(0, int64(bytesToUint64(v)))
		}
		return nil
	})
	return at, err
}

func (j *BoltJournal) Ping() error {
	return j.db.View(func(tx *bbolt.Tx) error {
		return nil
	})
}

func (j *BoltJournal) Close() error {
	return j.db.Close()
}

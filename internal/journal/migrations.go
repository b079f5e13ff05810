package journal

import (
	"fmt"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Migrate runs any pending schema migrations.
func (j *BoltJournal) Migrate() error {
	var version uint64
	j.db.View(func(tx *bbolt.Tx) error {
		sys := tx.Bucket(bucketSystem)
		if sys == nil {
			return nil
		}
		v := sys.Get(keySchemaVersion)
		if v != nil {
			version = bytesToUint64(v)
		}
		return nil
	})

	if version < 2 {
		if err := j.migrateV1toV2(); err != nil {
			return fmt.Errorf("migration v1→v2: %w", err)
		}
		j.logger.Info("journal migrated", zap.Uint64("from", version), zap.Int("to", currentSchemaVersion))
	}

	return nil
}

// migrateV1toV2 builds the tier index from the existing block entries.
func (j *BoltJournal) migrateV1toV2() error {
	return j.db.Update(func(tx *bbolt.Tx) error {
		idx, err := tx.CreateBucketIfNotExists(bucketTierIndex)
		if err != nil {
			return err
		}
		blocks := tx.Bucket(bucketBlocks)
		if blocks != nil {
			err := blocks.ForEach(func(k, v []byte) error {
				entry, err := decodeEntry(v)
				if err != nil {
					return fmt.Errorf("decoding block %d: %w", bytesToUint64(k), err)
				}
				return idx.Put(tierIndexKey(entry.Tier, entry.BlockID), nil)
			})
			if err != nil {
				return err
			}
		}

		sys := tx.Bucket(bucketSystem)
		if sys == nil {
			return fmt.Errorf("system bucket not found")
		}
		return sys.Put(keySchemaVersion, uint64ToBytes(2))
	})
}

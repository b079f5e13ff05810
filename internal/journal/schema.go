package journal

import (
	"encoding/binary"
	"time"
)

// Bucket names in BoltDB.
var (
	bucketSystem     = []byte("system")
	bucketBlocks     = []byte("blocks")
	keySchemaVersion = []byte("schema_version")
	keyLastRecovery  = []byte("last_recovery")

	// Schema v2: tier index, key = tier alias | block id
	bucketTierIndex = []byte("tier_index")
)

const currentSchemaVersion = 2

// Entry is the durable record of one committed block.
type Entry struct {
	BlockID     uint64
	SizeBytes   int64
	Tier        int
	Dir         int
	Path        string
	CommittedAt time.Time
	MovedAt     time.Time
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func int64ToBytes(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func tierIndexKey(tier int, blockID uint64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b, uint64(tier))
	binary.BigEndian.PutUint64(b[8:], blockID)
	return b
}

func tierIndexPrefix(tier int) []byte {
	return uint64ToBytes(uint64(tier))
}

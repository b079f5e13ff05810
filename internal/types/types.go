package types

import (
	"path/filepath"
	"strconv"
)

// LockMode is the access mode of a block lock.
type LockMode int

const (
	LockRead LockMode = iota
	LockWrite
)

func (m LockMode) String() string {
	switch m {
	case LockRead:
		return "read"
	case LockWrite:
		return "write"
	default:
		return "unknown"
	}
}

// BlockMeta describes a committed block.
type BlockMeta struct {
	ID       uint64
	Size     int64
	Location Location
	Path     string
}

// TempBlockMeta describes a block still being written by its owning session.
type TempBlockMeta struct {
	ID       uint64
	Session  uint64
	Size     int64 // bytes reserved so far
	Location Location
	Path     string
}

// BlockPath returns the path of a committed block file inside a directory.
func BlockPath(dirPath string, blockID uint64) string {
	return filepath.Join(dirPath, strconv.FormatUint(blockID, 10))
}

// TempDirName is the sub-directory of every storage dir that holds
// temporary blocks, one sub-directory per session.
const TempDirName = ".tmp_blocks"

// SessionDir returns the directory holding a session's temporary blocks.
func SessionDir(dirPath string, session uint64) string {
	return filepath.Join(dirPath, TempDirName, strconv.FormatUint(session, 10))
}

// TempBlockPath returns the path of a session's temporary block file.
func TempBlockPath(dirPath string, session, blockID uint64) string {
	return filepath.Join(SessionDir(dirPath, session), strconv.FormatUint(blockID, 10))
}

// DirMeta reports one storage directory.
type DirMeta struct {
	Index         int      `json:"index"`
	Path          string   `json:"path"`
	CapacityBytes int64    `json:"capacity_bytes"`
	UsedBytes     int64    `json:"used_bytes"`
	BlockIDs      []uint64 `json:"block_ids"`
}

// TierMeta reports one storage tier.
type TierMeta struct {
	Alias         int       `json:"alias"`
	Name          string    `json:"name"`
	CapacityBytes int64     `json:"capacity_bytes"`
	UsedBytes     int64     `json:"used_bytes"`
	Dirs          []DirMeta `json:"dirs"`
}

// StoreMeta is a point-in-time view of the whole block store.
type StoreMeta struct {
	Tiers []TierMeta `json:"tiers"`
}

// CapacityBytes sums the capacity of every tier.
func (s StoreMeta) CapacityBytes() int64 {
	var n int64
	for _, t := range s.Tiers {
		n += t.CapacityBytes
	}
	return n
}

// UsedBytes sums the used bytes of every tier.
func (s StoreMeta) UsedBytes() int64 {
	var n int64
	for _, t := range s.Tiers {
		n += t.UsedBytes
	}
	return n
}

// BlockLocations maps every committed block id to its location.
func (s StoreMeta) BlockLocations() map[uint64]Location {
	out := make(map[uint64]Location)
	for _, t := range s.Tiers {
		for _, d := range t.Dirs {
			for _, id := range d.BlockIDs {
				out[id] = InDir(t.Alias, d.Index)
			}
		}
	}
	return out
}

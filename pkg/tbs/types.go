package tbs

// DirUsage is one directory of a worker tier.
type DirUsage struct {
	Index         int      `json:"index"`
	Path          string   `json:"path"`
	CapacityBytes int64    `json:"capacity_bytes"`
	UsedBytes     int64    `json:"used_bytes"`
	BlockIDs      []uint64 `json:"block_ids"`
}

// TierUsage is one tier of a worker store, ordered fastest first.
type TierUsage struct {
	Alias         int        `json:"alias"`
	Name          string     `json:"name"`
	CapacityBytes int64      `json:"capacity_bytes"`
	UsedBytes     int64      `json:"used_bytes"`
	Dirs          []DirUsage `json:"dirs"`
}

// StoreMeta is a worker's store snapshot.
type StoreMeta struct {
	Tiers []TierUsage `json:"tiers"`
}

func (s StoreMeta) CapacityBytes() int64 {
	var n int64
	for _, t := range s.Tiers {
		n += t.CapacityBytes
	}
	return n
}

func (s StoreMeta) UsedBytes() int64 {
	var n int64
	for _, t := range s.Tiers {
		n += t.UsedBytes
	}
	return n
}

// Report is a worker heartbeat. AddedBlocks and RemovedBlocks hold the
// changes since the worker's previous report.
type Report struct {
	WorkerID         string           `json:"worker_id"`
	UsedBytesOnTiers map[int]int64    `json:"used_bytes_on_tiers"`
	AddedBlocks      map[int][]uint64 `json:"added_blocks_on_tiers"`
	RemovedBlocks    []uint64         `json:"removed_blocks"`
}

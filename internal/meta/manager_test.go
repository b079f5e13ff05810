package meta

import (
	"errors"
	"sync"
	"testing"

	"github.com/gftdcojp/tiered-block-store/internal/types"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T, tiers ...TierConfig) *Manager {
	t.Helper()
	if len(tiers) == 0 {
		tiers = []TierConfig{
			{Alias: 1, Name: "MEM", Dirs: []DirConfig{{Path: "/mnt/ramdisk", CapacityBytes: 100}}},
			{Alias: 2, Name: "SSD", Dirs: []DirConfig{
				{Path: "/mnt/ssd0", CapacityBytes: 200},
				{Path: "/mnt/ssd1", CapacityBytes: 300},
			}},
		}
	}
	m, err := NewManager(tiers, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func mustReserve(t *testing.T, m *Manager, session, id uint64, loc types.Location, n int64) types.TempBlockMeta {
	t.Helper()
	tb, err := m.ReserveTempBlock(session, id, loc, n)
	if err != nil {
		t.Fatalf("reserve block %d: %v", id, err)
	}
	return tb
}

func mustCommit(t *testing.T, m *Manager, session, id uint64, loc types.Location, n int64) types.BlockMeta {
	t.Helper()
	mustReserve(t, m, session, id, loc, n)
	b, err := m.CommitTempBlock(session, id, n)
	if err != nil {
		t.Fatalf("commit block %d: %v", id, err)
	}
	return b
}

// checkAccounting verifies used bytes equal the sum of block and temp sizes
// in every directory.
func checkAccounting(t *testing.T, m *Manager) {
	t.Helper()
	for _, tier := range m.Tiers() {
		for _, d := range tier.Dirs() {
			d.mu.Lock()
			var sum int64
			for _, b := range d.blocks {
				sum += b.Size
			}
			for _, tb := range d.temps {
				sum += tb.Size
			}
			used, capacity := d.used, d.capacity
			d.mu.Unlock()
			if used != sum {
				t.Errorf("dir %s used=%d, sum of blocks=%d", d.Location(), used, sum)
			}
			if used > capacity {
				t.Errorf("dir %s used=%d exceeds capacity %d", d.Location(), used, capacity)
			}
		}
	}
}

func TestNewManager_Validation(t *testing.T) {
	if _, err := NewManager(nil, nil); err == nil {
		t.Error("expected error for no tiers")
	}
	_, err := NewManager([]TierConfig{
		{Alias: 1, Dirs: []DirConfig{{Path: "/a", CapacityBytes: 1}}},
		{Alias: 1, Dirs: []DirConfig{{Path: "/b", CapacityBytes: 1}}},
	}, nil)
	if err == nil {
		t.Error("expected error for duplicate alias")
	}
	if _, err := NewManager([]TierConfig{{Alias: 1}}, nil); err == nil {
		t.Error("expected error for tier without dirs")
	}
	if _, err := NewManager([]TierConfig{{Alias: 1, Dirs: []DirConfig{{Path: "/a"}}}}, nil); err == nil {
		t.Error("expected error for zero capacity")
	}
}

func TestManager_TiersRankedByAlias(t *testing.T) {
	m := newTestManager(t,
		TierConfig{Alias: 3, Name: "HDD", Dirs: []DirConfig{{Path: "/hdd", CapacityBytes: 10}}},
		TierConfig{Alias: 1, Name: "MEM", Dirs: []DirConfig{{Path: "/mem", CapacityBytes: 10}}},
	)
	tiers := m.Tiers()
	if tiers[0].Alias() != 1 || tiers[1].Alias() != 3 {
		t.Fatalf("tiers not ranked: %d, %d", tiers[0].Alias(), tiers[1].Alias())
	}
	if _, err := m.Tier(2); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing tier, got %v", err)
	}
	if _, err := m.Dir(1, 5); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing dir, got %v", err)
	}
}

func TestManager_AvailableBytes(t *testing.T) {
	m := newTestManager(t)
	mustCommit(t, m, 1, 10, types.InDir(2, 1), 50)

	cases := []struct {
		loc  types.Location
		want int64
	}{
		{types.AnyTier(), 550},
		{types.AnyDirInTier(1), 100},
		{types.AnyDirInTier(2), 450},
		{types.InDir(2, 1), 250},
	}
	for _, c := range cases {
		got, err := m.AvailableBytes(c.loc)
		if err != nil {
			t.Fatal(err)
		}
		if got != c.want {
			t.Errorf("AvailableBytes(%s) = %d, want %d", c.loc, got, c.want)
		}
	}
	if _, err := m.AvailableBytes(types.AnyDirInTier(9)); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestManager_ReserveFirstFit(t *testing.T) {
	m := newTestManager(t)

	// Tier 1 (100) cannot hold 150; first SSD dir (200) can.
	tb := mustReserve(t, m, 1, 1, types.AnyTier(), 150)
	if tb.Location != types.InDir(2, 0) {
		t.Fatalf("expected tier=2/dir=0, got %s", tb.Location)
	}
	// Next 150 no longer fits in ssd0 (50 left) and lands in ssd1.
	tb = mustReserve(t, m, 1, 2, types.AnyDirInTier(2), 150)
	if tb.Location != types.InDir(2, 1) {
		t.Fatalf("expected tier=2/dir=1, got %s", tb.Location)
	}
	if tb.Path != "/mnt/ssd1/.tmp_blocks/1/2" {
		t.Errorf("unexpected temp path %q", tb.Path)
	}
	if _, err := m.ReserveTempBlock(1, 3, types.AnyDirInTier(1), 101); !errors.Is(err, types.ErrOutOfSpace) {
		t.Errorf("expected ErrOutOfSpace, got %v", err)
	}
	if _, err := m.ReserveTempBlock(2, 1, types.AnyTier(), 1); !errors.Is(err, types.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
	checkAccounting(t, m)
}

func TestManager_GrowTempBlock(t *testing.T) {
	m := newTestManager(t)
	mustReserve(t, m, 1, 1, types.AnyDirInTier(1), 40)

	if err := m.GrowTempBlock(1, 1, 60); err != nil {
		t.Fatal(err)
	}
	if err := m.GrowTempBlock(1, 1, 1); !errors.Is(err, types.ErrOutOfSpace) {
		t.Errorf("expected ErrOutOfSpace, got %v", err)
	}
	if err := m.GrowTempBlock(2, 1, 1); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("other session should not see temp block, got %v", err)
	}
	tb, err := m.GetTempBlock(1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if tb.Size != 100 {
		t.Errorf("expected reserved size 100, got %d", tb.Size)
	}
	checkAccounting(t, m)
}

func TestManager_CommitReleasesOverReservation(t *testing.T) {
	m := newTestManager(t)
	mustReserve(t, m, 7, 1, types.AnyDirInTier(1), 80)

	b, err := m.CommitTempBlock(7, 1, 30)
	if err != nil {
		t.Fatal(err)
	}
	if b.Size != 30 || b.Location != types.InDir(1, 0) || b.Path != "/mnt/ramdisk/1" {
		t.Fatalf("unexpected block meta %+v", b)
	}
	avail, _ := m.AvailableBytes(types.AnyDirInTier(1))
	if avail != 70 {
		t.Errorf("expected 70 available, got %d", avail)
	}
	if !m.HasBlock(1) {
		t.Error("committed block not visible")
	}
	if _, err := m.CommitTempBlock(7, 1, 30); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("second commit should be ErrNotFound, got %v", err)
	}
	checkAccounting(t, m)
}

func TestManager_CommitRejectsOversize(t *testing.T) {
	m := newTestManager(t)
	mustReserve(t, m, 1, 1, types.AnyDirInTier(1), 10)
	if _, err := m.CommitTempBlock(1, 1, 11); !errors.Is(err, types.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := m.GetTempBlock(1, 1); err != nil {
		t.Errorf("temp block should survive failed commit: %v", err)
	}
}

func TestManager_AbortRestoresAvailable(t *testing.T) {
	m := newTestManager(t)
	before, _ := m.AvailableBytes(types.InDir(2, 0))
	mustReserve(t, m, 3, 5, types.InDir(2, 0), 120)
	if err := m.GrowTempBlock(3, 5, 30); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AbortTempBlock(3, 5); err != nil {
		t.Fatal(err)
	}
	after, _ := m.AvailableBytes(types.InDir(2, 0))
	if before != after {
		t.Errorf("available before=%d after=%d", before, after)
	}
	if _, _, err := m.FindBlock(5); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("aborted block still indexed: %v", err)
	}
	// The id is free again.
	mustReserve(t, m, 4, 5, types.AnyTier(), 1)
}

func TestManager_RemoveBlock(t *testing.T) {
	m := newTestManager(t)
	mustCommit(t, m, 1, 1, types.AnyDirInTier(1), 60)
	b, err := m.RemoveBlock(1)
	if err != nil {
		t.Fatal(err)
	}
	if b.Size != 60 {
		t.Errorf("unexpected removed size %d", b.Size)
	}
	if _, err := m.RemoveBlock(1); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	mustReserve(t, m, 1, 2, types.AnyDirInTier(1), 10)
	if _, err := m.RemoveBlock(2); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("temp block must not be removable, got %v", err)
	}
	checkAccounting(t, m)
}

func TestManager_RelocateBlock(t *testing.T) {
	m := newTestManager(t)
	mustCommit(t, m, 1, 1, types.AnyDirInTier(1), 60)

	b, err := m.RelocateBlock(1, types.AnyDirInTier(2))
	if err != nil {
		t.Fatal(err)
	}
	if b.ID != 1 || b.Size != 60 || b.Location != types.InDir(2, 0) {
		t.Fatalf("unexpected relocated meta %+v", b)
	}
	mem := m.Snapshot().Tiers[0]
	if mem.UsedBytes != 0 || len(mem.Dirs[0].BlockIDs) != 0 {
		t.Errorf("source dir still holds block: %+v", mem)
	}
	loc, committed, err := m.FindBlock(1)
	if err != nil || !committed || loc != types.InDir(2, 0) {
		t.Errorf("FindBlock = %s %v %v", loc, committed, err)
	}
	// Already in scope: nothing moves.
	b, err = m.RelocateBlock(1, types.AnyTier())
	if err != nil || b.Location != types.InDir(2, 0) {
		t.Errorf("relocate within scope: %+v %v", b, err)
	}
	checkAccounting(t, m)
}

func TestManager_RelocateOutOfSpaceLeavesBlock(t *testing.T) {
	m := newTestManager(t)
	mustCommit(t, m, 1, 1, types.InDir(2, 1), 250)
	before := m.Snapshot()

	_, err := m.RelocateBlock(1, types.AnyDirInTier(1))
	if !errors.Is(err, types.ErrOutOfSpace) {
		t.Fatalf("expected ErrOutOfSpace, got %v", err)
	}
	after := m.Snapshot()
	for i := range before.Tiers {
		if before.Tiers[i].UsedBytes != after.Tiers[i].UsedBytes {
			t.Errorf("tier %d used changed %d -> %d", before.Tiers[i].Alias, before.Tiers[i].UsedBytes, after.Tiers[i].UsedBytes)
		}
	}
	if _, err := m.PlanRelocation(1, types.AnyDirInTier(1)); !errors.Is(err, types.ErrOutOfSpace) {
		t.Errorf("PlanRelocation: expected ErrOutOfSpace, got %v", err)
	}
}

func TestManager_RestoreBlock(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.RestoreBlock(9, types.InDir(2, 1), 100); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RestoreBlock(9, types.InDir(2, 0), 1); !errors.Is(err, types.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
	if _, err := m.RestoreBlock(9, types.InDir(1, 0), 101); !errors.Is(err, types.ErrAlreadyExists) {
		t.Errorf("duplicate that does not fit: expected ErrAlreadyExists, got %v", err)
	}
	if _, err := m.RestoreBlock(10, types.InDir(1, 0), 101); !errors.Is(err, types.ErrOutOfSpace) {
		t.Errorf("expected ErrOutOfSpace, got %v", err)
	}
	if _, err := m.RestoreBlock(11, types.AnyDirInTier(1), 1); !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
	checkAccounting(t, m)
}

func TestManager_TempBlocksOf(t *testing.T) {
	m := newTestManager(t)
	mustReserve(t, m, 1, 30, types.AnyTier(), 1)
	mustReserve(t, m, 2, 20, types.AnyTier(), 1)
	mustReserve(t, m, 1, 10, types.AnyDirInTier(2), 1)
	mustCommit(t, m, 1, 40, types.AnyTier(), 1)

	ids := m.TempBlocksOf(1)
	if len(ids) != 2 || ids[0] != 10 || ids[1] != 30 {
		t.Fatalf("unexpected temp blocks %v", ids)
	}
}

func TestManager_SnapshotOrder(t *testing.T) {
	m := newTestManager(t)
	mustCommit(t, m, 1, 3, types.AnyDirInTier(1), 10)
	mustCommit(t, m, 1, 1, types.AnyDirInTier(1), 10)
	mustCommit(t, m, 1, 2, types.AnyDirInTier(1), 10)

	ids := m.Snapshot().Tiers[0].Dirs[0].BlockIDs
	want := []uint64{3, 1, 2}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("iteration order %v, want %v", ids, want)
		}
	}
}

func TestManager_ConcurrentReserveNeverOvercommits(t *testing.T) {
	m := newTestManager(t)
	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			if _, err := m.ReserveTempBlock(id, id, types.AnyDirInTier(1), 10); err == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(uint64(i + 1))
	}
	wg.Wait()
	if granted != 10 {
		t.Errorf("expected exactly 10 reservations of 10 bytes in 100, got %d", granted)
	}
	checkAccounting(t, m)
}

func TestManager_ConcurrentOppositeMoves(t *testing.T) {
	m := newTestManager(t,
		TierConfig{Alias: 1, Dirs: []DirConfig{{Path: "/a", CapacityBytes: 1000}}},
		TierConfig{Alias: 2, Dirs: []DirConfig{{Path: "/b", CapacityBytes: 1000}}},
	)
	for i := uint64(1); i <= 20; i++ {
		loc := types.AnyDirInTier(1)
		if i%2 == 0 {
			loc = types.AnyDirInTier(2)
		}
		mustCommit(t, m, 1, i, loc, 10)
	}
	var wg sync.WaitGroup
	for round := 0; round < 10; round++ {
		for i := uint64(1); i <= 20; i++ {
			wg.Add(1)
			go func(id uint64, r int) {
				defer wg.Done()
				dest := types.AnyDirInTier(1 + (int(id)+r)%2)
				if _, err := m.RelocateBlock(id, dest); err != nil {
					t.Errorf("relocate %d: %v", id, err)
				}
			}(i, round)
		}
	}
	wg.Wait()
	checkAccounting(t, m)
	if n := len(m.Snapshot().BlockLocations()); n != 20 {
		t.Errorf("expected 20 blocks, got %d", n)
	}
}

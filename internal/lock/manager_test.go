package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gftdcojp/tiered-block-store/internal/types"
	"go.uber.org/zap"
)

type fakeBlocks struct {
	mu  sync.Mutex
	ids map[uint64]bool
}

func newFakeBlocks(ids ...uint64) *fakeBlocks {
	f := &fakeBlocks{ids: make(map[uint64]bool)}
	for _, id := range ids {
		f.ids[id] = true
	}
	return f
}

func (f *fakeBlocks) HasBlock(id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ids[id]
}

func (f *fakeBlocks) remove(id uint64) {
	f.mu.Lock()
	delete(f.ids, id)
	f.mu.Unlock()
}

func TestLockBlock_SharedReaders(t *testing.T) {
	m := NewManager(newFakeBlocks(1), zap.NewNop())
	ctx := context.Background()

	a, err := m.LockBlock(ctx, 1, 1, types.LockRead)
	if err != nil {
		t.Fatal(err)
	}
	b, err := m.LockBlock(ctx, 2, 1, types.LockRead)
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("lock ids must be distinct")
	}
	if !m.IsLocked(1) {
		t.Error("block should be locked")
	}
	if err := m.UnlockBlock(a); err != nil {
		t.Fatal(err)
	}
	if err := m.UnlockBlock(b); err != nil {
		t.Fatal(err)
	}
	if m.IsLocked(1) {
		t.Error("block should be unlocked")
	}
}

func TestLockBlock_WriterWaitsForReaders(t *testing.T) {
	m := NewManager(newFakeBlocks(1), zap.NewNop())
	ctx := context.Background()

	r, err := m.LockBlock(ctx, 1, 1, types.LockRead)
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan uint64, 1)
	go func() {
		id, err := m.LockBlock(ctx, 2, 1, types.LockWrite)
		if err != nil {
			t.Error(err)
			return
		}
		got <- id
	}()

	select {
	case <-got:
		t.Fatal("writer granted while a reader holds the block")
	case <-time.After(50 * time.Millisecond):
	}

	if err := m.UnlockBlock(r); err != nil {
		t.Fatal(err)
	}
	select {
	case id := <-got:
		if err := m.Validate(2, 1, id, true); err != nil {
			t.Errorf("writer lock invalid: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("writer never granted")
	}
}

func TestLockBlock_DeadlineLeavesNothingGranted(t *testing.T) {
	m := NewManager(newFakeBlocks(1), zap.NewNop())
	w, err := m.LockBlock(context.Background(), 1, 1, types.LockWrite)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.LockBlock(ctx, 2, 1, types.LockRead); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if n := len(m.LocksOf(2)); n != 0 {
		t.Errorf("timed-out session holds %d locks", n)
	}
	if err := m.UnlockBlock(w); err != nil {
		t.Fatal(err)
	}
	if m.IsLocked(1) {
		t.Error("lock entry leaked after timeout")
	}
}

func TestLockBlock_Missing(t *testing.T) {
	m := NewManager(newFakeBlocks(), zap.NewNop())
	if _, err := m.LockBlock(context.Background(), 1, 9, types.LockRead); !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := m.LockBlock(context.Background(), 1, 9, types.LockMode(7)); !errors.Is(err, types.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestLockBlock_RemovedWhileWaiting(t *testing.T) {
	blocks := newFakeBlocks(1)
	m := NewManager(blocks, zap.NewNop())
	w, err := m.LockBlock(context.Background(), 1, 1, types.LockWrite)
	if err != nil {
		t.Fatal(err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := m.LockBlock(context.Background(), 2, 1, types.LockRead)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	blocks.remove(1)
	if err := m.UnlockBlock(w); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, types.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never returned")
	}
	if m.Held() != 0 || m.IsLocked(1) {
		t.Error("state left behind after removed block")
	}
}

func TestUnlockBlock_InvalidHandle(t *testing.T) {
	m := NewManager(newFakeBlocks(1), zap.NewNop())
	id, err := m.LockBlock(context.Background(), 1, 1, types.LockRead)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.UnlockBlock(id); err != nil {
		t.Fatal(err)
	}
	if err := m.UnlockBlock(id); !errors.Is(err, types.ErrInvalidHandle) {
		t.Errorf("double unlock: expected ErrInvalidHandle, got %v", err)
	}
	if err := m.UnlockBlock(12345); !errors.Is(err, types.ErrInvalidHandle) {
		t.Errorf("unknown id: expected ErrInvalidHandle, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	m := NewManager(newFakeBlocks(1, 2), zap.NewNop())
	r, _ := m.LockBlock(context.Background(), 1, 1, types.LockRead)

	if err := m.Validate(1, 1, r, false); err != nil {
		t.Errorf("read lock should validate: %v", err)
	}
	cases := []struct {
		name                   string
		session, block, lockID uint64
		write                  bool
	}{
		{"wrong session", 2, 1, r, false},
		{"wrong block", 1, 2, r, false},
		{"read for write", 1, 1, r, true},
		{"unknown", 1, 1, r + 100, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if err := m.Validate(c.session, c.block, c.lockID, c.write); !errors.Is(err, types.ErrInvalidHandle) {
				t.Errorf("expected ErrInvalidHandle, got %v", err)
			}
		})
	}
}

func TestTryLockBlock(t *testing.T) {
	m := NewManager(newFakeBlocks(1), zap.NewNop())
	w, ok, err := m.TryLockBlock(1, 1, types.LockWrite)
	if err != nil || !ok {
		t.Fatalf("first try lock: ok=%v err=%v", ok, err)
	}
	if _, ok, err := m.TryLockBlock(2, 1, types.LockRead); err != nil || ok {
		t.Fatalf("second try lock should fail without error: ok=%v err=%v", ok, err)
	}
	if err := m.UnlockBlock(w); err != nil {
		t.Fatal(err)
	}
	if m.IsLocked(1) {
		t.Error("entry leaked")
	}
}

func TestReleaseSession(t *testing.T) {
	m := NewManager(newFakeBlocks(1, 2, 3), zap.NewNop())
	ctx := context.Background()
	for _, id := range []uint64{1, 2, 3} {
		if _, err := m.LockBlock(ctx, 5, id, types.LockRead); err != nil {
			t.Fatal(err)
		}
	}
	other, _ := m.LockBlock(ctx, 6, 1, types.LockRead)

	if n := m.ReleaseSession(5); n != 3 {
		t.Errorf("released %d, want 3", n)
	}
	if m.Held() != 1 {
		t.Errorf("held=%d, want 1", m.Held())
	}
	if err := m.Validate(6, 1, other, false); err != nil {
		t.Errorf("other session's lock disturbed: %v", err)
	}
}

func TestLockBlock_ConcurrentWritersExclusive(t *testing.T) {
	m := NewManager(newFakeBlocks(1), zap.NewNop())
	var inside, maxInside int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(s uint64) {
			defer wg.Done()
			id, err := m.LockBlock(context.Background(), s, 1, types.LockWrite)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			_ = m.UnlockBlock(id)
		}(uint64(i))
	}
	wg.Wait()
	if maxInside != 1 {
		t.Errorf("max concurrent writers %d, want 1", maxInside)
	}
}

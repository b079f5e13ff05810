package session

import (
	"reflect"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker(timeout time.Duration) (*Tracker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	tr := NewTracker(timeout, nil)
	tr.now = clk.now
	return tr, clk
}

func TestTracker_TimedOut(t *testing.T) {
	tr, clk := newTestTracker(10 * time.Second)
	tr.Heartbeat(3)
	tr.Heartbeat(1)
	clk.advance(6 * time.Second)
	tr.Heartbeat(2)
	clk.advance(6 * time.Second)

	if got := tr.TimedOut(); !reflect.DeepEqual(got, []uint64{1, 3}) {
		t.Errorf("timed out %v, want [1 3]", got)
	}
	if !tr.IsAlive(2) {
		t.Error("session 2 should be alive")
	}
	if tr.IsAlive(1) {
		t.Error("session 1 should have timed out")
	}
	if tr.IsAlive(99) {
		t.Error("unknown session reported alive")
	}
}

func TestTracker_HeartbeatRevives(t *testing.T) {
	tr, clk := newTestTracker(time.Second)
	tr.Heartbeat(1)
	clk.advance(2 * time.Second)
	tr.Heartbeat(1)
	if len(tr.TimedOut()) != 0 {
		t.Error("heartbeat did not refresh the session")
	}
}

func TestTracker_Remove(t *testing.T) {
	tr, _ := newTestTracker(time.Second)
	tr.Heartbeat(1)
	tr.Heartbeat(2)
	tr.Remove(1)
	if tr.Count() != 1 || tr.IsAlive(1) {
		t.Errorf("count=%d alive(1)=%v", tr.Count(), tr.IsAlive(1))
	}
}

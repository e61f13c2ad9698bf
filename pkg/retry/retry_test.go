package retry

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	var fails []bool
	tm := New(func(fail bool) { fails = append(fails, fail) })
	tm.SetLimits(time.Second, 4*time.Second)

	now := time.Unix(0, 0)
	tm.Start(now)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, d := range want {
		if got := tm.Timeout(); got != d {
			t.Fatalf("attempt %d: timeout = %v, want %v", i, got, d)
		}
		if tm.Poll(now.Add(d - time.Millisecond)) {
			t.Fatalf("attempt %d: expired early", i)
		}
		now = now.Add(d)
		if !tm.Poll(now) {
			t.Fatalf("attempt %d: did not expire", i)
		}
		if tm.Running() {
			t.Fatalf("attempt %d: still running after expiry", i)
		}
		tm.Start(now)
	}

	wantFails := []bool{false, false, true, true}
	for i := range wantFails {
		if fails[i] != wantFails[i] {
			t.Errorf("expiry %d: fail = %v, want %v", i, fails[i], wantFails[i])
		}
	}
}

func TestStartNoDelay(t *testing.T) {
	n := 0
	tm := New(func(bool) { n++ })
	now := time.Unix(100, 0)
	tm.StartNoDelay(now)
	if d, ok := tm.Deadline(); !ok || !d.Equal(now) {
		t.Fatalf("deadline = %v, %v", d, ok)
	}
	if !tm.Poll(now) || n != 1 {
		t.Fatal("no-delay timer did not expire immediately")
	}

	// The next Start clamps the zero timeout up to the default minimum.
	tm.Start(now)
	if tm.Timeout() != DefaultMin {
		t.Errorf("timeout = %v, want %v", tm.Timeout(), DefaultMin)
	}
}

func TestStop(t *testing.T) {
	tm := New(func(bool) { t.Fatal("stopped timer expired") })
	now := time.Unix(0, 0)
	tm.StartFixed(now, time.Second)
	tm.Stop()
	if tm.Poll(now.Add(time.Hour)) {
		t.Fatal("Poll reported expiry")
	}
	if _, ok := tm.Deadline(); ok {
		t.Error("stopped timer has a deadline")
	}
}

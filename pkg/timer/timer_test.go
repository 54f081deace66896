package timer

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type expiry struct {
	key Key
	gen uint64
}

func collect() (*Manager, <-chan expiry) {
	ch := make(chan expiry, 8)
	m := NewManager(func(key Key, gen uint64) {
		ch <- expiry{key, gen}
	})
	return m, ch
}

func TestTimerAccessors(t *testing.T) {
	timer := &Timer{
		Key:       "dat",
		StartTime: time.Now(),
		Duration:  60 * time.Second,
	}
	if timer.IsExpired() {
		t.Error("Timer should not be expired immediately")
	}
	remaining := timer.RemainingTime()
	if remaining < 59*time.Second || remaining > 60*time.Second {
		t.Errorf("RemainingTime() = %v, expected ~60s", remaining)
	}
	if timer.ExpiresAt() != timer.StartTime.Add(timer.Duration) {
		t.Errorf("ExpiresAt() = %v", timer.ExpiresAt())
	}

	expired := &Timer{StartTime: time.Now().Add(-2 * time.Second), Duration: time.Second}
	if !expired.IsExpired() || expired.RemainingTime() != 0 {
		t.Error("timer in the past should be expired with no remaining time")
	}
}

func TestSetInvalidDuration(t *testing.T) {
	m, _ := collect()
	if _, err := m.Set("dat", 0); !errors.Is(err, ErrInvalidDuration) {
		t.Errorf("Set(0) error = %v, want ErrInvalidDuration", err)
	}
	if _, err := m.Set("dat", -time.Second); !errors.Is(err, ErrInvalidDuration) {
		t.Errorf("Set(-1s) error = %v, want ErrInvalidDuration", err)
	}
}

func TestTimerFires(t *testing.T) {
	m, ch := collect()

	gen, err := m.Set("handshake", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	select {
	case e := <-ch:
		if e.key != "handshake" || e.gen != gen {
			t.Errorf("expiry = %+v, want handshake/%d", e, gen)
		}
		if !m.Valid(e.key, e.gen) {
			t.Error("fired timer should be valid until re-armed or cancelled")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}

	if m.Count() != 0 {
		t.Errorf("Count() = %d after expiry, want 0", m.Count())
	}
}

func TestReplacementInvalidatesOldGeneration(t *testing.T) {
	m, ch := collect()

	first, _ := m.Set("rat", time.Hour)
	second, _ := m.Set("rat", 20*time.Millisecond)
	if first == second {
		t.Fatal("re-arm should produce a new generation")
	}
	if m.Valid("rat", first) {
		t.Error("old generation still valid after re-arm")
	}

	select {
	case e := <-ch:
		if e.gen != second {
			t.Errorf("fired generation %d, want %d", e.gen, second)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("replacement timer did not fire")
	}

	if m.Count() != 0 {
		t.Errorf("Count() = %d, want 0", m.Count())
	}
}

func TestCancel(t *testing.T) {
	m, ch := collect()

	gen, _ := m.Set("dat", 20*time.Millisecond)
	if err := m.Cancel("dat"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if m.Valid("dat", gen) {
		t.Error("cancelled generation still valid")
	}
	if err := m.Cancel("dat"); !errors.Is(err, ErrTimerNotFound) {
		t.Errorf("second Cancel() error = %v, want ErrTimerNotFound", err)
	}

	select {
	case e := <-ch:
		t.Errorf("cancelled timer fired: %+v", e)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestCancelAfterFireInvalidates(t *testing.T) {
	var mu sync.Mutex
	var fired []uint64
	done := make(chan struct{})
	m := NewManager(func(_ Key, gen uint64) {
		mu.Lock()
		fired = append(fired, gen)
		mu.Unlock()
		close(done)
	})

	gen, _ := m.Set("handshake", 5*time.Millisecond)
	<-done

	// The owner cancels before it got to handle the expiry.
	_ = m.Cancel("handshake")
	if m.Valid("handshake", gen) {
		t.Error("expiry should be stale after cancel")
	}
}

func TestStop(t *testing.T) {
	m, ch := collect()

	gen, _ := m.Set("dat", 20*time.Millisecond)
	_, _ = m.Set("rat", 20*time.Millisecond)
	m.Stop()

	if m.Count() != 0 {
		t.Errorf("Count() = %d after Stop, want 0", m.Count())
	}
	if m.Valid("dat", gen) {
		t.Error("generation valid after Stop")
	}
	if _, err := m.Set("dat", time.Second); !errors.Is(err, ErrStopped) {
		t.Errorf("Set after Stop error = %v, want ErrStopped", err)
	}

	select {
	case e := <-ch:
		t.Errorf("timer fired after Stop: %+v", e)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestGetReturnsCopy(t *testing.T) {
	m, _ := collect()
	if m.Get("dat") != nil {
		t.Error("Get on unarmed key should be nil")
	}
	gen, _ := m.Set("dat", time.Minute)
	got := m.Get("dat")
	if got == nil || got.Generation != gen || got.Duration != time.Minute {
		t.Fatalf("Get() = %+v", got)
	}
	if got.timer != nil {
		t.Error("Get should not expose the underlying timer")
	}
	m.Stop()
}

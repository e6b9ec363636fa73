package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(threshold, time.Minute)
	b.now = clock.Now
	return b, clock
}

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(3)
	if !b.Allow("payments.approve") {
		t.Fatal("expected closed circuit to allow")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	b.RecordFailure("me")
	b.RecordFailure("me")
	if !b.Allow("me") {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure("me")
	if b.Allow("me") {
		t.Fatal("should be open after 3 failures")
	}
	if b.State("me") != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State("me"))
	}
	if !b.Allow("payments.get") {
		t.Fatal("other keys must be unaffected")
	}
}

func TestBreaker_HalfOpenTrialCall(t *testing.T) {
	b, clock := newTestBreaker(2)
	b.RecordFailure("me")
	b.RecordFailure("me")

	clock.Advance(61 * time.Second)
	if !b.Allow("me") {
		t.Fatal("should allow a trial call in half-open")
	}
	if b.Allow("me") {
		t.Fatal("only one trial call allowed")
	}

	b.RecordSuccess("me")
	if b.State("me") != StateClosed {
		t.Fatalf("expected closed after a successful trial call, got %v", b.State("me"))
	}
}

func TestBreaker_FailedTrialCallReopens(t *testing.T) {
	b, clock := newTestBreaker(1)
	b.RecordFailure("me")
	clock.Advance(2 * time.Minute)
	b.Allow("me")
	b.RecordFailure("me")
	if b.State("me") != StateOpen {
		t.Fatalf("expected open, got %v", b.State("me"))
	}
}

func TestBreaker_Do(t *testing.T) {
	b, _ := newTestBreaker(2)
	workflow := errors.New("workflow")
	b.IsFailure = func(err error) bool { return !errors.Is(err, workflow) }

	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		_ = b.Do(context.Background(), "complete", func(context.Context) error { return workflow })
	}
	if b.State("complete") != StateClosed {
		t.Fatal("ignored errors must not trip the breaker")
	}

	_ = b.Do(context.Background(), "complete", func(context.Context) error { return boom })
	_ = b.Do(context.Background(), "complete", func(context.Context) error { return boom })

	called := false
	err := b.Do(context.Background(), "complete", func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) || called {
		t.Fatalf("expected ErrOpen without calling fn, got %v (called=%v)", err, called)
	}
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := New(100, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Allow("k")
			b.RecordFailure("k")
			b.RecordSuccess("k")
			_ = b.State("k")
		}()
	}
	wg.Wait()
}

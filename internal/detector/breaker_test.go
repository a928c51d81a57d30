package detector

import (
	"sync"
	"testing"
	"time"

	"github.com/mescon/pixelarr/internal/clock"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func (c *stepClock) AfterFunc(d time.Duration, f func()) clock.Timer { return time.AfterFunc(d, f) }

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clk := &stepClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute, SuccessThreshold: 1}, clk)

	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("attempt %d rejected before threshold", i)
		}
		b.RecordFailure()
	}
	if b.State() != BreakerOpen {
		t.Fatalf("State = %s, want open", b.State())
	}
	if b.Allow() {
		t.Error("open breaker should reject")
	}
	if b.Rejected() != 1 {
		t.Errorf("Rejected = %d, want 1", b.Rejected())
	}

	clk.advance(time.Minute)
	if !b.Allow() {
		t.Fatal("breaker should allow a probe after the reset timeout")
	}
	if b.State() != BreakerHalfOpen {
		t.Errorf("State = %s, want half-open", b.State())
	}
	b.RecordSuccess()
	if b.State() != BreakerClosed {
		t.Errorf("State = %s, want closed", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clk := &stepClock{now: time.Now()}
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second}, clk)

	b.RecordFailure()
	clk.advance(time.Second)
	b.Allow()
	b.RecordFailure()
	if b.State() != BreakerOpen {
		t.Errorf("State = %s, want open", b.State())
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 2}, &stepClock{now: time.Now()})
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	if b.State() != BreakerClosed {
		t.Errorf("non-consecutive failures should not open, State = %s", b.State())
	}
}

func TestBreakerSet_States(t *testing.T) {
	s := NewBreakerSet(BreakerConfig{FailureThreshold: 1}, &stepClock{now: time.Now()})
	s.Get("ffprobe").RecordFailure()
	s.Get("imagemagick")

	got := s.States()
	if got["ffprobe"] != "open" || got["imagemagick"] != "closed" {
		t.Errorf("States = %v", got)
	}
	if s.Get("ffprobe") != s.Get("ffprobe") {
		t.Error("Get should return the same breaker")
	}
}

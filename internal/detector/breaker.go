package detector

import (
	"sort"
	"sync"
	"time"

	"github.com/mescon/pixelarr/internal/clock"
)

// BreakerState is the state of a per-tool circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes when a tool that cannot be started stops being
// invoked, so a missing binary fails fast instead of once per file.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	SuccessThreshold int
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
	}
}

// Breaker guards a single tool.
type Breaker struct {
	mu              sync.Mutex
	config          BreakerConfig
	clock           clock.Clock
	state           BreakerState
	failures        int
	successes       int
	lastFailureTime time.Time
	totalRejected   int64
}

func NewBreaker(config BreakerConfig, clk clock.Clock) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	return &Breaker{config: config, clock: clk}
}

// Allow reports whether the tool may be invoked. An open breaker lets a
// probe through once ResetTimeout has passed since the last failure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerOpen {
		return true
	}
	if b.clock.Since(b.lastFailureTime) >= b.config.ResetTimeout {
		b.state = BreakerHalfOpen
		b.successes = 0
		return true
	}
	b.totalRejected++
	return false
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen, BreakerOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		} else {
			b.state = BreakerHalfOpen
		}
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.successes = 0
	b.lastFailureTime = b.clock.Now()

	switch b.state {
	case BreakerClosed:
		if b.failures >= b.config.FailureThreshold {
			b.state = BreakerOpen
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Rejected returns how many invocations were refused while open.
func (b *Breaker) Rejected() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalRejected
}

// BreakerSet holds one breaker per tool name.
type BreakerSet struct {
	mu       sync.Mutex
	config   BreakerConfig
	clock    clock.Clock
	breakers map[string]*Breaker
}

func NewBreakerSet(config BreakerConfig, clk clock.Clock) *BreakerSet {
	return &BreakerSet{config: config, clock: clk, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for tool, creating it on first use.
func (s *BreakerSet) Get(tool string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[tool]
	if !ok {
		b = NewBreaker(s.config, s.clock)
		s.breakers[tool] = b
	}
	return b
}

// States snapshots every known breaker, keyed by tool.
func (s *BreakerSet) States() map[string]string {
	s.mu.Lock()
	names := make([]string, 0, len(s.breakers))
	for name := range s.breakers {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	out := make(map[string]string, len(names))
	for _, name := range names {
		out[name] = s.Get(name).State().String()
	}
	return out
}

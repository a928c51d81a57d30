// Package testutil provides test utilities including mocks, fixtures, and test database helpers.
package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/mescon/pixelarr/internal/clock"
	"github.com/mescon/pixelarr/internal/detector"
	"github.com/mescon/pixelarr/internal/domain"
	"github.com/mescon/pixelarr/internal/eventbus"
)

// =============================================================================
// MockClock - Testable time abstraction
// =============================================================================

// MockClock implements clock.Clock for testing, providing deterministic control
// over time-dependent operations like scheduler ticks and ETA computation.
type MockClock struct {
	mu           sync.Mutex
	now          time.Time
	pendingFuncs []pendingFunc
}

type pendingFunc struct {
	executeAt time.Time
	fn        func()
	stopped   bool
}

// MockTimer implements clock.Timer for testing.
type MockTimer struct {
	clock *MockClock
	index int
}

// Compile-time assertion that MockClock implements clock.Clock
var _ clock.Clock = (*MockClock)(nil)

// NewMockClock creates a new MockClock with the current time as initial value.
func NewMockClock() *MockClock {
	return &MockClock{
		now: time.Now(),
	}
}

// NewMockClockAt creates a new MockClock with a specific initial time.
func NewMockClockAt(t time.Time) *MockClock {
	return &MockClock{
		now: t,
	}
}

// Now returns the mock's current time.
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Since returns the mock time elapsed since t.
func (m *MockClock) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// SetNow sets the mock's current time without triggering pending functions.
func (m *MockClock) SetNow(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// AfterFunc schedules f to be called after duration d.
// Returns a Timer that can be used to cancel the call.
func (m *MockClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()

	index := len(m.pendingFuncs)
	m.pendingFuncs = append(m.pendingFuncs, pendingFunc{
		executeAt: m.now.Add(d),
		fn:        f,
	})

	return &MockTimer{clock: m, index: index}
}

// Advance moves time forward by the given duration and executes any functions
// whose scheduled time has passed. Returns the number of functions executed.
func (m *MockClock) Advance(d time.Duration) int {
	m.mu.Lock()
	newTime := m.now.Add(d)
	m.now = newTime

	var toExecute []func()
	for i := range m.pendingFuncs {
		pf := &m.pendingFuncs[i]
		if !pf.stopped && !pf.executeAt.After(newTime) {
			toExecute = append(toExecute, pf.fn)
			pf.stopped = true // Mark as executed
		}
	}
	m.mu.Unlock()

	// Execute outside the lock to avoid deadlocks
	for _, fn := range toExecute {
		fn()
	}
	return len(toExecute)
}

// Stop prevents the timer from firing. Returns true if the timer was stopped,
// false if it had already fired or been stopped.
func (t *MockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.index < len(t.clock.pendingFuncs) && !t.clock.pendingFuncs[t.index].stopped {
		t.clock.pendingFuncs[t.index].stopped = true
		return true
	}
	return false
}

// =============================================================================
// MockDetector - scripted verdicts
// =============================================================================

// MockDetector implements detector.Detector for testing.
// EvaluateFunc, when set, decides every call. Otherwise Results and Errors
// are consulted per path and the default is a healthy verdict.
type MockDetector struct {
	EvaluateFunc func(ctx context.Context, path string, kind domain.MediaKind) (domain.Verdict, error)

	// Delay is applied to every call that has no EvaluateFunc; the call
	// honours ctx while waiting.
	Delay time.Duration

	mu      sync.Mutex
	results map[string]domain.Verdict
	errs    map[string]error
	calls   []string
	active  int
	peak    int
}

var _ detector.Detector = (*MockDetector)(nil)

// NewMockDetector returns a detector that reports every file healthy.
func NewMockDetector() *MockDetector {
	return &MockDetector{
		results: make(map[string]domain.Verdict),
		errs:    make(map[string]error),
	}
}

// SetResult scripts the verdict for path.
func (m *MockDetector) SetResult(path string, v domain.Verdict) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[path] = v
}

// SetError scripts a detector failure for path.
func (m *MockDetector) SetError(path string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[path] = err
}

// Evaluate records the call and returns the scripted outcome.
func (m *MockDetector) Evaluate(ctx context.Context, path string, kind domain.MediaKind) (domain.Verdict, error) {
	m.mu.Lock()
	m.calls = append(m.calls, path)
	m.active++
	if m.active > m.peak {
		m.peak = m.active
	}
	fn := m.EvaluateFunc
	delay := m.Delay
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.active--
		m.mu.Unlock()
	}()

	if fn != nil {
		return fn(ctx, path, kind)
	}

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return domain.Verdict{}, &detector.Error{Type: detector.ErrorTimeout, Tool: "mock", Message: "mock timed out"}
		case <-t.C:
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.errs[path]; ok {
		return domain.Verdict{}, err
	}
	if v, ok := m.results[path]; ok {
		return v, nil
	}
	return domain.Verdict{Status: domain.StatusHealthy, Tool: "mock"}, nil
}

// Calls returns the paths evaluated so far, in call order.
func (m *MockDetector) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of Evaluate calls.
func (m *MockDetector) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// PeakConcurrency returns the highest number of simultaneous calls observed.
func (m *MockDetector) PeakConcurrency() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// ResetCalls forgets recorded calls.
func (m *MockDetector) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.peak = 0
}

// =============================================================================
// MockEventBus - captures published events
// =============================================================================

// MockEventBus implements eventbus.Publisher and delivers events to
// subscribers synchronously.
type MockEventBus struct {
	PublishFunc func(event domain.Event) error

	mu          sync.Mutex
	events      []domain.Event
	subscribers map[domain.EventType][]func(domain.Event)
}

var _ eventbus.Publisher = (*MockEventBus)(nil)

// NewMockEventBus creates an empty MockEventBus.
func NewMockEventBus() *MockEventBus {
	return &MockEventBus{subscribers: make(map[domain.EventType][]func(domain.Event))}
}

// Publish records the event and calls matching subscribers inline.
func (m *MockEventBus) Publish(event domain.Event) error {
	if m.PublishFunc != nil {
		if err := m.PublishFunc(event); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.events = append(m.events, event)
	handlers := append([]func(domain.Event){}, m.subscribers[event.EventType]...)
	m.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
	return nil
}

// Subscribe registers handler for eventType.
func (m *MockEventBus) Subscribe(eventType domain.EventType, handler func(domain.Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers[eventType] = append(m.subscribers[eventType], handler)
}

// Events returns every published event.
func (m *MockEventBus) Events() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Event, len(m.events))
	copy(out, m.events)
	return out
}

// EventsOfType returns the published events of one type.
func (m *MockEventBus) EventsOfType(t domain.EventType) []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, e := range m.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

// Count returns how many events of type t were published.
func (m *MockEventBus) Count(t domain.EventType) int {
	return len(m.EventsOfType(t))
}

// Package progress holds the live state of one operation kind. A Tracker is
// written by the coordinator that owns the running operation and read by any
// number of pollers through Snapshot.
package progress

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mescon/pixelarr/internal/clock"
	"github.com/mescon/pixelarr/internal/domain"
)

var (
	// ErrPhaseRegression is returned when a transition would skip a phase,
	// revisit one, or move backwards.
	ErrPhaseRegression = errors.New("invalid phase transition")
	// ErrFinished is returned when mutating an operation that already ended.
	ErrFinished = errors.New("operation already finished")
)

// Unknown marks a total that is not yet known.
const Unknown int64 = -1

// phaseWeights are the share of the overall percentage each working phase
// contributes. Phases whose length cannot be known up front get a fixed
// slice; the phase carrying the real work gets the rest.
var phaseWeights = map[domain.OperationKind]map[domain.Phase]float64{
	domain.KindScan: {
		domain.PhaseDiscovering: 0.2,
		domain.PhaseRegistering: 0.1,
		domain.PhaseScanning:    0.7,
	},
	domain.KindCleanup: {
		domain.PhaseScanningRecords:   0.4,
		domain.PhaseCheckingExistence: 0.4,
		domain.PhaseDeletingEntries:   0.2,
	},
	domain.KindFileChanges: {
		domain.PhaseEnumerating: 0.1,
		domain.PhaseComparing:   0.9,
	},
}

// workPhase is the phase whose item count is the operation's processed/total.
var workPhase = map[domain.OperationKind]domain.Phase{
	domain.KindScan:        domain.PhaseScanning,
	domain.KindCleanup:     domain.PhaseCheckingExistence,
	domain.KindFileChanges: domain.PhaseComparing,
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	clock clock.Clock
	kind  domain.OperationKind
	order []domain.Phase

	id       string
	phase    domain.Phase
	phaseIdx int

	processed  int64
	total      int64
	totalKnown bool

	phaseProcessed  int64
	phaseTotal      int64
	phaseTotalKnown bool

	current         string
	startedAt       time.Time
	endedAt         time.Time
	workStartedAt   time.Time
	cancelRequested bool
	counters        map[string]int64
	errText         string

	// highest percentage reported so far; the reported value never drops
	lastPercent float64
}

// New returns an idle tracker for kind.
func New(kind domain.OperationKind, clk clock.Clock) *Tracker {
	return &Tracker{
		clock:    clk,
		kind:     kind,
		order:    domain.PhaseOrder(kind),
		phase:    domain.PhaseIdle,
		phaseIdx: -1,
		counters: map[string]int64{},
	}
}

// Kind returns the operation kind this tracker follows.
func (t *Tracker) Kind() domain.OperationKind { return t.kind }

// Reset starts tracking a new operation with the given identifier. total is
// the operation's expected work count, or Unknown. The tracker enters the
// first phase of its kind.
func (t *Tracker) Reset(id string, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	t.id = id
	t.phaseIdx = 0
	t.phase = t.order[0]
	t.processed = 0
	t.total, t.totalKnown = normTotal(total)
	t.phaseProcessed = 0
	t.phaseTotal, t.phaseTotalKnown = 0, false
	t.current = ""
	t.startedAt = now
	t.endedAt = time.Time{}
	t.workStartedAt = time.Time{}
	t.cancelRequested = false
	t.counters = map[string]int64{}
	t.errText = ""
	t.lastPercent = 0
}

func normTotal(total int64) (int64, bool) {
	if total < 0 {
		return 0, false
	}
	return total, true
}

// SetPhase moves to the next working phase, or to completed after the last
// one. phaseTotal is the number of items the phase will handle, or Unknown.
// Cancelled and error are entered through Cancel and Fail instead.
func (t *Tracker) SetPhase(p domain.Phase, phaseTotal int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.phase.Terminal() {
		return ErrFinished
	}
	if p == domain.PhaseCancelled || p == domain.PhaseError {
		return fmt.Errorf("%w: use Cancel or Fail to enter %s", ErrPhaseRegression, p)
	}
	next := t.phaseIdx + 1
	if next >= len(t.order) || t.order[next] != p {
		return fmt.Errorf("%w: %s -> %s", ErrPhaseRegression, t.phase, p)
	}

	// the phase being left counts as fully done
	t.phaseProcessed = 0
	t.phaseIdx = next
	t.phase = p
	t.phaseTotal, t.phaseTotalKnown = normTotal(phaseTotal)
	t.current = ""

	if p == workPhase[t.kind] {
		t.workStartedAt = t.clock.Now()
		if t.phaseTotalKnown {
			t.total, t.totalKnown = t.phaseTotal, true
		}
	}
	if p == domain.PhaseCompleted {
		t.finishLocked()
	}
	return nil
}

// SetPhaseTotal records the item count of the current phase once it becomes
// known.
func (t *Tracker) SetPhaseTotal(total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase.Terminal() {
		return
	}
	t.phaseTotal, t.phaseTotalKnown = normTotal(total)
	if t.phaseProcessed > t.phaseTotal && t.phaseTotalKnown {
		t.phaseTotal = t.phaseProcessed
	}
	if t.phase == workPhase[t.kind] && t.phaseTotalKnown {
		t.total, t.totalKnown = t.phaseTotal, true
	}
}

// Advance records n more items handled in the current phase. Counts are
// clamped so processed never exceeds a known total.
func (t *Tracker) Advance(n int64, currentItem string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase.Terminal() || t.phaseIdx < 0 || n <= 0 {
		return
	}

	t.phaseProcessed += n
	if t.phaseTotalKnown && t.phaseProcessed > t.phaseTotal {
		t.phaseProcessed = t.phaseTotal
	}
	if t.phase == workPhase[t.kind] {
		t.processed += n
		if t.totalKnown && t.processed > t.total {
			t.processed = t.total
		}
	}
	if currentItem != "" {
		t.current = currentItem
	}
}

// Inc adds delta to a named counter.
func (t *Tracker) Inc(name string, delta int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase.Terminal() {
		return
	}
	t.counters[name] += delta
}

// Counter returns the current value of a named counter.
func (t *Tracker) Counter(name string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[name]
}

// RequestCancel flags the running operation for cooperative cancellation.
// It returns false when nothing is running.
func (t *Tracker) RequestCancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phaseIdx < 0 || t.phase.Terminal() {
		return false
	}
	t.cancelRequested = true
	return true
}

// Cancel ends the operation in the cancelled phase.
func (t *Tracker) Cancel() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase.Terminal() {
		return ErrFinished
	}
	t.phase = domain.PhaseCancelled
	t.cancelRequested = true
	t.finishLocked()
	return nil
}

// Fail ends the operation in the error phase.
func (t *Tracker) Fail(err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase.Terminal() {
		return ErrFinished
	}
	t.phase = domain.PhaseError
	if err != nil {
		t.errText = err.Error()
	}
	t.finishLocked()
	return nil
}

func (t *Tracker) finishLocked() {
	t.endedAt = t.clock.Now()
	t.current = ""
}

// Snapshot returns an immutable copy of the current state with percentage,
// throughput and ETA derived at call time.
func (t *Tracker) Snapshot() domain.OperationState {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := domain.OperationState{
		ID:              t.id,
		Kind:            t.kind,
		Phase:           t.phase,
		Processed:       t.processed,
		Total:           t.total,
		TotalKnown:      t.totalKnown,
		PhaseProcessed:  t.phaseProcessed,
		PhaseTotal:      t.phaseTotal,
		PhaseTotalKnown: t.phaseTotalKnown,
		CurrentItem:     t.current,
		CancelRequested: t.cancelRequested,
		Cancelled:       t.phase == domain.PhaseCancelled,
		Error:           t.errText,
	}
	if t.phaseIdx < 0 {
		return s
	}

	started := t.startedAt
	s.StartedAt = &started
	if !t.endedAt.IsZero() {
		ended := t.endedAt
		s.EndedAt = &ended
	}
	s.Counters = make(map[string]int64, len(t.counters))
	for k, v := range t.counters {
		s.Counters[k] = v
	}

	s.Percent = t.percentLocked()

	now := t.clock.Now()
	if !t.endedAt.IsZero() {
		now = t.endedAt
	}
	if !t.workStartedAt.IsZero() && t.processed > 0 {
		elapsed := now.Sub(t.workStartedAt)
		if secs := elapsed.Seconds(); secs > 0 {
			s.Throughput = float64(t.processed) / secs
		}
		if t.totalKnown && !t.phase.Terminal() {
			remaining := t.total - t.processed
			perItem := elapsed / time.Duration(t.processed)
			eta := now.Add(time.Duration(remaining) * perItem)
			s.ETA = &eta
		}
	}
	return s
}

func (t *Tracker) percentLocked() float64 {
	if t.phase == domain.PhaseCompleted {
		t.lastPercent = 100
		return 100
	}
	if t.phase.Terminal() {
		return t.lastPercent
	}

	weights := phaseWeights[t.kind]
	var pct float64
	for i := 0; i < t.phaseIdx; i++ {
		pct += weights[t.order[i]]
	}
	if t.phaseTotalKnown && t.phaseTotal > 0 {
		pct += weights[t.phase] * float64(t.phaseProcessed) / float64(t.phaseTotal)
	}
	pct *= 100
	if pct > 100 {
		pct = 100
	}
	if pct < t.lastPercent {
		pct = t.lastPercent
	}
	t.lastPercent = pct
	return pct
}

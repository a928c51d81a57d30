// Package operation holds the process-wide Operation Gate that keeps at most
// one scan, cleanup or file-change check running, and builds the report an
// operation leaves behind.
package operation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mescon/pixelarr/internal/domain"
)

var (
	// ErrBusy is returned by TryAcquire while any operation is active.
	ErrBusy = errors.New("another operation is already running")
	// ErrNotRunning is returned by RequestCancel when no operation of the
	// requested kind is active.
	ErrNotRunning = errors.New("no operation of that kind is running")
	// ErrCancelled is returned by coordinators that stopped at a checkpoint
	// because cancellation was requested.
	ErrCancelled = errors.New("operation cancelled")
)

// Token is a cooperative cancellation flag. Coordinators poll it at their
// checkpoints; it never interrupts work in progress.
type Token struct {
	once sync.Once
	ch   chan struct{}
}

func newToken() *Token {
	return &Token{ch: make(chan struct{})}
}

// Cancel requests cancellation. Repeated calls are no-ops.
func (t *Token) Cancel() {
	t.once.Do(func() { close(t.ch) })
}

// Cancelled reports whether Cancel has been called.
func (t *Token) Cancelled() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Done is closed once cancellation is requested.
func (t *Token) Done() <-chan struct{} {
	return t.ch
}

// Ticket is the right to run one operation. It must be released exactly
// once when the operation has reached a terminal phase.
type Ticket struct {
	ID        string
	Kind      domain.OperationKind
	StartedAt time.Time
	Token     *Token

	gate *Gate
	once sync.Once
}

// Release frees the gate. Further calls are no-ops.
func (t *Ticket) Release() {
	t.once.Do(func() { t.gate.release(t) })
}

// Active describes the operation currently holding the gate.
type Active struct {
	ID              string
	Kind            domain.OperationKind
	StartedAt       time.Time
	CancelRequested bool
}

// Gate enforces a single globally active operation across all kinds.
// It is safe for concurrent use.
type Gate struct {
	mu     sync.Mutex
	active *Ticket
	idle   chan struct{} // closed while no operation holds the gate
	now    func() time.Time
}

// NewGate returns an idle gate.
func NewGate() *Gate {
	idle := make(chan struct{})
	close(idle)
	return &Gate{idle: idle, now: time.Now}
}

// TryAcquire grants a ticket for kind, or returns ErrBusy without side
// effects if any operation is active.
func (g *Gate) TryAcquire(kind domain.OperationKind) (*Ticket, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active != nil {
		return nil, fmt.Errorf("%w: %s %s", ErrBusy, g.active.Kind, g.active.ID)
	}
	t := &Ticket{
		ID:        uuid.New().String(),
		Kind:      kind,
		StartedAt: g.now(),
		Token:     newToken(),
		gate:      g,
	}
	g.active = t
	g.idle = make(chan struct{})
	return t, nil
}

func (g *Gate) release(t *Ticket) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active != t {
		return
	}
	g.active = nil
	close(g.idle)
}

// RequestCancel flags the active operation of kind for cancellation.
func (g *Gate) RequestCancel(kind domain.OperationKind) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == nil || g.active.Kind != kind {
		return "", fmt.Errorf("%w: %s", ErrNotRunning, kind)
	}
	g.active.Token.Cancel()
	return g.active.ID, nil
}

// CancelActive flags whatever operation is active. It reports whether there
// was one.
func (g *Gate) CancelActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == nil {
		return false
	}
	g.active.Token.Cancel()
	return true
}

// Current returns the active operation, if any.
func (g *Gate) Current() (Active, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == nil {
		return Active{}, false
	}
	return Active{
		ID:              g.active.ID,
		Kind:            g.active.Kind,
		StartedAt:       g.active.StartedAt,
		CancelRequested: g.active.Token.Cancelled(),
	}, true
}

// WaitIdle blocks until no operation holds the gate or ctx ends.
func (g *Gate) WaitIdle(ctx context.Context) error {
	g.mu.Lock()
	idle := g.idle
	g.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

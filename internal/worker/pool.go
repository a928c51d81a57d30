// Package worker implements the bounded pool that runs detector calls for a
// single operation.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mescon/pixelarr/internal/clock"
	"github.com/mescon/pixelarr/internal/detector"
	"github.com/mescon/pixelarr/internal/domain"
	"github.com/mescon/pixelarr/internal/logger"
)

var (
	// ErrInFlight is returned when the path is already being evaluated.
	ErrInFlight = errors.New("path already in flight")
	// ErrPoolClosed is returned by Submit after Close.
	ErrPoolClosed = errors.New("worker pool closed")
)

var (
	evaluationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pixelarr_detector_duration_seconds",
		Help:    "Wall time of a single detector call",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
	}, []string{"status"})
	workersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pixelarr_workers_busy",
		Help: "Detector calls currently executing",
	})
	abandonedCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pixelarr_worker_abandoned_calls",
		Help: "Detector calls that outlived their deadline and grace period and have not returned yet",
	})
)

var log = logger.With("worker")

// Result is the outcome of one submission. Verdict is always set; a detector
// failure shows up as a StatusError verdict and the classified Err.
type Result struct {
	Path    string
	Kind    domain.MediaKind
	Verdict domain.Verdict
	Err     *detector.Error
}

// Future resolves to the Result of one submission.
type Future struct {
	done   chan struct{}
	result Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(r Result) {
	f.result = r
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the submission finishes.
func (f *Future) Result() Result {
	<-f.done
	return f.result
}

// Wait is Result bounded by ctx.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Config sizes a Pool.
type Config struct {
	Workers     int           // minimum 1
	FileTimeout time.Duration // zero disables the per-file deadline
}

type job struct {
	ctx  context.Context
	path string
	kind domain.MediaKind
	fut  *Future
}

// Pool runs detector calls on a fixed set of goroutines.
type Pool struct {
	det     detector.Detector
	clk     clock.Clock
	timeout time.Duration
	workers int

	jobs chan job
	wg   sync.WaitGroup

	mu     sync.RWMutex // guards closed against concurrent sends
	closed bool

	flightMu sync.Mutex
	inFlight map[string]struct{}
}

// NewPool starts cfg.Workers goroutines evaluating with det.
func NewPool(det detector.Detector, cfg Config, clk clock.Clock) *Pool {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	if clk == nil {
		clk = clock.NewRealClock()
	}
	p := &Pool{
		det:      det,
		clk:      clk,
		timeout:  cfg.FileTimeout,
		workers:  workers,
		jobs:     make(chan job, workers), // small buffer for backpressure
		inFlight: make(map[string]struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// Workers returns the pool's concurrency.
func (p *Pool) Workers() int {
	return p.workers
}

// Submit queues path for evaluation. It blocks while all workers are busy
// and the queue is full. A path can only be submitted again once its
// previous submission has resolved.
func (p *Pool) Submit(ctx context.Context, path string, kind domain.MediaKind) (*Future, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	p.flightMu.Lock()
	if _, busy := p.inFlight[path]; busy {
		p.flightMu.Unlock()
		return nil, fmt.Errorf("%s: %w", path, ErrInFlight)
	}
	p.inFlight[path] = struct{}{}
	p.flightMu.Unlock()

	j := job{ctx: ctx, path: path, kind: kind, fut: newFuture()}
	select {
	case p.jobs <- j:
		return j.fut, nil
	case <-ctx.Done():
		p.release(path)
		return nil, ctx.Err()
	}
}

// InFlight returns how many submissions have not resolved yet.
func (p *Pool) InFlight() int {
	p.flightMu.Lock()
	defer p.flightMu.Unlock()
	return len(p.inFlight)
}

// Close stops accepting work, lets queued and running calls finish and
// waits for the workers to exit. Abandoned detector calls are not waited
// for. Safe to call more than once.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) release(path string) {
	p.flightMu.Lock()
	delete(p.inFlight, path)
	p.flightMu.Unlock()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for j := range p.jobs {
		r, abandoned := p.process(j)
		if !abandoned {
			p.release(j.path)
		}
		j.fut.resolve(r)
	}
	log.Debugf("worker %d exiting", id)
}

// maxGrace bounds how long a detector may run past its deadline before the
// call is abandoned.
const maxGrace = 5 * time.Second

func (p *Pool) grace() time.Duration {
	if p.timeout > 0 && p.timeout < maxGrace {
		return p.timeout
	}
	return maxGrace
}

type outcome struct {
	v   domain.Verdict
	err error
}

// process never lets a single file's failure escape: errors and panics
// become error verdicts. A detector that ignores its deadline is abandoned
// after a grace period; the path stays in flight until the call returns.
func (p *Pool) process(j job) (res Result, abandoned bool) {
	res = Result{Path: j.path, Kind: j.kind}
	ctx := j.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		res.Err = &detector.Error{Type: detector.ErrorCrashed, Message: "cancelled before evaluation: " + err.Error()}
		res.Verdict = errorVerdict(res.Err, 0)
		return res, false
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	workersBusy.Inc()
	start := p.clk.Now()
	defer func() {
		workersBusy.Dec()
		evaluationDuration.WithLabelValues(string(res.Verdict.Status)).Observe(p.clk.Since(start).Seconds())
	}()

	done := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				log.Errorf("detector panicked on %s: %v", j.path, r)
				o = outcome{err: &detector.Error{Type: detector.ErrorCrashed, Message: fmt.Sprintf("detector panic: %v", r)}}
			}
			done <- o
		}()
		o.v, o.err = p.det.Evaluate(ctx, j.path, j.kind)
	}()

	o, ok := p.await(ctx, done)
	elapsed := p.clk.Since(start).Milliseconds()
	if !ok {
		abandonedCalls.Inc()
		log.Warnf("Detector ignored its deadline on %s, abandoning the call", j.path)
		go func() {
			<-done
			abandonedCalls.Dec()
			p.release(j.path)
			log.Debugf("Abandoned call on %s returned", j.path)
		}()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.Err = &detector.Error{Type: detector.ErrorTimeout, Message: fmt.Sprintf("timed out after %v: detector did not return", p.timeout)}
		} else {
			res.Err = &detector.Error{Type: detector.ErrorCrashed, Message: "cancelled: detector did not return"}
		}
		res.Verdict = errorVerdict(res.Err, elapsed)
		return res, true
	}

	expired := errors.Is(ctx.Err(), context.DeadlineExceeded)
	if o.err != nil {
		de := detector.AsError(o.err)
		if expired && de.Type != detector.ErrorTimeout {
			de = &detector.Error{Type: detector.ErrorTimeout, Tool: de.Tool, Message: fmt.Sprintf("timed out after %v: %s", p.timeout, de.Message)}
		}
		log.Debugf("No verdict for %s: %v", j.path, de)
		res.Err = de
		res.Verdict = errorVerdict(de, elapsed)
		return res, false
	}
	if expired {
		res.Err = &detector.Error{Type: detector.ErrorTimeout, Tool: o.v.Tool, Message: fmt.Sprintf("timed out after %v: late verdict discarded", p.timeout)}
		res.Verdict = errorVerdict(res.Err, elapsed)
		return res, false
	}
	v := o.v
	if !v.Status.Valid() || v.Status == domain.StatusPending || v.Status == domain.StatusError {
		res.Err = &detector.Error{Type: detector.ErrorCrashed, Tool: v.Tool, Message: fmt.Sprintf("detector returned unusable status %q", v.Status)}
		res.Verdict = errorVerdict(res.Err, elapsed)
		return res, false
	}
	if v.DurationMs == 0 {
		v.DurationMs = elapsed
	}
	res.Verdict = v
	return res, false
}

// await waits for the detector, allowing a grace period once ctx ends. It
// reports false when the detector still has not returned.
func (p *Pool) await(ctx context.Context, done <-chan outcome) (outcome, bool) {
	select {
	case o := <-done:
		return o, true
	case <-ctx.Done():
	}
	t := time.NewTimer(p.grace())
	defer t.Stop()
	select {
	case o := <-done:
		return o, true
	case <-t.C:
		return outcome{}, false
	}
}

func errorVerdict(de *detector.Error, durationMs int64) domain.Verdict {
	detail := string(de.Type)
	if de.Message != "" {
		detail += ": " + de.Message
	}
	return domain.Verdict{
		Status:     domain.StatusError,
		Detail:     detail,
		Tool:       de.Tool,
		DurationMs: durationMs,
	}
}

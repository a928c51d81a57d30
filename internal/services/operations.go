package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mescon/pixelarr/internal/clock"
	"github.com/mescon/pixelarr/internal/config"
	"github.com/mescon/pixelarr/internal/db"
	"github.com/mescon/pixelarr/internal/detector"
	"github.com/mescon/pixelarr/internal/domain"
	"github.com/mescon/pixelarr/internal/eventbus"
	"github.com/mescon/pixelarr/internal/exclusion"
	"github.com/mescon/pixelarr/internal/fingerprint"
	"github.com/mescon/pixelarr/internal/logger"
	"github.com/mescon/pixelarr/internal/operation"
	"github.com/mescon/pixelarr/internal/progress"
)

// ErrInvalidRequest is returned by the Start calls for requests that can
// never run, such as relative root paths or no roots at all.
var ErrInvalidRequest = errors.New("invalid operation request")

// Settings are the engine knobs read once per operation start.
type Settings struct {
	DefaultRoots       []string
	ExcludedPaths      []string
	ExcludedExtensions []string
	Workers            int
	FileTimeout        time.Duration
	RegisterBatchSize  int
	WriteBatchSize     int
	PageSize           int
	DeleteBatchSize    int
	FileChangeMaxAge   time.Duration
	ProgressInterval   time.Duration
}

// SettingsFromConfig copies the engine settings out of the loaded config.
func SettingsFromConfig(c *config.Config) Settings {
	return Settings{
		DefaultRoots:       c.MediaRoots,
		ExcludedPaths:      c.ExcludedPaths,
		ExcludedExtensions: c.ExcludedExtensions,
		Workers:            c.Workers,
		FileTimeout:        c.FileTimeout,
		RegisterBatchSize:  c.RegisterBatchSize,
		WriteBatchSize:     c.WriteBatchSize,
		PageSize:           c.PageSize,
		DeleteBatchSize:    c.DeleteBatchSize,
		FileChangeMaxAge:   c.FileChangeMaxAge,
		ProgressInterval:   c.ProgressInterval,
	}
}

func (s Settings) withDefaults() Settings {
	if s.Workers < 1 {
		s.Workers = 1
	}
	if s.FileTimeout <= 0 {
		s.FileTimeout = 5 * time.Minute
	}
	if s.RegisterBatchSize < 1 {
		s.RegisterBatchSize = 500
	}
	if s.WriteBatchSize < 1 {
		s.WriteBatchSize = 100
	}
	if s.PageSize < 1 {
		s.PageSize = 1000
	}
	if s.DeleteBatchSize < 1 {
		s.DeleteBatchSize = 500
	}
	if s.ProgressInterval <= 0 {
		s.ProgressInterval = 500 * time.Millisecond
	}
	return s
}

// ScanRequest starts a scan. Empty Paths means the configured media roots.
type ScanRequest struct {
	Paths       []string `json:"paths"`
	ForceRescan bool     `json:"force_rescan"`
}

// OperationService is the single entry point for starting, cancelling and
// observing operations. It owns one progress tracker per kind and the gate
// that keeps at most one operation running.
type OperationService struct {
	repo     *db.Repository
	eb       eventbus.Publisher
	det      detector.Detector
	hasher   *fingerprint.Hasher
	gate     *operation.Gate
	clock    clock.Clock
	settings Settings

	trackers map[domain.OperationKind]*progress.Tracker

	// ctx outlives individual operations; it is cancelled only when a
	// shutdown gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOperationService wires the coordinators to their collaborators. A nil
// clock means the real clock.
func NewOperationService(repo *db.Repository, eb eventbus.Publisher, det detector.Detector, hasher *fingerprint.Hasher, clk clock.Clock, settings Settings) *OperationService {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	if hasher == nil {
		hasher = fingerprint.NewHasher(0, 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &OperationService{
		repo:     repo,
		eb:       eb,
		det:      det,
		hasher:   hasher,
		gate:     operation.NewGate(),
		clock:    clk,
		settings: settings.withDefaults(),
		trackers: make(map[domain.OperationKind]*progress.Tracker, len(domain.AllKinds)),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, k := range domain.AllKinds {
		s.trackers[k] = progress.New(k, clk)
	}
	return s
}

// StartScan begins a scan of req.Paths, or of the configured roots.
func (s *OperationService) StartScan(req ScanRequest) (string, error) {
	return s.startScan(req, nil)
}

func (s *OperationService) startScan(req ScanRequest, onDone func(domain.OperationReport)) (string, error) {
	roots, err := s.resolveRoots(req.Paths)
	if err != nil {
		return "", err
	}
	filter, err := s.loadFilter()
	if err != nil {
		return "", err
	}
	return s.start(domain.KindScan, roots, onDone, func(r *run) ([]domain.FileChange, error) {
		return nil, r.scan(roots, req.ForceRescan, filter)
	})
}

// StartFileScan evaluates one file now, whether or not it changed since its
// last verdict. It runs as a scan and holds the gate like one.
func (s *OperationService) StartFileScan(path string) (string, error) {
	if !filepath.IsAbs(path) {
		return "", fmt.Errorf("%w: path %q is not absolute", ErrInvalidRequest, path)
	}
	path = filepath.Clean(path)
	info, err := os.Lstat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", ErrInvalidRequest, path)
	}
	filter, err := s.loadFilter()
	if err != nil {
		return "", err
	}
	kind, ok := filter.Eligible(path)
	if !ok {
		return "", fmt.Errorf("%w: %s is excluded or not a media file", ErrInvalidRequest, path)
	}
	return s.start(domain.KindScan, []string{path}, nil, func(r *run) ([]domain.FileChange, error) {
		return nil, r.scanOne(candidate{path: path, kind: kind})
	})
}

// StartCleanup begins removing records whose files are gone.
func (s *OperationService) StartCleanup() (string, error) {
	return s.startCleanup(nil)
}

func (s *OperationService) startCleanup(onDone func(domain.OperationReport)) (string, error) {
	return s.start(domain.KindCleanup, nil, onDone, func(r *run) ([]domain.FileChange, error) {
		return nil, r.cleanup()
	})
}

// StartFileChangeCheck begins comparing tracked files with the disk. With
// full set, every file is compared regardless of when it was last checked.
func (s *OperationService) StartFileChangeCheck(full bool) (string, error) {
	return s.startFileChangeCheck(full, nil)
}

func (s *OperationService) startFileChangeCheck(full bool, onDone func(domain.OperationReport)) (string, error) {
	return s.start(domain.KindFileChanges, nil, onDone, func(r *run) ([]domain.FileChange, error) {
		return r.fileChanges(full)
	})
}

// startKind is the scheduler's entry point.
func (s *OperationService) startKind(kind domain.OperationKind, paths []string, onDone func(domain.OperationReport)) (string, error) {
	switch kind {
	case domain.KindScan:
		return s.startScan(ScanRequest{Paths: paths}, onDone)
	case domain.KindCleanup:
		return s.startCleanup(onDone)
	case domain.KindFileChanges:
		return s.startFileChangeCheck(false, onDone)
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, kind)
}

// Cancel requests cooperative cancellation of the running operation of kind.
func (s *OperationService) Cancel(kind domain.OperationKind) (string, error) {
	id, err := s.gate.RequestCancel(kind)
	if err != nil {
		return "", err
	}
	s.trackers[kind].RequestCancel()
	logger.Infof("Cancellation requested for %s %s", kind, id)
	return id, nil
}

// Status returns a snapshot of the latest operation of kind. A kind that
// never ran reports the idle phase.
func (s *OperationService) Status(kind domain.OperationKind) (domain.OperationState, error) {
	t, ok := s.trackers[kind]
	if !ok {
		return domain.OperationState{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, kind)
	}
	return t.Snapshot(), nil
}

// StatusAll returns a snapshot per kind.
func (s *OperationService) StatusAll() map[domain.OperationKind]domain.OperationState {
	out := make(map[domain.OperationKind]domain.OperationState, len(s.trackers))
	for k, t := range s.trackers {
		out[k] = t.Snapshot()
	}
	return out
}

// Active returns the operation holding the gate, if any.
func (s *OperationService) Active() (operation.Active, bool) {
	return s.gate.Current()
}

// Wait blocks until no operation is running or ctx ends.
func (s *OperationService) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels the running operation and waits for it to write its
// report. When ctx ends first, in-flight storage calls are aborted.
func (s *OperationService) Shutdown(ctx context.Context) error {
	if s.gate.CancelActive() {
		logger.Infof("Operations: cancelling active operation for shutdown")
	}
	err := s.Wait(ctx)
	if err != nil {
		logger.Warnf("Operations: timed out waiting for active operation, aborting")
	}
	s.cancel()
	return err
}

func (s *OperationService) resolveRoots(paths []string) ([]string, error) {
	if len(paths) == 0 {
		paths = s.settings.DefaultRoots
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no root paths configured", ErrInvalidRequest)
	}
	seen := make(map[string]struct{}, len(paths))
	roots := make([]string, 0, len(paths))
	for _, p := range paths {
		if !filepath.IsAbs(p) {
			return nil, fmt.Errorf("%w: root path %q is not absolute", ErrInvalidRequest, p)
		}
		p = filepath.Clean(p)
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		roots = append(roots, p)
	}
	return roots, nil
}

// loadFilter snapshots the exclusion rules for one operation. Later rule
// changes apply to the next start.
func (s *OperationService) loadFilter() (*exclusion.Filter, error) {
	stored, err := s.repo.ListExclusions(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load exclusion rules: %w", err)
	}
	rules, errs := exclusion.RulesFromConfig(s.settings.ExcludedPaths, s.settings.ExcludedExtensions)
	for _, e := range errs {
		logger.Warnf("Ignoring configured exclusion: %v", e)
	}
	return exclusion.New(append(rules, stored...))
}

// start acquires the gate and launches body on its own goroutine. Nothing
// is started when the gate is busy.
func (s *OperationService) start(kind domain.OperationKind, roots []string, onDone func(domain.OperationReport), body func(*run) ([]domain.FileChange, error)) (string, error) {
	ticket, err := s.gate.TryAcquire(kind)
	if err != nil {
		return "", err
	}

	tracker := s.trackers[kind]
	tracker.Reset(ticket.ID, progress.Unknown)
	r := &run{
		svc:     s,
		ctx:     s.ctx,
		ticket:  ticket,
		tracker: tracker,
		kind:    kind,
	}

	logger.Infof("Starting %s %s", kind, ticket.ID)
	s.publish(domain.OperationStarted, ticket.ID, domain.OperationEventData{
		OperationID: ticket.ID,
		Kind:        string(kind),
		Phase:       string(tracker.Snapshot().Phase),
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		changes, runErr := r.safeBody(body)
		rep := r.finish(roots, changes, runErr)
		ticket.Release()
		if onDone != nil {
			onDone(rep)
		}
	}()
	return ticket.ID, nil
}

func (s *OperationService) publish(et domain.EventType, aggregateID string, data domain.OperationEventData) {
	if err := s.eb.Publish(domain.Event{
		AggregateType: "operation",
		AggregateID:   aggregateID,
		EventType:     et,
		EventData:     data.Map(),
	}); err != nil {
		logger.Errorf("Failed to publish %s: %v", et, err)
	}
}

// run is the state of one operation. Only the goroutine started by
// OperationService.start touches it.
type run struct {
	svc      *OperationService
	ctx      context.Context
	ticket   *operation.Ticket
	tracker  *progress.Tracker
	kind     domain.OperationKind
	lastEmit time.Time
}

// safeBody turns a panicking coordinator into a phase-fatal error so the
// gate is always released and a report is always written.
func (r *run) safeBody(body func(*run) ([]domain.FileChange, error)) (changes []domain.FileChange, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Errorf("%s %s panicked: %v", r.kind, r.ticket.ID, p)
			err = fmt.Errorf("internal error: %v", p)
		}
	}()
	return body(r)
}

// checkpoint returns operation.ErrCancelled once cancellation is requested.
func (r *run) checkpoint() error {
	if r.ticket.Token.Cancelled() {
		return operation.ErrCancelled
	}
	return nil
}

func (r *run) setPhase(p domain.Phase, total int64) error {
	if err := r.tracker.SetPhase(p, total); err != nil {
		return err
	}
	logger.Debugf("%s %s entered %s (total %d)", r.kind, r.ticket.ID, p, total)
	r.emitProgress(true)
	return nil
}

func (r *run) advance(n int64, item string) {
	r.tracker.Advance(n, item)
	r.emitProgress(false)
}

// emitProgress publishes a progress event at most once per interval unless
// forced.
func (r *run) emitProgress(force bool) {
	now := r.svc.clock.Now()
	if !force && now.Sub(r.lastEmit) < r.svc.settings.ProgressInterval {
		return
	}
	r.lastEmit = now
	snap := r.tracker.Snapshot()
	r.svc.publish(domain.OperationProgress, r.ticket.ID, domain.OperationEventData{
		OperationID: snap.ID,
		Kind:        string(snap.Kind),
		Phase:       string(snap.Phase),
		Processed:   snap.Processed,
		Total:       snap.Total,
		Percent:     snap.Percent,
	})
}

// finish moves the tracker to its terminal phase, stores the report and
// announces the outcome.
func (r *run) finish(roots []string, changes []domain.FileChange, runErr error) domain.OperationReport {
	var (
		et       domain.EventType
		phaseErr error
	)
	switch {
	case runErr == nil:
		et = domain.OperationCompleted
		phaseErr = r.tracker.SetPhase(domain.PhaseCompleted, 0)
	case errors.Is(runErr, operation.ErrCancelled):
		et = domain.OperationCancelled
		phaseErr = r.tracker.Cancel()
	default:
		et = domain.OperationFailed
		phaseErr = r.tracker.Fail(runErr)
	}
	if phaseErr != nil {
		// A coordinator returned early without reaching its last phase.
		et = domain.OperationFailed
		runErr = fmt.Errorf("incomplete %s: %w", r.kind, phaseErr)
		_ = r.tracker.Fail(runErr)
	}

	snap := r.tracker.Snapshot()
	rep := operation.BuildReport(snap, roots, changes, runErr)
	// The report is written even when shutdown aborted the run context.
	if _, err := r.svc.repo.InsertReport(context.WithoutCancel(r.ctx), &rep); err != nil {
		logger.Errorf("Failed to store report for %s %s: %v", r.kind, r.ticket.ID, err)
	}

	data := domain.OperationEventData{
		OperationID: snap.ID,
		Kind:        string(snap.Kind),
		Phase:       string(snap.Phase),
		Status:      string(rep.Status),
		Processed:   snap.Processed,
		Total:       snap.Total,
		Percent:     snap.Percent,
		DurationSec: rep.Duration().Seconds(),
		Scanned:     rep.Scanned,
		Corrupted:   rep.Corrupted,
		Errors:      rep.Errors,
		Orphans:     rep.OrphansDeleted,
		Changes:     rep.ChangesFound,
		Error:       rep.ErrorText,
	}
	r.svc.publish(et, r.ticket.ID, data)

	switch et {
	case domain.OperationFailed:
		logger.Errorf("%s %s failed after %s: %s", r.kind, r.ticket.ID, rep.Duration().Round(time.Millisecond), rep.ErrorText)
	case domain.OperationCancelled:
		logger.Infof("%s %s cancelled after %s", r.kind, r.ticket.ID, rep.Duration().Round(time.Millisecond))
	default:
		logger.Infof("%s %s completed in %s", r.kind, r.ticket.ID, rep.Duration().Round(time.Millisecond))
	}
	return rep
}

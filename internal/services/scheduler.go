package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mescon/pixelarr/internal/clock"
	"github.com/mescon/pixelarr/internal/db"
	"github.com/mescon/pixelarr/internal/domain"
	"github.com/mescon/pixelarr/internal/eventbus"
	"github.com/mescon/pixelarr/internal/logger"
	"github.com/mescon/pixelarr/internal/operation"
)

// ErrInvalidSchedule is returned for schedule definitions that fail
// validation for reasons other than the trigger.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Names of the schedules created from configuration.
const (
	DefaultScanSchedule        = "default-scan"
	DefaultCleanupSchedule     = "default-cleanup"
	DefaultFileChangesSchedule = "default-file-changes"
)

// Action is what a tick does with one schedule.
type Action int

const (
	// ActionFire starts the schedule's operation.
	ActionFire Action = iota
	// ActionDisable deactivates a schedule whose trigger no longer parses.
	ActionDisable
	// ActionSetNext stores a missing next-run time without firing.
	ActionSetNext
)

// Decision is the outcome of planning one schedule on a tick.
type Decision struct {
	Schedule domain.ScheduleDefinition
	Action   Action
	Next     time.Time
	Err      error
}

// Plan decides what a tick at now does with each schedule. It has no side
// effects. Due schedules come first, earliest due first.
func Plan(now time.Time, schedules []domain.ScheduleDefinition) []Decision {
	var fire, other []Decision
	for _, sd := range schedules {
		if !sd.Active {
			continue
		}
		trig, err := ParseTrigger(sd.TriggerSpec)
		if err != nil {
			other = append(other, Decision{Schedule: sd, Action: ActionDisable, Err: err})
			continue
		}
		if sd.NextRun == nil {
			other = append(other, Decision{Schedule: sd, Action: ActionSetNext, Next: NextRun(trig, sd.LastRun, now)})
			continue
		}
		if !sd.NextRun.After(now) {
			fire = append(fire, Decision{Schedule: sd, Action: ActionFire})
		}
	}
	sort.SliceStable(fire, func(i, j int) bool {
		return fire[i].Schedule.NextRun.Before(*fire[j].Schedule.NextRun)
	})
	return append(fire, other...)
}

type cronLogger struct{}

func (cronLogger) Printf(format string, v ...interface{}) { logger.Debugf("scheduler: "+format, v...) }

// SchedulerService fires schedules on a fixed tick. Each tick re-reads the
// schedules, so edits apply from the next tick on.
type SchedulerService struct {
	repo  *db.Repository
	ops   *OperationService
	eb    eventbus.Publisher
	clock clock.Clock
	tick  time.Duration
	cron  *cron.Cron

	mu      sync.Mutex
	running map[int64]string // schedule id -> operation id, "" while starting
}

// NewSchedulerService creates a scheduler ticking every tick (minimum one
// second). A nil clock means the real clock.
func NewSchedulerService(repo *db.Repository, ops *OperationService, eb eventbus.Publisher, clk clock.Clock, tick time.Duration) *SchedulerService {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	if tick < time.Second {
		tick = 30 * time.Second
	}
	l := cron.PrintfLogger(cronLogger{})
	return &SchedulerService{
		repo:    repo,
		ops:     ops,
		eb:      eb,
		clock:   clk,
		tick:    tick,
		cron:    cron.New(cron.WithLogger(l), cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l))),
		running: make(map[int64]string),
	}
}

// Start begins ticking. The first tick runs immediately.
func (s *SchedulerService) Start() {
	logger.Infof("Starting Scheduler Service (tick %s)...", s.tick)
	job := cron.FuncJob(func() { s.Tick(context.Background(), s.clock.Now()) })
	s.cron.Schedule(cron.Every(s.tick), job)
	s.cron.Start()
	go job.Run()
}

// Stop halts ticking and waits for a tick in progress. Operations already
// started keep running.
func (s *SchedulerService) Stop() {
	<-s.cron.Stop().Done()
}

// Tick evaluates every schedule against now. Errors affect only the
// schedule they belong to.
func (s *SchedulerService) Tick(ctx context.Context, now time.Time) {
	schedules, err := s.repo.ListSchedules(ctx)
	if err != nil {
		logger.Errorf("Scheduler: failed to load schedules: %v", err)
		return
	}
	for _, d := range Plan(now, schedules) {
		sd := d.Schedule
		switch d.Action {
		case ActionDisable:
			s.disable(ctx, sd, d.Err)
		case ActionSetNext:
			next := d.Next
			if err := s.repo.SetScheduleNextRun(ctx, sd.ID, &next); err != nil {
				logger.Errorf("Scheduler: %v", err)
			}
		case ActionFire:
			s.fire(sd, now)
		}
	}
}

func (s *SchedulerService) disable(ctx context.Context, sd domain.ScheduleDefinition, cause error) {
	logger.Warnf("Scheduler: disabling schedule %q: %v", sd.Name, cause)
	if err := s.repo.SetScheduleActive(ctx, sd.ID, false); err != nil {
		logger.Errorf("Scheduler: failed to disable schedule %q: %v", sd.Name, err)
	}
	s.publish(domain.ScheduleDisabled, sd, map[string]interface{}{"error": cause.Error()})
}

// fire starts the schedule's operation. A busy gate skips the firing; the
// schedule stays due and is tried again on the next tick. A schedule whose
// request can never start is disabled.
func (s *SchedulerService) fire(sd domain.ScheduleDefinition, firedAt time.Time) {
	s.mu.Lock()
	if _, busy := s.running[sd.ID]; busy {
		s.mu.Unlock()
		return
	}
	// Claimed before starting: a fast operation may complete before
	// startKind returns.
	s.running[sd.ID] = ""
	s.mu.Unlock()

	opID, err := s.ops.startKind(sd.Kind, sd.Paths, func(rep domain.OperationReport) {
		s.completed(sd, firedAt, rep)
	})
	if err != nil {
		s.mu.Lock()
		delete(s.running, sd.ID)
		s.mu.Unlock()
		switch {
		case errors.Is(err, operation.ErrBusy):
			logger.Infof("Scheduler: skipping %q, another operation is running", sd.Name)
			s.publish(domain.ScheduleSkipped, sd, map[string]interface{}{"reason": "busy"})
		case errors.Is(err, ErrInvalidRequest):
			// Fails the same way on every tick until the schedule is edited.
			s.disable(context.Background(), sd, err)
		default:
			logger.Warnf("Scheduler: could not start %q: %v", sd.Name, err)
			s.publish(domain.ScheduleSkipped, sd, map[string]interface{}{"reason": err.Error()})
		}
		return
	}

	s.mu.Lock()
	if _, ok := s.running[sd.ID]; ok {
		s.running[sd.ID] = opID
	}
	s.mu.Unlock()
	logger.Infof("Scheduler: %q started %s %s", sd.Name, sd.Kind, opID)
	s.publish(domain.ScheduleFired, sd, map[string]interface{}{"operation_id": opID})
}

// completed records the firing once its operation has ended. The schedule
// stays claimed until its next run is stored, so a tick in between cannot
// fire it again.
func (s *SchedulerService) completed(sd domain.ScheduleDefinition, firedAt time.Time, rep domain.OperationReport) {
	defer func() {
		s.mu.Lock()
		delete(s.running, sd.ID)
		s.mu.Unlock()
	}()

	var next *time.Time
	if trig, err := ParseTrigger(sd.TriggerSpec); err == nil {
		n := NextRun(trig, &firedAt, s.clock.Now())
		next = &n
	}
	if err := s.repo.RecordScheduleRun(context.Background(), sd.ID, firedAt, next); err != nil {
		logger.Errorf("Scheduler: %v", err)
		return
	}
	logger.Debugf("Scheduler: %q finished with %s", sd.Name, rep.Status)
}

func (s *SchedulerService) publish(et domain.EventType, sd domain.ScheduleDefinition, extra map[string]interface{}) {
	data := map[string]interface{}{
		"schedule_id": sd.ID,
		"name":        sd.Name,
		"kind":        string(sd.Kind),
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := s.eb.Publish(domain.Event{
		AggregateType: "schedule",
		AggregateID:   fmt.Sprintf("%d", sd.ID),
		EventType:     et,
		EventData:     data,
	}); err != nil {
		logger.Errorf("Failed to publish %s: %v", et, err)
	}
}

// =============================================================================
// Schedule definitions
// =============================================================================

// validateSchedule normalises sd and returns its parsed trigger.
func validateSchedule(sd *domain.ScheduleDefinition) (Trigger, error) {
	sd.Name = strings.TrimSpace(sd.Name)
	if sd.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidSchedule)
	}
	kind, err := domain.ParseOperationKind(string(sd.Kind))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	sd.Kind = kind
	if len(sd.Paths) > 0 && kind != domain.KindScan {
		return nil, fmt.Errorf("%w: only scan schedules take paths", ErrInvalidSchedule)
	}
	trig, err := ParseTrigger(sd.TriggerSpec)
	if err != nil {
		return nil, err
	}
	sd.TriggerSpec = strings.TrimSpace(sd.TriggerSpec)
	return trig, nil
}

// CreateSchedule validates and stores a new schedule with its first due time.
func (s *SchedulerService) CreateSchedule(ctx context.Context, sd *domain.ScheduleDefinition) error {
	trig, err := validateSchedule(sd)
	if err != nil {
		return err
	}
	next := NextRun(trig, nil, s.clock.Now())
	sd.NextRun = &next
	sd.LastRun = nil
	return s.repo.CreateSchedule(ctx, sd)
}

// UpdateSchedule replaces the editable fields of a schedule. The next due
// time is recomputed from the last run.
func (s *SchedulerService) UpdateSchedule(ctx context.Context, sd *domain.ScheduleDefinition) error {
	current, err := s.repo.GetSchedule(ctx, sd.ID)
	if err != nil {
		return err
	}
	trig, err := validateSchedule(sd)
	if err != nil {
		return err
	}
	next := NextRun(trig, current.LastRun, s.clock.Now())
	sd.NextRun = &next
	sd.LastRun = current.LastRun
	return s.repo.UpdateSchedule(ctx, sd)
}

// ListSchedules returns every schedule.
func (s *SchedulerService) ListSchedules(ctx context.Context) ([]domain.ScheduleDefinition, error) {
	return s.repo.ListSchedules(ctx)
}

// GetSchedule returns one schedule.
func (s *SchedulerService) GetSchedule(ctx context.Context, id int64) (*domain.ScheduleDefinition, error) {
	return s.repo.GetSchedule(ctx, id)
}

// DeleteSchedule removes a schedule. A running operation it started is not
// affected.
func (s *SchedulerService) DeleteSchedule(ctx context.Context, id int64) error {
	return s.repo.DeleteSchedule(ctx, id)
}

// EnsureDefaultSchedules creates or updates the configured default schedules.
// Kinds with an empty trigger are left alone, as is the active flag of an
// existing default schedule.
func (s *SchedulerService) EnsureDefaultSchedules(ctx context.Context, triggers map[domain.OperationKind]string) error {
	names := map[domain.OperationKind]string{
		domain.KindScan:        DefaultScanSchedule,
		domain.KindCleanup:     DefaultCleanupSchedule,
		domain.KindFileChanges: DefaultFileChangesSchedule,
	}
	for _, kind := range domain.AllKinds {
		spec := strings.TrimSpace(triggers[kind])
		if spec == "" {
			continue
		}
		name := names[kind]
		existing, err := s.repo.GetScheduleByName(ctx, name)
		switch {
		case errors.Is(err, db.ErrNotFound):
			sd := &domain.ScheduleDefinition{Name: name, Kind: kind, TriggerSpec: spec, Active: true}
			if err := s.CreateSchedule(ctx, sd); err != nil {
				return fmt.Errorf("default schedule %s: %w", name, err)
			}
			logger.Infof("Created schedule %s (%s)", name, spec)
		case err != nil:
			return err
		case existing.TriggerSpec != spec:
			existing.TriggerSpec = spec
			if err := s.UpdateSchedule(ctx, existing); err != nil {
				return fmt.Errorf("default schedule %s: %w", name, err)
			}
			logger.Infof("Updated schedule %s (%s)", name, spec)
		}
	}
	return nil
}

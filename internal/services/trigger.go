package services

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidTrigger is returned for trigger specs that do not parse.
var ErrInvalidTrigger = errors.New("invalid trigger")

// Trigger computes when a schedule is next due.
type Trigger interface {
	// Next returns the first due time strictly after the reference time.
	// For interval triggers the reference is the last run.
	Next(after time.Time) time.Time
	String() string
}

type cronTrigger struct {
	expr  string
	sched cron.Schedule
}

func (t cronTrigger) Next(after time.Time) time.Time { return t.sched.Next(after) }
func (t cronTrigger) String() string                 { return "cron:" + t.expr }

type intervalTrigger struct {
	every time.Duration
	unit  string
	n     int
}

func (t intervalTrigger) Next(after time.Time) time.Time { return after.Add(t.every) }
func (t intervalTrigger) String() string                 { return fmt.Sprintf("interval:%s:%d", t.unit, t.n) }

var intervalUnits = map[string]time.Duration{
	"seconds": time.Second,
	"minutes": time.Minute,
	"hours":   time.Hour,
	"days":    24 * time.Hour,
	"weeks":   7 * 24 * time.Hour,
}

// ParseTrigger accepts:
//
//	cron:<expr>             5-field cron expression or descriptor
//	<expr>                  the same without the prefix, e.g. "0 3 * * *" or "@daily"
//	interval:<unit>:<n>     fixed interval, unit one of seconds..weeks
//	<unit>:<n>              the same without the prefix, e.g. "hours:6"
func ParseTrigger(spec string) (Trigger, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("%w: empty trigger", ErrInvalidTrigger)
	}

	lower := strings.ToLower(spec)
	switch {
	case strings.HasPrefix(lower, "cron:"):
		return parseCron(strings.TrimSpace(spec[len("cron:"):]))
	case strings.HasPrefix(lower, "interval:"):
		return parseInterval(spec[len("interval:"):])
	}
	if unit, _, ok := strings.Cut(lower, ":"); ok {
		if _, known := intervalUnits[unit]; known {
			return parseInterval(spec)
		}
	}
	return parseCron(spec)
}

func parseCron(expr string) (Trigger, error) {
	if expr == "" {
		return nil, fmt.Errorf("%w: empty cron expression", ErrInvalidTrigger)
	}
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidTrigger, expr, err)
	}
	return cronTrigger{expr: expr, sched: sched}, nil
}

func parseInterval(s string) (Trigger, error) {
	unit, count, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return nil, fmt.Errorf("%w: interval %q must be <unit>:<n>", ErrInvalidTrigger, s)
	}
	unit = strings.ToLower(strings.TrimSpace(unit))
	base, known := intervalUnits[unit]
	if !known {
		return nil, fmt.Errorf("%w: unknown interval unit %q", ErrInvalidTrigger, unit)
	}
	n, err := strconv.Atoi(strings.TrimSpace(count))
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("%w: interval count %q must be a positive integer", ErrInvalidTrigger, count)
	}
	return intervalTrigger{every: time.Duration(n) * base, unit: unit, n: n}, nil
}

// NextRun is the due time following a run at lastRun, or the first due time
// after now for a schedule that never ran.
func NextRun(t Trigger, lastRun *time.Time, now time.Time) time.Time {
	if lastRun != nil {
		return t.Next(*lastRun)
	}
	return t.Next(now)
}

package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mescon/pixelarr/internal/domain"
)

const scheduleColumns = `id, name, kind, trigger_spec, paths, active, last_run, next_run, created_at, updated_at`

func scanSchedule(s rowScanner) (domain.ScheduleDefinition, error) {
	var (
		sd               domain.ScheduleDefinition
		pathsJSON        string
		active           int
		lastRun, nextRun sql.NullString
		created, updated string
	)
	if err := s.Scan(&sd.ID, &sd.Name, &sd.Kind, &sd.TriggerSpec, &pathsJSON, &active,
		&lastRun, &nextRun, &created, &updated); err != nil {
		return sd, err
	}
	if err := json.Unmarshal([]byte(pathsJSON), &sd.Paths); err != nil {
		return sd, fmt.Errorf("decoding schedule paths: %w", err)
	}
	sd.Active = active != 0
	sd.LastRun = scanNullTime(lastRun)
	sd.NextRun = scanNullTime(nextRun)
	sd.CreatedAt, _ = ParseTime(created)
	sd.UpdatedAt, _ = ParseTime(updated)
	return sd, nil
}

func marshalPaths(paths []string) (string, error) {
	if paths == nil {
		paths = []string{}
	}
	b, err := json.Marshal(paths)
	return string(b), err
}

// ListSchedules returns every schedule ordered by name.
func (r *Repository) ListSchedules(ctx context.Context) ([]domain.ScheduleDefinition, error) {
	rows, err := QueryWithRetryContext(ctx, r.DB, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	out := []domain.ScheduleDefinition{}
	for rows.Next() {
		sd, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sd)
	}
	return out, rows.Err()
}

// GetSchedule returns a schedule by id.
func (r *Repository) GetSchedule(ctx context.Context, id int64) (*domain.ScheduleDefinition, error) {
	sd, err := scanSchedule(r.DB.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule %d: %w", id, err)
	}
	return &sd, nil
}

// GetScheduleByName returns a schedule by its unique name.
func (r *Repository) GetScheduleByName(ctx context.Context, name string) (*domain.ScheduleDefinition, error) {
	sd, err := scanSchedule(r.DB.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE name = ?`, name))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule %q: %w", name, err)
	}
	return &sd, nil
}

// CreateSchedule inserts sd and fills in its id and timestamps.
func (r *Repository) CreateSchedule(ctx context.Context, sd *domain.ScheduleDefinition) error {
	paths, err := marshalPaths(sd.Paths)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := ExecWithRetryContext(ctx, r.DB, `
		INSERT INTO schedules (name, kind, trigger_spec, paths, active, last_run, next_run, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sd.Name, string(sd.Kind), sd.TriggerSpec, paths, boolInt(sd.Active),
		nullTime(sd.LastRun), nullTime(sd.NextRun), FormatTime(now), FormatTime(now))
	if isUniqueViolation(err) {
		return fmt.Errorf("schedule %q: %w", sd.Name, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", err)
	}
	if sd.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	sd.CreatedAt, sd.UpdatedAt = now, now
	return nil
}

// UpdateSchedule rewrites the editable fields of sd (name, kind, trigger,
// paths, active, next run).
func (r *Repository) UpdateSchedule(ctx context.Context, sd *domain.ScheduleDefinition) error {
	paths, err := marshalPaths(sd.Paths)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := ExecWithRetryContext(ctx, r.DB, `
		UPDATE schedules SET name = ?, kind = ?, trigger_spec = ?, paths = ?, active = ?, next_run = ?, updated_at = ?
		WHERE id = ?`,
		sd.Name, string(sd.Kind), sd.TriggerSpec, paths, boolInt(sd.Active), nullTime(sd.NextRun), FormatTime(now), sd.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("schedule %q: %w", sd.Name, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to update schedule %d: %w", sd.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	sd.UpdatedAt = now
	return nil
}

// RecordScheduleRun stores the firing time and the next due time.
func (r *Repository) RecordScheduleRun(ctx context.Context, id int64, lastRun time.Time, nextRun *time.Time) error {
	_, err := ExecWithRetryContext(ctx, r.DB,
		`UPDATE schedules SET last_run = ?, next_run = ?, updated_at = ? WHERE id = ?`,
		FormatTime(lastRun), nullTime(nextRun), FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to record run of schedule %d: %w", id, err)
	}
	return nil
}

// SetScheduleNextRun stores only the next due time.
func (r *Repository) SetScheduleNextRun(ctx context.Context, id int64, nextRun *time.Time) error {
	_, err := ExecWithRetryContext(ctx, r.DB,
		`UPDATE schedules SET next_run = ?, updated_at = ? WHERE id = ?`,
		nullTime(nextRun), FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to set next run of schedule %d: %w", id, err)
	}
	return nil
}

// SetScheduleActive toggles a schedule.
func (r *Repository) SetScheduleActive(ctx context.Context, id int64, active bool) error {
	res, err := ExecWithRetryContext(ctx, r.DB,
		`UPDATE schedules SET active = ?, updated_at = ? WHERE id = ?`, boolInt(active), FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update schedule %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSchedule removes a schedule.
func (r *Repository) DeleteSchedule(ctx context.Context, id int64) error {
	res, err := ExecWithRetryContext(ctx, r.DB, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mescon/pixelarr/internal/domain"
)

const reportColumns = `id, operation_id, kind, status, started_at, ended_at, scanned, corrupted, warnings,
	errors, orphans_found, orphans_deleted, changes_found, roots, changed_files, error_text`

func scanReport(s rowScanner) (domain.OperationReport, error) {
	var (
		rep                    domain.OperationReport
		started, ended         string
		rootsJSON, changedJSON string
	)
	err := s.Scan(&rep.ID, &rep.OperationID, &rep.Kind, &rep.Status, &started, &ended,
		&rep.Scanned, &rep.Corrupted, &rep.Warnings, &rep.Errors, &rep.OrphansFound,
		&rep.OrphansDeleted, &rep.ChangesFound, &rootsJSON, &changedJSON, &rep.ErrorText)
	if err != nil {
		return rep, err
	}
	rep.StartedAt, _ = ParseTime(started)
	rep.EndedAt, _ = ParseTime(ended)
	if err := json.Unmarshal([]byte(rootsJSON), &rep.Roots); err != nil {
		return rep, fmt.Errorf("decoding roots: %w", err)
	}
	if err := json.Unmarshal([]byte(changedJSON), &rep.ChangedFiles); err != nil {
		return rep, fmt.Errorf("decoding changed files: %w", err)
	}
	return rep, nil
}

// InsertReport appends an operation report. Reports are never updated; a
// second insert for the same operation id fails with ErrDuplicate.
func (r *Repository) InsertReport(ctx context.Context, rep *domain.OperationReport) (int64, error) {
	roots := rep.Roots
	if roots == nil {
		roots = []string{}
	}
	changed := rep.ChangedFiles
	if changed == nil {
		changed = []domain.FileChange{}
	}
	rootsJSON, err := json.Marshal(roots)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal roots: %w", err)
	}
	changedJSON, err := json.Marshal(changed)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal changed files: %w", err)
	}

	res, err := ExecWithRetryContext(ctx, r.DB, `
		INSERT INTO operation_reports (operation_id, kind, status, started_at, ended_at, scanned, corrupted,
			warnings, errors, orphans_found, orphans_deleted, changes_found, roots, changed_files, error_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rep.OperationID, string(rep.Kind), string(rep.Status), FormatTime(rep.StartedAt), FormatTime(rep.EndedAt),
		rep.Scanned, rep.Corrupted, rep.Warnings, rep.Errors, rep.OrphansFound, rep.OrphansDeleted,
		rep.ChangesFound, string(rootsJSON), string(changedJSON), rep.ErrorText)
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("report for operation %s: %w", rep.OperationID, ErrDuplicate)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to insert report: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	rep.ID = id
	return id, nil
}

// GetReport returns a report by id.
func (r *Repository) GetReport(ctx context.Context, id int64) (*domain.OperationReport, error) {
	rep, err := scanReport(r.DB.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM operation_reports WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load report %d: %w", id, err)
	}
	return &rep, nil
}

// ListReports returns reports newest first, optionally filtered by kind,
// plus the number of matching reports.
func (r *Repository) ListReports(ctx context.Context, kind domain.OperationKind, limit, offset int) ([]domain.OperationReport, int64, error) {
	where := ""
	var args []interface{}
	if kind != "" {
		where = ` WHERE kind = ?`
		args = append(args, string(kind))
	}

	var total int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM operation_reports`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count reports: %w", err)
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+reportColumns+` FROM operation_reports`+where+` ORDER BY ended_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	reports := []domain.OperationReport{}
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, 0, err
		}
		reports = append(reports, rep)
	}
	return reports, total, rows.Err()
}

// LatestReport returns the newest report of kind.
func (r *Repository) LatestReport(ctx context.Context, kind domain.OperationKind) (*domain.OperationReport, error) {
	rep, err := scanReport(r.DB.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM operation_reports WHERE kind = ? ORDER BY ended_at DESC, id DESC LIMIT 1`, string(kind)))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest %s report: %w", kind, err)
	}
	return &rep, nil
}

// DeleteReport removes a report by id.
func (r *Repository) DeleteReport(ctx context.Context, id int64) error {
	res, err := ExecWithRetryContext(ctx, r.DB, `DELETE FROM operation_reports WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete report %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

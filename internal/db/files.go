package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mescon/pixelarr/internal/domain"
)

// maxInParams bounds the number of "?" placeholders in one IN clause.
const maxInParams = 500

const fileColumns = `id, path, size, mtime_ns, content_hash, media_kind, status, detail, tool,
	duration_ms, marked_good, rescan_pending, last_scanned_at, last_checked_at, discovered_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFile(s rowScanner) (domain.TrackedFile, error) {
	var (
		f                      domain.TrackedFile
		mtimeNs                int64
		markedGood, rescan     int
		lastScanned, lastCheck sql.NullString
		discovered             string
	)
	err := s.Scan(&f.ID, &f.Path, &f.Size, &mtimeNs, &f.ContentHash, &f.MediaKind, &f.Status,
		&f.Detail, &f.Tool, &f.DurationMs, &markedGood, &rescan, &lastScanned, &lastCheck, &discovered)
	if err != nil {
		return f, err
	}
	f.ModTime = time.Unix(0, mtimeNs).UTC()
	f.MarkedGood = markedGood != 0
	f.RescanPending = rescan != 0
	f.LastScannedAt = scanNullTime(lastScanned)
	f.LastCheckedAt = scanNullTime(lastCheck)
	if t, err := ParseTime(discovered); err == nil {
		f.DiscoveredAt = t
	}
	return f, nil
}

func collectFiles(rows *sql.Rows) ([]domain.TrackedFile, error) {
	defer rows.Close()
	var out []domain.TrackedFile
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tracked file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// chunks splits items into slices of at most size elements.
func chunks(items []string, size int) [][]string {
	var out [][]string
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}

func stringArgs(items []string) []interface{} {
	args := make([]interface{}, len(items))
	for i, s := range items {
		args[i] = s
	}
	return args
}

// GetTrackedFiles returns the records for the given paths, keyed by path.
// Paths without a record are absent from the map.
func (r *Repository) GetTrackedFiles(ctx context.Context, paths []string) (map[string]domain.TrackedFile, error) {
	out := make(map[string]domain.TrackedFile, len(paths))
	for _, chunk := range chunks(paths, maxInParams) {
		rows, err := QueryWithRetryContext(ctx, r.DB,
			`SELECT `+fileColumns+` FROM tracked_files WHERE path IN (`+placeholders(len(chunk))+`)`,
			stringArgs(chunk)...)
		if err != nil {
			return nil, fmt.Errorf("failed to load tracked files: %w", err)
		}
		files, err := collectFiles(rows)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			out[f.Path] = f
		}
	}
	return out, nil
}

// InsertPendingFiles adds newly discovered files in one transaction. Paths
// that already have a record are left untouched. It returns how many rows
// were inserted.
func (r *Repository) InsertPendingFiles(ctx context.Context, files []domain.TrackedFile) (int64, error) {
	if len(files) == 0 {
		return 0, nil
	}
	var inserted int64
	err := WithTxRetry(ctx, r.DB, func(tx *sql.Tx) error {
		inserted = 0
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO tracked_files (path, size, mtime_ns, content_hash, media_kind, status, rescan_pending, discovered_at)
			VALUES (?, ?, ?, ?, ?, 'pending', 0, ?)
			ON CONFLICT(path) DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, f := range files {
			discovered := f.DiscoveredAt
			if discovered.IsZero() {
				discovered = time.Now()
			}
			res, err := stmt.ExecContext(ctx, f.Path, f.Size, f.ModTime.UnixNano(), f.ContentHash, string(f.MediaKind), FormatTime(discovered))
			if err != nil {
				return fmt.Errorf("insert %s: %w", f.Path, err)
			}
			n, _ := res.RowsAffected()
			inserted += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to insert tracked files: %w", err)
	}
	return inserted, nil
}

// FileStatUpdate carries a freshly observed fingerprint for a tracked file.
type FileStatUpdate struct {
	Path        string
	Size        int64
	ModTime     time.Time
	ContentHash string // empty keeps the stored hash
	MediaKind   domain.MediaKind
}

// UpdateFileStats stores new fingerprints. With markRescan the files are
// also flagged for evaluation by the next scan; their status is unchanged.
func (r *Repository) UpdateFileStats(ctx context.Context, updates []FileStatUpdate, markRescan bool) error {
	if len(updates) == 0 {
		return nil
	}
	err := WithTxRetry(ctx, r.DB, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE tracked_files
			SET size = ?, mtime_ns = ?,
			    content_hash = CASE WHEN ? = '' THEN content_hash ELSE ? END,
			    media_kind = CASE WHEN ? = '' THEN media_kind ELSE ? END,
			    rescan_pending = CASE WHEN ? THEN 1 ELSE rescan_pending END
			WHERE path = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, u := range updates {
			if _, err := stmt.ExecContext(ctx, u.Size, u.ModTime.UnixNano(), u.ContentHash, u.ContentHash,
				string(u.MediaKind), string(u.MediaKind), boolInt(markRescan), u.Path); err != nil {
				return fmt.Errorf("update %s: %w", u.Path, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update file stats: %w", err)
	}
	return nil
}

// VerdictUpdate is the result of evaluating one file.
type VerdictUpdate struct {
	Path      string
	Verdict   domain.Verdict
	ScannedAt time.Time
}

// ApplyVerdicts records evaluation results in one transaction and clears
// the rescan flag on each file.
func (r *Repository) ApplyVerdicts(ctx context.Context, updates []VerdictUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	err := WithTxRetry(ctx, r.DB, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE tracked_files
			SET status = ?, detail = ?, tool = ?, duration_ms = ?,
			    rescan_pending = 0, last_scanned_at = ?, last_checked_at = ?
			WHERE path = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, u := range updates {
			if !u.Verdict.Status.Valid() {
				return fmt.Errorf("invalid status %q for %s", u.Verdict.Status, u.Path)
			}
			at := FormatTime(u.ScannedAt)
			if _, err := stmt.ExecContext(ctx, string(u.Verdict.Status), u.Verdict.Detail, u.Verdict.Tool,
				u.Verdict.DurationMs, at, at, u.Path); err != nil {
				return fmt.Errorf("update %s: %w", u.Path, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply verdicts: %w", err)
	}
	return nil
}

// PageQuery selects one page of tracked files in id order.
type PageQuery struct {
	AfterID int64
	Limit   int
	// CheckedBefore, when set, keeps only files never checked or last
	// checked before this time.
	CheckedBefore *time.Time
}

// ListTrackedPage returns up to q.Limit files with id > q.AfterID.
func (r *Repository) ListTrackedPage(ctx context.Context, q PageQuery) ([]domain.TrackedFile, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}
	query := `SELECT ` + fileColumns + ` FROM tracked_files WHERE id > ?`
	args := []interface{}{q.AfterID}
	if q.CheckedBefore != nil {
		query += ` AND (last_checked_at IS NULL OR last_checked_at < ?)`
		args = append(args, FormatTime(*q.CheckedBefore))
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)

	rows, err := QueryWithRetryContext(ctx, r.DB, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to page tracked files: %w", err)
	}
	return collectFiles(rows)
}

// CountTrackedFiles returns the number of tracked files.
func (r *Repository) CountTrackedFiles(ctx context.Context) (int64, error) {
	var n int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tracked_files`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tracked files: %w", err)
	}
	return n, nil
}

// DeleteFilesByPath removes the records for paths and returns how many
// rows were actually deleted.
func (r *Repository) DeleteFilesByPath(ctx context.Context, paths []string) (int64, error) {
	var deleted int64
	err := WithTxRetry(ctx, r.DB, func(tx *sql.Tx) error {
		deleted = 0
		for _, chunk := range chunks(paths, maxInParams) {
			res, err := tx.ExecContext(ctx,
				`DELETE FROM tracked_files WHERE path IN (`+placeholders(len(chunk))+`)`, stringArgs(chunk)...)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			deleted += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete tracked files: %w", err)
	}
	return deleted, nil
}

// TouchChecked records that paths were compared against disk at at.
func (r *Repository) TouchChecked(ctx context.Context, paths []string, at time.Time) error {
	stamp := FormatTime(at)
	return WithTxRetry(ctx, r.DB, func(tx *sql.Tx) error {
		for _, chunk := range chunks(paths, maxInParams) {
			args := append([]interface{}{stamp}, stringArgs(chunk)...)
			if _, err := tx.ExecContext(ctx,
				`UPDATE tracked_files SET last_checked_at = ? WHERE path IN (`+placeholders(len(chunk))+`)`, args...); err != nil {
				return fmt.Errorf("failed to update last_checked_at: %w", err)
			}
		}
		return nil
	})
}

// FileFilter narrows ListFiles.
type FileFilter struct {
	Status domain.FileStatus
	Limit  int
	Offset int
}

// ListFiles returns one page of files ordered by path, plus the total
// matching the filter.
func (r *Repository) ListFiles(ctx context.Context, f FileFilter) ([]domain.TrackedFile, int64, error) {
	where := ""
	var args []interface{}
	if f.Status != "" {
		where = ` WHERE status = ?`
		args = append(args, string(f.Status))
	}

	var total int64
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM tracked_files`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count files: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM tracked_files`+where+` ORDER BY path LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list files: %w", err)
	}
	files, err := collectFiles(rows)
	return files, total, err
}

// FileSummary counts tracked files per status.
func (r *Repository) FileSummary(ctx context.Context) (map[domain.FileStatus]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tracked_files GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to summarise files: %w", err)
	}
	defer rows.Close()

	out := map[domain.FileStatus]int64{
		domain.StatusHealthy: 0, domain.StatusCorrupted: 0, domain.StatusWarning: 0,
		domain.StatusPending: 0, domain.StatusError: 0,
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.FileStatus(status)] = n
	}
	return out, rows.Err()
}

// GetFile returns a tracked file by id.
func (r *Repository) GetFile(ctx context.Context, id int64) (*domain.TrackedFile, error) {
	f, err := scanFile(r.DB.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM tracked_files WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load file %d: %w", id, err)
	}
	return &f, nil
}

// SetMarkedGood sets or clears the override. Clearing it also requests a
// re-evaluation on the next scan.
func (r *Repository) SetMarkedGood(ctx context.Context, id int64, good bool) error {
	res, err := ExecWithRetryContext(ctx, r.DB, `
		UPDATE tracked_files
		SET marked_good = ?, rescan_pending = CASE WHEN ? THEN rescan_pending ELSE 1 END
		WHERE id = ?`, boolInt(good), boolInt(good), id)
	if err != nil {
		return fmt.Errorf("failed to update file %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RescanScope selects the files ResetForRescan flags.
type RescanScope string

const (
	RescanSelected  RescanScope = "selected"
	RescanCorrupted RescanScope = "corrupted"
	RescanErrored   RescanScope = "error"
	RescanAll       RescanScope = "all"
)

// ParseRescanScope validates a scope name. Empty means all files.
func ParseRescanScope(s string) (RescanScope, error) {
	switch sc := RescanScope(s); sc {
	case "":
		return RescanAll, nil
	case RescanSelected, RescanCorrupted, RescanErrored, RescanAll:
		return sc, nil
	}
	return "", fmt.Errorf("unknown rescan scope %q", s)
}

// ResetForRescan flags files for re-evaluation on the next scan and returns
// how many were flagged. Verdicts stay visible until then. Selected and all
// also clear the marked-good override; corrupted leaves overridden files
// alone.
func (r *Repository) ResetForRescan(ctx context.Context, scope RescanScope, ids []int64) (int64, error) {
	var flagged int64
	err := WithTxRetry(ctx, r.DB, func(tx *sql.Tx) error {
		flagged = 0
		exec := func(query string, args ...interface{}) error {
			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			flagged += n
			return nil
		}

		switch scope {
		case RescanSelected:
			for start := 0; start < len(ids); start += maxInParams {
				end := start + maxInParams
				if end > len(ids) {
					end = len(ids)
				}
				args := make([]interface{}, 0, end-start)
				for _, id := range ids[start:end] {
					args = append(args, id)
				}
				if err := exec(`UPDATE tracked_files SET rescan_pending = 1, marked_good = 0
					WHERE id IN (`+placeholders(len(args))+`)`, args...); err != nil {
					return err
				}
			}
			return nil
		case RescanCorrupted:
			return exec(`UPDATE tracked_files SET rescan_pending = 1 WHERE status = ? AND marked_good = 0`,
				string(domain.StatusCorrupted))
		case RescanErrored:
			return exec(`UPDATE tracked_files SET rescan_pending = 1 WHERE status = ?`, string(domain.StatusError))
		case RescanAll:
			return exec(`UPDATE tracked_files SET rescan_pending = 1, marked_good = 0`)
		}
		return fmt.Errorf("unknown rescan scope %q", scope)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to reset files for rescan: %w", err)
	}
	return flagged, nil
}

package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // Register pure-Go SQLite driver for database/sql

	"github.com/mescon/pixelarr/internal/logger"
)

// MaxRetries is the number of times to retry a database operation on SQLITE_BUSY
const MaxRetries = 5

// RetryDelay is the base delay between retries (increases exponentially)
const RetryDelay = 100 * time.Millisecond

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when a unique constraint rejects an insert.
var ErrDuplicate = errors.New("already exists")

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Repository provides database access methods for the application.
type Repository struct {
	DB   *sql.DB
	path string
}

// NewRepository opens (or creates) the database at dbPath and applies all
// pending migrations.
func NewRepository(dbPath string) (*Repository, error) {
	memory := dbPath == MemoryPath
	if !memory {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if memory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := configureSQLite(db, memory); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	repo := &Repository{DB: db, path: dbPath}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := repo.checkIntegrity(); err != nil {
		logger.Errorf("Warning: database integrity check failed: %v", err)
	}

	return repo, nil
}

// configureSQLite sets pragmas for reliability and performance
func configureSQLite(db *sql.DB, memory bool) error {
	criticalPragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=30000",
	}
	if !memory {
		criticalPragmas = append([]string{"PRAGMA journal_mode=WAL"}, criticalPragmas...)
	}

	for _, pragma := range criticalPragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set critical pragma %s: %w", pragma, err)
		}
	}

	optionalPragmas := []string{
		"PRAGMA synchronous=FULL",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA cache_size=-8000",
	}
	for _, pragma := range optionalPragmas {
		if _, err := db.Exec(pragma); err != nil {
			logger.Debugf("Failed to set optional pragma %s: %v", pragma, err)
		}
	}
	return nil
}

// runMigrations applies all pending goose migrations from the embedded FS.
func runMigrations(db *sql.DB) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("goose set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// gooseLogger routes goose output through the package logger.
type gooseLogger struct{}

func (gooseLogger) Fatalf(format string, v ...interface{}) { logger.Errorf("goose: "+format, v...) }
func (gooseLogger) Printf(format string, v ...interface{}) {
	logger.Debugf("goose: "+strings.TrimSuffix(format, "\n"), v...)
}

// checkIntegrity runs a quick integrity check on the database
func (r *Repository) checkIntegrity() error {
	var result string
	if err := r.DB.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	logger.Debugf("Database integrity check passed")
	return nil
}

// Ping reports whether the database answers.
func (r *Repository) Ping(ctx context.Context) error {
	return r.DB.PingContext(ctx)
}

// Close closes the database connection.
func (r *Repository) Close() error {
	return r.DB.Close()
}

// GracefulClose merges the WAL into the main database file and closes it.
func (r *Repository) GracefulClose() error {
	logger.Infof("Database: initiating graceful shutdown...")

	if _, err := r.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		logger.Warnf("Shutdown WAL checkpoint failed: %v", err)
	}
	if err := r.DB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	logger.Infof("Database shutdown complete")
	return nil
}

// Checkpoint runs a passive WAL checkpoint (non-blocking).
func (r *Repository) Checkpoint() error {
	if _, err := r.DB.Exec("PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
		return fmt.Errorf("checkpoint failed: %w", err)
	}
	return nil
}

// StartPeriodicCheckpoint runs Checkpoint every interval until the returned
// function is called.
func (r *Repository) StartPeriodicCheckpoint(interval time.Duration) func() {
	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				if err := r.Checkpoint(); err != nil {
					logger.Debugf("Periodic checkpoint failed: %v", err)
				}
			}
		}
	}()
	return func() { close(stopCh) }
}

// pruneOperation represents a data pruning operation with query and logging format.
type pruneOperation struct {
	name   string
	query  string
	args   []interface{}
	format string
}

func (r *Repository) executePruneOperation(op pruneOperation) {
	res, err := ExecWithRetry(r.DB, op.query, op.args...)
	if err != nil {
		logger.Errorf("Failed to %s: %v", op.name, err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.Infof(op.format, n)
	}
}

// RunMaintenance prunes events and reports older than retentionDays, then
// reclaims space and refreshes planner statistics.
func (r *Repository) RunMaintenance(retentionDays int) error {
	logger.Infof("Starting database maintenance...")

	if retentionDays > 0 {
		cutoff := FormatTime(time.Now().AddDate(0, 0, -retentionDays))
		for _, op := range []pruneOperation{
			{"prune old events", "DELETE FROM events WHERE created_at < ?", []interface{}{cutoff}, "Pruned %d old events"},
			{"prune old reports", "DELETE FROM operation_reports WHERE ended_at < ?", []interface{}{cutoff}, "Pruned %d old operation reports"},
		} {
			r.executePruneOperation(op)
		}
	}

	for _, op := range []struct {
		name        string
		sql         string
		warnOnError bool
	}{
		{"incremental vacuum", "PRAGMA incremental_vacuum", true},
		{"database analysis", "ANALYZE", true},
		{"WAL checkpoint", "PRAGMA wal_checkpoint(TRUNCATE)", false},
	} {
		if _, err := r.DB.Exec(op.sql); err != nil {
			if op.warnOnError {
				logger.Errorf("Failed to run %s: %v", op.name, err)
			} else {
				logger.Debugf("%s failed (might not be applicable): %v", op.name, err)
			}
		}
	}

	logger.Infof("Database maintenance completed")
	return nil
}

// Stats summarises database size and row counts for the health endpoint.
type Stats struct {
	SizeBytes   int64            `json:"size_bytes"`
	SizeHuman   string           `json:"size"`
	FreeBytes   int64            `json:"freelist_bytes"`
	JournalMode string           `json:"journal_mode"`
	TableCounts map[string]int64 `json:"table_counts"`
}

// GetDatabaseStats returns statistics about the database
func (r *Repository) GetDatabaseStats(ctx context.Context) (*Stats, error) {
	var pageCount, pageSize, freelist int64
	if err := r.DB.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return nil, fmt.Errorf("failed to get page_count: %w", err)
	}
	if err := r.DB.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return nil, fmt.Errorf("failed to get page_size: %w", err)
	}
	if err := r.DB.QueryRowContext(ctx, "PRAGMA freelist_count").Scan(&freelist); err != nil {
		return nil, fmt.Errorf("failed to get freelist_count: %w", err)
	}

	stats := &Stats{
		SizeBytes:   pageCount * pageSize,
		SizeHuman:   humanize.Bytes(uint64(pageCount * pageSize)),
		FreeBytes:   freelist * pageSize,
		TableCounts: map[string]int64{},
	}
	if err := r.DB.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&stats.JournalMode); err != nil {
		return nil, fmt.Errorf("failed to get journal_mode: %w", err)
	}

	// table names are fixed here, not user input
	for _, table := range []string{"tracked_files", "operation_reports", "schedules", "exclusion_rules", "events"} {
		var n int64
		if err := r.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err == nil {
			stats.TableCounts[table] = n
		}
	}
	return stats, nil
}

// Backup writes a consistent copy of the database next to it using
// VACUUM INTO and keeps the five most recent copies.
func (r *Repository) Backup() (string, error) {
	if r.path == MemoryPath {
		return "", errors.New("in-memory databases cannot be backed up")
	}
	if err := r.checkIntegrity(); err != nil {
		return "", fmt.Errorf("refusing to backup corrupted database: %w", err)
	}

	backupDir := filepath.Join(filepath.Dir(r.path), "backups")
	if err := os.MkdirAll(backupDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	backupPath := filepath.Join(backupDir, fmt.Sprintf("pixelarr_%s.db", time.Now().Format("20060102_150405")))
	// backupPath is generated here, never user input
	if _, err := r.DB.Exec(fmt.Sprintf("VACUUM INTO '%s'", strings.ReplaceAll(backupPath, "'", "''"))); err != nil {
		_ = os.Remove(backupPath)
		return "", fmt.Errorf("backup failed: %w", err)
	}

	if err := verifyBackupIntegrity(backupPath); err != nil {
		_ = os.Remove(backupPath)
		return "", fmt.Errorf("backup verification failed: %w", err)
	}

	if info, err := os.Stat(backupPath); err == nil {
		logger.Infof("Database backup written: %s (%s)", filepath.Base(backupPath), humanize.Bytes(uint64(info.Size())))
	}
	cleanupOldBackups(backupDir, 5)
	return backupPath, nil
}

func verifyBackupIntegrity(backupPath string) error {
	backupDB, err := sql.Open("sqlite", backupPath)
	if err != nil {
		return fmt.Errorf("failed to open backup for verification: %w", err)
	}
	defer backupDB.Close()

	var result string
	if err := backupDB.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("backup integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("backup integrity check failed: %s", result)
	}
	return nil
}

func cleanupOldBackups(backupDir string, keep int) {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		logger.Debugf("Failed to list backups: %v", err)
		return
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "pixelarr_") && strings.HasSuffix(e.Name(), ".db") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keep {
		return
	}
	// timestamped names sort chronologically
	sort.Strings(names)
	for _, name := range names[:len(names)-keep] {
		if err := os.Remove(filepath.Join(backupDir, name)); err != nil {
			logger.Debugf("Failed to remove old backup %s: %v", name, err)
		}
	}
}

// =============================================================================
// Shared helpers
// =============================================================================

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in the storage format (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime is the inverse of FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return FormatTime(*t)
}

func scanNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := ParseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholders returns "?,?,?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

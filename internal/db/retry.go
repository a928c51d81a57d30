package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mescon/pixelarr/internal/logger"
)

// isBusy reports whether err is SQLite lock contention worth retrying.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "SQLITE_BUSY") || strings.Contains(s, "database is locked")
}

// backoff sleeps for the attempt's delay unless ctx ends first.
func backoff(ctx context.Context, attempt int, what string) error {
	delay := RetryDelay * time.Duration(1<<attempt)
	logger.Debugf("Database busy on %s, retrying in %v (attempt %d/%d)", what, delay, attempt+1, MaxRetries)
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ExecWithRetry executes a SQL statement, retrying on SQLITE_BUSY with
// exponential backoff (100ms, 200ms, 400ms, ...).
func ExecWithRetry(db *sql.DB, query string, args ...interface{}) (sql.Result, error) {
	return ExecWithRetryContext(context.Background(), db, query, args...)
}

// ExecWithRetryContext is ExecWithRetry bounded by ctx.
func ExecWithRetryContext(ctx context.Context, db *sql.DB, query string, args ...interface{}) (sql.Result, error) {
	var err error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		var result sql.Result
		result, err = db.ExecContext(ctx, query, args...)
		if err == nil {
			return result, nil
		}
		if !isBusy(err) {
			return nil, err
		}
		if attempt < MaxRetries-1 {
			if werr := backoff(ctx, attempt, "exec"); werr != nil {
				return nil, werr
			}
		}
	}
	return nil, fmt.Errorf("database busy after %d retries: %w", MaxRetries, err)
}

// QueryWithRetry executes a query with retry logic for SQLITE_BUSY errors.
func QueryWithRetry(db *sql.DB, query string, args ...interface{}) (*sql.Rows, error) {
	return QueryWithRetryContext(context.Background(), db, query, args...)
}

// QueryWithRetryContext is QueryWithRetry bounded by ctx.
func QueryWithRetryContext(ctx context.Context, db *sql.DB, query string, args ...interface{}) (*sql.Rows, error) {
	var err error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		var rows *sql.Rows
		rows, err = db.QueryContext(ctx, query, args...)
		if err == nil {
			return rows, nil
		}
		if !isBusy(err) {
			return nil, err
		}
		if attempt < MaxRetries-1 {
			if werr := backoff(ctx, attempt, "query"); werr != nil {
				return nil, werr
			}
		}
	}
	return nil, fmt.Errorf("database busy after %d retries: %w", MaxRetries, err)
}

// WithTxRetry runs fn inside a transaction and commits it. The whole
// transaction is retried when SQLite reports contention; fn must therefore
// be safe to run more than once.
func WithTxRetry(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		err = runTx(ctx, db, fn)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		if attempt < MaxRetries-1 {
			if werr := backoff(ctx, attempt, "transaction"); werr != nil {
				return werr
			}
		}
	}
	return fmt.Errorf("database busy after %d retries: %w", MaxRetries, err)
}

func runTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

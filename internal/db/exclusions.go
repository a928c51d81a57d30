package db

import (
	"context"
	"fmt"
	"time"

	"github.com/mescon/pixelarr/internal/domain"
)

// ListExclusions returns all stored exclusion rules.
func (r *Repository) ListExclusions(ctx context.Context) ([]domain.ExclusionRule, error) {
	rows, err := QueryWithRetryContext(ctx, r.DB,
		`SELECT id, rule_type, value, created_at FROM exclusion_rules ORDER BY rule_type, value`)
	if err != nil {
		return nil, fmt.Errorf("failed to list exclusions: %w", err)
	}
	defer rows.Close()

	out := []domain.ExclusionRule{}
	for rows.Next() {
		var rule domain.ExclusionRule
		var created string
		if err := rows.Scan(&rule.ID, &rule.Type, &rule.Value, &created); err != nil {
			return nil, err
		}
		rule.CreatedAt, _ = ParseTime(created)
		out = append(out, rule)
	}
	return out, rows.Err()
}

// CreateExclusion stores an already validated rule.
func (r *Repository) CreateExclusion(ctx context.Context, rule *domain.ExclusionRule) error {
	now := time.Now().UTC()
	res, err := ExecWithRetryContext(ctx, r.DB,
		`INSERT INTO exclusion_rules (rule_type, value, created_at) VALUES (?, ?, ?)`,
		string(rule.Type), rule.Value, FormatTime(now))
	if isUniqueViolation(err) {
		return fmt.Errorf("exclusion %s %q: %w", rule.Type, rule.Value, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create exclusion: %w", err)
	}
	if rule.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	rule.CreatedAt = now
	return nil
}

// DeleteExclusion removes a rule by id.
func (r *Repository) DeleteExclusion(ctx context.Context, id int64) error {
	res, err := ExecWithRetryContext(ctx, r.DB, `DELETE FROM exclusion_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete exclusion %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

package testutil

import (
	"context"
	"fmt"

	"github.com/mescon/pixelarr/internal/db"
	"github.com/mescon/pixelarr/internal/domain"
)

// NewTestDB creates an in-memory SQLite repository with the real migrations
// applied. The caller closes it.
func NewTestDB() (*db.Repository, error) {
	repo, err := db.NewRepository(db.MemoryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	return repo, nil
}

// SeedTrackedFiles inserts files as pending records and then applies any
// non-pending status they carry.
func SeedTrackedFiles(repo *db.Repository, files []domain.TrackedFile) error {
	ctx := context.Background()
	if _, err := repo.InsertPendingFiles(ctx, files); err != nil {
		return err
	}
	var verdicts []db.VerdictUpdate
	for _, f := range files {
		if f.Status == "" || f.Status == domain.StatusPending {
			continue
		}
		at := f.DiscoveredAt
		if f.LastScannedAt != nil {
			at = *f.LastScannedAt
		}
		verdicts = append(verdicts, db.VerdictUpdate{
			Path:      f.Path,
			Verdict:   domain.Verdict{Status: f.Status, Detail: f.Detail, Tool: f.Tool},
			ScannedAt: at,
		})
	}
	return repo.ApplyVerdicts(ctx, verdicts)
}

package operation

import (
	"errors"
	"time"

	"github.com/mescon/pixelarr/internal/domain"
)

// BuildReport turns the final snapshot of an operation into its immutable
// report. runErr is the phase-fatal error, if any.
func BuildReport(snap domain.OperationState, roots []string, changes []domain.FileChange, runErr error) domain.OperationReport {
	rep := domain.OperationReport{
		OperationID:    snap.ID,
		Kind:           snap.Kind,
		Status:         reportStatus(snap, runErr),
		Scanned:        snap.Counters[domain.CounterScanned],
		Corrupted:      snap.Counters[domain.CounterCorrupted],
		Warnings:       snap.Counters[domain.CounterWarnings],
		Errors:         snap.Counters[domain.CounterErrors],
		OrphansFound:   snap.Counters[domain.CounterOrphansFound],
		OrphansDeleted: snap.Counters[domain.CounterOrphansDeleted],
		ChangesFound:   snap.Counters[domain.CounterChanges],
		Roots:          append([]string{}, roots...),
		ChangedFiles:   append([]domain.FileChange{}, changes...),
	}
	if snap.StartedAt != nil {
		rep.StartedAt = *snap.StartedAt
	}
	if snap.EndedAt != nil {
		rep.EndedAt = *snap.EndedAt
	} else {
		rep.EndedAt = time.Now()
	}
	if rep.StartedAt.IsZero() {
		rep.StartedAt = rep.EndedAt
	}

	if rep.Status == domain.ReportError {
		rep.ErrorText = snap.Error
		if runErr != nil {
			rep.ErrorText = runErr.Error()
		}
	}
	return rep
}

func reportStatus(snap domain.OperationState, runErr error) domain.ReportStatus {
	switch {
	case snap.Phase == domain.PhaseError:
		return domain.ReportError
	case snap.Phase == domain.PhaseCancelled:
		return domain.ReportCancelled
	case runErr != nil && !errors.Is(runErr, ErrCancelled):
		return domain.ReportError
	case runErr != nil:
		return domain.ReportCancelled
	}
	return domain.ReportCompleted
}

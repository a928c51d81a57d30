package services

import (
	"errors"
	"io/fs"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/mescon/pixelarr/internal/db"
	"github.com/mescon/pixelarr/internal/domain"
	"github.com/mescon/pixelarr/internal/logger"
)

// cleanup drives scanning_records -> checking_existence -> deleting_entries.
func (r *run) cleanup() error {
	paths, err := r.loadTrackedPaths()
	if err != nil {
		return err
	}
	if err := r.checkpoint(); err != nil {
		return err
	}

	orphans, err := r.findOrphans(paths)
	if err != nil {
		return err
	}
	if err := r.checkpoint(); err != nil {
		return err
	}

	return r.deleteOrphans(orphans)
}

// loadTrackedPaths reads every tracked path a page at a time.
func (r *run) loadTrackedPaths() ([]string, error) {
	total, err := r.svc.repo.CountTrackedFiles(r.ctx)
	if err != nil {
		return nil, err
	}
	r.tracker.SetPhaseTotal(total)
	r.emitProgress(true)

	paths := make([]string, 0, total)
	var afterID int64
	for {
		if err := r.checkpoint(); err != nil {
			return nil, err
		}
		page, err := r.svc.repo.ListTrackedPage(r.ctx, db.PageQuery{AfterID: afterID, Limit: r.svc.settings.PageSize})
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		for _, f := range page {
			paths = append(paths, f.Path)
		}
		afterID = page[len(page)-1].ID
		r.advance(int64(len(page)), "")
	}
	return paths, nil
}

// findOrphans checks each path on disk. Only a definite "does not exist"
// makes an orphan; permission or I/O errors leave the record alone.
func (r *run) findOrphans(paths []string) ([]string, error) {
	if err := r.setPhase(domain.PhaseCheckingExistence, int64(len(paths))); err != nil {
		return nil, err
	}

	var (
		orphans    []string
		unreadable int
	)
	for _, p := range paths {
		if err := r.checkpoint(); err != nil {
			return nil, err
		}
		missing, err := isMissing(p)
		if err != nil {
			unreadable++
			logger.Debugf("Cannot check %s, keeping record: %v", p, err)
		} else if missing {
			orphans = append(orphans, p)
			r.tracker.Inc(domain.CounterOrphansFound, 1)
		}
		r.advance(1, p)
	}
	if unreadable > 0 {
		logger.Warnf("%s %s could not check %d paths; their records were kept", r.kind, r.ticket.ID, unreadable)
	}
	logger.Infof("%s %s found %s orphaned records out of %s", r.kind, r.ticket.ID,
		humanize.Comma(int64(len(orphans))), humanize.Comma(int64(len(paths))))
	return orphans, nil
}

// deleteOrphans removes orphaned records in batches. A file that reappeared
// since it was checked is skipped.
func (r *run) deleteOrphans(orphans []string) error {
	if err := r.setPhase(domain.PhaseDeletingEntries, int64(len(orphans))); err != nil {
		return err
	}

	size := r.svc.settings.DeleteBatchSize
	for start := 0; start < len(orphans); start += size {
		if err := r.checkpoint(); err != nil {
			return err
		}
		end := start + size
		if end > len(orphans) {
			end = len(orphans)
		}
		batch := orphans[start:end]

		stillMissing := make([]string, 0, len(batch))
		for _, p := range batch {
			if missing, err := isMissing(p); err == nil && missing {
				stillMissing = append(stillMissing, p)
			} else {
				logger.Debugf("Keeping %s: file reappeared before deletion", p)
			}
		}
		n, err := r.svc.repo.DeleteFilesByPath(r.ctx, stillMissing)
		if err != nil {
			return err
		}
		r.tracker.Inc(domain.CounterOrphansDeleted, n)
		r.advance(int64(len(batch)), batch[len(batch)-1])
	}
	return nil
}

func isMissing(path string) (bool, error) {
	_, err := os.Lstat(path)
	if err == nil {
		return false, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	return false, err
}

package services

import (
	"errors"
	"io/fs"

	"github.com/mescon/pixelarr/internal/db"
	"github.com/mescon/pixelarr/internal/domain"
	"github.com/mescon/pixelarr/internal/fingerprint"
	"github.com/mescon/pixelarr/internal/logger"
)

// fileChanges drives enumerating -> comparing and returns the changed files.
func (r *run) fileChanges(full bool) ([]domain.FileChange, error) {
	files, err := r.enumerateForCheck(full)
	if err != nil {
		return nil, err
	}
	if err := r.checkpoint(); err != nil {
		return nil, err
	}
	return r.compare(files)
}

// enumerateForCheck pages through the files due for a freshness check: all
// of them for a full check, otherwise those not checked within the
// configured age.
func (r *run) enumerateForCheck(full bool) ([]domain.TrackedFile, error) {
	q := db.PageQuery{Limit: r.svc.settings.PageSize}
	if maxAge := r.svc.settings.FileChangeMaxAge; !full && maxAge > 0 {
		cutoff := r.svc.clock.Now().Add(-maxAge)
		q.CheckedBefore = &cutoff
	}

	var files []domain.TrackedFile
	for {
		if err := r.checkpoint(); err != nil {
			return nil, err
		}
		page, err := r.svc.repo.ListTrackedPage(r.ctx, q)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		files = append(files, page...)
		q.AfterID = page[len(page)-1].ID
		r.advance(int64(len(page)), "")
	}
	return files, nil
}

// changeBatch collects the writes of one comparing batch.
type changeBatch struct {
	modified  []db.FileStatUpdate
	refreshed []db.FileStatUpdate
	checked   []string
}

func (b *changeBatch) size() int { return len(b.checked) }

func (r *run) flushChanges(b *changeBatch) error {
	if err := r.svc.repo.UpdateFileStats(r.ctx, b.modified, true); err != nil {
		return err
	}
	if err := r.svc.repo.UpdateFileStats(r.ctx, b.refreshed, false); err != nil {
		return err
	}
	if len(b.checked) > 0 {
		if err := r.svc.repo.TouchChecked(r.ctx, b.checked, r.svc.clock.Now()); err != nil {
			return err
		}
	}
	*b = changeBatch{}
	return nil
}

// compare checks each file against its stored fingerprint. Content is only
// hashed when size is unchanged but the modification time moved.
func (r *run) compare(files []domain.TrackedFile) ([]domain.FileChange, error) {
	if err := r.setPhase(domain.PhaseComparing, int64(len(files))); err != nil {
		return nil, err
	}

	var (
		changes []domain.FileChange
		batch   changeBatch
	)
	for _, tf := range files {
		if err := r.checkpoint(); err != nil {
			// Changes found so far are still reported.
			if ferr := r.flushChanges(&batch); ferr != nil {
				return changes, ferr
			}
			return changes, err
		}

		change, update, refresh := r.compareOne(tf)
		batch.checked = append(batch.checked, tf.Path)
		if refresh {
			batch.refreshed = append(batch.refreshed, update)
		}
		if change != "" {
			if change == domain.ChangeModified {
				batch.modified = append(batch.modified, update)
			}
			changes = append(changes, domain.FileChange{Path: tf.Path, ChangeType: change})
			r.tracker.Inc(domain.CounterChanges, 1)
			r.publishChange(tf.Path, change)
		}
		r.advance(1, tf.Path)

		if batch.size() >= r.svc.settings.WriteBatchSize {
			if err := r.flushChanges(&batch); err != nil {
				return changes, err
			}
		}
	}
	if err := r.flushChanges(&batch); err != nil {
		return changes, err
	}
	logger.Infof("%s %s compared %d files, %d changed", r.kind, r.ticket.ID, len(files), len(changes))
	return changes, nil
}

// compareOne classifies a single file. It returns the change, if any, the
// stat update to store, and whether the update is a plain mtime refresh.
func (r *run) compareOne(tf domain.TrackedFile) (domain.ChangeType, db.FileStatUpdate, bool) {
	st, err := fingerprint.StatFile(tf.Path)
	if errors.Is(err, fs.ErrNotExist) {
		// Left in place for Cleanup.
		return domain.ChangeDeleted, db.FileStatUpdate{}, false
	}
	if err != nil {
		logger.Warnf("Cannot stat %s: %v", tf.Path, err)
		return "", db.FileStatUpdate{}, false
	}

	stored := fingerprint.Stat{Size: tf.Size, ModTime: tf.ModTime}
	if stored.Equal(st) {
		return "", db.FileStatUpdate{}, false
	}

	update := db.FileStatUpdate{Path: tf.Path, Size: st.Size, ModTime: st.ModTime}
	if tf.Size != st.Size {
		return domain.ChangeModified, update, false
	}

	hash, err := r.svc.hasher.Hash(r.ctx, tf.Path, st)
	if err != nil {
		logger.Warnf("Failed to hash %s, treating as modified: %v", tf.Path, err)
		return domain.ChangeModified, update, false
	}
	update.ContentHash = hash
	if tf.ContentHash != "" && tf.ContentHash == hash {
		// Touched but identical.
		return "", update, true
	}
	return domain.ChangeModified, update, false
}

func (r *run) publishChange(path string, change domain.ChangeType) {
	if err := r.svc.eb.Publish(domain.Event{
		AggregateType: "file",
		AggregateID:   path,
		EventType:     domain.FileChanged,
		EventData: map[string]interface{}{
			"operation_id": r.ticket.ID,
			"path":         path,
			"change_type":  string(change),
		},
	}); err != nil {
		logger.Errorf("Failed to publish %s for %s: %v", domain.FileChanged, path, err)
	}
}

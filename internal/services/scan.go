package services

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mescon/pixelarr/internal/db"
	"github.com/mescon/pixelarr/internal/detector"
	"github.com/mescon/pixelarr/internal/domain"
	"github.com/mescon/pixelarr/internal/exclusion"
	"github.com/mescon/pixelarr/internal/fingerprint"
	"github.com/mescon/pixelarr/internal/logger"
	"github.com/mescon/pixelarr/internal/worker"
)

// walkCheckEvery is how many walked entries pass between cancellation checks
// during discovery.
const walkCheckEvery = 256

type candidate struct {
	path string
	kind domain.MediaKind
}

// scan drives discovering -> registering -> scanning.
func (r *run) scan(roots []string, forceRescan bool, filter *exclusion.Filter) error {
	discovered, err := r.discover(roots, filter)
	if err != nil {
		return err
	}
	if err := r.checkpoint(); err != nil {
		return err
	}

	toScan, err := r.register(discovered, forceRescan)
	if err != nil {
		return err
	}
	if err := r.checkpoint(); err != nil {
		return err
	}

	return r.evaluate(toScan)
}

// scanOne registers a single file and evaluates it unconditionally.
func (r *run) scanOne(c candidate) error {
	r.tracker.Inc(domain.CounterDiscovered, 1)
	r.advance(1, c.path)
	if _, err := r.register([]candidate{c}, false); err != nil {
		return err
	}
	if err := r.checkpoint(); err != nil {
		return err
	}
	return r.evaluate([]candidate{c})
}

// discover walks every root and collects eligible regular files. The phase
// total stays unknown; only a running count is reported.
//
// A root may itself be a symlink; it is resolved once and the files found
// are recorded under the root as given. Symlinks below a root, to files or
// to directories, are not followed.
func (r *run) discover(roots []string, filter *exclusion.Filter) ([]candidate, error) {
	var (
		out     []candidate
		seen    = make(map[string]struct{})
		visited int
	)
	for _, root := range roots {
		resolved, err := filepath.EvalSymlinks(root)
		if err != nil {
			return nil, fmt.Errorf("root path %s is not accessible: %w", root, err)
		}
		info, err := os.Stat(resolved)
		if err != nil {
			return nil, fmt.Errorf("root path %s is not accessible: %w", root, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("root path %s is not a directory", root)
		}
		if resolved != root {
			logger.Debugf("Root %s resolves to %s", root, resolved)
		}

		before := len(out)
		err = filepath.WalkDir(resolved, func(walked string, d fs.DirEntry, err error) error {
			path := rebase(root, resolved, walked)
			visited++
			if visited%walkCheckEvery == 0 {
				if cerr := r.checkpoint(); cerr != nil {
					return cerr
				}
			}
			if err != nil {
				// Unreadable subtrees are skipped; the root itself was checked above.
				logger.Warnf("Skipping %s during discovery: %v", path, err)
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if path != root && (exclusion.SkipDir(d.Name()) || filter.ExcludedPrefix(path)) {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			kind, ok := filter.Eligible(path)
			if !ok {
				return nil
			}
			if _, dup := seen[path]; dup {
				return nil
			}
			seen[path] = struct{}{}
			out = append(out, candidate{path: path, kind: kind})
			r.tracker.Inc(domain.CounterDiscovered, 1)
			r.advance(1, path)
			return nil
		})
		if err != nil {
			return nil, err
		}
		logger.Debugf("Discovered %d eligible files under %s", len(out)-before, root)
	}
	logger.Infof("%s %s discovered %s eligible files in %d roots", r.kind, r.ticket.ID, humanize.Comma(int64(len(out))), len(roots))
	return out, nil
}

// rebase maps a path found under the resolved root back under root.
func rebase(root, resolved, path string) string {
	if root == resolved {
		return path
	}
	rel, err := filepath.Rel(resolved, path)
	if err != nil {
		return path
	}
	return filepath.Join(root, rel)
}

// register inserts new files as pending and compares existing ones with the
// disk. It returns the files that need evaluation.
func (r *run) register(discovered []candidate, forceRescan bool) ([]candidate, error) {
	if err := r.setPhase(domain.PhaseRegistering, int64(len(discovered))); err != nil {
		return nil, err
	}

	batchSize := r.svc.settings.RegisterBatchSize
	var toScan []candidate
	for start := 0; start < len(discovered); start += batchSize {
		if err := r.checkpoint(); err != nil {
			return nil, err
		}
		end := start + batchSize
		if end > len(discovered) {
			end = len(discovered)
		}
		batch := discovered[start:end]

		due, err := r.registerBatch(batch, forceRescan)
		if err != nil {
			return nil, err
		}
		toScan = append(toScan, due...)
		r.advance(int64(len(batch)), batch[len(batch)-1].path)
	}
	return toScan, nil
}

func (r *run) registerBatch(batch []candidate, forceRescan bool) ([]candidate, error) {
	paths := make([]string, len(batch))
	for i, c := range batch {
		paths[i] = c.path
	}
	existing, err := r.svc.repo.GetTrackedFiles(r.ctx, paths)
	if err != nil {
		return nil, err
	}

	var (
		due       []candidate
		inserts   []domain.TrackedFile
		changed   []db.FileStatUpdate
		refreshed []db.FileStatUpdate
		now       = r.svc.clock.Now()
	)
	for _, c := range batch {
		st, err := fingerprint.StatFile(c.path)
		if err != nil {
			// Vanished between discovery and registration.
			logger.Debugf("Skipping %s: %v", c.path, err)
			continue
		}

		tf, known := existing[c.path]
		if !known {
			inserts = append(inserts, domain.TrackedFile{
				Path:         c.path,
				Size:         st.Size,
				ModTime:      st.ModTime,
				MediaKind:    c.kind,
				DiscoveredAt: now,
			})
			due = append(due, c)
			continue
		}

		isChanged, hash := r.fingerprintChanged(tf, st, forceRescan)
		update := db.FileStatUpdate{
			Path:        c.path,
			Size:        st.Size,
			ModTime:     st.ModTime,
			ContentHash: hash,
			MediaKind:   c.kind,
		}
		switch {
		case isChanged:
			changed = append(changed, update)
		case hash != "" && !storedStat(tf).Equal(st):
			// Touched but identical: store the new mtime so the cheap check
			// matches next time.
			refreshed = append(refreshed, update)
		}
		if tf.MarkedGood {
			continue
		}
		if isChanged || tf.Status == domain.StatusPending || tf.RescanPending ||
			(forceRescan && tf.Status == domain.StatusError) {
			due = append(due, c)
		}
	}

	n, err := r.svc.repo.InsertPendingFiles(r.ctx, inserts)
	if err != nil {
		return nil, err
	}
	r.tracker.Inc(domain.CounterRegistered, n)
	if err := r.svc.repo.UpdateFileStats(r.ctx, changed, true); err != nil {
		return nil, err
	}
	if err := r.svc.repo.UpdateFileStats(r.ctx, refreshed, false); err != nil {
		return nil, err
	}
	return due, nil
}

// fingerprintChanged compares a stored record with the disk. The cheap
// (size, mtime) check is used unless forceRescan asks for content hashes.
// The hash is returned when one was computed.
func (r *run) fingerprintChanged(tf domain.TrackedFile, st fingerprint.Stat, forceRescan bool) (bool, string) {
	if !forceRescan {
		return !storedStat(tf).Equal(st), ""
	}
	if tf.Size != st.Size {
		return true, ""
	}
	hash, err := r.svc.hasher.Hash(r.ctx, tf.Path, st)
	if err != nil {
		logger.Warnf("Failed to hash %s, treating as changed: %v", tf.Path, err)
		return true, ""
	}
	return tf.ContentHash == "" || hash != tf.ContentHash, hash
}

func storedStat(tf domain.TrackedFile) fingerprint.Stat {
	return fingerprint.Stat{Size: tf.Size, ModTime: tf.ModTime}
}

type pendingEval struct {
	future *worker.Future
}

// evaluate dispatches files to a worker pool and records verdicts in
// batches. It is the only writer of tracked files during the phase.
func (r *run) evaluate(items []candidate) error {
	if err := r.setPhase(domain.PhaseScanning, int64(len(items))); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	settings := r.svc.settings
	pool := worker.NewPool(r.svc.det, worker.Config{Workers: settings.Workers, FileTimeout: settings.FileTimeout}, r.svc.clock)
	defer pool.Close()

	window := 2 * pool.Workers()
	var (
		pending   []pendingEval
		batch     []db.VerdictUpdate
		cancelled bool
		started   = time.Now()
	)

	collect := func(p pendingEval) error {
		res, err := p.future.Wait(r.ctx)
		if err != nil {
			return err
		}
		batch = append(batch, db.VerdictUpdate{Path: res.Path, Verdict: res.Verdict, ScannedAt: r.svc.clock.Now()})
		r.recordVerdict(res)
		r.advance(1, res.Path)
		if len(batch) >= settings.WriteBatchSize {
			if err := r.svc.repo.ApplyVerdicts(r.ctx, batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
		return nil
	}

	for _, it := range items {
		for len(pending) >= window {
			if err := collect(pending[0]); err != nil {
				return err
			}
			pending = pending[1:]
		}
		if r.checkpoint() != nil {
			cancelled = true
			break
		}
		fut, err := pool.Submit(r.ctx, it.path, it.kind)
		if errors.Is(err, worker.ErrInFlight) {
			continue
		}
		if err != nil {
			return err
		}
		pending = append(pending, pendingEval{future: fut})

		// Record whatever already finished so the batch keeps moving.
		for len(pending) > 0 {
			select {
			case <-pending[0].future.Done():
				if err := collect(pending[0]); err != nil {
					return err
				}
				pending = pending[1:]
				continue
			default:
			}
			break
		}
	}

	// In-flight files always finish and are recorded, cancelled or not.
	for _, p := range pending {
		if err := collect(p); err != nil {
			return err
		}
	}
	if err := r.svc.repo.ApplyVerdicts(r.ctx, batch); err != nil {
		return err
	}

	scanned := r.tracker.Counter(domain.CounterScanned)
	if secs := time.Since(started).Seconds(); secs > 0 {
		logger.Infof("%s %s evaluated %s files (%.1f files/sec)", r.kind, r.ticket.ID, humanize.Comma(scanned), float64(scanned)/secs)
	}
	if cancelled {
		return r.checkpoint()
	}
	return nil
}

func (r *run) recordVerdict(res worker.Result) {
	r.tracker.Inc(domain.CounterScanned, 1)

	var et domain.EventType
	switch res.Verdict.Status {
	case domain.StatusHealthy:
		r.tracker.Inc(domain.CounterHealthy, 1)
		return
	case domain.StatusCorrupted:
		r.tracker.Inc(domain.CounterCorrupted, 1)
		et = domain.FileCorrupted
	case domain.StatusWarning:
		r.tracker.Inc(domain.CounterWarnings, 1)
		et = domain.FileCorrupted
	default:
		r.tracker.Inc(domain.CounterErrors, 1)
		et = domain.FileErrored
		if res.Err != nil && res.Err.Type == detector.ErrorTimeout {
			logger.Warnf("Detector timed out on %s", res.Path)
		}
	}

	data := map[string]interface{}{
		"operation_id": r.ticket.ID,
		"path":         res.Path,
		"status":       string(res.Verdict.Status),
		"detail":       res.Verdict.Detail,
		"tool":         res.Verdict.Tool,
	}
	if err := r.svc.eb.Publish(domain.Event{
		AggregateType: "file",
		AggregateID:   res.Path,
		EventType:     et,
		EventData:     data,
	}); err != nil {
		logger.Errorf("Failed to publish %s for %s: %v", et, res.Path, err)
	}
}

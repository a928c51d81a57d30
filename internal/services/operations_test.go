package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mescon/pixelarr/internal/db"
	"github.com/mescon/pixelarr/internal/detector"
	"github.com/mescon/pixelarr/internal/domain"
	"github.com/mescon/pixelarr/internal/fingerprint"
	"github.com/mescon/pixelarr/internal/operation"
	"github.com/mescon/pixelarr/internal/testutil"
)

type testEnv struct {
	svc  *OperationService
	repo *db.Repository
	eb   *testutil.MockEventBus
	det  *testutil.MockDetector
}

func newTestEnv(t *testing.T, settings Settings) *testEnv {
	t.Helper()
	repo, err := testutil.NewTestDB()
	if err != nil {
		t.Fatalf("NewTestDB: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eb := testutil.NewMockEventBus()
	det := testutil.NewMockDetector()
	if settings.Workers == 0 {
		settings.Workers = 2
	}
	if settings.FileTimeout == 0 {
		settings.FileTimeout = 5 * time.Second
	}
	svc := NewOperationService(repo, eb, det, fingerprint.NewHasher(100, time.Minute), nil, settings)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return &testEnv{svc: svc, repo: repo, eb: eb, det: det}
}

func (e *testEnv) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.svc.Wait(ctx); err != nil {
		t.Fatalf("operation did not finish: %v", err)
	}
}

func (e *testEnv) lastReport(t *testing.T, kind domain.OperationKind) domain.OperationReport {
	t.Helper()
	reports, _, err := e.repo.ListReports(context.Background(), kind, 1, 0)
	if err != nil {
		t.Fatalf("ListReports: %v", err)
	}
	if len(reports) == 0 {
		t.Fatalf("no %s report stored", kind)
	}
	return reports[0]
}

// blockingDetector parks every call until release is closed and signals the
// first call on started.
func blockingDetector(det *testutil.MockDetector) (started chan struct{}, release chan struct{}) {
	started = make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	det.EvaluateFunc = func(ctx context.Context, path string, kind domain.MediaKind) (domain.Verdict, error) {
		once.Do(func() { close(started) })
		select {
		case <-release:
		case <-ctx.Done():
			return domain.Verdict{}, ctx.Err()
		}
		return domain.Verdict{Status: domain.StatusHealthy, Tool: "mock"}, nil
	}
	return started, release
}

func waitChan(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func mediaFiles(prefix string, n int) map[string]string {
	files := make(map[string]string, n)
	for i := 0; i < n; i++ {
		files[filepath.Join(prefix, "file"+string(rune('a'+i))+".mkv")] = strings.Repeat("x", i+1)
	}
	return files
}

// =============================================================================
// Scan tests
// =============================================================================

func TestScan_ThreeRootsTotalSeven(t *testing.T) {
	rootA := testutil.MediaTree(t, map[string]string{
		"a/one.mkv":     "1",
		"a/two.mp4":     "22",
		"a/partial.tmp": "x",
	})
	rootB := testutil.MediaTree(t, map[string]string{
		"notes.txt":    "not media",
		"download.tmp": "x",
	})
	rootC := testutil.MediaTree(t, map[string]string{
		"s1/e1.mkv":      "1",
		"s1/e2.mkv":      "2",
		"s1/e3.mkv":      "3",
		"cover.jpg":      "4",
		"track.flac":     "5",
		"s1/e4.mkv.tmp":  "x",
		".hidden/e5.mkv": "x",
	})

	env := newTestEnv(t, Settings{})
	id, err := env.svc.StartScan(ScanRequest{Paths: []string{rootA, rootB, rootC}})
	if err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	env.wait(t)

	st, _ := env.svc.Status(domain.KindScan)
	if st.ID != id {
		t.Errorf("status id = %s, want %s", st.ID, id)
	}
	if st.Phase != domain.PhaseCompleted {
		t.Fatalf("phase = %s, want completed (error %q)", st.Phase, st.Error)
	}
	if st.Total != 7 || st.Processed != 7 {
		t.Errorf("processed/total = %d/%d, want 7/7", st.Processed, st.Total)
	}
	if st.Percent != 100 {
		t.Errorf("percent = %v, want 100", st.Percent)
	}
	if env.det.CallCount() != 7 {
		t.Errorf("detector calls = %d, want 7", env.det.CallCount())
	}

	rep := env.lastReport(t, domain.KindScan)
	if rep.Scanned != 7 || rep.Status != domain.ReportCompleted {
		t.Errorf("report scanned=%d status=%s, want 7 completed", rep.Scanned, rep.Status)
	}
	if len(rep.Roots) != 3 {
		t.Errorf("report roots = %v", rep.Roots)
	}

	summary, _ := env.repo.FileSummary(context.Background())
	if summary[domain.StatusHealthy] != 7 {
		t.Errorf("healthy files = %d, want 7", summary[domain.StatusHealthy])
	}
	if env.eb.Count(domain.OperationCompleted) != 1 {
		t.Errorf("OperationCompleted events = %d, want 1", env.eb.Count(domain.OperationCompleted))
	}
}

func TestScan_SecondRunMakesNoDetectorCalls(t *testing.T) {
	root := testutil.MediaTree(t, mediaFiles("lib", 5))
	env := newTestEnv(t, Settings{DefaultRoots: []string{root}})

	if _, err := env.svc.StartScan(ScanRequest{}); err != nil {
		t.Fatalf("first scan: %v", err)
	}
	env.wait(t)
	if env.det.CallCount() != 5 {
		t.Fatalf("first run detector calls = %d, want 5", env.det.CallCount())
	}

	env.det.ResetCalls()
	if _, err := env.svc.StartScan(ScanRequest{}); err != nil {
		t.Fatalf("second scan: %v", err)
	}
	env.wait(t)

	if env.det.CallCount() != 0 {
		t.Errorf("second run detector calls = %d, want 0: %v", env.det.CallCount(), env.det.Calls())
	}
	st, _ := env.svc.Status(domain.KindScan)
	if st.Phase != domain.PhaseCompleted || st.Percent != 100 {
		t.Errorf("empty scanning phase should complete at 100%%, got %s %.1f", st.Phase, st.Percent)
	}
	if rep := env.lastReport(t, domain.KindScan); rep.Scanned != 0 {
		t.Errorf("second report scanned = %d, want 0", rep.Scanned)
	}
}

func TestScan_ChangedFileIsReevaluated(t *testing.T) {
	root := testutil.MediaTree(t, mediaFiles("lib", 3))
	env := newTestEnv(t, Settings{DefaultRoots: []string{root}})

	if _, err := env.svc.StartScan(ScanRequest{}); err != nil {
		t.Fatal(err)
	}
	env.wait(t)
	env.det.ResetCalls()

	changed := filepath.Join(root, "lib", "filea.mkv")
	testutil.WriteMediaFile(t, changed, "now much longer content")

	if _, err := env.svc.StartScan(ScanRequest{}); err != nil {
		t.Fatal(err)
	}
	env.wait(t)

	calls := env.det.Calls()
	if len(calls) != 1 || calls[0] != changed {
		t.Errorf("detector calls = %v, want only %s", calls, changed)
	}
}

func TestScan_MarkedGoodIsSkipped(t *testing.T) {
	root := testutil.MediaTree(t, mediaFiles("lib", 2))
	env := newTestEnv(t, Settings{DefaultRoots: []string{root}})
	ctx := context.Background()

	if _, err := env.svc.StartScan(ScanRequest{}); err != nil {
		t.Fatal(err)
	}
	env.wait(t)

	files, _, _ := env.repo.ListFiles(ctx, db.FileFilter{})
	if err := env.repo.SetMarkedGood(ctx, files[0].ID, true); err != nil {
		t.Fatal(err)
	}
	for _, f := range files {
		testutil.WriteMediaFile(t, f.Path, "rewritten with new size")
	}
	env.det.ResetCalls()

	if _, err := env.svc.StartScan(ScanRequest{}); err != nil {
		t.Fatal(err)
	}
	env.wait(t)

	calls := env.det.Calls()
	if len(calls) != 1 || calls[0] != files[1].Path {
		t.Errorf("detector calls = %v, want only %s", calls, files[1].Path)
	}
}

func TestScan_OneTimeoutOutOfTen(t *testing.T) {
	root := testutil.MediaTree(t, mediaFiles("batch", 10))
	slow := filepath.Join(root, "batch", "filed.mkv")

	env := newTestEnv(t, Settings{DefaultRoots: []string{root}, Workers: 3, FileTimeout: 100 * time.Millisecond})
	env.det.EvaluateFunc = func(ctx context.Context, path string, kind domain.MediaKind) (domain.Verdict, error) {
		if path == slow {
			<-ctx.Done()
			return domain.Verdict{}, &detector.Error{Type: detector.ErrorCrashed, Tool: "ffprobe", Message: "signal: killed"}
		}
		return domain.Verdict{Status: domain.StatusHealthy, Tool: "ffprobe"}, nil
	}

	if _, err := env.svc.StartScan(ScanRequest{}); err != nil {
		t.Fatal(err)
	}
	env.wait(t)

	st, _ := env.svc.Status(domain.KindScan)
	if st.Phase != domain.PhaseCompleted {
		t.Fatalf("phase = %s, want completed", st.Phase)
	}
	rep := env.lastReport(t, domain.KindScan)
	if rep.Scanned != 10 || rep.Errors != 1 {
		t.Errorf("report scanned=%d errors=%d, want 10/1", rep.Scanned, rep.Errors)
	}

	got, err := env.repo.GetTrackedFiles(context.Background(), []string{slow})
	if err != nil {
		t.Fatal(err)
	}
	f := got[slow]
	if f.Status != domain.StatusError {
		t.Errorf("slow file status = %s, want error", f.Status)
	}
	if !strings.Contains(f.Detail, string(detector.ErrorTimeout)) || f.Tool != "ffprobe" {
		t.Errorf("slow file detail=%q tool=%q", f.Detail, f.Tool)
	}
	summary, _ := env.repo.FileSummary(context.Background())
	if summary[domain.StatusHealthy] != 9 {
		t.Errorf("healthy = %d, want 9", summary[domain.StatusHealthy])
	}
	if env.eb.Count(domain.FileErrored) != 1 {
		t.Errorf("FileErrored events = %d, want 1", env.eb.Count(domain.FileErrored))
	}
}

func TestScan_CorruptedVerdictsAreCounted(t *testing.T) {
	root := testutil.MediaTree(t, mediaFiles("lib", 4))
	env := newTestEnv(t, Settings{DefaultRoots: []string{root}})
	env.det.SetResult(filepath.Join(root, "lib", "filea.mkv"), domain.Verdict{Status: domain.StatusCorrupted, Detail: "moov atom not found", Tool: "ffprobe"})
	env.det.SetResult(filepath.Join(root, "lib", "fileb.mkv"), domain.Verdict{Status: domain.StatusWarning, Detail: "non monotonic DTS", Tool: "ffmpeg"})

	if _, err := env.svc.StartScan(ScanRequest{}); err != nil {
		t.Fatal(err)
	}
	env.wait(t)

	rep := env.lastReport(t, domain.KindScan)
	if rep.Corrupted != 1 || rep.Warnings != 1 || rep.Scanned != 4 {
		t.Errorf("report = %+v", rep)
	}
	if env.eb.Count(domain.FileCorrupted) != 2 {
		t.Errorf("FileCorrupted events = %d, want 2", env.eb.Count(domain.FileCorrupted))
	}
}

func TestScan_InaccessibleRootFails(t *testing.T) {
	env := newTestEnv(t, Settings{})
	missing := filepath.Join(t.TempDir(), "gone")

	if _, err := env.svc.StartScan(ScanRequest{Paths: []string{missing}}); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	env.wait(t)

	st, _ := env.svc.Status(domain.KindScan)
	if st.Phase != domain.PhaseError || st.Error == "" {
		t.Errorf("phase=%s error=%q, want error with diagnostic", st.Phase, st.Error)
	}
	rep := env.lastReport(t, domain.KindScan)
	if rep.Status != domain.ReportError || !strings.Contains(rep.ErrorText, "not accessible") {
		t.Errorf("report status=%s error=%q", rep.Status, rep.ErrorText)
	}
	if env.eb.Count(domain.OperationFailed) != 1 {
		t.Error("expected one OperationFailed event")
	}
	if _, active := env.svc.Active(); active {
		t.Error("gate must be released after a failed operation")
	}
}

func TestStartScan_InvalidRequest(t *testing.T) {
	env := newTestEnv(t, Settings{})
	tests := []struct {
		name  string
		paths []string
	}{
		{"no roots configured", nil},
		{"relative root", []string{"media/tv"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.StartScan(ScanRequest{Paths: tt.paths})
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("err = %v, want ErrInvalidRequest", err)
			}
		})
	}
	if _, active := env.svc.Active(); active {
		t.Error("rejected request must not acquire the gate")
	}
}

func TestScan_ExclusionRulesApply(t *testing.T) {
	root := testutil.MediaTree(t, map[string]string{
		"keep/a.mkv":  "1",
		"skip/b.mkv":  "2",
		"keep/c.avi":  "3",
		"keep/d.webm": "4",
	})
	env := newTestEnv(t, Settings{DefaultRoots: []string{root}, ExcludedExtensions: []string{"avi"}})
	if err := env.repo.CreateExclusion(context.Background(), &domain.ExclusionRule{
		Type: domain.RulePathPrefix, Value: filepath.Join(root, "skip"),
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := env.svc.StartScan(ScanRequest{}); err != nil {
		t.Fatal(err)
	}
	env.wait(t)

	if rep := env.lastReport(t, domain.KindScan); rep.Scanned != 2 {
		t.Errorf("scanned = %d, want 2 (calls %v)", rep.Scanned, env.det.Calls())
	}
}

func TestScan_SymlinkedRoot(t *testing.T) {
	target := testutil.MediaTree(t, map[string]string{
		"show/a.mkv": "1",
		"show/b.mkv": "22",
	})
	if err := os.Symlink(filepath.Join(target, "show", "a.mkv"), filepath.Join(target, "show", "alias.mkv")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	link := filepath.Join(t.TempDir(), "media")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	env := newTestEnv(t, Settings{DefaultRoots: []string{link}})
	if _, err := env.svc.StartScan(ScanRequest{}); err != nil {
		t.Fatal(err)
	}
	env.wait(t)

	st, _ := env.svc.Status(domain.KindScan)
	if st.Phase != domain.PhaseCompleted {
		t.Fatalf("phase = %s, want completed (error %q)", st.Phase, st.Error)
	}
	if env.det.CallCount() != 2 {
		t.Errorf("detector calls = %d, want 2: %v", env.det.CallCount(), env.det.Calls())
	}
	files, _, err := env.repo.ListFiles(context.Background(), db.FileFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("tracked files = %d, want 2", len(files))
	}
	for _, f := range files {
		if !strings.HasPrefix(f.Path, link+string(filepath.Separator)) {
			t.Errorf("path %s should be recorded under the configured root %s", f.Path, link)
		}
		if filepath.Base(f.Path) == "alias.mkv" {
			t.Errorf("symlinked file below a root must not be scanned")
		}
	}

	// Rescanning through the link recognises the stored records.
	env.det.ResetCalls()
	if _, err := env.svc.StartScan(ScanRequest{}); err != nil {
		t.Fatal(err)
	}
	env.wait(t)
	if env.det.CallCount() != 0 {
		t.Errorf("second run detector calls = %v, want none", env.det.Calls())
	}
}

func TestScan_ForceRescanComparesHashes(t *testing.T) {
	root := testutil.MediaTree(t, mediaFiles("lib", 3))
	p := func(name string) string { return filepath.Join(root, "lib", name) }
	env := newTestEnv(t, Settings{DefaultRoots: []string{root}})
	env.det.SetError(p("filec.mkv"), &detector.Error{Type: detector.ErrorCrashed, Tool: "ffprobe", Message: "exit status 1"})
	ctx := context.Background()

	scan := func(force bool) []string {
		t.Helper()
		env.det.ResetCalls()
		if _, err := env.svc.StartScan(ScanRequest{ForceRescan: force}); err != nil {
			t.Fatal(err)
		}
		env.wait(t)
		calls := env.det.Calls()
		sort.Strings(calls)
		return calls
	}

	if calls := scan(false); len(calls) != 3 {
		t.Fatalf("first scan calls = %v, want 3", calls)
	}
	// No hashes are stored yet, so a forced run evaluates everything once.
	if calls := scan(true); len(calls) != 3 {
		t.Fatalf("first forced scan calls = %v, want 3", calls)
	}
	stored, err := env.repo.GetTrackedFiles(ctx, []string{p("filea.mkv"), p("fileb.mkv"), p("filec.mkv")})
	if err != nil {
		t.Fatal(err)
	}
	for path, f := range stored {
		if f.ContentHash == "" {
			t.Errorf("%s: content hash not stored by forced scan", path)
		}
	}

	// Same size and mtime, different bytes: only a hash can tell.
	before, err := os.Stat(p("filea.mkv"))
	if err != nil {
		t.Fatal(err)
	}
	testutil.WriteMediaFile(t, p("filea.mkv"), "y")
	if err := os.Chtimes(p("filea.mkv"), before.ModTime(), before.ModTime()); err != nil {
		t.Fatal(err)
	}
	env.svc.hasher.Forget()

	if calls := scan(false); len(calls) != 0 {
		t.Errorf("cheap check should not notice a same-stat rewrite, calls = %v", calls)
	}
	want := []string{p("filea.mkv"), p("filec.mkv")}
	if calls := scan(true); !reflect.DeepEqual(calls, want) {
		t.Errorf("forced scan calls = %v, want %v", calls, want)
	}

	// An mtime-only touch with identical content is not re-evaluated, and the
	// new mtime is stored so the next normal scan stays quiet.
	later := time.Now().Add(3 * time.Hour)
	if err := os.Chtimes(p("fileb.mkv"), later, later); err != nil {
		t.Fatal(err)
	}
	if calls := scan(true); !reflect.DeepEqual(calls, []string{p("filec.mkv")}) {
		t.Errorf("forced scan after touch calls = %v, want only the errored file", calls)
	}
	got, err := env.repo.GetTrackedFiles(ctx, []string{p("fileb.mkv")})
	if err != nil {
		t.Fatal(err)
	}
	if got[p("fileb.mkv")].ModTime.Unix() != later.Unix() {
		t.Errorf("touched mtime not stored: %v", got[p("fileb.mkv")].ModTime)
	}
	if got[p("fileb.mkv")].RescanPending {
		t.Error("identical content must not be flagged for re-scan")
	}
	if calls := scan(false); len(calls) != 0 {
		t.Errorf("normal scan after touch calls = %v, want none", calls)
	}
}

func TestStartFileScan_EvaluatesUnchangedFile(t *testing.T) {
	root := testutil.MediaTree(t, mediaFiles("lib", 3))
	target := filepath.Join(root, "lib", "fileb.mkv")
	env := newTestEnv(t, Settings{DefaultRoots: []string{root}})

	if _, err := env.svc.StartScan(ScanRequest{}); err != nil {
		t.Fatal(err)
	}
	env.wait(t)
	env.det.ResetCalls()
	env.det.SetResult(target, domain.Verdict{Status: domain.StatusCorrupted, Detail: "invalid NAL unit", Tool: "ffmpeg"})

	id, err := env.svc.StartFileScan(target)
	if err != nil {
		t.Fatalf("StartFileScan: %v", err)
	}
	env.wait(t)

	if calls := env.det.Calls(); len(calls) != 1 || calls[0] != target {
		t.Errorf("detector calls = %v, want only %s", calls, target)
	}
	rep := env.lastReport(t, domain.KindScan)
	if rep.OperationID != id || rep.Scanned != 1 || rep.Corrupted != 1 {
		t.Errorf("report = %+v", rep)
	}
	if len(rep.Roots) != 1 || rep.Roots[0] != target {
		t.Errorf("report roots = %v, want [%s]", rep.Roots, target)
	}
	got, _ := env.repo.GetTrackedFiles(context.Background(), []string{target})
	if got[target].Status != domain.StatusCorrupted {
		t.Errorf("status = %s, want corrupted", got[target].Status)
	}
}

func TestStartFileScan_RegistersUnknownFile(t *testing.T) {
	root := testutil.MediaTree(t, map[string]string{"new.mkv": "fresh"})
	target := filepath.Join(root, "new.mkv")
	env := newTestEnv(t, Settings{})

	if _, err := env.svc.StartFileScan(target); err != nil {
		t.Fatal(err)
	}
	env.wait(t)

	got, err := env.repo.GetTrackedFiles(context.Background(), []string{target})
	if err != nil {
		t.Fatal(err)
	}
	f, ok := got[target]
	if !ok {
		t.Fatal("file should be tracked after a single-file scan")
	}
	if f.Status != domain.StatusHealthy || f.Size != int64(len("fresh")) {
		t.Errorf("tracked file = %+v", f)
	}
	if env.det.CallCount() != 1 {
		t.Errorf("detector calls = %d, want 1", env.det.CallCount())
	}
}

func TestStartFileScan_InvalidRequest(t *testing.T) {
	root := testutil.MediaTree(t, map[string]string{"a.mkv": "1", "notes.txt": "x", "dir/b.mkv": "2"})
	env := newTestEnv(t, Settings{ExcludedExtensions: []string{"mkv"}})
	tests := []struct {
		name string
		path string
	}{
		{"relative", "lib/a.mkv"},
		{"missing", filepath.Join(root, "gone.mkv")},
		{"directory", filepath.Join(root, "dir")},
		{"not media", filepath.Join(root, "notes.txt")},
		{"excluded", filepath.Join(root, "a.mkv")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.svc.StartFileScan(tt.path); !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("err = %v, want ErrInvalidRequest", err)
			}
		})
	}
	if _, active := env.svc.Active(); active {
		t.Error("rejected request must not acquire the gate")
	}
}

// =============================================================================
// Gate and cancellation tests
// =============================================================================

func TestStart_BusyRejectsEveryKind(t *testing.T) {
	root := testutil.MediaTree(t, mediaFiles("lib", 3))
	env := newTestEnv(t, Settings{DefaultRoots: []string{root}, Workers: 1})
	started, release := blockingDetector(env.det)

	id, err := env.svc.StartScan(ScanRequest{})
	if err != nil {
		t.Fatal(err)
	}
	waitChan(t, started, "first detector call")
	before, _ := env.svc.Status(domain.KindScan)

	if _, err := env.svc.StartScan(ScanRequest{}); !errors.Is(err, operation.ErrBusy) {
		t.Errorf("second scan err = %v, want ErrBusy", err)
	}
	if _, err := env.svc.StartCleanup(); !errors.Is(err, operation.ErrBusy) {
		t.Errorf("cleanup err = %v, want ErrBusy", err)
	}
	if _, err := env.svc.StartFileChangeCheck(true); !errors.Is(err, operation.ErrBusy) {
		t.Errorf("file change err = %v, want ErrBusy", err)
	}

	after, _ := env.svc.Status(domain.KindScan)
	if after.ID != id || after.Phase != before.Phase || after.CancelRequested {
		t.Errorf("active scan state changed: before %+v after %+v", before, after)
	}
	if st, _ := env.svc.Status(domain.KindCleanup); st.Phase != domain.PhaseIdle {
		t.Errorf("cleanup phase = %s, want idle", st.Phase)
	}

	close(release)
	env.wait(t)
}

func TestCancel_MidScanning(t *testing.T) {
	root := testutil.MediaTree(t, mediaFiles("lib", 20))
	env := newTestEnv(t, Settings{DefaultRoots: []string{root}, Workers: 1, WriteBatchSize: 5})
	started, release := blockingDetector(env.det)

	if _, err := env.svc.StartScan(ScanRequest{}); err != nil {
		t.Fatal(err)
	}
	waitChan(t, started, "first detector call")

	if _, err := env.svc.Cancel(domain.KindScan); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(release)
	env.wait(t)

	st, _ := env.svc.Status(domain.KindScan)
	if st.Phase != domain.PhaseCancelled || !st.Cancelled {
		t.Fatalf("phase = %s, want cancelled", st.Phase)
	}
	if st.Processed > st.Total || st.Processed >= 20 {
		t.Errorf("processed %d of %d, want frozen below 20", st.Processed, st.Total)
	}

	// Every processed file, and only those, left the pending state.
	summary, _ := env.repo.FileSummary(context.Background())
	if summary[domain.StatusHealthy] != st.Processed {
		t.Errorf("healthy rows = %d, processed = %d", summary[domain.StatusHealthy], st.Processed)
	}
	if got := int64(env.det.CallCount()); got != st.Processed {
		t.Errorf("detector calls = %d, processed = %d", got, st.Processed)
	}
	rep := env.lastReport(t, domain.KindScan)
	if rep.Status != domain.ReportCancelled || rep.Scanned != st.Processed {
		t.Errorf("report status=%s scanned=%d", rep.Status, rep.Scanned)
	}
	if env.eb.Count(domain.OperationCancelled) != 1 {
		t.Error("expected one OperationCancelled event")
	}
}

func TestCancel_NotRunning(t *testing.T) {
	env := newTestEnv(t, Settings{})
	if _, err := env.svc.Cancel(domain.KindCleanup); !errors.Is(err, operation.ErrNotRunning) {
		t.Errorf("err = %v, want ErrNotRunning", err)
	}
}

func TestCancel_WrongKind(t *testing.T) {
	root := testutil.MediaTree(t, mediaFiles("lib", 2))
	env := newTestEnv(t, Settings{DefaultRoots: []string{root}, Workers: 1})
	started, release := blockingDetector(env.det)

	if _, err := env.svc.StartScan(ScanRequest{}); err != nil {
		t.Fatal(err)
	}
	waitChan(t, started, "first detector call")

	if _, err := env.svc.Cancel(domain.KindCleanup); !errors.Is(err, operation.ErrNotRunning) {
		t.Errorf("err = %v, want ErrNotRunning", err)
	}
	close(release)
	env.wait(t)
	if st, _ := env.svc.Status(domain.KindScan); st.Phase != domain.PhaseCompleted {
		t.Errorf("scan phase = %s, want completed", st.Phase)
	}
}

func TestShutdown_CancelsActiveOperation(t *testing.T) {
	root := testutil.MediaTree(t, mediaFiles("lib", 6))
	env := newTestEnv(t, Settings{DefaultRoots: []string{root}, Workers: 1})
	started, release := blockingDetector(env.det)

	if _, err := env.svc.StartScan(ScanRequest{}); err != nil {
		t.Fatal(err)
	}
	waitChan(t, started, "first detector call")

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.svc.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if rep := env.lastReport(t, domain.KindScan); rep.Status != domain.ReportCancelled {
		t.Errorf("report status = %s, want cancelled", rep.Status)
	}
}

// =============================================================================
// Progress properties
// =============================================================================

func TestProgressEvents_AreMonotonic(t *testing.T) {
	root := testutil.MediaTree(t, mediaFiles("lib", 12))
	env := newTestEnv(t, Settings{DefaultRoots: []string{root}, ProgressInterval: time.Nanosecond, RegisterBatchSize: 5})

	if _, err := env.svc.StartScan(ScanRequest{}); err != nil {
		t.Fatal(err)
	}
	env.wait(t)

	order := map[string]int{}
	for i, p := range domain.PhaseOrder(domain.KindScan) {
		order[string(p)] = i
	}
	events := env.eb.EventsOfType(domain.OperationProgress)
	if len(events) == 0 {
		t.Fatal("no progress events")
	}
	lastPhase, lastPct := -1, -1.0
	for _, ev := range events {
		data, ok := ev.ParseOperationEventData()
		if !ok {
			t.Fatal("progress event without operation id")
		}
		idx := order[data.Phase]
		if idx < lastPhase {
			t.Errorf("phase went backwards to %s", data.Phase)
		}
		if data.Percent < lastPct {
			t.Errorf("percent dropped from %.2f to %.2f", lastPct, data.Percent)
		}
		if data.Percent < 0 || data.Percent > 100 {
			t.Errorf("percent %.2f out of range", data.Percent)
		}
		if data.Phase == string(domain.PhaseScanning) && data.Total > 0 && data.Processed > data.Total {
			t.Errorf("processed %d > total %d", data.Processed, data.Total)
		}
		lastPhase, lastPct = idx, data.Percent
	}
}

func TestProgressEvents_AreThrottled(t *testing.T) {
	root := testutil.MediaTree(t, mediaFiles("lib", 15))
	env := newTestEnv(t, Settings{DefaultRoots: []string{root}, ProgressInterval: time.Hour})

	if _, err := env.svc.StartScan(ScanRequest{}); err != nil {
		t.Fatal(err)
	}
	env.wait(t)

	// One forced event per phase change; per-file advances are throttled away.
	if got := env.eb.Count(domain.OperationProgress); got > 3 {
		t.Errorf("progress events = %d, want at most 3", got)
	}
}

// =============================================================================
// Cleanup tests
// =============================================================================

func TestCleanup_RemovesExactlyTheOrphans(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	var seed []domain.TrackedFile
	for i := 0; i < 8; i++ {
		p := filepath.Join(root, "f"+string(rune('a'+i))+".mkv")
		if i < 5 {
			testutil.WriteMediaFile(t, p, "x")
		}
		seed = append(seed, testutil.NewTrackedFile(p, 1, now))
	}

	env := newTestEnv(t, Settings{PageSize: 3, DeleteBatchSize: 2})
	if err := testutil.SeedTrackedFiles(env.repo, seed); err != nil {
		t.Fatal(err)
	}

	if _, err := env.svc.StartCleanup(); err != nil {
		t.Fatal(err)
	}
	env.wait(t)

	st, _ := env.svc.Status(domain.KindCleanup)
	if st.Phase != domain.PhaseCompleted {
		t.Fatalf("phase = %s (%s)", st.Phase, st.Error)
	}
	if st.Total != 8 || st.Processed != 8 {
		t.Errorf("processed/total = %d/%d, want 8/8", st.Processed, st.Total)
	}
	n, _ := env.repo.CountTrackedFiles(context.Background())
	if n != 5 {
		t.Errorf("tracked files = %d, want 5", n)
	}
	rep := env.lastReport(t, domain.KindCleanup)
	if rep.OrphansFound != 3 || rep.OrphansDeleted != 3 {
		t.Errorf("orphans found=%d deleted=%d, want 3/3", rep.OrphansFound, rep.OrphansDeleted)
	}
}

func TestCleanup_EmptyTable(t *testing.T) {
	env := newTestEnv(t, Settings{})
	if _, err := env.svc.StartCleanup(); err != nil {
		t.Fatal(err)
	}
	env.wait(t)
	if st, _ := env.svc.Status(domain.KindCleanup); st.Phase != domain.PhaseCompleted || st.Percent != 100 {
		t.Errorf("phase=%s percent=%.1f", st.Phase, st.Percent)
	}
}

func TestIsMissing(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "here.mkv")
	testutil.WriteMediaFile(t, present, "x")

	if missing, err := isMissing(present); err != nil || missing {
		t.Errorf("present file: missing=%v err=%v", missing, err)
	}
	if missing, err := isMissing(filepath.Join(dir, "gone.mkv")); err != nil || !missing {
		t.Errorf("absent file: missing=%v err=%v", missing, err)
	}
}

// =============================================================================
// File-change tests
// =============================================================================

func seedFromDisk(t *testing.T, repo *db.Repository, hasher *fingerprint.Hasher, paths ...string) {
	t.Helper()
	var files []domain.TrackedFile
	for _, p := range paths {
		st, err := fingerprint.StatFile(p)
		if err != nil {
			t.Fatal(err)
		}
		sum, err := hasher.Hash(context.Background(), p, st)
		if err != nil {
			t.Fatal(err)
		}
		tf := testutil.NewTrackedFile(p, st.Size, st.ModTime)
		tf.ContentHash = sum
		tf.Status = domain.StatusHealthy
		files = append(files, tf)
	}
	if err := testutil.SeedTrackedFiles(repo, files); err != nil {
		t.Fatal(err)
	}
}

func TestFileChanges_DetectsModifiedAndDeleted(t *testing.T) {
	root := testutil.MediaTree(t, map[string]string{
		"same.mkv":    "unchanged",
		"touched.mkv": "same bytes",
		"grown.mkv":   "short",
		"removed.mkv": "bye",
		"edited.mkv":  "aaaa",
	})
	p := func(name string) string { return filepath.Join(root, name) }

	env := newTestEnv(t, Settings{})
	seedFromDisk(t, env.repo, fingerprint.NewHasher(0, 0),
		p("same.mkv"), p("touched.mkv"), p("grown.mkv"), p("removed.mkv"), p("edited.mkv"))

	later := time.Now().Add(2 * time.Hour)
	if err := os.Chtimes(p("touched.mkv"), later, later); err != nil {
		t.Fatal(err)
	}
	testutil.WriteMediaFile(t, p("grown.mkv"), "considerably longer")
	testutil.WriteMediaFile(t, p("edited.mkv"), "bbbb")
	if err := os.Chtimes(p("edited.mkv"), later, later); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(p("removed.mkv")); err != nil {
		t.Fatal(err)
	}

	if _, err := env.svc.StartFileChangeCheck(true); err != nil {
		t.Fatal(err)
	}
	env.wait(t)

	rep := env.lastReport(t, domain.KindFileChanges)
	got := map[string]domain.ChangeType{}
	for _, c := range rep.ChangedFiles {
		got[filepath.Base(c.Path)] = c.ChangeType
	}
	want := map[string]domain.ChangeType{
		"grown.mkv":   domain.ChangeModified,
		"edited.mkv":  domain.ChangeModified,
		"removed.mkv": domain.ChangeDeleted,
	}
	if len(got) != len(want) {
		t.Errorf("changes = %v, want %v", got, want)
	}
	for name, ct := range want {
		if got[name] != ct {
			t.Errorf("%s: change = %q, want %q", name, got[name], ct)
		}
	}
	if rep.ChangesFound != 3 {
		t.Errorf("ChangesFound = %d, want 3", rep.ChangesFound)
	}

	files, err := env.repo.GetTrackedFiles(context.Background(), []string{
		p("same.mkv"), p("touched.mkv"), p("grown.mkv"), p("removed.mkv"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !files[p("grown.mkv")].RescanPending {
		t.Error("modified file should be pending re-scan")
	}
	if files[p("grown.mkv")].Status != domain.StatusHealthy {
		t.Errorf("status must not change, got %s", files[p("grown.mkv")].Status)
	}
	if files[p("touched.mkv")].RescanPending {
		t.Error("mtime-only touch with identical content is not a change")
	}
	if files[p("touched.mkv")].ModTime.Unix() != later.Unix() {
		t.Error("touched file mtime should be refreshed")
	}
	if _, ok := files[p("removed.mkv")]; !ok {
		t.Error("deleted file record is left for cleanup")
	}
	if files[p("same.mkv")].LastCheckedAt == nil {
		t.Error("compared file should have last_checked_at set")
	}
	if env.eb.Count(domain.FileChanged) != 3 {
		t.Errorf("FileChanged events = %d, want 3", env.eb.Count(domain.FileChanged))
	}
}

func TestFileChanges_UnchangedFilesAreNeverHashed(t *testing.T) {
	root := testutil.MediaTree(t, map[string]string{"a.mkv": "1", "b.mkv": "22", "c.mkv": "333"})
	p := func(name string) string { return filepath.Join(root, name) }
	env := newTestEnv(t, Settings{})
	seedFromDisk(t, env.repo, fingerprint.NewHasher(0, 0), p("a.mkv"), p("b.mkv"), p("c.mkv"))

	if _, err := env.svc.StartFileChangeCheck(true); err != nil {
		t.Fatal(err)
	}
	env.wait(t)
	if n := env.svc.hasher.Computed(); n != 0 {
		t.Errorf("hashes computed = %d, want 0 for unchanged files", n)
	}
	if rep := env.lastReport(t, domain.KindFileChanges); rep.ChangesFound != 0 {
		t.Errorf("ChangesFound = %d, want 0", rep.ChangesFound)
	}

	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(p("b.mkv"), later, later); err != nil {
		t.Fatal(err)
	}
	if _, err := env.svc.StartFileChangeCheck(true); err != nil {
		t.Fatal(err)
	}
	env.wait(t)
	if n := env.svc.hasher.Computed(); n != 1 {
		t.Errorf("hashes computed = %d, want 1 for the touched file only", n)
	}
	if rep := env.lastReport(t, domain.KindFileChanges); rep.ChangesFound != 0 {
		t.Errorf("ChangesFound = %d, want 0", rep.ChangesFound)
	}
}

func TestFileChanges_MaxAgeSkipsRecentlyChecked(t *testing.T) {
	root := testutil.MediaTree(t, map[string]string{"a.mkv": "1", "b.mkv": "2"})
	env := newTestEnv(t, Settings{FileChangeMaxAge: time.Hour})
	seedFromDisk(t, env.repo, fingerprint.NewHasher(0, 0), filepath.Join(root, "a.mkv"), filepath.Join(root, "b.mkv"))

	if err := env.repo.TouchChecked(context.Background(), []string{filepath.Join(root, "a.mkv")}, time.Now()); err != nil {
		t.Fatal(err)
	}

	if _, err := env.svc.StartFileChangeCheck(false); err != nil {
		t.Fatal(err)
	}
	env.wait(t)
	if st, _ := env.svc.Status(domain.KindFileChanges); st.Total != 1 {
		t.Errorf("compared %d files, want 1", st.Total)
	}

	if _, err := env.svc.StartFileChangeCheck(true); err != nil {
		t.Fatal(err)
	}
	env.wait(t)
	if st, _ := env.svc.Status(domain.KindFileChanges); st.Total != 2 {
		t.Errorf("full check compared %d files, want 2", st.Total)
	}
}

func TestFileChanges_ThenScanReevaluatesOnlyChanged(t *testing.T) {
	root := testutil.MediaTree(t, mediaFiles("lib", 4))
	env := newTestEnv(t, Settings{DefaultRoots: []string{root}})

	if _, err := env.svc.StartScan(ScanRequest{}); err != nil {
		t.Fatal(err)
	}
	env.wait(t)

	changed := filepath.Join(root, "lib", "fileb.mkv")
	testutil.WriteMediaFile(t, changed, "different length now")
	if _, err := env.svc.StartFileChangeCheck(true); err != nil {
		t.Fatal(err)
	}
	env.wait(t)

	env.det.ResetCalls()
	if _, err := env.svc.StartScan(ScanRequest{}); err != nil {
		t.Fatal(err)
	}
	env.wait(t)
	calls := env.det.Calls()
	if len(calls) != 1 || calls[0] != changed {
		t.Errorf("calls = %v, want [%s]", calls, changed)
	}
}

// =============================================================================
// Status
// =============================================================================

func TestStatus_IdleAndUnknownKind(t *testing.T) {
	env := newTestEnv(t, Settings{})
	for _, k := range domain.AllKinds {
		st, err := env.svc.Status(k)
		if err != nil {
			t.Fatal(err)
		}
		if st.Phase != domain.PhaseIdle || st.Kind != k {
			t.Errorf("%s: %+v", k, st)
		}
	}
	if _, err := env.svc.Status("defrag"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("err = %v", err)
	}
	if got := len(env.svc.StatusAll()); got != 3 {
		t.Errorf("StatusAll returned %d kinds", got)
	}
}

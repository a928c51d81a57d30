package detector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/mescon/pixelarr/internal/clock"
	"github.com/mescon/pixelarr/internal/domain"
)

// fakeTool writes an executable shell script that stands in for a detection
// binary.
func fakeTool(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "tool.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func mediaFile(t *testing.T, name string, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// =============================================================================
// Path validation and accessibility
// =============================================================================

func TestValidateMediaPath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"/media/movie.mkv", false},
		{"/media/with space/movie.mkv", false},
		{"relative/movie.mkv", true},
		{"/media/bad\x00name.mkv", true},
		{"/media/bad\nname.mkv", true},
	}
	for _, tt := range tests {
		err := validateMediaPath(tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("validateMediaPath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
		}
	}
}

func TestCheckAccessibility(t *testing.T) {
	dir := t.TempDir()

	if _, err := checkAccessibility(filepath.Join(dir, "missing.mkv")); err == nil || err.Type != ErrorPathNotFound {
		t.Errorf("missing file: got %v, want PathNotFound", err)
	}
	if _, err := checkAccessibility(filepath.Join(dir, "gone", "x.mkv")); err == nil || err.Type != ErrorMountLost {
		t.Errorf("missing parent: got %v, want MountLost", err)
	}

	sub := filepath.Join(dir, "sub.mkv")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	if _, err := checkAccessibility(sub); err == nil || err.Type != ErrorInvalidPath {
		t.Errorf("directory: got %v, want InvalidPath", err)
	}
}

func TestClassifyToolOutput(t *testing.T) {
	if e := classifyToolOutput("ffprobe", "x.mkv: Permission denied"); e == nil || e.Type != ErrorAccessDenied {
		t.Errorf("permission: got %v", e)
	}
	if e := classifyToolOutput("ffprobe", "Invalid data found when processing input"); e != nil {
		t.Errorf("content error should not be an access error, got %v", e)
	}
}

// =============================================================================
// Evaluate
// =============================================================================

func TestEvaluate_EmptyFileIsCorrupted(t *testing.T) {
	d := NewCmdDetector(Paths{FFprobe: "/nonexistent/ffprobe"}, false, clock.NewRealClock())
	v, err := d.Evaluate(context.Background(), mediaFile(t, "empty.mkv", ""), domain.MediaVideo)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if v.Status != domain.StatusCorrupted || v.Tool != "stat" {
		t.Errorf("verdict = %+v, want corrupted by stat", v)
	}
}

func TestEvaluate_MissingToolIsUnavailable(t *testing.T) {
	d := NewCmdDetector(Paths{FFprobe: "/nonexistent/ffprobe"}, false, clock.NewRealClock())
	_, err := d.Evaluate(context.Background(), mediaFile(t, "a.mkv", "data"), domain.MediaVideo)

	var de *Error
	if !errors.As(err, &de) || de.Type != ErrorUnavailable {
		t.Fatalf("error = %v, want Unavailable", err)
	}
	if de.Tool != "ffprobe" {
		t.Errorf("Tool = %q, want ffprobe", de.Tool)
	}
}

func TestEvaluate_ProbeVerdicts(t *testing.T) {
	tests := []struct {
		name       string
		script     string
		kind       domain.MediaKind
		wantStatus domain.FileStatus
		wantDetail string
	}{
		{
			name:       "healthy video",
			script:     `echo '{"streams":[{"codec_type":"video"},{"codec_type":"audio"}]}'`,
			kind:       domain.MediaVideo,
			wantStatus: domain.StatusHealthy,
		},
		{
			name:       "video without video stream",
			script:     `echo '{"streams":[{"codec_type":"audio"}]}'`,
			kind:       domain.MediaVideo,
			wantStatus: domain.StatusCorrupted,
			wantDetail: "no video stream",
		},
		{
			name:       "warnings on stderr",
			script:     `echo '{"streams":[{"codec_type":"audio"}]}'; echo 'Estimating duration from bitrate' >&2`,
			kind:       domain.MediaAudio,
			wantStatus: domain.StatusWarning,
			wantDetail: "Estimating duration",
		},
		{
			name:       "tool rejects file",
			script:     `echo 'moov atom not found' >&2; exit 1`,
			kind:       domain.MediaVideo,
			wantStatus: domain.StatusCorrupted,
			wantDetail: "moov atom not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewCmdDetector(Paths{FFprobe: fakeTool(t, tt.script)}, false, clock.NewRealClock())
			v, err := d.Evaluate(context.Background(), mediaFile(t, "f.mkv", "data"), tt.kind)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if v.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", v.Status, tt.wantStatus)
			}
			if !strings.Contains(v.Detail, tt.wantDetail) {
				t.Errorf("Detail = %q, want it to contain %q", v.Detail, tt.wantDetail)
			}
			if v.Tool != "ffprobe" {
				t.Errorf("Tool = %q, want ffprobe", v.Tool)
			}
		})
	}
}

func TestEvaluate_ImageUsesMagick(t *testing.T) {
	magick := fakeTool(t, `[ "$1" = "identify" ] || exit 3; echo "$2 JPEG 10x10"`)
	d := NewCmdDetector(Paths{Magick: magick}, false, clock.NewRealClock())

	v, err := d.Evaluate(context.Background(), mediaFile(t, "p.jpg", "data"), domain.MediaImage)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if v.Status != domain.StatusHealthy || v.Tool != "imagemagick" {
		t.Errorf("verdict = %+v", v)
	}
}

func TestEvaluate_TimeoutNamesTool(t *testing.T) {
	d := NewCmdDetector(Paths{FFprobe: fakeTool(t, "exec sleep 5")}, false, clock.NewRealClock())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := d.Evaluate(ctx, mediaFile(t, "slow.mkv", "data"), domain.MediaVideo)
	var de *Error
	if !errors.As(err, &de) || de.Type != ErrorTimeout {
		t.Fatalf("error = %v, want Timeout", err)
	}
	if !strings.Contains(de.Message, "ffprobe") {
		t.Errorf("Message = %q, want tool name", de.Message)
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", maxDetailLen+50)
	if got := truncate(long); len(got) > maxDetailLen+len("…") {
		t.Errorf("len(truncate) = %d", len(got))
	}
	if got := truncate("  short \n"); got != "short" {
		t.Errorf("truncate = %q", got)
	}
}

func TestAsError(t *testing.T) {
	if e := AsError(context.DeadlineExceeded); e.Type != ErrorTimeout {
		t.Errorf("deadline: got %s", e.Type)
	}
	if e := AsError(errors.New("boom")); e.Type != ErrorCrashed {
		t.Errorf("foreign: got %s", e.Type)
	}
	orig := &Error{Type: ErrorIO, Message: "eio"}
	if e := AsError(orig); e != orig {
		t.Error("AsError should unwrap an existing *Error")
	}
	if !orig.Transient() || (&Error{Type: ErrorInvalidPath}).Transient() {
		t.Error("Transient classification wrong")
	}
}

package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mescon/pixelarr/internal/clock"
	"github.com/mescon/pixelarr/internal/domain"
	"github.com/mescon/pixelarr/internal/logger"
)

const maxDetailLen = 2000

// Paths locates the external tools. Bare names are resolved through PATH.
type Paths struct {
	FFprobe string
	FFmpeg  string
	Magick  string
}

// CmdDetector evaluates files by running ffprobe/ffmpeg for audio and video
// and ImageMagick for still images.
type CmdDetector struct {
	paths    Paths
	thorough bool
	clock    clock.Clock
	breakers *BreakerSet
}

// NewCmdDetector creates a detector. In thorough mode whole streams are
// decoded instead of only probing headers.
func NewCmdDetector(paths Paths, thorough bool, clk clock.Clock) *CmdDetector {
	if paths.FFprobe == "" {
		paths.FFprobe = "ffprobe"
	}
	if paths.FFmpeg == "" {
		paths.FFmpeg = "ffmpeg"
	}
	if paths.Magick == "" {
		paths.Magick = "magick"
	}
	return &CmdDetector{
		paths:    paths,
		thorough: thorough,
		clock:    clk,
		breakers: NewBreakerSet(DefaultBreakerConfig(), clk),
	}
}

// invocation is one tool run plus the rule turning its output into a verdict.
type invocation struct {
	tool  string
	bin   string
	args  []string
	judge func(stdout, stderr string) (domain.FileStatus, string)
}

func (d *CmdDetector) Evaluate(ctx context.Context, path string, kind domain.MediaKind) (domain.Verdict, error) {
	start := d.clock.Now()
	elapsed := func() int64 { return d.clock.Since(start).Milliseconds() }

	if err := validateMediaPath(path); err != nil {
		return domain.Verdict{}, &Error{Type: ErrorInvalidPath, Message: err.Error()}
	}

	info, derr := checkAccessibility(path)
	if derr != nil {
		return domain.Verdict{}, derr
	}
	if info.Size() == 0 {
		return domain.Verdict{Status: domain.StatusCorrupted, Detail: "file is empty", Tool: "stat", DurationMs: elapsed()}, nil
	}

	var inv invocation
	switch kind {
	case domain.MediaImage:
		inv = d.imageCheck(path)
	case domain.MediaAudio:
		inv = d.streamCheck(path, "audio")
	case domain.MediaVideo:
		inv = d.streamCheck(path, "video")
	default:
		inv = d.streamCheck(path, "")
	}

	stdout, stderr, err := d.run(ctx, inv)
	var rejected errCorrupt
	if errors.As(err, &rejected) {
		return domain.Verdict{Status: domain.StatusCorrupted, Detail: truncate(rejected.detail), Tool: rejected.tool, DurationMs: elapsed()}, nil
	}
	if err != nil {
		return domain.Verdict{}, err
	}
	status, detail := inv.judge(stdout, stderr)
	return domain.Verdict{Status: status, Detail: truncate(detail), Tool: inv.tool, DurationMs: elapsed()}, nil
}

// streamCheck probes (or in thorough mode decodes) an audio/video file.
// want names the stream type that must be present; "" accepts any.
func (d *CmdDetector) streamCheck(path, want string) invocation {
	if d.thorough {
		return invocation{
			tool: "ffmpeg",
			bin:  d.paths.FFmpeg,
			args: []string{"-v", "error", "-xerror", "-i", path, "-f", "null", "-"},
			judge: func(_, stderr string) (domain.FileStatus, string) {
				if strings.TrimSpace(stderr) != "" {
					return domain.StatusWarning, stderr
				}
				return domain.StatusHealthy, ""
			},
		}
	}
	return invocation{
		tool: "ffprobe",
		bin:  d.paths.FFprobe,
		args: []string{"-v", "warning", "-print_format", "json", "-show_streams", path},
		judge: func(stdout, stderr string) (domain.FileStatus, string) {
			var probe struct {
				Streams []struct {
					CodecType string `json:"codec_type"`
				} `json:"streams"`
			}
			if err := json.Unmarshal([]byte(stdout), &probe); err != nil {
				return domain.StatusCorrupted, fmt.Sprintf("unparseable probe output: %v", err)
			}
			if len(probe.Streams) == 0 {
				return domain.StatusCorrupted, "no streams found"
			}
			if want != "" {
				found := false
				for _, s := range probe.Streams {
					if s.CodecType == want {
						found = true
						break
					}
				}
				if !found {
					return domain.StatusCorrupted, "no " + want + " stream found"
				}
			}
			if strings.TrimSpace(stderr) != "" {
				return domain.StatusWarning, stderr
			}
			return domain.StatusHealthy, ""
		},
	}
}

// imageCheck identifies (or in thorough mode fully decodes) a still image.
func (d *CmdDetector) imageCheck(path string) invocation {
	args := []string{"identify", path}
	if d.thorough {
		args = []string{path, "null:"}
	}
	return invocation{
		tool: "imagemagick",
		bin:  d.paths.Magick,
		args: args,
		judge: func(_, stderr string) (domain.FileStatus, string) {
			if strings.TrimSpace(stderr) != "" {
				return domain.StatusWarning, stderr
			}
			return domain.StatusHealthy, ""
		},
	}
}

// run executes inv under ctx. A non-zero exit is reported as errCorrupt
// unless stderr points at an access problem.
func (d *CmdDetector) run(ctx context.Context, inv invocation) (string, string, error) {
	breaker := d.breakers.Get(inv.tool)
	if !breaker.Allow() {
		return "", "", &Error{Type: ErrorUnavailable, Tool: inv.tool, Message: "tool disabled after repeated failures"}
	}

	start := d.clock.Now()
	cmd := exec.CommandContext(ctx, inv.bin, inv.args...)
	cmd.WaitDelay = 5 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		// killed by the per-file deadline or cancellation, not by the file
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return "", "", &Error{Type: ErrorTimeout, Tool: inv.tool,
				Message: fmt.Sprintf("%s timed out after %v", inv.tool, d.clock.Since(start).Round(time.Millisecond))}
		}
		return "", "", &Error{Type: ErrorCrashed, Tool: inv.tool, Message: ctxErr.Error()}
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			breaker.RecordSuccess()
			if de := classifyToolOutput(inv.tool, stderr.String()); de != nil {
				return "", "", de
			}
			// the tool ran and rejected the file
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = exitErr.Error()
			}
			return "", "", errCorrupt{tool: inv.tool, detail: msg}
		}
		breaker.RecordFailure()
		logger.Debugf("%s could not be started: %v", inv.tool, err)
		return "", "", &Error{Type: ErrorUnavailable, Tool: inv.tool, Message: err.Error()}
	}

	breaker.RecordSuccess()
	return stdout.String(), stderr.String(), nil
}

// errCorrupt carries a tool rejection through run; Evaluate converts it.
type errCorrupt struct {
	tool   string
	detail string
}

func (e errCorrupt) Error() string { return e.tool + ": " + e.detail }

// classifyToolOutput recognises tool failures that are about reaching the
// file rather than its contents.
func classifyToolOutput(tool, stderr string) *Error {
	switch {
	case strings.Contains(stderr, "No such file or directory"):
		return &Error{Type: ErrorPathNotFound, Tool: tool, Message: strings.TrimSpace(stderr)}
	case strings.Contains(stderr, "Permission denied"):
		return &Error{Type: ErrorAccessDenied, Tool: tool, Message: strings.TrimSpace(stderr)}
	case strings.Contains(stderr, "Input/output error"),
		strings.Contains(stderr, "Transport endpoint"),
		strings.Contains(stderr, "Stale file handle"):
		return &Error{Type: ErrorIO, Tool: tool, Message: strings.TrimSpace(stderr)}
	}
	return nil
}

// validateMediaPath rejects paths that are unsafe to hand to a subprocess.
// exec.Command does not use a shell, so only truncation and argument
// splitting matter.
func validateMediaPath(path string) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("path must be absolute: %s", path)
	}
	if strings.Contains(path, "\x00") {
		return fmt.Errorf("path contains null byte: %q", path)
	}
	if strings.ContainsAny(path, "\r\n") {
		return fmt.Errorf("path contains newline: %q", path)
	}
	return nil
}

// checkAccessibility separates "cannot reach the file" from "the file is
// damaged" before any tool runs.
func checkAccessibility(path string) (fs.FileInfo, *Error) {
	parent := filepath.Dir(path)
	parentInfo, err := os.Stat(parent)
	if err != nil {
		return nil, classifyOSError(err, parent, true)
	}
	if !parentInfo.IsDir() {
		return nil, &Error{Type: ErrorMountLost, Message: fmt.Sprintf("parent path is not a directory (possible stale mount): %s", parent)}
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, classifyOSError(err, path, false)
	}
	if !info.Mode().IsRegular() {
		return nil, &Error{Type: ErrorInvalidPath, Message: fmt.Sprintf("not a regular file: %s", path)}
	}
	return info, nil
}

func classifyOSError(err error, path string, isParent bool) *Error {
	what := "file"
	if isParent {
		what = "parent directory"
	}

	switch {
	case os.IsPermission(err):
		return &Error{Type: ErrorAccessDenied, Message: fmt.Sprintf("%s access denied: %v", what, err)}
	case os.IsNotExist(err) && isParent:
		return &Error{Type: ErrorMountLost, Message: fmt.Sprintf("parent directory not found (mount may be offline): %s", path)}
	case os.IsNotExist(err):
		return &Error{Type: ErrorPathNotFound, Message: fmt.Sprintf("file not found: %s", path)}
	}

	if t, msg := classifySyscallError(err); t != "" {
		return &Error{Type: t, Message: fmt.Sprintf("%s: %s", msg, path)}
	}
	return &Error{Type: ErrorIO, Message: fmt.Sprintf("filesystem error accessing %s: %v", what, err)}
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxDetailLen {
		return s
	}
	return s[:maxDetailLen] + "…"
}

// BreakerStates reports the circuit state of every tool invoked so far.
func (d *CmdDetector) BreakerStates() map[string]string {
	return d.breakers.States()
}

package detector

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mescon/pixelarr/internal/logger"
)

// ToolStatus describes one external detection tool for the health endpoint.
type ToolStatus struct {
	Name        string `json:"name"`
	Available   bool   `json:"available"`
	Path        string `json:"path,omitempty"`
	Version     string `json:"version,omitempty"`
	Required    bool   `json:"required"`
	Description string `json:"description"`
	Breaker     string `json:"breaker,omitempty"`
}

var versionPattern = regexp.MustCompile(`[Vv]ersion:?\s+(\S+)`)

// ToolChecker probes the configured binaries and caches the result.
type ToolChecker struct {
	mu    sync.RWMutex
	paths Paths
	tools map[string]*ToolStatus
}

func NewToolChecker(paths Paths) *ToolChecker {
	if paths.FFprobe == "" {
		paths.FFprobe = "ffprobe"
	}
	if paths.FFmpeg == "" {
		paths.FFmpeg = "ffmpeg"
	}
	if paths.Magick == "" {
		paths.Magick = "magick"
	}
	return &ToolChecker{paths: paths, tools: make(map[string]*ToolStatus)}
}

// resolveBinaryPath accepts either an absolute path or a bare name looked up
// in PATH.
func resolveBinaryPath(binaryPath string) (string, error) {
	if filepath.IsAbs(binaryPath) {
		if _, err := os.Stat(binaryPath); err != nil {
			return "", err
		}
		return binaryPath, nil
	}
	return exec.LookPath(binaryPath)
}

// CheckAll re-probes every tool.
func (tc *ToolChecker) CheckAll(ctx context.Context) map[string]*ToolStatus {
	probes := []struct {
		name, bin, versionFlag, desc string
		required                     bool
	}{
		{"ffprobe", tc.paths.FFprobe, "-version", "Probes audio and video containers", true},
		{"ffmpeg", tc.paths.FFmpeg, "-version", "Full decode in thorough mode", false},
		{"imagemagick", tc.paths.Magick, "-version", "Identifies and decodes still images", true},
	}

	results := make(map[string]*ToolStatus, len(probes))
	for _, p := range probes {
		results[p.name] = probeTool(ctx, p.name, p.bin, p.versionFlag, p.desc, p.required)
	}

	tc.mu.Lock()
	tc.tools = results
	tc.mu.Unlock()
	return tc.Status()
}

// Status returns a copy of the cached results.
func (tc *ToolChecker) Status() map[string]*ToolStatus {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	out := make(map[string]*ToolStatus, len(tc.tools))
	for k, v := range tc.tools {
		cp := *v
		out[k] = &cp
	}
	return out
}

// MissingRequired lists required tools that were not found.
func (tc *ToolChecker) MissingRequired() []string {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	var missing []string
	for name, t := range tc.tools {
		if t.Required && !t.Available {
			missing = append(missing, name)
		}
	}
	return missing
}

func probeTool(ctx context.Context, name, bin, versionFlag, desc string, required bool) *ToolStatus {
	status := &ToolStatus{Name: name, Required: required, Description: desc}

	path, err := resolveBinaryPath(bin)
	if err != nil {
		logger.Debugf("%s not found at %s: %v", name, bin, err)
		return status
	}
	status.Available = true
	status.Path = path

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, path, versionFlag)
	cmd.Stdout = &out
	if cmd.Run() == nil {
		firstLine := strings.SplitN(out.String(), "\n", 2)[0]
		if m := versionPattern.FindStringSubmatch(firstLine); len(m) > 1 {
			status.Version = m[1]
		}
	}
	return status
}

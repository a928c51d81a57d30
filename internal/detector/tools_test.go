//go:build !windows

package detector

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func writeFakeTool(t *testing.T, dir, name, output string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	script := "#!/bin/sh\necho '" + output + "'\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// =============================================================================
// resolveBinaryPath tests
// =============================================================================

func TestResolveBinaryPath(t *testing.T) {
	t.Run("absolute path that exists", func(t *testing.T) {
		bin := writeFakeTool(t, t.TempDir(), "fake", "x")
		got, err := resolveBinaryPath(bin)
		if err != nil || got != bin {
			t.Errorf("resolveBinaryPath = %q, %v; want %q", got, err, bin)
		}
	})

	t.Run("absolute path that does not exist", func(t *testing.T) {
		if _, err := resolveBinaryPath("/nonexistent/bin/ffprobe"); err == nil {
			t.Error("expected an error")
		}
	})

	t.Run("bare name not in PATH", func(t *testing.T) {
		if _, err := resolveBinaryPath("definitely-not-a-real-tool-xyz"); err == nil {
			t.Error("expected an error")
		}
	})
}

// =============================================================================
// ToolChecker tests
// =============================================================================

func TestToolChecker_AllPresent(t *testing.T) {
	dir := t.TempDir()
	tc := NewToolChecker(Paths{
		FFprobe: writeFakeTool(t, dir, "ffprobe", "ffprobe version 6.1.1 Copyright (c) 2007-2023"),
		FFmpeg:  writeFakeTool(t, dir, "ffmpeg", "ffmpeg version 6.1.1 Copyright (c) 2000-2023"),
		Magick:  writeFakeTool(t, dir, "magick", "Version: ImageMagick 7.1.1-15 Q16-HDRI"),
	})

	status := tc.CheckAll(context.Background())
	if len(status) != 3 {
		t.Fatalf("got %d tools, want 3", len(status))
	}
	for name, st := range status {
		if !st.Available {
			t.Errorf("%s should be available", name)
		}
	}
	if v := status["ffprobe"].Version; v != "6.1.1" {
		t.Errorf("ffprobe version = %q, want 6.1.1", v)
	}
	if missing := tc.MissingRequired(); len(missing) != 0 {
		t.Errorf("MissingRequired = %v, want none", missing)
	}
}

func TestToolChecker_MissingRequired(t *testing.T) {
	dir := t.TempDir()
	tc := NewToolChecker(Paths{
		FFprobe: filepath.Join(dir, "no-ffprobe"),
		FFmpeg:  filepath.Join(dir, "no-ffmpeg"),
		Magick:  filepath.Join(dir, "no-magick"),
	})
	tc.CheckAll(context.Background())

	missing := tc.MissingRequired()
	sort.Strings(missing)
	if len(missing) != 2 || missing[0] != "ffprobe" || missing[1] != "imagemagick" {
		t.Errorf("MissingRequired = %v, want [ffprobe imagemagick]", missing)
	}
	if tc.Status()["ffmpeg"].Required {
		t.Error("ffmpeg is optional")
	}
}

func TestToolChecker_StatusReturnsCopies(t *testing.T) {
	tc := NewToolChecker(Paths{FFprobe: "/nonexistent/ffprobe"})
	tc.CheckAll(context.Background())

	tc.Status()["ffprobe"].Available = true
	if tc.Status()["ffprobe"].Available {
		t.Error("mutating a Status result changed the cache")
	}
}

package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func restoreLevel(t *testing.T) {
	t.Helper()
	saved := minPriority.Load()
	t.Cleanup(func() { minPriority.Store(saved) })
}

// =============================================================================
// Level tests
// =============================================================================

func TestLevelPriority_Ordering(t *testing.T) {
	if levelPriority(Debug) >= levelPriority(Info) {
		t.Error("Debug should be lower priority than Info")
	}
	if levelPriority(Info) >= levelPriority(Warn) {
		t.Error("Info should be lower priority than Warn")
	}
	if levelPriority(Warn) >= levelPriority(Error) {
		t.Error("Warn should be lower priority than Error")
	}
	if levelPriority(LogLevel("bogus")) != levelPriority(Info) {
		t.Error("unknown levels should rank as Info")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input  string
		want   LogLevel
		wantOk bool
	}{
		{"debug", Debug, true},
		{"DEBUG", Debug, true},
		{" warn ", Warn, true},
		{"warning", Warn, true},
		{"error", Error, true},
		{"info", Info, true},
		{"verbose", Info, false},
		{"", Info, false},
	}
	for _, tt := range tests {
		got, ok := ParseLevel(tt.input)
		if got != tt.want || ok != tt.wantOk {
			t.Errorf("ParseLevel(%q) = (%s, %v), want (%s, %v)", tt.input, got, ok, tt.want, tt.wantOk)
		}
	}
}

func TestSetLevel_Filters(t *testing.T) {
	restoreLevel(t)

	SetLevel("warn")
	if Enabled(Info) {
		t.Error("Info should be filtered at warn level")
	}
	if !Enabled(Error) {
		t.Error("Error should pass at warn level")
	}

	SetLevel("nonsense")
	if !Enabled(Info) || Enabled(Debug) {
		t.Error("unknown level should behave like info")
	}
}

// =============================================================================
// Subscriber tests
// =============================================================================

func TestSubscribe_ReceivesEntries(t *testing.T) {
	restoreLevel(t)
	SetLevel("debug")

	ch := Subscribe()
	defer Unsubscribe(ch)

	Debugf("hello %d", 42)

	select {
	case entry := <-ch:
		if entry.Level != Debug {
			t.Errorf("Level = %s, want DEBUG", entry.Level)
		}
		if entry.Message != "hello 42" {
			t.Errorf("Message = %q, want %q", entry.Message, "hello 42")
		}
		if _, err := time.Parse(time.RFC3339, entry.Timestamp); err != nil {
			t.Errorf("Timestamp %q is not RFC3339: %v", entry.Timestamp, err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for log entry")
	}
}

func TestSubscribe_FilteredEntriesNotBroadcast(t *testing.T) {
	restoreLevel(t)
	SetLevel("error")

	ch := Subscribe()
	defer Unsubscribe(ch)

	Infof("quiet")

	select {
	case entry := <-ch:
		t.Errorf("unexpected entry %+v", entry)
	default:
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	ch := Subscribe()
	Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after Unsubscribe")
	}

	// second call must not panic on a closed channel
	Unsubscribe(ch)
}

func TestBroadcast_DropsWhenFull(t *testing.T) {
	ch := Subscribe()
	defer Unsubscribe(ch)

	for i := 0; i < cap(ch)+10; i++ {
		broadcast(LogEntry{Message: "x"})
	}
	if len(ch) != cap(ch) {
		t.Errorf("len = %d, want %d", len(ch), cap(ch))
	}
}

func TestScoped_PrefixesMessages(t *testing.T) {
	restoreLevel(t)
	SetLevel("info")

	ch := Subscribe()
	defer Unsubscribe(ch)

	With("scan 1234").Warnf("slow file %s", "a.mkv")

	entry := <-ch
	if entry.Message != "[scan 1234] slow file a.mkv" {
		t.Errorf("Message = %q", entry.Message)
	}
	if entry.Level != Warn {
		t.Errorf("Level = %s, want WARN", entry.Level)
	}
}

// =============================================================================
// File sink tests
// =============================================================================

func TestInit_WritesToFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	if err := Init(dir, DefaultRotation); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer Close()

	if LogDir() != dir {
		t.Errorf("LogDir() = %q, want %q", LogDir(), dir)
	}

	Errorf("disk full on %s", "/media")

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "[ERROR] disk full on /media") {
		t.Errorf("log file missing entry, got %q", string(data))
	}
}

func TestClose_ResetsLogDir(t *testing.T) {
	if err := Init(t.TempDir(), DefaultRotation); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	Close()
	if LogDir() != "" {
		t.Errorf("LogDir() after Close = %q, want empty", LogDir())
	}
}

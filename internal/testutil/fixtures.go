package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mescon/pixelarr/internal/domain"
)

// EventOption is a functional option for configuring test events.
type EventOption func(*domain.Event)

// WithCreatedAt sets the event creation time.
func WithCreatedAt(t time.Time) EventOption {
	return func(e *domain.Event) {
		e.CreatedAt = t
	}
}

// WithEventData merges additional data into EventData.
func WithEventData(data map[string]interface{}) EventOption {
	return func(e *domain.Event) {
		if e.EventData == nil {
			e.EventData = make(map[string]interface{})
		}
		for k, v := range data {
			e.EventData[k] = v
		}
	}
}

// NewOperationEvent creates an operation lifecycle event for testing.
func NewOperationEvent(t domain.EventType, kind domain.OperationKind, data domain.OperationEventData, opts ...EventOption) domain.Event {
	if data.OperationID == "" {
		data.OperationID = uuid.New().String()
	}
	data.Kind = string(kind)
	event := domain.Event{
		AggregateType: "operation",
		AggregateID:   data.OperationID,
		EventType:     t,
		EventVersion:  1,
		CreatedAt:     time.Now(),
		EventData:     data.Map(),
	}
	for _, opt := range opts {
		opt(&event)
	}
	return event
}

// NewFileCorruptedEvent creates a FileCorrupted event for testing.
func NewFileCorruptedEvent(path string, opts ...EventOption) domain.Event {
	event := domain.Event{
		AggregateType: "file",
		AggregateID:   path,
		EventType:     domain.FileCorrupted,
		EventVersion:  1,
		CreatedAt:     time.Now(),
		EventData: map[string]interface{}{
			"path":   path,
			"status": string(domain.StatusCorrupted),
			"detail": "Invalid data found when processing input",
			"tool":   "ffprobe",
		},
	}
	for _, opt := range opts {
		opt(&event)
	}
	return event
}

// NewTrackedFile returns a pending video record for path.
func NewTrackedFile(path string, size int64, mtime time.Time) domain.TrackedFile {
	return domain.TrackedFile{
		Path:         path,
		Size:         size,
		ModTime:      mtime,
		MediaKind:    domain.MediaVideo,
		Status:       domain.StatusPending,
		DiscoveredAt: time.Now(),
	}
}

// NewSchedule returns an active schedule definition.
func NewSchedule(name string, kind domain.OperationKind, trigger string) *domain.ScheduleDefinition {
	return &domain.ScheduleDefinition{
		Name:        name,
		Kind:        kind,
		TriggerSpec: trigger,
		Active:      true,
	}
}

// TestFilePaths provides common test file paths.
var TestFilePaths = struct {
	Movie1    string
	Movie2    string
	TVEpisode string
	Corrupt   string
}{
	Movie1:    "/media/movies/Test Movie (2024)/Test Movie (2024).mkv",
	Movie2:    "/media/movies/Another Film (2023)/Another Film (2023).mp4",
	TVEpisode: "/media/tv/Test Show/Season 01/Test Show - S01E01 - Pilot.mkv",
	Corrupt:   "/media/movies/Corrupt File (2024)/Corrupt File (2024).mkv",
}

// MediaTree creates files under a fresh temporary root. Keys are paths
// relative to the root; values are file contents. It returns the root.
func MediaTree(t testing.TB, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		WriteMediaFile(t, filepath.Join(root, rel), content)
	}
	return root
}

// WriteMediaFile creates or overwrites a file, creating parent directories.
func WriteMediaFile(t testing.TB, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

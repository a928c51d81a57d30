package domain

import (
	"time"
)

type EventType string

const (
	OperationStarted   EventType = "OperationStarted"
	OperationProgress  EventType = "OperationProgress"
	OperationCompleted EventType = "OperationCompleted"
	OperationCancelled EventType = "OperationCancelled"
	OperationFailed    EventType = "OperationFailed"

	FileCorrupted EventType = "FileCorrupted"
	FileErrored   EventType = "FileErrored"
	FileChanged   EventType = "FileChanged"

	ScheduleFired    EventType = "ScheduleFired"
	ScheduleSkipped  EventType = "ScheduleSkipped"  // gate was busy, firing dropped
	ScheduleDisabled EventType = "ScheduleDisabled" // trigger spec no longer parses
)

// Transient reports whether events of this type are only fanned out and never
// written to the events table.
func (t EventType) Transient() bool {
	return t == OperationProgress
}

type Event struct {
	ID            int64                  `json:"id"`
	AggregateType string                 `json:"aggregate_type"`
	AggregateID   string                 `json:"aggregate_id"`
	EventType     EventType              `json:"event_type"`
	EventData     map[string]interface{} `json:"event_data"`
	EventVersion  int                    `json:"event_version"`
	CreatedAt     time.Time              `json:"created_at"`
}

// =============================================================================
// Type-safe event data accessors
// =============================================================================

// GetString safely extracts a string field from EventData.
func (e *Event) GetString(key string) (string, bool) {
	if e.EventData == nil {
		return "", false
	}
	v, ok := e.EventData[key].(string)
	return v, ok
}

// GetStringOr extracts a string field or returns the default value.
func (e *Event) GetStringOr(key, defaultVal string) string {
	if v, ok := e.GetString(key); ok {
		return v
	}
	return defaultVal
}

// GetInt64 extracts an integer field from EventData.
// JSON round-trips turn numbers into float64, so both are accepted.
func (e *Event) GetInt64(key string) (int64, bool) {
	if e.EventData == nil {
		return 0, false
	}
	switch v := e.EventData[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// GetInt64Or extracts an int64 field or returns the default value.
func (e *Event) GetInt64Or(key string, defaultVal int64) int64 {
	if v, ok := e.GetInt64(key); ok {
		return v
	}
	return defaultVal
}

// GetFloat64 extracts a float64 field from EventData.
func (e *Event) GetFloat64(key string) (float64, bool) {
	if e.EventData == nil {
		return 0, false
	}
	switch v := e.EventData[key].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// =============================================================================
// Typed event payloads
// =============================================================================

// OperationEventData is carried by every Operation* lifecycle event.
type OperationEventData struct {
	OperationID string  `json:"operation_id"`
	Kind        string  `json:"kind"`
	Phase       string  `json:"phase"`
	Status      string  `json:"status,omitempty"`
	Processed   int64   `json:"processed"`
	Total       int64   `json:"total"`
	Percent     float64 `json:"percent"`
	DurationSec float64 `json:"duration_sec,omitempty"`
	Scanned     int64   `json:"scanned,omitempty"`
	Corrupted   int64   `json:"corrupted,omitempty"`
	Errors      int64   `json:"errors,omitempty"`
	Orphans     int64   `json:"orphans,omitempty"`
	Changes     int64   `json:"changes,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// Map converts the payload into the EventData representation.
func (d OperationEventData) Map() map[string]interface{} {
	m := map[string]interface{}{
		"operation_id": d.OperationID,
		"kind":         d.Kind,
		"phase":        d.Phase,
		"processed":    d.Processed,
		"total":        d.Total,
		"percent":      d.Percent,
	}
	if d.Status != "" {
		m["status"] = d.Status
	}
	if d.DurationSec > 0 {
		m["duration_sec"] = d.DurationSec
	}
	for k, v := range map[string]int64{
		"scanned":   d.Scanned,
		"corrupted": d.Corrupted,
		"errors":    d.Errors,
		"orphans":   d.Orphans,
		"changes":   d.Changes,
	} {
		if v != 0 {
			m[k] = v
		}
	}
	if d.Error != "" {
		m["error"] = d.Error
	}
	return m
}

// ParseOperationEventData extracts the lifecycle payload from an event.
func (e *Event) ParseOperationEventData() (OperationEventData, bool) {
	id, ok := e.GetString("operation_id")
	if !ok {
		return OperationEventData{}, false
	}
	percent, _ := e.GetFloat64("percent")
	duration, _ := e.GetFloat64("duration_sec")
	return OperationEventData{
		OperationID: id,
		Kind:        e.GetStringOr("kind", ""),
		Phase:       e.GetStringOr("phase", ""),
		Status:      e.GetStringOr("status", ""),
		Processed:   e.GetInt64Or("processed", 0),
		Total:       e.GetInt64Or("total", 0),
		Percent:     percent,
		DurationSec: duration,
		Scanned:     e.GetInt64Or("scanned", 0),
		Corrupted:   e.GetInt64Or("corrupted", 0),
		Errors:      e.GetInt64Or("errors", 0),
		Orphans:     e.GetInt64Or("orphans", 0),
		Changes:     e.GetInt64Or("changes", 0),
		Error:       e.GetStringOr("error", ""),
	}, true
}

// FileEventData is carried by FileCorrupted, FileErrored and FileChanged.
type FileEventData struct {
	OperationID string `json:"operation_id"`
	Path        string `json:"path"`
	Status      string `json:"status,omitempty"`
	Detail      string `json:"detail,omitempty"`
	Tool        string `json:"tool,omitempty"`
	ChangeType  string `json:"change_type,omitempty"`
}

// ParseFileEventData extracts a per-file payload from an event.
func (e *Event) ParseFileEventData() (FileEventData, bool) {
	path, ok := e.GetString("path")
	if !ok {
		return FileEventData{}, false
	}
	return FileEventData{
		OperationID: e.GetStringOr("operation_id", ""),
		Path:        path,
		Status:      e.GetStringOr("status", ""),
		Detail:      e.GetStringOr("detail", ""),
		Tool:        e.GetStringOr("tool", ""),
		ChangeType:  e.GetStringOr("change_type", ""),
	}, true
}

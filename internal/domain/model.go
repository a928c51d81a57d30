package domain

import (
	"fmt"
	"strings"
	"time"
)

// OperationKind identifies one of the three long-running operations.
type OperationKind string

const (
	KindScan        OperationKind = "scan"
	KindCleanup     OperationKind = "cleanup"
	KindFileChanges OperationKind = "file_changes"
)

// AllKinds lists every operation kind in a stable order.
var AllKinds = []OperationKind{KindScan, KindCleanup, KindFileChanges}

// ParseOperationKind accepts the canonical names plus the URL-friendly
// "file-changes" spelling and the legacy "orphan" alias for cleanup.
func ParseOperationKind(s string) (OperationKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "scan", "normal":
		return KindScan, nil
	case "cleanup", "orphan":
		return KindCleanup, nil
	case "file_changes", "file-changes", "filechanges":
		return KindFileChanges, nil
	}
	return "", fmt.Errorf("unknown operation kind %q", s)
}

// Phase is a step in an operation's lifecycle.
type Phase string

const (
	PhaseIdle Phase = "idle"

	PhaseDiscovering Phase = "discovering"
	PhaseRegistering Phase = "registering"
	PhaseScanning    Phase = "scanning"

	PhaseScanningRecords   Phase = "scanning_records"
	PhaseCheckingExistence Phase = "checking_existence"
	PhaseDeletingEntries   Phase = "deleting_entries"

	PhaseEnumerating Phase = "enumerating"
	PhaseComparing   Phase = "comparing"

	PhaseCompleted Phase = "completed"
	PhaseCancelled Phase = "cancelled"
	PhaseError     Phase = "error"
)

// Terminal reports whether no further transition is possible from p.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled || p == PhaseError
}

// PhaseOrder returns the working phases of an operation kind, in order,
// followed by PhaseCompleted.
func PhaseOrder(kind OperationKind) []Phase {
	switch kind {
	case KindScan:
		return []Phase{PhaseDiscovering, PhaseRegistering, PhaseScanning, PhaseCompleted}
	case KindCleanup:
		return []Phase{PhaseScanningRecords, PhaseCheckingExistence, PhaseDeletingEntries, PhaseCompleted}
	case KindFileChanges:
		return []Phase{PhaseEnumerating, PhaseComparing, PhaseCompleted}
	}
	return nil
}

// FileStatus is the corruption status of a tracked file.
type FileStatus string

const (
	StatusHealthy   FileStatus = "healthy"
	StatusCorrupted FileStatus = "corrupted"
	StatusWarning   FileStatus = "warning"
	StatusPending   FileStatus = "pending"
	StatusError     FileStatus = "error"
)

// Valid reports whether s is one of the closed set of statuses.
func (s FileStatus) Valid() bool {
	switch s {
	case StatusHealthy, StatusCorrupted, StatusWarning, StatusPending, StatusError:
		return true
	}
	return false
}

// MediaKind is the closed set of media categories a detector dispatches on.
type MediaKind string

const (
	MediaImage   MediaKind = "image"
	MediaVideo   MediaKind = "video"
	MediaAudio   MediaKind = "audio"
	MediaUnknown MediaKind = "unknown"
)

// Verdict is the outcome of evaluating one file.
type Verdict struct {
	Status     FileStatus `json:"status"`
	Detail     string     `json:"detail,omitempty"`
	Tool       string     `json:"tool,omitempty"`
	DurationMs int64      `json:"duration_ms"`
}

// TrackedFile is the persistent record of one discovered file.
type TrackedFile struct {
	ID            int64      `json:"id"`
	Path          string     `json:"path"`
	Size          int64      `json:"size"`
	ModTime       time.Time  `json:"mtime"`
	ContentHash   string     `json:"content_hash,omitempty"`
	MediaKind     MediaKind  `json:"media_kind"`
	Status        FileStatus `json:"status"`
	Detail        string     `json:"detail,omitempty"`
	Tool          string     `json:"tool,omitempty"`
	DurationMs    int64      `json:"duration_ms,omitempty"`
	MarkedGood    bool       `json:"marked_good"`
	RescanPending bool       `json:"rescan_pending"`
	LastScannedAt *time.Time `json:"last_scanned_at,omitempty"`
	LastCheckedAt *time.Time `json:"last_checked_at,omitempty"`
	DiscoveredAt  time.Time  `json:"discovered_at"`
}

// OperationState is an immutable snapshot of a running or finished operation.
type OperationState struct {
	ID              string           `json:"id,omitempty"`
	Kind            OperationKind    `json:"kind"`
	Phase           Phase            `json:"phase"`
	Processed       int64            `json:"processed"`
	Total           int64            `json:"total"`
	TotalKnown      bool             `json:"total_known"`
	PhaseProcessed  int64            `json:"phase_processed"`
	PhaseTotal      int64            `json:"phase_total"`
	PhaseTotalKnown bool             `json:"phase_total_known"`
	Percent         float64          `json:"percent"`
	CurrentItem     string           `json:"current_item,omitempty"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	EndedAt         *time.Time       `json:"ended_at,omitempty"`
	CancelRequested bool             `json:"cancel_requested"`
	Cancelled       bool             `json:"cancelled"`
	Throughput      float64          `json:"throughput"`
	ETA             *time.Time       `json:"eta,omitempty"`
	Counters        map[string]int64 `json:"counters,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// Active reports whether the snapshot describes a running operation.
func (s OperationState) Active() bool {
	return s.ID != "" && !s.Phase.Terminal() && s.Phase != PhaseIdle
}

// Counter names used in OperationState.Counters and reports.
const (
	CounterScanned        = "scanned"
	CounterHealthy        = "healthy"
	CounterCorrupted      = "corrupted"
	CounterWarnings       = "warnings"
	CounterErrors         = "errors"
	CounterDiscovered     = "discovered"
	CounterRegistered     = "registered"
	CounterOrphansFound   = "orphans_found"
	CounterOrphansDeleted = "orphans_deleted"
	CounterChanges        = "changes_found"
)

// ChangeType describes how a tracked file differs from its stored fingerprint.
type ChangeType string

const (
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

// FileChange is one entry in a file-change report.
type FileChange struct {
	Path       string     `json:"path"`
	ChangeType ChangeType `json:"change_type"`
}

// ReportStatus is the final status recorded on an OperationReport.
type ReportStatus string

const (
	ReportCompleted ReportStatus = "completed"
	ReportCancelled ReportStatus = "cancelled"
	ReportError     ReportStatus = "error"
)

// OperationReport is the historical summary written when an operation ends.
type OperationReport struct {
	ID             int64         `json:"id"`
	OperationID    string        `json:"operation_id"`
	Kind           OperationKind `json:"kind"`
	Status         ReportStatus  `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	EndedAt        time.Time     `json:"ended_at"`
	Scanned        int64         `json:"scanned"`
	Corrupted      int64         `json:"corrupted"`
	Warnings       int64         `json:"warnings"`
	Errors         int64         `json:"errors"`
	OrphansFound   int64         `json:"orphans_found"`
	OrphansDeleted int64         `json:"orphans_deleted"`
	ChangesFound   int64         `json:"changes_found"`
	Roots          []string      `json:"roots"`
	ChangedFiles   []FileChange  `json:"changed_files,omitempty"`
	ErrorText      string        `json:"error_text,omitempty"`
}

// Duration is the wall time the operation ran for.
func (r OperationReport) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// ScheduleDefinition is a named trigger for an operation kind.
type ScheduleDefinition struct {
	ID          int64         `json:"id"`
	Name        string        `json:"name"`
	Kind        OperationKind `json:"kind"`
	TriggerSpec string        `json:"trigger"`
	Paths       []string      `json:"paths,omitempty"`
	Active      bool          `json:"active"`
	LastRun     *time.Time    `json:"last_run,omitempty"`
	NextRun     *time.Time    `json:"next_run,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// RuleType selects how an ExclusionRule matches.
type RuleType string

const (
	RulePathPrefix RuleType = "path"
	RuleExtension  RuleType = "extension"
)

// ExclusionRule removes matching paths from discovery.
type ExclusionRule struct {
	ID        int64     `json:"id"`
	Type      RuleType  `json:"type"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mescon/pixelarr/internal/domain"
	"github.com/mescon/pixelarr/internal/eventbus"
	"github.com/mescon/pixelarr/internal/logger"
)

// FileCounter supplies the per-status totals of tracked files.
type FileCounter interface {
	FileSummary(ctx context.Context) (map[domain.FileStatus]int64, error)
}

// MetricsService exposes Prometheus metrics for pixelarr, fed from the event bus.
type MetricsService struct {
	eventBus eventbus.Publisher
	files    FileCounter

	// Counters
	operationsTotal *prometheus.CounterVec
	filesFlagged    *prometheus.CounterVec
	fileErrors      *prometheus.CounterVec
	fileChanges     *prometheus.CounterVec
	scheduleFirings *prometheus.CounterVec

	// Gauges
	operationActive   *prometheus.GaugeVec
	operationProgress *prometheus.GaugeVec
	trackedFiles      *prometheus.GaugeVec

	// Histograms
	operationDuration *prometheus.HistogramVec

	mu      sync.Mutex
	started map[string]time.Time // operation id -> start
}

// NewMetricsService creates the metrics and registers them with the default
// registry. files may be nil.
func NewMetricsService(eb eventbus.Publisher, files FileCounter) *MetricsService {
	return newMetricsService(eb, files, prometheus.DefaultRegisterer)
}

func newMetricsService(eb eventbus.Publisher, files FileCounter, reg prometheus.Registerer) *MetricsService {
	m := &MetricsService{
		eventBus: eb,
		files:    files,
		started:  make(map[string]time.Time),

		operationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixelarr_operations_total",
				Help: "Total number of finished operations by kind and outcome",
			},
			[]string{"kind", "outcome"}, // completed, cancelled, failed
		),

		filesFlagged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixelarr_files_flagged_total",
				Help: "Files evaluated as corrupted or warning",
			},
			[]string{"status", "tool"},
		),

		fileErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixelarr_file_errors_total",
				Help: "Files for which the detector produced no verdict",
			},
			[]string{"tool"},
		),

		fileChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixelarr_file_changes_total",
				Help: "Tracked files found changed on disk",
			},
			[]string{"change_type"},
		),

		scheduleFirings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pixelarr_schedule_firings_total",
				Help: "Schedule ticks by outcome",
			},
			[]string{"kind", "outcome"}, // fired, skipped, disabled
		),

		operationActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pixelarr_operation_active",
				Help: "1 while an operation of this kind is running",
			},
			[]string{"kind"},
		),

		operationProgress: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pixelarr_operation_progress_percent",
				Help: "Progress of the current or last operation (0-100)",
			},
			[]string{"kind"},
		),

		trackedFiles: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pixelarr_tracked_files",
				Help: "Tracked files by corruption status",
			},
			[]string{"status"},
		),

		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pixelarr_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 16), // 1s to ~9h
			},
			[]string{"kind"},
		),
	}

	reg.MustRegister(
		m.operationsTotal,
		m.filesFlagged,
		m.fileErrors,
		m.fileChanges,
		m.scheduleFirings,
		m.operationActive,
		m.operationProgress,
		m.trackedFiles,
		m.operationDuration,
	)
	return m
}

// Start subscribes to events and updates metrics
func (m *MetricsService) Start() {
	m.eventBus.Subscribe(domain.OperationStarted, m.handleOperationStarted)
	m.eventBus.Subscribe(domain.OperationProgress, m.handleOperationProgress)
	m.eventBus.Subscribe(domain.OperationCompleted, m.finisher("completed"))
	m.eventBus.Subscribe(domain.OperationCancelled, m.finisher("cancelled"))
	m.eventBus.Subscribe(domain.OperationFailed, m.finisher("failed"))
	m.eventBus.Subscribe(domain.FileCorrupted, m.handleFileCorrupted)
	m.eventBus.Subscribe(domain.FileErrored, m.handleFileErrored)
	m.eventBus.Subscribe(domain.FileChanged, m.handleFileChanged)
	m.eventBus.Subscribe(domain.ScheduleFired, m.scheduleOutcome("fired"))
	m.eventBus.Subscribe(domain.ScheduleSkipped, m.scheduleOutcome("skipped"))
	m.eventBus.Subscribe(domain.ScheduleDisabled, m.scheduleOutcome("disabled"))

	m.RefreshFileCounts(context.Background())
	logger.Infof("Metrics service started")
}

// Handler returns the Prometheus HTTP handler for /metrics endpoint
func (m *MetricsService) Handler() http.Handler {
	return promhttp.Handler()
}

// RefreshFileCounts reloads the tracked-file gauges from storage.
func (m *MetricsService) RefreshFileCounts(ctx context.Context) {
	if m.files == nil {
		return
	}
	counts, err := m.files.FileSummary(ctx)
	if err != nil {
		logger.Warnf("Metrics: failed to load file summary: %v", err)
		return
	}
	for status, n := range counts {
		m.trackedFiles.WithLabelValues(string(status)).Set(float64(n))
	}
}

// Event handlers

func (m *MetricsService) handleOperationStarted(event domain.Event) {
	data, ok := event.ParseOperationEventData()
	if !ok {
		return
	}
	m.mu.Lock()
	m.started[data.OperationID] = event.CreatedAt
	m.mu.Unlock()

	m.operationActive.WithLabelValues(data.Kind).Set(1)
	m.operationProgress.WithLabelValues(data.Kind).Set(0)
}

func (m *MetricsService) handleOperationProgress(event domain.Event) {
	if data, ok := event.ParseOperationEventData(); ok {
		m.operationProgress.WithLabelValues(data.Kind).Set(data.Percent)
	}
}

func (m *MetricsService) finisher(outcome string) func(domain.Event) {
	return func(event domain.Event) {
		data, ok := event.ParseOperationEventData()
		if !ok {
			return
		}
		m.operationsTotal.WithLabelValues(data.Kind, outcome).Inc()
		m.operationActive.WithLabelValues(data.Kind).Set(0)
		if outcome == "completed" {
			m.operationProgress.WithLabelValues(data.Kind).Set(100)
		}

		m.mu.Lock()
		start, known := m.started[data.OperationID]
		delete(m.started, data.OperationID)
		m.mu.Unlock()

		switch {
		case data.DurationSec > 0:
			m.operationDuration.WithLabelValues(data.Kind).Observe(data.DurationSec)
		case known && !event.CreatedAt.IsZero():
			m.operationDuration.WithLabelValues(data.Kind).Observe(event.CreatedAt.Sub(start).Seconds())
		}

		m.RefreshFileCounts(context.Background())
	}
}

func (m *MetricsService) handleFileCorrupted(event domain.Event) {
	data, ok := event.ParseFileEventData()
	if !ok {
		return
	}
	status := data.Status
	if status == "" {
		status = string(domain.StatusCorrupted)
	}
	m.filesFlagged.WithLabelValues(status, orUnknown(data.Tool)).Inc()
}

func (m *MetricsService) handleFileErrored(event domain.Event) {
	if data, ok := event.ParseFileEventData(); ok {
		m.fileErrors.WithLabelValues(orUnknown(data.Tool)).Inc()
	}
}

func (m *MetricsService) handleFileChanged(event domain.Event) {
	if data, ok := event.ParseFileEventData(); ok {
		m.fileChanges.WithLabelValues(orUnknown(data.ChangeType)).Inc()
	}
}

func (m *MetricsService) scheduleOutcome(outcome string) func(domain.Event) {
	return func(event domain.Event) {
		m.scheduleFirings.WithLabelValues(event.GetStringOr("kind", "unknown"), outcome).Inc()
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

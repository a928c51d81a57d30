// Package api provides the REST API and WebSocket stream for pixelarr:
// starting and cancelling operations, progress, schedules, exclusions,
// tracked files and report history.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mescon/pixelarr/internal/config"
	"github.com/mescon/pixelarr/internal/db"
	"github.com/mescon/pixelarr/internal/detector"
	"github.com/mescon/pixelarr/internal/logger"
	"github.com/mescon/pixelarr/internal/metrics"
	"github.com/mescon/pixelarr/internal/services"
)

// ToolReporter reports the availability of the external detection tools.
type ToolReporter interface {
	Status() map[string]*detector.ToolStatus
	MissingRequired() []string
}

type RESTServer struct {
	router     *gin.Engine
	httpServer *http.Server
	repo       *db.Repository
	operations *services.OperationService
	scheduler  *services.SchedulerService
	metrics    *metrics.MetricsService
	tools      ToolReporter
	hub        *WebSocketHub
	startTime  time.Time
}

// ServerDeps contains all dependencies required for the REST server.
// Metrics and Tools may be nil.
type ServerDeps struct {
	Repo       *db.Repository
	Events     EventSource
	Operations *services.OperationService
	Scheduler  *services.SchedulerService
	Metrics    *metrics.MetricsService
	Tools      ToolReporter
}

func NewRESTServer(deps ServerDeps) *RESTServer {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	cfg := config.Get()
	r.Use(requestID(), recovery(), cors(cfg.CORSOrigin))

	s := &RESTServer{
		router:     r,
		repo:       deps.Repo,
		operations: deps.Operations,
		scheduler:  deps.Scheduler,
		metrics:    deps.Metrics,
		tools:      deps.Tools,
		hub:        NewWebSocketHub(deps.Events, cfg.CORSOrigin),
		startTime:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// requestID tags every request for log correlation, reusing a caller
// supplied X-Request-ID.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Set("request_id", reqID)
		c.Header("X-Request-ID", reqID)
		c.Next()
	}
}

func recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		reqID := c.GetString("request_id")
		logger.Errorf("[PANIC RECOVERY] request_id=%s path=%s method=%s error=%v",
			reqID, c.Request.URL.Path, c.Request.Method, recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":      ErrMsgInternalError,
			"request_id": reqID,
		})
	})
}

// cors allows the configured origins. With none configured no CORS headers
// are sent and browsers enforce same-origin.
func cors(origins string) gin.HandlerFunc {
	allowed := parseOrigins(origins)
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" && allowed[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-Request-ID, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func parseOrigins(origins string) map[string]bool {
	allowed := make(map[string]bool)
	if origins == "" || origins == "*" {
		return allowed
	}
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			allowed[o] = true
		}
	}
	return allowed
}

func (s *RESTServer) setupRoutes() {
	metricsHandler := http.Handler(nil)
	if s.metrics != nil {
		metricsHandler = s.metrics.Handler()
	}
	if metricsHandler != nil {
		s.router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)

		// Operations. Specific kinds before the :kind parameter routes.
		api.GET("/operations", s.getOperations)
		api.POST("/operations/scan", s.startScan)
		api.POST("/operations/cleanup", s.startCleanup)
		api.POST("/operations/file-changes", s.startFileChanges)
		api.POST("/operations/scan-file", s.startFileScan)
		api.GET("/operations/:kind", s.getOperation)
		api.POST("/operations/:kind/cancel", s.cancelOperation)

		api.GET("/schedules", s.getSchedules)
		api.POST("/schedules", s.createSchedule)
		api.GET("/schedules/:id", s.getSchedule)
		api.PUT("/schedules/:id", s.updateSchedule)
		api.DELETE("/schedules/:id", s.deleteSchedule)

		api.GET("/exclusions", s.getExclusions)
		api.POST("/exclusions", s.createExclusion)
		api.DELETE("/exclusions/:id", s.deleteExclusion)

		api.GET("/files", s.getFiles)
		api.GET("/files/summary", s.getFileSummary)
		api.POST("/files/rescan", s.resetForRescan)
		api.PUT("/files/:id/good", s.setFileGood)

		api.GET("/reports", s.getReports)
		api.GET("/reports/latest", s.getLatestReports)
		api.GET("/reports/:id", s.getReport)
		api.DELETE("/reports/:id", s.deleteReport)

		api.GET("/ws", s.hub.HandleConnection)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "API endpoint not found"})
	})
}

// Handler exposes the router, mainly for tests.
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

func (s *RESTServer) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server and disconnects
// WebSocket clients.
func (s *RESTServer) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mescon/pixelarr/internal/logger"
)

// Version is set at build time via -ldflags
var Version = "dev"

// Config holds all application configuration. Values come from PIXELARR_*
// environment variables, then an optional YAML file, then command-line flags.
type Config struct {
	// Port is the HTTP server listen port (default: 3095)
	Port string

	// LogLevel controls logging verbosity: "debug", "info", "warn", "error" (default: "info")
	LogLevel string

	// DataDir holds the database, logs and backups.
	// Default: /config in Docker, ./config next to the binary otherwise
	DataDir string

	// DatabasePath is the SQLite database file (default: <DataDir>/pixelarr.db)
	DatabasePath string

	// LogDir is the directory for rotated log files (default: <DataDir>/logs)
	LogDir string

	// ConfigFile is the YAML file overlaid on top of the environment, if any.
	ConfigFile string

	// MediaRoots are scanned when a scan or schedule names no explicit paths.
	MediaRoots []string

	// ExcludedPaths and ExcludedExtensions seed the exclusion filter in
	// addition to the rules stored in the database.
	ExcludedPaths      []string
	ExcludedExtensions []string

	// Workers is the detector concurrency per operation (default: 4, minimum 1)
	Workers int

	// FileTimeout bounds a single detector call (default: 5m)
	FileTimeout time.Duration

	// ThoroughCheck decodes whole streams instead of probing headers (default: false)
	ThoroughCheck bool

	// FFprobePath and MagickPath locate the external detector tools.
	FFprobePath string
	FFmpegPath  string
	MagickPath  string

	// RegisterBatchSize is the number of discovered paths per registering transaction (default: 500)
	RegisterBatchSize int

	// WriteBatchSize is the number of verdicts per write transaction (default: 100)
	WriteBatchSize int

	// PageSize is the page size for reading tracked files (default: 1000)
	PageSize int

	// DeleteBatchSize is the number of orphans deleted per transaction (default: 500)
	DeleteBatchSize int

	// FileChangeMaxAge limits the file-change check to files not checked
	// within this age. Zero checks everything (default: 0)
	FileChangeMaxAge time.Duration

	// SchedulerTick is how often schedules are evaluated (default: 30s)
	SchedulerTick time.Duration

	// ProgressInterval throttles progress events (default: 500ms)
	ProgressInterval time.Duration

	// ScanSchedule, CleanupSchedule and FileChangesSchedule create default
	// schedules at startup, e.g. "cron:0 2 * * *" or "interval:hours:6".
	ScanSchedule        string
	CleanupSchedule     string
	FileChangesSchedule string

	// NotifyURLs are shoutrrr service URLs receiving operation reports.
	NotifyURLs []string

	// NotifyOnSuccess sends notifications for clean completed operations too (default: false)
	NotifyOnSuccess bool

	// NotifyThrottle is the minimum gap between two messages to one target (default: 0)
	NotifyThrottle time.Duration

	// RetentionDays is how long events and reports are kept (default: 90, 0 disables pruning)
	RetentionDays int

	// HashCacheSize and HashCacheTTL size the content-hash cache.
	HashCacheSize int
	HashCacheTTL  time.Duration

	// CORSOrigin is a comma-separated list of allowed origins, or "*".
	// Empty means same-origin only.
	CORSOrigin string
}

var cfg *Config

// Load reads configuration from the environment and, when PIXELARR_CONFIG_FILE
// is set, overlays that YAML file.
func Load() (*Config, error) {
	dataDir := getEnvOrDefault("PIXELARR_DATA_DIR", "")
	if dataDir == "" {
		if info, err := os.Stat("/config"); err == nil && info.IsDir() {
			dataDir = "/config"
		} else if execPath, err := os.Executable(); err == nil {
			dataDir = filepath.Join(filepath.Dir(execPath), "config")
		} else {
			dataDir = "./config"
		}
	}
	if abs, err := filepath.Abs(dataDir); err == nil {
		dataDir = abs
	}

	c := &Config{
		Port:                getEnvOrDefault("PIXELARR_PORT", "3095"),
		LogLevel:            strings.ToLower(getEnvOrDefault("PIXELARR_LOG_LEVEL", "info")),
		DataDir:             dataDir,
		DatabasePath:        getEnvOrDefault("PIXELARR_DATABASE_PATH", filepath.Join(dataDir, "pixelarr.db")),
		LogDir:              getEnvOrDefault("PIXELARR_LOG_DIR", filepath.Join(dataDir, "logs")),
		ConfigFile:          getEnvOrDefault("PIXELARR_CONFIG_FILE", ""),
		MediaRoots:          getEnvListOrDefault("PIXELARR_MEDIA_ROOTS", []string{"/media"}),
		ExcludedPaths:       getEnvListOrDefault("PIXELARR_EXCLUDED_PATHS", nil),
		ExcludedExtensions:  getEnvListOrDefault("PIXELARR_EXCLUDED_EXTENSIONS", nil),
		Workers:             getEnvIntOrDefault("PIXELARR_WORKERS", 4),
		FileTimeout:         getEnvDurationOrDefault("PIXELARR_FILE_TIMEOUT", 5*time.Minute),
		ThoroughCheck:       getEnvBoolOrDefault("PIXELARR_THOROUGH_CHECK", false),
		FFprobePath:         getEnvOrDefault("PIXELARR_FFPROBE_PATH", "ffprobe"),
		FFmpegPath:          getEnvOrDefault("PIXELARR_FFMPEG_PATH", "ffmpeg"),
		MagickPath:          getEnvOrDefault("PIXELARR_MAGICK_PATH", "magick"),
		RegisterBatchSize:   getEnvIntOrDefault("PIXELARR_REGISTER_BATCH_SIZE", 500),
		WriteBatchSize:      getEnvIntOrDefault("PIXELARR_WRITE_BATCH_SIZE", 100),
		PageSize:            getEnvIntOrDefault("PIXELARR_PAGE_SIZE", 1000),
		DeleteBatchSize:     getEnvIntOrDefault("PIXELARR_DELETE_BATCH_SIZE", 500),
		FileChangeMaxAge:    getEnvDurationOrDefault("PIXELARR_FILE_CHANGE_MAX_AGE", 0),
		SchedulerTick:       getEnvDurationOrDefault("PIXELARR_SCHEDULER_TICK", 30*time.Second),
		ProgressInterval:    getEnvDurationOrDefault("PIXELARR_PROGRESS_INTERVAL", 500*time.Millisecond),
		ScanSchedule:        getEnvOrDefault("PIXELARR_SCAN_SCHEDULE", ""),
		CleanupSchedule:     getEnvOrDefault("PIXELARR_CLEANUP_SCHEDULE", ""),
		FileChangesSchedule: getEnvOrDefault("PIXELARR_FILE_CHANGES_SCHEDULE", ""),
		NotifyURLs:          getEnvListOrDefault("PIXELARR_NOTIFY_URLS", nil),
		NotifyOnSuccess:     getEnvBoolOrDefault("PIXELARR_NOTIFY_ON_SUCCESS", false),
		NotifyThrottle:      getEnvDurationOrDefault("PIXELARR_NOTIFY_THROTTLE", 0),
		RetentionDays:       getEnvIntOrDefault("PIXELARR_RETENTION_DAYS", 90),
		HashCacheSize:       getEnvIntOrDefault("PIXELARR_HASH_CACHE_SIZE", 10000),
		HashCacheTTL:        getEnvDurationOrDefault("PIXELARR_HASH_CACHE_TTL", time.Hour),
		CORSOrigin:          getEnvOrDefault("PIXELARR_CORS_ORIGIN", ""),
	}

	if c.ConfigFile != "" {
		if err := c.overlayFile(c.ConfigFile); err != nil {
			return nil, err
		}
	}
	c.normalize()
	cfg = c
	return cfg, nil
}

// fileConfig mirrors Config for YAML decoding. Pointer and nil-slice fields
// distinguish "absent" from "zero".
type fileConfig struct {
	Port               *string  `yaml:"port"`
	LogLevel           *string  `yaml:"log_level"`
	DatabasePath       *string  `yaml:"database_path"`
	LogDir             *string  `yaml:"log_dir"`
	MediaRoots         []string `yaml:"media_roots"`
	ExcludedPaths      []string `yaml:"excluded_paths"`
	ExcludedExtensions []string `yaml:"excluded_extensions"`
	Workers            *int     `yaml:"workers"`
	FileTimeout        *string  `yaml:"file_timeout"`
	ThoroughCheck      *bool    `yaml:"thorough_check"`
	Tools              struct {
		FFprobe *string `yaml:"ffprobe"`
		FFmpeg  *string `yaml:"ffmpeg"`
		Magick  *string `yaml:"magick"`
	} `yaml:"tools"`
	Batches struct {
		Register *int `yaml:"register"`
		Write    *int `yaml:"write"`
		Page     *int `yaml:"page"`
		Delete   *int `yaml:"delete"`
	} `yaml:"batches"`
	FileChangeMaxAge *string `yaml:"file_change_max_age"`
	SchedulerTick    *string `yaml:"scheduler_tick"`
	Schedules        struct {
		Scan        *string `yaml:"scan"`
		Cleanup     *string `yaml:"cleanup"`
		FileChanges *string `yaml:"file_changes"`
	} `yaml:"schedules"`
	Notify struct {
		URLs      []string `yaml:"urls"`
		OnSuccess *bool    `yaml:"on_success"`
		Throttle  *string  `yaml:"throttle"`
	} `yaml:"notify"`
	RetentionDays *int `yaml:"retention_days"`
}

// overlayFile decodes a YAML file onto c. Unknown keys are rejected.
func (c *Config) overlayFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file %q: %w", path, err)
	}
	defer f.Close()

	var fc fileConfig
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %q: %w", path, err)
	}

	setString(&c.Port, fc.Port)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.DatabasePath, fc.DatabasePath)
	setString(&c.LogDir, fc.LogDir)
	setString(&c.FFprobePath, fc.Tools.FFprobe)
	setString(&c.FFmpegPath, fc.Tools.FFmpeg)
	setString(&c.MagickPath, fc.Tools.Magick)
	setString(&c.ScanSchedule, fc.Schedules.Scan)
	setString(&c.CleanupSchedule, fc.Schedules.Cleanup)
	setString(&c.FileChangesSchedule, fc.Schedules.FileChanges)
	if fc.MediaRoots != nil {
		c.MediaRoots = fc.MediaRoots
	}
	if fc.ExcludedPaths != nil {
		c.ExcludedPaths = fc.ExcludedPaths
	}
	if fc.ExcludedExtensions != nil {
		c.ExcludedExtensions = fc.ExcludedExtensions
	}
	if fc.Notify.URLs != nil {
		c.NotifyURLs = fc.Notify.URLs
	}
	setInt(&c.Workers, fc.Workers)
	setInt(&c.RegisterBatchSize, fc.Batches.Register)
	setInt(&c.WriteBatchSize, fc.Batches.Write)
	setInt(&c.PageSize, fc.Batches.Page)
	setInt(&c.DeleteBatchSize, fc.Batches.Delete)
	setInt(&c.RetentionDays, fc.RetentionDays)
	if fc.ThoroughCheck != nil {
		c.ThoroughCheck = *fc.ThoroughCheck
	}
	if fc.Notify.OnSuccess != nil {
		c.NotifyOnSuccess = *fc.Notify.OnSuccess
	}

	for _, d := range []struct {
		dst *time.Duration
		src *string
		key string
	}{
		{&c.FileTimeout, fc.FileTimeout, "file_timeout"},
		{&c.FileChangeMaxAge, fc.FileChangeMaxAge, "file_change_max_age"},
		{&c.SchedulerTick, fc.SchedulerTick, "scheduler_tick"},
		{&c.NotifyThrottle, fc.Notify.Throttle, "notify.throttle"},
	} {
		if d.src == nil {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return fmt.Errorf("config file %q: %s: %w", path, d.key, err)
		}
		*d.dst = v
	}

	c.ConfigFile = path
	return nil
}

// normalize clamps values that would break the engine back to defaults.
func (c *Config) normalize() {
	if _, ok := logger.ParseLevel(c.LogLevel); !ok {
		c.LogLevel = "info"
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.FileTimeout <= 0 {
		c.FileTimeout = 5 * time.Minute
	}
	for _, n := range []struct {
		v   *int
		def int
	}{
		{&c.RegisterBatchSize, 500},
		{&c.WriteBatchSize, 100},
		{&c.PageSize, 1000},
		{&c.DeleteBatchSize, 500},
		{&c.HashCacheSize, 10000},
	} {
		if *n.v < 1 {
			*n.v = n.def
		}
	}
	if c.SchedulerTick < time.Second {
		c.SchedulerTick = 30 * time.Second
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 500 * time.Millisecond
	}
	if c.FileChangeMaxAge < 0 {
		c.FileChangeMaxAge = 0
	}
	if c.NotifyThrottle < 0 {
		c.NotifyThrottle = 0
	}
	if c.RetentionDays < 0 {
		c.RetentionDays = 0
	}
}

// Get returns the current configuration. Panics if Load() hasn't been called.
func Get() *Config {
	if cfg == nil {
		panic("config.Load() must be called before config.Get()")
	}
	return cfg
}

// SetForTesting allows tests to set the global config without calling Load().
func SetForTesting(c *Config) {
	cfg = c
}

// NewTestConfig returns a minimal Config suitable for unit tests.
func NewTestConfig() *Config {
	return &Config{
		Port:              "8080",
		LogLevel:          "debug",
		DataDir:           "/tmp/pixelarr-test",
		DatabasePath:      "/tmp/pixelarr-test/pixelarr.db",
		LogDir:            "/tmp/pixelarr-test/logs",
		MediaRoots:        []string{"/media"},
		Workers:           2,
		FileTimeout:       5 * time.Second,
		FFprobePath:       "ffprobe",
		FFmpegPath:        "ffmpeg",
		MagickPath:        "magick",
		RegisterBatchSize: 500,
		WriteBatchSize:    100,
		PageSize:          1000,
		DeleteBatchSize:   500,
		SchedulerTick:     30 * time.Second,
		ProgressInterval:  500 * time.Millisecond,
		RetentionDays:     90,
		HashCacheSize:     1000,
		HashCacheTTL:      time.Hour,
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvListOrDefault splits a comma-separated variable, dropping blanks.
func getEnvListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
		logger.Warnf("Ignoring invalid %s=%q, using %d", key, value, defaultValue)
	}
	return defaultValue
}

// getEnvDurationOrDefault accepts Go duration strings like "30s", "5m", "72h".
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		logger.Warnf("Ignoring invalid %s=%q, using %s", key, value, defaultValue)
	}
	return defaultValue
}

// getEnvBoolOrDefault accepts "true", "1", "yes" as true values (case-insensitive).
func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		lower := strings.ToLower(value)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultValue
}

// FlagOverrides holds command-line flag values that override the environment
// and the config file.
type FlagOverrides struct {
	Port         *string
	LogLevel     *string
	DataDir      *string
	DatabasePath *string
	MediaRoots   *string
	Workers      *int
	FileTimeout  *time.Duration
	Retention    *int
}

// ApplyFlags applies command-line flag overrides to the loaded configuration.
func ApplyFlags(flags FlagOverrides) {
	if cfg == nil {
		return
	}

	if flags.Port != nil && *flags.Port != "" {
		cfg.Port = *flags.Port
	}
	if flags.LogLevel != nil && *flags.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(*flags.LogLevel)
	}
	if flags.DataDir != nil && *flags.DataDir != "" {
		cfg.DataDir = *flags.DataDir
	}
	if flags.DatabasePath != nil && *flags.DatabasePath != "" {
		cfg.DatabasePath = *flags.DatabasePath
	}
	if flags.MediaRoots != nil && *flags.MediaRoots != "" {
		var roots []string
		for _, r := range strings.Split(*flags.MediaRoots, ",") {
			if r = strings.TrimSpace(r); r != "" {
				roots = append(roots, r)
			}
		}
		cfg.MediaRoots = roots
	}
	if flags.Workers != nil && *flags.Workers != 0 {
		cfg.Workers = *flags.Workers
	}
	if flags.FileTimeout != nil && *flags.FileTimeout != 0 {
		cfg.FileTimeout = *flags.FileTimeout
	}
	if flags.Retention != nil && *flags.Retention >= 0 {
		cfg.RetentionDays = *flags.Retention
	}
	cfg.normalize()
}

package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the severity level of a log message.
type LogLevel string

const (
	Debug LogLevel = "DEBUG"
	Info  LogLevel = "INFO"
	Warn  LogLevel = "WARN"
	Error LogLevel = "ERROR"
)

// LogFileName is the name of the rotated log file inside the log directory.
const LogFileName = "pixelarr.log"

var minPriority atomic.Int32

func init() {
	minPriority.Store(int32(levelPriority(Info)))
	log.SetOutput(os.Stdout)
	log.SetFlags(0)
}

func levelPriority(level LogLevel) int {
	switch level {
	case Debug:
		return 0
	case Info:
		return 1
	case Warn:
		return 2
	case Error:
		return 3
	default:
		return 1
	}
}

// ParseLevel maps a config string onto a LogLevel.
func ParseLevel(level string) (LogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return Debug, true
	case "info":
		return Info, true
	case "warn", "warning":
		return Warn, true
	case "error":
		return Error, true
	}
	return Info, false
}

// SetLevel sets the minimum log level. Unknown values select INFO.
func SetLevel(level string) {
	l, ok := ParseLevel(level)
	if !ok {
		log.Printf("Unknown log level %q, using %s", level, l)
	}
	minPriority.Store(int32(levelPriority(l)))
}

// Enabled reports whether messages at level would be written.
func Enabled(level LogLevel) bool {
	return levelPriority(level) >= int(minPriority.Load())
}

// LogEntry is a single log message as streamed to websocket clients.
type LogEntry struct {
	Timestamp string   `json:"timestamp"`
	Level     LogLevel `json:"level"`
	Message   string   `json:"message"`
}

// Rotation controls the lumberjack file sink.
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// DefaultRotation keeps three compressed 100 MB files for four weeks.
var DefaultRotation = Rotation{MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28, Compress: true}

var (
	mu         sync.Mutex
	listeners  []chan LogEntry
	fileLogger *lumberjack.Logger
)

// Init tees log output into a rotated file under logDir.
func Init(logDir string, rot Rotation) error {
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if fileLogger != nil {
		_ = fileLogger.Close()
	}
	fileLogger = &lumberjack.Logger{
		Filename:   filepath.Join(logDir, LogFileName),
		MaxSize:    rot.MaxSizeMB,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAgeDays,
		Compress:   rot.Compress,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, fileLogger))
	return nil
}

// Close flushes and releases the file sink, reverting to stdout only.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if fileLogger != nil {
		_ = fileLogger.Close()
		fileLogger = nil
	}
	log.SetOutput(os.Stdout)
}

// LogDir returns the directory log files are written to, or "" before Init.
func LogDir() string {
	mu.Lock()
	defer mu.Unlock()
	if fileLogger != nil {
		return filepath.Dir(fileLogger.Filename)
	}
	return ""
}

// Subscribe returns a channel receiving every log entry written from now on.
func Subscribe() chan LogEntry {
	mu.Lock()
	defer mu.Unlock()
	ch := make(chan LogEntry, 100)
	listeners = append(listeners, ch)
	return ch
}

// Unsubscribe removes and closes a channel obtained from Subscribe.
func Unsubscribe(ch chan LogEntry) {
	mu.Lock()
	defer mu.Unlock()
	for i, l := range listeners {
		if l == ch {
			listeners = append(listeners[:i], listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

func broadcast(entry LogEntry) {
	mu.Lock()
	defer mu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- entry:
		default:
			// slow subscriber, drop
		}
	}
}

// Log writes a formatted message at the given level to stdout, the log file
// and all subscribers.
func Log(level LogLevel, format string, v ...interface{}) {
	if !Enabled(level) {
		return
	}

	msg := fmt.Sprintf(format, v...)
	timestamp := time.Now().Format(time.RFC3339)
	log.Printf("%s [%s] %s", timestamp, level, msg)

	broadcast(LogEntry{Timestamp: timestamp, Level: level, Message: msg})
}

func Infof(format string, v ...interface{})  { Log(Info, format, v...) }
func Errorf(format string, v ...interface{}) { Log(Error, format, v...) }
func Debugf(format string, v ...interface{}) { Log(Debug, format, v...) }
func Warnf(format string, v ...interface{})  { Log(Warn, format, v...) }

// Scoped prefixes every message with a component tag such as "scan a1b2c3d4".
type Scoped struct {
	prefix string
}

// With returns a Scoped logger for the given component.
func With(component string) Scoped {
	return Scoped{prefix: "[" + component + "] "}
}

func (s Scoped) Infof(format string, v ...interface{})  { Log(Info, s.prefix+format, v...) }
func (s Scoped) Errorf(format string, v ...interface{}) { Log(Error, s.prefix+format, v...) }
func (s Scoped) Debugf(format string, v ...interface{}) { Log(Debug, s.prefix+format, v...) }
func (s Scoped) Warnf(format string, v ...interface{})  { Log(Warn, s.prefix+format, v...) }

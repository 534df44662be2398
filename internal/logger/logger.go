package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO", "":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level %q", s)
	}
}

type Fields map[string]interface{}

// Logger writes JSON lines. Loggers derived with With share their parent's
// level and output, so SetLevel on the default logger reaches every
// component.
type Logger struct {
	sink      *sink
	component string
}

type sink struct {
	mu    sync.Mutex
	level LogLevel
	out   *log.Logger
}

type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

var defaultLogger = New(INFO)

func New(level LogLevel) *Logger {
	return &Logger{sink: &sink{level: level, out: log.New(os.Stderr, "", 0)}}
}

// With returns a logger that tags every entry with component.
func (l *Logger) With(component string) *Logger {
	return &Logger{sink: l.sink, component: component}
}

func (l *Logger) SetLevel(level LogLevel) {
	l.sink.mu.Lock()
	l.sink.level = level
	l.sink.mu.Unlock()
}

func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.out = log.New(w, "", 0)
	l.sink.mu.Unlock()
}

func (l *Logger) Enabled(level LogLevel) bool {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return level >= l.sink.level
}

func (l *Logger) log(level LogLevel, message string, fields map[string]interface{}) {
	l.sink.mu.Lock()
	minLevel, out := l.sink.level, l.sink.out
	l.sink.mu.Unlock()
	if level < minLevel {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     level.String(),
		Component: l.component,
		Message:   message,
		Fields:    sanitizeFields(fields),
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		out.Printf("Failed to marshal log entry: %v", err)
		return
	}

	out.Println(string(jsonBytes))
}

func (l *Logger) Debug(message string, fields ...Fields) {
	l.log(DEBUG, message, mergeFields(fields...))
}

func (l *Logger) Info(message string, fields ...Fields) {
	l.log(INFO, message, mergeFields(fields...))
}

func (l *Logger) Warn(message string, fields ...Fields) {
	l.log(WARN, message, mergeFields(fields...))
}

func (l *Logger) Error(message string, fields ...Fields) {
	l.log(ERROR, message, mergeFields(fields...))
}

// Package-level convenience functions
func Default() *Logger {
	return defaultLogger
}

func SetLevel(level LogLevel) {
	defaultLogger.SetLevel(level)
}

func SetOutput(w io.Writer) {
	defaultLogger.SetOutput(w)
}

func Debug(message string, fields ...Fields) {
	defaultLogger.Debug(message, fields...)
}

func Info(message string, fields ...Fields) {
	defaultLogger.Info(message, fields...)
}

func Warn(message string, fields ...Fields) {
	defaultLogger.Warn(message, fields...)
}

func Error(message string, fields ...Fields) {
	defaultLogger.Error(message, fields...)
}

func mergeFields(fieldMaps ...Fields) map[string]interface{} {
	if len(fieldMaps) == 0 {
		return nil
	}
	result := make(map[string]interface{})
	for _, fields := range fieldMaps {
		for k, v := range fields {
			result[k] = v
		}
	}
	return result
}

var sensitiveKeys = []string{
	"password", "token", "secret", "signature", "authorization", "license_key", "api_key", "dsn",
}

// Mask keeps the first and last three characters of long values.
func Mask(s string) string {
	if len(s) <= 8 {
		return "[REDACTED]"
	}
	return s[:3] + "..." + s[len(s)-3:]
}

func sanitizeFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	sanitized := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if !isSensitive(k) {
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			sanitized[k] = v
			continue
		}
		if str, ok := v.(string); ok && len(str) > 0 {
			sanitized[k] = Mask(str)
		} else {
			sanitized[k] = "[REDACTED]"
		}
	}

	return sanitized
}

func isSensitive(key string) bool {
	keyLower := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	return false
}

func init() {
	// Keep test output quiet.
	if os.Getenv("GO_ENV") == "test" || strings.HasSuffix(os.Args[0], ".test") {
		SetLevel(WARN)
		return
	}

	level, err := ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = INFO
	}
	SetLevel(level)
}

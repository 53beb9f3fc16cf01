// Package logging provides structured JSON logging for baton. Every entry
// is a single JSON line carrying severity, an invocation ID that ties
// together all lines written by one hook or CLI run, and optional fields.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/andywolf/baton/internal/fileutil"
	"github.com/andywolf/baton/internal/security"
)

// Severity levels for structured logs
type Severity string

const (
	SeverityDebug    Severity = "DEBUG"
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityDebug:    0,
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityError:    3,
	SeverityCritical: 4,
}

// LogEntry is one structured log line.
type LogEntry struct {
	Severity     Severity               `json:"severity"`
	Message      string                 `json:"message"`
	Timestamp    time.Time              `json:"timestamp"`
	InvocationID string                 `json:"invocation_id,omitempty"`
	Labels       map[string]string      `json:"labels,omitempty"`
	Fields       map[string]interface{} `json:"fields,omitempty"`
}

// Interface is what components depend on.
type Interface interface {
	Log(severity Severity, message string, fields map[string]interface{})
	LogDebug(message string)
	LogInfo(message string)
	LogWarning(message string)
	LogError(message string)
}

// Logger writes LogEntries to a file (through an advisory lock) and/or an
// io.Writer. It is safe for concurrent use.
type Logger struct {
	path         string
	lockTimeout  time.Duration
	mirror       io.Writer
	invocationID string
	labels       map[string]string
	minSeverity  Severity
	sanitizer    *security.LogSanitizer
	now          func() time.Time
	mu           sync.Mutex
}

// Option configures a Logger.
type Option func(*Logger)

// WithFile appends entries to path.
func WithFile(path string, lockTimeout time.Duration) Option {
	return func(l *Logger) {
		l.path = path
		l.lockTimeout = lockTimeout
	}
}

// WithWriter additionally writes every entry to w (e.g. stderr in verbose mode).
func WithWriter(w io.Writer) Option {
	return func(l *Logger) {
		l.mirror = w
	}
}

// WithInvocationID sets the correlation ID stamped on every entry.
func WithInvocationID(id string) Option {
	return func(l *Logger) {
		l.invocationID = id
	}
}

// WithLabels adds custom labels to all log entries
func WithLabels(labels map[string]string) Option {
	return func(l *Logger) {
		for k, v := range labels {
			l.labels[k] = v
		}
	}
}

// WithMinSeverity drops entries below s.
func WithMinSeverity(s Severity) Option {
	return func(l *Logger) {
		l.minSeverity = s
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Logger) {
		l.now = now
	}
}

// New creates a Logger. Without WithFile or WithWriter it discards output.
func New(opts ...Option) *Logger {
	l := &Logger{
		labels:      map[string]string{"component": "baton"},
		minSeverity: SeverityInfo,
		sanitizer:   security.NewLogSanitizer(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return New()
}

// Log writes a structured log entry
func (l *Logger) Log(severity Severity, message string, fields map[string]interface{}) {
	if severityRank[severity] < severityRank[l.minSeverity] {
		return
	}
	if l.path == "" && l.mirror == nil {
		return
	}

	entry := LogEntry{
		Severity:     severity,
		Message:      l.sanitizer.Sanitize(message),
		Timestamp:    l.now().UTC(),
		InvocationID: l.invocationID,
		Labels:       l.labels,
		Fields:       l.sanitizeFields(fields),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"severity":"ERROR","message":"failed to marshal log entry: %v"}`, err))
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.path != "" {
		_, _ = fileutil.AppendLocked(l.path, data, l.lockTimeout) //nolint:errcheck // logging must never fail the caller
	}
	if l.mirror != nil {
		_, _ = l.mirror.Write(data) //nolint:errcheck // best-effort mirror
	}
}

func (l *Logger) sanitizeFields(fields map[string]interface{}) map[string]interface{} {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			out[k] = l.sanitizer.Sanitize(val)
		case error:
			out[k] = l.sanitizer.SanitizeError(val)
		default:
			out[k] = v
		}
	}
	return out
}

// LogDebug writes a DEBUG level log entry
func (l *Logger) LogDebug(message string) {
	l.Log(SeverityDebug, message, nil)
}

// LogInfo writes an INFO level log entry
func (l *Logger) LogInfo(message string) {
	l.Log(SeverityInfo, message, nil)
}

// LogWarning writes a WARNING level log entry
func (l *Logger) LogWarning(message string) {
	l.Log(SeverityWarning, message, nil)
}

// LogError writes an ERROR level log entry
func (l *Logger) LogError(message string) {
	l.Log(SeverityError, message, nil)
}

// InvocationID returns the correlation ID of this logger.
func (l *Logger) InvocationID() string {
	return l.invocationID
}

var _ Interface = (*Logger)(nil)

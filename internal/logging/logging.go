// Package logging provides the coordinator's leveled logger. CLI
// commands log to stderr; the merge daemon logs to a rotating file.
// A redaction rule set masks credential-looking strings before any
// line is written.
package logging

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level orders log severities. Lower is more severe.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

// ParseLevel maps a SWITCHYARD_LOG value to a level. Unknown values and
// the empty string select INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return LevelError
	case "warn", "warning":
		return LevelWarn
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	}
	return "INFO"
}

// Logger is a printf-style leveled logger. The zero value is not usable;
// construct with New, FromEnv, or NewRotating. WithPrefix children share
// the parent's sink and lock, so their lines never interleave.
type Logger struct {
	mu        *sync.Mutex
	w         io.Writer
	level     Level
	prefix    string
	redactors []*regexp.Regexp
}

// New returns a logger writing to w at the given level.
func New(w io.Writer, level Level) *Logger {
	return &Logger{mu: &sync.Mutex{}, w: w, level: level}
}

// FromEnv returns a stderr logger at the level named by SWITCHYARD_LOG.
func FromEnv() *Logger {
	return New(os.Stderr, ParseLevel(os.Getenv("SWITCHYARD_LOG")))
}

// Nop returns a logger that discards everything. Handy in tests.
func Nop() *Logger {
	return New(io.Discard, LevelError)
}

// NewRotating returns a logger writing to a size-rotated file, for
// daemon mode where stderr goes nowhere.
func NewRotating(path string, level Level) *Logger {
	return New(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     14, // days
		Compress:   true,
	}, level)
}

// WithPrefix returns a logger sharing the sink but tagging every line
// with a component name.
func (l *Logger) WithPrefix(prefix string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Logger{mu: l.mu, w: l.w, level: l.level, prefix: prefix, redactors: l.redactors}
}

// SetRedaction installs patterns masked from every line before writing.
func (l *Logger) SetRedaction(patterns []*regexp.Regexp) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.redactors = patterns
}

// SetLevel changes the threshold at runtime (verbose flags).
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(LevelError, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.logf(LevelWarn, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logf(LevelInfo, format, args...) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(LevelDebug, format, args...) }

func (l *Logger) logf(level Level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level > l.level {
		return
	}

	msg := fmt.Sprintf(format, args...)
	for _, re := range l.redactors {
		msg = re.ReplaceAllString(msg, "[redacted]")
	}

	ts := time.Now().Format("2006-01-02 15:04:05")
	if l.prefix != "" {
		fmt.Fprintf(l.w, "%s %-5s [%s] %s\n", ts, level, l.prefix, msg)
		return
	}
	fmt.Fprintf(l.w, "%s %-5s %s\n", ts, level, msg)
}

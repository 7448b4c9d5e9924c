// Package logger provides the structured, leveled logger used across
// flowsched. It has no external dependencies so that it can be
// imported from the lowest-level packages without creating cycles.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"time"
)

// Level is the severity of a log record.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
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

// ParseLevel converts a config string into a Level, defaulting to INFO
// for anything it doesn't recognize.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level: %s", s)
	}
}

// Logger is a leveled logger that accumulates structured fields.
// Values produced by WithField/WithFields are immutable snapshots;
// every call returns a new Logger so callers can safely share a base
// logger across goroutines and branch off per-component loggers.
type Logger struct {
	level  Level
	out    *log.Logger
	fields map[string]interface{}
	scope  string // e.g. "cluster-scheduler", "local-scheduler"
}

// Config controls how New builds a Logger.
type Config struct {
	Level  Level
	Output io.Writer
	Scope  string
}

// New returns a Logger writing to stdout at INFO level.
func New() *Logger {
	return NewWithConfig(Config{Level: INFO, Output: os.Stdout})
}

// NewWithConfig returns a Logger built from the given Config.
func NewWithConfig(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	return &Logger{
		level:  cfg.Level,
		out:    log.New(cfg.Output, "", 0),
		fields: make(map[string]interface{}),
		scope:  cfg.Scope,
	}
}

// WithFields returns a derived Logger carrying the given key/value
// pairs in addition to the receiver's existing fields.
func (l *Logger) WithFields(kv ...interface{}) *Logger {
	next := &Logger{
		level:  l.level,
		out:    l.out,
		scope:  l.scope,
		fields: make(map[string]interface{}, len(l.fields)+len(kv)/2),
	}
	for k, v := range l.fields {
		next.fields[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		next.fields[fmt.Sprintf("%v", kv[i])] = kv[i+1]
	}
	return next
}

// WithField is a convenience wrapper around WithFields for the common
// single-field case, e.g. logger.WithField("component", "dispatcher").
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(key, value)
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.log(DEBUG, msg, kv...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.log(INFO, msg, kv...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.log(WARN, msg, kv...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.log(ERROR, msg, kv...) }

// Fatal logs at ERROR and terminates the process. Reserved for
// cmd/flowsched startup failures; library code should return errors
// instead.
func (l *Logger) Fatal(msg string, kv ...interface{}) {
	l.log(ERROR, msg, kv...)
	os.Exit(1)
}

func (l *Logger) SetLevel(level Level) { l.level = level }

func (l *Logger) log(level Level, msg string, kv ...interface{}) {
	if level < l.level {
		return
	}
	all := make(map[string]interface{}, len(l.fields)+len(kv)/2)
	for k, v := range l.fields {
		all[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		all[fmt.Sprintf("%v", kv[i])] = kv[i+1]
	}
	l.out.Print(formatLine(time.Now(), level, l.scope, msg, all))
}

func formatLine(ts time.Time, level Level, scope, msg string, fields map[string]interface{}) string {
	parts := []string{
		fmt.Sprintf("[%s]", ts.Format("2006-01-02T15:04:05.000Z07:00")),
		fmt.Sprintf("[%s]", level.String()),
	}
	if scope != "" {
		parts = append(parts, fmt.Sprintf("[%s]", scope))
	}
	parts = append(parts, msg)

	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, fmt.Sprintf("%s=%s", k, formatValue(fields[k])))
		}
		parts = append(parts, "|", strings.Join(pairs, " "))
	}
	return strings.Join(parts, " ")
}

func formatValue(v interface{}) string {
	switch tv := v.(type) {
	case string:
		if strings.Contains(tv, " ") {
			return fmt.Sprintf("%q", tv)
		}
		return tv
	case error:
		return fmt.Sprintf("%q", tv.Error())
	case time.Duration:
		return tv.String()
	case time.Time:
		return tv.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", tv)
	}
}

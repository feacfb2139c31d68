package log

import (
	"context"
	"fmt"
	"log/slog"
	"log/syslog"
	"math"
	"os"
	"runtime"
	"strings"
	"time"
)

const (
	levelMaxVerbosity slog.Level = math.MinInt
	LevelTrace        slog.Level = -8
	LevelDebug                   = slog.LevelDebug
	LevelInfo                    = slog.LevelInfo
	LevelWarn                    = slog.LevelWarn
	LevelError                   = slog.LevelError
	LevelCrit         slog.Level = 12
)

var levelNames = map[slog.Level]string{
	LevelTrace: "trace",
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warn",
	LevelError: "error",
	LevelCrit:  "crit",
}

// LevelString returns the lower case level name used in JSON output.
func LevelString(l slog.Level) string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return "unknown"
}

// LevelAlignedString returns the five column upper case name used by the
// terminal handler.
func LevelAlignedString(l slog.Level) string {
	s, ok := levelNames[l]
	if !ok {
		return "?????"
	}
	return fmt.Sprintf("%-5s", strings.ToUpper(s))
}

// Logger writes module tagged key/value records to a slog.Handler.
type Logger interface {
	With(ctx ...interface{}) Logger
	Write(level slog.Level, module string, msg string, attrs ...any)
	Enabled(ctx context.Context, level slog.Level) bool
	Handler() slog.Handler

	Trace(module string, msg string, ctx ...interface{})
	Debug(module string, msg string, ctx ...interface{})
	Info(module string, msg string, ctx ...interface{})
	Warn(module string, msg string, ctx ...interface{})
	Error(module string, msg string, ctx ...interface{})
	// Crit logs and exits the process.
	Crit(module string, msg string, ctx ...interface{})
}

type logger struct {
	inner *slog.Logger
	// sink receives a one line copy of every emitted record when set.
	sink *syslog.Writer
}

func NewLogger(h slog.Handler) Logger {
	return &logger{inner: slog.New(h)}
}

// NewSyslogLogger returns a logger that also forwards every record to a
// syslog collector at addr over TCP. An unreachable collector is reported
// once on stderr and the logger falls back to h alone.
func NewSyslogLogger(h slog.Handler, addr, tag string) Logger {
	w, err := syslog.Dial("tcp", addr, syslog.LOG_INFO|syslog.LOG_USER, tag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "syslog %s unavailable: %v\n", addr, err)
		w = nil
	}
	return &logger{inner: slog.New(h), sink: w}
}

func (l *logger) Handler() slog.Handler { return l.inner.Handler() }

func (l *logger) With(ctx ...interface{}) Logger {
	return &logger{inner: l.inner.With(ctx...), sink: l.sink}
}

func (l *logger) Enabled(ctx context.Context, level slog.Level) bool {
	return l.inner.Enabled(ctx, level)
}

// Write emits one record. The caller frame recorded is the one that called
// the level method or package function, two frames above Write.
func (l *logger) Write(level slog.Level, module string, msg string, attrs ...any) {
	if !l.inner.Enabled(context.Background(), level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.Add(attrs...)
	if l.sink != nil {
		l.forward(level, fmt.Sprintf("%s|%s|%s|%v", LevelAlignedString(level), module, msg, attrs))
	}
	_ = l.inner.Handler().Handle(context.Background(), r)
}

func (l *logger) forward(level slog.Level, line string) {
	var err error
	switch {
	case level >= LevelCrit:
		err = l.sink.Crit(line)
	case level >= LevelError:
		err = l.sink.Err(line)
	case level >= LevelWarn:
		err = l.sink.Warning(line)
	case level >= LevelInfo:
		err = l.sink.Info(line)
	default:
		err = l.sink.Debug(line)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "syslog write: %v\n", err)
	}
}

func (l *logger) Trace(module string, msg string, ctx ...interface{}) {
	l.Write(LevelTrace, module, msg, ctx...)
}

func (l *logger) Debug(module string, msg string, ctx ...interface{}) {
	l.Write(LevelDebug, module, msg, ctx...)
}

func (l *logger) Info(module string, msg string, ctx ...interface{}) {
	l.Write(LevelInfo, module, msg, ctx...)
}

func (l *logger) Warn(module string, msg string, ctx ...interface{}) {
	l.Write(LevelWarn, module, msg, ctx...)
}

func (l *logger) Error(module string, msg string, ctx ...interface{}) {
	l.Write(LevelError, module, msg, ctx...)
}

func (l *logger) Crit(module string, msg string, ctx ...interface{}) {
	l.Write(LevelCrit, module, msg, ctx...)
	os.Exit(1)
}

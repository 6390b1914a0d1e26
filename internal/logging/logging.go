// Package logging provides a leveled logger with colored output and timestamps,
// backed by zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Level represents the logging level.
type Level int

const (
	// LevelError logs only errors.
	LevelError Level = iota
	// LevelWarn logs warnings and errors.
	LevelWarn
	// LevelInfo logs info, warnings, and errors.
	LevelInfo
	// LevelDebug logs debug messages and above.
	LevelDebug
	// LevelTrace logs everything including trace-level details.
	LevelTrace
)

// String returns the string representation of the log level.
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
	case LevelTrace:
		return "TRACE"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case LevelError:
		return zerolog.ErrorLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelTrace:
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}

// Format selects how log lines are rendered.
type Format int

const (
	// FormatConsole renders human-readable lines.
	FormatConsole Format = iota
	// FormatJSON renders one JSON object per line.
	FormatJSON
)

// ParseFormat parses "console" or "json" (case-insensitive).
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "console", "text":
		return FormatConsole, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatConsole, fmt.Errorf("invalid log format %q: must be console or json", s)
	}
}

// ANSI color codes for terminal output.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorGreen  = "\033[32m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

const timestampFormat = "2006-01-02 15:04:05"

// Logger provides leveled logging with optional color support.
// Child loggers created with With share the parent's sink settings at the
// time of the call.
type Logger struct {
	mu        sync.Mutex
	level     Level
	output    io.Writer
	useColor  bool
	format    Format
	component string
	zl        zerolog.Logger
}

// NewLogger creates a new logger with the specified level.
// Color output is automatically enabled if writing to a terminal.
func NewLogger(level Level) *Logger {
	l := &Logger{
		level:    level,
		output:   os.Stdout,
		useColor: isTTY(os.Stdout),
	}
	l.rebuild()
	return l
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	l := &Logger{level: LevelError, output: io.Discard}
	l.rebuild()
	return l
}

// With returns a child logger tagged with the given component name.
func (l *Logger) With(component string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	child := &Logger{
		level:     l.level,
		output:    l.output,
		useColor:  l.useColor,
		format:    l.format,
		component: component,
	}
	child.rebuild()
	return child
}

// rebuild recreates the zerolog sink. Caller holds mu (or owns l exclusively).
func (l *Logger) rebuild() {
	var w io.Writer = l.output
	if l.format == FormatConsole {
		useColor := l.useColor
		w = zerolog.ConsoleWriter{
			Out:         l.output,
			NoColor:     !useColor,
			TimeFormat:  timestampFormat,
			FormatLevel: func(i interface{}) string { return formatLevel(i, useColor) },
		}
	}
	ctx := zerolog.New(w).Level(l.level.zerolog()).With().Timestamp()
	if l.component != "" {
		ctx = ctx.Str("component", l.component)
	}
	l.zl = ctx.Logger()
}

// formatLevel renders the level column in the console writer.
// Events without a level are stats lines.
func formatLevel(i interface{}, useColor bool) string {
	s, ok := i.(string)
	if !ok {
		if useColor {
			return "[" + colorBold + "STATS" + colorReset + "]"
		}
		return "[STATS]"
	}

	var name, code string
	switch s {
	case zerolog.LevelErrorValue, zerolog.LevelFatalValue, zerolog.LevelPanicValue:
		name, code = "ERROR", colorRed
	case zerolog.LevelWarnValue:
		name, code = "WARN", colorYellow
	case zerolog.LevelInfoValue:
		name, code = "INFO", colorGreen
	case zerolog.LevelDebugValue:
		name, code = "DEBUG", colorCyan
	case zerolog.LevelTraceValue:
		name, code = "TRACE", colorGray
	default:
		name = strings.ToUpper(s)
	}
	if useColor && code != "" {
		return "[" + code + name + colorReset + "]"
	}
	return "[" + name + "]"
}

// SetOutput sets the output writer for the logger.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
	// Re-evaluate color support based on new output
	if f, ok := w.(*os.File); ok {
		l.useColor = isTTY(f)
	} else {
		l.useColor = false
	}
	l.rebuild()
}

// SetColorEnabled explicitly enables or disables color output.
func (l *Logger) SetColorEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.useColor = enabled
	l.rebuild()
}

// SetFormat switches between console and JSON rendering.
func (l *Logger) SetFormat(f Format) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = f
	l.rebuild()
}

// SetLevel changes the logging level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	l.rebuild()
}

// GetLevel returns the current logging level.
func (l *Logger) GetLevel() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// Zerolog returns the underlying zerolog logger for structured fields.
func (l *Logger) Zerolog() zerolog.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.zl
}

// log writes a log message at the specified level.
func (l *Logger) log(level Level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.zl.WithLevel(level.zerolog()).Msgf(format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

// Trace logs a trace message (most verbose).
func (l *Logger) Trace(format string, args ...interface{}) {
	l.log(LevelTrace, format, args...)
}

// Stats logs a statistics line regardless of level.
func (l *Logger) Stats(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.zl.WithLevel(zerolog.NoLevel).Msgf(format, args...)
}

// ParseLevel parses a string into a Level.
// Valid values: error, warn, info, debug, trace (case-insensitive).
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "trace":
		return LevelTrace, nil
	default:
		return LevelInfo, fmt.Errorf("invalid log level %q: must be error, warn, info, debug, or trace", s)
	}
}

// isTTY checks if the given file is a terminal.
func isTTY(f *os.File) bool {
	if f == nil {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelColors = map[Level]*color.Color{
	LevelDebug: color.New(color.FgHiBlack),
	LevelInfo:  color.New(color.FgCyan),
	LevelWarn:  color.New(color.FgYellow),
	LevelError: color.New(color.FgRed),
	LevelFatal: color.New(color.FgRed, color.Bold),
}

type sink struct {
	mu            sync.Mutex
	fileLogger    *log.Logger
	stdout        io.Writer
	colorize      bool
	level         Level
	includeStdout bool
}

// Logger writes leveled lines to a file and optionally to stdout. Child
// loggers made with With share the sink and add a prefix.
type Logger struct {
	*sink
	prefix string
}

// New opens filePath for appending. An empty path logs to stdout only.
func New(filePath string, level Level, includeStdout bool) (*Logger, error) {
	var out io.Writer = io.Discard
	if filePath != "" {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		out = f
	}

	return &Logger{sink: &sink{
		fileLogger:    log.New(out, "", 0),
		stdout:        os.Stdout,
		colorize:      term.IsTerminal(int(os.Stdout.Fd())),
		level:         level,
		includeStdout: includeStdout,
	}}, nil
}

// NewWriter logs every line at or above level to w. Used by tests and
// embedders that manage their own output.
func NewWriter(w io.Writer, level Level) *Logger {
	return &Logger{sink: &sink{
		fileLogger: log.New(w, "", 0),
		stdout:     io.Discard,
		level:      level,
	}}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewWriter(io.Discard, LevelFatal+1)
}

// With returns a child logger whose lines are tagged with prefix.
func (l *Logger) With(prefix string) *Logger {
	if l.prefix != "" {
		prefix = l.prefix + " " + prefix
	}
	return &Logger{sink: l.sink, prefix: prefix}
}

func (l *Logger) log(lvl Level, tag string, format string, v ...any) {
	if lvl < l.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	msg := fmt.Sprintf(format, v...)
	if l.prefix != "" {
		msg = "[" + l.prefix + "] " + msg
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.fileLogger.Printf("%s [%s] %s", timestamp, tag, msg)

	// Debug stays out of stdout so it doesn't break CLI progress rendering
	if l.includeStdout && lvl >= LevelInfo {
		if l.colorize {
			tag = levelColors[lvl].Sprint(tag)
		}
		fmt.Fprintf(l.stdout, "\n%s [%s] %s", timestamp, tag, msg)
	}
}

func ParseLevel(lvl string) Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l *Logger) Debug(f string, v ...any) { l.log(LevelDebug, "DEBUG", f, v...) }
func (l *Logger) Info(f string, v ...any)  { l.log(LevelInfo, "INFO", f, v...) }
func (l *Logger) Warn(f string, v ...any)  { l.log(LevelWarn, "WARN", f, v...) }
func (l *Logger) Error(f string, v ...any) { l.log(LevelError, "ERROR", f, v...) }
func (l *Logger) Fatal(f string, v ...any) { l.log(LevelFatal, "FATAL", f, v...); os.Exit(1) }

// Write lets the logger act as an io.Writer for libraries such as echo.
func (l *Logger) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		l.Info("%s", msg)
	}
	return len(p), nil
}

// Package logger contains a logger implementation.
package logger

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"time"
)

// Level is a log level.
type Level int

// Log levels.
const (
	Debug Level = iota + 1
	Info
	Warn
	Error
)

// ParseLevel parses a log level from a string.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug":
		return Debug, nil
	case "info":
		return Info, nil
	case "warn":
		return Warn, nil
	case "error":
		return Error, nil
	}
	return 0, fmt.Errorf("invalid log level '%s'", s)
}

// Writer is an object that can write log entries.
type Writer interface {
	Log(level Level, format string, args ...interface{})
}

const (
	reset  = "\033[0m"
	yellow = "\033[33m"
	red    = "\033[31m"
	gray   = "\033[90m"
)

func levelPrefix(level Level, useColor bool) string {
	switch level {
	case Debug:
		if useColor {
			return gray + "DEB" + reset
		}
		return "DEB"
	case Info:
		return "INF"
	case Warn:
		if useColor {
			return yellow + "WAR" + reset
		}
		return "WAR"
	default:
		if useColor {
			return red + "ERR" + reset
		}
		return "ERR"
	}
}

// Logger is a log handler that writes to stderr and optionally to a file.
type Logger struct {
	level    Level
	file     *os.File
	useColor bool

	mutex sync.Mutex
	buf   bytes.Buffer
}

// New allocates a Logger.
func New(level Level, filePath string) (*Logger, error) {
	lg := &Logger{
		level:    level,
		useColor: os.Getenv("NO_COLOR") == "",
	}

	if filePath != "" {
		var err error
		lg.file, err = os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
	}

	return lg, nil
}

// Close closes the logger.
func (lg *Logger) Close() {
	if lg.file != nil {
		lg.file.Close()
	}
}

// Log implements Writer.
func (lg *Logger) Log(level Level, format string, args ...interface{}) {
	if level < lg.level {
		return
	}

	lg.mutex.Lock()
	defer lg.mutex.Unlock()

	now := time.Now().Format("2006/01/02 15:04:05")

	lg.buf.Reset()
	fmt.Fprintf(&lg.buf, "%s %s %s\n",
		now, levelPrefix(level, lg.useColor), fmt.Sprintf(format, args...))
	os.Stderr.Write(lg.buf.Bytes())

	if lg.file != nil {
		lg.buf.Reset()
		fmt.Fprintf(&lg.buf, "%s %s %s\n",
			now, levelPrefix(level, false), fmt.Sprintf(format, args...))
		lg.file.Write(lg.buf.Bytes())
	}
}

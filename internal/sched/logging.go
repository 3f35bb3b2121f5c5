package sched

import (
	"io"
	"strings"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the structured logger used throughout the scheduler.
type Logger = logiface.Logger[*stumpy.Event]

// NewLogger returns a JSON logger writing to w at the given level. Time is
// left out: the scheduler logs in ticks.
func NewLogger(w io.Writer, level logiface.Level) *Logger {
	return stumpy.L.New(
		stumpy.L.WithStumpy(
			stumpy.WithWriter(w),
			stumpy.WithTimeField(``),
		),
		stumpy.L.WithLevel(level),
	)
}

// ParseLevel converts a level name to a logiface.Level.
// Returns LevelInformational for unrecognized values.
func ParseLevel(s string) logiface.Level {
	switch strings.ToLower(s) {
	case "trace":
		return logiface.LevelTrace
	case "debug":
		return logiface.LevelDebug
	case "info":
		return logiface.LevelInformational
	case "notice":
		return logiface.LevelNotice
	case "warn", "warning":
		return logiface.LevelWarning
	case "err", "error":
		return logiface.LevelError
	case "off", "disabled":
		return logiface.LevelDisabled
	default:
		return logiface.LevelInformational
	}
}

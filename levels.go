package monitor

import (
	"fmt"
	"strings"
)

// Level is a log severity. Values follow the syslog-style ordering used by
// PSR-3 loggers so thresholds compare numerically.
type Level int

const (
	LevelDebug     Level = 100
	LevelInfo      Level = 200
	LevelNotice    Level = 250
	LevelWarning   Level = 300
	LevelError     Level = 400
	LevelCritical  Level = 500
	LevelAlert     Level = 550
	LevelEmergency Level = 600
	// LevelNone is above every real level and disables reporting.
	LevelNone Level = 1000
)

var levelNames = map[string]Level{
	"debug":     LevelDebug,
	"info":      LevelInfo,
	"notice":    LevelNotice,
	"warning":   LevelWarning,
	"error":     LevelError,
	"critical":  LevelCritical,
	"alert":     LevelAlert,
	"emergency": LevelEmergency,
	"none":      LevelNone,
}

// ParseLevel converts a level name to a Level.
func ParseLevel(s string) (Level, error) {
	if l, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l, nil
	}
	return 0, fmt.Errorf("invalid log level %q", s)
}

func (l Level) String() string {
	for name, lvl := range levelNames {
		if lvl == l {
			return name
		}
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// collectorLevel maps a level name to the five levels the collector knows.
// Unknown or empty names report as error.
func collectorLevel(name string) string {
	l, err := ParseLevel(name)
	if err != nil {
		switch strings.ToLower(name) {
		case "warn":
			return "warning"
		case "fatal":
			return "fatal"
		}
		return "error"
	}
	switch {
	case l <= LevelDebug:
		return "debug"
	case l <= LevelNotice:
		return "info"
	case l <= LevelWarning:
		return "warning"
	case l <= LevelError:
		return "error"
	default:
		return "fatal"
	}
}

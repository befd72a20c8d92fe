package core

import (
	"log"
	"os"
	"strings"
	"sync"
)

// LogLevel orders message severities; a message is emitted when its level is
// at or above the effective level of its component.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff
)

// ParseLevel maps a level name from config to a LogLevel. Unknown names and
// the empty string fall back to info.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "off", "none":
		return LevelOff
	default:
		return LevelInfo
	}
}

// LogConfig is the logging section of the YAML config: one global level plus
// optional per-component overrides keyed by tag.
type LogConfig struct {
	Level      string            `yaml:"level,omitempty"`
	Components map[string]string `yaml:"components,omitempty"`
}

// Logger filters tagged messages by per-component level, falling back to the
// global level for tags without an override.
type Logger struct {
	mu          sync.RWMutex
	globalLevel LogLevel
	components  map[string]LogLevel // keyed by lowercased tag
}

// NewLogger builds a Logger from the config section.
func NewLogger(cfg LogConfig) *Logger {
	l := &Logger{
		globalLevel: ParseLevel(cfg.Level),
		components:  make(map[string]LogLevel, len(cfg.Components)),
	}
	for name, level := range cfg.Components {
		l.components[strings.ToLower(name)] = ParseLevel(level)
	}
	return l
}

func (l *Logger) levelFor(tag string) LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lvl, ok := l.components[strings.ToLower(tag)]; ok {
		return lvl
	}
	return l.globalLevel
}

func (l *Logger) emit(tag, format string, args ...any) {
	log.Printf("["+tag+"] "+format, args...)
}

// Debugf logs a debug message for the given component tag.
func (l *Logger) Debugf(tag, format string, args ...any) {
	if l.levelFor(tag) <= LevelDebug {
		l.emit(tag, format, args...)
	}
}

// Infof logs an info message for the given component tag.
func (l *Logger) Infof(tag, format string, args ...any) {
	if l.levelFor(tag) <= LevelInfo {
		l.emit(tag, format, args...)
	}
}

// Warnf logs a warning for the given component tag.
func (l *Logger) Warnf(tag, format string, args ...any) {
	if l.levelFor(tag) <= LevelWarn {
		l.emit(tag, format, args...)
	}
}

// Errorf logs an error for the given component tag.
func (l *Logger) Errorf(tag, format string, args ...any) {
	if l.levelFor(tag) <= LevelError {
		l.emit(tag, format, args...)
	}
}

// Fatalf logs unconditionally and exits the process.
func (l *Logger) Fatalf(tag, format string, args ...any) {
	l.emit(tag, format, args...)
	os.Exit(1)
}

// Log is the process-wide logger, info-level until the config is loaded.
var Log = NewLogger(LogConfig{})

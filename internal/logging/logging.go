// Package logging configures the process-wide zerolog logger and hands out
// per-component child loggers.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the root logger. Init replaces it; Component derives from it.
var Logger zerolog.Logger

// Level represents log levels.
type Level = zerolog.Level

const (
	DebugLevel = zerolog.DebugLevel
	InfoLevel  = zerolog.InfoLevel
	WarnLevel  = zerolog.WarnLevel
	ErrorLevel = zerolog.ErrorLevel
	FatalLevel = zerolog.FatalLevel
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level written.
	Level Level
	// Output defaults to os.Stderr.
	Output io.Writer
	// Pretty switches Output to zerolog's console writer.
	Pretty bool
	// TimeFormat defaults to RFC3339.
	TimeFormat string
	// LogFile, when set, receives a JSON copy of every line.
	LogFile string
}

var (
	fileMu sync.Mutex
	sink   *os.File
)

// DefaultConfig returns info level JSON logging to stderr.
func DefaultConfig() Config {
	return Config{
		Level:      InfoLevel,
		Output:     os.Stderr,
		TimeFormat: time.RFC3339,
	}
}

// Init rebuilds Logger from cfg. A log file opened by an earlier Init is
// closed first.
func Init(cfg Config) error {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}
	zerolog.TimeFieldFormat = cfg.TimeFormat

	out := cfg.Output
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: cfg.TimeFormat}
	}

	fileMu.Lock()
	defer fileMu.Unlock()
	closeSink()
	if cfg.LogFile != "" {
		f, err := openSink(cfg.LogFile)
		if err != nil {
			return err
		}
		sink = f
		out = zerolog.MultiLevelWriter(out, f)
	}

	Logger = zerolog.New(out).Level(cfg.Level).With().Timestamp().Logger()
	return nil
}

func openSink(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

func closeSink() error {
	if sink == nil {
		return nil
	}
	err := sink.Close()
	sink = nil
	return err
}

// Close releases the log file, if any. Safe to call more than once.
func Close() error {
	fileMu.Lock()
	defer fileMu.Unlock()
	return closeSink()
}

// ParseLevel maps a level name to a Level, case-insensitively. "warning" is
// accepted for warn. Anything unrecognized, including the empty string, is
// InfoLevel.
func ParseLevel(level string) Level {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "warning" {
		return WarnLevel
	}
	l, err := zerolog.ParseLevel(level)
	if err != nil || l == zerolog.NoLevel {
		return InfoLevel
	}
	return l
}

// Component returns a child of Logger tagged with the component name.
// Components call it when they are constructed, after Init.
func Component(name string) *zerolog.Logger {
	l := Logger.With().Str("component", name).Logger()
	return &l
}

func init() {
	_ = Init(DefaultConfig())
}

// Package logging provides component-scoped logrus loggers sharing one
// process-wide configuration.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Settings configures the shared logger.
type Settings struct {
	// Level is the minimum level ("debug", "info", "warn", "error").
	// AXIOM_LOG_LEVEL overrides it.
	Level string
	// Format is "text" (default) or "json".
	Format string
	// File, when set, receives log output in addition to stderr rules below.
	File string
}

var (
	root    = newRoot()
	mu      sync.Mutex
	loggers = make(map[string]*logrus.Entry)
	logFile *os.File
)

func newRoot() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&TextFormatter{})
	if lvl, err := logrus.ParseLevel(os.Getenv("AXIOM_LOG_LEVEL")); err == nil {
		l.SetLevel(lvl)
	}
	return l
}

// NewLogger returns the logger for a component. Loggers are cached per
// component and all share the settings applied by Configure.
func NewLogger(component string) *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()

	if logger, ok := loggers[component]; ok {
		return logger
	}
	logger := root.WithField("component", component)
	loggers[component] = logger
	return logger
}

// Configure applies settings to every logger, existing and future.
func Configure(s Settings) error {
	mu.Lock()
	defer mu.Unlock()

	levelStr := "info"
	if env := os.Getenv("AXIOM_LOG_LEVEL"); env != "" {
		levelStr = env
	} else if s.Level != "" {
		levelStr = s.Level
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", levelStr, err)
	}
	root.SetLevel(level)

	switch strings.ToLower(s.Format) {
	case "json":
		root.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		root.SetFormatter(&TextFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", s.Format)
	}

	var writers []io.Writer
	if s.File != "" {
		if err := os.MkdirAll(filepath.Dir(s.File), 0755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(s.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		if logFile != nil {
			logFile.Close()
		}
		logFile = f
		writers = append(writers, f)
	}

	// With a file sink, stderr only gets a copy when debugging or when
	// stderr is not a terminal (piped, CI, supervisor).
	interactive := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	if s.File == "" || level >= logrus.DebugLevel || !interactive {
		writers = append(writers, os.Stderr)
	}
	root.SetOutput(io.MultiWriter(writers...))
	return nil
}

// SetOutput redirects all loggers, mainly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	root.SetOutput(w)
}

// Close releases the log file, if one was opened.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		root.SetOutput(os.Stderr)
		logFile.Close()
		logFile = nil
	}
}

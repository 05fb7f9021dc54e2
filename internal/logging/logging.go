// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// Setup applies level and format ("text" or "json") to the standard logger.
// When file is set, output is appended to it as well as stderr. The returned
// closer releases the file and is never nil.
func Setup(level, format, file string) (io.Closer, error) {
	return configure(log.StandardLogger(), os.Stderr, level, format, file)
}

func configure(logger *log.Logger, stderr io.Writer, level, format, file string) (io.Closer, error) {
	if level == "" {
		level = "info"
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nopCloser{}, fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(lvl)

	switch format {
	case "", "text":
		logger.SetFormatter(&log.TextFormatter{
			// Show the full timestamp rather than the time elapsed since start.
			FullTimestamp: true,
			DisableColors: file != "",
		})
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		return nopCloser{}, fmt.Errorf("unknown log format %q", format)
	}

	if file == "" {
		logger.SetOutput(stderr)
		return nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return nopCloser{}, fmt.Errorf("failed to create log directory: %w", err)
	}
	logFile, err := os.OpenFile(file, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nopCloser{}, fmt.Errorf("failed to open log file: %w", err)
	}
	logger.SetOutput(io.MultiWriter(stderr, logFile))
	return logFile, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

package logging

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var errSinkClosed = errors.New("log file closed")

// FileSink writes log lines to a local file, rotating it by size.
type FileSink struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	maxSize  int64
	maxFiles int
	written  int64

	MinSeverity int
}

// FileSinkConfig configures a FileSink.
type FileSinkConfig struct {
	Path     string // log file path (default: /var/log/vrhost/events.log)
	MaxSize  int64  // max file size in bytes (default: 10MB)
	MaxFiles int    // number of rotated files to keep (default: 5)
}

// NewFileSink opens (appending) the configured file.
func NewFileSink(cfg FileSinkConfig) (*FileSink, error) {
	path := cfg.Path
	if path == "" {
		path = "/var/log/vrhost/events.log"
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 10 * 1024 * 1024
	}
	maxFiles := cfg.MaxFiles
	if maxFiles <= 0 {
		maxFiles = 5
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	fs := &FileSink{
		file:     f,
		path:     path,
		maxSize:  maxSize,
		maxFiles: maxFiles,
	}
	if info, err := f.Stat(); err == nil {
		fs.written = info.Size()
	}
	return fs, nil
}

// Send appends a timestamped line.
func (fs *FileSink) Send(severity int, msg string) error {
	ts := time.Now().Format("2006-01-02T15:04:05.000")
	line := fmt.Sprintf("%s [%s] %s\n", ts, severityTag(severity), msg)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.file == nil {
		return errSinkClosed
	}
	n, err := fs.file.WriteString(line)
	if err != nil {
		return err
	}
	fs.written += int64(n)
	if fs.written >= fs.maxSize {
		fs.rotate()
	}
	return nil
}

// ShouldSend applies the severity filter.
func (fs *FileSink) ShouldSend(severity int) bool {
	return fs.MinSeverity == 0 || severity <= fs.MinSeverity
}

// Close closes the file. It is safe to call more than once.
func (fs *FileSink) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file == nil {
		return nil
	}
	err := fs.file.Close()
	fs.file = nil
	return err
}

func (fs *FileSink) rotate() {
	fs.file.Close()
	fs.file = nil

	for i := fs.maxFiles - 1; i > 0; i-- {
		os.Rename(fmt.Sprintf("%s.%d", fs.path, i), fmt.Sprintf("%s.%d", fs.path, i+1))
	}
	os.Rename(fs.path, fs.path+".1")
	os.Remove(fmt.Sprintf("%s.%d", fs.path, fs.maxFiles+1))

	f, err := os.OpenFile(fs.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		slog.Warn("failed to reopen rotated event log", "path", fs.path, "err", err)
		return
	}
	fs.file = f
	fs.written = 0
}

func severityTag(severity int) string {
	switch severity {
	case SyslogError:
		return "ERROR"
	case SyslogWarning:
		return "WARNING"
	default:
		return "INFO"
	}
}

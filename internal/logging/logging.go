package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/reloquent/carryover/internal/config"
)

// Options configure Setup.
type Options struct {
	Level     string
	Format    string // text or json
	Directory string
	// RetentionDays removes older log files; zero keeps everything.
	RetentionDays int
	// Console receives a copy of every line; defaults to stderr.
	Console io.Writer
}

// Setup initializes the logger with file and console output.
func Setup(opts Options) (*slog.Logger, error) {
	directory := opts.Directory
	if directory == "" {
		directory = "~/.carryover/logs/"
	}
	directory = config.ExpandHome(directory)

	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	if opts.RetentionDays > 0 {
		// stale logs are not worth failing a run over
		_, _ = Prune(directory, opts.RetentionDays, time.Now())
	}

	filename := fmt.Sprintf("carryover-%s.log", time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(directory, filename), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	return New(io.MultiWriter(console, file), opts.Level, opts.Format), nil
}

// New builds a logger on w without touching the filesystem.
func New(w io.Writer, level, format string) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// ParseLevel maps a level name to a slog level; unknown names mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Prune deletes carryover log files older than days and returns how many
// were removed.
func Prune(directory string, days int, now time.Time) (int, error) {
	matches, err := filepath.Glob(filepath.Join(directory, "carryover-*.log"))
	if err != nil {
		return 0, err
	}
	cutoff := now.AddDate(0, 0, -days)
	removed := 0
	for _, path := range matches {
		date := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), "carryover-"), ".log")
		day, err := time.ParseInLocation("2006-01-02", date, now.Location())
		if err != nil || !day.Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("removing %s: %w", path, err)
		}
		removed++
	}
	return removed, nil
}

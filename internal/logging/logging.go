package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode"
)

// Options selects the process-wide slog handler
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	Output string // stdout, stderr or a file path
}

var sensitiveKeys = []string{
	"password",
	"pass",
	"token",
	"secret",
	"api_key",
	"authorization",
	"private_key",
}

// sanitizeMessage normalizes a value to a single line and drops control characters
// that could be used for log injection.
func sanitizeMessage(msg string) string {
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.ReplaceAll(msg, "\n", " ")

	var b strings.Builder
	for _, r := range msg {
		if r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ReplaceAttr redacts sensitive keys and flattens string values
func ReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	keyLower := strings.ToLower(a.Key)
	for _, sk := range sensitiveKeys {
		if strings.Contains(keyLower, sk) {
			return slog.String(a.Key, "***REDACTED***")
		}
	}
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, sanitizeMessage(a.Value.String()))
	}
	return a
}

// LevelManager adjusts the log level at runtime
type LevelManager struct {
	level slog.LevelVar
}

var globalLevelManager = &LevelManager{}

// GetLevelManager returns the process-wide level manager
func GetLevelManager() *LevelManager {
	return globalLevelManager
}

// SetLevel changes the level of every handler installed by Setup
func (m *LevelManager) SetLevel(level slog.Level) {
	m.level.Set(level)
}

// GetLevel returns the current level
func (m *LevelManager) GetLevel() slog.Level {
	return m.level.Level()
}

// StringToLevel converts string to slog.Level
func StringToLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level")
	}
}

// NewHandler builds a sanitizing Text or JSON handler writing to w
func NewHandler(w io.Writer, format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: ReplaceAttr}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

var setupMu sync.Mutex

// Setup installs the default slog logger. The returned closer releases the log file, if any.
func Setup(opts Options) (io.Closer, error) {
	setupMu.Lock()
	defer setupMu.Unlock()

	level, err := StringToLevel(opts.Level)
	if err != nil {
		return nil, fmt.Errorf("logging level %q: %w", opts.Level, err)
	}
	globalLevelManager.SetLevel(level)

	var (
		w      io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	switch opts.Output {
	case "", "stdout":
	case "stderr":
		w = os.Stderr
	default:
		if err := os.MkdirAll(filepath.Dir(opts.Output), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(opts.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w, closer = f, f
	}

	slog.SetDefault(slog.New(NewHandler(w, opts.Format, &globalLevelManager.level)))
	return closer, nil
}

// Package logging configures zerolog for miniphi: console or JSON output,
// an optional file sink, and per-component sub-loggers.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONFIG
// ═══════════════════════════════════════════════════════════════════════════════

// Output formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Config configures the global logger.
type Config struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level" yaml:"level"`
	// Format is console or json.
	Format string `mapstructure:"format" yaml:"format"`
	// File optionally receives JSON records as well.
	File    string `mapstructure:"file" yaml:"file"`
	NoColor bool   `mapstructure:"no_color" yaml:"no_color"`
	// Caller adds file:line to each record.
	Caller bool `mapstructure:"caller" yaml:"caller"`
}

// DefaultConfig returns console logging at info level.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: FormatConsole,
	}
}

// VerboseConfig returns a configuration for troubleshooting.
func VerboseConfig() Config {
	cfg := DefaultConfig()
	cfg.Level = "debug"
	cfg.Caller = true
	return cfg
}

// ParseLevel parses a level name; unknown names map to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// SETUP
// ═══════════════════════════════════════════════════════════════════════════════

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds a logger writing to out in the configured format.
func New(cfg Config, out io.Writer) zerolog.Logger {
	ctx := zerolog.New(consoleWriter(cfg, out)).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.Caller {
		ctx = ctx.Caller()
	}
	return ctx.Logger()
}

// Setup installs the global logger on stderr, teeing JSON records to
// cfg.File when set. The returned closer releases the file.
func Setup(cfg Config) (io.Closer, error) {
	return setup(cfg, os.Stderr)
}

func setup(cfg Config, console io.Writer) (io.Closer, error) {
	var closer io.Closer = nopCloser{}
	logger := New(cfg, console)

	if cfg.File != "" {
		path := expandHome(cfg.File)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		closer = f
		ctx := zerolog.New(zerolog.MultiLevelWriter(consoleWriter(cfg, console), f)).Level(ParseLevel(cfg.Level)).With().Timestamp()
		if cfg.Caller {
			ctx = ctx.Caller()
		}
		logger = ctx.Logger()
	}

	log.Logger = logger
	zerolog.DefaultContextLogger = &log.Logger
	return closer, nil
}

func consoleWriter(cfg Config, out io.Writer) io.Writer {
	if strings.EqualFold(cfg.Format, FormatJSON) {
		return out
	}
	return zerolog.ConsoleWriter{Out: out, NoColor: cfg.NoColor, TimeFormat: time.Kitchen}
}

// Component returns a sub-logger of the global logger tagged with name.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// Package logger builds the application's slog.Logger from environment
// driven settings: JSON output for production aggregation, text for local
// development.
package logger

import (
	"io"
	"log/slog"
	"os"
)

// Format represents logger output format.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Config holds the logger settings, populated from environment variables.
type Config struct {
	Level   string `env:"LOG_LEVEL" envDefault:"info"`        // Level is one of debug, info, warn, error.
	Format  Format `env:"LOG_FORMAT" envDefault:"json"`       // Format is "json" or "text".
	Service string `env:"SERVICE_NAME" envDefault:"segqueue"` // Service is attached to every record.
}

// Option configures logger creation.
type Option func(*options)

type options struct {
	output io.Writer
	attrs  []slog.Attr
}

// WithOutput sets a custom output destination; nil writers are ignored.
func WithOutput(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.output = w
		}
	}
}

// WithAttr adds static attributes to every log record.
func WithAttr(attrs ...slog.Attr) Option {
	return func(o *options) {
		o.attrs = append(o.attrs, attrs...)
	}
}

// New creates a configured slog.Logger.
func New(cfg Config, opts ...Option) *slog.Logger {
	o := &options{output: os.Stdout}
	for _, opt := range opts {
		opt(o)
	}

	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == FormatText {
		handler = slog.NewTextHandler(o.output, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(o.output, handlerOpts)
	}

	attrs := append([]slog.Attr{slog.String("service", cfg.Service)}, o.attrs...)
	return slog.New(handler.WithAttrs(attrs))
}

// SetAsDefault installs the logger as the process default.
func SetAsDefault(l *slog.Logger) {
	slog.SetDefault(l)
}

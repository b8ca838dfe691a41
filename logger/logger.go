// Package logger configures application wide zerolog loggers.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	// Level is the default level for all loggers ("trace".."error").
	Level string `mapstructure:"level" yaml:"level"`
	// OutputPath is a file path, "stdout" or "stderr" (default stderr).
	OutputPath string `mapstructure:"output_path" yaml:"output_path"`
	// ConsoleFormat enables human readable output instead of JSON.
	ConsoleFormat bool `mapstructure:"console_format" yaml:"console_format"`
}

// New builds the root logger from the configuration.
func New(cfg Config) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	var out io.Writer
	switch cfg.OutputPath {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		file, err := os.OpenFile(cfg.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("failed to open log file: %w", err)
		}
		out = file
	}

	if cfg.ConsoleFormat {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05.000"}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

// With returns a sub-logger tagged with the component name.
func With(log zerolog.Logger, component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

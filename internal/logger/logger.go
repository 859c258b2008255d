// Package logger builds the process-wide zerolog logger.
package logger

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/cachebash/coordinator/internal/config"
)

// New builds a zerolog.Logger configured for cfg.Env.
func New(cfg *config.Config) zerolog.Logger {
	var output = os.Stderr

	level := zerolog.InfoLevel
	if cfg.IsDevelopment() {
		level = zerolog.DebugLevel
	}
	if parsed, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		level = parsed
	}
	zerolog.SetGlobalLevel(level)

	if cfg.IsDevelopment() {
		return zerolog.New(zerolog.ConsoleWriter{Out: output}).With().Timestamp().Logger()
	}
	return zerolog.New(output).With().Timestamp().Logger()
}

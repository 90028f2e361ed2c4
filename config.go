package main

import (
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// EngineConfig holds the tunable knobs for a Spreadsheet instance. It is
// validated at construction time so a misconfigured engine fails fast
// rather than surfacing confusing errors mid-calculation.
type EngineConfig struct {
	// MaxVolatileRetries bounds how many recalculation passes a single
	// Calculate() call makes over the dirty set; past the bound the loop
	// stops and every remaining dirty flag is cleared, as a backstop
	// against pathological reference chains (4.10).
	MaxVolatileRetries int `validate:"gte=1,lte=100000"`

	// LogLevel controls the verbosity of the engine's structured logger.
	// One of: "debug", "info", "warn", "error", "disabled".
	LogLevel string `validate:"omitempty,oneof=debug info warn error disabled"`
}

// DefaultEngineConfig returns the configuration used by NewSpreadsheet.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxVolatileRetries: 10000,
		LogLevel:           "info",
	}
}

var configValidator = validator.New()

// Validate checks the configuration against its struct tags, returning an
// *AppError(InvalidArgument) describing the first violation.
func (c EngineConfig) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return NewApplicationError(InvalidArgument, err.Error())
	}
	return nil
}

// newEngineLogger builds the zerolog.Logger an engine instance writes
// recalculation and diagnostic events to, per the configured level.
func newEngineLogger(cfg EngineConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

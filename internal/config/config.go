// Package config reads the analysis defaults from the environment.
//
// VARIABLES:
//
//	IVDESC_NO_NANS            treat every function as no-nans-fp-math
//	IVDESC_NO_SIGNED_ZEROS    treat every function as no-signed-zeros-fp-math
//	IVDESC_ALLOW_ASSUMPTIONS  let induction analysis add runtime predicates
//	IVDESC_LOG_LEVEL          debug, info, warn or error (default warn)
//	IVDESC_FORMAT             text or json (default text)
//
// Command-line flags override what is read here.
package config

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/xyproto/env/v2"

	"github.com/hassan/ivdesc/internal/ivdesc"
)

// Environment variable names.
const (
	EnvNoNaNs           = "IVDESC_NO_NANS"
	EnvNoSignedZeros    = "IVDESC_NO_SIGNED_ZEROS"
	EnvAllowAssumptions = "IVDESC_ALLOW_ASSUMPTIONS"
	EnvLogLevel         = "IVDESC_LOG_LEVEL"
	EnvFormat           = "IVDESC_FORMAT"
)

// ValidFormats are the report formats.
var ValidFormats = []string{"text", "json"}

// Config holds the process-wide analysis defaults.
type Config struct {
	// FP is OR-ed with the attributes of every analyzed function
	FP ivdesc.FPDefaults

	AllowAssumptions bool
	LogLevel         slog.Level
	Format           string
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{LogLevel: slog.LevelWarn, Format: "text"}
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	cfg := Default()
	cfg.FP.NoNaNs = env.Bool(EnvNoNaNs)
	cfg.FP.NoSignedZeros = env.Bool(EnvNoSignedZeros)
	cfg.AllowAssumptions = env.Bool(EnvAllowAssumptions)

	if level := env.Str(EnvLogLevel); level != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvLogLevel, err)
		}
	}

	cfg.Format = strings.ToLower(env.Str(EnvFormat, cfg.Format))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", EnvFormat, err)
	}
	return cfg, nil
}

// Validate checks the fields that have a closed set of values.
func (c *Config) Validate() error {
	if !slices.Contains(ValidFormats, c.Format) {
		return fmt.Errorf("invalid format %q: must be one of %v", c.Format, ValidFormats)
	}
	return nil
}

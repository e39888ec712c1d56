// Package config loads jwtgate settings from the environment, optionally
// seeded from .env files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/jwtgate/auth"
	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Config holds the host settings. Defaults are provided via struct tags.
type Config struct {
	// ListenAddr like ":8080". ENV: LISTEN_ADDR
	ListenAddr string `env:"LISTEN_ADDR,default=:8080"`
	// LogLevel is one of trace, debug, info, warn, error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
	// Realm advertised in WWW-Authenticate challenges. ENV: REALM
	Realm string `env:"REALM"`

	// JWKSFile is the path of the local JWKS document. ENV: JWKS_FILE
	JWKSFile string `env:"JWKS_FILE,required"`
	// WatchJWKS rebuilds the key store when the JWKS file changes. ENV: JWKS_WATCH
	WatchJWKS bool `env:"JWKS_WATCH,default=true"`

	// AuthServer is the expected "iss". Empty disables the check. ENV: AUTHSERVER
	AuthServer string `env:"AUTHSERVER"`
	// Audience is the expected "aud". Empty disables the check. ENV: AUDIENCE
	Audience string `env:"AUDIENCE"`
	// Algorithms is a comma separated list of accepted JWS algorithms. ENV: ALGORITHMS
	Algorithms string `env:"ALGORITHMS,default=RS256"`
	// Leeway tolerated on exp and nbf. ENV: LEEWAY
	Leeway time.Duration `env:"LEEWAY,default=60s"`
	// RequireExpiry rejects tokens without "exp". ENV: REQUIRE_EXP
	RequireExpiry bool `env:"REQUIRE_EXP,default=true"`
	// RequireNotBefore rejects tokens without "nbf". ENV: REQUIRE_NBF
	RequireNotBefore bool `env:"REQUIRE_NBF,default=false"`
}

// Load reads the given .env files, if they exist, and decodes the
// environment into a Config. Variables already present in the environment
// win over values from the files. A file that exists but cannot be parsed is
// an error.
func Load(dotenv ...string) (Config, error) {
	for _, f := range dotenv {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return FromEnv()
}

// FromEnv decodes the process environment into a Config and validates it.
// A variable that is set but does not parse is an error; it never falls back
// to the default or the zero value.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode env: %w", err)
	}
	if _, err := cfg.Policy(); err != nil {
		return Config{}, err
	}
	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Policy builds the validation policy described by the config.
func (c Config) Policy() (auth.Policy, error) {
	p := auth.Policy{
		Algorithms:       splitList(c.Algorithms),
		Issuer:           strings.TrimSpace(c.AuthServer),
		Audience:         strings.TrimSpace(c.Audience),
		Leeway:           c.Leeway,
		RequireExpiry:    c.RequireExpiry,
		RequireNotBefore: c.RequireNotBefore,
	}
	if err := p.Validate(); err != nil {
		return auth.Policy{}, fmt.Errorf("config: %w", err)
	}
	return p, nil
}

// ParseLevel maps a level name onto a slog level. "trace" maps to
// auth.LevelTrace.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return auth.LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("config: unknown log level %q", s)
}

func splitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == ' '
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}

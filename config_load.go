package authclient

import (
	"fmt"
	"os"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultConfigFile is read from the working directory when no explicit
// path or CONFIG_PATH is given.
const DefaultConfigFile = "authclient.yaml"

// LoadConfig loads configuration by priority:
//  1. explicit path;
//  2. CONFIG_PATH;
//  3. ./authclient.yaml;
//  4. environment only.
//
// Environment variables are overlaid on values read from a file. The result
// is validated.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	read := func(p string) error {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("config file %q stat failed: %w", p, err)
		}
		if err := cleanenv.ReadConfig(p, &cfg); err != nil {
			return fmt.Errorf("read config %q: %w", p, err)
		}
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return fmt.Errorf("overlay env: %w", err)
		}
		return nil
	}

	switch {
	case path != "":
		if err := read(path); err != nil {
			return Config{}, err
		}
	case os.Getenv("CONFIG_PATH") != "":
		if err := read(os.Getenv("CONFIG_PATH")); err != nil {
			return Config{}, err
		}
	default:
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			if err := read(DefaultConfigFile); err != nil {
				return Config{}, err
			}
		} else if err := cleanenv.ReadEnv(&cfg); err != nil {
			return Config{}, fmt.Errorf("read env config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// NewLogger builds a JSON production logger at cfg.Level, or a console
// development logger when cfg.Development is set.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Encoding = "json"
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)

	return zc.Build()
}

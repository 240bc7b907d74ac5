// Package config loads the settings of the iotrack tools from the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment variables read by Load.
const (
	EnvShardCount  = "IOTRACK_SHARD_COUNT"
	EnvCapacity    = "IOTRACK_CAPACITY"
	EnvSurrogates  = "IOTRACK_SURROGATES"
	EnvMonitorPort = "IOTRACK_MONITOR_PORT"
	EnvArchive     = "IOTRACK_ARCHIVE"
	EnvLogLevel    = "IOTRACK_LOG_LEVEL"
	EnvOpenBrowser = "IOTRACK_OPEN_BROWSER"
)

// Config holds the settings of a run.
type Config struct {
	ShardCount int
	Capacity   int
	Surrogates bool

	// MonitorPort is the port of the monitoring server. 0 picks a free port
	// and a negative port disables the server.
	MonitorPort int

	// Archive is the path of the SQLite archive, without suffix. An empty
	// path disables archiving.
	Archive string

	LogLevel    zapcore.Level
	OpenBrowser bool
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		ShardCount:  16,
		Capacity:    1 << 16,
		Surrogates:  true,
		MonitorPort: -1,
		LogLevel:    zapcore.InfoLevel,
	}
}

// Load reads the settings from the environment. Variables found in the
// given dotenv files are added to the environment first, without overriding
// what is already set. Missing files are skipped.
func Load(dotenvFiles ...string) (Config, error) {
	for _, f := range dotenvFiles {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}

		if err := godotenv.Load(f); err != nil {
			return Config{}, fmt.Errorf("loading %s: %w", f, err)
		}
	}

	c := Default()

	var err error

	if c.ShardCount, err = intVar(EnvShardCount, c.ShardCount); err != nil {
		return Config{}, err
	}

	if c.Capacity, err = intVar(EnvCapacity, c.Capacity); err != nil {
		return Config{}, err
	}

	if c.Surrogates, err = boolVar(EnvSurrogates, c.Surrogates); err != nil {
		return Config{}, err
	}

	if c.MonitorPort, err = intVar(EnvMonitorPort, c.MonitorPort); err != nil {
		return Config{}, err
	}

	if c.OpenBrowser, err = boolVar(EnvOpenBrowser, c.OpenBrowser); err != nil {
		return Config{}, err
	}

	c.Archive = os.Getenv(EnvArchive)

	if s := os.Getenv(EnvLogLevel); s != "" {
		if c.LogLevel, err = zapcore.ParseLevel(s); err != nil {
			return Config{}, fmt.Errorf("%s: %w", EnvLogLevel, err)
		}
	}

	return c, c.Validate()
}

// Validate checks that the settings can build a database.
func (c Config) Validate() error {
	if c.ShardCount <= 0 {
		return fmt.Errorf("shard count must be positive, got %d", c.ShardCount)
	}

	if c.Capacity <= 0 {
		return fmt.Errorf("capacity must be positive, got %d", c.Capacity)
	}

	return nil
}

// Logger builds the logger of a run. Development loggers are human
// readable, production loggers write JSON.
func (c Config) Logger(development bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if development {
		zc = zap.NewDevelopmentConfig()
	}

	zc.Level = zap.NewAtomicLevelAt(c.LogLevel)

	return zc.Build()
}

func intVar(name string, def int) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}

	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}

	return v, nil
}

func boolVar(name string, def bool) (bool, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}

	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("%s: %w", name, err)
	}

	return v, nil
}

// Package config loads the tunable parameters of the chatsync core from
// environment variables, with defaults chosen for mobile chat workloads.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Delivery configures the delivery engine's retry behavior.
type Delivery struct {
	InitialRetryDelay time.Duration `env:"CHATSYNC_RETRY_INITIAL,default=2s"`
	MaxRetryDelay     time.Duration `env:"CHATSYNC_RETRY_MAX,default=60s"`
	MaxAttempts       int           `env:"CHATSYNC_RETRY_ATTEMPTS,default=5"`
	SchedulerTick     time.Duration `env:"CHATSYNC_RETRY_TICK,default=5s"`
}

// Cache configures the media cache manager.
type Cache struct {
	Dir             string        `env:"CHATSYNC_CACHE_DIR"`
	MaxEntries      int           `env:"CHATSYNC_CACHE_MAX_ENTRIES,default=200"`
	MaxBytes        int64         `env:"CHATSYNC_CACHE_MAX_BYTES,default=268435456"`
	Retention       time.Duration `env:"CHATSYNC_CACHE_RETENTION,default=720h"`
	Concurrency     int           `env:"CHATSYNC_CACHE_CONCURRENCY,default=2"`
	StallTimeout    time.Duration `env:"CHATSYNC_CACHE_STALL_TIMEOUT,default=30s"`
	DownloadRetries int           `env:"CHATSYNC_CACHE_DOWNLOAD_RETRIES,default=3"`
}

// ReadTracker configures the visibility-gated read tracker.
type ReadTracker struct {
	DwellTime     time.Duration `env:"CHATSYNC_READ_DWELL,default=1s"`
	SweepInterval time.Duration `env:"CHATSYNC_READ_SWEEP,default=1s"`
}

// Config aggregates all tunables plus the shared data directory for
// durable state.
type Config struct {
	DataDir     string `env:"CHATSYNC_DATA_DIR,default=./chatsync-data"`
	Delivery    Delivery
	Cache       Cache
	ReadTracker ReadTracker
}

// Load reads the configuration from the environment.
func Load(ctx context.Context) (Config, error) {
	cfg := Config{}
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing env vars: %w", err)
	}
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = cfg.DataDir + "/cache"
	}
	return cfg, nil
}

// Default returns the built-in defaults without touching the environment,
// rooted at the given data directory. Intended for tests and embedders that
// configure programmatically.
func Default(dataDir string) Config {
	return Config{
		DataDir: dataDir,
		Delivery: Delivery{
			InitialRetryDelay: 2 * time.Second,
			MaxRetryDelay:     60 * time.Second,
			MaxAttempts:       5,
			SchedulerTick:     5 * time.Second,
		},
		Cache: Cache{
			Dir:             dataDir + "/cache",
			MaxEntries:      200,
			MaxBytes:        256 << 20,
			Retention:       30 * 24 * time.Hour,
			Concurrency:     2,
			StallTimeout:    30 * time.Second,
			DownloadRetries: 3,
		},
		ReadTracker: ReadTracker{
			DwellTime:     time.Second,
			SweepInterval: time.Second,
		},
	}
}

package driver

import (
	"errors"
	"log/slog"
	"time"
)

type Config struct {
	Logger *slog.Logger `json:"-"`

	// Images maps a software tag to the machine image rendering it.
	Images map[string]string `json:"images"`

	HeartbeatInterval time.Duration `json:"heartbeat-interval"`
	ProbeTimeout      time.Duration `json:"probe-timeout"`
	SweepInterval     time.Duration `json:"sweep-interval"`

	SpawnTimeout       time.Duration `json:"spawn-timeout"`
	RestartTimeout     time.Duration `json:"restart-timeout"`
	TerminateTimeout   time.Duration `json:"terminate-timeout"`
	SpawnRetryCooldown time.Duration `json:"spawn-retry-cooldown"`

	// WorkerPool bounds the number of concurrent provider calls.
	WorkerPool int `json:"worker-pool"`
}

const (
	DefaultHeartbeatInterval  = 15 * time.Second
	DefaultProbeTimeout       = 30 * time.Second
	DefaultSweepInterval      = 10 * time.Second
	DefaultSpawnTimeout       = 8 * time.Minute
	DefaultRestartTimeout     = 5 * time.Minute
	DefaultTerminateTimeout   = 8 * time.Minute
	DefaultSpawnRetryCooldown = 1 * time.Minute
	DefaultWorkerPool         = 10
	DefaultFramesPerMachine   = 20
)

func Validate(config Config) error {
	if len(config.Images) == 0 {
		return errors.New("at least one software image mapping is required")
	}
	if config.HeartbeatInterval <= 0 {
		return errors.New("heartbeat-interval must be greater than 0")
	}
	if config.SweepInterval <= 0 {
		return errors.New("sweep-interval must be greater than 0")
	}
	if config.WorkerPool <= 0 {
		return errors.New("worker-pool must be greater than 0")
	}
	return nil
}

// withDefaults fills a nil logger and zero-valued timeouts and cooldown so
// tests and embedders only set what they care about. The heartbeat and
// sweep intervals and the worker pool are not filled; Validate rejects
// them when zero.
func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.SpawnTimeout == 0 {
		c.SpawnTimeout = DefaultSpawnTimeout
	}
	if c.RestartTimeout == 0 {
		c.RestartTimeout = DefaultRestartTimeout
	}
	if c.TerminateTimeout == 0 {
		c.TerminateTimeout = DefaultTerminateTimeout
	}
	if c.SpawnRetryCooldown == 0 {
		c.SpawnRetryCooldown = DefaultSpawnRetryCooldown
	}
	return c
}

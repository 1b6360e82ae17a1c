// Package config loads coordination-core configuration from an optional
// TOML overlay plus environment variables (env always wins), in the
// teacher's convention of an explicit struct rather than a reflection-heavy
// framework.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the full set of tunables for the coordination core. Zero
// values are replaced by Defaults() before use.
type Config struct {
	Database struct {
		DSN             string        `toml:"dsn"`
		Driver          string        `toml:"driver"` // "postgres" or "mysql"
		MaxOpenConns    int           `toml:"max_open_conns"`
		MaxIdleConns    int           `toml:"max_idle_conns"`
		ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
	} `toml:"database"`

	Redis struct {
		Addr    string `toml:"addr"`
		Enabled bool   `toml:"enabled"`
	} `toml:"redis"`

	RateLimiter struct {
		DefaultPerSecond int `toml:"default_per_second"`
		DefaultPerMinute int `toml:"default_per_minute"`
		DefaultBurst     int `toml:"default_burst"`
	} `toml:"rate_limiter"`

	Dedup struct {
		TTL             time.Duration `toml:"ttl"`
		LocalCacheCap   int           `toml:"local_cache_cap"`
		SweepInterval   time.Duration `toml:"sweep_interval"`
		DurableRetained time.Duration `toml:"durable_retained"`
	} `toml:"dedup"`

	Balance struct {
		MinimumResidual   string        `toml:"minimum_residual"`
		PollInterval      time.Duration `toml:"poll_interval"`
		SweepInterval     time.Duration `toml:"sweep_interval"`
		StalenessFailClosed time.Duration `toml:"staleness_fail_closed"`
	} `toml:"balance"`

	Worker struct {
		HeartbeatTimeout time.Duration `toml:"heartbeat_timeout"`
		CleanupInterval  time.Duration `toml:"cleanup_interval"`
	} `toml:"worker"`

	Monitor struct {
		MonitoringInterval time.Duration `toml:"monitoring_interval"`
		HealthInterval     time.Duration `toml:"health_interval"`
		AlertInterval      time.Duration `toml:"alert_interval"`
		CleanupInterval    time.Duration `toml:"cleanup_interval"`
		DiskMountPoint     string        `toml:"disk_mount_point"`
		RingBufferSize     int           `toml:"ring_buffer_size"`
	} `toml:"monitor"`
}

// Defaults returns a Config populated with the values named throughout
// spec.md (5/s, 290/min burst 10 fallback venue -- 290 rather than the
// literal 300 named by spec.md, since catrate requires each window's
// effective rate to strictly decrease as the window grows, and 5/s,
// 300/min are the same effective rate (5/s); 5 minute dedup TTL; 0.001
// minimum residual; 2 minute heartbeat timeout; etc).
func Defaults() Config {
	var c Config
	c.Database.Driver = "postgres"
	c.Database.MaxOpenConns = 20
	c.Database.MaxIdleConns = 5
	c.Database.ConnMaxLifetime = 30 * time.Minute

	c.RateLimiter.DefaultPerSecond = 5
	c.RateLimiter.DefaultPerMinute = 290
	c.RateLimiter.DefaultBurst = 10

	c.Dedup.TTL = 5 * time.Minute
	c.Dedup.LocalCacheCap = 10_000
	c.Dedup.SweepInterval = time.Hour
	c.Dedup.DurableRetained = 24 * time.Hour

	c.Balance.MinimumResidual = "0.001"
	c.Balance.PollInterval = 30 * time.Second
	c.Balance.SweepInterval = 60 * time.Second
	c.Balance.StalenessFailClosed = 0 // disabled by default (implementer policy, see DESIGN.md)

	c.Worker.HeartbeatTimeout = 2 * time.Minute
	c.Worker.CleanupInterval = 60 * time.Second

	c.Monitor.MonitoringInterval = 30 * time.Second
	c.Monitor.HealthInterval = 30 * time.Second
	c.Monitor.AlertInterval = 60 * time.Second
	c.Monitor.CleanupInterval = time.Hour
	c.Monitor.DiskMountPoint = "/"
	c.Monitor.RingBufferSize = 1000

	return c
}

// Load reads Defaults(), overlays an optional TOML file at path (skipped
// if path is empty or the file does not exist), then overlays a small set
// of environment variables that operators commonly need to override
// without redeploying a config file.
func Load(path string) (Config, error) {
	c := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &c); err != nil {
				return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
			}
		}
	}

	if v := os.Getenv("BOTCORE_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("BOTCORE_DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("BOTCORE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("BOTCORE_REDIS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: BOTCORE_REDIS_ENABLED: %w", err)
		}
		c.Redis.Enabled = b
	}

	return c, nil
}

// SPDX-License-Identifier: MIT

// Package config loads coordinator configuration from the environment with an
// optional YAML file underneath. Environment variables always win.
package config

import (
	"fmt"
	"time"
)

// Config holds the full coordinator configuration.
type Config struct {
	// ListenAddr is the address the HTTP/WebSocket server binds to.
	ListenAddr string `yaml:"listen_addr"`
	// AllowedOrigins are the origins permitted to open a WebSocket. Empty
	// means same-origin only; a single "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
	// LogLevel is the zerolog level name.
	LogLevel string `yaml:"log_level"`

	Store     StoreConfig     `yaml:"store"`
	Session   SessionConfig   `yaml:"session"`
	Transport TransportConfig `yaml:"transport"`
	Sync      SyncConfig      `yaml:"sync"`
	Limits    LimitsConfig    `yaml:"limits"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// StoreConfig selects and parameterises the session store backend.
type StoreConfig struct {
	// Backend is "redis" or "memory".
	Backend       string        `yaml:"backend"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	// ReconnectInterval is the fixed interval between reconnection probes
	// after a fallback to the in-memory backend.
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	// ReconnectMaxAttempts bounds the probe loop; 0 keeps probing forever.
	ReconnectMaxAttempts int `yaml:"reconnect_max_attempts"`
}

// SessionConfig holds session lifecycle parameters.
type SessionConfig struct {
	// TTL is how long an idle session survives.
	TTL time.Duration `yaml:"ttl"`
	// SweepInterval is how often the idle sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// EmptyGrace is how long an empty session survives before the sweep may
	// delete it, allowing a quick re-join after the last disconnect.
	EmptyGrace time.Duration `yaml:"empty_grace"`
	// MaxMembers is the default membership cap per session.
	MaxMembers int `yaml:"max_members"`
}

// TransportConfig holds the playback transport parameters.
type TransportConfig struct {
	// TickPeriod is the nominal position tick interval.
	TickPeriod time.Duration `yaml:"tick_period"`
}

// SyncConfig holds clock-sync and heartbeat parameters.
type SyncConfig struct {
	// ProbeCount is the number of probes in a clock-sync exchange.
	ProbeCount int `yaml:"probe_count"`
	// ProbeInterval is the period between background sync exchanges.
	ProbeInterval time.Duration `yaml:"probe_interval"`
	// DriftThresholdMs triggers a positionCorrection when exceeded.
	DriftThresholdMs int64 `yaml:"drift_threshold_ms"`
	// HeartbeatInterval is the WebSocket ping period.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// HeartbeatTimeout is how long to wait for a pong before the connection
	// is considered dead.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
}

// LimitsConfig holds per-connection rate limit parameters, expressed as
// events per second with a burst allowance.
type LimitsConfig struct {
	PositionSyncPerSec float64 `yaml:"position_sync_per_sec"`
	PositionSyncBurst  int     `yaml:"position_sync_burst"`
	TempoPerSec        float64 `yaml:"tempo_per_sec"`
	TempoBurst         int     `yaml:"tempo_burst"`
	JoinPerSec         float64 `yaml:"join_per_sec"`
	JoinBurst          int     `yaml:"join_burst"`
	DefaultPerSec      float64 `yaml:"default_per_sec"`
	DefaultBurst       int     `yaml:"default_burst"`
	// ViolationLimit disconnects a connection after this many over-limit
	// bursts.
	ViolationLimit int `yaml:"violation_limit"`
	// HTTPJoinPerMinute limits WebSocket upgrades per client IP.
	HTTPJoinPerMinute int `yaml:"http_join_per_minute"`
}

// TelemetryConfig holds the telemetry bus parameters.
type TelemetryConfig struct {
	// ReportInterval is the period of the aggregate telemetry report.
	ReportInterval time.Duration `yaml:"report_interval"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		ListenAddr:     ":8090",
		AllowedOrigins: nil,
		LogLevel:       "info",
		Store: StoreConfig{
			Backend:              "memory",
			RedisAddr:            "localhost:6379",
			RedisDB:              0,
			ReconnectInterval:    5 * time.Second,
			ReconnectMaxAttempts: 60,
		},
		Session: SessionConfig{
			TTL:           30 * time.Minute,
			SweepInterval: 5 * time.Minute,
			EmptyGrace:    30 * time.Second,
			MaxMembers:    8,
		},
		Transport: TransportConfig{
			TickPeriod: 100 * time.Millisecond,
		},
		Sync: SyncConfig{
			ProbeCount:        5,
			ProbeInterval:     30 * time.Second,
			DriftThresholdMs:  25,
			HeartbeatInterval: 25 * time.Second,
			HeartbeatTimeout:  60 * time.Second,
		},
		Limits: LimitsConfig{
			PositionSyncPerSec: 50,
			PositionSyncBurst:  10,
			TempoPerSec:        5,
			TempoBurst:         2,
			JoinPerSec:         2,
			JoinBurst:          1,
			DefaultPerSec:      20,
			DefaultBurst:       5,
			ViolationLimit:     10,
			HTTPJoinPerMinute:  30,
		},
		Telemetry: TelemetryConfig{
			ReportInterval: 5 * time.Second,
		},
	}
}

// Load builds the effective configuration: defaults, then the optional YAML
// file named by BATON_CONFIG_FILE, then environment variables on top.
func Load() (Config, error) {
	cfg := Default()

	if path := ParseString("BATON_CONFIG_FILE", ""); path != "" {
		if err := mergeFile(&cfg, path); err != nil {
			return cfg, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	mergeEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func mergeEnv(cfg *Config) {
	cfg.ListenAddr = ParseString("BATON_LISTEN_ADDR", cfg.ListenAddr)
	cfg.AllowedOrigins = ParseStringSlice("BATON_ALLOWED_ORIGINS", cfg.AllowedOrigins)
	cfg.LogLevel = ParseString("BATON_LOG_LEVEL", cfg.LogLevel)

	cfg.Store.Backend = ParseString("BATON_STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.RedisAddr = ParseString("BATON_REDIS_ADDR", cfg.Store.RedisAddr)
	cfg.Store.RedisPassword = ParseString("BATON_REDIS_PASSWORD", cfg.Store.RedisPassword)
	cfg.Store.RedisDB = ParseInt("BATON_REDIS_DB", cfg.Store.RedisDB)
	cfg.Store.ReconnectInterval = ParseDuration("BATON_STORE_RECONNECT_INTERVAL", cfg.Store.ReconnectInterval)
	cfg.Store.ReconnectMaxAttempts = ParseInt("BATON_STORE_RECONNECT_MAX_ATTEMPTS", cfg.Store.ReconnectMaxAttempts)

	cfg.Session.TTL = ParseDuration("BATON_SESSION_TTL", cfg.Session.TTL)
	cfg.Session.SweepInterval = ParseDuration("BATON_SESSION_SWEEP_INTERVAL", cfg.Session.SweepInterval)
	cfg.Session.EmptyGrace = ParseDuration("BATON_SESSION_EMPTY_GRACE", cfg.Session.EmptyGrace)
	cfg.Session.MaxMembers = ParseInt("BATON_SESSION_MAX_MEMBERS", cfg.Session.MaxMembers)

	cfg.Transport.TickPeriod = ParseDuration("BATON_TICK_PERIOD", cfg.Transport.TickPeriod)

	cfg.Sync.ProbeCount = ParseInt("BATON_SYNC_PROBE_COUNT", cfg.Sync.ProbeCount)
	cfg.Sync.ProbeInterval = ParseDuration("BATON_SYNC_PROBE_INTERVAL", cfg.Sync.ProbeInterval)
	cfg.Sync.DriftThresholdMs = int64(ParseInt("BATON_SYNC_DRIFT_THRESHOLD_MS", int(cfg.Sync.DriftThresholdMs)))
	cfg.Sync.HeartbeatInterval = ParseDuration("BATON_HEARTBEAT_INTERVAL", cfg.Sync.HeartbeatInterval)
	cfg.Sync.HeartbeatTimeout = ParseDuration("BATON_HEARTBEAT_TIMEOUT", cfg.Sync.HeartbeatTimeout)

	cfg.Limits.PositionSyncPerSec = ParseFloat("BATON_RATE_POSITION_SYNC_PER_SEC", cfg.Limits.PositionSyncPerSec)
	cfg.Limits.PositionSyncBurst = ParseInt("BATON_RATE_POSITION_SYNC_BURST", cfg.Limits.PositionSyncBurst)
	cfg.Limits.TempoPerSec = ParseFloat("BATON_RATE_TEMPO_PER_SEC", cfg.Limits.TempoPerSec)
	cfg.Limits.TempoBurst = ParseInt("BATON_RATE_TEMPO_BURST", cfg.Limits.TempoBurst)
	cfg.Limits.JoinPerSec = ParseFloat("BATON_RATE_JOIN_PER_SEC", cfg.Limits.JoinPerSec)
	cfg.Limits.JoinBurst = ParseInt("BATON_RATE_JOIN_BURST", cfg.Limits.JoinBurst)
	cfg.Limits.DefaultPerSec = ParseFloat("BATON_RATE_DEFAULT_PER_SEC", cfg.Limits.DefaultPerSec)
	cfg.Limits.DefaultBurst = ParseInt("BATON_RATE_DEFAULT_BURST", cfg.Limits.DefaultBurst)
	cfg.Limits.ViolationLimit = ParseInt("BATON_RATE_VIOLATION_LIMIT", cfg.Limits.ViolationLimit)
	cfg.Limits.HTTPJoinPerMinute = ParseInt("BATON_HTTP_JOIN_PER_MINUTE", cfg.Limits.HTTPJoinPerMinute)

	cfg.Telemetry.ReportInterval = ParseDuration("BATON_TELEMETRY_INTERVAL", cfg.Telemetry.ReportInterval)
}

// Validate rejects configurations the coordinator cannot run with.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	switch c.Store.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown store backend: %q", c.Store.Backend)
	}
	if c.Session.MaxMembers < 1 {
		return fmt.Errorf("max members must be positive, got %d", c.Session.MaxMembers)
	}
	if c.Session.TTL <= 0 {
		return fmt.Errorf("session TTL must be positive, got %s", c.Session.TTL)
	}
	if c.Transport.TickPeriod <= 0 {
		return fmt.Errorf("tick period must be positive, got %s", c.Transport.TickPeriod)
	}
	if c.Sync.ProbeCount < 1 {
		return fmt.Errorf("sync probe count must be positive, got %d", c.Sync.ProbeCount)
	}
	if c.Sync.HeartbeatTimeout <= c.Sync.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout %s must exceed interval %s",
			c.Sync.HeartbeatTimeout, c.Sync.HeartbeatInterval)
	}
	return nil
}

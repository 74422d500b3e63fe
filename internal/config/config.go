// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Provide New() to build a Config with defaults.
// - Load layers a YAML file and TALLY_ environment variables on top.
// - External errors are wrapped with this package's sentinel kinds.
package config

import (
	"runtime"
	"time"

	"github.com/okian/tally/internal/domain/model"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat selects json or text output.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// WorkerCount sets the number of single-writer shards.
	WorkerCount int `koanf:"worker_count"`

	// QueueSize bounds each shard's job queue.
	QueueSize int `koanf:"queue_size"`

	// OutboundQueueSize bounds each connection's outbound frames.
	OutboundQueueSize int `koanf:"outbound_queue_size"`

	// SlowConsumerGraceMS is how long a connection may lag before it is dropped.
	SlowConsumerGraceMS int `koanf:"slow_consumer_grace_ms"`

	// InboundRatePerSec and InboundBurst limit frames per connection.
	InboundRatePerSec float64 `koanf:"inbound_rate_per_sec"`
	InboundBurst      int     `koanf:"inbound_burst"`

	// HTTPRatePerSec and HTTPBurst limit mutating API calls; zero disables.
	HTTPRatePerSec float64 `koanf:"http_rate_per_sec"`
	HTTPBurst      int     `koanf:"http_burst"`

	// AllowedOrigins lists CORS and WebSocket origins; empty allows any.
	AllowedOrigins []string `koanf:"allowed_origins"`

	// MinJudges is the fewest judges an aggregate needs.
	MinJudges int `koanf:"min_judges"`

	// TrimFraction is cut from each tail by the trimmed mean.
	TrimFraction float64 `koanf:"trim_fraction"`

	// EscalationDeadlineSec and DiscussionTimeoutSec bound human decisions.
	EscalationDeadlineSec int `koanf:"escalation_deadline_sec"`
	DiscussionTimeoutSec  int `koanf:"discussion_timeout_sec"`

	// TieBreak orders equal totals: confidence, variance or shared.
	TieBreak string `koanf:"tie_break"`

	// DedupeSize sets the size of the client message replay cache.
	DedupeSize int `koanf:"dedupe_size"`

	// StoreDriver is memory or sqlite; SQLitePath is required for sqlite.
	StoreDriver string `koanf:"store_driver"`
	SQLitePath  string `koanf:"sqlite_path"`

	// AMQPURL enables the AMQP notifier; empty logs notifications instead.
	AMQPURL      string `koanf:"amqp_url"`
	AMQPExchange string `koanf:"amqp_exchange"`

	// Categories maps category ids to scoring rules.
	Categories map[string]model.CategoryRules `koanf:"categories"`

	// Tokens maps bearer tokens to the identity they were issued for.
	Tokens map[string]model.Identity `koanf:"tokens"`

	// Judges maps judge ids to their reliability profile.
	Judges map[string]model.JudgeProfile `koanf:"judges"`
}

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:              "info",
		LogFormat:             "json",
		Addr:                  ":9080",
		WorkerCount:           runtime.NumCPU(),
		QueueSize:             1024,
		OutboundQueueSize:     256,
		SlowConsumerGraceMS:   5000,
		InboundRatePerSec:     20,
		InboundBurst:          40,
		MinJudges:             2,
		TrimFraction:          0.2,
		EscalationDeadlineSec: 600,
		DiscussionTimeoutSec:  900,
		TieBreak:              "shared",
		DedupeSize:            50_000,
		StoreDriver:           DriverMemory,
		AMQPExchange:          "tally.notifications",
		Categories:            map[string]model.CategoryRules{},
		Tokens:                map[string]model.Identity{},
		Judges:                map[string]model.JudgeProfile{},
	}
}

// EscalationDeadline returns the escalation deadline as a duration.
func (c *Config) EscalationDeadline() time.Duration {
	return time.Duration(c.EscalationDeadlineSec) * time.Second
}

// DiscussionTimeout returns the discussion timeout as a duration.
func (c *Config) DiscussionTimeout() time.Duration {
	return time.Duration(c.DiscussionTimeoutSec) * time.Second
}

// SlowConsumerGrace returns the lag grace period as a duration.
func (c *Config) SlowConsumerGrace() time.Duration {
	return time.Duration(c.SlowConsumerGraceMS) * time.Millisecond
}

package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/okian/tally/internal/domain/aggregation"
)

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if TALLY_CONFIG is set
//  3. env (prefix TALLY_)
//
// Nested maps (categories, tokens, judges) come from the file only.
func Load(_ context.Context) (*Config, error) {
	base := New()

	k := koanf.New(".")

	if path := os.Getenv("TALLY_CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	// Map env keys like TALLY_QUEUE_SIZE -> queue_size (flat keys).
	// TALLY_ALLOWED_ORIGINS is a comma separated list.
	envProvider := env.ProviderWithValue("TALLY_", ".", func(key, value string) (string, interface{}) {
		key = strings.ToLower(strings.TrimPrefix(key, "TALLY_"))
		if key == "allowed_origins" {
			return key, splitList(value)
		}
		return key, value
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return invalid("addr must not be empty")
	}
	if c.WorkerCount <= 0 {
		return invalid("worker_count must be positive")
	}
	if c.QueueSize <= 0 {
		return invalid("queue_size must be positive")
	}
	if c.OutboundQueueSize <= 0 {
		return invalid("outbound_queue_size must be positive")
	}
	if c.MinJudges < 2 {
		return invalid("min_judges must be at least 2")
	}
	if c.TrimFraction <= 0 || c.TrimFraction >= 0.5 {
		return invalid("trim_fraction must be within (0, 0.5)")
	}
	if c.EscalationDeadlineSec <= 0 || c.DiscussionTimeoutSec <= 0 {
		return invalid("escalation_deadline_sec and discussion_timeout_sec must be positive")
	}
	if _, err := aggregation.ParseTieBreak(c.TieBreak); err != nil {
		return invalid("%v", err)
	}
	switch c.StoreDriver {
	case DriverMemory:
	case DriverSQLite:
		if c.SQLitePath == "" {
			return invalid("sqlite_path is required for the sqlite store")
		}
	default:
		return invalid("unknown store_driver %q", c.StoreDriver)
	}
	for id, r := range c.Categories {
		if r.Threshold < 0 || r.Threshold > 1 {
			return invalid("category %s: threshold must be within [0, 1]", id)
		}
		if r.MaxScore < 0 {
			return invalid("category %s: max_score must not be negative", id)
		}
	}
	for tok, id := range c.Tokens {
		if tok == "" || id.ID == "" || !id.Role.Valid() {
			return invalid("token for %q needs an id and a valid role", id.ID)
		}
	}
	return nil
}

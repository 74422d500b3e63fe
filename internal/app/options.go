package service

import (
	"time"

	"github.com/okian/tally/internal/adapters/identity"
	"github.com/okian/tally/internal/adapters/repository"
	"github.com/okian/tally/internal/domain/aggregation"
	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/resolution"
	"github.com/okian/tally/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithStore sets the durable store. The default is an in-memory store.
func WithStore(store repository.Store, driver string) Option {
	return func(s *Service) {
		if store != nil {
			s.store = store
			s.storeDriver = driver
		}
	}
}

// WithShards sets the number of single-writer shards.
func WithShards(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.shards = n
		}
	}
}

// WithQueueSize sets the per-shard queue length.
func WithQueueSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithDedupeSize sets the size of the client message replay cache.
func WithDedupeSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.dedupeSize = size
		}
	}
}

// WithCategoryRules sets per-category rules. Unknown categories use
// model.DefaultRules.
func WithCategoryRules(rules map[string]model.CategoryRules) Option {
	return func(s *Service) {
		s.categories = make(map[string]model.CategoryRules, len(rules))
		for id, r := range rules {
			s.categories[id] = r.Clone()
		}
	}
}

// WithEngine sets the aggregation engine.
func WithEngine(e *aggregation.Engine) Option {
	return func(s *Service) {
		if e != nil {
			s.engine = e
		}
	}
}

// WithTieBreak sets the standings tie-break rule.
func WithTieBreak(rule aggregation.TieBreak) Option {
	return func(s *Service) {
		if rule != "" {
			s.tieBreak = rule
		}
	}
}

// WithDeadlines sets the escalation deadline and discussion timeout.
func WithDeadlines(escalation, discussion time.Duration) Option {
	return func(s *Service) {
		if escalation > 0 {
			s.escalationDeadline = escalation
		}
		if discussion > 0 {
			s.discussionTimeout = discussion
		}
	}
}

// WithVerifier sets the token verifier.
func WithVerifier(v identity.Verifier) Option {
	return func(s *Service) {
		if v != nil {
			s.verifier = v
		}
	}
}

// WithProfiles sets the judge profile provider.
func WithProfiles(p resolution.ProfileProvider) Option {
	return func(s *Service) {
		if p != nil {
			s.profiles = p
		}
	}
}

// WithNotifier sets the notification collaborator.
func WithNotifier(n resolution.Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithClock sets the clock for timestamps and deadlines.
func WithClock(c resolution.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

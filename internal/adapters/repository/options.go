package repository

import (
	"time"

	"github.com/google/uuid"
)

type settings struct {
	now   func() time.Time
	newID func() string
}

func defaults() settings {
	return settings{now: time.Now, newID: uuid.NewString}
}

// Option applies a configuration option to a store.
type Option func(*settings)

// WithClock sets the time source used for server timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides submission id generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *settings) {
		if gen != nil {
			s.newID = gen
		}
	}
}

package dedupe

import "time"

// Defaults for the in-memory deduper.
const (
	DefaultMaxSize = 50000
	DefaultTTL     = 10 * time.Minute
)

type settings struct {
	maxSize int
	ttl     time.Duration
	now     func() time.Time
}

// Option applies a configuration option to the in-memory deduper.
type Option func(*settings)

// WithMaxSize sets the maximum number of ids to keep in memory.
// If maxSize <= 0 the deduper is unbounded.
func WithMaxSize(maxSize int) Option {
	return func(s *settings) {
		s.maxSize = maxSize
	}
}

// WithTTL sets how long an id is remembered. Zero keeps ids until evicted.
func WithTTL(ttl time.Duration) Option {
	return func(s *settings) {
		if ttl >= 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

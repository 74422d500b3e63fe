// Package service orchestrates the scoring pipeline: it admits scores,
// detects conflicts, recomputes aggregates and drives the resolution
// workflow, serializing every mutation per scoring key.
package service

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/okian/tally/internal/adapters/identity"
	workerpool "github.com/okian/tally/internal/adapters/mq/worker"
	"github.com/okian/tally/internal/adapters/repository"
	"github.com/okian/tally/internal/domain/aggregation"
	"github.com/okian/tally/internal/domain/dedupe"
	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/resolution"
	"github.com/okian/tally/internal/domain/types"
	"github.com/okian/tally/internal/domain/validation"
	"github.com/okian/tally/pkg/logger"
	"github.com/okian/tally/pkg/metrics"
)

// Broadcaster fans events out to live connections. It must not block.
type Broadcaster interface {
	Broadcast(sessionID string, t types.MessageType, payload any, audience types.Audience) int
	ActiveJudges(sessionID string) []string
	Connections() map[string]int
}

type nopBroadcaster struct{}

func (nopBroadcaster) Broadcast(string, types.MessageType, any, types.Audience) int { return 0 }
func (nopBroadcaster) ActiveJudges(string) []string                                 { return []string{} }
func (nopBroadcaster) Connections() map[string]int                                  { return map[string]int{} }

// Service implements the scoring pipeline behind the hub and the HTTP API.
type Service struct {
	mu   sync.RWMutex
	bcMu sync.RWMutex

	// Core components
	store       repository.Store
	storeDriver string
	validator   *validation.Validator
	engine      *aggregation.Engine
	workflow    *resolution.Workflow
	pool        *workerpool.Pool
	deduper     dedupe.Deduper[types.ScoreAck]
	broadcaster Broadcaster
	verifier    identity.Verifier
	profiles    resolution.ProfileProvider
	notifier    resolution.Notifier
	clock       resolution.Clock

	// Configuration
	shards             int
	queueSize          int
	dedupeSize         int
	categories         map[string]model.CategoryRules
	tieBreak           aggregation.TieBreak
	escalationDeadline time.Duration
	discussionTimeout  time.Duration

	// Rules captured when each session was activated.
	rulesMu      sync.RWMutex
	sessionRules map[string]model.CategoryRules

	started bool
	logger  logger.Logger
}

// New constructs a Service with default configuration.
func New(opts ...Option) *Service {
	s := &Service{
		validator:          validation.New(),
		engine:             aggregation.NewEngine(),
		broadcaster:        nopBroadcaster{},
		verifier:           identity.NewStaticVerifier(nil),
		clock:              resolution.RealClock(),
		shards:             runtime.NumCPU(),
		queueSize:          1024,
		dedupeSize:         dedupe.DefaultMaxSize,
		categories:         map[string]model.CategoryRules{},
		tieBreak:           aggregation.TieBreakShared,
		escalationDeadline: resolution.DefaultEscalationDeadline,
		discussionTimeout:  resolution.DefaultDiscussionTimeout,
		sessionRules:       make(map[string]model.CategoryRules),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("service")
	}
	if s.store == nil {
		s.store = repository.NewMemoryStore()
		s.storeDriver = "memory"
	}
	return s
}

// SetBroadcaster attaches the real-time hub. Call before Start.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.bcMu.Lock()
	defer s.bcMu.Unlock()
	if b != nil {
		s.broadcaster = b
	}
}

func (s *Service) hub() Broadcaster {
	s.bcMu.RLock()
	defer s.bcMu.RUnlock()
	return s.broadcaster
}

// Start builds the shard pool and workflow and re-arms deadlines of
// conflicts that were escalated or under discussion before a restart.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	s.logger.Info(ctx, "starting scoring service...")
	s.deduper = dedupe.NewInMemoryDeduper[types.ScoreAck](dedupe.WithMaxSize(s.dedupeSize))
	s.pool = workerpool.NewPool(
		workerpool.WithShards(s.shards),
		workerpool.WithQueueSize(s.queueSize),
	)
	s.pool.Start(ctx)

	opts := []resolution.Option{
		resolution.WithClock(s.clock),
		resolution.WithListener(s),
		resolution.WithRules(s.categoryRules),
		resolution.WithEscalationDeadline(s.escalationDeadline),
		resolution.WithDiscussionTimeout(s.discussionTimeout),
		resolution.WithProfiles(s.profiles),
		resolution.WithNotifier(s.notifier),
	}
	s.workflow = resolution.NewWorkflow(s.store, s.pool, s.engine, opts...)

	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return err
	}
	restored := 0
	for _, sess := range sessions {
		if sess.IsActive() {
			s.captureRules(sess)
		}
		conflicts, err := s.store.ListConflicts(ctx, sess.ID)
		if err != nil {
			return err
		}
		restored += s.workflow.Restore(conflicts)
	}

	s.started = true
	s.logger.Info(ctx, "scoring service started",
		logger.Int("shards", s.shards),
		logger.Int("queue_size", s.queueSize),
		logger.Int("dedupe_size", s.dedupeSize),
		logger.String("store", s.storeDriver),
		logger.String("tie_break", string(s.tieBreak)),
		logger.Int("restored_deadlines", restored),
	)
	return nil
}

// Stop revokes pending deadlines, drains the shards and closes the store.
// Jobs already queued still run to completion.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	wf, pool := s.workflow, s.pool
	s.mu.Unlock()
	s.logger.Info(ctx, "stopping scoring service...")

	wf.Stop()
	var errs []error
	if err := pool.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info(ctx, "scoring service stopped")
	return errors.Join(errs...)
}

func (s *Service) running() (*workerpool.Pool, *resolution.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, nil, ErrNotStarted
	}
	return s.pool, s.workflow, nil
}

// categoryRules returns the configured rules of a category.
func (s *Service) categoryRules(categoryID string) model.CategoryRules {
	if r, ok := s.categories[categoryID]; ok {
		return r.Clone().Normalized()
	}
	return model.DefaultRules()
}

// captureRules pins the category rules for a session.
func (s *Service) captureRules(sess model.Session) model.CategoryRules {
	r := s.categoryRules(sess.CategoryID)
	s.rulesMu.Lock()
	s.sessionRules[sess.ID] = r
	s.rulesMu.Unlock()
	return r
}

// rulesFor returns the rules captured for a session, or the category's.
func (s *Service) rulesFor(sess model.Session) model.CategoryRules {
	s.rulesMu.RLock()
	r, ok := s.sessionRules[sess.ID]
	s.rulesMu.RUnlock()
	if ok {
		return r
	}
	return s.categoryRules(sess.CategoryID)
}

// Authenticate verifies an externally issued token.
func (s *Service) Authenticate(ctx context.Context, token string) (model.Identity, error) {
	return s.verifier.Verify(ctx, token)
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats(ctx context.Context) types.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := types.Stats{
		Started:     s.started,
		Shards:      s.shards,
		QueueSize:   s.queueSize,
		StoreDriver: s.storeDriver,
		Connections: s.hub().Connections(),
	}
	if !s.started {
		return st
	}
	for _, n := range s.pool.Backlog() {
		st.Backlog += n
	}
	st.DedupeEntries = s.deduper.Size()
	st.PendingDeadline = s.workflow.Scheduler().Len()
	if sessions, err := s.store.ListSessions(ctx); err == nil {
		st.Sessions = len(sessions)
	}
	metrics.UpdateSystemGoroutineCount(runtime.NumGoroutine())
	return st
}

package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/pkg/metrics"
)

type judgeKey struct {
	key     model.ScoreKey
	judgeID string
}

// MemoryStore keeps every record in process memory.
type MemoryStore struct {
	cfg settings

	mu          sync.RWMutex
	closed      bool
	seq         uint64
	sessions    map[string]model.Session
	submissions map[string]model.Submission
	current     map[model.ScoreKey]map[string]string
	history     map[judgeKey][]string
	conflicts   map[string]model.Conflict
	active      map[model.ScoreKey]string
	aggregates  map[model.AggregateKey]model.AggregatedScore
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...Option) *MemoryStore {
	cfg := defaults()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &MemoryStore{
		cfg:         cfg,
		sessions:    make(map[string]model.Session),
		submissions: make(map[string]model.Submission),
		current:     make(map[model.ScoreKey]map[string]string),
		history:     make(map[judgeKey][]string),
		conflicts:   make(map[string]model.Conflict),
		active:      make(map[model.ScoreKey]string),
		aggregates:  make(map[model.AggregateKey]model.AggregatedScore),
	}
}

func observe(store, op string, start time.Time) {
	metrics.RecordRepositoryLatency(store, op, float64(time.Since(start).Microseconds())/1000)
}

func (s *MemoryStore) SaveSession(_ context.Context, sess model.Session) error {
	defer observe("memory", "save_session", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.sessions[sess.ID] = sess
	metrics.UpdateRepositoryRecords("sessions", len(s.sessions))
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return model.Session{}, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sess, nil
}

func (s *MemoryStore) ListSessions(_ context.Context) ([]model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) AppendSubmission(_ context.Context, sub model.Submission) (model.Submission, error) {
	defer observe("memory", "append_submission", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.Submission{}, ErrClosed
	}
	if sub.ID == "" {
		sub.ID = s.cfg.newID()
	}
	if sub.ServerTimestamp.IsZero() {
		sub.ServerTimestamp = s.cfg.now()
	}
	s.seq++
	sub.Sequence = s.seq
	sub.Superseded = false

	judges := s.current[sub.Key]
	if judges == nil {
		judges = make(map[string]string)
		s.current[sub.Key] = judges
	}
	if prevID, ok := judges[sub.JudgeID]; ok {
		prev := s.submissions[prevID]
		prev.Superseded = true
		s.submissions[prevID] = prev
	}
	judges[sub.JudgeID] = sub.ID
	s.submissions[sub.ID] = sub
	jk := judgeKey{key: sub.Key, judgeID: sub.JudgeID}
	s.history[jk] = append(s.history[jk], sub.ID)
	metrics.UpdateRepositoryRecords("submissions", len(s.submissions))
	return sub, nil
}

func (s *MemoryStore) GetSubmission(_ context.Context, id string) (model.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.submissions[id]
	if !ok {
		return model.Submission{}, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	return sub, nil
}

func (s *MemoryStore) CurrentSubmission(_ context.Context, key model.ScoreKey, judgeID string) (model.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.current[key][judgeID]
	if !ok {
		return model.Submission{}, fmt.Errorf("current submission %s by %s: %w", key, judgeID, ErrNotFound)
	}
	return s.submissions[id], nil
}

func (s *MemoryStore) CurrentByKey(_ context.Context, key model.ScoreKey) ([]model.Submission, error) {
	defer observe("memory", "current_by_key", time.Now())
	s.mu.RLock()
	defer s.mu.RUnlock()
	judges := s.current[key]
	out := make([]model.Submission, 0, len(judges))
	for _, id := range judges {
		out = append(out, s.submissions[id])
	}
	sortByJudge(out)
	return out, nil
}

func (s *MemoryStore) CurrentBySession(_ context.Context, sessionID string) ([]model.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Submission
	for key, judges := range s.current {
		if key.SessionID != sessionID {
			continue
		}
		for _, id := range judges {
			out = append(out, s.submissions[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *MemoryStore) History(_ context.Context, key model.ScoreKey, judgeID string) ([]model.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.history[judgeKey{key: key, judgeID: judgeID}]
	out := make([]model.Submission, len(ids))
	for i, id := range ids {
		out[i] = s.submissions[id]
	}
	return out, nil
}

func (s *MemoryStore) SetSubmissionStatus(_ context.Context, status model.SyncStatus, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, id := range ids {
		sub, ok := s.submissions[id]
		if !ok {
			return fmt.Errorf("submission %s: %w", id, ErrNotFound)
		}
		sub.Status = status
		s.submissions[id] = sub
	}
	return nil
}

func (s *MemoryStore) SaveConflict(_ context.Context, c model.Conflict) error {
	defer observe("memory", "save_conflict", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.conflicts[c.ID] = c.Clone()
	switch {
	case c.Status.Active():
		s.active[c.Key] = c.ID
	case s.active[c.Key] == c.ID:
		delete(s.active, c.Key)
	}
	metrics.UpdateRepositoryRecords("conflicts", len(s.conflicts))
	return nil
}

func (s *MemoryStore) GetConflict(_ context.Context, id string) (model.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conflicts[id]
	if !ok {
		return model.Conflict{}, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	return c.Clone(), nil
}

func (s *MemoryStore) ActiveConflict(_ context.Context, key model.ScoreKey) (model.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[key]
	if !ok {
		return model.Conflict{}, fmt.Errorf("active conflict for %s: %w", key, ErrNotFound)
	}
	return s.conflicts[id].Clone(), nil
}

func (s *MemoryStore) ListConflicts(_ context.Context, sessionID string) ([]model.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Conflict
	for _, c := range s.conflicts {
		if c.Key.SessionID == sessionID {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) UpsertAggregate(_ context.Context, agg model.AggregatedScore) (model.AggregatedScore, error) {
	defer observe("memory", "upsert_aggregate", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.AggregatedScore{}, ErrClosed
	}
	agg.Version = s.aggregates[agg.Key].Version + 1
	s.aggregates[agg.Key] = agg.Clone()
	metrics.UpdateRepositoryRecords("aggregates", len(s.aggregates))
	return agg, nil
}

func (s *MemoryStore) GetAggregate(_ context.Context, key model.AggregateKey) (model.AggregatedScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg, ok := s.aggregates[key]
	if !ok {
		return model.AggregatedScore{}, fmt.Errorf("aggregate %s/%s/%s: %w", key.SessionID, key.TeamID, key.CriterionID, ErrNotFound)
	}
	return agg.Clone(), nil
}

func (s *MemoryStore) ListAggregates(_ context.Context, sessionID string) ([]model.AggregatedScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.AggregatedScore
	for k, agg := range s.aggregates {
		if k.SessionID == sessionID {
			out = append(out, agg.Clone())
		}
	}
	sortAggregates(out)
	return out, nil
}

// Close marks the store closed; reads keep working.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func sortByJudge(subs []model.Submission) {
	sort.Slice(subs, func(i, j int) bool { return subs[i].JudgeID < subs[j].JudgeID })
}

func sortAggregates(aggs []model.AggregatedScore) {
	sort.Slice(aggs, func(i, j int) bool {
		a, b := aggs[i].Key, aggs[j].Key
		if a.TeamID != b.TeamID {
			return a.TeamID < b.TeamID
		}
		return a.CriterionID < b.CriterionID
	})
}

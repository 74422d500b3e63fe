package service

import (
	"context"
	"errors"
	"time"

	"github.com/okian/tally/internal/domain/aggregation"
	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/types"
	"github.com/okian/tally/pkg/metrics"
)

// Aggregate returns the authoritative score of a scope. A criterion that has
// never been aggregated is computed on demand, which yields
// *model.InsufficientDataError while too few judges have scored.
func (s *Service) Aggregate(ctx context.Context, key model.AggregateKey) (model.AggregatedScore, error) {
	agg, err := s.store.GetAggregate(ctx, key)
	if err == nil || !errors.Is(err, model.ErrNotFound) {
		return agg, err
	}
	sess, err := s.store.GetSession(ctx, key.SessionID)
	if err != nil {
		return model.AggregatedScore{}, err
	}

	if key.IsTeamTotal() {
		aggs, err := s.store.ListAggregates(ctx, key.SessionID)
		if err != nil {
			return model.AggregatedScore{}, err
		}
		var criteria []model.AggregatedScore
		for _, a := range aggs {
			if a.Key.TeamID == key.TeamID && !a.Key.IsTeamTotal() {
				criteria = append(criteria, a)
			}
		}
		if len(criteria) == 0 {
			return model.AggregatedScore{}, &model.InsufficientDataError{Key: key, Need: s.engine.MinJudges()}
		}
		return aggregation.Rollup(key.SessionID, key.TeamID, criteria, s.clock.Now()), nil
	}

	scoreKey := model.ScoreKey{SessionID: key.SessionID, TeamID: key.TeamID, CriterionID: key.CriterionID}
	current, err := s.store.CurrentByKey(ctx, scoreKey)
	if err != nil {
		return model.AggregatedScore{}, err
	}
	return s.engine.Aggregate(scoreKey, current, s.rulesFor(sess))
}

// Aggregates lists every stored aggregate of a session.
func (s *Service) Aggregates(ctx context.Context, sessionID string) ([]model.AggregatedScore, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListAggregates(ctx, sessionID)
}

// Standings ranks the team totals of a session.
func (s *Service) Standings(ctx context.Context, sessionID string) ([]aggregation.Standing, error) {
	start := time.Now()
	aggs, err := s.Aggregates(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	out := aggregation.Standings(aggs, s.tieBreak)
	metrics.RecordStandingsLatency(float64(time.Since(start).Microseconds()) / 1000)
	return out, nil
}

// Scoreboard renders the standings of a session for display clients.
func (s *Service) Scoreboard(ctx context.Context, sessionID, displayMode string) (types.Scoreboard, error) {
	standings, err := s.Standings(ctx, sessionID)
	if err != nil {
		return types.Scoreboard{}, err
	}
	return types.Scoreboard{
		SessionID:   sessionID,
		DisplayMode: displayMode,
		TieBreak:    s.tieBreak,
		Standings:   standings,
	}, nil
}

// Snapshot returns the state a client needs to rebuild its view. Conflicts
// are included only for roles that may see them.
func (s *Service) Snapshot(ctx context.Context, sessionID string, role model.Role) (types.Snapshot, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return types.Snapshot{}, err
	}
	aggs, err := s.store.ListAggregates(ctx, sessionID)
	if err != nil {
		return types.Snapshot{}, err
	}
	snap := types.Snapshot{
		Session:       sess,
		CurrentScores: aggs,
		ActiveJudges:  s.ActiveJudges(sessionID),
		ServerTime:    s.clock.Now(),
	}
	if role.SeesConflicts() {
		snap.Conflicts, err = s.ListConflicts(ctx, sessionID, true)
		if err != nil {
			return types.Snapshot{}, err
		}
	}
	return snap, nil
}

// ActiveJudges lists judges connected to a session.
func (s *Service) ActiveJudges(sessionID string) []string {
	return s.hub().ActiveJudges(sessionID)
}

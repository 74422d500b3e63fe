package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/okian/tally/internal/domain/aggregation"
	"github.com/okian/tally/internal/domain/conflict"
	"github.com/okian/tally/internal/domain/dedupe"
	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/resolution"
	"github.com/okian/tally/internal/domain/types"
	"github.com/okian/tally/internal/domain/validation"
	"github.com/okian/tally/pkg/logger"
	"github.com/okian/tally/pkg/metrics"
)

// Submission outcomes recorded in metrics.
const (
	outcomeAccepted  = "accepted"
	outcomeConflict  = "conflict"
	outcomeDuplicate = "duplicate"
	outcomeRejected  = "rejected"
)

// teamKey is the shard key of a team total.
func teamKey(sessionID, teamID string) string {
	return model.ScoreKey{SessionID: sessionID, TeamID: teamID}.String()
}

// SubmitScore admits one judge score. Everything after validation runs on
// the key's shard, so submissions for one key are applied one at a time.
func (s *Service) SubmitScore(ctx context.Context, actor model.Actor, in model.ScoreInput) (types.ScoreAck, error) {
	pool, _, err := s.running()
	if err != nil {
		return types.ScoreAck{}, err
	}
	if actor.Role != model.RoleJudge {
		return types.ScoreAck{}, fmt.Errorf("submit score as %s: %w", actor.Role, model.ErrForbidden)
	}
	if in.JudgeID == "" {
		in.JudgeID = actor.ID
	}
	if in.JudgeID != actor.ID {
		return types.ScoreAck{}, fmt.Errorf("judge %s cannot score as %s: %w", actor.ID, in.JudgeID, model.ErrForbidden)
	}

	sess, err := s.store.GetSession(ctx, in.SessionID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return types.ScoreAck{}, err
	}
	rules := s.rulesFor(sess)
	warnings, err := s.validator.Validate(in, sess, rules)
	if err != nil {
		metrics.RecordSubmission(outcomeRejected)
		s.logger.Debug(ctx, "score rejected",
			logger.String("judge_id", in.JudgeID),
			logger.String("session_id", in.SessionID),
			logger.Error(err),
		)
		return types.ScoreAck{}, err
	}
	if !in.ClientTimestamp.IsZero() {
		metrics.RecordClientLatency(float64(s.clock.Now().Sub(in.ClientTimestamp).Milliseconds()))
	}

	key := in.Key()
	var ack types.ScoreAck
	err = pool.Do(ctx, key.String(), func(ctx context.Context) error {
		var err error
		ack, err = s.apply(ctx, key, in, rules, warnings)
		return err
	})
	if err != nil {
		if errors.Is(err, model.ErrBackpressure) {
			metrics.RecordErrorByComponent("service", "backpressure")
		}
		return types.ScoreAck{}, err
	}
	return ack, nil
}

// apply runs on the key's shard. Shard jobs read the pool and workflow
// without s.mu; both are set before the service reports started.
func (s *Service) apply(ctx context.Context, key model.ScoreKey, in model.ScoreInput, rules model.CategoryRules, warnings []validation.Warning) (types.ScoreAck, error) {
	dedupeKey := ""
	if in.ClientMessageID != "" {
		dedupeKey = dedupe.Key(in.JudgeID, in.ClientMessageID)
		if prior, ok := s.deduper.Lookup(ctx, dedupeKey); ok {
			metrics.RecordSubmission(outcomeDuplicate)
			prior.Duplicate = true
			return prior, nil
		}
	}

	// The session may have been completed since validation.
	sess, err := s.store.GetSession(ctx, key.SessionID)
	if err != nil {
		return types.ScoreAck{}, err
	}
	if !sess.IsActive() {
		metrics.RecordSubmission(outcomeRejected)
		return types.ScoreAck{}, fmt.Errorf("session %s is %s: %w", sess.ID, sess.Status, model.ErrSessionNotActive)
	}

	value := *in.Score
	prev, err := s.store.CurrentSubmission(ctx, key, in.JudgeID)
	hasPrev := err == nil
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return types.ScoreAck{}, err
	}
	if hasPrev && prev.Value == value && prev.Level == in.Level {
		ack := s.ackFor(ctx, prev, in)
		ack.Duplicate = true
		s.remember(ctx, dedupeKey, ack)
		metrics.RecordSubmission(outcomeDuplicate)
		return ack, nil
	}

	now := s.clock.Now()
	sub := model.Submission{
		Key:             key,
		JudgeID:         in.JudgeID,
		Value:           value,
		Level:           in.Level,
		UpdateType:      model.UpdateInitial,
		ClientTimestamp: in.ClientTimestamp,
		ServerTimestamp: now,
		Status:          model.StatusPending,
	}
	if hasPrev {
		v := prev.Value
		sub.PreviousValue = &v
		sub.UpdateType = model.UpdateRevision
	}
	sub, err = s.store.AppendSubmission(ctx, sub)
	if err != nil {
		return types.ScoreAck{}, err
	}

	ack := types.ScoreAck{
		UpdateID:        sub.ID,
		Sequence:        sub.Sequence,
		ClientMessageID: in.ClientMessageID,
	}
	for _, w := range warnings {
		ack.Warnings = append(ack.Warnings, w.Field+": "+w.Message)
	}

	current, err := s.store.CurrentByKey(ctx, key)
	if err != nil {
		return types.ScoreAck{}, err
	}
	effective, _, err := s.workflow.Effective(ctx, key, current)
	if err != nil {
		return types.ScoreAck{}, err
	}
	active, err := s.store.ActiveConflict(ctx, key)
	hasActive := err == nil
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return types.ScoreAck{}, err
	}

	switch {
	case hasActive && conflict.Agreeing(effective, rules):
		ack.Status, ack.ConflictID, err = s.settleByRevision(ctx, active, key, effective, rules, now)
	case hasActive:
		ack.Status, ack.ConflictID, err = s.raiseConflict(ctx, &active, key, effective, conflict.Detect(key, in.JudgeID, effective, rules), rules, now)
	default:
		if signals := conflict.Detect(key, in.JudgeID, effective, rules); len(signals) > 0 {
			ack.Status, ack.ConflictID, err = s.raiseConflict(ctx, nil, key, effective, signals, rules, now)
		} else {
			ack.Status, err = s.accept(ctx, key, current, rules)
		}
	}
	if err != nil {
		return types.ScoreAck{}, err
	}

	if ack.Status == model.StatusConflict {
		metrics.RecordSubmission(outcomeConflict)
	} else {
		metrics.RecordSubmission(outcomeAccepted)
	}
	s.hub().Broadcast(key.SessionID, types.MsgScoreUpdate, types.ScoreBroadcast{
		UpdateID:    sub.ID,
		TeamID:      key.TeamID,
		JudgeID:     sub.JudgeID,
		CriterionID: key.CriterionID,
		Score:       sub.Value,
		Timestamp:   now,
	}, types.AudienceAll)
	s.remember(ctx, dedupeKey, ack)

	s.logger.Debug(ctx, "score applied",
		logger.String("key", key.String()),
		logger.String("judge_id", sub.JudgeID),
		logger.Float64("value", sub.Value),
		logger.String("update_type", string(sub.UpdateType)),
		logger.String("status", string(ack.Status)),
	)
	return ack, nil
}

func (s *Service) remember(ctx context.Context, dedupeKey string, ack types.ScoreAck) {
	if dedupeKey == "" {
		return
	}
	s.deduper.Record(ctx, dedupeKey, ack)
}

// ackFor rebuilds the acknowledgement of an already current submission.
func (s *Service) ackFor(ctx context.Context, sub model.Submission, in model.ScoreInput) types.ScoreAck {
	ack := types.ScoreAck{
		UpdateID:        sub.ID,
		Status:          sub.Status,
		Sequence:        sub.Sequence,
		ClientMessageID: in.ClientMessageID,
	}
	if sub.Status == model.StatusConflict {
		if c, err := s.store.ActiveConflict(ctx, sub.Key); err == nil {
			ack.ConflictID = c.ID
		}
	}
	return ack
}

// raiseConflict opens a conflict for key, or refreshes the active one, and
// tells judges and admins. current carries resolved submissions at their
// resolution's value; those keep status resolved.
func (s *Service) raiseConflict(ctx context.Context, existing *model.Conflict, key model.ScoreKey, current []model.Submission, signals []model.Signal, rules model.CategoryRules, now time.Time) (model.SyncStatus, string, error) {
	c := conflict.Build(existing, key, current, signals, rules, now)
	if err := s.store.SaveConflict(ctx, c); err != nil {
		return "", "", err
	}
	if err := s.store.SetSubmissionStatus(ctx, model.StatusConflict, unsettled(current)...); err != nil {
		return "", "", err
	}
	if existing == nil {
		metrics.RecordConflictDetected(string(c.Severity))
		metrics.AddActiveConflicts(1)
		s.logger.Info(ctx, "conflict detected",
			logger.String("conflict_id", c.ID),
			logger.String("key", key.String()),
			logger.String("severity", string(c.Severity)),
			logger.Strings("judges", c.JudgeIDs()),
			logger.Int("signals", len(c.Signals)),
		)
	}
	s.hub().Broadcast(key.SessionID, types.MsgConflictDetected, types.ConflictNotice{
		ConflictID:  c.ID,
		TeamID:      key.TeamID,
		CriterionID: key.CriterionID,
		Severity:    c.Severity,
		Conflicts:   c.Signals,
		Suggested:   c.Suggested,
		Timestamp:   now,
	}, types.AudienceJudges)
	return model.StatusConflict, c.ID, nil
}

// settleByRevision closes an active conflict whose judges now agree. The
// entries are refreshed first so the consensus value reflects the revision.
func (s *Service) settleByRevision(ctx context.Context, active model.Conflict, key model.ScoreKey, current []model.Submission, rules model.CategoryRules, now time.Time) (model.SyncStatus, string, error) {
	c := conflict.Build(&active, key, current, nil, rules, now)
	c.Signals = nil
	if err := s.store.SaveConflict(ctx, c); err != nil {
		return "", "", err
	}
	req := resolution.Request{Method: model.ResolveDiscussion, Reason: "judges revised into agreement"}
	if _, err := s.workflow.Resolve(ctx, c.ID, req, model.System); err != nil {
		return "", "", err
	}
	return model.StatusResolved, c.ID, nil
}

// unsettled lists the counted submissions no resolution has settled.
func unsettled(current []model.Submission) []string {
	ids := make([]string, 0, len(current))
	for _, c := range current {
		if c.Counts() && c.Status != model.StatusResolved {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// accept marks the key's unsettled submissions synced and recomputes its
// aggregate.
func (s *Service) accept(ctx context.Context, key model.ScoreKey, current []model.Submission, rules model.CategoryRules) (model.SyncStatus, error) {
	if err := s.store.SetSubmissionStatus(ctx, model.StatusSynced, unsettled(current)...); err != nil {
		return "", err
	}
	if _, err := s.recompute(ctx, key, current, rules); err != nil {
		return "", err
	}
	return model.StatusSynced, nil
}

// recompute aggregates one criterion and publishes it. Resolved submissions
// count at their resolution's value. Too few judges is a normal outcome:
// nothing is stored and nil is returned.
func (s *Service) recompute(ctx context.Context, key model.ScoreKey, current []model.Submission, rules model.CategoryRules) (*model.AggregatedScore, error) {
	start := time.Now()
	agg, err := s.workflow.Aggregate(ctx, key, current, rules)
	if errors.Is(err, model.ErrInsufficientData) {
		metrics.RecordInsufficientData()
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	saved, err := s.store.UpsertAggregate(ctx, agg)
	if err != nil {
		return nil, err
	}
	metrics.RecordAggregation(string(saved.Method), float64(time.Since(start).Microseconds())/1000)
	s.publishAggregate(ctx, saved)
	return &saved, nil
}

// publishAggregate broadcasts a criterion aggregate and queues the team
// rollup on the team's own shard.
func (s *Service) publishAggregate(ctx context.Context, agg model.AggregatedScore) {
	s.hub().Broadcast(agg.Key.SessionID, types.MsgAggregateUpdate, agg, types.AudienceAll)
	if agg.Key.IsTeamTotal() {
		return
	}
	sessionID, teamID := agg.Key.SessionID, agg.Key.TeamID
	err := s.pool.Go(ctx, teamKey(sessionID, teamID), func(ctx context.Context) error {
		return s.rollup(ctx, sessionID, teamID)
	})
	if err != nil {
		s.logger.Warn(ctx, "team rollup not queued",
			logger.String("session_id", sessionID),
			logger.String("team_id", teamID),
			logger.Error(err),
		)
	}
}

// rollup recomputes a team total and pushes the new standings to scoreboard
// subscribers. It runs on the team's shard.
func (s *Service) rollup(ctx context.Context, sessionID, teamID string) error {
	aggs, err := s.store.ListAggregates(ctx, sessionID)
	if err != nil {
		return err
	}
	criteria := make([]model.AggregatedScore, 0, len(aggs))
	for _, a := range aggs {
		if a.Key.TeamID == teamID && !a.Key.IsTeamTotal() {
			criteria = append(criteria, a)
		}
	}
	total, err := s.store.UpsertAggregate(ctx, aggregation.Rollup(sessionID, teamID, criteria, s.clock.Now()))
	if err != nil {
		s.logger.Error(ctx, "team rollup failed",
			logger.String("session_id", sessionID),
			logger.String("team_id", teamID),
			logger.Error(err),
		)
		return err
	}
	s.hub().Broadcast(sessionID, types.MsgAggregateUpdate, total, types.AudienceAll)

	board, err := s.Scoreboard(ctx, sessionID, "")
	if err != nil {
		return err
	}
	s.hub().Broadcast(sessionID, types.MsgScoreboard, board, types.AudienceScoreboard)
	return nil
}

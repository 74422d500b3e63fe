package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/okian/tally/internal/domain/conflict"
	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/resolution"
	"github.com/okian/tally/internal/domain/types"
	"github.com/okian/tally/pkg/logger"
)

// GetConflict returns a conflict by id.
func (s *Service) GetConflict(ctx context.Context, id string) (model.Conflict, error) {
	return s.store.GetConflict(ctx, id)
}

// ListConflicts returns the conflicts of a session. Only active ones are
// returned when activeOnly is set.
func (s *Service) ListConflicts(ctx context.Context, sessionID string, activeOnly bool) ([]model.Conflict, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	all, err := s.store.ListConflicts(ctx, sessionID)
	if err != nil || !activeOnly {
		return all, err
	}
	out := make([]model.Conflict, 0, len(all))
	for _, c := range all {
		if c.Status.Active() {
			out = append(out, c)
		}
	}
	return out, nil
}

// EscalateToHeadJudge hands a conflict to the session's head judge.
func (s *Service) EscalateToHeadJudge(ctx context.Context, conflictID, priority string, actor model.Actor) (model.Conflict, error) {
	_, wf, err := s.running()
	if err != nil {
		return model.Conflict{}, err
	}
	return wf.EscalateToHeadJudge(ctx, conflictID, priority, actor)
}

// InitiateDiscussion opens a time-boxed discussion among judges.
func (s *Service) InitiateDiscussion(ctx context.Context, conflictID string, participants []string, actor model.Actor) (model.Conflict, error) {
	_, wf, err := s.running()
	if err != nil {
		return model.Conflict{}, err
	}
	return wf.InitiateDiscussion(ctx, conflictID, participants, actor)
}

// Resolve settles a conflict.
func (s *Service) Resolve(ctx context.Context, conflictID string, req resolution.Request, actor model.Actor) (resolution.Outcome, error) {
	_, wf, err := s.running()
	if err != nil {
		return resolution.Outcome{}, err
	}
	return wf.Resolve(ctx, conflictID, req, actor)
}

// IgnoreConflict dismisses a conflict and releases its key to aggregation.
func (s *Service) IgnoreConflict(ctx context.Context, conflictID, reason string, actor model.Actor) (model.Conflict, error) {
	_, wf, err := s.running()
	if err != nil {
		return model.Conflict{}, err
	}
	return wf.Ignore(ctx, conflictID, reason, actor)
}

// IgnoreSubmission excludes one submission from aggregation. When the
// submission was part of an active conflict and the remaining judges agree,
// the conflict is dismissed; otherwise it is refreshed without the entry.
func (s *Service) IgnoreSubmission(ctx context.Context, submissionID, reason string, actor model.Actor) (model.Submission, error) {
	if err := requireAdmin(actor, "ignore submission"); err != nil {
		return model.Submission{}, err
	}
	pool, wf, err := s.running()
	if err != nil {
		return model.Submission{}, err
	}
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return model.Submission{}, err
	}
	if sub.Status == model.StatusIgnored {
		return sub, nil
	}
	sess, err := s.store.GetSession(ctx, sub.Key.SessionID)
	if err != nil {
		return model.Submission{}, err
	}
	rules := s.rulesFor(sess)

	err = pool.Do(ctx, sub.Key.String(), func(ctx context.Context) error {
		if err := s.store.SetSubmissionStatus(ctx, model.StatusIgnored, sub.ID); err != nil {
			return err
		}
		current, err := s.store.CurrentByKey(ctx, sub.Key)
		if err != nil {
			return err
		}
		active, err := s.store.ActiveConflict(ctx, sub.Key)
		if errors.Is(err, model.ErrNotFound) {
			_, err = s.recompute(ctx, sub.Key, current, rules)
			return err
		}
		if err != nil {
			return err
		}

		effective, _, err := wf.Effective(ctx, sub.Key, current)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		c := conflict.Build(&active, sub.Key, effective, nil, rules, now)
		if err := s.store.SaveConflict(ctx, c); err != nil {
			return err
		}
		if conflict.Agreeing(effective, rules) {
			_, err := wf.Ignore(ctx, c.ID, reason, actor)
			return err
		}
		s.hub().Broadcast(sub.Key.SessionID, types.MsgConflictDetected, types.ConflictNotice{
			ConflictID:  c.ID,
			TeamID:      c.Key.TeamID,
			CriterionID: c.Key.CriterionID,
			Severity:    c.Severity,
			Conflicts:   c.Signals,
			Suggested:   c.Suggested,
			Timestamp:   now,
		}, types.AudienceJudges)
		return nil
	})
	if err != nil {
		return model.Submission{}, fmt.Errorf("ignore submission %s: %w", submissionID, err)
	}
	s.logger.Info(ctx, "submission ignored",
		logger.String("submission_id", sub.ID),
		logger.String("key", sub.Key.String()),
		logger.String("judge_id", sub.JudgeID),
		logger.String("ignored_by", actor.ID),
		logger.String("reason", reason),
	)
	return s.store.GetSubmission(ctx, submissionID)
}

// ConflictSettled publishes a resolved or ignored conflict. It runs on the
// conflict key's shard.
func (s *Service) ConflictSettled(ctx context.Context, c model.Conflict, agg *model.AggregatedScore) {
	notice := types.ResolvedNotice{
		ConflictID:  c.ID,
		TeamID:      c.Key.TeamID,
		CriterionID: c.Key.CriterionID,
		Status:      c.Status,
		Timestamp:   c.UpdatedAt,
	}
	if c.Resolution != nil {
		v := c.Resolution.FinalValue
		notice.Method = c.Resolution.Method
		notice.FinalValue = &v
	}
	s.hub().Broadcast(c.Key.SessionID, types.MsgConflictResolved, notice, types.AudienceJudges)
	if agg != nil {
		s.publishAggregate(ctx, *agg)
	}
}

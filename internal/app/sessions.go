package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/resolution"
	"github.com/okian/tally/internal/domain/types"
	"github.com/okian/tally/pkg/logger"
)

func requireAdmin(actor model.Actor, op string) error {
	if actor.Role != model.RoleAdmin {
		return fmt.Errorf("%s as %s: %w", op, actor.Role, model.ErrForbidden)
	}
	return nil
}

// OpenSession creates a scheduled session.
func (s *Service) OpenSession(ctx context.Context, req types.SessionRequest, actor model.Actor) (model.Session, error) {
	if err := requireAdmin(actor, "open session"); err != nil {
		return model.Session{}, err
	}
	if err := s.validator.Struct(req); err != nil {
		return model.Session{}, err
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := s.store.GetSession(ctx, id); err == nil {
		return model.Session{}, model.NewValidationError("id", "session already exists")
	} else if !errors.Is(err, model.ErrNotFound) {
		return model.Session{}, err
	}

	sess := model.Session{
		ID:            id,
		CompetitionID: req.CompetitionID,
		CategoryID:    req.CategoryID,
		Status:        model.SessionScheduled,
		HeadJudgeID:   req.HeadJudgeID,
		StartTime:     req.StartTime,
	}
	if err := s.store.SaveSession(ctx, sess); err != nil {
		return model.Session{}, err
	}
	s.logger.Info(ctx, "session opened",
		logger.String("session_id", sess.ID),
		logger.String("category_id", sess.CategoryID),
		logger.String("head_judge_id", sess.HeadJudgeID),
	)
	return sess, nil
}

// GetSession returns a session by id.
func (s *Service) GetSession(ctx context.Context, id string) (model.Session, error) {
	return s.store.GetSession(ctx, id)
}

// ListSessions returns every known session.
func (s *Service) ListSessions(ctx context.Context) ([]model.Session, error) {
	return s.store.ListSessions(ctx)
}

// ActivateSession opens a session for scoring and pins its category rules.
func (s *Service) ActivateSession(ctx context.Context, id string, actor model.Actor) (model.Session, error) {
	if err := requireAdmin(actor, "activate session"); err != nil {
		return model.Session{}, err
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return model.Session{}, err
	}
	if !sess.CanTransition(model.SessionActive) {
		return model.Session{}, fmt.Errorf("session %s is %s: %w", sess.ID, sess.Status, model.ErrInvalidTransition)
	}
	sess.Status = model.SessionActive
	if sess.StartTime.IsZero() {
		sess.StartTime = s.clock.Now()
	}
	rules := s.captureRules(sess)
	if err := s.store.SaveSession(ctx, sess); err != nil {
		return model.Session{}, err
	}
	s.logger.Info(ctx, "session activated",
		logger.String("session_id", sess.ID),
		logger.Float64("threshold", rules.Threshold),
		logger.Float64("max_score", rules.MaxScore),
	)
	return sess, nil
}

// CompleteSession closes a session. Conflicts still active are settled by
// the fallback method, then every aggregate of the session is finalized.
func (s *Service) CompleteSession(ctx context.Context, id string, actor model.Actor) (model.Session, error) {
	if err := requireAdmin(actor, "complete session"); err != nil {
		return model.Session{}, err
	}
	pool, wf, err := s.running()
	if err != nil {
		return model.Session{}, err
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return model.Session{}, err
	}
	if !sess.CanTransition(model.SessionCompleted) {
		return model.Session{}, fmt.Errorf("session %s is %s: %w", sess.ID, sess.Status, model.ErrInvalidTransition)
	}
	now := s.clock.Now()
	sess.Status = model.SessionCompleted
	sess.CompletedAt = &now
	if err := s.store.SaveSession(ctx, sess); err != nil {
		return model.Session{}, err
	}

	conflicts, err := s.store.ListConflicts(ctx, sess.ID)
	if err != nil {
		return model.Session{}, err
	}
	for _, c := range conflicts {
		if !c.Status.Active() {
			continue
		}
		_, err := wf.Resolve(ctx, c.ID, resolution.Request{Method: model.ResolveAutoFallback, Reason: "session completed"}, model.System)
		if err != nil && !errors.Is(err, model.ErrResolutionConflict) {
			return model.Session{}, fmt.Errorf("settle conflict %s: %w", c.ID, err)
		}
	}

	aggs, err := s.store.ListAggregates(ctx, sess.ID)
	if err != nil {
		return model.Session{}, err
	}
	finalized := 0
	for _, a := range aggs {
		key := model.ScoreKey{SessionID: a.Key.SessionID, TeamID: a.Key.TeamID, CriterionID: a.Key.CriterionID}
		err := pool.Do(ctx, key.String(), func(ctx context.Context) error {
			cur, err := s.store.GetAggregate(ctx, a.Key)
			if err != nil || cur.Finalized {
				return err
			}
			cur.Finalized = true
			cur.UpdatedAt = now
			_, err = s.store.UpsertAggregate(ctx, cur)
			return err
		})
		if err != nil {
			return model.Session{}, fmt.Errorf("finalize %s: %w", key, err)
		}
		finalized++
	}

	s.hub().Broadcast(sess.ID, types.MsgSyncRequired, types.SyncRequest{SessionID: sess.ID}, types.AudienceAll)
	s.logger.Info(ctx, "session completed",
		logger.String("session_id", sess.ID),
		logger.Int("aggregates", finalized),
	)
	return sess, nil
}

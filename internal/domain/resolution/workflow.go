// Package resolution drives a conflict from detection to a final value:
// open -> escalated | discussing -> resolved, or ignored by an official.
// Human deadlines are cancellable tasks keyed by conflict id.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/okian/tally/internal/domain/aggregation"
	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/stats"
	"github.com/okian/tally/pkg/logger"
	"github.com/okian/tally/pkg/metrics"
)

// Default deadlines.
const (
	DefaultEscalationDeadline = 10 * time.Minute
	DefaultDiscussionTimeout  = 15 * time.Minute
	notifyTimeout             = 10 * time.Second
	fallbackTimeout           = 30 * time.Second
)

// Escalation priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Request asks for a conflict to be settled.
type Request struct {
	Method model.ResolutionMethod `json:"method" validate:"required"`
	Value  *float64               `json:"value,omitempty"`
	Reason string                 `json:"reason,omitempty"`
}

// Outcome is the result of a resolution.
type Outcome struct {
	Conflict  model.Conflict
	Aggregate model.AggregatedScore
}

// Workflow settles conflicts. Every mutation runs on the key's executor.
type Workflow struct {
	store     Store
	exec      Executor
	engine    *aggregation.Engine
	scheduler *Scheduler
	clock     Clock
	notifier  Notifier
	profiles  ProfileProvider
	listener  Listener
	rules     RulesFunc
	logger    logger.Logger

	escalationDeadline time.Duration
	discussionTimeout  time.Duration
}

// Option applies a configuration option to the Workflow.
type Option func(*Workflow)

// WithClock sets the clock used for timestamps and deadlines.
func WithClock(c Clock) Option {
	return func(w *Workflow) {
		if c != nil {
			w.clock = c
		}
	}
}

// WithNotifier sets the notification collaborator.
func WithNotifier(n Notifier) Option {
	return func(w *Workflow) {
		if n != nil {
			w.notifier = n
		}
	}
}

// WithProfiles sets the judge profile collaborator.
func WithProfiles(p ProfileProvider) Option {
	return func(w *Workflow) {
		if p != nil {
			w.profiles = p
		}
	}
}

// WithListener sets the observer of settled conflicts.
func WithListener(l Listener) Option {
	return func(w *Workflow) {
		if l != nil {
			w.listener = l
		}
	}
}

// WithRules sets the category rules lookup.
func WithRules(r RulesFunc) Option {
	return func(w *Workflow) {
		if r != nil {
			w.rules = r
		}
	}
}

// WithEscalationDeadline sets how long the head judge has to act.
func WithEscalationDeadline(d time.Duration) Option {
	return func(w *Workflow) {
		if d > 0 {
			w.escalationDeadline = d
		}
	}
}

// WithDiscussionTimeout sets how long a discussion may run.
func WithDiscussionTimeout(d time.Duration) Option {
	return func(w *Workflow) {
		if d > 0 {
			w.discussionTimeout = d
		}
	}
}

// WithLogger sets the workflow logger.
func WithLogger(l logger.Logger) Option {
	return func(w *Workflow) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWorkflow creates a Workflow.
func NewWorkflow(store Store, exec Executor, engine *aggregation.Engine, opts ...Option) *Workflow {
	w := &Workflow{
		store:              store,
		exec:               exec,
		engine:             engine,
		clock:              RealClock(),
		rules:              func(string) model.CategoryRules { return model.DefaultRules() },
		escalationDeadline: DefaultEscalationDeadline,
		discussionTimeout:  DefaultDiscussionTimeout,
		logger:             logger.Get().Named("resolution"),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.scheduler = NewScheduler(w.clock)
	return w
}

// Scheduler exposes the deadline scheduler.
func (w *Workflow) Scheduler() *Scheduler { return w.scheduler }

// Stop revokes every pending deadline.
func (w *Workflow) Stop() { w.scheduler.Stop() }

// mutate loads the conflict and runs fn on its key's executor with a fresh copy.
func (w *Workflow) mutate(ctx context.Context, conflictID string, fn func(ctx context.Context, c model.Conflict) error) error {
	c, err := w.store.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	return w.exec.Do(ctx, c.Key.String(), func(ctx context.Context) error {
		fresh, err := w.store.GetConflict(ctx, conflictID)
		if err != nil {
			return err
		}
		return fn(ctx, fresh)
	})
}

func settledError(c model.Conflict) error {
	at := c.UpdatedAt
	if c.Resolution != nil {
		at = c.Resolution.ResolvedAt
	}
	return &model.ResolutionConflictError{ConflictID: c.ID, Status: c.Status, ResolvedAt: at}
}

// EscalateToHeadJudge hands the conflict to the session's head judge with a
// deadline. If nobody settles it in time it is resolved by auto_fallback.
func (w *Workflow) EscalateToHeadJudge(ctx context.Context, conflictID, priority string, actor model.Actor) (model.Conflict, error) {
	if actor.Role != model.RoleJudge && actor.Role != model.RoleAdmin {
		return model.Conflict{}, fmt.Errorf("escalate as %s: %w", actor.Role, model.ErrForbidden)
	}
	var out model.Conflict
	err := w.mutate(ctx, conflictID, func(ctx context.Context, c model.Conflict) error {
		if !c.Status.Active() {
			return settledError(c)
		}
		if c.Status == model.ConflictEscalated {
			return fmt.Errorf("conflict %s already escalated: %w", c.ID, model.ErrInvalidTransition)
		}
		sess, err := w.store.GetSession(ctx, c.Key.SessionID)
		if err != nil {
			return err
		}
		if sess.HeadJudgeID == "" {
			return ErrNoHeadJudge
		}
		if priority == "" {
			priority = priorityFor(c.Severity)
		}
		if !validPriority(priority) {
			return model.NewValidationError("priority", "must be one of low, normal, high, urgent")
		}

		now := w.clock.Now()
		c.Status = model.ConflictEscalated
		c.Escalation = &model.Escalation{
			ID:          uuid.NewString(),
			HeadJudgeID: sess.HeadJudgeID,
			Priority:    priority,
			RequestedBy: actor.ID,
			CreatedAt:   now,
			Deadline:    now.Add(w.escalationDeadline),
		}
		c.UpdatedAt = now
		if err := w.store.SaveConflict(ctx, c); err != nil {
			return err
		}
		w.scheduleFallback(c.ID, w.escalationDeadline)
		w.notify(ctx, Notification{
			Kind:       NotifyEscalation,
			ConflictID: c.ID,
			Key:        c.Key,
			Recipients: []string{sess.HeadJudgeID},
			Priority:   priority,
			Severity:   c.Severity,
			Deadline:   c.Escalation.Deadline,
		})
		w.logger.Info(ctx, "conflict escalated",
			logger.String("conflict_id", c.ID),
			logger.String("key", c.Key.String()),
			logger.String("head_judge_id", sess.HeadJudgeID),
			logger.String("priority", priority),
			logger.Duration("deadline", w.escalationDeadline),
		)
		out = c
		return nil
	})
	return out, err
}

// InitiateDiscussion opens a time-boxed discussion among participants, by
// default the judges of the conflict. Timing out falls back like an escalation.
func (w *Workflow) InitiateDiscussion(ctx context.Context, conflictID string, participants []string, actor model.Actor) (model.Conflict, error) {
	if actor.Role != model.RoleJudge && actor.Role != model.RoleAdmin {
		return model.Conflict{}, fmt.Errorf("start discussion as %s: %w", actor.Role, model.ErrForbidden)
	}
	var out model.Conflict
	err := w.mutate(ctx, conflictID, func(ctx context.Context, c model.Conflict) error {
		if !c.Status.Active() {
			return settledError(c)
		}
		if c.Status != model.ConflictOpen {
			return fmt.Errorf("conflict %s is %s: %w", c.ID, c.Status, model.ErrInvalidTransition)
		}
		if len(participants) == 0 {
			participants = c.JudgeIDs()
		}

		now := w.clock.Now()
		c.Status = model.ConflictDiscussing
		c.Discussion = &model.Discussion{
			ID:           uuid.NewString(),
			Participants: append([]string(nil), participants...),
			StartedBy:    actor.ID,
			CreatedAt:    now,
			Deadline:     now.Add(w.discussionTimeout),
		}
		c.UpdatedAt = now
		if err := w.store.SaveConflict(ctx, c); err != nil {
			return err
		}
		w.scheduleFallback(c.ID, w.discussionTimeout)
		w.notify(ctx, Notification{
			Kind:       NotifyDiscussion,
			ConflictID: c.ID,
			Key:        c.Key,
			Recipients: c.Discussion.Participants,
			Severity:   c.Severity,
			Deadline:   c.Discussion.Deadline,
		})
		w.logger.Info(ctx, "discussion started",
			logger.String("conflict_id", c.ID),
			logger.String("key", c.Key.String()),
			logger.Strings("participants", c.Discussion.Participants),
			logger.Duration("timeout", w.discussionTimeout),
		)
		out = c
		return nil
	})
	return out, err
}

// Resolve settles the conflict. It is irreversible: a second call fails with
// *model.ResolutionConflictError.
func (w *Workflow) Resolve(ctx context.Context, conflictID string, req Request, actor model.Actor) (Outcome, error) {
	var out Outcome
	err := w.mutate(ctx, conflictID, func(ctx context.Context, c model.Conflict) error {
		var err error
		out, err = w.resolve(ctx, c, req, actor)
		return err
	})
	return out, err
}

func (w *Workflow) resolve(ctx context.Context, c model.Conflict, req Request, actor model.Actor) (Outcome, error) {
	if !c.Status.Active() {
		return Outcome{}, settledError(c)
	}
	if !req.Method.Valid() {
		return Outcome{}, model.NewValidationError("method", "unknown resolution method")
	}
	sess, err := w.store.GetSession(ctx, c.Key.SessionID)
	if err != nil {
		return Outcome{}, err
	}
	if err := authorize(req.Method, actor, sess); err != nil {
		return Outcome{}, err
	}

	rules := w.rules(sess.CategoryID).Normalized()
	value, method, err := w.finalValue(ctx, c, req, rules.MaxFor(c.Key.CriterionID))
	if err != nil {
		return Outcome{}, err
	}

	now := w.clock.Now()
	res := model.Resolution{
		Method:     req.Method,
		ResolvedBy: actor.ID,
		FinalValue: value,
		Reason:     req.Reason,
		ResolvedAt: now,
	}
	c.Status = model.ConflictResolved
	c.Resolution = &res
	c.UpdatedAt = now
	if err := w.store.SaveConflict(ctx, c); err != nil {
		return Outcome{}, err
	}
	ids := make([]string, 0, len(c.Entries))
	for _, e := range c.Entries {
		ids = append(ids, e.SubmissionID)
	}
	if err := w.store.SetSubmissionStatus(ctx, model.StatusResolved, ids...); err != nil {
		return Outcome{}, err
	}
	agg, err := w.store.UpsertAggregate(ctx, w.engine.Resolved(c.Key, c.Entries, method, res))
	if err != nil {
		return Outcome{}, err
	}
	w.scheduler.Cancel(c.ID)

	metrics.RecordConflictResolved(string(req.Method))
	metrics.AddActiveConflicts(-1)
	w.logger.Info(ctx, "conflict resolved",
		logger.String("conflict_id", c.ID),
		logger.String("key", c.Key.String()),
		logger.String("method", string(req.Method)),
		logger.String("resolved_by", actor.ID),
		logger.Float64("final_value", value),
		logger.Strings("judges", c.JudgeIDs()),
		logger.Float64("mean", c.Stats.Mean),
		logger.Float64("std_dev", c.Stats.StdDev),
	)
	if w.listener != nil {
		w.listener.ConflictSettled(ctx, c, &agg)
	}
	return Outcome{Conflict: c, Aggregate: agg}, nil
}

func authorize(method model.ResolutionMethod, actor model.Actor, sess model.Session) error {
	switch method {
	case model.ResolveAutoFallback:
		if !actor.IsSystem() {
			return fmt.Errorf("%s is reserved for the deadline fallback: %w", method, model.ErrForbidden)
		}
	case model.ResolveManualOverride:
		if actor.Role != model.RoleAdmin {
			return fmt.Errorf("%s requires an admin: %w", method, model.ErrForbidden)
		}
	case model.ResolveHeadJudgeDecision:
		if actor.Role != model.RoleAdmin && (actor.ID == "" || actor.ID != sess.HeadJudgeID) {
			return fmt.Errorf("%s requires the head judge: %w", method, model.ErrForbidden)
		}
	default:
		if actor.Role != model.RoleJudge && actor.Role != model.RoleAdmin {
			return fmt.Errorf("resolve as %s: %w", actor.Role, model.ErrForbidden)
		}
	}
	return nil
}

func (w *Workflow) finalValue(ctx context.Context, c model.Conflict, req Request, maxScore float64) (float64, model.Method, error) {
	values := make([]float64, len(c.Entries))
	for i, e := range c.Entries {
		values[i] = e.Value
	}
	if req.Value != nil {
		v := *req.Value
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > maxScore {
			return 0, "", model.NewValidationError("value", fmt.Sprintf("must be within [0, %g]", maxScore))
		}
	}

	switch req.Method {
	case model.ResolveUseMedian:
		return stats.Median(values), model.MethodMedian, nil
	case model.ResolveExcludeOutliers:
		return withoutOutliers(values), model.MethodAverage, nil
	case model.ResolveHeadJudgeDecision, model.ResolveManualOverride:
		if req.Value == nil {
			return 0, "", ErrValueNeeded
		}
		return *req.Value, model.MethodOverride, nil
	case model.ResolveDiscussion:
		if req.Value != nil {
			return *req.Value, model.MethodConsensus, nil
		}
		return stats.Mean(values), model.MethodConsensus, nil
	case model.ResolveWeightedAverage:
		return aggregation.WeightedTotal(c.Entries, w.profileLookup(ctx)), model.MethodWeighted, nil
	case model.ResolveAutoFallback:
		m, v := w.engine.Fallback(values)
		return v, m, nil
	}
	return 0, "", model.NewValidationError("method", "unknown resolution method")
}

func withoutOutliers(values []float64) float64 {
	out := stats.Outliers(values)
	if len(out) == 0 {
		return stats.Mean(values)
	}
	drop := make(map[int]bool, len(out))
	for _, o := range out {
		drop[o.Index] = true
	}
	kept := make([]float64, 0, len(values)-len(out))
	for i, v := range values {
		if !drop[i] {
			kept = append(kept, v)
		}
	}
	return stats.Mean(kept)
}

func (w *Workflow) profileLookup(ctx context.Context) func(string) *model.JudgeProfile {
	return func(judgeID string) *model.JudgeProfile {
		if w.profiles == nil {
			return nil
		}
		p, err := w.profiles.Profile(ctx, judgeID)
		if err != nil {
			w.logger.Warn(ctx, "judge profile unavailable, using neutral weight",
				logger.String("judge_id", judgeID), logger.Error(err))
			return nil
		}
		return p
	}
}

// Ignore closes the conflict without a resolution. Its submissions count
// again and the aggregate is recomputed from them. Submissions an earlier
// resolution settled keep that resolution.
func (w *Workflow) Ignore(ctx context.Context, conflictID, reason string, actor model.Actor) (model.Conflict, error) {
	var out model.Conflict
	err := w.mutate(ctx, conflictID, func(ctx context.Context, c model.Conflict) error {
		if !c.Status.Active() {
			return settledError(c)
		}
		sess, err := w.store.GetSession(ctx, c.Key.SessionID)
		if err != nil {
			return err
		}
		if actor.Role != model.RoleAdmin && (actor.ID == "" || actor.ID != sess.HeadJudgeID) {
			return fmt.Errorf("ignore conflict: %w", model.ErrForbidden)
		}

		now := w.clock.Now()
		c.Status = model.ConflictIgnored
		c.IgnoredBy = actor.ID
		c.UpdatedAt = now
		if err := w.store.SaveConflict(ctx, c); err != nil {
			return err
		}
		current, err := w.store.CurrentByKey(ctx, c.Key)
		if err != nil {
			return err
		}
		settled := make(map[string]bool, len(current))
		for _, s := range current {
			settled[s.ID] = s.Status == model.StatusResolved
		}
		ids := make([]string, 0, len(c.Entries))
		for _, e := range c.Entries {
			if !settled[e.SubmissionID] {
				ids = append(ids, e.SubmissionID)
			}
		}
		if err := w.store.SetSubmissionStatus(ctx, model.StatusSynced, ids...); err != nil {
			return err
		}
		w.scheduler.Cancel(c.ID)
		metrics.AddActiveConflicts(-1)

		if current, err = w.store.CurrentByKey(ctx, c.Key); err != nil {
			return err
		}
		var stored *model.AggregatedScore
		agg, err := w.Aggregate(ctx, c.Key, current, w.rules(sess.CategoryID))
		switch {
		case err == nil:
			saved, err := w.store.UpsertAggregate(ctx, agg)
			if err != nil {
				return err
			}
			stored = &saved
		case errors.Is(err, model.ErrInsufficientData):
			metrics.RecordInsufficientData()
		default:
			return err
		}
		w.logger.Info(ctx, "conflict ignored",
			logger.String("conflict_id", c.ID),
			logger.String("key", c.Key.String()),
			logger.String("ignored_by", actor.ID),
			logger.String("reason", reason),
		)
		if w.listener != nil {
			w.listener.ConflictSettled(ctx, c, stored)
		}
		out = c
		return nil
	})
	return out, err
}

// Restore re-arms deadlines for escalated or discussing conflicts, e.g.
// after a restart. Deadlines already passed fire immediately.
func (w *Workflow) Restore(conflicts []model.Conflict) int {
	now := w.clock.Now()
	n := 0
	for _, c := range conflicts {
		var deadline time.Time
		switch {
		case c.Status == model.ConflictEscalated && c.Escalation != nil:
			deadline = c.Escalation.Deadline
		case c.Status == model.ConflictDiscussing && c.Discussion != nil:
			deadline = c.Discussion.Deadline
		default:
			continue
		}
		w.scheduleFallback(c.ID, max(deadline.Sub(now), 0))
		n++
	}
	return n
}

func (w *Workflow) scheduleFallback(conflictID string, delay time.Duration) {
	w.scheduler.Schedule(conflictID, delay, func() { w.fallback(conflictID) })
}

// fallback settles a conflict nobody acted on in time.
func (w *Workflow) fallback(conflictID string) {
	ctx, cancel := context.WithTimeout(context.Background(), fallbackTimeout)
	defer cancel()
	out, err := w.Resolve(ctx, conflictID, Request{Method: model.ResolveAutoFallback, Reason: "deadline passed"}, model.System)
	if err != nil {
		if errors.Is(err, model.ErrResolutionConflict) {
			w.logger.Debug(ctx, "fallback skipped, conflict already settled", logger.String("conflict_id", conflictID))
			return
		}
		metrics.RecordErrorByComponent("resolution", "fallback_failed")
		w.logger.Error(ctx, "auto fallback failed", logger.String("conflict_id", conflictID), logger.Error(err))
		return
	}
	metrics.RecordAutoFallback()
	w.logger.Warn(ctx, "conflict resolved by auto fallback",
		logger.String("conflict_id", conflictID),
		logger.String("method", string(out.Aggregate.Method)),
		logger.Float64("final_value", out.Aggregate.Total),
	)
}

func (w *Workflow) notify(ctx context.Context, n Notification) {
	if w.notifier == nil {
		return
	}
	go func() {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if err := w.notifier.Notify(nctx, n); err != nil {
			metrics.RecordNotification(n.Kind, "failed")
			w.logger.Warn(nctx, "notification failed",
				logger.String("kind", n.Kind),
				logger.String("conflict_id", n.ConflictID),
				logger.Error(err))
			return
		}
		metrics.RecordNotification(n.Kind, "sent")
	}()
}

func priorityFor(sev model.Severity) string {
	switch sev {
	case model.SeverityCritical:
		return PriorityUrgent
	case model.SeverityHigh:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

func validPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

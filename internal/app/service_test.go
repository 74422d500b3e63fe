package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/okian/tally/internal/adapters/repository"
	service "github.com/okian/tally/internal/app"
	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/resolution"
	"github.com/okian/tally/internal/domain/types"
	"github.com/okian/tally/pkg/logger"
	"github.com/okian/tally/pkg/metrics"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	// Initialize logging for tests
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

type event struct {
	sessionID string
	kind      types.MessageType
	payload   any
	audience  types.Audience
}

// recorder captures broadcasts instead of sending them.
type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) Broadcast(sessionID string, t types.MessageType, payload any, audience types.Audience) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{sessionID: sessionID, kind: t, payload: payload, audience: audience})
	return 1
}

func (r *recorder) ActiveJudges(string) []string { return []string{"j1", "j2"} }

func (r *recorder) Connections() map[string]int { return map[string]int{"judge": 2} }

func (r *recorder) of(kind types.MessageType) []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event
	for _, e := range r.events {
		if e.kind == kind {
			out = append(out, e)
		}
	}
	return out
}

var (
	admin     = model.Actor{ID: "ops", Role: model.RoleAdmin}
	spectator = model.Actor{ID: "fan", Role: model.RoleSpectator}
)

func judge(id string) model.Actor { return model.Actor{ID: id, Role: model.RoleJudge} }

type harness struct {
	ctx   context.Context
	svc   *service.Service
	store *repository.MemoryStore
	clock *resolution.ManualClock
	hub   *recorder
	sess  model.Session
}

func newHarness(category string) *harness {
	h := &harness{
		ctx:   context.Background(),
		store: repository.NewMemoryStore(),
		clock: resolution.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		hub:   &recorder{},
	}
	h.svc = service.New(
		service.WithStore(h.store, "memory"),
		service.WithShards(4),
		service.WithClock(h.clock),
		service.WithCategoryRules(map[string]model.CategoryRules{
			"lenient": {Threshold: 0.5, MaxScore: 100},
		}),
	)
	h.svc.SetBroadcaster(h.hub)
	So(h.svc.Start(h.ctx), ShouldBeNil)

	sess, err := h.svc.OpenSession(h.ctx, types.SessionRequest{
		ID:            "s1",
		CompetitionID: "regionals",
		CategoryID:    category,
		HeadJudgeID:   "head",
	}, admin)
	So(err, ShouldBeNil)
	h.sess, err = h.svc.ActivateSession(h.ctx, sess.ID, admin)
	So(err, ShouldBeNil)
	return h
}

func (h *harness) score(judgeID, criterion string, v float64) (types.ScoreAck, error) {
	return h.svc.SubmitScore(h.ctx, judge(judgeID), model.ScoreInput{
		SessionID:   "s1",
		TeamID:      "t1",
		CriterionID: criterion,
		JudgeID:     judgeID,
		Score:       &v,
	})
}

// latencySamples reads how many client latencies have been observed.
func latencySamples() uint64 {
	families, err := metrics.GetRegistry().Gather()
	if err != nil {
		return 0
	}
	for _, f := range families {
		if f.GetName() == "tally_scoring_client_latency_milliseconds" && len(f.GetMetric()) > 0 {
			return f.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	return 0
}

// eventually polls cond until it holds or a second passes.
func eventually(cond func() bool) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

var execution = model.AggregateKey{SessionID: "s1", TeamID: "t1", CriterionID: "execution"}

func TestSessionLifecycle(t *testing.T) {
	Convey("Given a started service", t, func() {
		ctx := context.Background()
		svc := service.New()
		So(svc.Start(ctx), ShouldBeNil)
		defer func() { _ = svc.Stop(ctx) }()

		Convey("Only admins open sessions", func() {
			_, err := svc.OpenSession(ctx, types.SessionRequest{CompetitionID: "c", CategoryID: "freestyle"}, judge("j1"))
			So(errors.Is(err, model.ErrForbidden), ShouldBeTrue)
		})

		Convey("A session needs a competition and a category", func() {
			_, err := svc.OpenSession(ctx, types.SessionRequest{CategoryID: "freestyle"}, admin)
			So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
		})

		Convey("A session moves scheduled -> active -> completed once", func() {
			sess, err := svc.OpenSession(ctx, types.SessionRequest{CompetitionID: "c", CategoryID: "freestyle"}, admin)
			So(err, ShouldBeNil)
			So(sess.ID, ShouldNotBeEmpty)
			So(sess.Status, ShouldEqual, model.SessionScheduled)

			_, err = svc.CompleteSession(ctx, sess.ID, admin)
			So(errors.Is(err, model.ErrInvalidTransition), ShouldBeTrue)

			sess, err = svc.ActivateSession(ctx, sess.ID, admin)
			So(err, ShouldBeNil)
			So(sess.Status, ShouldEqual, model.SessionActive)
			So(sess.StartTime.IsZero(), ShouldBeFalse)

			_, err = svc.ActivateSession(ctx, sess.ID, admin)
			So(errors.Is(err, model.ErrInvalidTransition), ShouldBeTrue)

			sess, err = svc.CompleteSession(ctx, sess.ID, admin)
			So(err, ShouldBeNil)
			So(sess.Status, ShouldEqual, model.SessionCompleted)
			So(sess.CompletedAt, ShouldNotBeNil)

			list, err := svc.ListSessions(ctx)
			So(err, ShouldBeNil)
			So(len(list), ShouldEqual, 1)
		})

		Convey("Duplicate ids are rejected", func() {
			req := types.SessionRequest{ID: "dup", CompetitionID: "c", CategoryID: "freestyle"}
			_, err := svc.OpenSession(ctx, req, admin)
			So(err, ShouldBeNil)
			_, err = svc.OpenSession(ctx, req, admin)
			So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
		})

		Convey("Unknown sessions are not found", func() {
			_, err := svc.GetSession(ctx, "nope")
			So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)
		})
	})

	Convey("Operations before Start fail", t, func() {
		svc := service.New()
		v := 80.0
		_, err := svc.SubmitScore(context.Background(), judge("j1"), model.ScoreInput{Score: &v})
		So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
		So(svc.Stop(context.Background()), ShouldBeNil)
	})
}

func TestSubmitScore(t *testing.T) {
	Convey("Given an active session with default rules", t, func() {
		h := newHarness("freestyle")
		defer func() { _ = h.svc.Stop(h.ctx) }()

		Convey("Judges within threshold aggregate and roll up", func() {
			ack, err := h.score("j1", "execution", 80)
			So(err, ShouldBeNil)
			So(ack.Status, ShouldEqual, model.StatusSynced)
			So(ack.UpdateID, ShouldNotBeEmpty)

			_, err = h.svc.Aggregate(h.ctx, execution)
			So(errors.Is(err, model.ErrInsufficientData), ShouldBeTrue)

			ack, err = h.score("j2", "execution", 90)
			So(err, ShouldBeNil)
			So(ack.Status, ShouldEqual, model.StatusSynced)
			So(ack.ConflictID, ShouldBeEmpty)

			agg, err := h.svc.Aggregate(h.ctx, execution)
			So(err, ShouldBeNil)
			So(agg.Total, ShouldEqual, 85)
			So(agg.JudgeCount, ShouldEqual, 2)
			So(agg.Consensus, ShouldBeTrue)
			So(agg.Finalized, ShouldBeFalse)

			So(len(h.hub.of(types.MsgScoreUpdate)), ShouldEqual, 2)
			So(h.hub.of(types.MsgConflictDetected), ShouldBeEmpty)

			teamTotal := model.AggregateKey{SessionID: "s1", TeamID: "t1"}
			So(eventually(func() bool {
				total, err := h.store.GetAggregate(h.ctx, teamTotal)
				return err == nil && total.Total == 85
			}), ShouldBeTrue)
			So(eventually(func() bool { return len(h.hub.of(types.MsgScoreboard)) > 0 }), ShouldBeTrue)
			board := h.hub.of(types.MsgScoreboard)[0]
			So(board.audience, ShouldEqual, types.AudienceScoreboard)

			standings, err := h.svc.Standings(h.ctx, "s1")
			So(err, ShouldBeNil)
			So(len(standings), ShouldEqual, 1)
			So(standings[0].TeamID, ShouldEqual, "t1")
			So(standings[0].Rank, ShouldEqual, 1)
		})

		Convey("Judges beyond threshold raise a conflict for judges only", func() {
			_, err := h.score("j1", "execution", 80)
			So(err, ShouldBeNil)
			ack, err := h.score("j2", "execution", 95)
			So(err, ShouldBeNil)
			So(ack.Status, ShouldEqual, model.StatusConflict)
			So(ack.ConflictID, ShouldNotBeEmpty)

			notices := h.hub.of(types.MsgConflictDetected)
			So(len(notices), ShouldEqual, 1)
			So(notices[0].audience, ShouldEqual, types.AudienceJudges)
			notice := notices[0].payload.(types.ConflictNotice)
			So(notice.ConflictID, ShouldEqual, ack.ConflictID)
			So(len(notice.Conflicts), ShouldEqual, 1)

			_, err = h.store.GetAggregate(h.ctx, execution)
			So(errors.Is(err, model.ErrNotFound), ShouldBeTrue)

			fan, err := h.svc.Snapshot(h.ctx, "s1", model.RoleSpectator)
			So(err, ShouldBeNil)
			So(fan.Conflicts, ShouldBeEmpty)
			So(fan.ActiveJudges, ShouldResemble, []string{"j1", "j2"})

			official, err := h.svc.Snapshot(h.ctx, "s1", model.RoleJudge)
			So(err, ShouldBeNil)
			So(len(official.Conflicts), ShouldEqual, 1)
		})

		Convey("A client timestamp is observed once per score", func() {
			before := latencySamples()
			v := 80.0
			_, err := h.svc.SubmitScore(h.ctx, judge("j1"), model.ScoreInput{
				SessionID: "s1", TeamID: "t1", CriterionID: "execution", JudgeID: "j1",
				Score: &v, ClientTimestamp: h.clock.Now().Add(-20 * time.Millisecond),
			})
			So(err, ShouldBeNil)
			So(latencySamples(), ShouldEqual, before+1)
		})

		Convey("Submitting the same value twice keeps one current submission", func() {
			_, err := h.score("j1", "execution", 80)
			So(err, ShouldBeNil)
			first, err := h.score("j2", "execution", 95)
			So(err, ShouldBeNil)
			again, err := h.score("j2", "execution", 95)
			So(err, ShouldBeNil)
			So(again.Duplicate, ShouldBeTrue)
			So(again.UpdateID, ShouldEqual, first.UpdateID)
			So(again.ConflictID, ShouldEqual, first.ConflictID)

			key := model.ScoreKey{SessionID: "s1", TeamID: "t1", CriterionID: "execution"}
			history, err := h.store.History(h.ctx, key, "j2")
			So(err, ShouldBeNil)
			So(len(history), ShouldEqual, 1)

			conflicts, err := h.svc.ListConflicts(h.ctx, "s1", false)
			So(err, ShouldBeNil)
			So(len(conflicts), ShouldEqual, 1)
			So(len(h.hub.of(types.MsgConflictDetected)), ShouldEqual, 1)
		})

		Convey("A revision into agreement settles the conflict", func() {
			_, err := h.score("j1", "execution", 80)
			So(err, ShouldBeNil)
			first, err := h.score("j2", "execution", 95)
			So(err, ShouldBeNil)

			ack, err := h.score("j2", "execution", 84)
			So(err, ShouldBeNil)
			So(ack.Status, ShouldEqual, model.StatusResolved)
			So(ack.ConflictID, ShouldEqual, first.ConflictID)

			c, err := h.svc.GetConflict(h.ctx, first.ConflictID)
			So(err, ShouldBeNil)
			So(c.Status, ShouldEqual, model.ConflictResolved)
			So(c.Resolution.Method, ShouldEqual, model.ResolveDiscussion)
			So(c.Resolution.FinalValue, ShouldEqual, 82)

			agg, err := h.svc.Aggregate(h.ctx, execution)
			So(err, ShouldBeNil)
			So(agg.Total, ShouldEqual, 82)
			So(agg.Method, ShouldEqual, model.MethodConsensus)

			resolved := h.hub.of(types.MsgConflictResolved)
			So(len(resolved), ShouldEqual, 1)
			So(resolved[0].audience, ShouldEqual, types.AudienceJudges)

			key := model.ScoreKey{SessionID: "s1", TeamID: "t1", CriterionID: "execution"}
			history, err := h.store.History(h.ctx, key, "j2")
			So(err, ShouldBeNil)
			So(len(history), ShouldEqual, 2)
			So(*history[1].PreviousValue, ShouldEqual, 95)
			So(history[1].UpdateType, ShouldEqual, model.UpdateRevision)
		})

		Convey("A replayed client message returns the first acknowledgement", func() {
			v := 80.0
			in := model.ScoreInput{SessionID: "s1", TeamID: "t1", CriterionID: "execution", Score: &v, ClientMessageID: "m-1"}
			first, err := h.svc.SubmitScore(h.ctx, judge("j1"), in)
			So(err, ShouldBeNil)
			So(first.Duplicate, ShouldBeFalse)

			changed := 70.0
			in.Score = &changed
			replay, err := h.svc.SubmitScore(h.ctx, judge("j1"), in)
			So(err, ShouldBeNil)
			So(replay.Duplicate, ShouldBeTrue)
			So(replay.UpdateID, ShouldEqual, first.UpdateID)
			So(replay.ClientMessageID, ShouldEqual, "m-1")

			key := model.ScoreKey{SessionID: "s1", TeamID: "t1", CriterionID: "execution"}
			cur, err := h.store.CurrentSubmission(h.ctx, key, "j1")
			So(err, ShouldBeNil)
			So(cur.Value, ShouldEqual, 80)
			So(h.svc.GetStats(h.ctx).DedupeEntries, ShouldEqual, 1)
		})

		Convey("Invalid submissions are rejected before storage", func() {
			_, err := h.score("j1", "execution", 150)
			So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
			var ve *model.ValidationError
			So(errors.As(err, &ve), ShouldBeTrue)
			So(ve.Field, ShouldEqual, "score")

			v := 80.0
			_, err = h.svc.SubmitScore(h.ctx, judge("j1"), model.ScoreInput{SessionID: "nope", TeamID: "t1", CriterionID: "execution", Score: &v})
			So(errors.As(err, &ve), ShouldBeTrue)
			So(ve.Field, ShouldEqual, "session_id")

			subs, err := h.store.CurrentBySession(h.ctx, "s1")
			So(err, ShouldBeNil)
			So(subs, ShouldBeEmpty)
			So(h.hub.of(types.MsgScoreUpdate), ShouldBeEmpty)
		})

		Convey("Only the judge themselves may submit", func() {
			v := 80.0
			in := model.ScoreInput{SessionID: "s1", TeamID: "t1", CriterionID: "execution", JudgeID: "j2", Score: &v}
			_, err := h.svc.SubmitScore(h.ctx, judge("j1"), in)
			So(errors.Is(err, model.ErrForbidden), ShouldBeTrue)

			_, err = h.svc.SubmitScore(h.ctx, spectator, in)
			So(errors.Is(err, model.ErrForbidden), ShouldBeTrue)
		})
	})

	Convey("Given a lenient category", t, func() {
		h := newHarness("lenient")
		defer func() { _ = h.svc.Stop(h.ctx) }()

		Convey("Five judges with one high score aggregate by trimmed mean", func() {
			for i, v := range []float64{70, 72, 75, 71, 98} {
				ack, err := h.score([]string{"j1", "j2", "j3", "j4", "j5"}[i], "execution", v)
				So(err, ShouldBeNil)
				So(ack.Status, ShouldEqual, model.StatusSynced)
			}
			agg, err := h.svc.Aggregate(h.ctx, execution)
			So(err, ShouldBeNil)
			So(agg.Method, ShouldEqual, model.MethodTrimmedMean)
			So(agg.Total, ShouldAlmostEqual, 72.6667, 1e-3)
			So(agg.Outliers, ShouldResemble, []string{"j5"})
		})
	})
}

func TestConflictWorkflow(t *testing.T) {
	Convey("Given a conflict between two judges", t, func() {
		h := newHarness("freestyle")
		defer func() { _ = h.svc.Stop(h.ctx) }()

		_, err := h.score("j1", "execution", 80)
		So(err, ShouldBeNil)
		ack, err := h.score("j2", "execution", 95)
		So(err, ShouldBeNil)
		conflictID := ack.ConflictID

		Convey("An unanswered escalation falls back at the deadline", func() {
			c, err := h.svc.EscalateToHeadJudge(h.ctx, conflictID, "", judge("j1"))
			So(err, ShouldBeNil)
			So(c.Status, ShouldEqual, model.ConflictEscalated)
			So(h.svc.GetStats(h.ctx).PendingDeadline, ShouldEqual, 1)

			h.clock.Advance(10 * time.Minute)

			c, err = h.svc.GetConflict(h.ctx, conflictID)
			So(err, ShouldBeNil)
			So(c.Status, ShouldEqual, model.ConflictResolved)
			So(c.Resolution.Method, ShouldEqual, model.ResolveAutoFallback)
			So(c.Resolution.FinalValue, ShouldEqual, 87.5)

			agg, err := h.svc.Aggregate(h.ctx, execution)
			So(err, ShouldBeNil)
			So(agg.Finalized, ShouldBeTrue)
			So(agg.Total, ShouldEqual, 87.5)
			So(len(h.hub.of(types.MsgConflictResolved)), ShouldEqual, 1)
		})

		Convey("The head judge decides before the deadline", func() {
			_, err := h.svc.EscalateToHeadJudge(h.ctx, conflictID, resolution.PriorityHigh, judge("j1"))
			So(err, ShouldBeNil)

			v := 90.0
			out, err := h.svc.Resolve(h.ctx, conflictID, resolution.Request{Method: model.ResolveHeadJudgeDecision, Value: &v}, judge("head"))
			So(err, ShouldBeNil)
			So(out.Aggregate.Total, ShouldEqual, 90)
			So(h.svc.GetStats(h.ctx).PendingDeadline, ShouldEqual, 0)

			_, err = h.svc.Resolve(h.ctx, conflictID, resolution.Request{Method: model.ResolveUseMedian}, admin)
			So(errors.Is(err, model.ErrResolutionConflict), ShouldBeTrue)
		})

		Convey("A discussion can be opened and the conflict ignored by an admin", func() {
			c, err := h.svc.InitiateDiscussion(h.ctx, conflictID, nil, judge("j1"))
			So(err, ShouldBeNil)
			So(c.Status, ShouldEqual, model.ConflictDiscussing)

			c, err = h.svc.IgnoreConflict(h.ctx, conflictID, "scoring sheet mix-up", admin)
			So(err, ShouldBeNil)
			So(c.Status, ShouldEqual, model.ConflictIgnored)

			active, err := h.svc.ListConflicts(h.ctx, "s1", true)
			So(err, ShouldBeNil)
			So(active, ShouldBeEmpty)
		})

		Convey("Ignoring the outlying submission releases the key", func() {
			third, err := h.score("j3", "execution", 82)
			So(err, ShouldBeNil)
			So(third.Status, ShouldEqual, model.StatusConflict)

			_, err = h.svc.IgnoreSubmission(h.ctx, ack.UpdateID, "wrong team", judge("j1"))
			So(errors.Is(err, model.ErrForbidden), ShouldBeTrue)

			sub, err := h.svc.IgnoreSubmission(h.ctx, ack.UpdateID, "wrong team", admin)
			So(err, ShouldBeNil)
			So(sub.Status, ShouldEqual, model.StatusIgnored)

			c, err := h.svc.GetConflict(h.ctx, conflictID)
			So(err, ShouldBeNil)
			So(c.Status, ShouldEqual, model.ConflictIgnored)

			agg, err := h.svc.Aggregate(h.ctx, execution)
			So(err, ShouldBeNil)
			So(agg.JudgeCount, ShouldEqual, 2)
			So(agg.Total, ShouldEqual, 81)
		})

		Convey("A judge scoring after a resolution leaves it in force", func() {
			v := 85.0
			_, err := h.svc.Resolve(h.ctx, conflictID, resolution.Request{Method: model.ResolveManualOverride, Value: &v}, admin)
			So(err, ShouldBeNil)

			third, err := h.score("j3", "execution", 86)
			So(err, ShouldBeNil)
			So(third.Status, ShouldEqual, model.StatusSynced)
			So(third.ConflictID, ShouldBeEmpty)

			current, err := h.store.CurrentByKey(h.ctx, model.ScoreKey{SessionID: "s1", TeamID: "t1", CriterionID: "execution"})
			So(err, ShouldBeNil)
			statuses := map[string]model.SyncStatus{}
			for _, sub := range current {
				statuses[sub.JudgeID] = sub.Status
			}
			So(statuses, ShouldResemble, map[string]model.SyncStatus{
				"j1": model.StatusResolved,
				"j2": model.StatusResolved,
				"j3": model.StatusSynced,
			})

			c, err := h.svc.GetConflict(h.ctx, conflictID)
			So(err, ShouldBeNil)
			So(c.Status, ShouldEqual, model.ConflictResolved)
			active, err := h.svc.ListConflicts(h.ctx, "s1", true)
			So(err, ShouldBeNil)
			So(active, ShouldBeEmpty)

			agg, err := h.svc.Aggregate(h.ctx, execution)
			So(err, ShouldBeNil)
			So(agg.JudgeCount, ShouldEqual, 3)
			So(agg.RawScores["j1"], ShouldEqual, 85)
			So(agg.RawScores["j2"], ShouldEqual, 85)
			So(agg.Total, ShouldBeBetweenOrEqual, 85, 86)
			So(agg.ResolutionMethod, ShouldEqual, model.ResolveManualOverride)
			So(agg.Finalized, ShouldBeTrue)
		})

		Convey("A judge far from a resolution opens a new conflict without unsettling it", func() {
			v := 85.0
			_, err := h.svc.Resolve(h.ctx, conflictID, resolution.Request{Method: model.ResolveManualOverride, Value: &v}, admin)
			So(err, ShouldBeNil)

			third, err := h.score("j3", "execution", 50)
			So(err, ShouldBeNil)
			So(third.Status, ShouldEqual, model.StatusConflict)
			So(third.ConflictID, ShouldNotEqual, conflictID)

			first, err := h.store.CurrentSubmission(h.ctx, model.ScoreKey{SessionID: "s1", TeamID: "t1", CriterionID: "execution"}, "j1")
			So(err, ShouldBeNil)
			So(first.Status, ShouldEqual, model.StatusResolved)

			fresh, err := h.svc.GetConflict(h.ctx, third.ConflictID)
			So(err, ShouldBeNil)
			for _, e := range fresh.Entries {
				if e.JudgeID != "j3" {
					So(e.Value, ShouldEqual, 85)
				}
			}

			_, err = h.svc.IgnoreConflict(h.ctx, third.ConflictID, "recount", admin)
			So(err, ShouldBeNil)
			first, err = h.store.CurrentSubmission(h.ctx, model.ScoreKey{SessionID: "s1", TeamID: "t1", CriterionID: "execution"}, "j1")
			So(err, ShouldBeNil)
			So(first.Status, ShouldEqual, model.StatusResolved)

			agg, err := h.svc.Aggregate(h.ctx, execution)
			So(err, ShouldBeNil)
			So(agg.RawScores["j1"], ShouldEqual, 85)
			So(agg.ResolutionMethod, ShouldEqual, model.ResolveManualOverride)
		})

		Convey("Completing the session settles open conflicts and finalizes scores", func() {
			sess, err := h.svc.CompleteSession(h.ctx, "s1", admin)
			So(err, ShouldBeNil)
			So(sess.Status, ShouldEqual, model.SessionCompleted)

			c, err := h.svc.GetConflict(h.ctx, conflictID)
			So(err, ShouldBeNil)
			So(c.Status, ShouldEqual, model.ConflictResolved)
			So(c.Resolution.Method, ShouldEqual, model.ResolveAutoFallback)

			agg, err := h.svc.Aggregate(h.ctx, execution)
			So(err, ShouldBeNil)
			So(agg.Finalized, ShouldBeTrue)
			So(len(h.hub.of(types.MsgSyncRequired)), ShouldEqual, 1)

			_, err = h.score("j1", "execution", 81)
			So(errors.Is(err, model.ErrValidation), ShouldBeTrue)
		})
	})
}

// staleStore serves one queued session read before the real one, as if the
// session changed right after the caller looked.
type staleStore struct {
	*repository.MemoryStore
	mu    sync.Mutex
	stale []model.Session
}

func (s *staleStore) GetSession(ctx context.Context, id string) (model.Session, error) {
	s.mu.Lock()
	if len(s.stale) > 0 {
		sess := s.stale[0]
		s.stale = s.stale[1:]
		s.mu.Unlock()
		return sess, nil
	}
	s.mu.Unlock()
	return s.MemoryStore.GetSession(ctx, id)
}

func TestSubmitAfterCompletion(t *testing.T) {
	Convey("Given a session completed after a score passed validation", t, func() {
		ctx := context.Background()
		store := &staleStore{MemoryStore: repository.NewMemoryStore()}
		svc := service.New(service.WithStore(store, "memory"), service.WithShards(2))
		So(svc.Start(ctx), ShouldBeNil)
		defer func() { _ = svc.Stop(ctx) }()

		_, err := svc.OpenSession(ctx, types.SessionRequest{ID: "s1", CompetitionID: "c", CategoryID: "freestyle"}, admin)
		So(err, ShouldBeNil)
		active, err := svc.ActivateSession(ctx, "s1", admin)
		So(err, ShouldBeNil)
		_, err = svc.CompleteSession(ctx, "s1", admin)
		So(err, ShouldBeNil)

		store.mu.Lock()
		store.stale = []model.Session{active}
		store.mu.Unlock()

		v := 80.0
		_, err = svc.SubmitScore(ctx, judge("j1"), model.ScoreInput{
			SessionID: "s1", TeamID: "t1", CriterionID: "execution", JudgeID: "j1", Score: &v,
		})

		Convey("The shard refuses it and stores nothing", func() {
			So(errors.Is(err, model.ErrSessionNotActive), ShouldBeTrue)
			current, err := store.CurrentByKey(ctx, model.ScoreKey{SessionID: "s1", TeamID: "t1", CriterionID: "execution"})
			So(err, ShouldBeNil)
			So(current, ShouldBeEmpty)
		})
	})
}

func TestGetStats(t *testing.T) {
	Convey("Given a service", t, func() {
		ctx := context.Background()
		svc := service.New(service.WithShards(3), service.WithQueueSize(16))
		hub := &recorder{}
		svc.SetBroadcaster(hub)

		Convey("Stats before start report configuration only", func() {
			st := svc.GetStats(ctx)
			So(st.Started, ShouldBeFalse)
			So(st.Shards, ShouldEqual, 3)
			So(st.StoreDriver, ShouldEqual, "memory")
		})

		Convey("Stats after start include connections", func() {
			So(svc.Start(ctx), ShouldBeNil)
			defer func() { _ = svc.Stop(ctx) }()
			st := svc.GetStats(ctx)
			So(st.Started, ShouldBeTrue)
			So(st.QueueSize, ShouldEqual, 16)
			So(st.Connections["judge"], ShouldEqual, 2)
			So(st.Backlog, ShouldEqual, 0)
		})
	})
}

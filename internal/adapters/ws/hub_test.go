package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/okian/tally/internal/adapters/ws"
	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/types"
	"github.com/okian/tally/pkg/logger"
	"github.com/okian/tally/pkg/metrics"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

type fakePipeline struct {
	mu       sync.Mutex
	sessions map[string]model.Session
	tokens   map[string]model.Identity
	inputs   []model.ScoreInput
	actors   []model.Actor
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		sessions: map[string]model.Session{
			"s1":   {ID: "s1", CategoryID: "freestyle", Status: model.SessionActive},
			"done": {ID: "done", CategoryID: "freestyle", Status: model.SessionCompleted},
		},
		tokens: map[string]model.Identity{
			"tok-j1":    {ID: "j1", Role: model.RoleJudge},
			"tok-admin": {ID: "ops", Role: model.RoleAdmin},
		},
	}
}

func (f *fakePipeline) Authenticate(_ context.Context, token string) (model.Identity, error) {
	id, ok := f.tokens[token]
	if !ok {
		return model.Identity{}, &model.AuthError{Reason: "invalid token"}
	}
	return id, nil
}

func (f *fakePipeline) GetSession(_ context.Context, id string) (model.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return model.Session{}, model.ErrNotFound
	}
	return s, nil
}

func (f *fakePipeline) SubmitScore(_ context.Context, actor model.Actor, in model.ScoreInput) (types.ScoreAck, error) {
	if *in.Score > 100 {
		return types.ScoreAck{}, model.NewValidationError("score", "must be within [0, 100]")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	f.actors = append(f.actors, actor)
	return types.ScoreAck{UpdateID: "u1", Status: model.StatusSynced, Sequence: uint64(len(f.inputs))}, nil
}

func (f *fakePipeline) Snapshot(_ context.Context, sessionID string, role model.Role) (types.Snapshot, error) {
	snap := types.Snapshot{Session: f.sessions[sessionID], ActiveJudges: []string{}}
	if role.SeesConflicts() {
		snap.Conflicts = []model.Conflict{{ID: "c1", Status: model.ConflictOpen}}
	}
	return snap, nil
}

func (f *fakePipeline) Scoreboard(_ context.Context, sessionID, mode string) (types.Scoreboard, error) {
	return types.Scoreboard{SessionID: sessionID, DisplayMode: mode}, nil
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
}

func dial(srv *httptest.Server, query, token string) (*websocket.Conn, *http.Response, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return websocket.DefaultDialer.Dial(wsURL(srv, query), header)
}

// next reads frames until one of type want arrives, returning it and the
// types skipped on the way.
func next(conn *websocket.Conn, want types.MessageType) (types.Envelope, []types.MessageType, error) {
	var skipped []types.MessageType
	for {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return types.Envelope{}, skipped, err
		}
		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return types.Envelope{}, skipped, err
		}
		if env.Type == want {
			return env, skipped, nil
		}
		skipped = append(skipped, env.Type)
	}
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

func send(conn *websocket.Conn, t types.MessageType, payload any) error {
	env, err := types.NewEnvelope(t, payload, time.Now())
	if err != nil {
		return err
	}
	return conn.WriteJSON(env)
}

func TestConnect(t *testing.T) {
	Convey("Given a hub behind an HTTP server", t, func() {
		pipeline := newFakePipeline()
		hub := ws.NewHub(pipeline)
		srv := httptest.NewServer(hub)
		defer srv.Close()
		defer hub.Close()

		Convey("A spectator joins an active session without a token", func() {
			conn, _, err := dial(srv, "session_id=s1&role=spectator", "")
			So(err, ShouldBeNil)
			defer conn.Close()

			env, _, err := next(conn, types.MsgInitialState)
			So(err, ShouldBeNil)
			var state types.InitialState
			So(env.Decode(&state), ShouldBeNil)
			So(state.ConnectionID, ShouldNotBeEmpty)
			So(state.Role, ShouldEqual, model.RoleSpectator)
			So(state.Conflicts, ShouldBeEmpty)
		})

		Convey("A judge without a valid token is refused before upgrade", func() {
			_, resp, err := dial(srv, "session_id=s1&role=judge", "")
			So(err, ShouldNotBeNil)
			So(resp.StatusCode, ShouldEqual, http.StatusUnauthorized)

			_, resp, err = dial(srv, "session_id=s1&role=judge", "tok-forged")
			So(err, ShouldNotBeNil)
			So(resp.StatusCode, ShouldEqual, http.StatusUnauthorized)
		})

		Convey("A judge token cannot join as admin", func() {
			_, resp, err := dial(srv, "session_id=s1&role=admin", "tok-j1")
			So(err, ShouldNotBeNil)
			So(resp.StatusCode, ShouldEqual, http.StatusUnauthorized)
		})

		Convey("Unknown and inactive sessions are refused", func() {
			_, resp, err := dial(srv, "session_id=nope&role=spectator", "")
			So(err, ShouldNotBeNil)
			So(resp.StatusCode, ShouldEqual, http.StatusNotFound)

			_, resp, err = dial(srv, "session_id=done&role=spectator", "")
			So(err, ShouldNotBeNil)
			So(resp.StatusCode, ShouldEqual, http.StatusConflict)
		})

		Convey("A judge sees conflicts in its initial state and becomes active", func() {
			conn, _, err := dial(srv, "session_id=s1&role=judge", "tok-j1")
			So(err, ShouldBeNil)
			env, _, err := next(conn, types.MsgInitialState)
			So(err, ShouldBeNil)
			var state types.InitialState
			So(env.Decode(&state), ShouldBeNil)
			So(state.Conflicts, ShouldHaveLength, 1)
			So(hub.ActiveJudges("s1"), ShouldResemble, []string{"j1"})

			Convey("And disconnecting removes it from the active set", func() {
				So(conn.Close(), ShouldBeNil)
				deadline := time.Now().Add(2 * time.Second)
				for len(hub.ActiveJudges("s1")) > 0 && time.Now().Before(deadline) {
					time.Sleep(10 * time.Millisecond)
				}
				So(hub.ActiveJudges("s1"), ShouldBeEmpty)
				So(hub.Connections()["judge"], ShouldEqual, 0)
			})
		})
	})
}

func TestBroadcastAudience(t *testing.T) {
	Convey("Given a judge and a spectator in one session", t, func() {
		hub := ws.NewHub(newFakePipeline())
		srv := httptest.NewServer(hub)
		defer srv.Close()
		defer hub.Close()

		judge, _, err := dial(srv, "session_id=s1&role=judge", "tok-j1")
		So(err, ShouldBeNil)
		defer judge.Close()
		_, _, err = next(judge, types.MsgInitialState)
		So(err, ShouldBeNil)

		spectator, _, err := dial(srv, "session_id=s1&role=spectator", "")
		So(err, ShouldBeNil)
		defer spectator.Close()
		_, _, err = next(spectator, types.MsgInitialState)
		So(err, ShouldBeNil)

		Convey("A conflict notice reaches the judge and never the spectator", func() {
			n := hub.Broadcast("s1", types.MsgConflictDetected, types.ConflictNotice{ConflictID: "c1", TeamID: "t1"}, types.AudienceJudges)
			So(n, ShouldEqual, 1)
			hub.Broadcast("s1", types.MsgAggregateUpdate, model.AggregatedScore{Total: 87}, types.AudienceAll)

			env, _, err := next(judge, types.MsgConflictDetected)
			So(err, ShouldBeNil)
			var notice types.ConflictNotice
			So(env.Decode(&notice), ShouldBeNil)
			So(notice.ConflictID, ShouldEqual, "c1")

			_, skipped, err := next(spectator, types.MsgAggregateUpdate)
			So(err, ShouldBeNil)
			So(skipped, ShouldNotContain, types.MsgConflictDetected)
		})

		Convey("Other sessions receive nothing", func() {
			So(hub.Broadcast("s2", types.MsgAggregateUpdate, nil, types.AudienceAll), ShouldEqual, 0)
		})

		Convey("Scoreboard frames reach only subscribers", func() {
			So(hub.Broadcast("s1", types.MsgScoreboard, types.Scoreboard{}, types.AudienceScoreboard), ShouldEqual, 0)
			So(send(spectator, types.MsgSubscribeScoreboard, types.ScoreboardRequest{SessionID: "s1", DisplayMode: "compact"}), ShouldBeNil)
			env, _, err := next(spectator, types.MsgScoreboard)
			So(err, ShouldBeNil)
			var board types.Scoreboard
			So(env.Decode(&board), ShouldBeNil)
			So(board.DisplayMode, ShouldEqual, "compact")
			So(hub.Broadcast("s1", types.MsgScoreboard, types.Scoreboard{}, types.AudienceScoreboard), ShouldEqual, 1)
		})
	})
}

func TestInboundDispatch(t *testing.T) {
	Convey("Given a connected judge", t, func() {
		pipeline := newFakePipeline()
		hub := ws.NewHub(pipeline)
		srv := httptest.NewServer(hub)
		defer srv.Close()
		defer hub.Close()

		judge, _, err := dial(srv, "session_id=s1&role=judge", "tok-j1")
		So(err, ShouldBeNil)
		defer judge.Close()
		_, _, err = next(judge, types.MsgInitialState)
		So(err, ShouldBeNil)

		Convey("Ping is answered with server time", func() {
			So(send(judge, types.MsgPing, nil), ShouldBeNil)
			env, _, err := next(judge, types.MsgPong)
			So(err, ShouldBeNil)
			var pong types.Pong
			So(env.Decode(&pong), ShouldBeNil)
			So(pong.ServerTime.IsZero(), ShouldBeFalse)
		})

		Convey("A score is submitted as the authenticated judge and confirmed", func() {
			score := 8.5
			So(send(judge, types.MsgScoreUpdate, model.ScoreInput{TeamID: "t1", CriterionID: "execution", Score: &score}), ShouldBeNil)
			env, _, err := next(judge, types.MsgScoreConfirmed)
			So(err, ShouldBeNil)
			var ack types.ScoreAck
			So(env.Decode(&ack), ShouldBeNil)
			So(ack.UpdateID, ShouldEqual, "u1")

			pipeline.mu.Lock()
			defer pipeline.mu.Unlock()
			So(pipeline.inputs[0].JudgeID, ShouldEqual, "j1")
			So(pipeline.inputs[0].SessionID, ShouldEqual, "s1")
			So(pipeline.actors[0], ShouldResemble, model.Actor{ID: "j1", Role: model.RoleJudge})
		})

		Convey("Client latency is left to the pipeline", func() {
			before := latencySamples()
			score := 8.5
			So(send(judge, types.MsgScoreUpdate, model.ScoreInput{
				TeamID: "t1", CriterionID: "execution", Score: &score, ClientTimestamp: time.Now(),
			}), ShouldBeNil)
			_, _, err := next(judge, types.MsgScoreConfirmed)
			So(err, ShouldBeNil)
			So(latencySamples(), ShouldEqual, before)
		})

		Convey("Scoring on behalf of another judge is forbidden", func() {
			score := 8.5
			So(send(judge, types.MsgScoreUpdate, model.ScoreInput{TeamID: "t1", CriterionID: "execution", JudgeID: "j2", Score: &score}), ShouldBeNil)
			env, _, err := next(judge, types.MsgError)
			So(err, ShouldBeNil)
			var p types.ErrorPayload
			So(env.Decode(&p), ShouldBeNil)
			So(p.Code, ShouldEqual, "forbidden")
		})

		Convey("An admin token joined as a judge cannot score", func() {
			admin, _, err := dial(srv, "session_id=s1&role=judge", "tok-admin")
			So(err, ShouldBeNil)
			defer admin.Close()
			_, _, err = next(admin, types.MsgInitialState)
			So(err, ShouldBeNil)

			score := 8.5
			So(send(admin, types.MsgScoreUpdate, model.ScoreInput{TeamID: "t1", CriterionID: "execution", Score: &score}), ShouldBeNil)
			env, skipped, err := next(admin, types.MsgError)
			So(err, ShouldBeNil)
			So(skipped, ShouldNotContain, types.MsgScoreConfirmed)
			var p types.ErrorPayload
			So(env.Decode(&p), ShouldBeNil)
			So(p.Code, ShouldEqual, "forbidden")

			So(send(admin, types.MsgJudgeReady, nil), ShouldBeNil)
			_, _, err = next(admin, types.MsgError)
			So(err, ShouldBeNil)

			pipeline.mu.Lock()
			defer pipeline.mu.Unlock()
			So(pipeline.actors, ShouldBeEmpty)
			So(hub.ActiveJudges("s1"), ShouldResemble, []string{"j1"})
		})

		Convey("Validation failures return the offending field to the sender", func() {
			score := 120.0
			So(send(judge, types.MsgScoreUpdate, model.ScoreInput{TeamID: "t1", CriterionID: "execution", Score: &score}), ShouldBeNil)
			env, _, err := next(judge, types.MsgError)
			So(err, ShouldBeNil)
			var p types.ErrorPayload
			So(env.Decode(&p), ShouldBeNil)
			So(p.Code, ShouldEqual, "validation_error")
			So(p.Field, ShouldEqual, "score")
		})

		Convey("Unknown message types are rejected", func() {
			So(send(judge, "teleport", nil), ShouldBeNil)
			env, _, err := next(judge, types.MsgError)
			So(err, ShouldBeNil)
			var p types.ErrorPayload
			So(env.Decode(&p), ShouldBeNil)
			So(p.Message, ShouldContainSubstring, "unknown message type")
		})

		Convey("judge_ready is announced to the session", func() {
			So(send(judge, types.MsgJudgeReady, nil), ShouldBeNil)
			env, _, err := next(judge, types.MsgJudgesUpdated)
			So(err, ShouldBeNil)
			var upd types.JudgesUpdate
			So(env.Decode(&upd), ShouldBeNil)
			for len(upd.ReadyJudges) == 0 {
				env, _, err = next(judge, types.MsgJudgesUpdated)
				So(err, ShouldBeNil)
				So(env.Decode(&upd), ShouldBeNil)
			}
			So(upd.ReadyJudges, ShouldResemble, []string{"j1"})
		})

		Convey("request_sync replays the session state", func() {
			So(send(judge, types.MsgRequestSync, types.SyncRequest{SessionID: "s1"}), ShouldBeNil)
			env, _, err := next(judge, types.MsgSyncState)
			So(err, ShouldBeNil)
			var snap types.Snapshot
			So(env.Decode(&snap), ShouldBeNil)
			So(snap.Session.ID, ShouldEqual, "s1")
		})
	})

	Convey("Spectators may not score", t, func() {
		hub := ws.NewHub(newFakePipeline())
		srv := httptest.NewServer(hub)
		defer srv.Close()
		defer hub.Close()

		conn, _, err := dial(srv, "session_id=s1&role=spectator", "")
		So(err, ShouldBeNil)
		defer conn.Close()
		score := 8.5
		So(send(conn, types.MsgScoreUpdate, model.ScoreInput{TeamID: "t1", CriterionID: "execution", Score: &score}), ShouldBeNil)
		env, _, err := next(conn, types.MsgError)
		So(err, ShouldBeNil)
		var p types.ErrorPayload
		So(env.Decode(&p), ShouldBeNil)
		So(p.Code, ShouldEqual, "forbidden")
	})

	Convey("Inbound messages beyond the rate limit are refused", t, func() {
		hub := ws.NewHub(newFakePipeline(), ws.WithInboundRate(0.001, 1))
		srv := httptest.NewServer(hub)
		defer srv.Close()
		defer hub.Close()

		conn, _, err := dial(srv, "session_id=s1&role=spectator", "")
		So(err, ShouldBeNil)
		defer conn.Close()
		So(send(conn, types.MsgPing, nil), ShouldBeNil)
		So(send(conn, types.MsgPing, nil), ShouldBeNil)
		_, _, err = next(conn, types.MsgPong)
		So(err, ShouldBeNil)
		env, _, err := next(conn, types.MsgError)
		So(err, ShouldBeNil)
		var p types.ErrorPayload
		So(env.Decode(&p), ShouldBeNil)
		So(p.Message, ShouldEqual, ws.ErrRateLimited.Error())
	})
}

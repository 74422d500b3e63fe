package simulator_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/okian/tally/internal/adapters/http/api"
	"github.com/okian/tally/internal/adapters/identity"
	"github.com/okian/tally/internal/adapters/ws"
	service "github.com/okian/tally/internal/app"
	"github.com/okian/tally/internal/domain/aggregation"
	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/simulator"
	"github.com/okian/tally/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

var panel = []simulator.Judge{
	{ID: "j1", Token: "j1-token"},
	{ID: "j2", Token: "j2-token"},
	{ID: "j3", Token: "j3-token"},
}

func baseConfig(url string) *simulator.Config {
	return &simulator.Config{
		BaseURL:       url,
		AdminToken:    "admin-token",
		Judges:        panel,
		CompetitionID: "sim",
		CategoryID:    "freestyle",
		Teams:         4,
		Criteria:      []string{"execution", "artistry"},
		MaxScore:      100,
		Seed:          7,
		Timeout:       5 * time.Second,
	}
}

func TestParseJudges(t *testing.T) {
	Convey("Given a panel flag", t, func() {
		Convey("id:token pairs are parsed in order", func() {
			judges, err := simulator.ParseJudges("j1:a, j2:b,")
			So(err, ShouldBeNil)
			So(judges, ShouldResemble, []simulator.Judge{{ID: "j1", Token: "a"}, {ID: "j2", Token: "b"}})
		})

		Convey("Malformed pairs and empty panels are refused", func() {
			_, err := simulator.ParseJudges("j1")
			So(errors.Is(err, simulator.ErrInvalidConfig), ShouldBeTrue)
			_, err = simulator.ParseJudges(" , ")
			So(errors.Is(err, simulator.ErrInvalidConfig), ShouldBeTrue)
		})
	})
}

func TestPlan(t *testing.T) {
	Convey("Given a round configuration", t, func() {
		cfg := baseConfig("http://localhost")
		cfg.Spread = 5

		Convey("Every judge scores every team and criterion within bounds", func() {
			plan := simulator.Plan(cfg)
			So(plan, ShouldHaveLength, len(panel))
			for _, j := range panel {
				So(plan[j.ID], ShouldHaveLength, cfg.Teams*len(cfg.Criteria))
				for _, s := range plan[j.ID] {
					So(s.JudgeID, ShouldEqual, j.ID)
					So(s.Value, ShouldBeBetweenOrEqual, 0, cfg.MaxScore)
				}
			}
		})

		Convey("The same seed yields the same plan", func() {
			So(simulator.Plan(cfg), ShouldResemble, simulator.Plan(cfg))
			other := *cfg
			other.Seed = 8
			So(simulator.Plan(&other), ShouldNotResemble, simulator.Plan(cfg))
		})

		Convey("Judges stay within spread of each other without outliers", func() {
			plan := simulator.Plan(cfg)
			for i := range plan["j1"] {
				a, b := plan["j1"][i].Value, plan["j2"][i].Value
				So(a-b, ShouldBeBetweenOrEqual, -2*cfg.Spread-0.01, 2*cfg.Spread+0.01)
			}
		})

		Convey("A certain outlier puts one judge far from the rest", func() {
			cfg.Spread = 0
			cfg.OutlierRate = 1
			plan := simulator.Plan(cfg)
			for i := range plan["j1"] {
				vals := []float64{plan["j1"][i].Value, plan["j2"][i].Value, plan["j3"][i].Value}
				lo, hi := vals[0], vals[0]
				for _, v := range vals {
					lo, hi = min(lo, v), max(hi, v)
				}
				So(hi-lo, ShouldBeGreaterThanOrEqualTo, 29.9)
			}
		})
	})
}

func TestConfigValidate(t *testing.T) {
	Convey("Given round configurations", t, func() {
		Convey("A complete configuration is valid", func() {
			So(baseConfig("http://x").Validate(), ShouldBeNil)
		})

		Convey("Missing pieces are refused", func() {
			for _, mutate := range []func(*simulator.Config){
				func(c *simulator.Config) { c.BaseURL = "" },
				func(c *simulator.Config) { c.Judges = panel[:1] },
				func(c *simulator.Config) { c.Teams = 0 },
				func(c *simulator.Config) { c.Criteria = nil },
				func(c *simulator.Config) { c.MaxScore = 0 },
				func(c *simulator.Config) { c.OutlierRate = 2 },
			} {
				cfg := baseConfig("http://x")
				mutate(cfg)
				So(errors.Is(cfg.Validate(), simulator.ErrInvalidConfig), ShouldBeTrue)
			}
		})
	})
}

type server struct {
	svc *service.Service
	srv *httptest.Server
}

func newServer(ctx context.Context) *server {
	svc := service.New(service.WithVerifier(identity.NewStaticVerifier(map[string]model.Identity{
		"admin-token": {ID: "ops", Role: model.RoleAdmin},
		"j1-token":    {ID: "j1", Role: model.RoleJudge},
		"j2-token":    {ID: "j2", Role: model.RoleJudge},
		"j3-token":    {ID: "j3", Role: model.RoleJudge},
	})))
	hub := ws.NewHub(svc)
	svc.SetBroadcaster(hub)
	So(svc.Start(ctx), ShouldBeNil)
	apiServer := api.NewServer(svc, svc, api.WithWebSocket(hub))
	return &server{svc: svc, srv: httptest.NewServer(apiServer.Handler())}
}

func (s *server) close(ctx context.Context) {
	s.srv.Close()
	_ = s.svc.Stop(ctx)
}

func (s *server) standings(ctx context.Context, sessionID string, want int) []aggregation.Standing {
	deadline := time.Now().Add(3 * time.Second)
	for {
		out, err := s.svc.Standings(ctx, sessionID)
		So(err, ShouldBeNil)
		if len(out) == want || time.Now().After(deadline) {
			return out
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRun(t *testing.T) {
	Convey("Given a running server", t, func() {
		ctx := context.Background()
		s := newServer(ctx)
		defer s.close(ctx)

		Convey("An agreeing panel gets every score accepted and every team ranked", func() {
			cfg := baseConfig(s.srv.URL)
			stats, err := simulator.Run(ctx, cfg)
			So(err, ShouldBeNil)
			So(stats.ScoresPlanned, ShouldEqual, 3*4*2)
			So(stats.ScoresSent, ShouldEqual, stats.ScoresPlanned)
			So(stats.Accepted, ShouldEqual, stats.ScoresPlanned)
			So(stats.Conflicts, ShouldEqual, 0)
			So(stats.Rejected, ShouldEqual, 0)
			So(stats.Broadcasts, ShouldBeGreaterThan, 0)

			standings := s.standings(ctx, stats.SessionID, cfg.Teams)
			So(standings, ShouldHaveLength, cfg.Teams)
			So(standings[0].Rank, ShouldEqual, 1)
		})

		Convey("A panel with outliers raises conflicts that completion settles", func() {
			cfg := baseConfig(s.srv.URL)
			cfg.OutlierRate = 1
			cfg.Complete = true
			stats, err := simulator.Run(ctx, cfg)
			So(err, ShouldBeNil)
			So(stats.Conflicts, ShouldBeGreaterThan, 0)
			So(stats.Rejected, ShouldEqual, 0)

			conflicts, err := s.svc.ListConflicts(ctx, stats.SessionID, true)
			So(err, ShouldBeNil)
			So(conflicts, ShouldBeEmpty)
			sess, err := s.svc.GetSession(ctx, stats.SessionID)
			So(err, ShouldBeNil)
			So(sess.Status, ShouldEqual, model.SessionCompleted)
		})

		Convey("An unknown admin token stops the round before scoring", func() {
			cfg := baseConfig(s.srv.URL)
			cfg.AdminToken = "nope"
			_, err := simulator.Run(ctx, cfg)
			So(errors.Is(err, simulator.ErrUnexpectedStatus), ShouldBeTrue)
		})

		Convey("An invalid configuration is refused", func() {
			cfg := baseConfig(s.srv.URL)
			cfg.Teams = 0
			_, err := simulator.Run(ctx, cfg)
			So(errors.Is(err, simulator.ErrInvalidConfig), ShouldBeTrue)
		})
	})
}

package simulator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/types"
	"github.com/okian/tally/pkg/logger"
)

// PercentageMultiplier converts ratios to percentages.
const PercentageMultiplier = 100

// Run executes a complete scoring round: it opens a session, connects the
// panel, submits every planned score concurrently across judges and reads
// the standings back.
func Run(ctx context.Context, cfg *Config) (*Stats, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	stats := &Stats{StartTime: time.Now()}
	log := logger.Get().Named("simulator")

	log.Info(ctx, "starting scoring round",
		logger.String("baseURL", cfg.BaseURL),
		logger.Int("judges", len(cfg.Judges)),
		logger.Int("teams", cfg.Teams),
		logger.Strings("criteria", cfg.Criteria),
		logger.Float64("spread", cfg.Spread),
		logger.Float64("outlierRate", cfg.OutlierRate))

	admin := newHTTPClient(cfg.BaseURL, cfg.AdminToken, cfg.Timeout)

	// Step 1: Check service health
	if err := admin.Health(ctx); err != nil {
		return nil, fmt.Errorf("service health check failed: %w", err)
	}

	// Step 2: Open and activate the session
	sess, err := admin.OpenSession(ctx, types.SessionRequest{
		CompetitionID: cfg.CompetitionID,
		CategoryID:    cfg.CategoryID,
		HeadJudgeID:   cfg.Judges[0].ID,
	})
	if err != nil {
		return nil, fmt.Errorf("session setup failed: %w", err)
	}
	stats.SessionID = sess.ID

	// Step 3: Connect the panel
	judges := make([]*judgeClient, len(cfg.Judges))
	defer func() {
		for _, jc := range judges {
			if jc != nil {
				_ = jc.Close()
			}
		}
	}()
	for i, j := range cfg.Judges {
		jc, err := dialJudge(ctx, cfg, j, sess.ID)
		if err != nil {
			return nil, fmt.Errorf("connect failed: %w", err)
		}
		judges[i] = jc
	}

	// Step 4: Submit scores, one goroutine per judge
	plan := Plan(cfg)
	for _, scores := range plan {
		stats.ScoresPlanned += len(scores)
	}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, jc := range judges {
		g.Go(func() error {
			for _, s := range plan[jc.judge.ID] {
				r, err := jc.Submit(gctx, s)
				if err != nil {
					return err
				}
				mu.Lock()
				stats.record(r)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("score submission failed: %w", err)
	}

	// Step 5: Optionally close scoring, settling open conflicts
	if cfg.Complete {
		if _, err := admin.CompleteSession(ctx, sess.ID); err != nil {
			return nil, fmt.Errorf("session completion failed: %w", err)
		}
	}

	// Step 6: Read standings back
	standings, err := admin.Standings(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("standings retrieval failed: %w", err)
	}
	stats.StandingsTeams = len(standings)
	for _, st := range standings {
		log.Debug(ctx, "standing",
			logger.Int("rank", st.Rank),
			logger.String("team_id", st.TeamID),
			logger.Float64("total", st.Total),
			logger.Bool("tied", st.Tied))
	}

	for _, jc := range judges {
		stats.Broadcasts += int(jc.broadcasts.Load())
	}
	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	displayFinalStats(ctx, log, stats)
	return stats, nil
}

func (s *Stats) record(r reply) {
	s.ScoresSent++
	switch {
	case r.err != nil:
		s.Rejected++
	case r.ack.Duplicate:
		s.Duplicates++
	case r.ack.Status == model.StatusConflict:
		s.Conflicts++
	default:
		s.Accepted++
	}
}

// displayFinalStats logs the round statistics.
func displayFinalStats(ctx context.Context, log logger.Logger, stats *Stats) {
	var acceptRate, scoresPerSecond float64
	if stats.ScoresSent > 0 {
		acceptRate = float64(stats.Accepted) / float64(stats.ScoresSent) * PercentageMultiplier
	}
	if stats.Duration > 0 {
		scoresPerSecond = float64(stats.ScoresSent) / stats.Duration.Seconds()
	}

	log.Info(ctx, "final statistics",
		logger.String("sessionID", stats.SessionID),
		logger.Int("scoresPlanned", stats.ScoresPlanned),
		logger.Int("scoresSent", stats.ScoresSent),
		logger.Int("accepted", stats.Accepted),
		logger.Int("conflicts", stats.Conflicts),
		logger.Int("duplicates", stats.Duplicates),
		logger.Int("rejected", stats.Rejected),
		logger.Int("broadcasts", stats.Broadcasts),
		logger.Int("standingsTeams", stats.StandingsTeams),
		logger.Duration("duration", stats.Duration),
		logger.Float64("acceptRate", acceptRate),
		logger.Float64("scoresPerSecond", scoresPerSecond))
}

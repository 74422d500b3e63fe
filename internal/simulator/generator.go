package simulator

import (
	"math"
	"math/rand/v2"
	"strconv"
)

// Share of the scale kept clear of both ends for true team quality.
const qualityMargin = 0.1

// outlierShift is how far, as a share of the scale, an outlier lands from the truth.
const outlierShift = 0.3

// Score is one planned judge submission.
type Score struct {
	JudgeID     string
	TeamID      string
	CriterionID string
	Value       float64
}

// TeamID names the i-th simulated team.
func TeamID(i int) string { return "team-" + strconv.Itoa(i+1) }

// Plan draws every score of a round. Each team gets a true quality per
// criterion; judges land within Spread of it, and with OutlierRate one
// of them lands far off. The same seed always yields the same plan.
func Plan(cfg *Config) map[string][]Score {
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	out := make(map[string][]Score, len(cfg.Judges))
	for t := range cfg.Teams {
		team := TeamID(t)
		for _, criterion := range cfg.Criteria {
			truth := cfg.MaxScore * (qualityMargin + rng.Float64()*(1-2*qualityMargin))
			outlier := -1
			if rng.Float64() < cfg.OutlierRate {
				outlier = rng.IntN(len(cfg.Judges))
			}
			for j, judge := range cfg.Judges {
				v := truth + (rng.Float64()*2-1)*cfg.Spread
				if j == outlier {
					shift := cfg.MaxScore * outlierShift
					if truth+shift > cfg.MaxScore {
						shift = -shift
					}
					v = truth + shift
				}
				out[judge.ID] = append(out[judge.ID], Score{
					JudgeID:     judge.ID,
					TeamID:      team,
					CriterionID: criterion,
					Value:       round2(clamp(v, 0, cfg.MaxScore)),
				})
			}
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 { return math.Max(lo, math.Min(hi, v)) }

func round2(v float64) float64 { return math.Round(v*100) / 100 }

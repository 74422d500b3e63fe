package aggregation

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/okian/tally/internal/domain/model"
)

// TieBreak decides the order of teams with equal totals. It is always an
// explicit rule; no side wins a tie by default.
type TieBreak string

const (
	// TieBreakConfidence ranks the more confident aggregate first.
	TieBreakConfidence TieBreak = "confidence"
	// TieBreakVariance ranks the aggregate with less judge spread first.
	TieBreakVariance TieBreak = "variance"
	// TieBreakShared gives tied teams the same rank.
	TieBreakShared TieBreak = "shared"
)

// ParseTieBreak validates a configured rule.
func ParseTieBreak(s string) (TieBreak, error) {
	switch TieBreak(s) {
	case TieBreakConfidence, TieBreakVariance, TieBreakShared:
		return TieBreak(s), nil
	case "":
		return TieBreakShared, nil
	}
	return "", fmt.Errorf("unknown tie_break rule %q", s)
}

const totalEpsilon = 1e-9

// Standing is one scoreboard row.
type Standing struct {
	Rank           int     `json:"rank"`
	TeamID         string  `json:"team_id"`
	Total          float64 `json:"total"`
	Confidence     float64 `json:"confidence"`
	RequiresReview bool    `json:"requires_review"`
	Finalized      bool    `json:"finalized"`
	Tied           bool    `json:"tied"`
}

// Rollup sums the authoritative criterion aggregates of one team into the
// team total. Confidence is the weakest criterion's, review is required when
// any criterion needs it.
func Rollup(sessionID, teamID string, criteria []model.AggregatedScore, now time.Time) model.AggregatedScore {
	out := model.AggregatedScore{
		Key:        model.AggregateKey{SessionID: sessionID, TeamID: teamID},
		Method:     model.MethodCriterionSum,
		RawScores:  make(map[string]float64),
		Confidence: 100,
		Finalized:  len(criteria) > 0,
		UpdatedAt:  now,
	}
	outliers := make(map[string]bool)
	for _, c := range criteria {
		if c.Key.SessionID != sessionID || c.Key.TeamID != teamID || c.Key.IsTeamTotal() {
			continue
		}
		out.Total += c.Total
		out.Variance += c.Variance
		out.Confidence = math.Min(out.Confidence, c.Confidence)
		out.JudgeCount = max(out.JudgeCount, c.JudgeCount)
		out.Finalized = out.Finalized && c.Finalized
		for judge, v := range c.RawScores {
			out.RawScores[judge] += v
		}
		for _, j := range c.Outliers {
			outliers[j] = true
		}
		if c.RequiresReview && !out.RequiresReview {
			out.RequiresReview = true
			out.ReviewReason = c.Key.CriterionID + ": " + c.ReviewReason
		}
	}
	out.StdDev = math.Sqrt(out.Variance)
	for j := range outliers {
		out.Outliers = append(out.Outliers, j)
	}
	sort.Strings(out.Outliers)
	return out
}

// Standings ranks team totals, highest first, applying rule to ties.
func Standings(totals []model.AggregatedScore, rule TieBreak) []Standing {
	teams := make([]model.AggregatedScore, 0, len(totals))
	for _, t := range totals {
		if t.Key.IsTeamTotal() {
			teams = append(teams, t)
		}
	}
	sort.SliceStable(teams, func(i, j int) bool {
		a, b := teams[i], teams[j]
		if !equalTotals(a.Total, b.Total) {
			return a.Total > b.Total
		}
		switch rule {
		case TieBreakConfidence:
			if a.Confidence != b.Confidence {
				return a.Confidence > b.Confidence
			}
		case TieBreakVariance:
			if a.Variance != b.Variance {
				return a.Variance < b.Variance
			}
		}
		return a.Key.TeamID < b.Key.TeamID
	})

	out := make([]Standing, len(teams))
	for i, t := range teams {
		out[i] = Standing{
			Rank:           i + 1,
			TeamID:         t.Key.TeamID,
			Total:          t.Total,
			Confidence:     t.Confidence,
			RequiresReview: t.RequiresReview,
			Finalized:      t.Finalized,
		}
		if i == 0 {
			continue
		}
		prev := teams[i-1]
		if !equalTotals(prev.Total, t.Total) {
			continue
		}
		out[i].Tied, out[i-1].Tied = true, true
		if rule == TieBreakShared || !brokenBy(rule, prev, t) {
			out[i].Rank = out[i-1].Rank
		}
	}
	return out
}

func equalTotals(a, b float64) bool { return math.Abs(a-b) < totalEpsilon }

func brokenBy(rule TieBreak, a, b model.AggregatedScore) bool {
	switch rule {
	case TieBreakConfidence:
		return a.Confidence != b.Confidence
	case TieBreakVariance:
		return a.Variance != b.Variance
	}
	return false
}

package model

import "time"

// Method is the closed set of aggregation strategies.
type Method string

const (
	MethodAverage     Method = "average"
	MethodMedian      Method = "median"
	MethodTrimmedMean Method = "trimmed_mean"
	MethodConsensus   Method = "consensus"
	MethodWeighted    Method = "weighted"
	MethodOverride    Method = "override"
	// MethodCriterionSum marks a team total rolled up from criterion aggregates.
	MethodCriterionSum Method = "criterion_sum"
)

// AggregateKey scopes an aggregate. An empty CriterionID is the team total.
type AggregateKey struct {
	SessionID   string `json:"session_id"`
	TeamID      string `json:"team_id"`
	CriterionID string `json:"criterion_id,omitempty"`
}

// IsTeamTotal reports whether the key addresses the team total.
func (k AggregateKey) IsTeamTotal() bool { return k.CriterionID == "" }

// AggregateKeyOf converts a scoring key.
func AggregateKeyOf(k ScoreKey) AggregateKey {
	return AggregateKey{SessionID: k.SessionID, TeamID: k.TeamID, CriterionID: k.CriterionID}
}

// AggregatedScore is the single authoritative score for a scope. It is
// overwritten in place and versioned.
type AggregatedScore struct {
	Key              AggregateKey       `json:"key"`
	Method           Method             `json:"method"`
	JudgeCount       int                `json:"judge_count"`
	RawScores        map[string]float64 `json:"raw_scores"`
	Total            float64            `json:"total"`
	Variance         float64            `json:"variance"`
	StdDev           float64            `json:"std_dev"`
	Confidence       float64            `json:"confidence"`
	RequiresReview   bool               `json:"requires_review"`
	ReviewReason     string             `json:"review_reason,omitempty"`
	Outliers         []string           `json:"outliers,omitempty"`
	Consensus        bool               `json:"consensus"`
	ResolutionMethod ResolutionMethod   `json:"resolution_method,omitempty"`
	Finalized        bool               `json:"finalized"`
	Version          int64              `json:"version"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// Clone deep-copies the aggregate.
func (a AggregatedScore) Clone() AggregatedScore {
	out := a
	if a.RawScores != nil {
		out.RawScores = make(map[string]float64, len(a.RawScores))
		for k, v := range a.RawScores {
			out.RawScores[k] = v
		}
	}
	out.Outliers = append([]string(nil), a.Outliers...)
	return out
}

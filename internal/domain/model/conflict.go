package model

import (
	"time"

	"github.com/okian/tally/internal/domain/stats"
)

// Severity grades how far judges disagree relative to the category threshold.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ConflictStatus is the workflow state of a conflict.
type ConflictStatus string

const (
	ConflictOpen       ConflictStatus = "open"
	ConflictEscalated  ConflictStatus = "escalated"
	ConflictDiscussing ConflictStatus = "discussing"
	ConflictResolved   ConflictStatus = "resolved"
	ConflictIgnored    ConflictStatus = "ignored"
)

// Active reports whether the conflict still blocks aggregation for its key.
func (s ConflictStatus) Active() bool {
	return s == ConflictOpen || s == ConflictEscalated || s == ConflictDiscussing
}

// ResolutionMethod names how a conflict was settled.
type ResolutionMethod string

const (
	ResolveUseMedian         ResolutionMethod = "use_median"
	ResolveExcludeOutliers   ResolutionMethod = "exclude_outliers"
	ResolveHeadJudgeDecision ResolutionMethod = "head_judge_decision"
	ResolveDiscussion        ResolutionMethod = "judge_discussion_consensus"
	ResolveWeightedAverage   ResolutionMethod = "weighted_average"
	ResolveManualOverride    ResolutionMethod = "manual_override"
	ResolveAutoFallback      ResolutionMethod = "auto_fallback"
)

// Valid reports whether m is a known method.
func (m ResolutionMethod) Valid() bool {
	switch m {
	case ResolveUseMedian, ResolveExcludeOutliers, ResolveHeadJudgeDecision,
		ResolveDiscussion, ResolveWeightedAverage, ResolveManualOverride, ResolveAutoFallback:
		return true
	}
	return false
}

// RequiresValue reports whether the caller must supply the final value.
func (m ResolutionMethod) RequiresValue() bool {
	return m == ResolveHeadJudgeDecision || m == ResolveManualOverride
}

// Signal is one pairwise disagreement above threshold.
type Signal struct {
	JudgeID      string  `json:"judge_id"`
	Value        float64 `json:"value"`
	OtherJudgeID string  `json:"other_judge_id"`
	OtherValue   float64 `json:"other_value"`
	Deviation    float64 `json:"deviation"`
	Threshold    float64 `json:"threshold"`
}

// ConflictEntry is a contributing submission snapshot.
type ConflictEntry struct {
	JudgeID      string  `json:"judge_id"`
	SubmissionID string  `json:"submission_id"`
	Value        float64 `json:"value"`
}

// Escalation is a time-boxed handoff to the head judge.
type Escalation struct {
	ID          string    `json:"id"`
	HeadJudgeID string    `json:"head_judge_id"`
	Priority    string    `json:"priority"`
	RequestedBy string    `json:"requested_by"`
	CreatedAt   time.Time `json:"created_at"`
	Deadline    time.Time `json:"deadline"`
}

// Discussion is a time-boxed judge discussion.
type Discussion struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	StartedBy    string    `json:"started_by"`
	CreatedAt    time.Time `json:"created_at"`
	Deadline     time.Time `json:"deadline"`
}

// Resolution is the single audit record written when a conflict is settled.
type Resolution struct {
	Method     ResolutionMethod `json:"method"`
	ResolvedBy string           `json:"resolved_by"`
	FinalValue float64          `json:"final_value"`
	Reason     string           `json:"reason,omitempty"`
	ResolvedAt time.Time        `json:"resolved_at"`
}

// Conflict is a detected disagreement among current submissions for a key.
type Conflict struct {
	ID         string             `json:"id"`
	Key        ScoreKey           `json:"key"`
	Status     ConflictStatus     `json:"status"`
	Entries    []ConflictEntry    `json:"entries"`
	Signals    []Signal           `json:"signals"`
	Stats      stats.Summary      `json:"stats"`
	Severity   Severity           `json:"severity"`
	Suggested  []ResolutionMethod `json:"suggested_resolutions"`
	Escalation *Escalation        `json:"escalation,omitempty"`
	Discussion *Discussion        `json:"discussion,omitempty"`
	Resolution *Resolution        `json:"resolution,omitempty"`
	IgnoredBy  string             `json:"ignored_by,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// JudgeIDs lists the judges contributing to the conflict.
func (c Conflict) JudgeIDs() []string {
	ids := make([]string, 0, len(c.Entries))
	for _, e := range c.Entries {
		ids = append(ids, e.JudgeID)
	}
	return ids
}

// Clone deep-copies the conflict.
func (c Conflict) Clone() Conflict {
	out := c
	out.Entries = append([]ConflictEntry(nil), c.Entries...)
	out.Signals = append([]Signal(nil), c.Signals...)
	out.Suggested = append([]ResolutionMethod(nil), c.Suggested...)
	out.Stats.Outliers = append([]stats.Outlier(nil), c.Stats.Outliers...)
	if c.Escalation != nil {
		e := *c.Escalation
		out.Escalation = &e
	}
	if c.Discussion != nil {
		d := *c.Discussion
		d.Participants = append([]string(nil), c.Discussion.Participants...)
		out.Discussion = &d
	}
	if c.Resolution != nil {
		r := *c.Resolution
		out.Resolution = &r
	}
	return out
}

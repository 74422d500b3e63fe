// Package conflict detects disagreement between judges' current submissions
// for the same scoring key and shapes it into a Conflict record.
package conflict

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/stats"
)

// Severity bands, as multiples of the category threshold.
const (
	mediumRatio   = 1.5
	highRatio     = 2.0
	criticalRatio = 3.0
	// MinSubmissions is the fewest current submissions that can disagree.
	MinSubmissions = 2
)

// Deviation returns |incoming-reference|/reference, falling back to the
// absolute difference over the criterion range when the reference is zero.
func Deviation(incoming, reference, maxScore float64) float64 {
	diff := math.Abs(incoming - reference)
	if reference == 0 {
		if maxScore <= 0 {
			maxScore = model.DefaultMaxScore
		}
		return diff / maxScore
	}
	return diff / math.Abs(reference)
}

// Detect compares the incoming judge's current submission against every other
// judge's current submission for the key. A signal is raised when the
// deviation strictly exceeds the category threshold.
func Detect(key model.ScoreKey, incomingJudgeID string, current []model.Submission, rules model.CategoryRules) []model.Signal {
	rules = rules.Normalized()
	var incoming *model.Submission
	for i := range current {
		if current[i].JudgeID == incomingJudgeID && current[i].Key == key && current[i].Counts() {
			incoming = &current[i]
			break
		}
	}
	if incoming == nil {
		return nil
	}
	maxScore := rules.MaxFor(key.CriterionID)

	var signals []model.Signal
	for _, other := range current {
		if other.JudgeID == incomingJudgeID || other.Key != key || !other.Counts() {
			continue
		}
		dev := Deviation(incoming.Value, other.Value, maxScore)
		if dev > rules.Threshold {
			signals = append(signals, model.Signal{
				JudgeID:      incoming.JudgeID,
				Value:        incoming.Value,
				OtherJudgeID: other.JudgeID,
				OtherValue:   other.Value,
				Deviation:    dev,
				Threshold:    rules.Threshold,
			})
		}
	}
	return signals
}

// Agreeing reports whether every pair of counted submissions is within the
// threshold. Fewer than two submissions trivially agree.
func Agreeing(current []model.Submission, rules model.CategoryRules) bool {
	rules = rules.Normalized()
	counted := countable(current)
	for i := range counted {
		maxScore := rules.MaxFor(counted[i].Key.CriterionID)
		for j := range counted {
			if i == j {
				continue
			}
			if Deviation(counted[i].Value, counted[j].Value, maxScore) > rules.Threshold {
				return false
			}
		}
	}
	return true
}

// Build creates a Conflict for key, or refreshes existing when it is still
// active, so one key never carries two active conflicts.
func Build(existing *model.Conflict, key model.ScoreKey, current []model.Submission, signals []model.Signal, rules model.CategoryRules, now time.Time) model.Conflict {
	rules = rules.Normalized()
	var c model.Conflict
	if existing != nil && existing.Status.Active() {
		c = *existing
	} else {
		c = model.Conflict{
			ID:        uuid.NewString(),
			Key:       key,
			Status:    model.ConflictOpen,
			CreatedAt: now,
		}
	}

	counted := countable(current)
	values := make([]float64, len(counted))
	c.Entries = make([]model.ConflictEntry, len(counted))
	for i, s := range counted {
		values[i] = s.Value
		c.Entries[i] = model.ConflictEntry{JudgeID: s.JudgeID, SubmissionID: s.ID, Value: s.Value}
	}
	c.Signals = mergeSignals(c.Signals, signals, counted)
	c.Stats = stats.Describe(values)
	c.Severity = severity(c.Signals, rules.Threshold)
	c.Suggested = suggest(c.Severity, c.Stats)
	c.UpdatedAt = now
	return c
}

func countable(current []model.Submission) []model.Submission {
	out := make([]model.Submission, 0, len(current))
	for _, s := range current {
		if s.Counts() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JudgeID < out[j].JudgeID })
	return out
}

// mergeSignals keeps prior signals whose values are still current and adds new ones.
func mergeSignals(prior, fresh []model.Signal, current []model.Submission) []model.Signal {
	value := make(map[string]float64, len(current))
	for _, s := range current {
		value[s.JudgeID] = s.Value
	}
	type pair struct{ a, b string }
	seen := make(map[pair]bool)
	out := make([]model.Signal, 0, len(prior)+len(fresh))
	add := func(s model.Signal) {
		p := pair{s.JudgeID, s.OtherJudgeID}
		if p.a > p.b {
			p = pair{p.b, p.a}
		}
		if seen[p] {
			return
		}
		v, ok1 := value[s.JudgeID]
		o, ok2 := value[s.OtherJudgeID]
		if !ok1 || !ok2 || v != s.Value || o != s.OtherValue {
			return
		}
		seen[p] = true
		out = append(out, s)
	}
	for _, s := range fresh {
		add(s)
	}
	for _, s := range prior {
		add(s)
	}
	return out
}

func severity(signals []model.Signal, threshold float64) model.Severity {
	var maxDev float64
	for _, s := range signals {
		maxDev = math.Max(maxDev, s.Deviation)
	}
	ratio := maxDev / threshold
	switch {
	case ratio < mediumRatio:
		return model.SeverityLow
	case ratio < highRatio:
		return model.SeverityMedium
	case ratio < criticalRatio:
		return model.SeverityHigh
	default:
		return model.SeverityCritical
	}
}

func suggest(sev model.Severity, summary stats.Summary) []model.ResolutionMethod {
	out := []model.ResolutionMethod{model.ResolveUseMedian}
	if len(summary.Outliers) > 0 {
		out = append(out, model.ResolveExcludeOutliers)
	}
	out = append(out, model.ResolveWeightedAverage)
	switch sev {
	case model.SeverityLow, model.SeverityMedium:
		out = append(out, model.ResolveDiscussion)
	default:
		out = append(out, model.ResolveHeadJudgeDecision, model.ResolveDiscussion)
	}
	return out
}

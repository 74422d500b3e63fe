// Package aggregation turns N judge scores into one defensible score.
//
// Method selection is a pure decision over descriptive statistics; the set of
// strategies is closed (see model.Method).
package aggregation

import (
	"math"
	"sort"
	"time"

	"github.com/okian/tally/internal/domain/conflict"
	"github.com/okian/tally/internal/domain/model"
	"github.com/okian/tally/internal/domain/stats"
)

// Default engine parameters.
const (
	DefaultMinJudges        = 2
	DefaultTrimFraction     = 0.20
	DefaultCVThreshold      = 0.20
	DefaultReviewConfidence = 70.0
	// trimmedMeanMinSample is the smallest sample where non-extreme outliers
	// switch the method to a trimmed mean.
	trimmedMeanMinSample = 5
	smallSample          = 3
	maxCVPenalty         = 60.0
	cvPenaltyFactor      = 200.0
	extremePenalty       = 20.0
)

// Engine aggregates current submissions for a scope.
type Engine struct {
	minJudges        int
	trimFraction     float64
	cvThreshold      float64
	reviewConfidence float64
	now              func() time.Time
}

// Option applies a configuration option to the Engine.
type Option func(*Engine)

// WithMinJudges sets the minimum number of judges; values below 2 are ignored.
func WithMinJudges(n int) Option {
	return func(e *Engine) {
		if n >= DefaultMinJudges {
			e.minJudges = n
		}
	}
}

// WithTrimFraction sets the fraction trimmed from each tail.
func WithTrimFraction(f float64) Option {
	return func(e *Engine) {
		if f > 0 && f < 0.5 {
			e.trimFraction = f
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an Engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		minJudges:        DefaultMinJudges,
		trimFraction:     DefaultTrimFraction,
		cvThreshold:      DefaultCVThreshold,
		reviewConfidence: DefaultReviewConfidence,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MinJudges returns the configured minimum.
func (e *Engine) MinJudges() int { return e.minJudges }

// Decision is the outcome of method selection.
type Decision struct {
	Method    model.Method
	Consensus bool
}

// SelectMethod picks a strategy, first match wins:
//  1. any extreme outlier -> trimmed mean
//  2. coefficient of variation above threshold -> median
//  3. judges agree within the category threshold -> mean (consensus)
//  4. N <= 3 -> mean
//  5. N >= 5 with (non-extreme) outliers -> trimmed mean
//  6. otherwise -> mean
func SelectMethod(summary stats.Summary, consensus bool, cvThreshold float64) Decision {
	switch {
	case summary.HasExtreme():
		return Decision{Method: model.MethodTrimmedMean}
	case summary.CV > cvThreshold:
		return Decision{Method: model.MethodMedian}
	case consensus:
		return Decision{Method: model.MethodAverage, Consensus: true}
	case summary.N <= smallSample:
		return Decision{Method: model.MethodAverage}
	case summary.N >= trimmedMeanMinSample && len(summary.Outliers) > 0:
		return Decision{Method: model.MethodTrimmedMean}
	default:
		return Decision{Method: model.MethodAverage}
	}
}

// Confidence scores 0..100: penalties for dispersion and extreme outliers.
func Confidence(summary stats.Summary) float64 {
	c := 100 - math.Min(maxCVPenalty, summary.CV*cvPenaltyFactor) - extremePenalty*float64(summary.ExtremeCount())
	return math.Max(0, math.Min(100, c))
}

// Compute applies a method to values.
func (e *Engine) Compute(method model.Method, values []float64) float64 {
	switch method {
	case model.MethodMedian:
		return stats.Median(values)
	case model.MethodTrimmedMean:
		return stats.TrimmedMean(values, e.trimFraction)
	default:
		return stats.Mean(values)
	}
}

// Fallback is the method used when a human never settles a conflict:
// trimmed mean with enough judges, median otherwise.
func (e *Engine) Fallback(values []float64) (model.Method, float64) {
	if len(values) >= trimmedMeanMinSample {
		return model.MethodTrimmedMean, stats.TrimmedMean(values, e.trimFraction)
	}
	return model.MethodMedian, stats.Median(values)
}

// Aggregate computes the authoritative score for one criterion from the
// current submissions of its key. Fewer than the minimum judges yields
// *model.InsufficientDataError; there is no single-judge default.
func (e *Engine) Aggregate(key model.ScoreKey, current []model.Submission, rules model.CategoryRules) (model.AggregatedScore, error) {
	rules = rules.Normalized()
	aggKey := model.AggregateKeyOf(key)

	subs := make([]model.Submission, 0, len(current))
	for _, s := range current {
		if s.Counts() && s.Key == key {
			subs = append(subs, s)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].JudgeID < subs[j].JudgeID })
	if len(subs) < e.minJudges {
		return model.AggregatedScore{}, &model.InsufficientDataError{Key: aggKey, Have: len(subs), Need: e.minJudges}
	}

	values := make([]float64, len(subs))
	raw := make(map[string]float64, len(subs))
	for i, s := range subs {
		values[i] = s.Value
		raw[s.JudgeID] = s.Value
	}

	summary := stats.Describe(values)
	decision := SelectMethod(summary, conflict.Agreeing(subs, rules), e.cvThreshold)
	total := e.Compute(decision.Method, values)
	confidence := Confidence(summary)

	out := model.AggregatedScore{
		Key:        aggKey,
		Method:     decision.Method,
		JudgeCount: len(subs),
		RawScores:  raw,
		Total:      total,
		Variance:   summary.Variance,
		StdDev:     summary.StdDev,
		Confidence: confidence,
		Consensus:  decision.Consensus,
		UpdatedAt:  e.now(),
	}
	for _, o := range summary.Outliers {
		out.Outliers = append(out.Outliers, subs[o.Index].JudgeID)
	}
	out.RequiresReview, out.ReviewReason = e.review(summary, confidence, total, rules.MaxFor(key.CriterionID), rules.PlausibleMinRatio)
	return out, nil
}

func (e *Engine) review(summary stats.Summary, confidence, total, maxScore, minRatio float64) (bool, string) {
	switch {
	case summary.HasExtreme():
		return true, "extreme outlier"
	case confidence < e.reviewConfidence:
		return true, "low confidence"
	case total > maxScore || total < minRatio*maxScore:
		return true, "total outside plausible band"
	}
	return false, ""
}

// Resolved builds the finalized aggregate written by a conflict resolution.
func (e *Engine) Resolved(key model.ScoreKey, entries []model.ConflictEntry, method model.Method, res model.Resolution) model.AggregatedScore {
	values := make([]float64, len(entries))
	raw := make(map[string]float64, len(entries))
	for i, en := range entries {
		values[i] = en.Value
		raw[en.JudgeID] = en.Value
	}
	summary := stats.Describe(values)
	return model.AggregatedScore{
		Key:              model.AggregateKeyOf(key),
		Method:           method,
		JudgeCount:       len(entries),
		RawScores:        raw,
		Total:            res.FinalValue,
		Variance:         summary.Variance,
		StdDev:           summary.StdDev,
		Confidence:       Confidence(summary),
		ResolutionMethod: res.Method,
		Finalized:        true,
		UpdatedAt:        res.ResolvedAt,
	}
}

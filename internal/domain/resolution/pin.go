package resolution

import (
	"context"

	"github.com/okian/tally/internal/domain/model"
)

// Pin returns a copy of current where each resolved submission carries the
// final value of the latest resolution that covered it. The latest of those
// resolutions is returned too, or nil when nothing is pinned.
func Pin(current []model.Submission, conflicts []model.Conflict) ([]model.Submission, *model.Resolution) {
	by := make(map[string]*model.Resolution)
	for i := range conflicts {
		c := &conflicts[i]
		if c.Status != model.ConflictResolved || c.Resolution == nil {
			continue
		}
		for _, e := range c.Entries {
			if prev, ok := by[e.SubmissionID]; ok && !c.Resolution.ResolvedAt.After(prev.ResolvedAt) {
				continue
			}
			by[e.SubmissionID] = c.Resolution
		}
	}

	out := make([]model.Submission, len(current))
	var latest *model.Resolution
	for i, s := range current {
		out[i] = s
		if s.Status != model.StatusResolved || !s.Counts() {
			continue
		}
		res, ok := by[s.ID]
		if !ok {
			continue
		}
		out[i].Value = res.FinalValue
		if latest == nil || res.ResolvedAt.After(latest.ResolvedAt) {
			latest = res
		}
	}
	if latest == nil {
		return out, nil
	}
	res := *latest
	return out, &res
}

// Effective is Pin over the settled conflicts of key's session.
func (w *Workflow) Effective(ctx context.Context, key model.ScoreKey, current []model.Submission) ([]model.Submission, *model.Resolution, error) {
	resolved := false
	for _, s := range current {
		if s.Status == model.StatusResolved && s.Counts() {
			resolved = true
			break
		}
	}
	if !resolved {
		return current, nil, nil
	}
	conflicts, err := w.store.ListConflicts(ctx, key.SessionID)
	if err != nil {
		return nil, nil, err
	}
	keyed := conflicts[:0]
	for _, c := range conflicts {
		if c.Key == key {
			keyed = append(keyed, c)
		}
	}
	out, res := Pin(current, keyed)
	return out, res, nil
}

// Aggregate computes the criterion aggregate over the effective values of
// current. An aggregate that still rests on a resolution keeps it and stays
// finalized.
func (w *Workflow) Aggregate(ctx context.Context, key model.ScoreKey, current []model.Submission, rules model.CategoryRules) (model.AggregatedScore, error) {
	effective, res, err := w.Effective(ctx, key, current)
	if err != nil {
		return model.AggregatedScore{}, err
	}
	agg, err := w.engine.Aggregate(key, effective, rules)
	if err != nil {
		return model.AggregatedScore{}, err
	}
	if res != nil {
		agg.ResolutionMethod = res.Method
		agg.Finalized = true
	}
	return agg, nil
}

package aggregation

import (
	"math"

	"github.com/okian/tally/internal/domain/model"
)

const (
	minReliability = 0.25
	maxServiceYrs  = 10
	perYearBonus   = 0.05
)

var experienceFactor = map[model.ExperienceLevel]float64{
	model.ExperienceNovice:       0.8,
	model.ExperienceIntermediate: 1.0,
	model.ExperienceExpert:       1.2,
	model.ExperienceMaster:       1.4,
}

// Reliability weighs a judge by experience, calibration and tenure. Judges
// without a profile weigh 1.
func Reliability(p *model.JudgeProfile) float64 {
	if p == nil {
		return 1
	}
	exp, ok := experienceFactor[p.ExperienceLevel]
	if !ok {
		exp = 1
	}
	calibration := math.Max(0, math.Min(1, p.CalibrationScore))
	years := math.Min(float64(max(p.YearsOfService, 0)), maxServiceYrs)
	w := exp * (0.5 + 0.5*calibration) * (1 + perYearBonus*years)
	return math.Max(minReliability, w)
}

// WeightedTotal averages entries by judge reliability. lookup may return nil
// for unknown judges.
func WeightedTotal(entries []model.ConflictEntry, lookup func(judgeID string) *model.JudgeProfile) float64 {
	var sum, weights float64
	for _, e := range entries {
		var p *model.JudgeProfile
		if lookup != nil {
			p = lookup(e.JudgeID)
		}
		w := Reliability(p)
		sum += w * e.Value
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}

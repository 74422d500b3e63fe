package model

// Default rubric parameters.
const (
	DefaultThreshold      = 0.15
	DefaultMaxScore       = 100
	DefaultLevelTolerance = 0.5
)

// CriterionRules overrides category defaults for one criterion.
type CriterionRules struct {
	MaxScore float64 `json:"max_score" koanf:"max_score"`
	// Levels maps discrete rubric levels to their expected point value.
	Levels map[string]float64 `json:"levels,omitempty" koanf:"levels"`
}

// CategoryRules is the per-category configuration captured when a session
// starts and passed by value into the validator and detector.
type CategoryRules struct {
	// Threshold is the relative deviation (0.10 = 10%) above which two judges disagree.
	Threshold         float64                   `json:"threshold" koanf:"threshold"`
	MaxScore          float64                   `json:"max_score" koanf:"max_score"`
	LevelTolerance    float64                   `json:"level_tolerance" koanf:"level_tolerance"`
	PlausibleMinRatio float64                   `json:"plausible_min_ratio" koanf:"plausible_min_ratio"`
	Criteria          map[string]CriterionRules `json:"criteria,omitempty" koanf:"criteria"`
}

// DefaultRules returns rules used for categories with no configuration.
func DefaultRules() CategoryRules {
	return CategoryRules{
		Threshold:      DefaultThreshold,
		MaxScore:       DefaultMaxScore,
		LevelTolerance: DefaultLevelTolerance,
	}
}

// Normalized fills zero values with defaults.
func (r CategoryRules) Normalized() CategoryRules {
	if r.Threshold <= 0 {
		r.Threshold = DefaultThreshold
	}
	if r.MaxScore <= 0 {
		r.MaxScore = DefaultMaxScore
	}
	if r.LevelTolerance <= 0 {
		r.LevelTolerance = DefaultLevelTolerance
	}
	if r.PlausibleMinRatio < 0 {
		r.PlausibleMinRatio = 0
	}
	return r
}

// Clone deep-copies the rules so sessions never share mutable maps.
func (r CategoryRules) Clone() CategoryRules {
	out := r
	if r.Criteria != nil {
		out.Criteria = make(map[string]CriterionRules, len(r.Criteria))
		for id, c := range r.Criteria {
			cc := c
			if c.Levels != nil {
				cc.Levels = make(map[string]float64, len(c.Levels))
				for lvl, pts := range c.Levels {
					cc.Levels[lvl] = pts
				}
			}
			out.Criteria[id] = cc
		}
	}
	return out
}

// MaxFor returns the maximum score for a criterion.
func (r CategoryRules) MaxFor(criterionID string) float64 {
	if c, ok := r.Criteria[criterionID]; ok && c.MaxScore > 0 {
		return c.MaxScore
	}
	if r.MaxScore > 0 {
		return r.MaxScore
	}
	return DefaultMaxScore
}

// LevelsFor returns the discrete rubric for a criterion, if any.
func (r CategoryRules) LevelsFor(criterionID string) map[string]float64 {
	if c, ok := r.Criteria[criterionID]; ok {
		return c.Levels
	}
	return nil
}

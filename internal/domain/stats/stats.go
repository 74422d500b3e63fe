// Package stats is the statistics kernel used by conflict detection and
// aggregation. Every function is pure: no state, no I/O, inputs are never
// mutated.
package stats

import (
	"math"
	"sort"
)

const (
	// DefaultFenceK is the Tukey multiplier applied to the IQR.
	DefaultFenceK = 1.5
	// DefaultExtremeRatio is how far beyond a fence (relative to the fence
	// magnitude) a value must lie to count as an extreme outlier.
	DefaultExtremeRatio = 0.30
	// MinOutlierSample is the smallest sample on which IQR outliers are computed.
	MinOutlierSample = 3
)

// Summary holds descriptive statistics for a sample.
type Summary struct {
	N      int     `json:"n"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"std_dev"`
	// Variance is the population variance.
	Variance float64 `json:"variance"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Q1       float64 `json:"q1"`
	Q3       float64 `json:"q3"`
	IQR      float64 `json:"iqr"`
	Lower    float64 `json:"lower_fence"`
	Upper    float64 `json:"upper_fence"`
	CV       float64 `json:"coefficient_of_variation"`
	// Outliers are indices into the original sample.
	Outliers []Outlier `json:"outliers,omitempty"`
}

// Outlier describes a value outside the IQR fences.
type Outlier struct {
	Index   int     `json:"index"`
	Value   float64 `json:"value"`
	Beyond  float64 `json:"beyond"`
	Extreme bool    `json:"extreme"`
}

// HasExtreme reports whether any outlier is extreme.
func (s Summary) HasExtreme() bool {
	for _, o := range s.Outliers {
		if o.Extreme {
			return true
		}
	}
	return false
}

// ExtremeCount returns the number of extreme outliers.
func (s Summary) ExtremeCount() int {
	n := 0
	for _, o := range s.Outliers {
		if o.Extreme {
			n++
		}
	}
	return n
}

func sorted(values []float64) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	sort.Float64s(out)
	return out
}

// Mean returns the arithmetic mean, or 0 for an empty sample.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// Median returns the middle value (mean of the two middle values for even N).
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	s := sorted(values)
	mid := len(s) / 2
	if len(s)%2 == 0 {
		return (s[mid-1] + s[mid]) / 2
	}
	return s[mid]
}

// quantile uses linear interpolation between closest ranks on a sorted slice.
func quantile(s []float64, p float64) float64 {
	if len(s) == 0 {
		return 0
	}
	if len(s) == 1 {
		return s[0]
	}
	pos := p * float64(len(s)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return s[lo]
	}
	frac := pos - float64(lo)
	return s[lo] + frac*(s[hi]-s[lo])
}

// Quartiles returns Q1, median and Q3.
func Quartiles(values []float64) (q1, q2, q3 float64) {
	s := sorted(values)
	return quantile(s, 0.25), quantile(s, 0.5), quantile(s, 0.75)
}

// IQR returns the interquartile range.
func IQR(values []float64) float64 {
	q1, _, q3 := Quartiles(values)
	return q3 - q1
}

// Fences returns the Tukey fences for multiplier k.
func Fences(values []float64, k float64) (lower, upper float64) {
	q1, _, q3 := Quartiles(values)
	iqr := q3 - q1
	return q1 - k*iqr, q3 + k*iqr
}

// Outliers returns values outside the 1.5·IQR fences. Samples smaller than
// MinOutlierSample never have outliers.
func Outliers(values []float64) []Outlier {
	if len(values) < MinOutlierSample {
		return nil
	}
	lower, upper := Fences(values, DefaultFenceK)
	var out []Outlier
	for i, v := range values {
		var beyond, fence float64
		switch {
		case v < lower:
			beyond, fence = lower-v, lower
		case v > upper:
			beyond, fence = v-upper, upper
		default:
			continue
		}
		scale := math.Max(math.Abs(fence), 1)
		out = append(out, Outlier{
			Index:   i,
			Value:   v,
			Beyond:  beyond,
			Extreme: beyond/scale > DefaultExtremeRatio,
		})
	}
	return out
}

// Variance returns the population variance.
func Variance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := Mean(values)
	var acc float64
	for _, v := range values {
		d := v - m
		acc += d * d
	}
	return acc / float64(len(values))
}

// StdDev returns the population standard deviation.
func StdDev(values []float64) float64 {
	return math.Sqrt(Variance(values))
}

// CoefficientOfVariation returns stddev/|mean|; 0 when the mean is 0.
func CoefficientOfVariation(values []float64) float64 {
	m := Mean(values)
	if m == 0 {
		return 0
	}
	return StdDev(values) / math.Abs(m)
}

// TrimmedMean drops floor(n·fraction) values from each tail and averages the
// rest. fraction is clamped to [0, 0.5); if trimming would remove everything
// the median is returned.
func TrimmedMean(values []float64, fraction float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction >= 0.5 {
		return Median(values)
	}
	s := sorted(values)
	k := int(math.Floor(float64(len(s)) * fraction))
	if 2*k >= len(s) {
		return Median(values)
	}
	return Mean(s[k : len(s)-k])
}

// WeightedMean returns Σ(v·w)/Σw. Non-positive weights are ignored; if no
// positive weight remains the plain mean is returned.
func WeightedMean(values, weights []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var num, den float64
	for i, v := range values {
		if i >= len(weights) || weights[i] <= 0 {
			continue
		}
		num += v * weights[i]
		den += weights[i]
	}
	if den == 0 {
		return Mean(values)
	}
	return num / den
}

// Describe computes a full Summary in one pass over a sorted copy.
func Describe(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	s := sorted(values)
	q1, q2, q3 := quantile(s, 0.25), quantile(s, 0.5), quantile(s, 0.75)
	iqr := q3 - q1
	return Summary{
		N:        len(values),
		Mean:     Mean(values),
		Median:   q2,
		StdDev:   StdDev(values),
		Variance: Variance(values),
		Min:      s[0],
		Max:      s[len(s)-1],
		Q1:       q1,
		Q3:       q3,
		IQR:      iqr,
		Lower:    q1 - DefaultFenceK*iqr,
		Upper:    q3 + DefaultFenceK*iqr,
		CV:       CoefficientOfVariation(values),
		Outliers: Outliers(values),
	}
}

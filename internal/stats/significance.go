package stats

import (
	"math"

	"github.com/headline-goat/creative-goat/internal/store"
)

// Result is the statistical read of one test's variants.
type Result struct {
	Variants        []VariantResult `json:"variants"`
	Confident       bool            `json:"confident"`        // >= 95% confidence
	ConfidenceLevel float64         `json:"confidence_level"` // 0-1, leader over runner-up
	LeadingVariant  int             `json:"leading_variant"`  // index into Variants, -1 when nothing was scored
	RunnerUp        int             `json:"runner_up"`        // -1 when fewer than two variants were scored
}

// VariantResult holds the interaction rate of one variant: interactions
// (likes, comments, shares) over reach.
type VariantResult struct {
	Index        int     `json:"index"`
	ID           string  `json:"id"`
	PublishedRef string  `json:"published_ref,omitempty"`
	Score        float64 `json:"score"`
	Scored       bool    `json:"scored"`
	Reach        int64   `json:"reach"`
	Interactions int64   `json:"interactions"`
	Rate         float64 `json:"rate"`
	CILower      float64 `json:"ci_lower"`
	CIUpper      float64 `json:"ci_upper"`
}

// SignificanceTest performs a two-proportion z-test.
// Returns confidence level (0-1) that variant A beats variant B.
func SignificanceTest(aConv, aViews, bConv, bViews int64) float64 {
	if aViews == 0 || bViews == 0 {
		return 0.5 // Need data from both variants
	}

	pA := float64(aConv) / float64(aViews)
	pB := float64(bConv) / float64(bViews)

	// Pooled proportion under null hypothesis (pA = pB)
	pooledP := float64(aConv+bConv) / float64(aViews+bViews)

	se := math.Sqrt(pooledP * (1 - pooledP) * (1/float64(aViews) + 1/float64(bViews)))
	if se == 0 {
		if pA > pB {
			return 1.0
		} else if pA < pB {
			return 0.0
		}
		return 0.5
	}

	return normalCDF((pA - pB) / se)
}

// normalCDF approximates the cumulative distribution function
// of the standard normal distribution
func normalCDF(x float64) float64 {
	// Abramowitz and Stegun, formula 7.1.26
	a1 := 0.254829592
	a2 := -0.284496736
	a3 := 1.421413741
	a4 := -1.453152027
	a5 := 1.061405429
	p := 0.3275911

	sign := 1.0
	if x < 0 {
		sign = -1.0
	}
	x = math.Abs(x) / math.Sqrt(2)

	t := 1.0 / (1.0 + p*x)
	y := 1.0 - (((((a5*t+a4)*t)+a3)*t+a2)*t+a1)*t*math.Exp(-x*x)

	return 0.5 * (1.0 + sign*y)
}

// Analyze ranks variants by engagement score and measures how sure we can be
// that the leader's interaction rate beats the runner-up's. Interactions are
// capped at reach: one person can like, comment and share.
func Analyze(variants []*store.Variant) *Result {
	res := &Result{
		Variants:       make([]VariantResult, len(variants)),
		LeadingVariant: -1,
		RunnerUp:       -1,
	}

	for i, v := range variants {
		vr := VariantResult{Index: i, ID: v.ID, PublishedRef: v.PublishedRef}
		if m := v.Metrics; m != nil {
			vr.Scored = true
			vr.Score = m.EngagementScore
			vr.Reach = m.Reach
			vr.Interactions = min(m.Interactions(), m.Reach)
			if vr.Reach > 0 {
				vr.Rate = float64(vr.Interactions) / float64(vr.Reach)
			}
			vr.CILower, vr.CIUpper = WilsonInterval(vr.Interactions, vr.Reach, 0.95)
		}
		res.Variants[i] = vr

		if !vr.Scored {
			continue
		}
		switch {
		case res.LeadingVariant < 0 || vr.Score > res.Variants[res.LeadingVariant].Score:
			res.RunnerUp = res.LeadingVariant
			res.LeadingVariant = i
		case res.RunnerUp < 0 || vr.Score > res.Variants[res.RunnerUp].Score:
			res.RunnerUp = i
		}
	}

	if res.LeadingVariant >= 0 && res.RunnerUp >= 0 {
		lead, runner := res.Variants[res.LeadingVariant], res.Variants[res.RunnerUp]
		res.ConfidenceLevel = SignificanceTest(lead.Interactions, lead.Reach, runner.Interactions, runner.Reach)
		res.Confident = res.ConfidenceLevel >= 0.95
	}
	return res
}

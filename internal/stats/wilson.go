package stats

import "math"

// WilsonInterval returns the Wilson score interval of successes/trials.
// Unlike the normal approximation it stays inside [0, 1] and behaves for the
// small reach of a freshly published post.
func WilsonInterval(successes, trials int64, confidence float64) (lower, upper float64) {
	if trials <= 0 {
		return 0, 0
	}

	z := ZScore(confidence)
	n := float64(trials)
	p := float64(successes) / n
	z2n := z * z / n

	center := (p + z2n/2) / (1 + z2n)
	spread := z / (1 + z2n) * math.Sqrt(p*(1-p)/n+z2n/(4*n))

	return max(center-spread, 0), min(center+spread, 1)
}

// Two-sided critical values for the usual confidence levels, highest first.
var criticalValues = []struct {
	confidence, z float64
}{
	{0.99, 2.576},
	{0.95, 1.96},
	{0.90, 1.645},
	{0.85, 1.44},
	{0.80, 1.28},
}

// ZScore returns the two-sided critical value for a confidence level:
// 0.95 gives 1.96. Levels below 0.80 are computed.
func ZScore(confidence float64) float64 {
	for _, cv := range criticalValues {
		if confidence >= cv.confidence {
			return cv.z
		}
	}
	return inverseNormalCDF((1 + confidence) / 2)
}

// Acklam's rational approximation of the standard normal quantile.
var (
	acklamA = []float64{-3.969683028665376e+01, 2.209460984245205e+02, -2.759285104469687e+02, 1.383577518672690e+02, -3.066479806614716e+01, 2.506628277459239e+00}
	acklamB = []float64{-5.447609879822406e+01, 1.615858368580409e+02, -1.556989798598866e+02, 6.680131188771972e+01, -1.328068155288572e+01, 1}
	acklamC = []float64{-7.784894002430293e-03, -3.223964580411365e-01, -2.400758277161838e+00, -2.549732539343734e+00, 4.374664141464968e+00, 2.938163982698783e+00}
	acklamD = []float64{7.784695709041462e-03, 3.224671290700398e-01, 2.445134137142996e+00, 3.754408661907416e+00, 1}
)

const acklamLow = 0.02425

func inverseNormalCDF(p float64) float64 {
	switch {
	case p < acklamLow:
		q := math.Sqrt(-2 * math.Log(p))
		return horner(acklamC, q) / horner(acklamD, q)
	case p > 1-acklamLow:
		q := math.Sqrt(-2 * math.Log(1-p))
		return -horner(acklamC, q) / horner(acklamD, q)
	default:
		q := p - 0.5
		r := q * q
		return q * horner(acklamA, r) / horner(acklamB, r)
	}
}

// horner evaluates the polynomial with coefficients from the highest degree down.
func horner(coeffs []float64, x float64) float64 {
	var sum float64
	for _, c := range coeffs {
		sum = sum*x + c
	}
	return sum
}

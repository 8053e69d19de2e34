package risk

import (
	"math"
	"sort"
)

// Correlation computes the Pearson correlation of two daily-return series
// keyed by day (YYYY-MM-DD), using only the overlapping days.
//
// Missing-data policy: if the overlap has fewer than minObs points the result
// is not meaningful — (0, false) is returned and the caller logs and treats
// the pair as uncorrelated rather than blocking the trade on noise.
func Correlation(a, b map[string]float64, minObs int) (float64, bool) {
	if minObs <= 0 {
		minObs = 2
	}
	var days []string
	for day := range a {
		if _, ok := b[day]; ok {
			days = append(days, day)
		}
	}
	if len(days) < minObs {
		return 0, false
	}
	sort.Strings(days)

	n := float64(len(days))
	var sumA, sumB float64
	for _, day := range days {
		sumA += a[day]
		sumB += b[day]
	}
	meanA, meanB := sumA/n, sumB/n

	var cov, varA, varB float64
	for _, day := range days {
		da, db := a[day]-meanA, b[day]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0, false
	}
	return cov / math.Sqrt(varA*varB), true
}

// Volatility 计算日收益率序列的标准差（反波动率定仓用）
func Volatility(returns map[string]float64) (float64, bool) {
	if len(returns) < 2 {
		return 0, false
	}
	n := float64(len(returns))
	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / n
	var ss float64
	for _, r := range returns {
		d := r - mean
		ss += d * d
	}
	v := math.Sqrt(ss / (n - 1))
	if v == 0 {
		return 0, false
	}
	return v, true
}

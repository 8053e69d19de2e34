package risk

import (
	"math"

	"github.com/quantbot/goquant/internal/store"
)

const tradingDaysPerYear = 252

// Sharpe computes the annualized sharpe ratio over a strategy equity
// series. Daily returns are derived from consecutive equity points, so
// at least three points are needed for a defined standard deviation.
// Returns false when the series is too short or flat.
func Sharpe(history []store.EquityPoint) (float64, bool) {
	if len(history) < 3 {
		return 0, false
	}

	returns := make([]float64, 0, len(history)-1)
	for i := 1; i < len(history); i++ {
		prev := history[i-1].Equity
		if prev <= 0 {
			continue
		}
		returns = append(returns, history[i].Equity/prev-1)
	}
	if len(returns) < 2 {
		return 0, false
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var ss float64
	for _, r := range returns {
		d := r - mean
		ss += d * d
	}
	std := math.Sqrt(ss / float64(len(returns)-1))
	if std == 0 {
		return 0, false
	}

	return mean / std * math.Sqrt(tradingDaysPerYear), true
}

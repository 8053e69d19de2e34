package risk

import (
	"github.com/quantbot/goquant/internal/store"
)

// MaxDrawdown computes the rolling peak-to-trough drawdown over the given
// equity series (ascending by day), as a fraction of the running peak.
//
// Missing-data policy: fewer than 2 points yields (0, false) — the caller
// decides whether to treat "no history" as safe (fresh account) or to refuse.
func MaxDrawdown(history []store.EquityPoint) (float64, bool) {
	if len(history) < 2 {
		return 0, false
	}
	peak := history[0].Equity
	maxDD := 0.0
	for _, p := range history[1:] {
		if p.Equity > peak {
			peak = p.Equity
			continue
		}
		if peak > 0 {
			dd := (peak - p.Equity) / peak
			if dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD, true
}

// CurrentDrawdown returns the distance of the latest equity point from the
// running peak (not the worst historical trough). Used by the allocator's
// raw-weight formula.
func CurrentDrawdown(history []store.EquityPoint) (float64, bool) {
	if len(history) == 0 {
		return 0, false
	}
	peak := history[0].Equity
	for _, p := range history {
		if p.Equity > peak {
			peak = p.Equity
		}
	}
	last := history[len(history)-1].Equity
	if peak <= 0 {
		return 0, false
	}
	dd := (peak - last) / peak
	if dd < 0 {
		dd = 0
	}
	return dd, true
}

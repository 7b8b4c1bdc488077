package intake

import "math"

// ComputeProgress derives the live completion snapshot from the catalog
// total and the accepted count. It is a pure function so the snapshot can
// never drift from its inputs. An empty catalog counts as complete.
func ComputeProgress(accepted, total int) Progress {
	if total <= 0 {
		return Progress{Accepted: accepted, Total: 0, Percent: 100}
	}
	pct := int(math.Round(100 * float64(accepted) / float64(total)))
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return Progress{Accepted: accepted, Total: total, Percent: pct}
}

package review

// Synthesis aggregates the filtered finding set into summary statistics.
// The numeric fields are deterministic arithmetic over the inputs; only
// Summary may be model-generated.
type Synthesis struct {
	TotalRaw              int     `json:"total_raw"`
	TotalReachable        int     `json:"total_reachable"`
	NoiseReductionPercent float64 `json:"noise_reduction_percent"`
	Summary               string  `json:"summary,omitempty"`
}

// Synthesize computes synthesis statistics from the raw finding count and
// the filtered finding set. The noise reduction percentage is
// (raw - reachable) / raw * 100, defined as 0 when raw is 0.
func Synthesize(totalRaw int, findings []Finding) Synthesis {
	reachable := ReachableCount(findings)
	var pct float64
	if totalRaw > 0 {
		pct = float64(totalRaw-reachable) / float64(totalRaw) * 100
	}
	return Synthesis{
		TotalRaw:              totalRaw,
		TotalReachable:        reachable,
		NoiseReductionPercent: pct,
	}
}

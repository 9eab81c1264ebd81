package usage

import "math"

// USDToMicroUSD converts a USD amount to whole micro-dollars.
func USDToMicroUSD(v float64) int64 {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return int64(math.Round(v * 1_000_000))
}

// MicroUSDToUSD converts micro-dollars back to USD.
func MicroUSDToUSD(v int64) float64 {
	if v == 0 {
		return 0
	}
	return float64(v) / 1_000_000
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

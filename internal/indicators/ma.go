package indicators

import "math"

// SMA calculates the simple moving average for the last period values.
func SMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period)
}

// StdDev is the population standard deviation of the last period values.
func StdDev(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	mean := SMA(values, period)
	variance := 0.0
	for i := len(values) - period; i < len(values); i++ {
		diff := values[i] - mean
		variance += diff * diff
	}
	return math.Sqrt(variance / float64(period))
}

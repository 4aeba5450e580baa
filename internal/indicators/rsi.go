package indicators

// RSI is Wilder's relative strength index over values. The first period
// changes seed the average gain and loss; later changes are smoothed in.
// It returns 0 when there are fewer than period+1 values and 50 for a flat series.
func RSI(values []float64, period int) float64 {
	if period <= 0 || len(values) < period+1 {
		return 0
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		g, l := split(values[i] - values[i-1])
		avgGain += g
		avgLoss += l
	}
	p := float64(period)
	avgGain /= p
	avgLoss /= p

	for i := period + 1; i < len(values); i++ {
		g, l := split(values[i] - values[i-1])
		avgGain = (avgGain*(p-1) + g) / p
		avgLoss = (avgLoss*(p-1) + l) / p
	}

	switch {
	case avgGain == 0 && avgLoss == 0:
		return 50
	case avgLoss == 0:
		return 100
	}
	return 100 - 100/(1+avgGain/avgLoss)
}

func split(change float64) (gain, loss float64) {
	if change > 0 {
		return change, 0
	}
	return 0, -change
}

package indicators

const (
	DefaultRSIPeriod = 14

	// NeutralRSI is returned when there is not enough history or the
	// window has no price movement at all.
	NeutralRSI = 50.0
)

// RSI computes the relative strength index of the most recent period
// deltas using simple averages of gains and losses. The result is in
// [0, 100].
//
// A window with gains but no losses saturates at 100. A window with
// neither gains nor losses returns NeutralRSI, as does a series shorter
// than period+1 closes.
func RSI(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period+1 {
		return NeutralRSI
	}

	gains := make([]float64, 0, period)
	losses := make([]float64, 0, period)
	for i := len(closes) - period; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		switch {
		case delta > 0:
			gains = append(gains, delta)
			losses = append(losses, 0)
		case delta < 0:
			gains = append(gains, 0)
			losses = append(losses, -delta)
		default:
			gains = append(gains, 0)
			losses = append(losses, 0)
		}
	}

	avgGain, _ := SMA(gains, period)
	avgLoss, _ := SMA(losses, period)

	if avgLoss == 0 {
		if avgGain == 0 {
			return NeutralRSI
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

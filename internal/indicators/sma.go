package indicators

import "errors"

var (
	ErrWindow       = errors.New("window must be positive")
	ErrInsufficient = errors.New("not enough data for SMA")
)

// SMA returns the simple moving average of the last window values.
func SMA(values []float64, window int) (float64, error) {
	if window <= 0 {
		return 0, ErrWindow
	}
	if len(values) < window {
		return 0, ErrInsufficient
	}
	start := len(values) - window
	sum := 0.0
	for _, v := range values[start:] {
		sum += v
	}
	return sum / float64(window), nil
}

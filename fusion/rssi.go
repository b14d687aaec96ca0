package fusion

import (
	"fmt"
	"math"
)

// PathLoss converts between RSSI and range with the log-distance model.
type PathLoss struct {
	RSSIAt1m float64
	Exponent float64
}

func DefaultPathLossModel() PathLoss {
	return PathLoss{RSSIAt1m: DefaultRSSIAt1m, Exponent: DefaultPathLoss}
}

// Distance returns 10^((A - rssi) / (10 n)). The result is never clamped.
func (p PathLoss) Distance(rssi float64) float64 {
	return math.Pow(10, (p.RSSIAt1m-rssi)/(10*p.Exponent))
}

// RSSI is the inverse of Distance for dist > 0.
func (p PathLoss) RSSI(dist float64) float64 {
	return p.RSSIAt1m - 10*p.Exponent*math.Log10(dist)
}

func (p PathLoss) Validate() error {
	if math.IsNaN(p.RSSIAt1m) || math.IsInf(p.RSSIAt1m, 0) {
		return fmt.Errorf("%w: rssiAt1m must be finite, got %v", ErrInvalidParams, p.RSSIAt1m)
	}
	if !(p.Exponent > 0) || math.IsInf(p.Exponent, 0) {
		return fmt.Errorf("%w: pathLoss must be positive, got %v", ErrInvalidParams, p.Exponent)
	}
	return nil
}

package signals

import (
	"github.com/cinar/indicator"
)

const (
	rsiPeriod      = 14
	momentumWindow = rsiPeriod + 1
	emaFastPeriod  = 5
	emaSlowPeriod  = 10
)

// computeMomentum derives an RSI reading and an EMA trend tag from recent
// closes, oldest first. Both come back nil when history is too short.
func computeMomentum(closes []float64) (*float64, *string) {
	if len(closes) < momentumWindow {
		return nil, nil
	}

	_, rsi := indicator.Rsi(closes)
	if len(rsi) == 0 {
		return nil, nil
	}
	momentum := rsi[len(rsi)-1]

	fast := indicator.Ema(emaFastPeriod, closes)
	slow := indicator.Ema(emaSlowPeriod, closes)
	last := closes[len(closes)-1]

	trend := "sideways"
	switch {
	case last > fast[len(fast)-1] && fast[len(fast)-1] > slow[len(slow)-1]:
		trend = "uptrend"
	case last < fast[len(fast)-1] && fast[len(fast)-1] < slow[len(slow)-1]:
		trend = "downtrend"
	}

	return &momentum, &trend
}

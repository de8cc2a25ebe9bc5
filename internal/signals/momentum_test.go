package signals

import (
	"testing"
)

// TestComputeMomentum verifies RSI and trend tagging over synthetic close
// histories.
func TestComputeMomentum(t *testing.T) {
	ascending := make([]float64, momentumWindow)
	descending := make([]float64, momentumWindow)
	flat := make([]float64, momentumWindow)
	for i := range ascending {
		ascending[i] = 100 + float64(i)
		descending[i] = 100 - float64(i)
		flat[i] = 100
	}

	testCases := []struct {
		name          string
		closes        []float64
		expectNil     bool
		expectedTrend string
		minMomentum   float64
		maxMomentum   float64
	}{
		{name: "empty history", closes: nil, expectNil: true},
		{name: "short history", closes: ascending[:momentumWindow-1], expectNil: true},
		{name: "rising closes", closes: ascending, expectedTrend: "uptrend", minMomentum: 70, maxMomentum: 100},
		{name: "falling closes", closes: descending, expectedTrend: "downtrend", minMomentum: 0, maxMomentum: 30},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			momentum, trend := computeMomentum(tc.closes)

			if tc.expectNil {
				if momentum != nil || trend != nil {
					t.Errorf("expected nil enrichment, got momentum=%v trend=%v", momentum, trend)
				}
				return
			}

			if trend == nil || *trend != tc.expectedTrend {
				t.Errorf("trend mismatch. Expected: %s, Got: %v", tc.expectedTrend, trend)
			}
			if momentum == nil {
				t.Fatal("momentum should not be nil")
			}
			if *momentum < tc.minMomentum || *momentum > tc.maxMomentum {
				t.Errorf("momentum out of range. Expected: [%v, %v], Got: %v", tc.minMomentum, tc.maxMomentum, *momentum)
			}
		})
	}
}

// TestComputeMomentumFlat verifies a flat series tags sideways.
func TestComputeMomentumFlat(t *testing.T) {
	flat := make([]float64, momentumWindow)
	for i := range flat {
		flat[i] = 100
	}

	_, trend := computeMomentum(flat)
	if trend == nil || *trend != "sideways" {
		t.Errorf("trend mismatch. Expected: sideways, Got: %v", trend)
	}
}

// TestUsdQuoted verifies the stable-quote detection behind price_usd.
func TestUsdQuoted(t *testing.T) {
	testCases := []struct {
		pair     string
		expected bool
	}{
		{pair: "BNB/USDT", expected: true},
		{pair: "CAKE/USDC", expected: true},
		{pair: "ETH/USD", expected: true},
		{pair: "CAKE/BNB", expected: false},
		{pair: "BNBUSDT", expected: false},
	}

	for _, tc := range testCases {
		if got := usdQuoted(tc.pair); got != tc.expected {
			t.Errorf("usdQuoted(%s) mismatch. Expected: %v, Got: %v", tc.pair, tc.expected, got)
		}
	}
}

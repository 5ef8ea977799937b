package features

import (
	"math"
	"testing"

	"autonomous-trader/internal/types"
)

func makeWindow(n int, step float64) []types.Candle {
	w := make([]types.Candle, n)
	price := 100.0
	for i := 0; i < n; i++ {
		price += step
		w[i] = types.Candle{
			Symbol: "BTCUSDT",
			Ts:     int64((i + 1) * 60),
			Open:   price - step,
			High:   price + 0.5,
			Low:    price - 0.5,
			Close:  price,
			Vol:    10,
		}
	}
	return w
}

func TestComputeRejectsShortWindow(t *testing.T) {
	p := NewProvider(DefaultConfig())
	_, err := p.Compute(makeWindow(5, 1))
	if err != ErrInsufficientData {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestComputeUptrend(t *testing.T) {
	p := NewProvider(DefaultConfig())
	snap, err := p.Compute(makeWindow(60, 1))
	if err != nil {
		t.Fatal(err)
	}

	if snap.Symbol != "BTCUSDT" {
		t.Errorf("symbol: got %s", snap.Symbol)
	}
	if snap.WindowSize != 60 {
		t.Errorf("window size: got %d", snap.WindowSize)
	}
	if snap.WindowStart != 60 || snap.WindowEnd != 3600 {
		t.Errorf("window span: got [%d, %d]", snap.WindowStart, snap.WindowEnd)
	}

	// Monotonic rise: RSI pinned, fast SMA above slow, trend up.
	if snap.Indicators.RSI != 100 {
		t.Errorf("RSI on pure uptrend: got %f", snap.Indicators.RSI)
	}
	if snap.Indicators.SMA[20] <= snap.Indicators.SMA[50] {
		t.Errorf("fast SMA should lead slow: %f vs %f", snap.Indicators.SMA[20], snap.Indicators.SMA[50])
	}
	if snap.Signals.Trend != "UP" {
		t.Errorf("trend: got %s", snap.Signals.Trend)
	}
	if snap.Signals.Momentum != "OVERBOUGHT" {
		t.Errorf("momentum: got %s", snap.Signals.Momentum)
	}
}

func TestComputeDoesNotMutateInput(t *testing.T) {
	p := NewProvider(DefaultConfig())
	w := makeWindow(30, 1)
	before := w[10]
	if _, err := p.Compute(w); err != nil {
		t.Fatal(err)
	}
	if w[10] != before {
		t.Error("input window was mutated")
	}
}

func TestShortWindowNaNsDoNotFail(t *testing.T) {
	p := NewProvider(DefaultConfig())
	snap, err := p.Compute(makeWindow(20, 1))
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsNaN(snap.Indicators.SMA[200]) {
		t.Errorf("SMA(200) on 20 bars should be NaN, got %f", snap.Indicators.SMA[200])
	}
	if snap.Signals.Trend != "UNKNOWN" {
		t.Errorf("trend without SMA(50) should be UNKNOWN, got %s", snap.Signals.Trend)
	}
}

package rule

import (
	"context"
	"math"
	"testing"

	"autonomous-trader/internal/store"
	"autonomous-trader/internal/types"
)

func testBackend() *Backend {
	cfg := &store.Config{}
	cfg.Rule.RSIOversold = 30
	cfg.Rule.RSIOverbought = 70
	cfg.Rule.FastSMA = 20
	cfg.Rule.SlowSMA = 50
	return New(cfg)
}

func snapshot(rsi, fast, slow float64) types.FeatureSnapshot {
	return types.FeatureSnapshot{
		Symbol: "BTCUSDT",
		Close:  100,
		Indicators: types.Indicators{
			RSI: rsi,
			SMA: map[int]float64{20: fast, 50: slow},
		},
	}
}

func TestOversoldBuys(t *testing.T) {
	d, err := testBackend().Decide(context.Background(), snapshot(25, 101, 100))
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != types.ActionBuy {
		t.Errorf("RSI 25 should buy, got %s", d.Action)
	}
	if d.Confidence < 0.6 {
		t.Errorf("confidence too low: %f", d.Confidence)
	}
}

func TestOverboughtSells(t *testing.T) {
	d, err := testBackend().Decide(context.Background(), snapshot(80, 101, 100))
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != types.ActionSell {
		t.Errorf("RSI 80 should sell, got %s", d.Action)
	}
}

func TestNeutralHolds(t *testing.T) {
	d, err := testBackend().Decide(context.Background(), snapshot(50, 99, 100))
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != types.ActionHold {
		t.Errorf("neutral state should hold, got %s", d.Action)
	}
}

func TestColdIndicatorsHoldWithZeroConfidence(t *testing.T) {
	d, err := testBackend().Decide(context.Background(), snapshot(math.NaN(), math.NaN(), math.NaN()))
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != types.ActionHold || d.Confidence != 0 {
		t.Errorf("cold indicators: got %s conf %f", d.Action, d.Confidence)
	}
}

func TestNeverFails(t *testing.T) {
	// The terminal fallback must return a decision for any snapshot.
	if _, err := testBackend().Decide(context.Background(), types.FeatureSnapshot{}); err != nil {
		t.Fatalf("rule backend errored: %v", err)
	}
}

func TestConfidenceClamped(t *testing.T) {
	d, _ := testBackend().Decide(context.Background(), snapshot(0.1, 101, 100))
	if d.Confidence > 1 {
		t.Errorf("confidence exceeds 1: %f", d.Confidence)
	}
}

package rule

import (
	"context"
	"fmt"
	"math"

	"autonomous-trader/internal/store"
	"autonomous-trader/internal/types"
)

// Backend is a deterministic threshold strategy. It always returns a
// decision, which makes it the terminal fallback in a backend chain.
type Backend struct {
	rsiOversold   float64
	rsiOverbought float64
	fastSMA       int
	slowSMA       int
}

func New(cfg *store.Config) *Backend {
	return &Backend{
		rsiOversold:   cfg.Rule.RSIOversold,
		rsiOverbought: cfg.Rule.RSIOverbought,
		fastSMA:       cfg.Rule.FastSMA,
		slowSMA:       cfg.Rule.SlowSMA,
	}
}

func (b *Backend) Name() string { return "rule" }

func (b *Backend) Decide(_ context.Context, snap types.FeatureSnapshot) (types.Decision, error) {
	inds := snap.Indicators
	fast, slow := inds.SMA[b.fastSMA], inds.SMA[b.slowSMA]
	trendKnown := !math.IsNaN(fast) && !math.IsNaN(slow)

	d := types.Decision{
		Action:     types.ActionHold,
		Confidence: 0.5,
		RiskScore:  0.3,
		Reason:     "no threshold crossed",
	}

	switch {
	case math.IsNaN(inds.RSI):
		d.Confidence = 0.0
		d.Reason = "indicators not warm"
	case inds.RSI <= b.rsiOversold && (!trendKnown || fast >= slow):
		d.Action = types.ActionBuy
		d.Confidence = 0.6 + 0.3*(b.rsiOversold-inds.RSI)/b.rsiOversold
		d.RiskScore = 0.4
		d.Reason = fmt.Sprintf("RSI %.1f below oversold %.1f", inds.RSI, b.rsiOversold)
	case inds.RSI >= b.rsiOverbought:
		d.Action = types.ActionSell
		d.Confidence = 0.6 + 0.3*(inds.RSI-b.rsiOverbought)/(100-b.rsiOverbought)
		d.RiskScore = 0.4
		d.Reason = fmt.Sprintf("RSI %.1f above overbought %.1f", inds.RSI, b.rsiOverbought)
	case trendKnown && fast > slow && inds.RSI < 60:
		d.Action = types.ActionBuy
		d.Confidence = 0.55
		d.RiskScore = 0.35
		d.Reason = fmt.Sprintf("SMA(%d) above SMA(%d) with room on RSI", b.fastSMA, b.slowSMA)
	}

	if d.Confidence > 1 {
		d.Confidence = 1
	}
	return d, nil
}

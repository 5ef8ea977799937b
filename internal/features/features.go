package features

import (
	"errors"
	"math"
	"time"

	"github.com/google/uuid"

	"autonomous-trader/internal/types"
)

// ErrInsufficientData is returned when the window is too short for the
// configured indicator periods.
var ErrInsufficientData = errors.New("features: insufficient data for indicators")

// Config controls indicator periods.
type Config struct {
	SMAWindows []int
	RSIPeriod  int
	BBWindow   int
	BBStdDev   float64
	ATRPeriod  int
}

// DefaultConfig mirrors common intraday settings.
func DefaultConfig() Config {
	return Config{
		SMAWindows: []int{20, 50, 200},
		RSIPeriod:  14,
		BBWindow:   20,
		BBStdDev:   2.0,
		ATRPeriod:  14,
	}
}

// Provider computes feature snapshots from candle windows.
type Provider struct {
	cfg Config
}

func NewProvider(cfg Config) *Provider {
	if cfg.RSIPeriod == 0 {
		cfg = DefaultConfig()
	}
	return &Provider{cfg: cfg}
}

// minWindow is the smallest window Compute accepts. Indicators that need
// more bars than are present come back as NaN rather than failing the tick.
func (p *Provider) minWindow() int {
	return p.cfg.RSIPeriod + 1
}

// Compute derives indicators and coarse signals from a chronological
// candle window. The input is never mutated.
func (p *Provider) Compute(window []types.Candle) (types.FeatureSnapshot, error) {
	if len(window) < p.minWindow() {
		return types.FeatureSnapshot{}, ErrInsufficientData
	}

	closes := make([]float64, len(window))
	highs := make([]float64, len(window))
	lows := make([]float64, len(window))
	for i, c := range window {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}

	inds := types.Indicators{
		RSI: rsi(closes, p.cfg.RSIPeriod),
		SMA: make(map[int]float64, len(p.cfg.SMAWindows)),
		ATR: atr(highs, lows, closes, p.cfg.ATRPeriod),
	}
	for _, n := range p.cfg.SMAWindows {
		inds.SMA[n] = sma(closes, n)
	}
	inds.EMA20 = ema(closes, 20)
	inds.BB.Middle, inds.BB.Upper, inds.BB.Lower = bollinger(closes, p.cfg.BBWindow, p.cfg.BBStdDev)
	inds.Volatility = returnsVolatility(closes, p.cfg.BBWindow)

	last := window[len(window)-1]
	return types.FeatureSnapshot{
		ID:          uuid.NewString(),
		Symbol:      last.Symbol,
		WindowStart: window[0].Ts,
		WindowEnd:   last.Ts,
		WindowSize:  len(window),
		ComputedAt:  time.Now().UTC(),
		Close:       last.Close,
		Indicators:  inds,
		Signals:     deriveSignals(last.Close, inds),
	}, nil
}

func deriveSignals(close float64, inds types.Indicators) types.Signals {
	var s types.Signals

	fast, fastOK := inds.SMA[20]
	slow, slowOK := inds.SMA[50]
	switch {
	case !fastOK || !slowOK || math.IsNaN(fast) || math.IsNaN(slow):
		s.Trend = "UNKNOWN"
	case fast > slow:
		s.Trend = "UP"
	case fast < slow:
		s.Trend = "DOWN"
	default:
		s.Trend = "FLAT"
	}

	switch {
	case math.IsNaN(inds.RSI):
		s.Momentum = "UNKNOWN"
	case inds.RSI >= 70:
		s.Momentum = "OVERBOUGHT"
	case inds.RSI <= 30:
		s.Momentum = "OVERSOLD"
	default:
		s.Momentum = "NEUTRAL"
	}

	switch {
	case math.IsNaN(inds.Volatility) || close == 0:
		s.VolatilityRegime = "UNKNOWN"
	case inds.Volatility > 0.01:
		s.VolatilityRegime = "HIGH"
	default:
		s.VolatilityRegime = "NORMAL"
	}

	return s
}

package risk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"autonomous-trader/internal/logger"
	"autonomous-trader/internal/types"
)

// Rejection reasons, in check order.
const (
	ReasonLowConfidence       = "LOW_CONFIDENCE"
	ReasonConcurrencyLimit    = "CONCURRENCY_LIMIT_EXCEEDED"
	ReasonDailyLossLimit      = "DAILY_LOSS_LIMIT_EXCEEDED"
	ReasonInvalidOrderSize    = "INVALID_ORDER_SIZE"
	ReasonInsufficientBalance = "INSUFFICIENT_BALANCE"
	ReasonNoPosition          = "NO_POSITION"
)

// Authorization is a fully-sized, ready-to-route order intent.
type Authorization struct {
	Symbol        string
	Side          string
	Qty           decimal.Decimal
	Price         decimal.Decimal
	ClientOrderID string
	DecisionID    string
	TickTime      time.Time
}

// Rejection explains why a decision did not become an order. It is a
// normal outcome, not an error.
type Rejection struct {
	Reason  string
	Detail  string
	Checked time.Time
}

// Config holds the gate's limits.
type Config struct {
	MinConfidence        float64
	MaxConcurrentOrders  int
	MaxDailyLossFraction decimal.Decimal
	RiskPerTradeFraction decimal.Decimal
}

// Gate applies a fixed sequence of checks to each actionable decision.
// Checks run in declared order and the first failure wins, so rejection
// reasons are stable across runs.
type Gate struct {
	cfg Config
}

func NewGate(cfg Config) *Gate {
	return &Gate{cfg: cfg}
}

// Authorize evaluates a BUY/SELL decision against the session state.
// Exactly one of the returns is non-nil. HOLD never reaches the gate.
func (g *Gate) Authorize(ctx context.Context, d types.Decision, price decimal.Decimal, rules types.SymbolRules, state *types.LoopState, tickTime time.Time) (*Authorization, *Rejection) {
	if d.Confidence < g.cfg.MinConfidence {
		return nil, g.reject(ctx, state.Symbol, ReasonLowConfidence,
			fmt.Sprintf("confidence %.2f below minimum %.2f", d.Confidence, g.cfg.MinConfidence))
	}

	if len(state.OpenOrders) >= g.cfg.MaxConcurrentOrders {
		return nil, g.reject(ctx, state.Symbol, ReasonConcurrencyLimit,
			fmt.Sprintf("%d open orders at limit %d", len(state.OpenOrders), g.cfg.MaxConcurrentOrders))
	}

	// Daily loss is measured against equity sampled at session start.
	lossLimit := state.ReferenceEquity.Mul(g.cfg.MaxDailyLossFraction).Neg()
	if state.DailyPnL.LessThanOrEqual(lossLimit) {
		return nil, g.reject(ctx, state.Symbol, ReasonDailyLossLimit,
			fmt.Sprintf("daily pnl %s breaches limit %s", state.DailyPnL, lossLimit))
	}

	qty, rej := g.size(ctx, d, price, rules, state)
	if rej != nil {
		return nil, rej
	}

	return &Authorization{
		Symbol:        state.Symbol,
		Side:          d.Action,
		Qty:           qty,
		Price:         price,
		ClientOrderID: ClientOrderID(state.Symbol, d.ID, tickTime),
		DecisionID:    d.ID,
		TickTime:      tickTime,
	}, nil
}

// size converts the per-trade risk budget into a venue-legal quantity.
func (g *Gate) size(ctx context.Context, d types.Decision, price decimal.Decimal, rules types.SymbolRules, state *types.LoopState) (decimal.Decimal, *Rejection) {
	if price.IsZero() || price.IsNegative() {
		return decimal.Zero, g.reject(ctx, state.Symbol, ReasonInvalidOrderSize, "non-positive price")
	}

	var qty decimal.Decimal
	switch d.Action {
	case types.ActionBuy:
		budget := state.ReferenceEquity.Mul(g.cfg.RiskPerTradeFraction)
		qty = budget.Div(price)
	case types.ActionSell:
		if state.Position.Qty.IsZero() || state.Position.Qty.IsNegative() {
			return decimal.Zero, g.reject(ctx, state.Symbol, ReasonNoPosition, "no position to sell")
		}
		qty = state.Position.Qty
	}

	if !rules.StepSize.IsZero() {
		qty = qty.Div(rules.StepSize).Floor().Mul(rules.StepSize)
	}
	if qty.LessThan(rules.MinQty) || qty.IsZero() {
		return decimal.Zero, g.reject(ctx, state.Symbol, ReasonInvalidOrderSize,
			fmt.Sprintf("qty %s below venue minimum %s", qty, rules.MinQty))
	}
	if !rules.MaxQty.IsZero() && qty.GreaterThan(rules.MaxQty) {
		qty = rules.MaxQty
	}
	return qty, nil
}

func (g *Gate) reject(ctx context.Context, symbol, reason, detail string) *Rejection {
	logger.Risk(ctx, symbol, reason, "detail", detail)
	return &Rejection{Reason: reason, Detail: detail, Checked: time.Now().UTC()}
}

// ClientOrderID derives a deterministic order identifier from the symbol,
// the decision and the tick instant. Replaying the same tick after a
// crash yields the same ID, which the venue deduplicates.
func ClientOrderID(symbol, decisionID string, tickTime time.Time) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", symbol, decisionID, tickTime.UnixNano())))
	return hex.EncodeToString(h[:])[:32]
}

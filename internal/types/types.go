package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trading actions a decision can carry.
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
	ActionHold = "HOLD"
)

// Candle is one OHLCV observation. Immutable once appended to the buffer.
type Candle struct {
	Symbol string  `json:"symbol"`
	Ts     int64   `json:"ts"` // unix seconds, UTC
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Vol    float64 `json:"vol"`
}

type Indicators struct {
	RSI        float64         `json:"rsi"`
	SMA        map[int]float64 `json:"sma"`
	EMA20      float64         `json:"ema_20"`
	BB         Bollinger       `json:"bb"`
	ATR        float64         `json:"atr"`
	Volatility float64         `json:"volatility"`
}

type Bollinger struct {
	Middle, Upper, Lower float64
}

// Signals are coarse labels derived from the indicators.
type Signals struct {
	Trend            string `json:"trend"`             // UP / DOWN / FLAT / UNKNOWN
	Momentum         string `json:"momentum"`          // OVERBOUGHT / OVERSOLD / NEUTRAL / UNKNOWN
	VolatilityRegime string `json:"volatility_regime"` // HIGH / NORMAL / UNKNOWN
}

// FeatureSnapshot is a read-only view computed from a buffer window.
// It is never mutated after creation; ID and the window span tag it
// for audit and replay.
type FeatureSnapshot struct {
	ID          string     `json:"id"`
	Symbol      string     `json:"symbol"`
	WindowStart int64      `json:"window_start"`
	WindowEnd   int64      `json:"window_end"`
	WindowSize  int        `json:"window_size"`
	ComputedAt  time.Time  `json:"computed_at"`
	Close       float64    `json:"close"`
	Indicators  Indicators `json:"indicators"`
	Signals     Signals    `json:"signals"`
}

type Decision struct {
	ID         string  `json:"id"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	RiskScore  float64 `json:"risk_score"`
	Reason     string  `json:"reason"`
	SnapshotID string  `json:"snapshot_id"`
	Source     string  `json:"source"` // backend that produced it
}

// Order lifecycle statuses. Pending and Submitted are live; the rest
// are terminal.
const (
	OrderPending         = "PENDING"
	OrderSubmitted       = "SUBMITTED"
	OrderFilled          = "FILLED"
	OrderPartiallyFilled = "PARTIALLY_FILLED"
	OrderRejected        = "REJECTED"
	OrderCancelled       = "CANCELLED"
	OrderExpired         = "EXPIRED"
)

// Order is owned exclusively by the order router; status moves only
// through its state machine.
type Order struct {
	ID            string          `json:"id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	Price         decimal.Decimal `json:"price"`
	ExecutedQty   decimal.Decimal `json:"executed_qty"`
	ExecutedPrice decimal.Decimal `json:"executed_price"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the order has reached a final status.
func (o Order) IsTerminal() bool {
	switch o.Status {
	case OrderFilled, OrderRejected, OrderCancelled, OrderExpired:
		return true
	}
	return false
}

// SymbolRules are the exchange-reported trading constraints for a symbol.
type SymbolRules struct {
	MinQty   decimal.Decimal
	MaxQty   decimal.Decimal
	StepSize decimal.Decimal
	TickSize decimal.Decimal
}

// OrderAck is the exchange's acknowledgement of a submission.
type OrderAck struct {
	OrderID       string
	ClientOrderID string
	Status        string
	ExecutedQty   decimal.Decimal
	ExecutedPrice decimal.Decimal
}

// Position is the net holding built up by fills within a session.
type Position struct {
	Qty      decimal.Decimal `json:"qty"`
	AvgPrice decimal.Decimal `json:"avg_price"`
}

// LoopState is the single unit of persistence and recovery: where the
// loop is. The scheduler is the only component permitted to mutate it.
type LoopState struct {
	SessionID    string           `json:"session_id"`
	Symbol       string           `json:"symbol"`
	BufferCursor int64            `json:"buffer_cursor"` // ts of the last candle a tick consumed
	OpenOrders   map[string]Order `json:"open_orders"`   // keyed by client order id
	// ResolvedOrders maps recently folded client order ids to their
	// resolution unix time, so startup reconciliation never double-counts
	// a fill that already made it into Position before a crash.
	ResolvedOrders      map[string]int64 `json:"resolved_orders,omitempty"`
	Position            Position         `json:"position"`
	DailyPnL            decimal.Decimal  `json:"daily_pnl"`
	ReferenceEquity     decimal.Decimal  `json:"reference_equity"`
	AnalysisCount       int64            `json:"analysis_count"`
	DecisionCount       int64            `json:"decision_count"`
	OrderCount          int64            `json:"order_count"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	Halted              bool             `json:"halted"`
	HaltReason          string           `json:"halt_reason,omitempty"`
	LastTickTime        time.Time        `json:"last_tick_time"`
}

// NewLoopState returns a fresh state for a new session.
func NewLoopState(sessionID, symbol string, referenceEquity decimal.Decimal) *LoopState {
	return &LoopState{
		SessionID:       sessionID,
		Symbol:          symbol,
		OpenOrders:      map[string]Order{},
		ResolvedOrders:  map[string]int64{},
		ReferenceEquity: referenceEquity,
	}
}

// Clone returns a deep copy. Components other than the scheduler only
// ever see clones.
func (s *LoopState) Clone() *LoopState {
	cp := *s
	cp.OpenOrders = make(map[string]Order, len(s.OpenOrders))
	for k, v := range s.OpenOrders {
		cp.OpenOrders[k] = v
	}
	cp.ResolvedOrders = make(map[string]int64, len(s.ResolvedOrders))
	for k, v := range s.ResolvedOrders {
		cp.ResolvedOrders[k] = v
	}
	return &cp
}

type SessionTotals struct {
	Ticks       int64           `json:"ticks"`
	Decisions   int64           `json:"decisions"`
	Orders      int64           `json:"orders"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// Session spans one loop run, from start to graceful shutdown or halt.
type Session struct {
	ID        string        `json:"id"`
	Symbol    string        `json:"symbol"`
	Strategy  string        `json:"strategy"`
	StartTime time.Time     `json:"start_time"`
	EndTime   *time.Time    `json:"end_time,omitempty"`
	Totals    SessionTotals `json:"totals"`
}

// Event is the payload handed to the notification boundary.
type Event struct {
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notification event kinds.
const (
	EventLoopStarted    = "loop_started"
	EventLoopStopped    = "loop_stopped"
	EventDecisionMade   = "decision_made"
	EventOrderSubmitted = "order_submitted"
	EventOrderResolved  = "order_resolved"
	EventRiskRejected   = "risk_rejected"
	EventHaltTriggered  = "halt_triggered"
	EventHaltResumed    = "halt_resumed"
)

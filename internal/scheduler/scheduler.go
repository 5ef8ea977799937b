package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"autonomous-trader/internal/buffer"
	"autonomous-trader/internal/features"
	"autonomous-trader/internal/interfaces"
	"autonomous-trader/internal/logger"
	"autonomous-trader/internal/metrics"
	"autonomous-trader/internal/risk"
	"autonomous-trader/internal/router"
	"autonomous-trader/internal/trace"
	"autonomous-trader/internal/tradelog"
	"autonomous-trader/internal/types"
)

// Phase is the loop controller's lifecycle position.
type Phase string

const (
	PhaseIdle     Phase = "IDLE"
	PhaseWarming  Phase = "WARMING"
	PhaseActive   Phase = "ACTIVE"
	PhaseDraining Phase = "DRAINING"
	PhaseStopped  Phase = "STOPPED"
)

// Decider produces one decision per feature snapshot.
type Decider interface {
	Decide(ctx context.Context, snap types.FeatureSnapshot) (types.Decision, error)
}

// Persister is the slice of the state store the controller needs.
type Persister interface {
	Snapshot(ctx context.Context, state *types.LoopState) error
	RecordDecision(ctx context.Context, sessionID string, d types.Decision, snap types.FeatureSnapshot) error
}

// Config holds loop timing and halt limits.
type Config struct {
	TickInterval            time.Duration
	MaxTickDuration         time.Duration
	DrainTimeout            time.Duration
	DrainPollInterval       time.Duration
	ConsecutiveFailureLimit int
	WarmupThreshold         int
	MaxDailyLossFraction    decimal.Decimal
	HaltOnPersistFailure    bool
}

// Deps are the controller's collaborators.
type Deps struct {
	Ring     *buffer.Ring
	Features *features.Provider
	Decider  Decider
	Gate     *risk.Gate
	Router   *router.Router
	Store    Persister
	Exchange interfaces.Exchange
	Notifier interfaces.Notifier
}

// Controller runs the trading loop: it is the only component that
// mutates LoopState, and every mutating tick ends with a snapshot.
// Requests arriving from other goroutines (operator halt resume) go
// through a channel the Run loop consumes, never touch state directly.
type Controller struct {
	cfg  Config
	deps Deps

	phaseMu sync.Mutex
	phase   Phase

	state  *types.LoopState
	rules  types.SymbolRules
	resume chan struct{}
}

// New builds a controller around an existing (possibly recovered) state.
func New(cfg Config, deps Deps, st *types.LoopState, rules types.SymbolRules) *Controller {
	if cfg.ConsecutiveFailureLimit <= 0 {
		cfg.ConsecutiveFailureLimit = 3
	}
	if cfg.WarmupThreshold <= 0 {
		cfg.WarmupThreshold = 50
	}
	if cfg.DrainPollInterval <= 0 {
		cfg.DrainPollInterval = time.Second
	}
	c := &Controller{
		cfg:    cfg,
		deps:   deps,
		phase:  PhaseIdle,
		state:  st,
		rules:  rules,
		resume: make(chan struct{}, 1),
	}
	if st.ResolvedOrders == nil {
		st.ResolvedOrders = map[string]int64{}
	}
	c.setPhase(PhaseIdle)
	return c
}

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase {
	c.phaseMu.Lock()
	defer c.phaseMu.Unlock()
	return c.phase
}

// State returns a copy of the loop state for inspection.
func (c *Controller) State() *types.LoopState {
	return c.state.Clone()
}

// Run drives the loop until ctx is cancelled, then drains. Run owns the
// goroutine that ingests candles and the drift-corrected tick timer:
// slot n fires at start+n*interval, and slots that would fire in the
// past because a tick overran are skipped, not bunched.
func (c *Controller) Run(ctx context.Context) error {
	ingestCtx, stopIngest := context.WithCancel(ctx)
	defer stopIngest()
	go c.ingest(ingestCtx)

	c.backfill(ctx)
	if c.resumedSession() {
		// A recovered mid-session state goes straight back to work; its
		// warm-up threshold was met before the restart.
		c.setPhase(PhaseActive)
		logger.Info(ctx, "Resuming active session",
			"symbol", c.state.Symbol,
			"analysis_count", c.state.AnalysisCount,
			"buffered", c.deps.Ring.Len(),
		)
	} else {
		c.setPhase(PhaseWarming)
		logger.Info(ctx, "Loop warming up",
			"symbol", c.state.Symbol,
			"warmup_threshold", c.cfg.WarmupThreshold,
			"buffered", c.deps.Ring.Len(),
		)
		c.checkWarmup(ctx)
	}
	c.notify(types.EventLoopStarted, map[string]any{
		"session_id": c.state.SessionID,
		"symbol":     c.state.Symbol,
	})

	start := time.Now()
	slot := int64(1)
	for {
		next := start.Add(time.Duration(slot) * c.cfg.TickInterval)
		if wait := time.Until(next); wait < 0 {
			logger.Warn(ctx, "Tick slot overran, skipping", "slot", slot, "behind", (-wait).String())
			metrics.TicksTotal.WithLabelValues("skipped").Inc()
			slot++
			continue
		}

	waitSlot:
		for {
			select {
			case <-ctx.Done():
				return c.drain()
			case <-c.resume:
				c.clearHalt(ctx)
			case <-time.After(time.Until(next)):
				break waitSlot
			}
		}

		if c.Phase() == PhaseWarming {
			c.checkWarmup(ctx)
		}
		if c.Phase() != PhaseActive {
			slot++
			continue
		}

		tctx := ctx
		var cancel context.CancelFunc
		if c.cfg.MaxTickDuration > 0 {
			tctx, cancel = context.WithTimeout(ctx, c.cfg.MaxTickDuration)
		}
		c.Tick(tctx, next)
		if cancel != nil {
			cancel()
		}
		slot++
	}
}

// Tick executes one full decision cycle at the given tick time. Exported
// so tests can drive the loop without the timer.
func (c *Controller) Tick(ctx context.Context, tickTime time.Time) {
	ctx, span := trace.StartSpan(ctx, "scheduler.Tick")
	defer span.End()
	started := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(started).Seconds()) }()

	// Resolve open orders before making a new decision so position and
	// P&L are current when the gate sizes the next trade.
	if err := c.settleOpenOrders(ctx); err != nil {
		c.tickFailed(ctx, "order settlement", err)
		return
	}

	window := c.deps.Ring.Window(c.deps.Ring.Cap())
	snap, err := c.deps.Features.Compute(window)
	if err != nil {
		c.tickFailed(ctx, "feature computation", err)
		return
	}
	c.state.AnalysisCount++

	d, err := c.deps.Decider.Decide(ctx, snap)
	if err != nil {
		c.tickFailed(ctx, "decision", err)
		return
	}
	c.state.ConsecutiveFailures = 0
	c.state.DecisionCount++
	metrics.DecisionsTotal.WithLabelValues(d.Action, d.Source).Inc()

	if err := c.deps.Store.RecordDecision(ctx, c.state.SessionID, d, snap); err != nil {
		logger.Warn(ctx, "Decision audit write failed", "error", err.Error())
	}
	if err := tradelog.AppendDecision(d, snap); err != nil {
		logger.Warn(ctx, "Trade log write failed", "error", err.Error())
	}
	logger.Decision(ctx, snap.Symbol, d.Action, d.Confidence, d.Reason, "source", d.Source)
	c.notify(types.EventDecisionMade, map[string]any{
		"decision_id": d.ID,
		"action":      d.Action,
		"confidence":  d.Confidence,
		"source":      d.Source,
	})

	if d.Action != types.ActionHold && !c.state.Halted {
		c.routeDecision(ctx, d, snap, tickTime)
	}

	// The gate halts actionable decisions past the loss limit; this
	// covers HOLD ticks, where no authorization is attempted.
	c.checkDailyLoss(ctx)

	if latest, ok := c.deps.Ring.Latest(); ok {
		c.state.BufferCursor = latest.Ts
	}
	c.state.LastTickTime = tickTime.UTC()
	metrics.TicksTotal.WithLabelValues("completed").Inc()
	metrics.DailyPnL.Set(pnlFloat(c.state.DailyPnL))

	c.persist(ctx)
}

// Reconcile aligns order state with the venue before the loop starts
// ticking. Persisted open orders are re-queried, and the venue is swept
// for orders the last snapshot never saw: a crash between submission and
// the end-of-tick persist leaves the order live at the venue but absent
// from OpenOrders. Fills found either way fold into position and P&L
// exactly as a live fill would; orders already folded before the crash
// are recognized by the resolved-order memo and skipped.
func (c *Controller) Reconcile(ctx context.Context) error {
	changed, err := c.deps.Router.Reconcile(ctx, c.state.Symbol, c.state.LastTickTime, c.state.OpenOrders)
	for _, order := range changed {
		if _, folded := c.state.ResolvedOrders[order.ClientOrderID]; folded {
			continue
		}
		if order.IsTerminal() {
			c.applyResolved(ctx, order)
		} else {
			c.state.OpenOrders[order.ClientOrderID] = order
		}
	}
	if err != nil {
		return err
	}
	c.persist(ctx)
	return nil
}

// ResumeFromHalt requests that the loop clear its halt flag. Safe to
// call from any goroutine; the request is applied by Run, which owns
// all state mutation.
func (c *Controller) ResumeFromHalt() {
	select {
	case c.resume <- struct{}{}:
	default:
	}
}

// clearHalt runs on the loop goroutine.
func (c *Controller) clearHalt(ctx context.Context) {
	if !c.state.Halted {
		return
	}
	reason := c.state.HaltReason
	c.state.Halted = false
	c.state.HaltReason = ""
	c.setPhase(c.Phase()) // refresh the halted gauge
	logger.Info(ctx, "Halt cleared by operator", "previous_reason", reason)
	c.notify(types.EventHaltResumed, map[string]any{"previous_reason": reason})
	c.persist(ctx)
}

// resumedSession reports whether the state was recovered mid-session.
func (c *Controller) resumedSession() bool {
	return c.state.AnalysisCount > 0 || !c.state.LastTickTime.IsZero()
}

// backfill preloads the ring from venue history so the loop does not
// spend the warm-up window waiting for candles the venue already has.
func (c *Controller) backfill(ctx context.Context) {
	candles, err := c.deps.Exchange.Klines(ctx, c.state.Symbol, c.deps.Ring.Cap())
	if err != nil {
		logger.Warn(ctx, "Historical backfill unavailable", "error", err.Error())
		return
	}
	for _, candle := range candles {
		if err := c.deps.Ring.Push(candle); err != nil {
			logger.Warn(ctx, "Backfill candle rejected", "ts", candle.Ts, "error", err.Error())
		}
	}
	metrics.BufferSize.Set(float64(c.deps.Ring.Len()))
	logger.Info(ctx, "Backfilled candle history",
		"fetched", len(candles), "buffered", c.deps.Ring.Len())
}

func (c *Controller) routeDecision(ctx context.Context, d types.Decision, snap types.FeatureSnapshot, tickTime time.Time) {
	price := decimal.NewFromFloat(snap.Close)
	auth, rej := c.deps.Gate.Authorize(ctx, d, price, c.rules, c.state.Clone(), tickTime)
	if rej != nil {
		metrics.RiskRejectionsTotal.WithLabelValues(rej.Reason).Inc()
		c.notify(types.EventRiskRejected, map[string]any{
			"decision_id": d.ID,
			"reason":      rej.Reason,
			"detail":      rej.Detail,
		})
		if rej.Reason == risk.ReasonDailyLossLimit {
			c.halt(ctx, "daily loss limit breached: "+rej.Detail)
		}
		return
	}

	order, err := c.deps.Router.Submit(ctx, *auth)
	if err != nil {
		// Retry exhaustion resolves the order as REJECTED; record it so
		// the audit trail and metrics still see it.
		if order.Status == types.OrderRejected {
			c.state.OrderCount++
			if lerr := tradelog.AppendOrder(order, map[string]any{"decision_id": d.ID}); lerr != nil {
				logger.Warn(ctx, "Trade log write failed", "error", lerr.Error())
			}
			c.applyResolved(ctx, order)
		}
		c.tickFailed(ctx, "order routing", err)
		return
	}
	c.state.OrderCount++
	c.notify(types.EventOrderSubmitted, map[string]any{
		"client_order_id": order.ClientOrderID,
		"side":            order.Side,
		"qty":             order.Qty.String(),
		"status":          order.Status,
	})
	if err := tradelog.AppendOrder(order, map[string]any{"decision_id": d.ID}); err != nil {
		logger.Warn(ctx, "Trade log write failed", "error", err.Error())
	}

	if order.IsTerminal() {
		c.applyResolved(ctx, order)
		return
	}
	c.state.OpenOrders[order.ClientOrderID] = order
}

func (c *Controller) settleOpenOrders(ctx context.Context) error {
	if len(c.state.OpenOrders) == 0 {
		return nil
	}
	changed, err := c.deps.Router.CheckOpen(ctx, c.state.OpenOrders)
	for _, order := range changed {
		if order.IsTerminal() {
			c.applyResolved(ctx, order)
		} else {
			c.state.OpenOrders[order.ClientOrderID] = order
		}
	}
	return err
}

// applyResolved folds a terminal order into position and realized P&L,
// and remembers it so reconciliation after a restart cannot fold it
// twice. The memo is pruned to a day, well past any reconcile horizon.
func (c *Controller) applyResolved(ctx context.Context, order types.Order) {
	delete(c.state.OpenOrders, order.ClientOrderID)
	now := time.Now().UTC()
	c.state.ResolvedOrders[order.ClientOrderID] = now.Unix()
	for id, ts := range c.state.ResolvedOrders {
		if now.Unix()-ts > int64((24 * time.Hour).Seconds()) {
			delete(c.state.ResolvedOrders, id)
		}
	}
	metrics.OrdersTotal.WithLabelValues(order.Status).Inc()
	c.notify(types.EventOrderResolved, map[string]any{
		"client_order_id": order.ClientOrderID,
		"status":          order.Status,
		"executed_qty":    order.ExecutedQty.String(),
	})

	if order.ExecutedQty.IsZero() {
		return
	}

	pos := c.state.Position
	switch order.Side {
	case types.ActionBuy:
		newQty := pos.Qty.Add(order.ExecutedQty)
		cost := pos.Qty.Mul(pos.AvgPrice).Add(order.ExecutedQty.Mul(order.ExecutedPrice))
		pos.AvgPrice = cost.Div(newQty)
		pos.Qty = newQty
	case types.ActionSell:
		realized := order.ExecutedPrice.Sub(pos.AvgPrice).Mul(order.ExecutedQty)
		c.state.DailyPnL = c.state.DailyPnL.Add(realized)
		pos.Qty = pos.Qty.Sub(order.ExecutedQty)
		if pos.Qty.IsZero() || pos.Qty.IsNegative() {
			pos = types.Position{Qty: decimal.Zero, AvgPrice: decimal.Zero}
		}
	}
	c.state.Position = pos

	logger.Order(ctx, order.Symbol, order.Side, order.Status, order.ClientOrderID,
		"executed_qty", order.ExecutedQty.String(),
		"daily_pnl", c.state.DailyPnL.String(),
	)
}

func (c *Controller) checkDailyLoss(ctx context.Context) {
	if c.state.Halted {
		return
	}
	limit := c.state.ReferenceEquity.Mul(c.cfg.MaxDailyLossFraction).Neg()
	if c.state.DailyPnL.LessThanOrEqual(limit) {
		c.halt(ctx, "daily loss limit breached: pnl "+c.state.DailyPnL.String()+" limit "+limit.String())
	}
}

func (c *Controller) tickFailed(ctx context.Context, stage string, err error) {
	c.state.ConsecutiveFailures++
	metrics.TicksTotal.WithLabelValues("failed").Inc()
	logger.ErrorWithErr(ctx, "Tick failed", err,
		"stage", stage,
		"consecutive_failures", c.state.ConsecutiveFailures,
	)
	if c.state.ConsecutiveFailures >= c.cfg.ConsecutiveFailureLimit && !c.state.Halted {
		c.halt(ctx, "consecutive tick failures at limit, last stage: "+stage)
	}
	c.persist(ctx)
}

// halt keeps analysis running but withholds new orders until an operator
// clears the flag.
func (c *Controller) halt(ctx context.Context, reason string) {
	c.state.Halted = true
	c.state.HaltReason = reason
	c.setPhase(c.Phase())
	logger.Risk(ctx, c.state.Symbol, "HALT", "reason", reason)
	c.notify(types.EventHaltTriggered, map[string]any{"reason": reason})
}

func (c *Controller) persist(ctx context.Context) {
	if err := c.deps.Store.Snapshot(ctx, c.state); err != nil {
		logger.ErrorWithErr(ctx, "State snapshot failed", err)
		if c.cfg.HaltOnPersistFailure && !c.state.Halted {
			c.halt(ctx, "state persistence failing")
		}
	}
}

// drain stops decisioning and waits, bounded, for open orders to resolve.
func (c *Controller) drain() error {
	c.setPhase(PhaseDraining)
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DrainTimeout)
	defer cancel()

	logger.Info(ctx, "Draining", "open_orders", len(c.state.OpenOrders))
	for len(c.state.OpenOrders) > 0 {
		if err := c.settleOpenOrders(ctx); err != nil {
			logger.Warn(ctx, "Settlement during drain failed", "error", err.Error())
		}
		if len(c.state.OpenOrders) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			logger.Warn(ctx, "Drain timeout with orders still open", "open_orders", len(c.state.OpenOrders))
			goto done
		case <-time.After(c.cfg.DrainPollInterval):
		}
	}
done:
	c.persist(ctx)
	c.setPhase(PhaseStopped)
	c.notify(types.EventLoopStopped, map[string]any{
		"session_id":  c.state.SessionID,
		"daily_pnl":   c.state.DailyPnL.String(),
		"open_orders": len(c.state.OpenOrders),
	})
	bs := c.deps.Ring.Stats()
	logger.Info(ctx, "Loop stopped",
		"ticks", c.state.AnalysisCount,
		"decisions", c.state.DecisionCount,
		"orders", c.state.OrderCount,
		"candles_received", bs.Received,
		"candles_duplicate", bs.Duplicates,
		"candles_evicted", bs.Evicted,
	)
	return nil
}

// ingest pumps exchange candles into the ring until ctx is cancelled.
func (c *Controller) ingest(ctx context.Context) {
	ch := make(chan types.Candle, 64)
	go func() {
		if err := c.deps.Exchange.StreamCandles(ctx, c.state.Symbol, ch); err != nil && ctx.Err() == nil {
			logger.ErrorWithErr(ctx, "Candle stream terminated", err)
		}
		close(ch)
	}()

	for candle := range ch {
		c.Ingest(ctx, candle)
	}
}

// Ingest pushes one candle into the buffer, applying the staleness and
// ordering rules. Exported so tests can feed candles directly.
func (c *Controller) Ingest(ctx context.Context, candle types.Candle) {
	if age := time.Since(time.Unix(candle.Ts, 0)); age > 3*c.cfg.TickInterval {
		logger.Warn(ctx, "Discarding stale candle", "ts", candle.Ts, "age", age.String())
		return
	}
	if err := c.deps.Ring.Push(candle); err != nil {
		logger.Warn(ctx, "Candle rejected", "ts", candle.Ts, "error", err.Error())
		return
	}
	metrics.BufferSize.Set(float64(c.deps.Ring.Len()))
}

// checkWarmup promotes the loop once enough candles are buffered.
func (c *Controller) checkWarmup(ctx context.Context) {
	if c.deps.Ring.Len() < c.cfg.WarmupThreshold {
		return
	}
	c.setPhase(PhaseActive)
	logger.Info(ctx, "Warm-up complete, loop active",
		"buffered", c.deps.Ring.Len(),
		"threshold", c.cfg.WarmupThreshold,
	)
}

func (c *Controller) setPhase(p Phase) {
	c.phaseMu.Lock()
	c.phase = p
	c.phaseMu.Unlock()
	name := map[Phase]string{
		PhaseIdle:     "idle",
		PhaseWarming:  "warming",
		PhaseActive:   "active",
		PhaseDraining: "draining",
		PhaseStopped:  "stopped",
	}[p]
	if c.state != nil && c.state.Halted {
		name = "halted"
	}
	metrics.SetLoopPhase(name)
}

func (c *Controller) notify(kind string, payload map[string]any) {
	if c.deps.Notifier == nil {
		return
	}
	c.deps.Notifier.Emit(types.Event{Kind: kind, Payload: payload})
}

func pnlFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

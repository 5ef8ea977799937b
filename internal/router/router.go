package router

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"autonomous-trader/internal/interfaces"
	"autonomous-trader/internal/logger"
	"autonomous-trader/internal/risk"
	"autonomous-trader/internal/trace"
	"autonomous-trader/internal/types"
)

// ErrIllegalTransition is returned when a venue reports a status the
// lifecycle state machine does not allow from the order's current status.
var ErrIllegalTransition = errors.New("router: illegal order status transition")

// legalTransitions is the order lifecycle. Terminal statuses have no
// outgoing edges.
var legalTransitions = map[string]map[string]bool{
	types.OrderPending: {
		types.OrderSubmitted: true,
		types.OrderRejected:  true,
	},
	types.OrderSubmitted: {
		types.OrderFilled:          true,
		types.OrderPartiallyFilled: true,
		types.OrderRejected:        true,
		types.OrderCancelled:       true,
		types.OrderExpired:         true,
	},
	types.OrderPartiallyFilled: {
		types.OrderFilled:          true,
		types.OrderPartiallyFilled: true,
		types.OrderCancelled:       true,
		types.OrderExpired:         true,
	},
}

// Config controls submission retries.
type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Router owns order lifecycle. Every status change flows through
// transition so illegal venue reports surface instead of corrupting
// state.
type Router struct {
	exchange interfaces.Exchange
	cfg      Config
	rng      *rand.Rand
}

func New(exchange interfaces.Exchange, cfg Config) *Router {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 4
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Second
	}
	return &Router{
		exchange: exchange,
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Submit routes an authorization to the venue. Transport failures retry
// with exponential backoff and jitter under the same client order ID, so
// a duplicate submit after a lost ack cannot double-fill. A venue
// business rejection resolves the order as REJECTED without retrying.
func (r *Router) Submit(ctx context.Context, auth risk.Authorization) (types.Order, error) {
	ctx, span := trace.StartSpan(ctx, "router.Submit")
	defer span.End()

	now := time.Now().UTC()
	order := types.Order{
		ClientOrderID: auth.ClientOrderID,
		Symbol:        auth.Symbol,
		Side:          auth.Side,
		Qty:           auth.Qty,
		Price:         auth.Price,
		Status:        types.OrderPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.backoff(attempt)
			logger.Warn(ctx, "Retrying order submission",
				"client_order_id", order.ClientOrderID,
				"attempt", attempt,
				"delay", delay.String(),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return order, ctx.Err()
			}
		}

		ack, err := r.exchange.SubmitOrder(ctx, order)
		if errors.Is(err, interfaces.ErrOrderRejected) {
			if terr := transition(&order, types.OrderRejected); terr != nil {
				return order, terr
			}
			logger.Order(ctx, order.Symbol, order.Side, order.Status, order.ClientOrderID, "detail", err.Error())
			return order, nil
		}
		if err != nil {
			lastErr = err
			continue
		}

		order.ID = ack.OrderID
		next := ack.Status
		if next == "" || next == types.OrderPending {
			next = types.OrderSubmitted
		}
		if terr := transition(&order, next); terr != nil {
			return order, terr
		}
		order.ExecutedQty = ack.ExecutedQty
		order.ExecutedPrice = ack.ExecutedPrice
		logger.Order(ctx, order.Symbol, order.Side, order.Status, order.ClientOrderID, "venue_order_id", order.ID)
		return order, nil
	}

	// Exhausted. Resolve locally as REJECTED so the order is tracked and
	// audited; if an ack was lost and the venue did accept it, startup
	// reconciliation adopts the venue's record.
	if terr := transition(&order, types.OrderRejected); terr != nil {
		return order, terr
	}
	return order, fmt.Errorf("router: submission failed after %d attempts: %w", r.cfg.MaxRetries+1, lastErr)
}

// CheckOpen polls the venue for each open order and applies reported
// status changes. It returns the orders that changed; callers fold
// terminal ones into position and P&L.
func (r *Router) CheckOpen(ctx context.Context, open map[string]types.Order) ([]types.Order, error) {
	ctx, span := trace.StartSpan(ctx, "router.CheckOpen")
	defer span.End()

	var changed []types.Order
	for id, order := range open {
		venue, err := r.exchange.QueryOrder(ctx, order.Symbol, id)
		if errors.Is(err, interfaces.ErrOrderNotFound) {
			// Venue lost it: resolve as expired rather than tracking forever.
			if terr := transition(&order, types.OrderExpired); terr != nil {
				return changed, terr
			}
			changed = append(changed, order)
			continue
		}
		if err != nil {
			return changed, fmt.Errorf("router: query %s: %w", id, err)
		}

		if venue.Status == order.Status && venue.ExecutedQty.Equal(order.ExecutedQty) {
			continue
		}
		if terr := transition(&order, venue.Status); terr != nil {
			return changed, terr
		}
		order.ID = venue.ID
		order.ExecutedQty = venue.ExecutedQty
		order.ExecutedPrice = venue.ExecutedPrice
		logger.Order(ctx, order.Symbol, order.Side, order.Status, order.ClientOrderID,
			"executed_qty", order.ExecutedQty.String())
		changed = append(changed, order)
	}
	return changed, nil
}

// Reconcile aligns order state with the venue after a restart. Persisted
// open orders are re-queried: ones the venue resolved while we were down
// come back with their final status, ones the venue never saw are
// resolved as expired. The venue is then swept for orders the snapshot
// missed entirely, which happens when the process dies between
// submission and the end-of-tick persist: still-open ones from
// ListOpenOrders, already-resolved ones from history since the last
// persisted tick.
func (r *Router) Reconcile(ctx context.Context, symbol string, since time.Time, open map[string]types.Order) ([]types.Order, error) {
	ctx, span := trace.StartSpan(ctx, "router.Reconcile")
	defer span.End()

	logger.Info(ctx, "Reconciling orders with venue", "tracked", len(open))
	changed, err := r.CheckOpen(ctx, open)
	if err != nil {
		return changed, err
	}

	seen := make(map[string]bool, len(open))
	for id := range open {
		seen[id] = true
	}

	venueOpen, err := r.exchange.ListOpenOrders(ctx, symbol)
	if err != nil {
		return changed, fmt.Errorf("router: list open orders: %w", err)
	}
	for _, o := range venueOpen {
		if o.ClientOrderID == "" || seen[o.ClientOrderID] {
			continue
		}
		seen[o.ClientOrderID] = true
		logger.Warn(ctx, "Adopting untracked open order",
			"client_order_id", o.ClientOrderID, "status", o.Status)
		changed = append(changed, o)
	}

	history, err := r.exchange.ListOrders(ctx, symbol, since)
	if err != nil {
		return changed, fmt.Errorf("router: list order history: %w", err)
	}
	for _, o := range history {
		if o.ClientOrderID == "" || seen[o.ClientOrderID] || !o.IsTerminal() {
			continue
		}
		seen[o.ClientOrderID] = true
		logger.Warn(ctx, "Adopting order resolved while offline",
			"client_order_id", o.ClientOrderID, "status", o.Status)
		changed = append(changed, o)
	}
	return changed, nil
}

func (r *Router) backoff(attempt int) time.Duration {
	d := r.cfg.BackoffBase << (attempt - 1)
	if d > r.cfg.BackoffMax {
		d = r.cfg.BackoffMax
	}
	// Full jitter keeps concurrent retries from aligning.
	d = time.Duration(r.rng.Int63n(int64(d)) + int64(d)/2)
	if d > r.cfg.BackoffMax {
		d = r.cfg.BackoffMax
	}
	return d
}

func transition(o *types.Order, next string) error {
	if o.Status == next {
		return nil
	}
	allowed, ok := legalTransitions[o.Status]
	if !ok || !allowed[next] {
		return fmt.Errorf("%w: %s -> %s (client_order_id %s)", ErrIllegalTransition, o.Status, next, o.ClientOrderID)
	}
	o.Status = next
	o.UpdatedAt = time.Now().UTC()
	return nil
}

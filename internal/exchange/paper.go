package exchange

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"autonomous-trader/internal/interfaces"
	"autonomous-trader/internal/logger"
	"autonomous-trader/internal/types"
)

// Paper simulates a venue in-process for DRY_RUN mode. Orders fill
// immediately at the last streamed price and submissions are idempotent
// on client order ID, matching live venue dedup behavior.
type Paper struct {
	mu        sync.Mutex
	balance   decimal.Decimal
	orders    map[string]types.Order // by client order id
	lastPrice decimal.Decimal
	nextID    int64
	rules     types.SymbolRules

	// synthetic stream
	seed      int64
	startTime time.Time
	interval  time.Duration
}

var _ interfaces.Exchange = (*Paper)(nil)

func NewPaper(startingBalance decimal.Decimal) *Paper {
	return &Paper{
		balance:   startingBalance,
		orders:    make(map[string]types.Order),
		lastPrice: decimal.NewFromInt(50000),
		rules: types.SymbolRules{
			MinQty:   decimal.NewFromFloat(0.00001),
			MaxQty:   decimal.NewFromInt(1000),
			StepSize: decimal.NewFromFloat(0.00001),
			TickSize: decimal.NewFromFloat(0.01),
		},
		seed:      time.Now().UnixNano(),
		startTime: time.Now().UTC().Truncate(time.Minute),
		interval:  time.Minute,
	}
}

func (p *Paper) Balance(context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

func (p *Paper) SymbolRules(context.Context, string) (types.SymbolRules, error) {
	return p.rules, nil
}

func (p *Paper) SubmitOrder(ctx context.Context, order types.Order) (types.OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Same client order ID returns the original ack, never a second fill.
	if existing, ok := p.orders[order.ClientOrderID]; ok {
		return ackFor(existing), nil
	}

	if order.Qty.LessThan(p.rules.MinQty) {
		return types.OrderAck{}, fmt.Errorf("%w: qty %s below minimum", interfaces.ErrOrderRejected, order.Qty)
	}
	cost := order.Qty.Mul(p.lastPrice)
	if order.Side == types.ActionBuy && cost.GreaterThan(p.balance) {
		return types.OrderAck{}, fmt.Errorf("%w: cost %s exceeds balance %s", interfaces.ErrOrderRejected, cost, p.balance)
	}

	p.nextID++
	filled := order
	filled.ID = strconv.FormatInt(p.nextID, 10)
	filled.Status = types.OrderFilled
	filled.ExecutedQty = order.Qty
	filled.ExecutedPrice = p.lastPrice
	filled.UpdatedAt = time.Now().UTC()
	p.orders[order.ClientOrderID] = filled

	if order.Side == types.ActionBuy {
		p.balance = p.balance.Sub(cost)
	} else {
		p.balance = p.balance.Add(cost)
	}

	logger.Info(ctx, "Paper fill",
		"client_order_id", order.ClientOrderID,
		"side", order.Side,
		"qty", order.Qty.String(),
		"price", p.lastPrice.String(),
	)
	return ackFor(filled), nil
}

func (p *Paper) CancelOrder(_ context.Context, _, clientOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[clientOrderID]
	if !ok {
		return interfaces.ErrOrderNotFound
	}
	if order.IsTerminal() {
		return nil
	}
	order.Status = types.OrderCancelled
	order.UpdatedAt = time.Now().UTC()
	p.orders[clientOrderID] = order
	return nil
}

func (p *Paper) QueryOrder(_ context.Context, _, clientOrderID string) (types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[clientOrderID]
	if !ok {
		return types.Order{}, interfaces.ErrOrderNotFound
	}
	return order, nil
}

func (p *Paper) ListOpenOrders(context.Context, string) ([]types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var open []types.Order
	for _, o := range p.orders {
		if !o.IsTerminal() {
			open = append(open, o)
		}
	}
	return open, nil
}

func (p *Paper) ListOrders(_ context.Context, symbol string, since time.Time) ([]types.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var orders []types.Order
	for _, o := range p.orders {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		if !since.IsZero() && o.UpdatedAt.Before(since) {
			continue
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// Klines synthesizes a random-walk history that ends at the current mark
// price, so backfilled bars join the live stream without a gap.
func (p *Paper) Klines(_ context.Context, symbol string, limit int) ([]types.Candle, error) {
	p.mu.Lock()
	last, _ := p.lastPrice.Float64()
	p.mu.Unlock()

	rng := rand.New(rand.NewSource(p.seed))
	prices := make([]float64, limit+1)
	prices[limit] = last
	for i := limit - 1; i >= 0; i-- {
		drift := prices[i+1] * 0.001 * (rng.Float64()*2 - 1)
		prices[i] = math.Max(1, prices[i+1]+drift)
	}

	end := time.Now().UTC().Truncate(p.interval)
	candles := make([]types.Candle, 0, limit)
	for i := 0; i < limit; i++ {
		open, cl := prices[i], prices[i+1]
		candles = append(candles, types.Candle{
			Symbol: symbol,
			Ts:     end.Add(time.Duration(i+1-limit) * p.interval).Unix(),
			Open:   open,
			High:   math.Max(open, cl) * (1 + rng.Float64()*0.0005),
			Low:    math.Min(open, cl) * (1 - rng.Float64()*0.0005),
			Close:  cl,
			Vol:    rng.Float64() * 100,
		})
	}
	return candles, nil
}

// StreamCandles emits a synthetic random-walk candle per interval. The
// walk is seeded per process so repeated DRY_RUN sessions differ.
func (p *Paper) StreamCandles(ctx context.Context, symbol string, out chan<- types.Candle) error {
	rng := rand.New(rand.NewSource(p.seed))
	price := 50000.0

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			open := price
			// bounded random walk, ~0.1% per bar
			drift := price * 0.001 * (rng.Float64()*2 - 1)
			price = math.Max(1, price+drift)
			high := math.Max(open, price) * (1 + rng.Float64()*0.0005)
			low := math.Min(open, price) * (1 - rng.Float64()*0.0005)

			p.mu.Lock()
			p.lastPrice = decimal.NewFromFloat(price)
			p.mu.Unlock()

			candle := types.Candle{
				Symbol: symbol,
				Ts:     now.UTC().Truncate(p.interval).Unix(),
				Open:   open,
				High:   high,
				Low:    low,
				Close:  price,
				Vol:    rng.Float64() * 100,
			}
			select {
			case out <- candle:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// SetLastPrice overrides the mark price. Used by tests.
func (p *Paper) SetLastPrice(price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPrice = price
}

func ackFor(o types.Order) types.OrderAck {
	return types.OrderAck{
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		Status:        o.Status,
		ExecutedQty:   o.ExecutedQty,
		ExecutedPrice: o.ExecutedPrice,
	}
}

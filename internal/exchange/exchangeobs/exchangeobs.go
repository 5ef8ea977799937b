package exchangeobs

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"autonomous-trader/internal/interfaces"
	"autonomous-trader/internal/logger"
	"autonomous-trader/internal/trace"
	"autonomous-trader/internal/types"
)

// observableExchange wraps an Exchange with observability (logging & tracing)
type observableExchange struct {
	exchange interfaces.Exchange
}

// Compile-time interface check
var _ interfaces.Exchange = (*observableExchange)(nil)

// Wrap wraps an exchange with observability middleware
func Wrap(exchange interfaces.Exchange) interfaces.Exchange {
	return &observableExchange{exchange: exchange}
}

func (oe *observableExchange) Balance(ctx context.Context) (decimal.Decimal, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.Balance")
	defer span.End()

	balance, err := oe.exchange.Balance(ctx)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch balance", err)
		return decimal.Zero, err
	}

	logger.DebugSkip(ctx, 1, "Balance fetched", "balance", balance.String())
	return balance, nil
}

func (oe *observableExchange) SymbolRules(ctx context.Context, symbol string) (types.SymbolRules, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.SymbolRules")
	defer span.End()

	rules, err := oe.exchange.SymbolRules(ctx, symbol)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch symbol rules", err, "symbol", symbol)
		return types.SymbolRules{}, err
	}

	logger.DebugSkip(ctx, 1, "Symbol rules fetched",
		"symbol", symbol,
		"min_qty", rules.MinQty.String(),
		"step_size", rules.StepSize.String(),
	)
	return rules, nil
}

func (oe *observableExchange) SubmitOrder(ctx context.Context, order types.Order) (types.OrderAck, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.SubmitOrder")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Submitting order",
		"symbol", order.Symbol,
		"side", order.Side,
		"qty", order.Qty.String(),
		"client_order_id", order.ClientOrderID,
	)

	ack, err := oe.exchange.SubmitOrder(ctx, order)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Order submission failed", err,
			"symbol", order.Symbol,
			"client_order_id", order.ClientOrderID,
		)
		return types.OrderAck{}, err
	}

	logger.InfoSkip(ctx, 1, "Order acknowledged",
		"symbol", order.Symbol,
		"client_order_id", ack.ClientOrderID,
		"venue_order_id", ack.OrderID,
		"status", ack.Status,
	)
	return ack, nil
}

func (oe *observableExchange) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	ctx, span := trace.StartSpan(ctx, "exchange.CancelOrder")
	defer span.End()

	err := oe.exchange.CancelOrder(ctx, symbol, clientOrderID)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Order cancel failed", err,
			"symbol", symbol, "client_order_id", clientOrderID)
		return err
	}

	logger.InfoSkip(ctx, 1, "Order cancelled", "symbol", symbol, "client_order_id", clientOrderID)
	return nil
}

func (oe *observableExchange) QueryOrder(ctx context.Context, symbol, clientOrderID string) (types.Order, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.QueryOrder")
	defer span.End()

	order, err := oe.exchange.QueryOrder(ctx, symbol, clientOrderID)
	if err != nil {
		logger.DebugSkip(ctx, 1, "Order query failed",
			"symbol", symbol, "client_order_id", clientOrderID, "error", err.Error())
		return types.Order{}, err
	}

	logger.DebugSkip(ctx, 1, "Order queried",
		"symbol", symbol, "client_order_id", clientOrderID, "status", order.Status)
	return order, nil
}

func (oe *observableExchange) ListOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.ListOpenOrders")
	defer span.End()

	orders, err := oe.exchange.ListOpenOrders(ctx, symbol)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to list open orders", err, "symbol", symbol)
		return nil, err
	}

	logger.DebugSkip(ctx, 1, "Open orders listed", "symbol", symbol, "count", len(orders))
	return orders, nil
}

func (oe *observableExchange) ListOrders(ctx context.Context, symbol string, since time.Time) ([]types.Order, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.ListOrders")
	defer span.End()

	orders, err := oe.exchange.ListOrders(ctx, symbol, since)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to list order history", err, "symbol", symbol)
		return nil, err
	}

	logger.DebugSkip(ctx, 1, "Order history listed", "symbol", symbol, "count", len(orders))
	return orders, nil
}

func (oe *observableExchange) Klines(ctx context.Context, symbol string, limit int) ([]types.Candle, error) {
	ctx, span := trace.StartSpan(ctx, "exchange.Klines")
	defer span.End()

	candles, err := oe.exchange.Klines(ctx, symbol, limit)
	if err != nil {
		logger.ErrorWithErrSkip(ctx, 1, "Failed to fetch klines", err, "symbol", symbol)
		return nil, err
	}

	logger.DebugSkip(ctx, 1, "Klines fetched", "symbol", symbol, "count", len(candles))
	return candles, nil
}

func (oe *observableExchange) StreamCandles(ctx context.Context, symbol string, out chan<- types.Candle) error {
	ctx, span := trace.StartSpan(ctx, "exchange.StreamCandles")
	defer span.End()

	logger.InfoSkip(ctx, 1, "Starting candle stream", "symbol", symbol)
	return oe.exchange.StreamCandles(ctx, symbol, out)
}

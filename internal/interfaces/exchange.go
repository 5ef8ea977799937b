package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"autonomous-trader/internal/types"
)

// ErrOrderRejected marks a venue business rejection (bad size, closed
// market, insufficient funds). Not retryable, unlike transport errors.
var ErrOrderRejected = errors.New("exchange: order rejected")

// ErrOrderNotFound is returned when the venue has no record of the
// queried client order ID.
var ErrOrderNotFound = errors.New("exchange: order not found")

// Exchange is the venue-facing surface: market data in, orders out.
type Exchange interface {
	// Balance returns free quote-asset balance.
	Balance(ctx context.Context) (decimal.Decimal, error)
	// SymbolRules returns lot/tick constraints for a symbol.
	SymbolRules(ctx context.Context, symbol string) (types.SymbolRules, error)
	// SubmitOrder places an order. Resubmitting the same client order ID
	// must not create a second order.
	SubmitOrder(ctx context.Context, order types.Order) (types.OrderAck, error)
	// CancelOrder cancels an open order by client order ID.
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	// QueryOrder returns the venue's current view of an order.
	QueryOrder(ctx context.Context, symbol, clientOrderID string) (types.Order, error)
	// ListOpenOrders returns all non-terminal orders for a symbol.
	ListOpenOrders(ctx context.Context, symbol string) ([]types.Order, error)
	// ListOrders returns order history for a symbol, terminal orders
	// included, updated at or after since. A zero since means all.
	ListOrders(ctx context.Context, symbol string, since time.Time) ([]types.Order, error)
	// Klines returns up to limit recent closed 1m candles, oldest first.
	Klines(ctx context.Context, symbol string, limit int) ([]types.Candle, error)
	// StreamCandles delivers closed candles until ctx is cancelled.
	StreamCandles(ctx context.Context, symbol string, out chan<- types.Candle) error
}

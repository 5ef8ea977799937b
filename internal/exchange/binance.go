package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"autonomous-trader/internal/interfaces"
	"autonomous-trader/internal/logger"
	"autonomous-trader/internal/types"
)

// Binance talks to the Binance spot API: signed REST for account and
// orders, a websocket kline stream for candles.
type Binance struct {
	restURL   string
	wsURL     string
	apiKey    string
	apiSecret string
	client    *http.Client
}

var _ interfaces.Exchange = (*Binance)(nil)

func NewBinance(restURL, wsURL string) (*Binance, error) {
	apiKey := os.Getenv("BINANCE_API_KEY")
	apiSecret := os.Getenv("BINANCE_API_SECRET")
	if apiKey == "" || apiSecret == "" {
		return nil, errors.New("exchange: BINANCE_API_KEY or BINANCE_API_SECRET missing")
	}
	return &Binance{
		restURL:   strings.TrimSuffix(restURL, "/"),
		wsURL:     strings.TrimSuffix(wsURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		client:    &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (b *Binance) Balance(ctx context.Context) (decimal.Decimal, error) {
	var acct struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := b.signedGet(ctx, "/api/v3/account", url.Values{}, &acct); err != nil {
		return decimal.Zero, err
	}
	for _, bal := range acct.Balances {
		if bal.Asset == "USDT" {
			return decimal.NewFromString(bal.Free)
		}
	}
	return decimal.Zero, nil
}

func (b *Binance) SymbolRules(ctx context.Context, symbol string) (types.SymbolRules, error) {
	q := url.Values{"symbol": {symbol}}
	resp, err := b.get(ctx, "/api/v3/exchangeInfo", q)
	if err != nil {
		return types.SymbolRules{}, err
	}
	defer resp.Body.Close()

	var info struct {
		Symbols []struct {
			Filters []struct {
				FilterType string `json:"filterType"`
				MinQty     string `json:"minQty"`
				MaxQty     string `json:"maxQty"`
				StepSize   string `json:"stepSize"`
				TickSize   string `json:"tickSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return types.SymbolRules{}, fmt.Errorf("exchange: decode exchangeInfo: %w", err)
	}
	if len(info.Symbols) == 0 {
		return types.SymbolRules{}, fmt.Errorf("exchange: unknown symbol %s", symbol)
	}

	var rules types.SymbolRules
	for _, f := range info.Symbols[0].Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			rules.MinQty, _ = decimal.NewFromString(f.MinQty)
			rules.MaxQty, _ = decimal.NewFromString(f.MaxQty)
			rules.StepSize, _ = decimal.NewFromString(f.StepSize)
		case "PRICE_FILTER":
			rules.TickSize, _ = decimal.NewFromString(f.TickSize)
		}
	}
	return rules, nil
}

func (b *Binance) SubmitOrder(ctx context.Context, order types.Order) (types.OrderAck, error) {
	params := url.Values{
		"symbol":           {order.Symbol},
		"side":             {order.Side},
		"type":             {"MARKET"},
		"quantity":         {order.Qty.String()},
		"newClientOrderId": {order.ClientOrderID},
	}

	var resp struct {
		OrderID             int64  `json:"orderId"`
		ClientOrderID       string `json:"clientOrderId"`
		Status              string `json:"status"`
		ExecutedQty         string `json:"executedQty"`
		CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	}
	if err := b.signedPost(ctx, "/api/v3/order", params, &resp); err != nil {
		return types.OrderAck{}, err
	}

	executed, _ := decimal.NewFromString(resp.ExecutedQty)
	quote, _ := decimal.NewFromString(resp.CummulativeQuoteQty)
	var avgPrice decimal.Decimal
	if !executed.IsZero() {
		avgPrice = quote.Div(executed)
	}
	return types.OrderAck{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Status:        mapVenueStatus(resp.Status),
		ExecutedQty:   executed,
		ExecutedPrice: avgPrice,
	}, nil
}

func (b *Binance) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	params := url.Values{
		"symbol":            {symbol},
		"origClientOrderId": {clientOrderID},
	}
	return b.signedDo(ctx, http.MethodDelete, "/api/v3/order", params, nil)
}

func (b *Binance) QueryOrder(ctx context.Context, symbol, clientOrderID string) (types.Order, error) {
	params := url.Values{
		"symbol":            {symbol},
		"origClientOrderId": {clientOrderID},
	}
	var resp struct {
		OrderID             int64  `json:"orderId"`
		ClientOrderID       string `json:"clientOrderId"`
		Side                string `json:"side"`
		Status              string `json:"status"`
		OrigQty             string `json:"origQty"`
		ExecutedQty         string `json:"executedQty"`
		CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	}
	if err := b.signedGet(ctx, "/api/v3/order", params, &resp); err != nil {
		return types.Order{}, err
	}

	qty, _ := decimal.NewFromString(resp.OrigQty)
	executed, _ := decimal.NewFromString(resp.ExecutedQty)
	quote, _ := decimal.NewFromString(resp.CummulativeQuoteQty)
	var avgPrice decimal.Decimal
	if !executed.IsZero() {
		avgPrice = quote.Div(executed)
	}
	return types.Order{
		ID:            strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        symbol,
		Side:          resp.Side,
		Qty:           qty,
		Status:        mapVenueStatus(resp.Status),
		ExecutedQty:   executed,
		ExecutedPrice: avgPrice,
	}, nil
}

func (b *Binance) ListOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	params := url.Values{"symbol": {symbol}}
	var resp []struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Side          string `json:"side"`
		Status        string `json:"status"`
		OrigQty       string `json:"origQty"`
		ExecutedQty   string `json:"executedQty"`
	}
	if err := b.signedGet(ctx, "/api/v3/openOrders", params, &resp); err != nil {
		return nil, err
	}

	orders := make([]types.Order, 0, len(resp))
	for _, o := range resp {
		qty, _ := decimal.NewFromString(o.OrigQty)
		executed, _ := decimal.NewFromString(o.ExecutedQty)
		orders = append(orders, types.Order{
			ID:            strconv.FormatInt(o.OrderID, 10),
			ClientOrderID: o.ClientOrderID,
			Symbol:        symbol,
			Side:          o.Side,
			Qty:           qty,
			Status:        mapVenueStatus(o.Status),
			ExecutedQty:   executed,
		})
	}
	return orders, nil
}

func (b *Binance) ListOrders(ctx context.Context, symbol string, since time.Time) ([]types.Order, error) {
	params := url.Values{"symbol": {symbol}}
	if !since.IsZero() {
		params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}
	var resp []struct {
		OrderID             int64  `json:"orderId"`
		ClientOrderID       string `json:"clientOrderId"`
		Side                string `json:"side"`
		Status              string `json:"status"`
		OrigQty             string `json:"origQty"`
		ExecutedQty         string `json:"executedQty"`
		CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
		UpdateTime          int64  `json:"updateTime"`
	}
	if err := b.signedGet(ctx, "/api/v3/allOrders", params, &resp); err != nil {
		return nil, err
	}

	orders := make([]types.Order, 0, len(resp))
	for _, o := range resp {
		qty, _ := decimal.NewFromString(o.OrigQty)
		executed, _ := decimal.NewFromString(o.ExecutedQty)
		quote, _ := decimal.NewFromString(o.CummulativeQuoteQty)
		var avgPrice decimal.Decimal
		if !executed.IsZero() {
			avgPrice = quote.Div(executed)
		}
		orders = append(orders, types.Order{
			ID:            strconv.FormatInt(o.OrderID, 10),
			ClientOrderID: o.ClientOrderID,
			Symbol:        symbol,
			Side:          o.Side,
			Qty:           qty,
			Status:        mapVenueStatus(o.Status),
			ExecutedQty:   executed,
			ExecutedPrice: avgPrice,
			UpdatedAt:     time.UnixMilli(o.UpdateTime).UTC(),
		})
	}
	return orders, nil
}

// Klines fetches recent closed 1m candles for startup backfill. The
// venue returns each kline as a positional array.
func (b *Binance) Klines(ctx context.Context, symbol string, limit int) ([]types.Candle, error) {
	q := url.Values{
		"symbol":   {symbol},
		"interval": {"1m"},
		"limit":    {strconv.Itoa(limit)},
	}
	resp, err := b.get(ctx, "/api/v3/klines", q)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw [][]any
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("exchange: decode klines: %w", err)
	}

	candles := make([]types.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		openTime, ok := k[0].(json.Number)
		if !ok {
			continue
		}
		ms, _ := openTime.Int64()
		candles = append(candles, types.Candle{
			Symbol: symbol,
			Ts:     ms / 1000,
			Open:   parseF(klineStr(k[1])),
			High:   parseF(klineStr(k[2])),
			Low:    parseF(klineStr(k[3])),
			Close:  parseF(klineStr(k[4])),
			Vol:    parseF(klineStr(k[5])),
		})
	}
	return candles, nil
}

func klineStr(v any) string {
	s, _ := v.(string)
	return s
}

// StreamCandles subscribes to the 1m kline stream and delivers closed
// candles on out. The connection is redialed with backoff until ctx is
// cancelled.
func (b *Binance) StreamCandles(ctx context.Context, symbol string, out chan<- types.Candle) error {
	endpoint := fmt.Sprintf("%s/ws/%s@kline_1m", b.wsURL, strings.ToLower(symbol))

	backoff := time.Second
	for {
		if err := b.streamOnce(ctx, endpoint, symbol, out); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn(ctx, "Kline stream dropped, reconnecting",
				"symbol", symbol, "error", err.Error(), "backoff", backoff.String())
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (b *Binance) streamOnce(ctx context.Context, endpoint, symbol string, out chan<- types.Candle) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("exchange: dial kline stream: %w", err)
	}
	defer conn.Close()
	logger.Info(ctx, "Kline stream connected", "symbol", symbol)

	// Reader unblocks on ctx cancellation via deadline.
	go func() {
		<-ctx.Done()
		conn.SetReadDeadline(time.Now())
	}()

	for {
		var msg struct {
			Kline struct {
				Start  int64  `json:"t"`
				Open   string `json:"o"`
				High   string `json:"h"`
				Low    string `json:"l"`
				Close  string `json:"c"`
				Volume string `json:"v"`
				Final  bool   `json:"x"`
			} `json:"k"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if !msg.Kline.Final {
			continue
		}

		candle := types.Candle{
			Symbol: symbol,
			Ts:     msg.Kline.Start / 1000,
			Vol:    parseF(msg.Kline.Volume),
			Open:   parseF(msg.Kline.Open),
			High:   parseF(msg.Kline.High),
			Low:    parseF(msg.Kline.Low),
			Close:  parseF(msg.Kline.Close),
		}
		select {
		case out <- candle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func mapVenueStatus(s string) string {
	switch s {
	case "NEW":
		return types.OrderSubmitted
	case "PARTIALLY_FILLED":
		return types.OrderPartiallyFilled
	case "FILLED":
		return types.OrderFilled
	case "CANCELED":
		return types.OrderCancelled
	case "REJECTED":
		return types.OrderRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return types.OrderExpired
	default:
		return s
	}
}

func (b *Binance) get(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.restURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("exchange: %s http %d: %s", path, resp.StatusCode, string(body))
	}
	return resp, nil
}

func (b *Binance) signedGet(ctx context.Context, path string, params url.Values, into any) error {
	return b.signedDo(ctx, http.MethodGet, path, params, into)
}

func (b *Binance) signedPost(ctx context.Context, path string, params url.Values, into any) error {
	return b.signedDo(ctx, http.MethodPost, path, params, into)
}

func (b *Binance) signedDo(ctx context.Context, method, path string, params url.Values, into any) error {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")

	mac := hmac.New(sha256.New, []byte(b.apiSecret))
	mac.Write([]byte(params.Encode()))
	params.Set("signature", hex.EncodeToString(mac.Sum(nil)))

	req, err := http.NewRequestWithContext(ctx, method, b.restURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-MBX-APIKEY", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &apiErr) == nil && resp.StatusCode < 500 {
			switch {
			case apiErr.Code == -2013 || apiErr.Code == -2011:
				return fmt.Errorf("%w: code %d: %s", interfaces.ErrOrderNotFound, apiErr.Code, apiErr.Msg)
			case method == http.MethodPost:
				// 4xx on placement is a business rejection.
				return fmt.Errorf("%w: code %d: %s", interfaces.ErrOrderRejected, apiErr.Code, apiErr.Msg)
			}
		}
		return fmt.Errorf("exchange: %s http %d: %s", path, resp.StatusCode, string(body))
	}
	if into == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

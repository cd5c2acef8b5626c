package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/krobus00/exchange-core/internal/config"
	"github.com/krobus00/exchange-core/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	binanceWSReconnectMinDelay = 1 * time.Second
	binanceWSReconnectMaxDelay = 15 * time.Second
	binanceWSReconnectFactor   = 2.0

	defaultBinanceBaseURL    = "https://api.binance.com"
	defaultBinanceWSURL      = "wss://stream.binance.com:9443/ws"
	defaultBinanceRecvWindow = int64(5000)
	defaultRateLimitPerSec   = 10.0
	defaultRateLimitBurst    = 20
)

// BinanceGateway implements the entity.Gateway capability set for a
// Binance-style spot API: signed REST request/response calls plus one
// streaming channel for book diffs, execution reports and balance updates.
// It owns signing, rate limiting and stream reconnects; it never interprets
// event semantics.
type BinanceGateway struct {
	apiKey     string
	apiSecret  string
	baseURL    string
	wsURL      string
	recvWindow int64
	httpClient *http.Client
	limiter    *rate.Limiter

	instruments      []entity.Instrument
	instrumentBySymb map[string]entity.Instrument

	// lastBalances is touched only from the stream read loop.
	lastBalances map[entity.CurrencyCode][2]decimal.Decimal
}

func InitBinanceGateway(exchangeConfig config.ExchangeConfig, instruments []entity.Instrument) *BinanceGateway {
	baseURL := strings.TrimSpace(exchangeConfig.BaseURL)
	if baseURL == "" {
		baseURL = defaultBinanceBaseURL
	}

	wsURL := strings.TrimSpace(exchangeConfig.WSURL)
	if wsURL == "" {
		wsURL = defaultBinanceWSURL
	}

	recvWindow := exchangeConfig.RecvWindow
	if recvWindow <= 0 || recvWindow > 60000 {
		recvWindow = defaultBinanceRecvWindow
	}

	limitPerSec := exchangeConfig.RateLimitPerSec
	if limitPerSec <= 0 {
		limitPerSec = defaultRateLimitPerSec
	}
	burst := exchangeConfig.RateLimitBurst
	if burst <= 0 {
		burst = defaultRateLimitBurst
	}

	instrumentBySymb := make(map[string]entity.Instrument, len(instruments))
	for _, instrument := range instruments {
		instrumentBySymb[binanceSymbol(instrument)] = instrument
	}

	newGateway := &BinanceGateway{
		apiKey:           strings.TrimSpace(exchangeConfig.APIKey),
		apiSecret:        strings.TrimSpace(exchangeConfig.APISecret),
		baseURL:          strings.TrimRight(baseURL, "/"),
		wsURL:            wsURL,
		recvWindow:       recvWindow,
		httpClient:       &http.Client{Timeout: 15 * time.Second},
		limiter:          rate.NewLimiter(rate.Limit(limitPerSec), burst),
		instruments:      instruments,
		instrumentBySymb: instrumentBySymb,
	}

	RegisterGateway(entity.ExchangeBinance, newGateway)

	return newGateway
}

func (g *BinanceGateway) Name() entity.ExchangeName {
	return entity.ExchangeBinance
}

func binanceSymbol(instrument entity.Instrument) string {
	return strings.ToUpper(string(instrument.Base) + string(instrument.Quote))
}

func (g *BinanceGateway) resolveInstrument(symbol string) (entity.Instrument, bool) {
	instrument, ok := g.instrumentBySymb[strings.ToUpper(strings.TrimSpace(symbol))]
	return instrument, ok
}

func (g *BinanceGateway) PlaceOrder(ctx context.Context, order entity.Order) (*entity.PlaceOrderAck, error) {
	if err := g.checkCredentials(); err != nil {
		return nil, err
	}

	pairs := []string{
		"symbol=" + binanceSymbol(order.Instrument),
		"side=" + string(order.Side),
		"type=" + string(order.Type),
		"quantity=" + order.Quantity.String(),
		"newClientOrderId=" + url.QueryEscape(order.ClientOrderID),
	}
	if order.Type == entity.OrderTypeLimit {
		if order.Price == nil {
			return nil, entity.NewGatewayError(entity.FailureRejected, fmt.Errorf("limit order without price"))
		}
		pairs = append(pairs,
			"price="+order.Price.String(),
			"timeInForce=GTC",
		)
	}

	var resp binancePlaceOrderResponse
	if err := g.signedCall(ctx, http.MethodPost, "/api/v3/order", pairs, &resp); err != nil {
		return nil, err
	}

	filled, err := binanceDecimalOrZero(resp.ExecutedQty)
	if err != nil {
		return nil, entity.NewGatewayError(entity.FailureTransient, fmt.Errorf("invalid executed quantity: %w", err))
	}

	state := binanceOrderState(resp.Status)
	ack := &entity.PlaceOrderAck{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		State:           state,
		FilledQuantity:  filled,
		At:              time.UnixMilli(resp.TransactTime).UTC(),
	}
	if avg, err := binanceAvgFillPrice(resp.CummulativeQuoteQty, filled); err == nil && avg != nil {
		ack.AvgFillPrice = avg
	}

	logrus.WithFields(logrus.Fields{
		"exchange":          g.Name(),
		"symbol":            resp.Symbol,
		"client_order_id":   order.ClientOrderID,
		"exchange_order_id": ack.ExchangeOrderID,
		"status":            resp.Status,
	}).Info("order placed")

	return ack, nil
}

func (g *BinanceGateway) CancelOrder(ctx context.Context, instrument entity.Instrument, exchangeOrderID, clientOrderID string) error {
	if err := g.checkCredentials(); err != nil {
		return err
	}

	pairs := []string{"symbol=" + binanceSymbol(instrument)}
	if strings.TrimSpace(exchangeOrderID) != "" {
		pairs = append(pairs, "orderId="+strings.TrimSpace(exchangeOrderID))
	} else {
		pairs = append(pairs, "origClientOrderId="+url.QueryEscape(strings.TrimSpace(clientOrderID)))
	}

	var resp binanceOrderStatusResponse
	return g.signedCall(ctx, http.MethodDelete, "/api/v3/order", pairs, &resp)
}

func (g *BinanceGateway) GetOrderStatus(ctx context.Context, instrument entity.Instrument, exchangeOrderID string) (*entity.OrderStatusReport, error) {
	if err := g.checkCredentials(); err != nil {
		return nil, err
	}

	pairs := []string{
		"symbol=" + binanceSymbol(instrument),
		"orderId=" + strings.TrimSpace(exchangeOrderID),
	}

	var resp binanceOrderStatusResponse
	if err := g.signedCall(ctx, http.MethodGet, "/api/v3/order", pairs, &resp); err != nil {
		return nil, err
	}

	report, err := g.mapOrderStatus(resp)
	if err != nil {
		return nil, err
	}

	return report, nil
}

func (g *BinanceGateway) GetOpenOrders(ctx context.Context) ([]entity.OrderStatusReport, error) {
	if err := g.checkCredentials(); err != nil {
		return nil, err
	}

	var resp []binanceOrderStatusResponse
	if err := g.signedCall(ctx, http.MethodGet, "/api/v3/openOrders", nil, &resp); err != nil {
		return nil, err
	}

	reports := make([]entity.OrderStatusReport, 0, len(resp))
	for _, raw := range resp {
		report, err := g.mapOrderStatus(raw)
		if err != nil {
			logrus.WithError(err).WithField("symbol", raw.Symbol).Warn("skipping unmappable open order")
			continue
		}
		reports = append(reports, *report)
	}

	return reports, nil
}

func (g *BinanceGateway) GetBalances(ctx context.Context) ([]entity.Balance, error) {
	if err := g.checkCredentials(); err != nil {
		return nil, err
	}

	var resp struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := g.signedCall(ctx, http.MethodGet, "/api/v3/account", nil, &resp); err != nil {
		return nil, err
	}

	balances := make([]entity.Balance, 0, len(resp.Balances))
	for _, raw := range resp.Balances {
		available, err := binanceDecimalOrZero(raw.Free)
		if err != nil {
			continue
		}
		reserved, err := binanceDecimalOrZero(raw.Locked)
		if err != nil {
			continue
		}
		balances = append(balances, entity.Balance{
			Exchange:  g.Name(),
			Currency:  entity.CurrencyCode(strings.ToUpper(raw.Asset)),
			Available: available,
			Reserved:  reserved,
		})
	}

	return balances, nil
}

func (g *BinanceGateway) GetBookSnapshot(ctx context.Context, instrument entity.Instrument) (*entity.OrderBookSnapshot, error) {
	endpoint := fmt.Sprintf("%s/api/v3/depth?symbol=%s&limit=100", g.baseURL, binanceSymbol(instrument))

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, entity.NewGatewayError(entity.FailureTransient, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, entity.NewGatewayError(entity.FailureTransient, err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, entity.NewGatewayError(entity.FailureTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, entity.NewGatewayError(entity.FailureTransient, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, g.classifyHTTPFailure(resp.StatusCode, body)
	}

	var depth struct {
		LastUpdateID uint64     `json:"lastUpdateId"`
		Bids         [][]string `json:"bids"`
		Asks         [][]string `json:"asks"`
	}
	if err := json.Unmarshal(body, &depth); err != nil {
		return nil, entity.NewGatewayError(entity.FailureTransient, fmt.Errorf("depth parse failed: %w", err))
	}

	bids, err := parseBinanceLevels(depth.Bids)
	if err != nil {
		return nil, entity.NewGatewayError(entity.FailureTransient, err)
	}
	asks, err := parseBinanceLevels(depth.Asks)
	if err != nil {
		return nil, entity.NewGatewayError(entity.FailureTransient, err)
	}

	return &entity.OrderBookSnapshot{
		Instrument: instrument,
		Sequence:   depth.LastUpdateID,
		Bids:       bids,
		Asks:       asks,
		UpdatedAt:  time.Now().UTC(),
	}, nil
}

// Subscribe runs the streaming channel until ctx ends, reconnecting with
// jittered backoff. After every (re)connect a STREAM_GAP marker is emitted
// before any further event so the consumer knows continuity is broken.
func (g *BinanceGateway) Subscribe(ctx context.Context, instruments []entity.Instrument, events chan<- entity.StreamEvent) error {
	wsHost, err := url.Parse(g.wsURL)
	if err != nil {
		return fmt.Errorf("invalid binance ws url: %w", err)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	attempt := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		logrus.Infof("connecting to %s", wsHost.String())
		conn, _, err := websocket.DefaultDialer.Dial(wsHost.String(), nil)
		if err != nil {
			wait := binanceReconnectDelay(attempt, rng)
			attempt++
			logrus.WithFields(logrus.Fields{"retry_in": wait.String(), "attempt": attempt}).Warnf("binance ws dial failed: %v", err)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		attempt = 0
		conn.SetPongHandler(func(string) error {
			return nil
		})

		// Continuity cannot be assumed across connects.
		g.emit(ctx, events, entity.StreamEvent{
			Type:     entity.StreamEventGap,
			Exchange: g.Name(),
			At:       time.Now().UTC(),
		})

		if err := g.writeSubscriptions(conn, instruments); err != nil {
			conn.Close()
			wait := binanceReconnectDelay(attempt, rng)
			attempt++
			logrus.WithFields(logrus.Fields{"retry_in": wait.String(), "attempt": attempt}).Warnf("binance ws subscribe failed: %v", err)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return nil
			}
		}

		stopPing := make(chan struct{})
		go func(c *websocket.Conn) {
			ticker := time.NewTicker(2 * time.Minute)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
						logrus.Error(err)
						return
					}
				case <-ctx.Done():
					return
				case <-stopPing:
					return
				}
			}
		}(conn)

		ctxDone := make(chan struct{})
		go func(c *websocket.Conn) {
			select {
			case <-ctx.Done():
				_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				_ = c.Close()
			case <-ctxDone:
			}
		}(conn)

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					close(stopPing)
					close(ctxDone)
					return nil
				}

				logrus.Errorf("binance ws read failed: %v", err)
				break
			}

			if err := g.handleStreamMessage(ctx, message, events); err != nil {
				logrus.Errorf("binance ws handle message failed: %v", err)
				continue
			}
		}

		close(stopPing)
		close(ctxDone)
		_ = conn.Close()

		wait := binanceReconnectDelay(attempt, rng)
		attempt++
		logrus.WithFields(logrus.Fields{"retry_in": wait.String(), "attempt": attempt}).Warn("reconnecting binance ws")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil
		}
	}
}

func (g *BinanceGateway) writeSubscriptions(conn *websocket.Conn, instruments []entity.Instrument) error {
	params := make([]string, 0, len(instruments)+1)
	for _, instrument := range instruments {
		params = append(params, strings.ToLower(binanceSymbol(instrument))+"@depth")
	}
	params = append(params, "executionReport", "outboundAccountPosition")

	return conn.WriteJSON(map[string]any{
		"method": "SUBSCRIBE",
		"params": params,
		"id":     time.Now().UnixMilli(),
	})
}

func (g *BinanceGateway) handleStreamMessage(ctx context.Context, message []byte, events chan<- entity.StreamEvent) error {
	var header struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(message, &header); err != nil {
		return err
	}

	switch header.Event {
	case "depthUpdate":
		return g.handleDepthUpdate(ctx, message, events)
	case "executionReport":
		return g.handleExecutionReport(ctx, message, events)
	case "outboundAccountPosition":
		return g.handleAccountPosition(ctx, message, events)
	default:
		// subscription acks and unknown events are ignored
		return nil
	}
}

func (g *BinanceGateway) handleDepthUpdate(ctx context.Context, message []byte, events chan<- entity.StreamEvent) error {
	var payload struct {
		Event     string     `json:"e"`
		EventTime int64      `json:"E"`
		Symbol    string     `json:"s"`
		Sequence  uint64     `json:"u"`
		Bids      [][]string `json:"b"`
		Asks      [][]string `json:"a"`
	}
	if err := json.Unmarshal(message, &payload); err != nil {
		return err
	}

	instrument, ok := g.resolveInstrument(payload.Symbol)
	if !ok {
		return nil
	}

	bids, err := parseBinanceLevels(payload.Bids)
	if err != nil {
		return fmt.Errorf("invalid bid levels: %w", err)
	}
	asks, err := parseBinanceLevels(payload.Asks)
	if err != nil {
		return fmt.Errorf("invalid ask levels: %w", err)
	}

	g.emit(ctx, events, entity.StreamEvent{
		Type:     entity.StreamEventBookDiff,
		Exchange: g.Name(),
		BookDiff: &entity.BookDiff{
			Instrument: instrument,
			Sequence:   payload.Sequence,
			Bids:       bids,
			Asks:       asks,
		},
		At: time.UnixMilli(payload.EventTime).UTC(),
	})

	return nil
}

func (g *BinanceGateway) handleExecutionReport(ctx context.Context, message []byte, events chan<- entity.StreamEvent) error {
	var payload struct {
		Event         string `json:"e"`
		EventTime     int64  `json:"E"`
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		OrderID       int64  `json:"i"`
		Status        string `json:"X"`
		CumFilledQty  string `json:"z"`
		CumQuoteQty   string `json:"Z"`
		RejectReason  string `json:"r"`
	}
	if err := json.Unmarshal(message, &payload); err != nil {
		return err
	}

	instrument, ok := g.resolveInstrument(payload.Symbol)
	if !ok {
		return nil
	}

	filled, err := binanceDecimalOrZero(payload.CumFilledQty)
	if err != nil {
		return fmt.Errorf("invalid cumulative fill: %w", err)
	}

	report := &entity.ExecutionReport{
		Exchange:        g.Name(),
		Instrument:      instrument,
		ExchangeOrderID: strconv.FormatInt(payload.OrderID, 10),
		ClientOrderID:   strings.TrimSpace(payload.ClientOrderID),
		State:           binanceOrderState(payload.Status),
		FilledQuantity:  filled,
		At:              time.UnixMilli(payload.EventTime).UTC(),
	}
	if reason := strings.TrimSpace(payload.RejectReason); reason != "" && reason != "NONE" {
		report.Reason = reason
	}
	if avg, err := binanceAvgFillPrice(payload.CumQuoteQty, filled); err == nil && avg != nil {
		report.AvgFillPrice = avg
	}

	g.emit(ctx, events, entity.StreamEvent{
		Type:     entity.StreamEventExecutionReport,
		Exchange: g.Name(),
		Report:   report,
		At:       report.At,
	})

	return nil
}

func (g *BinanceGateway) handleAccountPosition(ctx context.Context, message []byte, events chan<- entity.StreamEvent) error {
	var payload struct {
		Event     string `json:"e"`
		EventTime int64  `json:"E"`
		Balances  []struct {
			Asset  string `json:"a"`
			Free   string `json:"f"`
			Locked string `json:"l"`
		} `json:"B"`
	}
	if err := json.Unmarshal(message, &payload); err != nil {
		return err
	}

	at := time.UnixMilli(payload.EventTime).UTC()
	for _, raw := range payload.Balances {
		available, err := binanceDecimalOrZero(raw.Free)
		if err != nil {
			continue
		}
		reserved, err := binanceDecimalOrZero(raw.Locked)
		if err != nil {
			continue
		}

		currency := entity.CurrencyCode(strings.ToUpper(strings.TrimSpace(raw.Asset)))
		delta, known := g.accountDelta(currency, available, reserved)
		if !known {
			continue
		}

		g.emit(ctx, events, entity.StreamEvent{
			Type:     entity.StreamEventBalanceDelta,
			Exchange: g.Name(),
			Delta:    &delta,
			At:       at,
		})
	}

	return nil
}

// accountDelta converts the absolute balances the stream carries into the
// confirmed deltas the engine consumes. The first observation of a currency
// only primes the baseline.
func (g *BinanceGateway) accountDelta(currency entity.CurrencyCode, available, reserved decimal.Decimal) (entity.BalanceDelta, bool) {
	if g.lastBalances == nil {
		g.lastBalances = make(map[entity.CurrencyCode][2]decimal.Decimal)
	}

	prev, known := g.lastBalances[currency]
	g.lastBalances[currency] = [2]decimal.Decimal{available, reserved}
	if !known {
		return entity.BalanceDelta{}, false
	}

	return entity.BalanceDelta{
		Exchange:  g.Name(),
		Currency:  currency,
		Available: available.Sub(prev[0]),
		Reserved:  reserved.Sub(prev[1]),
	}, true
}

func (g *BinanceGateway) emit(ctx context.Context, events chan<- entity.StreamEvent, event entity.StreamEvent) {
	select {
	case events <- event:
	case <-ctx.Done():
	}
}

func (g *BinanceGateway) checkCredentials() error {
	if g.apiKey == "" || g.apiSecret == "" {
		return entity.NewGatewayError(entity.FailureFatal, fmt.Errorf("binance credentials are missing in config"))
	}
	return nil
}

// signedCall signs and executes one request call, decoding the payload into
// out and classifying every failure.
func (g *BinanceGateway) signedCall(ctx context.Context, method, path string, pairs []string, out any) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return entity.NewGatewayError(entity.FailureTransient, err)
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	pairs = append(pairs,
		"timestamp="+timestamp,
		"recvWindow="+strconv.FormatInt(g.recvWindow, 10),
	)

	payload := strings.Join(pairs, "&")
	signature := hmacSHA256Hex(g.apiSecret, payload)
	query := payload + "&signature=" + signature

	var req *http.Request
	var err error
	if method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, g.baseURL+path, strings.NewReader(query))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, g.baseURL+path+"?"+query, nil)
	}
	if err != nil {
		return entity.NewGatewayError(entity.FailureTransient, err)
	}

	req.Header.Set("X-MBX-APIKEY", g.apiKey)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return entity.NewGatewayError(entity.FailureTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return entity.NewGatewayError(entity.FailureTransient, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return g.classifyHTTPFailure(resp.StatusCode, body)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return entity.NewGatewayError(entity.FailureTransient,
			fmt.Errorf("binance response parse failed: status=%d body=%s", resp.StatusCode, string(body)))
	}

	return nil
}

func (g *BinanceGateway) classifyHTTPFailure(statusCode int, body []byte) error {
	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	_ = json.Unmarshal(body, &apiErr)

	err := fmt.Errorf("binance call failed: status=%d code=%d message=%s", statusCode, apiErr.Code, apiErr.Msg)

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return entity.NewGatewayError(entity.FailureFatal, err)
	case statusCode == http.StatusTooManyRequests || statusCode >= http.StatusInternalServerError:
		return entity.NewGatewayError(entity.FailureTransient, err)
	default:
		return entity.NewGatewayError(entity.FailureRejected, err)
	}
}

func (g *BinanceGateway) mapOrderStatus(resp binanceOrderStatusResponse) (*entity.OrderStatusReport, error) {
	instrument, ok := g.resolveInstrument(resp.Symbol)
	if !ok {
		return nil, fmt.Errorf("unknown binance symbol: %s", resp.Symbol)
	}

	filled, err := binanceDecimalOrZero(resp.ExecutedQty)
	if err != nil {
		return nil, fmt.Errorf("invalid executed quantity: %w", err)
	}

	report := &entity.OrderStatusReport{
		Instrument:      instrument,
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID:   strings.TrimSpace(resp.ClientOrderID),
		State:           binanceOrderState(resp.Status),
		FilledQuantity:  filled,
	}
	if avg, err := binanceAvgFillPrice(resp.CummulativeQuoteQty, filled); err == nil && avg != nil {
		report.AvgFillPrice = avg
	}

	return report, nil
}

type binancePlaceOrderResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	TransactTime        int64  `json:"transactTime"`
	Price               string `json:"price"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
}

type binanceOrderStatusResponse struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Price               string `json:"price"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
}

func binanceOrderState(status string) entity.OrderState {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "NEW":
		return entity.OrderStateAccepted
	case "PARTIALLY_FILLED":
		return entity.OrderStatePartiallyFilled
	case "FILLED":
		return entity.OrderStateFilled
	case "CANCELED", "PENDING_CANCEL":
		return entity.OrderStateCancelled
	case "REJECTED":
		return entity.OrderStateRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return entity.OrderStateExpired
	default:
		return entity.OrderStateAccepted
	}
}

func parseBinanceLevels(raw [][]string) ([]entity.PriceLevel, error) {
	levels := make([]entity.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		price, err := decimal.NewFromString(pair[0])
		if err != nil {
			return nil, fmt.Errorf("invalid level price: %w", err)
		}
		quantity, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("invalid level quantity: %w", err)
		}
		levels = append(levels, entity.PriceLevel{Price: price, Quantity: quantity})
	}

	return levels, nil
}

func binanceDecimalOrZero(raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(trimmed)
}

// binanceAvgFillPrice derives the average fill price from the cumulative
// quote quantity the API reports.
func binanceAvgFillPrice(cumQuote string, filled decimal.Decimal) (*decimal.Decimal, error) {
	if !filled.GreaterThan(decimal.Zero) {
		return nil, nil
	}

	quote, err := binanceDecimalOrZero(cumQuote)
	if err != nil {
		return nil, err
	}
	if !quote.GreaterThan(decimal.Zero) {
		return nil, nil
	}

	avg := quote.Div(filled)
	return &avg, nil
}

func hmacSHA256Hex(secret, payload string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(payload))
	return fmt.Sprintf("%x", h.Sum(nil))
}

func binanceReconnectDelay(attempt int, rng *rand.Rand) time.Duration {
	backoff := float64(binanceWSReconnectMinDelay) * math.Pow(binanceWSReconnectFactor, float64(attempt))
	if backoff > float64(binanceWSReconnectMaxDelay) {
		backoff = float64(binanceWSReconnectMaxDelay)
	}

	base := time.Duration(backoff)
	if binanceWSReconnectMaxDelay <= binanceWSReconnectMinDelay {
		return base
	}

	jitterWindow := binanceWSReconnectMaxDelay - binanceWSReconnectMinDelay
	jitter := time.Duration(rng.Int63n(int64(jitterWindow) + 1))
	result := base + jitter
	if result > binanceWSReconnectMaxDelay {
		return binanceWSReconnectMaxDelay
	}

	return result
}

package http

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/krobus00/exchange-core/internal/config"
	"github.com/krobus00/exchange-core/internal/entity"
	"github.com/krobus00/exchange-core/internal/service/book"
	"github.com/krobus00/exchange-core/internal/service/lifecycle"
	"github.com/krobus00/exchange-core/internal/service/registry"
	"github.com/shopspring/decimal"
)

var (
	errAPIKeyMissing  = errors.New("api key is required")
	errAPIKeyInvalid  = errors.New("invalid api key")
	errAPIKeyInactive = errors.New("api key is inactive")
	errAPIKeyExpired  = errors.New("api key is expired")
)

type SubmitOrderRequest struct {
	ApiKey   string `json:"api_key"`
	Exchange string `json:"exchange"`
	Base     string `json:"base"`
	Quote    string `json:"quote"`
	Side     string `json:"side"`
	Type     string `json:"type"`
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
	Source   string `json:"source"`
}

type OrderResponse struct {
	ClientOrderID   string  `json:"client_order_id"`
	ExchangeOrderID *string `json:"exchange_order_id,omitempty"`
	Exchange        string  `json:"exchange"`
	Base            string  `json:"base"`
	Quote           string  `json:"quote"`
	Side            string  `json:"side"`
	Type            string  `json:"type"`
	Price           *string `json:"price,omitempty"`
	Quantity        string  `json:"quantity"`
	FilledQuantity  string  `json:"filled_quantity"`
	AvgFillPrice    *string `json:"avg_fill_price,omitempty"`
	State           string  `json:"state"`
	Reason          *string `json:"reason,omitempty"`
	RetryCount      int     `json:"retry_count"`
	Version         uint64  `json:"version"`
	Source          *string `json:"source,omitempty"`
	CreatedAt       int64   `json:"created_at"`
	UpdatedAt       int64   `json:"updated_at"`
}

type CancelOrderRequest struct {
	ApiKey        string `json:"api_key"`
	ClientOrderID string `json:"client_order_id"`
}

type GatewayControlRequest struct {
	ApiKey   string `json:"api_key"`
	Exchange string `json:"exchange"`
	Reason   string `json:"reason"`
}

type BalanceResponse struct {
	Exchange  string `json:"exchange"`
	Currency  string `json:"currency"`
	Available string `json:"available"`
	Reserved  string `json:"reserved"`
	Total     string `json:"total"`
	Version   uint64 `json:"version"`
	UpdatedAt int64  `json:"updated_at"`
}

type BookLevelResponse struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

type BookResponse struct {
	Exchange  string              `json:"exchange"`
	Base      string              `json:"base"`
	Quote     string              `json:"quote"`
	Sequence  uint64              `json:"sequence"`
	Bids      []BookLevelResponse `json:"bids"`
	Asks      []BookLevelResponse `json:"asks"`
	UpdatedAt int64               `json:"updated_at"`
}

type Handler struct {
	manager  *lifecycle.Manager
	orders   *registry.OrderRegistry
	balances *registry.BalanceStore
	books    *book.Store
}

func NewEngineHTTPHandler(
	manager *lifecycle.Manager,
	orders *registry.OrderRegistry,
	balances *registry.BalanceStore,
	books *book.Store,
) *Handler {
	return &Handler{
		manager:  manager,
		orders:   orders,
		balances: balances,
		books:    books,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/engine/v1/orders", h.Orders)
	mux.HandleFunc("/engine/v1/orders/cancel", h.CancelOrder)
	mux.HandleFunc("/engine/v1/balances", h.Balances)
	mux.HandleFunc("/engine/v1/book", h.Book)
	mux.HandleFunc("/engine/v1/gateways/halt", h.HaltGateway)
	mux.HandleFunc("/engine/v1/gateways/clear", h.ClearHalt)
}

// Orders serves POST (submit) and GET (single order or listing).
func (h *Handler) Orders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.submitOrder(w, r)
	case http.MethodGet:
		h.getOrders(w, r)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
	}
}

func (h *Handler) submitOrder(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req SubmitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return
	}

	if err := validateAPIKey(resolveAPIKey(r, req.ApiKey)); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	if strings.TrimSpace(req.Exchange) == "" || strings.TrimSpace(req.Base) == "" || strings.TrimSpace(req.Quote) == "" || strings.TrimSpace(req.Side) == "" || strings.TrimSpace(req.Type) == "" || strings.TrimSpace(req.Quantity) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing required fields"})
		return
	}

	orderReq, err := mapSubmitRequest(&req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	order, err := h.manager.SubmitOrder(r.Context(), orderReq)
	if err != nil {
		switch {
		case errors.Is(err, entity.ErrGatewayHalted):
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "gateway halted"})
		case errors.Is(err, entity.ErrGatewayNotFound):
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown exchange"})
		case errors.Is(err, entity.ErrDuplicateOrder):
			writeJSON(w, http.StatusConflict, map[string]any{"error": "duplicate order"})
		default:
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		}
		return
	}

	writeJSON(w, http.StatusAccepted, mapOrderToResponse(order))
}

func (h *Handler) getOrders(w http.ResponseWriter, r *http.Request) {
	if err := validateAPIKey(resolveAPIKey(r, "")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	if clientOrderID := strings.TrimSpace(r.URL.Query().Get("client_order_id")); clientOrderID != "" {
		order, ok := h.orders.Get(clientOrderID)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "order not found"})
			return
		}
		writeJSON(w, http.StatusOK, mapOrderToResponse(order))
		return
	}

	exchange := entity.ExchangeName(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("exchange"))))

	var orders []entity.Order
	if r.URL.Query().Get("active") == "true" {
		orders = h.orders.ListActive(exchange)
	} else {
		orders = h.orders.List(exchange)
	}

	responses := make([]*OrderResponse, 0, len(orders))
	for idx := range orders {
		responses = append(responses, mapOrderToResponse(&orders[idx]))
	}

	writeJSON(w, http.StatusOK, responses)
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	defer r.Body.Close()

	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return
	}

	if err := validateAPIKey(resolveAPIKey(r, req.ApiKey)); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	if strings.TrimSpace(req.ClientOrderID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "client_order_id is required"})
		return
	}

	err := h.manager.CancelOrder(r.Context(), req.ClientOrderID)
	if err != nil {
		switch {
		case errors.Is(err, entity.ErrOrderNotFound):
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "order not found"})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"client_order_id": req.ClientOrderID,
		"status":          "cancel_requested",
	})
}

func (h *Handler) Balances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	if err := validateAPIKey(resolveAPIKey(r, "")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	exchange := entity.ExchangeName(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("exchange"))))
	balances := h.balances.List(exchange)

	responses := make([]BalanceResponse, 0, len(balances))
	for _, balance := range balances {
		responses = append(responses, BalanceResponse{
			Exchange:  string(balance.Exchange),
			Currency:  string(balance.Currency),
			Available: balance.Available.String(),
			Reserved:  balance.Reserved.String(),
			Total:     balance.Total().String(),
			Version:   balance.Version,
			UpdatedAt: balance.UpdatedAt.UnixMilli(),
		})
	}

	writeJSON(w, http.StatusOK, responses)
}

func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	if err := validateAPIKey(resolveAPIKey(r, "")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	query := r.URL.Query()
	instrument := entity.NewInstrument(
		entity.CurrencyCode(query.Get("base")),
		entity.CurrencyCode(query.Get("quote")),
		entity.ExchangeName(strings.ToLower(strings.TrimSpace(query.Get("exchange")))),
	)

	snapshot, ok := h.books.Read(instrument)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "no book for instrument"})
		return
	}

	writeJSON(w, http.StatusOK, mapBookToResponse(snapshot))
}

func (h *Handler) HaltGateway(w http.ResponseWriter, r *http.Request) {
	h.gatewayControl(w, r, func(req *GatewayControlRequest) error {
		reason := strings.TrimSpace(req.Reason)
		if reason == "" {
			reason = "manual halt"
		}
		return h.manager.HaltGateway(r.Context(), entity.ExchangeName(strings.ToLower(req.Exchange)), reason)
	}, "halted")
}

func (h *Handler) ClearHalt(w http.ResponseWriter, r *http.Request) {
	h.gatewayControl(w, r, func(req *GatewayControlRequest) error {
		return h.manager.ClearHalt(r.Context(), entity.ExchangeName(strings.ToLower(req.Exchange)))
	}, "cleared")
}

func (h *Handler) gatewayControl(w http.ResponseWriter, r *http.Request, action func(*GatewayControlRequest) error, status string) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	defer r.Body.Close()

	var req GatewayControlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json body"})
		return
	}

	if err := validateAPIKey(resolveAPIKey(r, req.ApiKey)); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}

	if strings.TrimSpace(req.Exchange) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "exchange is required"})
		return
	}

	if err := action(&req); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal server error"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"exchange": strings.ToLower(req.Exchange),
		"status":   status,
	})
}

func mapSubmitRequest(req *SubmitOrderRequest) (entity.OrderRequest, error) {
	quantity, err := decimal.NewFromString(strings.TrimSpace(req.Quantity))
	if err != nil {
		return entity.OrderRequest{}, errors.New("invalid quantity")
	}

	orderType := entity.OrderType(strings.ToUpper(strings.TrimSpace(req.Type)))

	var price *decimal.Decimal
	if orderType == entity.OrderTypeLimit {
		parsed, err := decimal.NewFromString(strings.TrimSpace(req.Price))
		if err != nil {
			return entity.OrderRequest{}, errors.New("invalid price")
		}
		price = &parsed
	}

	return entity.OrderRequest{
		Instrument: entity.NewInstrument(
			entity.CurrencyCode(req.Base),
			entity.CurrencyCode(req.Quote),
			entity.ExchangeName(strings.ToLower(strings.TrimSpace(req.Exchange))),
		),
		Side:     entity.OrderSide(strings.ToUpper(strings.TrimSpace(req.Side))),
		Type:     orderType,
		Price:    price,
		Quantity: quantity,
		Source:   strings.TrimSpace(req.Source),
	}, nil
}

func mapOrderToResponse(order *entity.Order) *OrderResponse {
	var exchangeOrderID *string
	if order.ExchangeOrderID != "" {
		v := order.ExchangeOrderID
		exchangeOrderID = &v
	}

	var price *string
	if order.Price != nil {
		v := order.Price.String()
		price = &v
	}

	var avgFillPrice *string
	if order.AvgFillPrice != nil {
		v := order.AvgFillPrice.String()
		avgFillPrice = &v
	}

	var reason *string
	if order.Reason != "" {
		v := order.Reason
		reason = &v
	}

	var source *string
	if order.Source != "" {
		v := order.Source
		source = &v
	}

	return &OrderResponse{
		ClientOrderID:   order.ClientOrderID,
		ExchangeOrderID: exchangeOrderID,
		Exchange:        string(order.Instrument.Exchange),
		Base:            string(order.Instrument.Base),
		Quote:           string(order.Instrument.Quote),
		Side:            string(order.Side),
		Type:            string(order.Type),
		Price:           price,
		Quantity:        order.Quantity.String(),
		FilledQuantity:  order.FilledQuantity.String(),
		AvgFillPrice:    avgFillPrice,
		State:           string(order.State),
		Reason:          reason,
		RetryCount:      order.RetryCount,
		Version:         order.Version,
		Source:          source,
		CreatedAt:       order.CreatedAt.UnixMilli(),
		UpdatedAt:       order.UpdatedAt.UnixMilli(),
	}
}

func mapBookToResponse(snapshot *entity.OrderBookSnapshot) *BookResponse {
	bids := make([]BookLevelResponse, 0, len(snapshot.Bids))
	for _, level := range snapshot.Bids {
		bids = append(bids, BookLevelResponse{Price: level.Price.String(), Quantity: level.Quantity.String()})
	}

	asks := make([]BookLevelResponse, 0, len(snapshot.Asks))
	for _, level := range snapshot.Asks {
		asks = append(asks, BookLevelResponse{Price: level.Price.String(), Quantity: level.Quantity.String()})
	}

	return &BookResponse{
		Exchange:  string(snapshot.Instrument.Exchange),
		Base:      string(snapshot.Instrument.Base),
		Quote:     string(snapshot.Instrument.Quote),
		Sequence:  snapshot.Sequence,
		Bids:      bids,
		Asks:      asks,
		UpdatedAt: snapshot.UpdatedAt.UnixMilli(),
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func resolveAPIKey(r *http.Request, bodyKey string) string {
	if headerKey := strings.TrimSpace(r.Header.Get("X-API-Key")); headerKey != "" {
		return headerKey
	}

	return strings.TrimSpace(bodyKey)
}

func validateAPIKey(rawAPIKey string) error {
	apiKey := strings.TrimSpace(rawAPIKey)
	if apiKey == "" {
		return errAPIKeyMissing
	}

	if config.Env == nil || len(config.Env.APIKeys) == 0 {
		return errAPIKeyInvalid
	}

	now := time.Now().UTC()
	for _, candidate := range config.Env.APIKeys {
		storedKey := strings.TrimSpace(candidate.Key)
		if storedKey == "" {
			continue
		}

		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(storedKey)) != 1 {
			continue
		}

		if !candidate.Active {
			return errAPIKeyInactive
		}

		expiredAt, hasExpiry, err := parseExpiry(candidate.ExpiredAt)
		if err != nil {
			return errAPIKeyInvalid
		}
		if !hasExpiry {
			return nil
		}

		if !now.Before(expiredAt) {
			return errAPIKeyExpired
		}

		return nil
	}

	return errAPIKeyInvalid
}

func parseExpiry(value any) (time.Time, bool, error) {
	if value == nil {
		return time.Time{}, false, nil
	}

	switch v := value.(type) {
	case time.Time:
		if v.IsZero() {
			return time.Time{}, false, nil
		}
		return v.UTC(), true, nil
	case string:
		raw := strings.TrimSpace(v)
		if raw == "" {
			return time.Time{}, false, nil
		}

		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			return parsed.UTC(), true, nil
		}

		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, false, err
		}

		return parsed.UTC().Add(24 * time.Hour), true, nil
	default:
		return time.Time{}, false, errors.New("unsupported expiry type")
	}
}

package entity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type ExchangeName string

const (
	ExchangeBinance ExchangeName = "binance"
)

// FailureKind classifies a gateway call failure. Transient failures are
// retried with backoff, Rejected failures terminate the one order, Fatal
// failures halt new submission on the gateway until manually cleared.
type FailureKind string

const (
	FailureTransient FailureKind = "TRANSIENT"
	FailureRejected  FailureKind = "REJECTED"
	FailureFatal     FailureKind = "FATAL"
)

type GatewayError struct {
	Kind FailureKind
	Err  error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway %s failure: %v", e.Kind, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

func NewGatewayError(kind FailureKind, err error) *GatewayError {
	return &GatewayError{Kind: kind, Err: err}
}

// ClassifyGatewayError extracts the failure kind from any error returned by a
// gateway call. Unclassified errors (including deadline expiry) count as
// transient.
func ClassifyGatewayError(err error) FailureKind {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	return FailureTransient
}

type StreamEventType string

const (
	StreamEventBookDiff        StreamEventType = "BOOK_DIFF"
	StreamEventExecutionReport StreamEventType = "EXECUTION_REPORT"
	StreamEventBalanceDelta    StreamEventType = "BALANCE_DELTA"
	// StreamEventGap marks that the streaming channel disconnected and
	// resumed; continuity of diffs and reports must not be assumed until a
	// full reconciliation runs.
	StreamEventGap StreamEventType = "STREAM_GAP"
)

// ExecutionReport is a streamed order update. FilledQuantity is the
// cumulative fill watermark, not a per-fill increment.
type ExecutionReport struct {
	Exchange        ExchangeName     `json:"exchange"`
	Instrument      Instrument       `json:"instrument"`
	ExchangeOrderID string           `json:"exchange_order_id"`
	ClientOrderID   string           `json:"client_order_id,omitempty"`
	State           OrderState       `json:"state"`
	FilledQuantity  decimal.Decimal  `json:"filled_quantity"`
	AvgFillPrice    *decimal.Decimal `json:"avg_fill_price,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	At              time.Time        `json:"at"`
}

type StreamEvent struct {
	Type     StreamEventType  `json:"type"`
	Exchange ExchangeName     `json:"exchange"`
	BookDiff *BookDiff        `json:"book_diff,omitempty"`
	Report   *ExecutionReport `json:"report,omitempty"`
	Delta    *BalanceDelta    `json:"delta,omitempty"`
	At       time.Time        `json:"at"`
}

// PlaceOrderAck is the synchronous acknowledgment of a placement call.
type PlaceOrderAck struct {
	ExchangeOrderID string           `json:"exchange_order_id"`
	State           OrderState       `json:"state"`
	FilledQuantity  decimal.Decimal  `json:"filled_quantity"`
	AvgFillPrice    *decimal.Decimal `json:"avg_fill_price,omitempty"`
	At              time.Time        `json:"at"`
}

// OrderStatusReport is the authoritative order view returned by request calls
// and reconciliation snapshots.
type OrderStatusReport struct {
	Instrument      Instrument       `json:"instrument"`
	ExchangeOrderID string           `json:"exchange_order_id"`
	ClientOrderID   string           `json:"client_order_id,omitempty"`
	State           OrderState       `json:"state"`
	FilledQuantity  decimal.Decimal  `json:"filled_quantity"`
	AvgFillPrice    *decimal.Decimal `json:"avg_fill_price,omitempty"`
}

// Gateway is the capability interface one exchange adapter implements. It
// owns request signing, rate limiting and low-level stream reconnects; it
// never interprets event semantics. Subscribe delivers raw events until the
// context is cancelled and must emit a STREAM_GAP marker after every
// reconnect before resuming.
type Gateway interface {
	Name() ExchangeName
	PlaceOrder(ctx context.Context, order Order) (*PlaceOrderAck, error)
	CancelOrder(ctx context.Context, instrument Instrument, exchangeOrderID, clientOrderID string) error
	GetOrderStatus(ctx context.Context, instrument Instrument, exchangeOrderID string) (*OrderStatusReport, error)
	GetOpenOrders(ctx context.Context) ([]OrderStatusReport, error)
	GetBalances(ctx context.Context) ([]Balance, error)
	GetBookSnapshot(ctx context.Context, instrument Instrument) (*OrderBookSnapshot, error)
	Subscribe(ctx context.Context, instruments []Instrument, events chan<- StreamEvent) error
}

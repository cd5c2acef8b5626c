package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderType string
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"

	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

type OrderState string

const (
	OrderStateCreated         OrderState = "CREATED"
	OrderStateSubmitting      OrderState = "SUBMITTING"
	OrderStateAccepted        OrderState = "ACCEPTED"
	OrderStatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderStateFilled          OrderState = "FILLED"
	OrderStateCancelling      OrderState = "CANCELLING"
	OrderStateCancelled       OrderState = "CANCELLED"
	OrderStateRejected        OrderState = "REJECTED"
	OrderStateExpired         OrderState = "EXPIRED"
)

const (
	RejectReasonExchange          = "EXCHANGE_REJECTED"
	RejectReasonRetryExhausted    = "RETRY_EXHAUSTED"
	RejectReasonUnknownToExchange = "UNKNOWN_TO_EXCHANGE"
	RejectReasonGatewayHalted     = "GATEWAY_HALTED"
)

func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateExpired:
		return true
	default:
		return false
	}
}

var orderTransitions = map[OrderState][]OrderState{
	OrderStateCreated:         {OrderStateSubmitting, OrderStateCancelling, OrderStateRejected},
	OrderStateSubmitting:      {OrderStateSubmitting, OrderStateAccepted, OrderStatePartiallyFilled, OrderStateFilled, OrderStateRejected, OrderStateCancelling, OrderStateExpired},
	OrderStateAccepted:        {OrderStatePartiallyFilled, OrderStateFilled, OrderStateCancelling, OrderStateCancelled, OrderStateRejected, OrderStateExpired},
	OrderStatePartiallyFilled: {OrderStatePartiallyFilled, OrderStateFilled, OrderStateCancelling, OrderStateCancelled, OrderStateExpired},
	OrderStateCancelling:      {OrderStatePartiallyFilled, OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateExpired},
}

// CanTransition reports whether moving from one lifecycle state to another is
// a legal step of the order FSM. Terminal states accept no further moves.
func CanTransition(from, to OrderState) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order is the registry's record of one order. It is created and mutated only
// by the lifecycle manager (and the reconciler through the same
// compare-and-set interface); everything else receives copies.
type Order struct {
	ClientOrderID   string           `json:"client_order_id"`
	ExchangeOrderID string           `json:"exchange_order_id,omitempty"`
	Instrument      Instrument       `json:"instrument"`
	Side            OrderSide        `json:"side"`
	Type            OrderType        `json:"type"`
	Price           *decimal.Decimal `json:"price,omitempty"`
	Quantity        decimal.Decimal  `json:"quantity"`
	FilledQuantity  decimal.Decimal  `json:"filled_quantity"`
	AvgFillPrice    *decimal.Decimal `json:"avg_fill_price,omitempty"`
	State           OrderState       `json:"state"`
	Reason          string           `json:"reason,omitempty"`
	RetryCount      int              `json:"retry_count"`
	Version         uint64           `json:"version"`
	Source          string           `json:"source,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

func (o Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

type OrderEventType string

const (
	OrderEventCreated          OrderEventType = "CREATED"
	OrderEventSubmitted        OrderEventType = "SUBMITTED"
	OrderEventPartiallyFilled  OrderEventType = "PARTIALLY_FILLED"
	OrderEventFilled           OrderEventType = "FILLED"
	OrderEventCancelled        OrderEventType = "CANCELLED"
	OrderEventRejected         OrderEventType = "REJECTED"
	OrderEventExpired          OrderEventType = "EXPIRED"
	OrderEventBalanceChanged   OrderEventType = "BALANCE_CHANGED"
	OrderEventDispatchOverflow OrderEventType = "DISPATCH_OVERFLOW"
)

// OrderEvent is the unit pushed through the event dispatcher. Order carries
// the snapshot at transition time; Balance is set on BALANCE_CHANGED events.
type OrderEvent struct {
	Type    OrderEventType `json:"type"`
	Order   *Order         `json:"order,omitempty"`
	Balance *Balance       `json:"balance,omitempty"`
	At      time.Time      `json:"at"`
}

// OrderRequest is an order intent accepted from the control surface or a
// strategy, before it exists in the registry.
type OrderRequest struct {
	Instrument Instrument       `json:"instrument"`
	Side       OrderSide        `json:"side"`
	Type       OrderType        `json:"type"`
	Price      *decimal.Decimal `json:"price,omitempty"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Source     string           `json:"source,omitempty"`
}

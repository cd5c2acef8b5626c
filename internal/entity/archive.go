package entity

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"
)

// OrderEventArchive is the durable audit row written for every order
// lifecycle event that passes through the archive feed.
type OrderEventArchive struct {
	ID              string           `db:"id" json:"id"`
	EventType       string           `db:"event_type" json:"event_type"`
	Exchange        string           `db:"exchange" json:"exchange"`
	Symbol          string           `db:"symbol" json:"symbol"`
	ClientOrderID   string           `db:"client_order_id" json:"client_order_id"`
	ExchangeOrderID sql.NullString   `db:"exchange_order_id" json:"exchange_order_id"`
	Side            OrderSide        `db:"side" json:"side"`
	Type            OrderType        `db:"type" json:"type"`
	Price           *decimal.Decimal `db:"price" json:"price"`
	Quantity        decimal.Decimal  `db:"quantity" json:"quantity"`
	FilledQuantity  decimal.Decimal  `db:"filled_quantity" json:"filled_quantity"`
	AvgFillPrice    *decimal.Decimal `db:"avg_fill_price" json:"avg_fill_price"`
	State           string           `db:"state" json:"state"`
	Reason          sql.NullString   `db:"reason" json:"reason"`
	EventAt         time.Time        `db:"event_at" json:"event_at"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
}

func (a OrderEventArchive) TableName() string {
	return "order_events"
}

// BalanceChangeArchive records one observed balance state, written whenever a
// BALANCE_CHANGED event passes through the archive feed.
type BalanceChangeArchive struct {
	ID        string          `db:"id" json:"id"`
	Exchange  string          `db:"exchange" json:"exchange"`
	Currency  string          `db:"currency" json:"currency"`
	Available decimal.Decimal `db:"available" json:"available"`
	Reserved  decimal.Decimal `db:"reserved" json:"reserved"`
	Version   int64           `db:"version" json:"version"`
	EventAt   time.Time       `db:"event_at" json:"event_at"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

func (a BalanceChangeArchive) TableName() string {
	return "balance_changes"
}

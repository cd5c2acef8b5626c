package entity

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type CurrencyCode string

// Instrument identifies one tradable market on one exchange.
// Immutable once created.
type Instrument struct {
	Base     CurrencyCode `json:"base"`
	Quote    CurrencyCode `json:"quote"`
	Exchange ExchangeName `json:"exchange"`
}

func NewInstrument(base, quote CurrencyCode, exchange ExchangeName) Instrument {
	return Instrument{
		Base:     CurrencyCode(strings.ToUpper(strings.TrimSpace(string(base)))),
		Quote:    CurrencyCode(strings.ToUpper(strings.TrimSpace(string(quote)))),
		Exchange: exchange,
	}
}

func (i Instrument) Key() string {
	return fmt.Sprintf("%s:%s/%s", i.Exchange, i.Base, i.Quote)
}

func (i Instrument) String() string {
	return i.Key()
}

type BookSide string

const (
	BookSideBid BookSide = "BID"
	BookSideAsk BookSide = "ASK"
)

// PriceLevel is one (price, quantity) entry of a book side.
// Quantity zero means the level must be removed.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// BookDiff is an incremental book update carrying the exchange-assigned
// sequence number. It applies only when Sequence is exactly the store's
// current sequence plus one.
type BookDiff struct {
	Instrument Instrument   `json:"instrument"`
	Sequence   uint64       `json:"sequence"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
}

// OrderBookSnapshot is a consistent point-in-time view of one instrument's
// book. Bids are ordered descending by price, asks ascending.
type OrderBookSnapshot struct {
	Instrument Instrument   `json:"instrument"`
	Sequence   uint64       `json:"sequence"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

func (s OrderBookSnapshot) BestBid() (PriceLevel, bool) {
	if len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

func (s OrderBookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}

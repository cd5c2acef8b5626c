package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance mirrors one (exchange, currency) pair. Available is free to trade,
// Reserved is locked by open orders. The engine never guesses either value;
// both move only on confirmed exchange feedback.
type Balance struct {
	Exchange  ExchangeName    `json:"exchange"`
	Currency  CurrencyCode    `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
	Version   uint64          `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (b Balance) Total() decimal.Decimal {
	return b.Available.Add(b.Reserved)
}

// BalanceDelta is a confirmed movement reported by an exchange: positive
// values credit, negative values debit.
type BalanceDelta struct {
	Exchange  ExchangeName    `json:"exchange"`
	Currency  CurrencyCode    `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
}

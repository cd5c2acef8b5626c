package book

import (
	"fmt"
	"strings"

	"github.com/krobus00/exchange-core/internal/entity"
)

// parseInstrumentKey reverses entity.Instrument.Key (EXCHANGE:BASE/QUOTE).
func parseInstrumentKey(key string) (entity.Instrument, error) {
	exchangePart, pairPart, ok := strings.Cut(key, ":")
	if !ok {
		return entity.Instrument{}, fmt.Errorf("invalid instrument key: %s", key)
	}

	base, quote, ok := strings.Cut(pairPart, "/")
	if !ok {
		return entity.Instrument{}, fmt.Errorf("invalid instrument key: %s", key)
	}

	return entity.Instrument{
		Base:     entity.CurrencyCode(base),
		Quote:    entity.CurrencyCode(quote),
		Exchange: entity.ExchangeName(exchangePart),
	}, nil
}

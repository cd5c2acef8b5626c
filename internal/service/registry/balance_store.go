package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/krobus00/exchange-core/internal/entity"
	"github.com/shopspring/decimal"
)

// BalanceStore mirrors per-exchange per-currency balances. Adjust is
// compare-and-set against the balance version; Replace is reserved for
// reconciliation, where the exchange snapshot wins unconditionally.
type BalanceStore struct {
	mu       sync.RWMutex
	balances map[string]*entity.Balance
}

func NewBalanceStore() *BalanceStore {
	return &BalanceStore{
		balances: make(map[string]*entity.Balance),
	}
}

func balanceKey(exchange entity.ExchangeName, currency entity.CurrencyCode) string {
	return fmt.Sprintf("%s:%s", exchange, currency)
}

// Adjust applies a confirmed delta to the balance. expectedVersion 0 is
// allowed only when the balance does not exist yet. A delta that would drive
// available or reserved negative is refused; the engine never guesses.
func (s *BalanceStore) Adjust(delta entity.BalanceDelta, expectedVersion uint64) (*entity.Balance, error) {
	key := balanceKey(delta.Exchange, delta.Currency)

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.balances[key]
	if !exists {
		if expectedVersion != 0 {
			return nil, fmt.Errorf("%w: %s", entity.ErrBalanceNotFound, key)
		}
		current = &entity.Balance{
			Exchange:  delta.Exchange,
			Currency:  delta.Currency,
			Available: decimal.Zero,
			Reserved:  decimal.Zero,
		}
	} else if current.Version != expectedVersion {
		return nil, fmt.Errorf("%w: balance %s at version %d, expected %d",
			entity.ErrStaleWrite, key, current.Version, expectedVersion)
	}

	available := current.Available.Add(delta.Available)
	reserved := current.Reserved.Add(delta.Reserved)
	if available.IsNegative() || reserved.IsNegative() {
		return nil, fmt.Errorf("balance %s would go negative: available=%s reserved=%s",
			key, available, reserved)
	}

	next := entity.Balance{
		Exchange:  delta.Exchange,
		Currency:  delta.Currency,
		Available: available,
		Reserved:  reserved,
		Version:   current.Version + 1,
		UpdatedAt: time.Now().UTC(),
	}
	s.balances[key] = &next

	snapshot := next
	return &snapshot, nil
}

// Replace overwrites the balance with an exchange-reported snapshot.
func (s *BalanceStore) Replace(balance entity.Balance) *entity.Balance {
	key := balanceKey(balance.Exchange, balance.Currency)

	s.mu.Lock()
	defer s.mu.Unlock()

	version := uint64(1)
	if current, exists := s.balances[key]; exists {
		version = current.Version + 1
	}

	balance.Version = version
	balance.UpdatedAt = time.Now().UTC()
	s.balances[key] = &balance

	snapshot := balance
	return &snapshot
}

func (s *BalanceStore) Read(exchange entity.ExchangeName, currency entity.CurrencyCode) (*entity.Balance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	balance, ok := s.balances[balanceKey(exchange, currency)]
	if !ok {
		return nil, false
	}

	snapshot := *balance
	return &snapshot, true
}

// List returns copies of all balances, optionally filtered by exchange.
func (s *BalanceStore) List(exchange entity.ExchangeName) []entity.Balance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	balances := make([]entity.Balance, 0, len(s.balances))
	for _, balance := range s.balances {
		if exchange != "" && balance.Exchange != exchange {
			continue
		}
		balances = append(balances, *balance)
	}

	return balances
}

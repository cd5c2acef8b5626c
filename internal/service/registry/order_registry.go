package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/krobus00/exchange-core/internal/entity"
)

// OrderRegistry is the authoritative local record of every order the engine
// has submitted or observed. Records are indexed both by the locally
// generated client order id and by the exchange-assigned id once known.
// All mutation is compare-and-set: an update naming a version the record has
// already moved past fails with entity.ErrStaleWrite.
type OrderRegistry struct {
	mu         sync.RWMutex
	byClientID map[string]*entity.Order
	byExchID   map[string]string // exchange order id -> client order id
}

func NewOrderRegistry() *OrderRegistry {
	return &OrderRegistry{
		byClientID: make(map[string]*entity.Order),
		byExchID:   make(map[string]string),
	}
}

func (r *OrderRegistry) Insert(order entity.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byClientID[order.ClientOrderID]; exists {
		return fmt.Errorf("%w: %s", entity.ErrDuplicateOrder, order.ClientOrderID)
	}

	order.Version = 1
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.UpdatedAt = order.CreatedAt

	stored := order
	r.byClientID[order.ClientOrderID] = &stored
	if order.ExchangeOrderID != "" {
		r.byExchID[order.ExchangeOrderID] = order.ClientOrderID
	}

	return nil
}

// Update applies mutate to the order identified by clientOrderID if its
// version still equals expectedVersion. The mutated copy gets a bumped
// version and refreshed UpdatedAt. Returns the updated snapshot.
func (r *OrderRegistry) Update(clientOrderID string, expectedVersion uint64, mutate func(*entity.Order)) (*entity.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byClientID[clientOrderID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", entity.ErrOrderNotFound, clientOrderID)
	}

	if current.Version != expectedVersion {
		return nil, fmt.Errorf("%w: order %s at version %d, expected %d",
			entity.ErrStaleWrite, clientOrderID, current.Version, expectedVersion)
	}

	next := *current
	mutate(&next)
	next.ClientOrderID = current.ClientOrderID
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()

	if next.ExchangeOrderID != "" && next.ExchangeOrderID != current.ExchangeOrderID {
		r.byExchID[next.ExchangeOrderID] = next.ClientOrderID
	}

	r.byClientID[clientOrderID] = &next
	snapshot := next

	return &snapshot, nil
}

func (r *OrderRegistry) Get(clientOrderID string) (*entity.Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.byClientID[clientOrderID]
	if !ok {
		return nil, false
	}

	snapshot := *order
	return &snapshot, true
}

func (r *OrderRegistry) GetByExchangeID(exchangeOrderID string) (*entity.Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clientOrderID, ok := r.byExchID[exchangeOrderID]
	if !ok {
		return nil, false
	}

	order, ok := r.byClientID[clientOrderID]
	if !ok {
		return nil, false
	}

	snapshot := *order
	return &snapshot, true
}

// ListActive returns copies of every non-terminal order, optionally filtered
// by exchange.
func (r *OrderRegistry) ListActive(exchange entity.ExchangeName) []entity.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make([]entity.Order, 0)
	for _, order := range r.byClientID {
		if order.State.Terminal() {
			continue
		}
		if exchange != "" && order.Instrument.Exchange != exchange {
			continue
		}
		active = append(active, *order)
	}

	return active
}

// List returns copies of all known orders, optionally filtered by exchange.
func (r *OrderRegistry) List(exchange entity.ExchangeName) []entity.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()

	orders := make([]entity.Order, 0, len(r.byClientID))
	for _, order := range r.byClientID {
		if exchange != "" && order.Instrument.Exchange != exchange {
			continue
		}
		orders = append(orders, *order)
	}

	return orders
}

// Evict removes a terminal order from the hot registry. Non-terminal orders
// are never evicted; reconciliation may still reference them.
func (r *OrderRegistry) Evict(clientOrderID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.byClientID[clientOrderID]
	if !ok || !order.State.Terminal() {
		return false
	}

	delete(r.byClientID, clientOrderID)
	if order.ExchangeOrderID != "" {
		delete(r.byExchID, order.ExchangeOrderID)
	}

	return true
}

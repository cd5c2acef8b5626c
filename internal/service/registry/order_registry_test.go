package registry

import (
	"errors"
	"testing"

	"github.com/krobus00/exchange-core/internal/entity"
	"github.com/shopspring/decimal"
)

func newTestOrder(clientOrderID string) entity.Order {
	price := decimal.RequireFromString("100")
	return entity.Order{
		ClientOrderID: clientOrderID,
		Instrument:    entity.NewInstrument("BTC", "USDT", entity.ExchangeBinance),
		Side:          entity.OrderSideBuy,
		Type:          entity.OrderTypeLimit,
		Price:         &price,
		Quantity:      decimal.RequireFromString("1"),
		State:         entity.OrderStateCreated,
	}
}

func TestInsertAndGet(t *testing.T) {
	reg := NewOrderRegistry()

	if err := reg.Insert(newTestOrder("c-1")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := reg.Insert(newTestOrder("c-1")); !errors.Is(err, entity.ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder, got %v", err)
	}

	order, ok := reg.Get("c-1")
	if !ok {
		t.Fatal("expected order to exist")
	}
	if order.Version != 1 {
		t.Fatalf("fresh order version: got %d want 1", order.Version)
	}
}

func TestUpdateStaleWrite(t *testing.T) {
	reg := NewOrderRegistry()
	if err := reg.Insert(newTestOrder("c-2")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	updated, err := reg.Update("c-2", 1, func(o *entity.Order) {
		o.State = entity.OrderStateSubmitting
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("version after update: got %d want 2", updated.Version)
	}

	// A delayed writer still holding version 1 must lose.
	_, err = reg.Update("c-2", 1, func(o *entity.Order) {
		o.State = entity.OrderStateRejected
	})
	if !errors.Is(err, entity.ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}

	order, _ := reg.Get("c-2")
	if order.State != entity.OrderStateSubmitting {
		t.Fatalf("state clobbered by stale write: %s", order.State)
	}
}

func TestExchangeIDCrossIndex(t *testing.T) {
	reg := NewOrderRegistry()
	if err := reg.Insert(newTestOrder("c-3")); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, ok := reg.GetByExchangeID("E-77"); ok {
		t.Fatal("exchange id should not resolve before acknowledgment")
	}

	if _, err := reg.Update("c-3", 1, func(o *entity.Order) {
		o.ExchangeOrderID = "E-77"
		o.State = entity.OrderStateSubmitting
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	order, ok := reg.GetByExchangeID("E-77")
	if !ok {
		t.Fatal("exchange id must resolve after acknowledgment")
	}
	if order.ClientOrderID != "c-3" {
		t.Fatalf("cross index mismatch: %s", order.ClientOrderID)
	}
}

func TestListActiveSkipsTerminal(t *testing.T) {
	reg := NewOrderRegistry()
	_ = reg.Insert(newTestOrder("c-4"))
	_ = reg.Insert(newTestOrder("c-5"))

	if _, err := reg.Update("c-5", 1, func(o *entity.Order) {
		o.State = entity.OrderStateFilled
		o.FilledQuantity = o.Quantity
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	active := reg.ListActive(entity.ExchangeBinance)
	if len(active) != 1 || active[0].ClientOrderID != "c-4" {
		t.Fatalf("active orders mismatch: %+v", active)
	}
}

func TestEvictOnlyTerminal(t *testing.T) {
	reg := NewOrderRegistry()
	_ = reg.Insert(newTestOrder("c-6"))

	if reg.Evict("c-6") {
		t.Fatal("non-terminal orders must not be evicted")
	}

	if _, err := reg.Update("c-6", 1, func(o *entity.Order) {
		o.State = entity.OrderStateCancelled
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	if !reg.Evict("c-6") {
		t.Fatal("terminal order should be evictable")
	}
	if _, ok := reg.Get("c-6"); ok {
		t.Fatal("order should be gone after evict")
	}
}

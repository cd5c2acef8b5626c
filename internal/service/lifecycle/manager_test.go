package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/krobus00/exchange-core/internal/config"
	"github.com/krobus00/exchange-core/internal/entity"
	"github.com/krobus00/exchange-core/internal/service/book"
	"github.com/krobus00/exchange-core/internal/service/dispatch"
	"github.com/krobus00/exchange-core/internal/service/registry"
	"github.com/shopspring/decimal"
)

type fakeGateway struct {
	placeFn  func(ctx context.Context, order entity.Order) (*entity.PlaceOrderAck, error)
	cancelFn func(ctx context.Context, instrument entity.Instrument, exchangeOrderID, clientOrderID string) error
	bookFn   func(ctx context.Context, instrument entity.Instrument) (*entity.OrderBookSnapshot, error)
}

func (g *fakeGateway) Name() entity.ExchangeName { return entity.ExchangeBinance }

func (g *fakeGateway) PlaceOrder(ctx context.Context, order entity.Order) (*entity.PlaceOrderAck, error) {
	if g.placeFn != nil {
		return g.placeFn(ctx, order)
	}
	return &entity.PlaceOrderAck{
		ExchangeOrderID: "EX-1",
		State:           entity.OrderStateAccepted,
		At:              time.Now().UTC(),
	}, nil
}

func (g *fakeGateway) CancelOrder(ctx context.Context, instrument entity.Instrument, exchangeOrderID, clientOrderID string) error {
	if g.cancelFn != nil {
		return g.cancelFn(ctx, instrument, exchangeOrderID, clientOrderID)
	}
	return nil
}

func (g *fakeGateway) GetOrderStatus(ctx context.Context, instrument entity.Instrument, exchangeOrderID string) (*entity.OrderStatusReport, error) {
	return nil, errors.New("not scripted")
}

func (g *fakeGateway) GetOpenOrders(ctx context.Context) ([]entity.OrderStatusReport, error) {
	return nil, nil
}

func (g *fakeGateway) GetBalances(ctx context.Context) ([]entity.Balance, error) {
	return nil, nil
}

func (g *fakeGateway) GetBookSnapshot(ctx context.Context, instrument entity.Instrument) (*entity.OrderBookSnapshot, error) {
	if g.bookFn != nil {
		return g.bookFn(ctx, instrument)
	}
	return nil, errors.New("not scripted")
}

func (g *fakeGateway) Subscribe(ctx context.Context, instruments []entity.Instrument, events chan<- entity.StreamEvent) error {
	<-ctx.Done()
	return nil
}

type testHarness struct {
	manager  *Manager
	orders   *registry.OrderRegistry
	balances *registry.BalanceStore
	books    *book.Store
	gateway  *fakeGateway
	cancel   context.CancelFunc
}

func newTestHarness(t *testing.T, engineConfig config.EngineConfig) *testHarness {
	t.Helper()

	gw := &fakeGateway{}
	orders := registry.NewOrderRegistry()
	balances := registry.NewBalanceStore()
	books := book.NewStore()
	dispatcher := dispatch.NewDispatcher(64)

	manager := NewManager(
		engineConfig,
		map[entity.ExchangeName]entity.Gateway{entity.ExchangeBinance: gw},
		orders,
		balances,
		books,
		dispatcher,
		nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = manager.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		dispatcher.Close()
	})

	return &testHarness{
		manager:  manager,
		orders:   orders,
		balances: balances,
		books:    books,
		gateway:  gw,
		cancel:   cancel,
	}
}

func testInstrument() entity.Instrument {
	return entity.Instrument{Base: "BTC", Quote: "USDT", Exchange: entity.ExchangeBinance}
}

func limitBuy(qty string) entity.OrderRequest {
	price := decimal.RequireFromString("50000")
	return entity.OrderRequest{
		Instrument: testInstrument(),
		Side:       entity.OrderSideBuy,
		Type:       entity.OrderTypeLimit,
		Price:      &price,
		Quantity:   decimal.RequireFromString(qty),
	}
}

// waitForOrder polls until the predicate holds or the deadline passes.
func waitForOrder(t *testing.T, orders *registry.OrderRegistry, clientOrderID string, predicate func(entity.Order) bool) entity.Order {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if order, ok := orders.Get(clientOrderID); ok && predicate(*order) {
			return *order
		}
		time.Sleep(5 * time.Millisecond)
	}

	order, _ := orders.Get(clientOrderID)
	t.Fatalf("order did not reach expected condition, last seen: %+v", order)
	return entity.Order{}
}

func TestSubmitHappyPathToFilled(t *testing.T) {
	h := newTestHarness(t, config.EngineConfig{})

	order, err := h.manager.SubmitOrder(context.Background(), limitBuy("1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if order.State != entity.OrderStateCreated {
		t.Fatalf("expected CREATED snapshot, got %s", order.State)
	}

	accepted := waitForOrder(t, h.orders, order.ClientOrderID, func(o entity.Order) bool {
		return o.State == entity.OrderStateAccepted
	})
	if accepted.ExchangeOrderID != "EX-1" {
		t.Fatalf("exchange order id not bound: %+v", accepted)
	}

	report := entity.ExecutionReport{
		Exchange:        entity.ExchangeBinance,
		Instrument:      testInstrument(),
		ExchangeOrderID: "EX-1",
		State:           entity.OrderStateFilled,
		FilledQuantity:  decimal.RequireFromString("1"),
		At:              time.Now().UTC(),
	}
	if err := h.manager.HandleStreamEvent(context.Background(), entity.StreamEvent{
		Type:     entity.StreamEventExecutionReport,
		Exchange: entity.ExchangeBinance,
		Report:   &report,
	}); err != nil {
		t.Fatalf("stream event: %v", err)
	}

	filled := waitForOrder(t, h.orders, order.ClientOrderID, func(o entity.Order) bool {
		return o.State == entity.OrderStateFilled
	})
	if !filled.FilledQuantity.Equal(decimal.RequireFromString("1")) {
		t.Fatalf("fill watermark mismatch: %s", filled.FilledQuantity)
	}
}

func TestEarlyFillBuffersUntilAckBinds(t *testing.T) {
	ackRelease := make(chan struct{})
	h := newTestHarness(t, config.EngineConfig{})
	h.gateway.placeFn = func(ctx context.Context, order entity.Order) (*entity.PlaceOrderAck, error) {
		<-ackRelease
		return &entity.PlaceOrderAck{
			ExchangeOrderID: "EX-EARLY",
			State:           entity.OrderStateAccepted,
			At:              time.Now().UTC(),
		}, nil
	}

	order, err := h.manager.SubmitOrder(context.Background(), limitBuy("2"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// the fill lands before the placement ack resolves the exchange id
	report := entity.ExecutionReport{
		Exchange:        entity.ExchangeBinance,
		Instrument:      testInstrument(),
		ExchangeOrderID: "EX-EARLY",
		State:           entity.OrderStateFilled,
		FilledQuantity:  decimal.RequireFromString("2"),
		At:              time.Now().UTC(),
	}
	if err := h.manager.HandleStreamEvent(context.Background(), entity.StreamEvent{
		Type:     entity.StreamEventExecutionReport,
		Exchange: entity.ExchangeBinance,
		Report:   &report,
	}); err != nil {
		t.Fatalf("stream event: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if current, _ := h.orders.Get(order.ClientOrderID); current.State != entity.OrderStateSubmitting {
		t.Fatalf("order must stay SUBMITTING until ack binds, got %s", current.State)
	}

	close(ackRelease)

	filled := waitForOrder(t, h.orders, order.ClientOrderID, func(o entity.Order) bool {
		return o.State == entity.OrderStateFilled
	})
	if !filled.FilledQuantity.Equal(decimal.RequireFromString("2")) {
		t.Fatalf("buffered fill not replayed: %+v", filled)
	}
}

func TestCancelLosesRaceToFill(t *testing.T) {
	h := newTestHarness(t, config.EngineConfig{})
	cancelCalled := make(chan struct{}, 1)
	h.gateway.cancelFn = func(ctx context.Context, instrument entity.Instrument, exchangeOrderID, clientOrderID string) error {
		cancelCalled <- struct{}{}
		return nil
	}

	order, err := h.manager.SubmitOrder(context.Background(), limitBuy("1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForOrder(t, h.orders, order.ClientOrderID, func(o entity.Order) bool {
		return o.State == entity.OrderStateAccepted
	})

	if err := h.manager.CancelOrder(context.Background(), order.ClientOrderID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitForOrder(t, h.orders, order.ClientOrderID, func(o entity.Order) bool {
		return o.State == entity.OrderStateCancelling
	})

	select {
	case <-cancelCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel call never reached the gateway")
	}

	// the fill wins the race
	report := entity.ExecutionReport{
		Exchange:        entity.ExchangeBinance,
		Instrument:      testInstrument(),
		ExchangeOrderID: "EX-1",
		State:           entity.OrderStateFilled,
		FilledQuantity:  decimal.RequireFromString("1"),
		At:              time.Now().UTC(),
	}
	if err := h.manager.HandleStreamEvent(context.Background(), entity.StreamEvent{
		Type:     entity.StreamEventExecutionReport,
		Exchange: entity.ExchangeBinance,
		Report:   &report,
	}); err != nil {
		t.Fatalf("stream event: %v", err)
	}

	waitForOrder(t, h.orders, order.ClientOrderID, func(o entity.Order) bool {
		return o.State == entity.OrderStateFilled
	})

	// the late CANCELED confirmation is a no-op on the terminal order
	late := report
	late.State = entity.OrderStateCancelled
	if err := h.manager.HandleStreamEvent(context.Background(), entity.StreamEvent{
		Type:     entity.StreamEventExecutionReport,
		Exchange: entity.ExchangeBinance,
		Report:   &late,
	}); err != nil {
		t.Fatalf("stream event: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	final, _ := h.orders.Get(order.ClientOrderID)
	if final.State != entity.OrderStateFilled {
		t.Fatalf("late cancel confirmation must not override the fill, got %s", final.State)
	}

	// a cancel arriving after the fill resolves as a no-op, not an error
	if err := h.manager.CancelOrder(context.Background(), order.ClientOrderID); err != nil {
		t.Fatalf("cancel of a filled order must be a no-op, got %v", err)
	}
	final, _ = h.orders.Get(order.ClientOrderID)
	if final.State != entity.OrderStateFilled {
		t.Fatalf("no-op cancel mutated the terminal order: %s", final.State)
	}
}

func TestCancelDuringPlacementChasesLateAck(t *testing.T) {
	h := newTestHarness(t, config.EngineConfig{})
	ackRelease := make(chan struct{})
	h.gateway.placeFn = func(ctx context.Context, order entity.Order) (*entity.PlaceOrderAck, error) {
		<-ackRelease
		return &entity.PlaceOrderAck{
			ExchangeOrderID: "EX-LATE",
			State:           entity.OrderStateAccepted,
			At:              time.Now().UTC(),
		}, nil
	}
	cancelled := make(chan string, 1)
	h.gateway.cancelFn = func(ctx context.Context, instrument entity.Instrument, exchangeOrderID, clientOrderID string) error {
		cancelled <- exchangeOrderID
		return nil
	}

	order, err := h.manager.SubmitOrder(context.Background(), limitBuy("1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForOrder(t, h.orders, order.ClientOrderID, func(o entity.Order) bool {
		return o.State == entity.OrderStateSubmitting
	})

	if err := h.manager.CancelOrder(context.Background(), order.ClientOrderID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// the cancel cannot finish locally while the placement is in flight
	waitForOrder(t, h.orders, order.ClientOrderID, func(o entity.Order) bool {
		return o.State == entity.OrderStateCancelling
	})

	close(ackRelease)

	select {
	case id := <-cancelled:
		if id != "EX-LATE" {
			t.Fatalf("cancel sent for wrong exchange order id: %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("late ack did not trigger a cancel on the exchange")
	}

	bound := waitForOrder(t, h.orders, order.ClientOrderID, func(o entity.Order) bool {
		return o.ExchangeOrderID == "EX-LATE"
	})
	if bound.State != entity.OrderStateCancelling {
		t.Fatalf("order must stay CANCELLING until the exchange confirms, got %s", bound.State)
	}

	// the exchange confirms the chase cancel
	report := entity.ExecutionReport{
		Exchange:        entity.ExchangeBinance,
		Instrument:      testInstrument(),
		ExchangeOrderID: "EX-LATE",
		State:           entity.OrderStateCancelled,
		At:              time.Now().UTC(),
	}
	if err := h.manager.HandleStreamEvent(context.Background(), entity.StreamEvent{
		Type:     entity.StreamEventExecutionReport,
		Exchange: entity.ExchangeBinance,
		Report:   &report,
	}); err != nil {
		t.Fatalf("stream event: %v", err)
	}
	waitForOrder(t, h.orders, order.ClientOrderID, func(o entity.Order) bool {
		return o.State == entity.OrderStateCancelled
	})
}

func TestCancelDuringFailedPlacementFinishesLocally(t *testing.T) {
	h := newTestHarness(t, config.EngineConfig{})
	ackRelease := make(chan struct{})
	h.gateway.placeFn = func(ctx context.Context, order entity.Order) (*entity.PlaceOrderAck, error) {
		<-ackRelease
		return nil, entity.NewGatewayError(entity.FailureTransient, fmt.Errorf("connection reset"))
	}
	cancelled := make(chan string, 1)
	h.gateway.cancelFn = func(ctx context.Context, instrument entity.Instrument, exchangeOrderID, clientOrderID string) error {
		cancelled <- exchangeOrderID
		return nil
	}

	order, err := h.manager.SubmitOrder(context.Background(), limitBuy("1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForOrder(t, h.orders, order.ClientOrderID, func(o entity.Order) bool {
		return o.State == entity.OrderStateSubmitting
	})

	if err := h.manager.CancelOrder(context.Background(), order.ClientOrderID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	close(ackRelease)

	done := waitForOrder(t, h.orders, order.ClientOrderID, func(o entity.Order) bool {
		return o.State == entity.OrderStateCancelled
	})
	if done.ExchangeOrderID != "" {
		t.Fatalf("nothing reached the exchange, no id should be bound: %+v", done)
	}

	select {
	case id := <-cancelled:
		t.Fatalf("no gateway cancel expected for an unplaced order, got %s", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDuplicateReportIsIdempotent(t *testing.T) {
	h := newTestHarness(t, config.EngineConfig{})

	order, err := h.manager.SubmitOrder(context.Background(), limitBuy("10"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForOrder(t, h.orders, order.ClientOrderID, func(o entity.Order) bool {
		return o.State == entity.OrderStateAccepted
	})

	partial := entity.ExecutionReport{
		Exchange:        entity.ExchangeBinance,
		Instrument:      testInstrument(),
		ExchangeOrderID: "EX-1",
		State:           entity.OrderStatePartiallyFilled,
		FilledQuantity:  decimal.RequireFromString("4"),
		At:              time.Now().UTC(),
	}
	for i := 0; i < 3; i++ {
		if err := h.manager.HandleStreamEvent(context.Background(), entity.StreamEvent{
			Type:     entity.StreamEventExecutionReport,
			Exchange: entity.ExchangeBinance,
			Report:   &partial,
		}); err != nil {
			t.Fatalf("stream event: %v", err)
		}
	}

	partialOrder := waitForOrder(t, h.orders, order.ClientOrderID, func(o entity.Order) bool {
		return o.State == entity.OrderStatePartiallyFilled
	})
	versionAfterFirst := partialOrder.Version

	time.Sleep(50 * time.Millisecond)
	current, _ := h.orders.Get(order.ClientOrderID)
	if current.Version != versionAfterFirst {
		t.Fatalf("duplicate reports mutated the order: version %d -> %d", versionAfterFirst, current.Version)
	}
	if !current.FilledQuantity.Equal(decimal.RequireFromString("4")) {
		t.Fatalf("watermark mismatch after duplicates: %s", current.FilledQuantity)
	}
}

func TestTransientFailuresExhaustRetries(t *testing.T) {
	var attempts atomic.Int32
	h := newTestHarness(t, config.EngineConfig{
		MaxSubmitAttempts:  3,
		RetryBackoffMin:    time.Millisecond,
		RetryBackoffMax:    5 * time.Millisecond,
		RetryBackoffFactor: 2.0,
	})
	h.gateway.placeFn = func(ctx context.Context, order entity.Order) (*entity.PlaceOrderAck, error) {
		attempts.Add(1)
		return nil, entity.NewGatewayError(entity.FailureTransient, fmt.Errorf("connection reset"))
	}

	order, err := h.manager.SubmitOrder(context.Background(), limitBuy("1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	rejected := waitForOrder(t, h.orders, order.ClientOrderID, func(o entity.Order) bool {
		return o.State == entity.OrderStateRejected
	})
	if rejected.Reason != entity.RejectReasonRetryExhausted {
		t.Fatalf("expected RETRY_EXHAUSTED, got %q", rejected.Reason)
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("expected 3 placement attempts, got %d", got)
	}
}

func TestFatalFailureHaltsGateway(t *testing.T) {
	h := newTestHarness(t, config.EngineConfig{})
	h.gateway.placeFn = func(ctx context.Context, order entity.Order) (*entity.PlaceOrderAck, error) {
		return nil, entity.NewGatewayError(entity.FailureFatal, fmt.Errorf("API key revoked"))
	}

	order, err := h.manager.SubmitOrder(context.Background(), limitBuy("1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	rejected := waitForOrder(t, h.orders, order.ClientOrderID, func(o entity.Order) bool {
		return o.State == entity.OrderStateRejected
	})
	if rejected.Reason != entity.RejectReasonGatewayHalted {
		t.Fatalf("expected GATEWAY_HALTED, got %q", rejected.Reason)
	}

	if _, err := h.manager.SubmitOrder(context.Background(), limitBuy("1")); !errors.Is(err, entity.ErrGatewayHalted) {
		t.Fatalf("expected ErrGatewayHalted on next submit, got %v", err)
	}

	if err := h.manager.ClearHalt(context.Background(), entity.ExchangeBinance); err != nil {
		t.Fatalf("clear halt: %v", err)
	}
}

func TestRejectedFailureTerminatesWithoutRetry(t *testing.T) {
	var attempts atomic.Int32
	h := newTestHarness(t, config.EngineConfig{MaxSubmitAttempts: 5})
	h.gateway.placeFn = func(ctx context.Context, order entity.Order) (*entity.PlaceOrderAck, error) {
		attempts.Add(1)
		return nil, entity.NewGatewayError(entity.FailureRejected, fmt.Errorf("insufficient balance"))
	}

	order, err := h.manager.SubmitOrder(context.Background(), limitBuy("1"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	rejected := waitForOrder(t, h.orders, order.ClientOrderID, func(o entity.Order) bool {
		return o.State == entity.OrderStateRejected
	})
	if rejected.Reason != entity.RejectReasonExchange {
		t.Fatalf("expected EXCHANGE_REJECTED, got %q", rejected.Reason)
	}

	time.Sleep(50 * time.Millisecond)
	if got := attempts.Load(); got != 1 {
		t.Fatalf("rejected failures must not retry, got %d attempts", got)
	}
}

func TestSequenceGapTriggersSnapshotRefetch(t *testing.T) {
	h := newTestHarness(t, config.EngineConfig{})

	instrument := testInstrument()
	h.gateway.bookFn = func(ctx context.Context, inst entity.Instrument) (*entity.OrderBookSnapshot, error) {
		return &entity.OrderBookSnapshot{
			Instrument: inst,
			Sequence:   100,
			Bids:       []entity.PriceLevel{{Price: decimal.RequireFromString("49000"), Quantity: decimal.RequireFromString("1")}},
			UpdatedAt:  time.Now().UTC(),
		}, nil
	}

	h.books.ReplaceSnapshot(entity.OrderBookSnapshot{Instrument: instrument, Sequence: 10})

	// sequence 13 on top of 10 is a gap
	if err := h.manager.HandleStreamEvent(context.Background(), entity.StreamEvent{
		Type:     entity.StreamEventBookDiff,
		Exchange: entity.ExchangeBinance,
		BookDiff: &entity.BookDiff{Instrument: instrument, Sequence: 13},
	}); err != nil {
		t.Fatalf("stream event: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if snapshot, ok := h.books.Read(instrument); ok && snapshot.Sequence == 100 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("book was not refetched after the sequence gap")
}

func TestForceTerminalRejectsNonTerminalState(t *testing.T) {
	h := newTestHarness(t, config.EngineConfig{})

	if err := h.manager.ForceTerminal(context.Background(), "whatever", entity.OrderStateAccepted, ""); err == nil {
		t.Fatal("non-terminal target state must be refused")
	}
}

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/krobus00/exchange-core/internal/config"
	"github.com/krobus00/exchange-core/internal/entity"
	"github.com/krobus00/exchange-core/internal/service/book"
	"github.com/krobus00/exchange-core/internal/service/dispatch"
	"github.com/krobus00/exchange-core/internal/service/registry"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	defaultGatewayCallTimeout = 5 * time.Second
	defaultPendingReportTTL   = 30 * time.Second
	defaultCommandQueueSize   = 1024

	pendingSweepInterval = 5 * time.Second
)

var ErrManagerStopped = errors.New("lifecycle manager stopped")

// WatermarkStore checkpoints fill watermarks so a restart does not replay
// already applied fills. Implementations must be safe for concurrent use.
type WatermarkStore interface {
	SaveFillWatermark(ctx context.Context, clientOrderID string, filled decimal.Decimal) error
	LoadFillWatermark(ctx context.Context, clientOrderID string) (decimal.Decimal, bool, error)
}

// Manager owns every order state transition. All mutation runs on one
// internal goroutine fed by a command queue, so transitions are strictly
// serialized; gateway calls run asynchronously and re-enter the queue as
// results. Execution reports arriving for orders whose placement ack has not
// landed yet are buffered by exchange order id and replayed once the ack
// binds the id.
type Manager struct {
	engineConfig config.EngineConfig
	gateways     map[entity.ExchangeName]entity.Gateway
	orders       *registry.OrderRegistry
	balances     *registry.BalanceStore
	books        *book.Store
	dispatcher   *dispatch.Dispatcher
	watermarks   WatermarkStore

	commands chan func()
	stopOnce sync.Once
	stopped  chan struct{}
	rng      *rand.Rand

	// loop-owned state, never touched outside the Run goroutine
	halted           map[entity.ExchangeName]string
	pendingReports   map[string]pendingReports
	snapshotInFlight map[string]struct{}
	onStreamGap      func(entity.ExchangeName)
}

type pendingReports struct {
	reports   []entity.ExecutionReport
	expiresAt time.Time
}

func NewManager(
	engineConfig config.EngineConfig,
	gateways map[entity.ExchangeName]entity.Gateway,
	orders *registry.OrderRegistry,
	balances *registry.BalanceStore,
	books *book.Store,
	dispatcher *dispatch.Dispatcher,
	watermarks WatermarkStore,
) *Manager {
	if engineConfig.MaxSubmitAttempts <= 0 {
		engineConfig.MaxSubmitAttempts = defaultMaxSubmitAttempts
	}
	if engineConfig.GatewayCallTimeout <= 0 {
		engineConfig.GatewayCallTimeout = defaultGatewayCallTimeout
	}
	if engineConfig.PendingReportTTL <= 0 {
		engineConfig.PendingReportTTL = defaultPendingReportTTL
	}
	if engineConfig.CommandQueueSize <= 0 {
		engineConfig.CommandQueueSize = defaultCommandQueueSize
	}

	return &Manager{
		engineConfig:     engineConfig,
		gateways:         gateways,
		orders:           orders,
		balances:         balances,
		books:            books,
		dispatcher:       dispatcher,
		watermarks:       watermarks,
		commands:         make(chan func(), engineConfig.CommandQueueSize),
		stopped:          make(chan struct{}),
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
		halted:           make(map[entity.ExchangeName]string),
		pendingReports:   make(map[string]pendingReports),
		snapshotInFlight: make(map[string]struct{}),
	}
}

// SetStreamGapHandler installs the callback fired when a STREAM_GAP marker
// arrives. The reconciler uses it to force a full resync.
func (m *Manager) SetStreamGapHandler(handler func(entity.ExchangeName)) {
	m.onStreamGap = handler
}

// Run drains the command queue until ctx ends. It must be running before any
// other method is called.
func (m *Manager) Run(ctx context.Context) error {
	sweep := time.NewTicker(pendingSweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			m.stopOnce.Do(func() { close(m.stopped) })
			return ctx.Err()
		case <-sweep.C:
			m.sweepPendingReports()
		case command := <-m.commands:
			command()
		}
	}
}

// enqueue schedules fn on the manager goroutine, blocking while the queue is
// full so callers get backpressure instead of silent loss.
func (m *Manager) enqueue(ctx context.Context, fn func()) error {
	select {
	case m.commands <- fn:
		return nil
	case <-m.stopped:
		return ErrManagerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SubmitOrder validates the request, records the order and starts the
// placement flow. It returns the CREATED snapshot; placement progresses
// asynchronously.
func (m *Manager) SubmitOrder(ctx context.Context, req entity.OrderRequest) (*entity.Order, error) {
	if req.Quantity.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("quantity must be positive")
	}
	if req.Type == entity.OrderTypeLimit && (req.Price == nil || req.Price.LessThanOrEqual(decimal.Zero)) {
		return nil, fmt.Errorf("limit order requires a positive price")
	}
	if req.Side != entity.OrderSideBuy && req.Side != entity.OrderSideSell {
		return nil, fmt.Errorf("invalid order side: %s", req.Side)
	}

	type result struct {
		order *entity.Order
		err   error
	}
	reply := make(chan result, 1)

	err := m.enqueue(ctx, func() {
		if reason, isHalted := m.halted[req.Instrument.Exchange]; isHalted {
			reply <- result{err: fmt.Errorf("%w: %s: %s", entity.ErrGatewayHalted, req.Instrument.Exchange, reason)}
			return
		}
		if _, ok := m.gateways[req.Instrument.Exchange]; !ok {
			reply <- result{err: fmt.Errorf("%w: %s", entity.ErrGatewayNotFound, req.Instrument.Exchange)}
			return
		}

		order := entity.Order{
			ClientOrderID: uuid.NewString(),
			Instrument:    req.Instrument,
			Side:          req.Side,
			Type:          req.Type,
			Price:         req.Price,
			Quantity:      req.Quantity,
			State:         entity.OrderStateCreated,
			Source:        req.Source,
		}
		if err := m.orders.Insert(order); err != nil {
			reply <- result{err: err}
			return
		}

		snapshot, _ := m.orders.Get(order.ClientOrderID)
		m.publishOrderEvent(entity.OrderEventCreated, snapshot)
		m.startSubmit(snapshot.ClientOrderID, 0)

		reply <- result{order: snapshot}
	})
	if err != nil {
		return nil, err
	}

	select {
	case res := <-reply:
		return res.order, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// startSubmit transitions the order to SUBMITTING and fires the async
// gateway placement call. Runs on the manager goroutine.
func (m *Manager) startSubmit(clientOrderID string, attempt int) {
	current, ok := m.orders.Get(clientOrderID)
	if !ok {
		return
	}
	if current.State.Terminal() {
		return
	}
	if current.State == entity.OrderStateCancelling {
		// cancelled while waiting out a retry backoff; nothing reached the
		// exchange, so the cancel finishes locally
		if current.ExchangeOrderID == "" {
			m.terminate(clientOrderID, entity.OrderStateCancelled, "")
		}
		return
	}

	updated, err := m.orders.Update(clientOrderID, current.Version, func(o *entity.Order) {
		o.State = entity.OrderStateSubmitting
		o.RetryCount = attempt
	})
	if err != nil {
		logrus.WithError(err).WithField("client_order_id", clientOrderID).Error("submit transition failed")
		return
	}

	if attempt == 0 {
		m.publishOrderEvent(entity.OrderEventSubmitted, updated)
	}

	gw := m.gateways[updated.Instrument.Exchange]
	orderCopy := *updated

	go func() {
		callCtx, cancel := context.WithTimeout(context.Background(), m.engineConfig.GatewayCallTimeout)
		defer cancel()

		ack, placeErr := gw.PlaceOrder(callCtx, orderCopy)

		_ = m.enqueue(context.Background(), func() {
			m.finishSubmit(clientOrderID, attempt, ack, placeErr)
		})
	}()
}

// finishSubmit applies one placement outcome. Runs on the manager goroutine.
func (m *Manager) finishSubmit(clientOrderID string, attempt int, ack *entity.PlaceOrderAck, placeErr error) {
	current, ok := m.orders.Get(clientOrderID)
	if !ok {
		return
	}

	if placeErr == nil {
		switch {
		case current.State == entity.OrderStateCancelling || current.State == entity.OrderStateCancelled:
			// cancelled locally while the placement was in flight; the
			// exchange accepted it, so bind the id and chase it with a cancel
			bound, err := m.orders.Update(clientOrderID, current.Version, func(o *entity.Order) {
				o.ExchangeOrderID = ack.ExchangeOrderID
			})
			if err != nil {
				logrus.WithError(err).WithField("client_order_id", clientOrderID).Error("ack bind failed")
				return
			}
			m.dispatchCancel(m.gateways[bound.Instrument.Exchange], *bound)
		case current.State.Terminal():
			// a report beat the ack; nothing left to do
		default:
			m.bindAck(current, ack)
		}
		return
	}

	if current.State.Terminal() {
		return
	}
	if current.State == entity.OrderStateCancelling {
		// the placement never landed; the cancel finishes locally
		m.terminate(clientOrderID, entity.OrderStateCancelled, "")
		return
	}

	logger := logrus.WithFields(logrus.Fields{
		"client_order_id": clientOrderID,
		"attempt":         attempt + 1,
	})

	switch entity.ClassifyGatewayError(placeErr) {
	case entity.FailureTransient:
		if attempt+1 >= m.engineConfig.MaxSubmitAttempts {
			logger.WithError(placeErr).Warn("placement retries exhausted")
			m.terminate(current.ClientOrderID, entity.OrderStateRejected, entity.RejectReasonRetryExhausted)
			return
		}

		delay := retryDelay(attempt, m.engineConfig.RetryBackoffMin, m.engineConfig.RetryBackoffMax, m.engineConfig.RetryBackoffFactor, m.rng)
		logger.WithError(placeErr).WithField("retry_in", delay.String()).Warn("placement failed, retrying")
		time.AfterFunc(delay, func() {
			_ = m.enqueue(context.Background(), func() {
				m.startSubmit(clientOrderID, attempt+1)
			})
		})
	case entity.FailureRejected:
		logger.WithError(placeErr).Info("order rejected by exchange")
		m.terminate(current.ClientOrderID, entity.OrderStateRejected, entity.RejectReasonExchange)
	case entity.FailureFatal:
		logger.WithError(placeErr).Error("fatal gateway failure, halting submissions")
		m.halted[current.Instrument.Exchange] = placeErr.Error()
		m.terminate(current.ClientOrderID, entity.OrderStateRejected, entity.RejectReasonGatewayHalted)
	}
}

// bindAck records the exchange order id and the acknowledged state, then
// replays any execution reports that arrived before the ack.
func (m *Manager) bindAck(current *entity.Order, ack *entity.PlaceOrderAck) {
	targetState := ack.State
	if !entity.CanTransition(current.State, targetState) {
		// e.g. a cancel raced in; keep the current state, just bind the id
		targetState = current.State
	}

	updated, err := m.orders.Update(current.ClientOrderID, current.Version, func(o *entity.Order) {
		o.ExchangeOrderID = ack.ExchangeOrderID
		o.State = targetState
		if ack.FilledQuantity.GreaterThan(o.FilledQuantity) {
			o.FilledQuantity = ack.FilledQuantity
		}
		if ack.AvgFillPrice != nil {
			o.AvgFillPrice = ack.AvgFillPrice
		}
	})
	if err != nil {
		logrus.WithError(err).WithField("client_order_id", current.ClientOrderID).Error("ack bind failed")
		return
	}

	switch updated.State {
	case entity.OrderStateAccepted:
		m.publishOrderEvent(entity.OrderEventSubmitted, updated)
	case entity.OrderStatePartiallyFilled:
		m.publishOrderEvent(entity.OrderEventPartiallyFilled, updated)
	case entity.OrderStateFilled:
		m.publishOrderEvent(entity.OrderEventFilled, updated)
	}

	m.checkpointWatermark(updated)
	m.replayPendingReports(ack.ExchangeOrderID)
}

// CancelOrder requests cancellation. Fills observed while the cancel is in
// flight win over the cancel; cancelling an already terminal order is a
// no-op, the fill that won the race stands.
func (m *Manager) CancelOrder(ctx context.Context, clientOrderID string) error {
	reply := make(chan error, 1)

	err := m.enqueue(ctx, func() {
		current, ok := m.orders.Get(clientOrderID)
		if !ok {
			reply <- fmt.Errorf("%w: %s", entity.ErrOrderNotFound, clientOrderID)
			return
		}
		if current.State.Terminal() {
			reply <- nil // already resolved, nothing to cancel
			return
		}
		if current.State == entity.OrderStateCancelling {
			reply <- nil // already in flight
			return
		}

		updated, err := m.orders.Update(clientOrderID, current.Version, func(o *entity.Order) {
			o.State = entity.OrderStateCancelling
		})
		if err != nil {
			reply <- err
			return
		}

		if updated.ExchangeOrderID == "" {
			// A placement call may still be in flight; its outcome resolves
			// the CANCELLING order, either by chasing the late ack with a
			// cancel or by finishing the cancel locally.
			if current.State == entity.OrderStateSubmitting {
				reply <- nil
				return
			}

			// Never submitted: finish locally.
			finished, err := m.orders.Update(clientOrderID, updated.Version, func(o *entity.Order) {
				o.State = entity.OrderStateCancelled
			})
			if err == nil {
				m.publishOrderEvent(entity.OrderEventCancelled, finished)
			}
			reply <- err
			return
		}

		m.dispatchCancel(m.gateways[updated.Instrument.Exchange], *updated)
		reply <- nil
	})
	if err != nil {
		return err
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatchCancel fires the async gateway cancel call. The terminal CANCELLED
// arrives via execution report, not from the call returning.
func (m *Manager) dispatchCancel(gw entity.Gateway, order entity.Order) {
	go func() {
		callCtx, cancel := context.WithTimeout(context.Background(), m.engineConfig.GatewayCallTimeout)
		defer cancel()

		cancelErr := gw.CancelOrder(callCtx, order.Instrument, order.ExchangeOrderID, order.ClientOrderID)
		if cancelErr == nil {
			return
		}

		// A rejected cancel usually means the order already filled;
		// leave CANCELLING and let reports or reconciliation resolve it.
		logrus.WithError(cancelErr).WithField("client_order_id", order.ClientOrderID).Warn("cancel call failed")

		if entity.ClassifyGatewayError(cancelErr) == entity.FailureFatal {
			_ = m.enqueue(context.Background(), func() {
				m.halted[order.Instrument.Exchange] = cancelErr.Error()
			})
		}
	}()
}

// HandleStreamEvent routes one raw gateway event into the engine. Safe to
// call from any goroutine.
func (m *Manager) HandleStreamEvent(ctx context.Context, event entity.StreamEvent) error {
	return m.enqueue(ctx, func() {
		switch event.Type {
		case entity.StreamEventBookDiff:
			m.applyBookDiff(event.Exchange, event.BookDiff)
		case entity.StreamEventExecutionReport:
			m.applyExecutionReport(*event.Report)
		case entity.StreamEventBalanceDelta:
			m.applyBalanceDelta(*event.Delta)
		case entity.StreamEventGap:
			logrus.WithField("exchange", event.Exchange).Warn("stream gap, forcing full resync")
			if m.onStreamGap != nil {
				m.onStreamGap(event.Exchange)
			}
		}
	})
}

func (m *Manager) applyBookDiff(exchange entity.ExchangeName, diff *entity.BookDiff) {
	if diff == nil {
		return
	}

	err := m.books.ApplyDiff(*diff)
	if err == nil {
		return
	}
	if !errors.Is(err, entity.ErrSequenceGap) {
		logrus.WithError(err).WithField("instrument", diff.Instrument.Key()).Error("book diff apply failed")
		return
	}

	key := diff.Instrument.Key()
	if _, inFlight := m.snapshotInFlight[key]; inFlight {
		return
	}
	m.snapshotInFlight[key] = struct{}{}

	gw, ok := m.gateways[exchange]
	if !ok {
		delete(m.snapshotInFlight, key)
		return
	}

	logrus.WithField("instrument", key).Warn("sequence gap, refetching book snapshot")
	instrument := diff.Instrument

	go func() {
		callCtx, cancel := context.WithTimeout(context.Background(), m.engineConfig.GatewayCallTimeout)
		defer cancel()

		snapshot, fetchErr := gw.GetBookSnapshot(callCtx, instrument)

		_ = m.enqueue(context.Background(), func() {
			delete(m.snapshotInFlight, key)
			if fetchErr != nil {
				logrus.WithError(fetchErr).WithField("instrument", key).Error("book snapshot refetch failed")
				return
			}
			m.books.ReplaceSnapshot(*snapshot)
		})
	}()
}

// applyExecutionReport applies one streamed order update. FilledQuantity is a
// cumulative watermark: a report at or below the recorded watermark that does
// not advance the state is a duplicate and is dropped.
func (m *Manager) applyExecutionReport(report entity.ExecutionReport) {
	current, ok := m.resolveOrder(report)
	if !ok {
		m.bufferPendingReport(report)
		return
	}

	if current.State.Terminal() {
		return
	}

	advancesFill := report.FilledQuantity.GreaterThan(current.FilledQuantity)
	targetState := m.resolveReportedState(current, report)
	advancesState := targetState != current.State

	if !advancesFill && !advancesState {
		return
	}
	if advancesState && !entity.CanTransition(current.State, targetState) {
		logrus.WithFields(logrus.Fields{
			"client_order_id": current.ClientOrderID,
			"from":            current.State,
			"to":              targetState,
		}).Warn("dropping report with illegal transition")
		return
	}

	updated, err := m.orders.Update(current.ClientOrderID, current.Version, func(o *entity.Order) {
		if report.ExchangeOrderID != "" && o.ExchangeOrderID == "" {
			o.ExchangeOrderID = report.ExchangeOrderID
		}
		if advancesFill {
			o.FilledQuantity = report.FilledQuantity
		}
		if report.AvgFillPrice != nil {
			o.AvgFillPrice = report.AvgFillPrice
		}
		o.State = targetState
		if report.Reason != "" && targetState == entity.OrderStateRejected {
			o.Reason = report.Reason
		}
	})
	if err != nil {
		logrus.WithError(err).WithField("client_order_id", current.ClientOrderID).Error("report apply failed")
		return
	}

	m.publishTransition(updated, advancesFill)
	m.checkpointWatermark(updated)
}

// resolveReportedState picks the state the order should land in given the
// report, resolving the cancel/fill race in favor of fills.
func (m *Manager) resolveReportedState(current *entity.Order, report entity.ExecutionReport) entity.OrderState {
	reported := report.State

	if current.State == entity.OrderStateCancelling {
		switch reported {
		case entity.OrderStateFilled, entity.OrderStateCancelled, entity.OrderStateRejected, entity.OrderStateExpired:
			return reported
		case entity.OrderStatePartiallyFilled:
			// fills keep landing while the cancel is in flight
			return entity.OrderStatePartiallyFilled
		default:
			return current.State
		}
	}

	// An ACCEPTED report cannot move a partially filled order backwards.
	if reported == entity.OrderStateAccepted && current.State == entity.OrderStatePartiallyFilled {
		return current.State
	}

	return reported
}

func (m *Manager) resolveOrder(report entity.ExecutionReport) (*entity.Order, bool) {
	if report.ExchangeOrderID != "" {
		if order, ok := m.orders.GetByExchangeID(report.ExchangeOrderID); ok {
			return order, true
		}
	}
	if report.ClientOrderID != "" {
		if order, ok := m.orders.Get(report.ClientOrderID); ok {
			return order, true
		}
	}
	return nil, false
}

// bufferPendingReport holds a report whose order is not resolvable yet,
// typically a fill racing its own placement ack.
func (m *Manager) bufferPendingReport(report entity.ExecutionReport) {
	if report.ExchangeOrderID == "" {
		logrus.WithField("client_order_id", report.ClientOrderID).Warn("dropping unresolvable execution report")
		return
	}

	entry := m.pendingReports[report.ExchangeOrderID]
	entry.reports = append(entry.reports, report)
	entry.expiresAt = time.Now().Add(m.engineConfig.PendingReportTTL)
	m.pendingReports[report.ExchangeOrderID] = entry

	logrus.WithField("exchange_order_id", report.ExchangeOrderID).Debug("buffered early execution report")
}

func (m *Manager) replayPendingReports(exchangeOrderID string) {
	entry, ok := m.pendingReports[exchangeOrderID]
	if !ok {
		return
	}
	delete(m.pendingReports, exchangeOrderID)

	for _, report := range entry.reports {
		m.applyExecutionReport(report)
	}
}

func (m *Manager) sweepPendingReports() {
	now := time.Now()
	for exchangeOrderID, entry := range m.pendingReports {
		if now.After(entry.expiresAt) {
			logrus.WithField("exchange_order_id", exchangeOrderID).Warn("expiring unmatched execution reports")
			delete(m.pendingReports, exchangeOrderID)
		}
	}
}

// applyBalanceDelta applies one confirmed movement from the stream. Balances
// only ever change on confirmed exchange information.
func (m *Manager) applyBalanceDelta(delta entity.BalanceDelta) {
	var expectedVersion uint64
	if current, ok := m.balances.Read(delta.Exchange, delta.Currency); ok {
		expectedVersion = current.Version
	}

	balance, err := m.balances.Adjust(delta, expectedVersion)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"exchange": delta.Exchange,
			"currency": delta.Currency,
		}).Warn("balance delta refused, reconciliation will converge it")
		return
	}

	m.dispatcher.Publish(entity.OrderEvent{
		Type:    entity.OrderEventBalanceChanged,
		Balance: balance,
	})
}

// ApplyStatusReport lets the reconciler push an authoritative order view
// through the same serialized path stream reports use.
func (m *Manager) ApplyStatusReport(ctx context.Context, exchange entity.ExchangeName, report entity.OrderStatusReport) error {
	return m.enqueue(ctx, func() {
		m.applyExecutionReport(entity.ExecutionReport{
			Exchange:        exchange,
			Instrument:      report.Instrument,
			ExchangeOrderID: report.ExchangeOrderID,
			ClientOrderID:   report.ClientOrderID,
			State:           report.State,
			FilledQuantity:  report.FilledQuantity,
			AvgFillPrice:    report.AvgFillPrice,
			At:              time.Now().UTC(),
		})
	})
}

// ForceTerminal moves an order straight to a terminal state, used by the
// reconciler for orders the exchange does not know.
func (m *Manager) ForceTerminal(ctx context.Context, clientOrderID string, state entity.OrderState, reason string) error {
	if !state.Terminal() {
		return fmt.Errorf("state %s is not terminal", state)
	}
	return m.enqueue(ctx, func() {
		m.terminate(clientOrderID, state, reason)
	})
}

// ReplaceBalances lets the reconciler install an authoritative balance
// snapshot, exchange wins.
func (m *Manager) ReplaceBalances(ctx context.Context, balances []entity.Balance) error {
	return m.enqueue(ctx, func() {
		for _, balance := range balances {
			replaced := m.balances.Replace(balance)
			m.dispatcher.Publish(entity.OrderEvent{
				Type:    entity.OrderEventBalanceChanged,
				Balance: replaced,
			})
		}
	})
}

// terminate moves the order into a terminal state if the FSM allows it.
// Runs on the manager goroutine.
func (m *Manager) terminate(clientOrderID string, state entity.OrderState, reason string) {
	current, ok := m.orders.Get(clientOrderID)
	if !ok || current.State.Terminal() {
		return
	}
	if !entity.CanTransition(current.State, state) {
		logrus.WithFields(logrus.Fields{
			"client_order_id": clientOrderID,
			"from":            current.State,
			"to":              state,
		}).Warn("refusing illegal terminal transition")
		return
	}

	updated, err := m.orders.Update(clientOrderID, current.Version, func(o *entity.Order) {
		o.State = state
		o.Reason = reason
	})
	if err != nil {
		logrus.WithError(err).WithField("client_order_id", clientOrderID).Error("terminal transition failed")
		return
	}

	m.publishTransition(updated, false)
}

// HaltGateway stops new submissions on the exchange until cleared. In-flight
// orders keep progressing from reports.
func (m *Manager) HaltGateway(ctx context.Context, exchange entity.ExchangeName, reason string) error {
	return m.enqueue(ctx, func() {
		m.halted[exchange] = reason
		logrus.WithFields(logrus.Fields{"exchange": exchange, "reason": reason}).Error("gateway halted")
	})
}

// ClearHalt re-enables submissions after an operator intervened.
func (m *Manager) ClearHalt(ctx context.Context, exchange entity.ExchangeName) error {
	return m.enqueue(ctx, func() {
		delete(m.halted, exchange)
		logrus.WithField("exchange", exchange).Info("gateway halt cleared")
	})
}

// Halted reports whether submissions on the exchange are blocked.
func (m *Manager) Halted(ctx context.Context, exchange entity.ExchangeName) (bool, error) {
	reply := make(chan bool, 1)
	if err := m.enqueue(ctx, func() {
		_, isHalted := m.halted[exchange]
		reply <- isHalted
	}); err != nil {
		return false, err
	}

	select {
	case halted := <-reply:
		return halted, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (m *Manager) publishTransition(order *entity.Order, filledAdvanced bool) {
	switch order.State {
	case entity.OrderStateAccepted:
		m.publishOrderEvent(entity.OrderEventSubmitted, order)
	case entity.OrderStatePartiallyFilled:
		m.publishOrderEvent(entity.OrderEventPartiallyFilled, order)
	case entity.OrderStateFilled:
		m.publishOrderEvent(entity.OrderEventFilled, order)
	case entity.OrderStateCancelled:
		m.publishOrderEvent(entity.OrderEventCancelled, order)
	case entity.OrderStateRejected:
		m.publishOrderEvent(entity.OrderEventRejected, order)
	case entity.OrderStateExpired:
		m.publishOrderEvent(entity.OrderEventExpired, order)
	default:
		if filledAdvanced {
			m.publishOrderEvent(entity.OrderEventPartiallyFilled, order)
		}
	}
}

func (m *Manager) publishOrderEvent(eventType entity.OrderEventType, order *entity.Order) {
	snapshot := *order
	m.dispatcher.Publish(entity.OrderEvent{
		Type:  eventType,
		Order: &snapshot,
	})
}

func (m *Manager) checkpointWatermark(order *entity.Order) {
	if m.watermarks == nil || !order.FilledQuantity.GreaterThan(decimal.Zero) {
		return
	}

	clientOrderID := order.ClientOrderID
	filled := order.FilledQuantity

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := m.watermarks.SaveFillWatermark(ctx, clientOrderID, filled); err != nil {
			logrus.WithError(err).WithField("client_order_id", clientOrderID).Warn("fill watermark checkpoint failed")
		}
	}()
}

// RestoreWatermarks reloads checkpointed fill watermarks for the registry's
// known orders after a restart, so replayed reports at or below the
// checkpoint are ignored.
func (m *Manager) RestoreWatermarks(ctx context.Context) error {
	if m.watermarks == nil {
		return nil
	}

	var restoreErr error
	err := m.enqueue(ctx, func() {
		for _, order := range m.orders.List("") {
			filled, found, err := m.watermarks.LoadFillWatermark(ctx, order.ClientOrderID)
			if err != nil {
				restoreErr = err
				return
			}
			if !found || !filled.GreaterThan(order.FilledQuantity) {
				continue
			}
			if _, err := m.orders.Update(order.ClientOrderID, order.Version, func(o *entity.Order) {
				o.FilledQuantity = filled
			}); err != nil && !errors.Is(err, entity.ErrStaleWrite) {
				restoreErr = err
				return
			}
		}
	})
	if err != nil {
		return err
	}
	return restoreErr
}

// ActiveExchangeOrderIDs returns the exchange ids of every live order on the
// exchange, trimmed of empties. The reconciler diffs these against the
// exchange's open-orders snapshot.
func (m *Manager) ActiveExchangeOrderIDs(exchange entity.ExchangeName) map[string]entity.Order {
	active := make(map[string]entity.Order)
	for _, order := range m.orders.ListActive(exchange) {
		if id := strings.TrimSpace(order.ExchangeOrderID); id != "" {
			active[id] = order
		}
	}
	return active
}

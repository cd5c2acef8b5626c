package reconcile

import (
	"context"
	"time"

	"github.com/krobus00/exchange-core/internal/config"
	"github.com/krobus00/exchange-core/internal/entity"
	"github.com/krobus00/exchange-core/internal/service/book"
	"github.com/krobus00/exchange-core/internal/service/lifecycle"
	"github.com/sirupsen/logrus"
)

const (
	defaultReconcileInterval       = 30 * time.Second
	defaultUnknownOrderGracePeriod = 2 * time.Minute
)

// Scheduler periodically pulls authoritative state from every gateway and
// converges the local mirrors onto it. The exchange always wins a
// disagreement. A STREAM_GAP marker forces an immediate full resync of the
// affected exchange, books included.
type Scheduler struct {
	engineConfig config.EngineConfig
	gateways     map[entity.ExchangeName]entity.Gateway
	manager      *lifecycle.Manager
	books        *book.Store

	forceResync chan entity.ExchangeName
}

func NewScheduler(
	engineConfig config.EngineConfig,
	gateways map[entity.ExchangeName]entity.Gateway,
	manager *lifecycle.Manager,
	books *book.Store,
) *Scheduler {
	if engineConfig.ReconcileInterval <= 0 {
		engineConfig.ReconcileInterval = defaultReconcileInterval
	}
	if engineConfig.UnknownOrderGracePeriod <= 0 {
		engineConfig.UnknownOrderGracePeriod = defaultUnknownOrderGracePeriod
	}

	scheduler := &Scheduler{
		engineConfig: engineConfig,
		gateways:     gateways,
		manager:      manager,
		books:        books,
		forceResync:  make(chan entity.ExchangeName, 16),
	}

	manager.SetStreamGapHandler(scheduler.ForceResync)

	return scheduler
}

// ForceResync queues an out-of-cycle full resync for the exchange. Safe to
// call from any goroutine; duplicate requests coalesce on the channel.
func (s *Scheduler) ForceResync(exchange entity.ExchangeName) {
	select {
	case s.forceResync <- exchange:
	default:
		// a resync is already queued
	}
}

// Run drives the reconciliation loop until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.engineConfig.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for exchange := range s.gateways {
				s.reconcileExchange(ctx, exchange, false)
			}
		case exchange := <-s.forceResync:
			s.reconcileExchange(ctx, exchange, true)
		}
	}
}

// reconcileExchange converges orders and balances onto the exchange's view.
// fullResync additionally refetches every mirrored book snapshot.
func (s *Scheduler) reconcileExchange(ctx context.Context, exchange entity.ExchangeName, fullResync bool) {
	gw, ok := s.gateways[exchange]
	if !ok {
		return
	}

	logger := logrus.WithFields(logrus.Fields{
		"exchange":    exchange,
		"full_resync": fullResync,
	})

	open, err := gw.GetOpenOrders(ctx)
	if err != nil {
		logger.WithError(err).Warn("open orders fetch failed, skipping cycle")
		return
	}

	openByID := make(map[string]entity.OrderStatusReport, len(open))
	for _, report := range open {
		openByID[report.ExchangeOrderID] = report
		if err := s.manager.ApplyStatusReport(ctx, exchange, report); err != nil {
			logger.WithError(err).Warn("status report apply failed")
		}
	}

	s.resolveMissingOrders(ctx, exchange, gw, openByID, logger)
	s.reconcileBalances(ctx, gw, logger)

	if fullResync {
		s.resyncBooks(ctx, exchange, gw, logger)
	}
}

// resolveMissingOrders handles orders the engine believes are open but the
// exchange did not list. A targeted status probe distinguishes "finished
// while we were not looking" from "never existed"; the latter is only forced
// terminal after the grace period so a just-placed order is not killed by an
// in-flight listing race.
func (s *Scheduler) resolveMissingOrders(
	ctx context.Context,
	exchange entity.ExchangeName,
	gw entity.Gateway,
	openByID map[string]entity.OrderStatusReport,
	logger *logrus.Entry,
) {
	for exchangeOrderID, order := range s.manager.ActiveExchangeOrderIDs(exchange) {
		if _, listed := openByID[exchangeOrderID]; listed {
			continue
		}

		status, err := gw.GetOrderStatus(ctx, order.Instrument, exchangeOrderID)
		if err == nil {
			if err := s.manager.ApplyStatusReport(ctx, exchange, *status); err != nil {
				logger.WithError(err).Warn("status report apply failed")
			}
			continue
		}

		if entity.ClassifyGatewayError(err) != entity.FailureRejected {
			// transient probe failure, try again next cycle
			logger.WithError(err).WithField("exchange_order_id", exchangeOrderID).Warn("order status probe failed")
			continue
		}

		if time.Since(order.UpdatedAt) < s.engineConfig.UnknownOrderGracePeriod {
			continue
		}

		logger.WithFields(logrus.Fields{
			"client_order_id":   order.ClientOrderID,
			"exchange_order_id": exchangeOrderID,
		}).Warn("order unknown to exchange past grace period, forcing terminal")

		if err := s.manager.ForceTerminal(ctx, order.ClientOrderID, entity.OrderStateRejected, entity.RejectReasonUnknownToExchange); err != nil {
			logger.WithError(err).Error("force terminal failed")
		}
	}
}

func (s *Scheduler) reconcileBalances(ctx context.Context, gw entity.Gateway, logger *logrus.Entry) {
	balances, err := gw.GetBalances(ctx)
	if err != nil {
		logger.WithError(err).Warn("balances fetch failed")
		return
	}
	if len(balances) == 0 {
		return
	}

	if err := s.manager.ReplaceBalances(ctx, balances); err != nil {
		logger.WithError(err).Warn("balances replace failed")
	}
}

func (s *Scheduler) resyncBooks(ctx context.Context, exchange entity.ExchangeName, gw entity.Gateway, logger *logrus.Entry) {
	for _, instrument := range s.books.Instruments() {
		if instrument.Exchange != exchange {
			continue
		}

		snapshot, err := gw.GetBookSnapshot(ctx, instrument)
		if err != nil {
			// drop the stale mirror rather than serve it as current
			s.books.Drop(instrument)
			logger.WithError(err).WithField("instrument", instrument.Key()).Warn("book resync failed, mirror dropped")
			continue
		}

		s.books.ReplaceSnapshot(*snapshot)
	}
}

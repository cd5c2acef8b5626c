package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/exchange-core/internal/config"
	"github.com/krobus00/exchange-core/internal/constant"
	"github.com/krobus00/exchange-core/internal/entity"
	"github.com/krobus00/exchange-core/internal/repository"
	"github.com/krobus00/exchange-core/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// ArchiveService consumes the durable order event feed and lands every event
// in Postgres. It is the worker-side half of the archive pipeline and can run
// in a separate process from the engine.
type ArchiveService struct {
	js                nats.JetStreamContext
	orderEventRepo    *repository.OrderEventRepository
	balanceChangeRepo *repository.BalanceChangeRepository
}

func NewArchiveService(
	js nats.JetStreamContext,
	orderEventRepo *repository.OrderEventRepository,
	balanceChangeRepo *repository.BalanceChangeRepository,
) *ArchiveService {
	return &ArchiveService{
		js:                js,
		orderEventRepo:    orderEventRepo,
		balanceChangeRepo: balanceChangeRepo,
	}
}

func (s *ArchiveService) JetstreamEventSubscribe(ctx context.Context) error {
	timeout := config.Env.NatsJetstream.TimeoutHandler["archive_event"]
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	_, err := s.js.QueueSubscribe(
		constant.OrderEventStreamSubjectAll,
		constant.OrderEventArchiveQueueGroup,
		func(msg *nats.Msg) {
			err := util.ProcessWithTimeout(timeout, msg, s.handleOrderEvent)
			if err != nil {
				logrus.Errorf("error processing message: %v", err)
				return
			}

			err = msg.Ack()
			if err != nil {
				logrus.Errorf("failed to acknowledge message: %v", err)
				return
			}
		},
		nats.ManualAck(),
		nats.Durable(constant.OrderEventArchiveQueueGroup),
	)
	util.ContinueOrFatal(err)

	return nil
}

func (s *ArchiveService) handleOrderEvent(ctx context.Context, msg *nats.Msg) error {
	logger := logrus.WithFields(logrus.Fields{
		"subject": msg.Subject,
	})

	var event entity.OrderEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		logger.Error(err)
		return err
	}

	switch {
	case event.Type == entity.OrderEventBalanceChanged && event.Balance != nil:
		return s.archiveBalanceChange(ctx, event)
	case event.Order != nil:
		return s.archiveOrderEvent(ctx, event)
	default:
		// markers and malformed payloads are acked and skipped
		logger.WithField("type", event.Type).Warn("skipping unarchivable event")
		return nil
	}
}

func (s *ArchiveService) archiveOrderEvent(ctx context.Context, event entity.OrderEvent) error {
	order := event.Order

	row := &entity.OrderEventArchive{
		EventType:      string(event.Type),
		Exchange:       string(order.Instrument.Exchange),
		Symbol:         string(order.Instrument.Base) + "/" + string(order.Instrument.Quote),
		ClientOrderID:  order.ClientOrderID,
		Side:           order.Side,
		Type:           order.Type,
		Price:          order.Price,
		Quantity:       order.Quantity,
		FilledQuantity: order.FilledQuantity,
		AvgFillPrice:   order.AvgFillPrice,
		State:          string(order.State),
		EventAt:        event.At,
		CreatedAt:      time.Now().UTC(),
	}
	if order.ExchangeOrderID != "" {
		row.ExchangeOrderID = sql.NullString{String: order.ExchangeOrderID, Valid: true}
	}
	if order.Reason != "" {
		row.Reason = sql.NullString{String: order.Reason, Valid: true}
	}

	return s.orderEventRepo.Create(ctx, row)
}

func (s *ArchiveService) archiveBalanceChange(ctx context.Context, event entity.OrderEvent) error {
	balance := event.Balance

	row := &entity.BalanceChangeArchive{
		Exchange:  string(balance.Exchange),
		Currency:  string(balance.Currency),
		Available: balance.Available,
		Reserved:  balance.Reserved,
		Version:   int64(balance.Version),
		EventAt:   event.At,
		CreatedAt: time.Now().UTC(),
	}

	return s.balanceChangeRepo.Create(ctx, row)
}

package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/krobus00/exchange-core/internal/constant"
	"github.com/krobus00/exchange-core/internal/entity"
	"github.com/krobus00/exchange-core/internal/service/dispatch"
	"github.com/krobus00/exchange-core/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// FeedPublisher bridges the in-process event dispatcher onto the durable
// JetStream archive feed. Publication is at-least-once: a failed publish is
// logged and the event is lost from the feed only, never from the engine.
type FeedPublisher struct {
	js         nats.JetStreamContext
	subscriber *dispatch.Subscriber
}

func NewFeedPublisher(js nats.JetStreamContext, subscriber *dispatch.Subscriber) *FeedPublisher {
	return &FeedPublisher{
		js:         js,
		subscriber: subscriber,
	}
}

func (p *FeedPublisher) JetstreamEventInit(ctx context.Context) error {
	streamConfig := &nats.StreamConfig{
		Name:      constant.OrderEventStreamName,
		Subjects:  []string{constant.OrderEventStreamSubjectAll},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		MaxAge:    7 * 24 * time.Hour,
	}

	stream, err := p.js.StreamInfo(constant.OrderEventStreamName, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		logrus.Error(err)
		return err
	}

	if stream == nil {
		logrus.Infof("creating stream: %s", constant.OrderEventStreamName)
		_, err = p.js.AddStream(streamConfig, nats.Context(ctx))
		return err
	}

	logrus.Infof("updating stream: %s", constant.OrderEventStreamName)
	_, err = p.js.UpdateStream(streamConfig, nats.Context(ctx))
	if err != nil {
		logrus.Error(err)
		return err
	}

	return nil
}

// Run drains the dispatcher subscription onto the stream until ctx ends.
func (p *FeedPublisher) Run(ctx context.Context) error {
	if err := p.JetstreamEventInit(ctx); err != nil {
		return err
	}

	for {
		event, err := p.subscriber.Next(ctx)
		if err != nil {
			if errors.Is(err, dispatch.ErrDispatcherClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		p.publish(event)
	}
}

func (p *FeedPublisher) publish(event entity.OrderEvent) {
	if event.Type == entity.OrderEventDispatchOverflow {
		// the stream itself is durable; the marker only means this bridge
		// fell behind and the dropped window is gone from the feed
		logrus.Warn("archive feed overflowed, events missing from the durable stream")
		p.subscriber.MarkResynced()
		return
	}

	subject := constant.BalanceChangeStreamSubject
	if event.Type != entity.OrderEventBalanceChanged && event.Order != nil {
		subject = constant.GetOrderEventStreamSubject(string(event.Order.Instrument.Exchange))
	}

	if err := util.PublishEvent(p.js, subject, event); err != nil {
		logrus.WithError(err).WithField("subject", subject).Error("archive feed publish failed")
	}
}

package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/krobus00/exchange-core/internal/config"
	"github.com/krobus00/exchange-core/internal/entity"
	httpHandler "github.com/krobus00/exchange-core/internal/handler/engine/http"
	"github.com/krobus00/exchange-core/internal/infrastructure"
	"github.com/krobus00/exchange-core/internal/service/book"
	"github.com/krobus00/exchange-core/internal/service/dispatch"
	"github.com/krobus00/exchange-core/internal/service/gateway"
	"github.com/krobus00/exchange-core/internal/service/lifecycle"
	"github.com/krobus00/exchange-core/internal/service/persistence"
	"github.com/krobus00/exchange-core/internal/service/reconcile"
	"github.com/krobus00/exchange-core/internal/service/registry"
	"github.com/krobus00/exchange-core/internal/service/statestore"
	"github.com/krobus00/exchange-core/internal/util"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const processingLockTTL = 15 * time.Second

func StartEngine(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stateStore, err := statestore.NewRedisStateStore(config.Env.Redis["engine"].CacheDSN, "exchange-core")
	util.ContinueOrFatal(err)

	lockOwner := uuid.NewString()
	acquired, err := stateStore.AcquireProcessingLock(ctx, processingLockTTL, lockOwner)
	util.ContinueOrFatal(err)
	if !acquired {
		logrus.Fatal("another engine instance holds the processing lock")
	}
	go refreshProcessingLock(ctx, stateStore, lockOwner)

	nc, js, err := infrastructure.NewJetstream()
	util.ContinueOrFatal(err)

	instrumentsByExchange := make(map[entity.ExchangeName][]entity.Instrument)
	for name, exchangeConfig := range config.Env.Exchanges {
		exchangeName := entity.ExchangeName(strings.ToLower(name))
		instruments := parseInstruments(exchangeName, exchangeConfig.Instruments)
		instrumentsByExchange[exchangeName] = instruments

		switch exchangeName {
		case entity.ExchangeBinance:
			gateway.InitBinanceGateway(exchangeConfig, instruments)
		default:
			logrus.Warnf("no gateway adapter for exchange: %s", name)
		}
	}

	orders := registry.NewOrderRegistry()
	balances := registry.NewBalanceStore()
	books := book.NewStore()
	dispatcher := dispatch.NewDispatcher(config.Env.Engine.DispatchQueueSize)

	manager := lifecycle.NewManager(
		config.Env.Engine,
		gateway.GlobalGatewayRegistry,
		orders,
		balances,
		books,
		dispatcher,
		stateStore,
	)
	scheduler := reconcile.NewScheduler(config.Env.Engine, gateway.GlobalGatewayRegistry, manager, books)

	go func() { _ = manager.Run(ctx) }()
	go func() { _ = scheduler.Run(ctx) }()

	err = manager.RestoreWatermarks(ctx)
	util.ContinueOrFatal(err)

	for exchangeName, gw := range gateway.GlobalGatewayRegistry {
		startGatewayStream(ctx, gw, instrumentsByExchange[exchangeName], manager)
		primeBooks(ctx, gw, instrumentsByExchange[exchangeName], books)
	}

	feedPublisher := persistence.NewFeedPublisher(js, dispatcher.Subscribe("archive_feed"))
	go func() {
		if err := feedPublisher.Run(ctx); err != nil {
			logrus.Errorf("archive feed stopped: %v", err)
		}
	}()

	engineHTTPHandler := httpHandler.NewEngineHTTPHandler(manager, orders, balances, books)
	httpMux := http.NewServeMux()
	engineHTTPHandler.Register(httpMux)

	httpPort := fmt.Sprintf(":%s", config.Env.Port["engine_http"])
	httpServer := infrastructure.NewHTTPServerWithConfig(infrastructure.HTTPServerConfig{
		Addr:            httpPort,
		ShutdownTimeout: config.Env.GracefulShutdownTimeout,
	}, httpMux)

	go func() {
		err := httpServer.Start()
		if err != nil {
			logrus.Error(err)
		}
	}()
	logrus.Info(fmt.Sprintf("http server started on %s", httpPort))

	wait := gracefulShutdown(ctx, config.Env.GracefulShutdownTimeout, map[string]operation{
		"engine loops": func(ctx context.Context) error {
			cancel()
			dispatcher.Close()
			return nil
		},
		"http": func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		},
		"nats connection": func(ctx context.Context) error {
			return infrastructure.CloseJetstream(nc)
		},
		"processing lock": func(ctx context.Context) error {
			releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer releaseCancel()
			if err := stateStore.ReleaseProcessingLock(releaseCtx, lockOwner); err != nil {
				return err
			}
			return stateStore.Close()
		},
	})

	<-wait
}

// startGatewayStream runs the gateway subscription and pumps its events into
// the lifecycle manager.
func startGatewayStream(ctx context.Context, gw entity.Gateway, instruments []entity.Instrument, manager *lifecycle.Manager) {
	events := make(chan entity.StreamEvent, 1024)

	go func() {
		if err := gw.Subscribe(ctx, instruments, events); err != nil {
			logrus.Errorf("gateway stream stopped: %v", err)
		}
	}()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-events:
				if err := manager.HandleStreamEvent(ctx, event); err != nil {
					if ctx.Err() != nil {
						return
					}
					logrus.Errorf("stream event handling failed: %v", err)
				}
			}
		}
	}()
}

// primeBooks seeds the local mirrors so diffs have a snapshot to apply onto.
// Failures are tolerated; the first diff forces a refetch.
func primeBooks(ctx context.Context, gw entity.Gateway, instruments []entity.Instrument, books *book.Store) {
	for _, instrument := range instruments {
		snapshot, err := gw.GetBookSnapshot(ctx, instrument)
		if err != nil {
			logrus.Warnf("initial book snapshot failed for %s: %v", instrument.Key(), err)
			continue
		}
		books.ReplaceSnapshot(*snapshot)
	}
}

func refreshProcessingLock(ctx context.Context, stateStore *statestore.RedisStateStore, owner string) {
	ticker := time.NewTicker(processingLockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := stateStore.RefreshProcessingLock(ctx, processingLockTTL, owner)
			if err != nil {
				logrus.Errorf("processing lock refresh failed: %v", err)
				continue
			}
			if !held {
				logrus.Fatal("processing lock lost, stopping to avoid a split brain")
			}
		}
	}
}

func parseInstruments(exchange entity.ExchangeName, pairs []string) []entity.Instrument {
	instruments := make([]entity.Instrument, 0, len(pairs))
	for _, pair := range pairs {
		base, quote, found := strings.Cut(strings.TrimSpace(pair), "/")
		if !found {
			logrus.Warnf("skipping malformed instrument pair: %s", pair)
			continue
		}
		instruments = append(instruments, entity.NewInstrument(
			entity.CurrencyCode(base),
			entity.CurrencyCode(quote),
			exchange,
		))
	}

	return instruments
}

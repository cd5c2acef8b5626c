package bootstrap

import (
	"context"

	"github.com/krobus00/exchange-core/internal/config"
	"github.com/krobus00/exchange-core/internal/infrastructure"
	"github.com/krobus00/exchange-core/internal/repository"
	"github.com/krobus00/exchange-core/internal/service/persistence"
	"github.com/krobus00/exchange-core/internal/util"
	"github.com/spf13/cobra"
)

func StartArchiveWorker(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engineDB, err := infrastructure.NewPostgresConnection(ctx, config.Env.Database["engine"])
	util.ContinueOrFatal(err)
	infrastructure.StartPostgresHealthCheck(ctx, engineDB, config.Env.Database["engine"].PingInterval)

	nc, js, err := infrastructure.NewJetstream()
	util.ContinueOrFatal(err)

	orderEventRepo := repository.NewOrderEventRepository(engineDB)
	balanceChangeRepo := repository.NewBalanceChangeRepository(engineDB)

	archiveService := persistence.NewArchiveService(js, orderEventRepo, balanceChangeRepo)
	err = archiveService.JetstreamEventSubscribe(ctx)
	util.ContinueOrFatal(err)

	wait := gracefulShutdown(ctx, config.Env.GracefulShutdownTimeout, map[string]operation{
		"engine database": func(ctx context.Context) error {
			cancel()
			return engineDB.Close()
		},
		"nats connection": func(ctx context.Context) error {
			return infrastructure.CloseJetstream(nc)
		},
	})

	<-wait
}

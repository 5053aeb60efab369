package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	authservice "github.com/tuncanbit/cpg/internal/application/auth"
	"github.com/tuncanbit/cpg/internal/application/paymentservice"
	"github.com/tuncanbit/cpg/internal/application/routing"
	"github.com/tuncanbit/cpg/internal/infrastructure/cache"
	"github.com/tuncanbit/cpg/internal/infrastructure/clients"
	"github.com/tuncanbit/cpg/internal/infrastructure/database"
	"github.com/tuncanbit/cpg/internal/infrastructure/routehandlers"
	"github.com/tuncanbit/cpg/internal/infrastructure/webhook"
	"github.com/tuncanbit/cpg/internal/repositories/paymentrepo"
	"github.com/tuncanbit/cpg/internal/server"
	"github.com/tuncanbit/cpg/internal/server/handlers"
	"github.com/tuncanbit/cpg/internal/server/websocket"
	"github.com/tuncanbit/cpg/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func serveCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the payment gateway HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(v)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			store, err := cache.Connect(ctx, cfg.Redis, log)
			if err != nil {
				return err
			}
			defer store.Close()

			deps := map[string]handlers.Pinger{"redis": store}

			var repo paymentservice.Repository
			if cfg.Database.Enabled {
				db, err := database.New(ctx, &cfg.Database, log)
				if err != nil {
					return err
				}
				defer db.ShutDown()
				if err := db.Migrate(ctx); err != nil {
					return err
				}
				repo = paymentrepo.New(db, log)
				deps["postgres"] = db
			}

			catalog, err := routing.NewCatalog(cfg.Routes)
			if err != nil {
				return fmt.Errorf("failed to build route catalog: %w", err)
			}
			registry := routing.NewRegistry(catalog, store, cfg.Routing, log)
			router := routing.NewRouter(registry, routing.NewEvaluator(registry, cfg.Routing), cfg.Routing, log)

			prices := clients.NewPriceOracle(cfg.PriceOracle, store, log)
			routeHandlers := routehandlers.NewDefaultRegistry(cfg, prices, log)
			notifier := webhook.NewNotifier(cfg.Processor.Webhook, log)

			paymentSvc := paymentservice.New(router, routeHandlers, prices, store, repo, notifier, cfg, cfg.Processor, log)

			wsHub := websocket.NewWsHub(cfg.WebSocket.PingPeriod, log)
			paymentSvc.Subscribe("websocket", wsHub.HandleEvent)

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go wsHub.Run(runCtx)
			paymentSvc.Start(runCtx)

			authSvc := authservice.NewAuthService(cfg, log)
			srv := server.New(cfg, paymentSvc, router, authSvc, wsHub, deps, log)
			serveErr := srv.Start(runCtx)

			shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stop()
			if err := paymentSvc.Shutdown(shutdownCtx); err != nil {
				cliLog := logger.Component(log, "cli")
				cliLog.Error().Err(err).Msg("Payment processor did not shut down cleanly")
			}
			cancel()

			return serveErr
		},
	}
}

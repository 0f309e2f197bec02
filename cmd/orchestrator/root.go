// Copyright 2026 Digital Platformer
//
// CLI Commands
// serve, migrate and version verbs with full boot wiring and ordered shutdown

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/digitalplatformer/green-power-ledger/pkg/api"
	"github.com/digitalplatformer/green-power-ledger/pkg/config"
	"github.com/digitalplatformer/green-power-ledger/pkg/database"
	"github.com/digitalplatformer/green-power-ledger/pkg/execution"
	"github.com/digitalplatformer/green-power-ledger/pkg/keymutex"
	"github.com/digitalplatformer/green-power-ledger/pkg/ledger"
	"github.com/digitalplatformer/green-power-ledger/pkg/logging"
	"github.com/digitalplatformer/green-power-ledger/pkg/metrics"
	"github.com/digitalplatformer/green-power-ledger/pkg/vault"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "orchestrator",
		Short: "Durable operation orchestrator for tokenized asset lifecycles",
		Long: `orchestrator accepts mint, transfer and burn intents, decomposes each
into an ordered sequence of settlement-ledger transactions, and drives them
to completion with durable, exactly-once semantics.`,
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			db, err := database.Open(ctx, cfg.DatabaseURL, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			return db.Migrate(ctx)
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run migrations and serve the orchestrator",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting orchestrator",
		zap.String("version", version),
		zap.String("network", string(cfg.Network)),
		zap.String("listen_addr", cfg.ListenAddr))

	db, err := database.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return err
	}

	faucetURL, faucetErr := cfg.FaucetEndpoint()
	allowFaucet := faucetErr == nil

	client, err := ledger.NewRPCClient(ledger.RPCConfig{
		Endpoint:  cfg.RPCEndpoint(),
		FaucetURL: faucetURL,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	secrets, err := vault.New(vault.Config{
		MasterKey:  cfg.MasterKey,
		IssuerSeed: cfg.IssuerSeed,
		Store:      db.Wallets,
		TTL:        cfg.SecretCacheTTL,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer secrets.Close()

	locks := keymutex.New()
	m := metrics.New(locks)

	executor := execution.NewExecutor(execution.ExecutorConfig{
		Operations:        db.Operations,
		Steps:             db.Steps,
		Wallets:           db.Wallets,
		Seeds:             secrets,
		Ledger:            client,
		Locks:             locks,
		Metrics:           m,
		Logger:            logger,
		PollInterval:      cfg.PollInterval,
		ValidationTimeout: cfg.ValidationTimeout,
	})

	poller := execution.NewPoller(execution.PollerConfig{
		Operations: db.Operations,
		Steps:      db.Steps,
		Ledger:     client,
		Resume:     executor.Spawn,
		Metrics:    m,
		Logger:     logger,
		Interval:   cfg.SweepInterval,
		Batch:      cfg.SweepBatch,
	})
	poller.Start()

	intents := execution.NewIntents(execution.IntentsConfig{
		Operations: db.Operations,
		Steps:      db.Steps,
		Wallets:    db.Wallets,
		Executor:   executor,
		Metrics:    m,
		Logger:     logger,
	})

	server := api.New(api.Config{
		Intents:     intents,
		Wallets:     db.Wallets,
		Vault:       secrets,
		Ledger:      client,
		Metrics:     m,
		Logger:      logger,
		AllowFaucet: allowFaucet,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("shutting down", zap.String("reason", "context cancelled"))
	}

	// Shutdown order: stop intake first, then the poller, then give
	// in-flight executors a bounded window. Steps abandoned here are
	// reconciled by the poller on next boot.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	poller.Stop()

	if !executor.Drain(10 * time.Second) {
		logger.Warn("abandoning in-flight executors to the next boot's poller")
	}

	logger.Info("orchestrator stopped")
	return nil
}

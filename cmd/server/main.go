package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/upright-vc/libra2key/internal/config"
	"github.com/upright-vc/libra2key/internal/devnet"
	"github.com/upright-vc/libra2key/internal/explorer"
	"github.com/upright-vc/libra2key/internal/faucet"
	"github.com/upright-vc/libra2key/internal/idempotency"
	"github.com/upright-vc/libra2key/internal/ledger"
	"github.com/upright-vc/libra2key/internal/server"
	"github.com/upright-vc/libra2key/internal/service"
	"github.com/upright-vc/libra2key/internal/transfer"
	"github.com/upright-vc/libra2key/internal/wallet"
)

func newLogger(format string) (*zap.Logger, error) {
	if format == "console" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := newLogger(cfg.Service.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx := context.Background()

	var store idempotency.Store
	if cfg.Service.DatabaseURL != "" {
		pg, err := idempotency.NewPostgresStore(ctx, cfg.Service.DatabaseURL)
		if err != nil {
			logger.Fatal("idempotency store", zap.Error(err))
		}
		defer pg.Close()
		store = pg
	} else {
		fs, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
		if err != nil {
			logger.Fatal("idempotency store", zap.Error(err))
		}
		store = fs
	}

	waiter := &ledger.Waiter{
		Clock:           clockwork.NewRealClock(),
		InitialInterval: cfg.Confirmation.InitialInterval,
		MaxInterval:     cfg.Confirmation.MaxInterval,
		Multiplier:      2,
		Logger:          logger,
	}

	var (
		client  ledger.Client
		minter  faucet.Service
		listing explorer.Service
	)
	if cfg.Chain.RPCURL != "" {
		dialCtx, cancel := context.WithTimeout(ctx, cfg.Chain.RPCTimeout)
		eth, err := ledger.NewEthClient(dialCtx, ledger.EthClientConfig{
			RPCURL:         cfg.Chain.RPCURL,
			WeiPerBaseUnit: cfg.Chain.WeiPerBaseUnit,
			Waiter:         waiter,
			Logger:         logger,
		})
		cancel()
		if err != nil {
			logger.Fatal("ledger client", zap.Error(err))
		}
		defer eth.Close()
		client = eth

		minter, err = faucet.NewHTTPClient(faucet.Config{
			URL:        cfg.Faucet.URL,
			Timeout:    cfg.Faucet.Timeout,
			MaxRetries: cfg.Faucet.MaxRetries,
			Logger:     logger,
		})
		if err != nil {
			logger.Fatal("faucet client", zap.Error(err))
		}
		listing, err = explorer.NewHTTPClient(explorer.Config{
			APIURL:     cfg.Explorer.URL,
			Timeout:    cfg.Explorer.Timeout,
			MaxRetries: cfg.Explorer.MaxRetries,
			Logger:     logger,
		})
		if err != nil {
			logger.Fatal("explorer client", zap.Error(err))
		}
	} else {
		logger.Warn("no rpc url configured, running against the in-memory devnet")
		net := devnet.New(devnet.WithWaiter(waiter), devnet.WithLogger(logger))
		client, minter, listing = net, net, net
	}

	metrics := server.NewMetrics()
	coordinator := transfer.NewCoordinator(client,
		transfer.Config{
			ConfirmationTimeout: cfg.Confirmation.Timeout,
			ReadRetry:           cfg.Retry.Policy(),
		},
		transfer.WithLogger(logger),
		transfer.WithObserver(metrics),
	)

	svc := service.New(service.Deps{
		Ledger:           client,
		Wallet:           wallet.HKDF{},
		Faucet:           minter,
		Explorer:         listing,
		Coordinator:      coordinator,
		ReadRetry:        cfg.Retry.Policy(),
		ExplorerLinkBase: cfg.Explorer.LinkURL,
		OnReadRetry:      metrics.ReadRetry,
		Logger:           logger,
	})

	apiServer := server.NewServer(cfg, svc, store, metrics, logger)

	go func() {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", zap.Error(err))
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	sig := <-ch
	logger.Info("shutting down", zap.Stringer("signal", sig))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
}

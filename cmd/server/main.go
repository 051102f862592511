package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/streamcash/server/internal/config"
	"github.com/streamcash/server/internal/dispatch"
	"github.com/streamcash/server/internal/events"
	"github.com/streamcash/server/internal/gateway"
	"github.com/streamcash/server/internal/ledger"
	"github.com/streamcash/server/internal/poller"
	"github.com/streamcash/server/internal/registry"
	"github.com/streamcash/server/internal/server"
	"github.com/streamcash/server/internal/storage"
	"github.com/streamcash/server/internal/telegram"
	"github.com/streamcash/server/internal/tonapi"
)

func main() {
	// Setup logger
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(log)

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file found")
	}

	// Load config
	cfg := config.Load()

	// Initialize storage
	store, err := storage.New(cfg.DBPath)
	if err != nil {
		log.Error("init storage", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	log.Info("storage initialized", "path", cfg.DBPath)

	// Register payment gateways for the providers that are configured
	gateways := gateway.NewRegistry()

	if cfg.TBankTerminalKey != "" && cfg.TBankPassword != "" {
		gateways.Register(storage.MethodTBank,
			gateway.NewTBank(cfg.TBankTerminalKey, cfg.TBankPassword, cfg.TBankBaseURL, cfg.FrontendURL, cfg.APIURL))
		log.Info("tbank gateway registered")
	}

	if cfg.StripeKey != "" {
		gateways.Register(storage.MethodCard, gateway.NewStripe(cfg.StripeKey, cfg.FrontendURL))
		log.Info("stripe gateway registered")
	}

	if cfg.TONWalletAddr != "" {
		tonAPI := tonapi.NewClient(cfg.TonAPIBaseURL, cfg.TonAPIKey)
		gateways.Register(storage.MethodTON, gateway.NewTON(tonAPI, cfg.TONWalletAddr))

		// Sanity-check the service wallet so a typo in the address shows up
		// at startup instead of as donations that never complete.
		checkCtx, checkCancel := context.WithTimeout(context.Background(), 10*time.Second)
		info, err := tonAPI.GetAccountInfo(checkCtx, tonapi.NormalizeAddress(cfg.TONWalletAddr))
		checkCancel()
		if err != nil {
			log.Warn("ton wallet check failed", "wallet", cfg.TONWalletAddr, "error", err)
		} else {
			log.Info("ton gateway registered",
				"wallet", cfg.TONWalletAddr,
				"wallet_status", info.Status,
				"balance_ton", tonapi.NanoToTON(info.Balance),
			)
		}
	}

	gateways.Register(storage.MethodTest, gateway.NewTestPay(cfg.FrontendURL))

	// Initialize event bus and ledger
	bus := events.NewBus()
	ldg := ledger.New(store, bus, log)

	// Initialize overlay connection registry
	reg := registry.New(log)

	// Initialize telegram notifier (optional)
	var tg *telegram.Notifier
	if cfg.BotToken != "" {
		tg, err = telegram.New(cfg.BotToken, log)
		if err != nil {
			log.Error("init telegram notifier", "error", err)
			os.Exit(1)
		}
		log.Info("telegram notifier initialized")
	}

	// Wire the alert dispatcher to completed donations
	dispatch.New(store, reg, tg, log).Register(bus)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start HTTP server
	srv := server.New(cfg, store, ldg, gateways, reg, log)
	go func() {
		if err := srv.Start(); err != nil {
			log.Error("http server", "error", err)
			cancel()
		}
	}()

	// Start reconciliation poller
	p := poller.New(store, ldg, gateways, cfg.GatewayTimeout, log)
	go p.Start(ctx, cfg.PollInterval)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("shutting down...")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("http shutdown", "error", err)
	}

	log.Info("bye")
}

package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/auction"
	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/bids"
	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/compliance"
	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/config"
	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/escrow"
	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/fanout"
	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/handlers"
	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/ledger"
	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/models"
	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/reconcile"
	"github.com/sachinprabuditha/SmartPepper-Auction-Blockchain-System-sub001/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Off-chain projection store.
	db, err := store.NewPostgres(cfg.PostgresURL)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		logger.Error("failed to initialize schema", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to PostgreSQL")

	// Redis hot path for bid compare-and-set pre-checks.
	hot, err := bids.NewHotPath(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Error("failed to connect to Redis hot path", "error", err)
		os.Exit(1)
	}
	defer hot.Close()
	logger.Info("connected to Redis")

	// Redis pub/sub carries committed events to the fanout rooms.
	bus, err := fanout.NewRedisBus(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logger.Error("failed to connect event bus", "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	subscriber, err := fanout.NewSubscriber(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, logger)
	if err != nil {
		logger.Error("failed to connect event subscriber", "error", err)
		os.Exit(1)
	}
	defer subscriber.Close()

	// Ledger gateway with per-identity nonce sequencing.
	node := ledger.NewHTTPNode(cfg.LedgerURL)
	seq := ledger.NewSequencer(node)
	gateway := ledger.NewGateway(node, seq, cfg.SignerIdentity, cfg.InclusionTimeout, logger)

	// Compliance gate over the external evidence service.
	evidence := compliance.NewHTTPEvidenceStore(cfg.EvidenceURL)
	gate := compliance.NewDefaultGate(evidence, logger)

	// Domain services.
	bidLedger := bids.NewLedger(db, hot, logger)
	escrowCoord := escrow.NewCoordinator(db, cfg.EscrowDepositTTL, cfg.PlatformFeeBps, logger)
	coordinator := auction.NewCoordinator(db, gateway, gate, bidLedger, escrowCoord, bus, logger)
	go coordinator.Run(ctx)

	// Realtime fanout: rooms fed by the Redis subscription, snapshots read
	// through the coordinator so joiners always see committed state.
	manager := fanout.NewManager(func(ctx context.Context, auctionID string) (*models.Auction, error) {
		a, _, err := coordinator.GetAuction(ctx, auctionID)
		return a, err
	}, logger)
	go manager.Run(ctx)
	go func() {
		if err := subscriber.Run(ctx, manager); err != nil && ctx.Err() == nil {
			logger.Error("event subscriber stopped", "error", err)
		}
	}()

	// Reconciliation worker over JetStream.
	nc, err := nats.Connect(cfg.NATSUrl,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	logger.Info("connected to NATS")

	worker := reconcile.NewWorker(coordinator, db, cfg.ReconcileBackoff, logger)
	if err := worker.Start(ctx, nc); err != nil {
		logger.Error("failed to start reconciliation worker", "error", err)
		os.Exit(1)
	}
	defer worker.Stop()

	// HTTP surface: REST API plus WebSocket rooms.
	h := handlers.NewHandler(coordinator, logger)
	router := h.SetupRoutes()
	fanout.NewHandler(manager, logger).Register(router)

	server := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("auction coordinator listening", "addr", cfg.ServerAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	cancel()
	logger.Info("server stopped")
}

// Package main is the entry point of the position-protection reconciler.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/position-guard/db/schema"
	"github.com/your-org/position-guard/internal/alert"
	"github.com/your-org/position-guard/internal/audit"
	"github.com/your-org/position-guard/internal/config"
	"github.com/your-org/position-guard/internal/exchange/bitget"
	"github.com/your-org/position-guard/internal/http/handler"
	"github.com/your-org/position-guard/internal/metrics"
	"github.com/your-org/position-guard/internal/reconciler"
	"github.com/your-org/position-guard/internal/signalstore"
	"github.com/your-org/position-guard/pkg/logger"
)

// auditRetention bounds how far back the drift and attempt trail is kept.
const auditRetention = 90 * 24 * time.Hour

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to the configuration file")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// --- Logger ---
	logger.SetGlobalLogLevel(cfg.LogLevel)
	logger.Info("Position-protection reconciler starting...")
	logger.Infof("Loaded configuration from: %s", *configPath)
	defer func() {
		_ = logger.Sync()
	}()

	// --- Stores (Postgres when configured, in-memory for dry runs) ---
	var (
		targetSource reconciler.TargetSource
		auditSink    reconciler.AuditSink
		pgAudit      *audit.PostgresSink
	)
	if dsn := cfg.Database.DSN(); dsn != "" {
		if err := schema.Up(dsn); err != nil {
			logger.Fatalf("Failed to apply database migrations: %v", err)
		}
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			logger.Fatalf("Failed to connect to database: %v", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			logger.Fatalf("Database ping failed: %v", err)
		}
		targetSource = signalstore.NewPostgresStore(pool, logger.L("signalstore"))
		pgAudit = audit.NewPostgresSink(pool, logger.L("audit"))
		auditSink = pgAudit
		logger.Info("Database connection established.")
	} else {
		logger.Warnf("No database configured; using in-memory stores. Positions will be unmanaged and the audit trail is volatile.")
		targetSource = signalstore.NewInMemoryStore()
		auditSink = audit.NewInMemorySink()
	}

	// --- Exchange Gateway ---
	gateway := bitget.NewClient(
		cfg.Exchange.APIKey,
		cfg.Exchange.APISecret,
		cfg.Exchange.Passphrase,
		cfg.Exchange.ProductType,
		cfg.Exchange.MarginCoin,
		time.Duration(cfg.Exchange.TimeoutSeconds)*time.Second,
	)

	// --- Notifier ---
	var notifier alert.Notifier
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != 0 {
		tg, err := alert.NewTelegramNotifier(
			cfg.Telegram.Token,
			cfg.Telegram.ChatID,
			time.Duration(cfg.Telegram.BufferIntervalSeconds)*time.Second,
			logger.L("telegram"),
		)
		if err != nil {
			logger.Fatalf("Failed to initialize Telegram notifier: %v", err)
		}
		notifier = tg
		logger.Info("Telegram notifier initialized.")
	} else {
		notifier = alert.NewNoOpNotifier()
		logger.Warnf("Telegram not configured; drift alerts will only appear in the logs.")
	}
	defer func() {
		if err := notifier.Close(); err != nil {
			logger.Errorf("Failed to close notifier: %v", err)
		}
	}()

	// --- Reconciliation Pipeline ---
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	resolver := reconciler.NewResolver(targetSource)
	remediator := reconciler.NewRemediator(
		gateway, auditSink, m, notifier,
		cfg.RateLimit.MutationsPerMinute, cfg.RateLimit.Burst,
		cfg.Reconcile.MaxRetries, cfg.Reconcile.TakeProfitPolicy,
		logger.L("remediator"),
	)
	scheduler := reconciler.NewScheduler(
		gateway, resolver, remediator, auditSink, m, notifier,
		reconciler.Options{
			Interval:         cfg.Reconcile.Interval(),
			CycleDeadline:    cfg.Reconcile.CycleDeadline(),
			ShutdownTimeout:  cfg.Reconcile.ShutdownTimeout(),
			ToleranceTicks:   cfg.Reconcile.PriceToleranceTicks,
			AlertAfterCycles: cfg.Reconcile.AlertAfterCycles,
			Workers:          int64(cfg.Reconcile.Workers),
			Policy:           cfg.Reconcile.TakeProfitPolicy,
			SymbolEnabled:    cfg.Reconcile.SymbolEnabled,
		},
		logger.L("scheduler"),
	)

	// --- Health and Metrics Server ---
	mux := http.NewServeMux()
	mux.HandleFunc("/health", handler.HealthCheckHandler(scheduler))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: cfg.Server.ListenAddr, Handler: mux}
	go func() {
		logger.Infof("Health and metrics server starting on %s", cfg.Server.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Health and metrics server failed: %v", err)
		}
	}()

	// --- WebSocket Position Stream (Optional) ---
	if cfg.Exchange.EnableWebsocket {
		stream := bitget.NewPositionStream(
			cfg.Exchange.APIKey,
			cfg.Exchange.APISecret,
			cfg.Exchange.Passphrase,
			cfg.Exchange.ProductType,
			scheduler.Nudge,
			logger.L("positions-ws"),
		)
		go stream.Run(ctx)
		logger.Info("WebSocket position stream enabled.")
	}

	// --- Audit Retention (Postgres only) ---
	if pgAudit != nil {
		go runAuditPurge(ctx, pgAudit)
	}

	// --- Control Loop ---
	done := make(chan struct{})
	go func() {
		defer close(done)
		scheduler.Run(ctx)
	}()

	// --- Graceful Shutdown ---
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	logger.Infof("Received signal: %s, initiating shutdown...", sig)

	cancel()
	select {
	case <-done:
	case <-time.After(cfg.Reconcile.ShutdownTimeout() + cfg.Reconcile.CycleDeadline()):
		logger.Errorf("Scheduler did not stop within the shutdown window")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Health and metrics server shutdown failed: %v", err)
	}

	logger.Info("Position-protection reconciler shut down gracefully.")
}

// runAuditPurge trims audit rows past the retention horizon once a day.
func runAuditPurge(ctx context.Context, sink *audit.PostgresSink) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sink.PurgeOlderThan(ctx, time.Now().Add(-auditRetention)); err != nil {
				logger.Errorf("Audit trail purge failed: %v", err)
			}
		}
	}
}

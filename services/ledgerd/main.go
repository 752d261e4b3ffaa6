package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"pegledger/core/events"
	"pegledger/core/state"
	"pegledger/gateway/middleware"
	"pegledger/gateway/routes"
	nativecommon "pegledger/native/common"
	"pegledger/native/loans"
	"pegledger/observability"
	"pegledger/observability/logging"
	telemetry "pegledger/observability/otel"
	"pegledger/services/journal"
	"pegledger/services/ledgerd/config"
	"pegledger/storage"
)

func main() {
	var cfgPath, exportPath, exportType string
	flag.StringVar(&cfgPath, "config", "services/ledgerd/config.yaml", "path to ledgerd config")
	flag.StringVar(&exportPath, "export-journal", "", "write the event journal to this Parquet file and exit")
	flag.StringVar(&exportType, "export-type", "", "only export events of this type")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(logging.Options{
		Service:    "ledgerd",
		Env:        cfg.Env,
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if exportPath != "" {
		if err := exportJournal(cfg, logger, exportPath, exportType); err != nil {
			logger.Error("journal export failed", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("ledgerd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func exportJournal(cfg config.Config, logger *slog.Logger, path, eventType string) error {
	if cfg.Journal.Driver == "" {
		return fmt.Errorf("journal disabled in config")
	}
	sqlDB, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
	if err != nil {
		return err
	}
	eventJournal, err := journal.New(sqlDB, logger)
	if err != nil {
		return err
	}
	defer eventJournal.Close()
	written, err := eventJournal.ExportParquet(context.Background(), path, journal.Query{Type: eventType})
	if err != nil {
		return err
	}
	logger.Info("journal exported", slog.String("path", path), slog.Int("records", written))
	return nil
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	headers := map[string]string{}
	for k, v := range cfg.Telemetry.Headers {
		headers[k] = v
	}
	if env := cfg.Telemetry.HeadersEnv; env != "" {
		for k, v := range telemetry.ParseHeaders(os.Getenv(env)) {
			headers[k] = v
		}
	}
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "ledgerd",
		Environment: cfg.Env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	genesis := loans.DefaultConfig()
	if cfg.Genesis != "" {
		if genesis, err = loans.LoadConfig(cfg.Genesis); err != nil {
			return fmt.Errorf("load genesis: %w", err)
		}
	}
	settings, err := genesis.Settings()
	if err != nil {
		return fmt.Errorf("genesis: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	defer db.Close()

	hub := events.NewHub(128)
	emitters := events.Multi{hub, observability.Events()}
	var eventJournal *journal.Journal
	if cfg.Journal.Driver != "" {
		sqlDB, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
		if err != nil {
			return err
		}
		if eventJournal, err = journal.New(sqlDB, logger); err != nil {
			return err
		}
		defer eventJournal.Close()
		if cfg.Journal.VerifyOnStart {
			checked, err := eventJournal.Verify(ctx)
			if err != nil {
				return err
			}
			logger.Info("journal verified", slog.Uint64("records", checked))
		}
		emitters = append(emitters, eventJournal)
	}

	ledger := loans.NewLedger(state.NewManager(db), settings)
	ledger.SetLogger(logger)
	if cfg.Telemetry.Traces {
		ledger.SetTracer(telemetry.Tracer("pegledger/ledger"))
	}
	ledger.SetEmitter(emitters)
	ledger.SetPauses(nativecommon.NewPauses(cfg.Paused...))
	metrics := observability.Ledger()
	ledger.SetObserver(func(op string, elapsed time.Duration, err error) {
		metrics.Observe(op, elapsed, loans.ErrorCode(err))
	})
	applied, err := ledger.ApplyGenesis(ctx)
	if err != nil {
		return fmt.Errorf("apply genesis: %w", err)
	}
	logger.Info("ledger ready",
		slog.Bool("genesisApplied", applied),
		slog.String("deployer", settings.Deployer.String()),
		slog.Any("paused", cfg.Paused))

	var idempotency *middleware.IdempotencyStore
	if !cfg.Idempotency.Disabled {
		idempotency, err = middleware.OpenIdempotencyStore(cfg.Idempotency.Path, cfg.Idempotency.TTL, logger)
		if err != nil {
			return err
		}
		defer idempotency.Close()
		go pruneIdempotency(ctx, idempotency, logger)
	}

	handler, err := buildHandler(cfg, logger, ledger, hub, eventJournal, idempotency)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("ledgerd listening",
			slog.String("listen", cfg.ListenAddress),
			slog.Bool("tls", cfg.TLS.Enabled()))
		if cfg.TLS.Enabled() {
			serverErr <- server.ListenAndServeTLS(cfg.TLS.CertPath, cfg.TLS.KeyPath)
			return
		}
		serverErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forcing server stop", slog.Any("error", err))
			_ = server.Close()
		}
		return nil
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	}
}

func pruneIdempotency(ctx context.Context, store *middleware.IdempotencyStore, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.Prune()
			if err != nil {
				logger.Warn("idempotency prune failed", slog.Any("error", err))
				continue
			}
			if removed > 0 {
				logger.Debug("idempotency entries pruned", slog.Int("removed", removed))
			}
		}
	}
}

func buildHandler(cfg config.Config, logger *slog.Logger, ledger *loans.Ledger, hub *events.Hub, eventJournal *journal.Journal, idempotency *middleware.IdempotencyStore) (http.Handler, error) {
	secret, err := cfg.Auth.Secret()
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}
	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for key, limit := range cfg.RateLimits {
		limits[key] = middleware.RateLimit{RatePerSecond: limit.RatePerSecond, Burst: limit.Burst}
	}
	routeCfg := routes.Config{
		Ledger: ledger,
		Hub:    hub,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:           cfg.Auth.Enabled,
			HMACSecret:        secret,
			Issuer:            cfg.Auth.Issuer,
			Audience:          cfg.Auth.Audience,
			TrustCallerHeader: cfg.Auth.TrustCallerHeader,
		}, logger),
		RateLimiter:    middleware.NewRateLimiter(limits, logger),
		Observability:  middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: "ledgerd", LogRequests: cfg.Log.Level == "debug"}, logger),
		AdminScope:     cfg.Auth.AdminScope,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	}
	if eventJournal != nil {
		routeCfg.Journal = eventJournal
	}
	if idempotency != nil {
		routeCfg.Idempotency = idempotency
	}
	return routes.New(routeCfg)
}

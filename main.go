package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"
	"time"

	"cryptoPositionEngine/config"
	"cryptoPositionEngine/internal/adapters/binanceclient"
	"cryptoPositionEngine/internal/adapters/logger"
	"cryptoPositionEngine/internal/adapters/sqlite"
	"cryptoPositionEngine/internal/app"
	"cryptoPositionEngine/internal/gateway"
	"cryptoPositionEngine/internal/metrics"
	"cryptoPositionEngine/internal/registry"
	"cryptoPositionEngine/internal/risk"
	"cryptoPositionEngine/internal/safety"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()

	// 4. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	if err := binanceClient.SetServerTime(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to synchronize server time")
		log.Fatalf("FATAL: Failed to synchronize server time: %v", err)
	}

	// 5. Metrics
	mtx := metrics.New()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", mtx.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		appLogger.Info(context.Background(), "Metrics listener starting", map[string]interface{}{"addr": cfg.MetricsAddr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error(context.Background(), err, "Metrics listener stopped")
		}
	}()

	// 6. Core components
	reg := registry.New(appLogger, cfg.ClosedHistorySize)

	gw, err := gateway.New(gateway.Config{
		Logger:   appLogger,
		Exchange: binanceClient,
		Registry: reg,
		Intents:  repo,
		Store:    repo,
		Metrics:  mtx,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize execution gateway")
		log.Fatalf("FATAL: Failed to initialize execution gateway: %v", err)
	}

	kill := safety.NewKillSwitch(repo, appLogger)

	replacer, err := safety.NewStopReplacer(safety.StopReplacerConfig{
		Logger:         appLogger,
		Exchange:       binanceClient,
		Gateway:        gw,
		Store:          repo,
		Metrics:        mtx,
		ConfirmTimeout: cfg.StopConfirmTimeout,
		PollInterval:   cfg.StopPollInterval,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize stop replacer")
		log.Fatalf("FATAL: Failed to initialize stop replacer: %v", err)
	}

	protection, err := safety.NewProtectionMonitor(safety.ProtectionMonitorConfig{
		Logger:   appLogger,
		Exchange: binanceClient,
		Registry: reg,
		Gateway:  gw,
		Metrics:  mtx,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize protection monitor")
		log.Fatalf("FATAL: Failed to initialize protection monitor: %v", err)
	}

	exitTimeout, err := safety.NewExitTimeoutManager(safety.ExitTimeoutConfig{
		Logger:        appLogger,
		Registry:      reg,
		Gateway:       gw,
		KillSwitch:    kill,
		RecheckAfter:  cfg.ExitRecheckAfter,
		EscalateAfter: cfg.ExitEscalateAfter,
		KillAfter:     cfg.ExitKillAfter,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize exit timeout manager")
		log.Fatalf("FATAL: Failed to initialize exit timeout manager: %v", err)
	}

	riskMgr := risk.NewManager(risk.Config{
		MaxPositionSize:  cfg.MaxPositionSize,
		MaxDailyLoss:     cfg.MaxDailyLoss,
		MaxOpenPositions: cfg.MaxOpenPositions,
		MaxDailyTrades:   cfg.MaxDailyTrades,
		StopLossPercent:  cfg.StopLossPct,
	})

	// 7. Application Service
	service, err := app.NewService(app.ServiceConfig{
		Cfg:         cfg,
		Logger:      appLogger,
		Exchange:    binanceClient,
		Store:       repo,
		Intents:     repo,
		Audit:       repo,
		Registry:    reg,
		Gateway:     gw,
		Replacer:    replacer,
		Protection:  protection,
		ExitTimeout: exitTimeout,
		KillSwitch:  kill,
		Risk:        riskMgr,
		Metrics:     mtx,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize application service")
		log.Fatalf("FATAL: Failed to initialize application service: %v", err)
	}

	if err := service.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Position engine exited with error")
		log.Fatalf("FATAL: Position engine exited with error: %v", err)
	}
}

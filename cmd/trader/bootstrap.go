package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"autonomous-trader/internal/buffer"
	"autonomous-trader/internal/decision"
	"autonomous-trader/internal/decision/anthropic"
	"autonomous-trader/internal/decision/decisionobs"
	"autonomous-trader/internal/decision/openai"
	"autonomous-trader/internal/decision/rule"
	"autonomous-trader/internal/exchange"
	"autonomous-trader/internal/exchange/exchangeobs"
	"autonomous-trader/internal/features"
	"autonomous-trader/internal/interfaces"
	"autonomous-trader/internal/logger"
	"autonomous-trader/internal/notify"
	"autonomous-trader/internal/risk"
	"autonomous-trader/internal/router"
	"autonomous-trader/internal/scheduler"
	"autonomous-trader/internal/state"
	"autonomous-trader/internal/store"
	"autonomous-trader/internal/trace"
	"autonomous-trader/internal/tradelog"
	"autonomous-trader/internal/types"
)

// App holds the wired system for main to drive.
type App struct {
	Controller *scheduler.Controller
	store      *state.Store
	notifier   interfaces.Notifier
	sessionID  string
}

// initializeSystem initializes environment, logger and tracer.
func initializeSystem() error {
	_ = godotenv.Load()

	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if err := trace.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize tracer: %v\n", err)
	}
	return nil
}

// loadConfig loads and validates the configuration.
func loadConfig(ctx context.Context) (*store.Config, error) {
	path := os.Getenv("TRADER_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := store.LoadConfig(path)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to load config", err)
		return nil, err
	}
	return cfg, nil
}

// compressOldLogs gzips old trade log files if retention is configured.
func compressOldLogs(ctx context.Context) {
	if v := os.Getenv("TRADER_LOG_RETENTION_DAYS"); v != "" {
		var n int
		fmt.Sscanf(v, "%d", &n)
		if err := tradelog.CompressOlder(n); err != nil {
			logger.Warn(ctx, "Failed to compress old logs", "error", err)
		}
	}
}

// bootstrap wires every component and recovers persisted state.
func bootstrap(ctx context.Context, cfg *store.Config) (*App, error) {
	ex, err := initializeExchange(ctx, cfg)
	if err != nil {
		return nil, err
	}

	rules, err := ex.SymbolRules(ctx, cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch symbol rules: %w", err)
	}

	db, err := state.Open(cfg.State.DBPath, cfg.State.WriteRetries)
	if err != nil {
		return nil, err
	}

	st, fresh, err := loadOrCreateState(ctx, db, ex, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	notifier := initializeNotifier(cfg)
	engine := initializeDecisionEngine(ctx, cfg)
	gate := risk.NewGate(risk.Config{
		MinConfidence:        cfg.Risk.MinConfidence,
		MaxConcurrentOrders:  cfg.Risk.MaxConcurrentOrders,
		MaxDailyLossFraction: decimal.NewFromFloat(cfg.Risk.MaxDailyLossFraction),
		RiskPerTradeFraction: decimal.NewFromFloat(cfg.Risk.RiskPerTradeFraction),
	})
	orderRouter := router.New(ex, router.Config{
		MaxRetries:  cfg.Router.MaxRetries,
		BackoffBase: time.Duration(cfg.Router.BackoffBaseMillis) * time.Millisecond,
		BackoffMax:  time.Duration(cfg.Router.BackoffMaxMillis) * time.Millisecond,
	})

	controller := scheduler.New(scheduler.Config{
		TickInterval:            time.Duration(cfg.Scheduler.TickIntervalSeconds) * time.Second,
		MaxTickDuration:         time.Duration(cfg.Scheduler.MaxTickSeconds) * time.Second,
		DrainTimeout:            time.Duration(cfg.Scheduler.DrainTimeoutSeconds) * time.Second,
		DrainPollInterval:       time.Duration(cfg.Router.PollIntervalSecond) * time.Second,
		ConsecutiveFailureLimit: cfg.Scheduler.ConsecutiveFailureLimit,
		WarmupThreshold:         cfg.Buffer.WarmupThreshold,
		MaxDailyLossFraction:    decimal.NewFromFloat(cfg.Risk.MaxDailyLossFraction),
		HaltOnPersistFailure:    cfg.State.HaltOnFailure,
	}, scheduler.Deps{
		Ring:     buffer.NewRing(cfg.Buffer.Capacity),
		Features: features.NewProvider(featureConfig(cfg)),
		Decider:  engine,
		Gate:     gate,
		Router:   orderRouter,
		Store:    db,
		Exchange: ex,
		Notifier: notifier,
	}, st, rules)

	if !fresh {
		if st.Halted {
			logger.Warn(ctx, "Recovered state is halted, orders withheld until SIGUSR1",
				"reason", st.HaltReason)
		}
		if err := controller.Reconcile(ctx); err != nil {
			logger.ErrorWithErr(ctx, "Startup reconciliation failed", err)
		}
	}

	return &App{
		Controller: controller,
		store:      db,
		notifier:   notifier,
		sessionID:  st.SessionID,
	}, nil
}

// Close flushes the session record and releases resources.
func (a *App) Close(ctx context.Context) {
	final := a.Controller.State()
	if err := a.store.EndSession(ctx, a.sessionID, types.SessionTotals{
		Ticks:       final.AnalysisCount,
		Decisions:   final.DecisionCount,
		Orders:      final.OrderCount,
		RealizedPnL: final.DailyPnL,
	}); err != nil {
		logger.Warn(ctx, "Failed to close session record", "error", err.Error())
	}
	a.notifier.Close()
	a.store.Close()
}

// initializeExchange selects paper or live venue by mode, wrapped with
// observability middleware.
func initializeExchange(ctx context.Context, cfg *store.Config) (interfaces.Exchange, error) {
	if cfg.Mode == "DRY_RUN" {
		logger.Warn(ctx, "Running in DRY_RUN mode - orders are simulated in-process")
		starting := decimal.NewFromInt(10000)
		if v := os.Getenv("PAPER_BALANCE"); v != "" {
			if b, err := decimal.NewFromString(v); err == nil {
				starting = b
			}
		}
		return exchangeobs.Wrap(exchange.NewPaper(starting)), nil
	}

	logger.Info(ctx, "Connecting to live venue", "rest", cfg.Exchange.RESTURL)
	b, err := exchange.NewBinance(cfg.Exchange.RESTURL, cfg.Exchange.WSURL)
	if err != nil {
		return nil, err
	}
	return exchangeobs.Wrap(b), nil
}

// initializeDecisionEngine builds the configured backend chain, each
// wrapped with observability middleware.
func initializeDecisionEngine(ctx context.Context, cfg *store.Config) *decision.Engine {
	var backends []interfaces.Backend
	for _, name := range cfg.Decision.Backends {
		switch name {
		case "openai":
			backends = append(backends, decisionobs.Wrap(openai.New(cfg)))
		case "anthropic":
			backends = append(backends, decisionobs.Wrap(anthropic.New(cfg)))
		case "rule":
			backends = append(backends, decisionobs.Wrap(rule.New(cfg)))
		}
	}
	if len(backends) == 0 {
		logger.Warn(ctx, "No backends configured - using rule backend only")
		backends = append(backends, decisionobs.Wrap(rule.New(cfg)))
	}

	names := make([]string, 0, len(backends))
	for _, b := range backends {
		names = append(names, b.Name())
	}
	logger.Info(ctx, "Decision chain assembled", "backends", names)

	return decision.NewEngine(backends, decision.Config{
		Timeout:              time.Duration(cfg.Decision.TimeoutSeconds) * time.Second,
		MaxRequestsPerMinute: cfg.Decision.MaxRequestsPerMinute,
	})
}

func initializeNotifier(cfg *store.Config) interfaces.Notifier {
	sinks := []notify.Sink{notify.LogSink{}}
	if cfg.Notify.Enabled && cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.WebhookURL))
	}
	if cfg.Notify.Enabled {
		token := os.Getenv("TELEGRAM_BOT_TOKEN")
		chatID := os.Getenv("TELEGRAM_CHAT_ID")
		if token != "" && chatID != "" {
			sinks = append(sinks, notify.NewTelegramSink(token, chatID))
		}
	}
	return notify.NewDispatcher(cfg.Notify.QueueSize, sinks...)
}

// loadOrCreateState recovers the last snapshot or starts a new session.
// Reference equity is sampled from the venue at session start and stays
// fixed for the session so the daily loss limit has a stable base.
func loadOrCreateState(ctx context.Context, db *state.Store, ex interfaces.Exchange, cfg *store.Config) (*types.LoopState, bool, error) {
	st, err := db.Load(ctx)
	if err != nil {
		return nil, false, err
	}
	if st != nil {
		logger.Info(ctx, "Recovered persisted state",
			"session_id", st.SessionID,
			"open_orders", len(st.OpenOrders),
			"daily_pnl", st.DailyPnL.String(),
			"halted", st.Halted,
		)
		return st, false, nil
	}

	equity, err := ex.Balance(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("sample reference equity: %w", err)
	}

	sessionID := uuid.NewString()
	st = types.NewLoopState(sessionID, cfg.Symbol, equity)
	if err := db.StartSession(ctx, types.Session{
		ID:        sessionID,
		Symbol:    cfg.Symbol,
		Strategy:  "decision-chain",
		StartTime: time.Now().UTC(),
	}); err != nil {
		return nil, false, err
	}
	logger.Info(ctx, "New session started",
		"session_id", sessionID,
		"symbol", cfg.Symbol,
		"reference_equity", equity.String(),
	)
	return st, true, nil
}

func featureConfig(cfg *store.Config) features.Config {
	return features.Config{
		SMAWindows: cfg.Indicators.SMAWindows,
		RSIPeriod:  cfg.Indicators.RSIPeriod,
		BBWindow:   cfg.Indicators.BBWindow,
		BBStdDev:   cfg.Indicators.BBStdDev,
		ATRPeriod:  cfg.Indicators.ATRPeriod,
	}
}

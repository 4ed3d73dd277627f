// predarb — a cross-venue prediction-market arbitrage engine.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts the engine, waits for SIGINT/SIGTERM
//	engine/              — orchestrator: scan cycle, discovery families, active-set lifecycle, realtime repricing
//	match/               — cross-venue market identity: normalization, bucketing, entity verification
//	linker/              — persistent undirected link graph with BFS identity resolution
//	outcome/             — YES/NO outcome normalization across venue vocabularies
//	score/               — edge/liquidity/confidence scoring, slippage model, Kelly sizing, execution plans
//	risk/                — multi-dimension risk modeling and leg sequencing
//	breaker/             — layered circuit breaker gating downstream execution
//	analytics/           — opportunity history, platform pair stats, attribution queries
//	feed/httpfeed/       — REST market search + WebSocket price stream with auto-reconnect
//	embed/               — optional embeddings client backing semantic matching
//	store/               — SQLite persistence for links, opportunities, and pair statistics
//
// How it makes money:
//
//	The engine looks for three shapes of mispricing: a single market whose
//	YES and NO books sum to under $1, the same event priced differently on
//	two venues, and a market that disagrees with an external fair-value
//	estimate. It never executes; it scores, sizes, and surfaces
//	opportunities to downstream executors, which consult the circuit
//	breaker before acting and report results back through analytics.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"predarb/internal/analytics"
	"predarb/internal/breaker"
	"predarb/internal/config"
	"predarb/internal/embed"
	"predarb/internal/engine"
	"predarb/internal/feed/httpfeed"
	"predarb/internal/linker"
	"predarb/internal/match"
	"predarb/internal/risk"
	"predarb/internal/store"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx := context.Background()

	// Persistence is optional; without it links and history live in memory.
	var db *store.DB
	if cfg.Store.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
			logger.Error("failed to create data directory", "error", err)
			os.Exit(1)
		}
		db, err = store.Open(cfg.Store.Path)
		if err != nil {
			logger.Error("failed to open store", "error", err, "path", cfg.Store.Path)
			os.Exit(1)
		}
		defer db.Close()
	}

	var linkStore linker.Store
	var anStore analytics.Store
	if db != nil {
		linkStore, anStore = db, db
	}
	lk, err := linker.New(ctx, linkStore, logger)
	if err != nil {
		logger.Error("failed to restore link graph", "error", err)
		os.Exit(1)
	}
	an := analytics.New(anStore, logger)

	var brk *breaker.Breaker
	if cfg.Breaker.Enabled {
		brk = breaker.New(cfg.ToBreaker(), logger)
	}

	var embedder match.Embedder
	if cfg.Embeddings.BaseURL != "" {
		embedder = embed.New(cfg.ToEmbeddings())
	}

	fd := httpfeed.New(cfg.ToFeed(), logger)

	opt := engine.Options{
		Linker:    lk,
		Analytics: an,
		Breaker:   brk,
		Embedder:  embedder,
		Logger:    logger,
	}
	if db != nil {
		rules, err := db.LoadCorrelationRules(ctx)
		if err != nil {
			logger.Warn("failed to load correlation rules", "error", err)
		} else if len(rules) > 0 {
			rs := risk.NewRuleSet(toRiskRules(rules))
			opt.Correlated = rs.Correlated
			logger.Info("loaded correlation rules", "count", rs.Len())
		}
	}

	eng, err := engine.New(cfg.ToEngine(), fd, opt)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	go logEvents(eng, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if brk != nil {
		brk.StartMonitoring(runCtx)
		defer brk.StopMonitoring()
	}

	engineCfg := cfg.ToEngine()
	if engineCfg.Realtime {
		if err := eng.StartRealtime(runCtx); err != nil {
			logger.Error("failed to start realtime mode", "error", err)
			os.Exit(1)
		}
		defer eng.StopRealtime()
	} else {
		go scanLoop(runCtx, eng, engineCfg.ScanInterval)
	}

	logger.Info("arbitrage engine started",
		"venues", engineCfg.Venues,
		"min_edge_pct", engineCfg.MinEdgePct,
		"min_liquidity", engineCfg.MinLiquidity,
		"realtime", engineCfg.Realtime,
		"persistent", db != nil,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())
}

// scanLoop is the poll-only mode: periodic scans with no price
// subscription.
func scanLoop(ctx context.Context, eng *engine.Engine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := eng.Scan(ctx, engine.ScanOptions{}); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func toRiskRules(rules []store.CorrelationRule) []risk.Rule {
	out := make([]risk.Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, risk.Rule{
			PatternA:    r.PatternA,
			PatternB:    r.PatternB,
			Correlation: r.Correlation,
		})
	}
	return out
}

func logEvents(eng *engine.Engine, logger *slog.Logger) {
	for ev := range eng.Events() {
		logger.Info("opportunity event",
			"event", ev.Type,
			"id", ev.Opportunity.ID,
			"type", ev.Opportunity.Type,
			"edge_pct", ev.Opportunity.EdgePct,
			"score", ev.Opportunity.Score,
			"liquidity", ev.Opportunity.TotalLiquidity,
		)
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

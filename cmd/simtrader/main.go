// SimTrader — a tape-driven replay/shadow simulator for Polymarket binary
// CLOB markets.
//
// Architecture:
//
//	main.go                    — entry point: loads config, builds an event
//	                              source (tape replay or live shadow),
//	                              drives the Run Engine, sets the process
//	                              exit code from run_quality
//	pkg/types/                 — shared vocabulary: events, orders, fills,
//	                              positions, run manifests
//	internal/tape/              — append-only tape recorder + deterministic
//	                              reader
//	internal/book/               — local L2 order book state machine
//	internal/broker/             — queue-ahead fill simulator
//	internal/portfolio/          — FIFO lot accounting + mark-to-market
//	internal/strategy/           — strategy interface + reference strategies
//	internal/engine/             — orchestrator: drives one run's event loop,
//	                              including the live shadow driver
//	internal/feed/                — live WebSocket + REST snapshot client
//	internal/guard/               — run-fatal invariant/deadline watchdog
//	internal/metrics/             — Prometheus exposition for shadow runs
//	internal/store/               — JSONL artifact streams + run manifest
//	internal/config/              — run configuration loading/validation
//
// A run exits 0 on run_quality ok or warnings, 1 on degraded or invalid, 2 on an
// unhandled internal error building or tearing down the run.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"simtrader/internal/broker"
	"simtrader/internal/config"
	"simtrader/internal/engine"
	"simtrader/internal/feed"
	"simtrader/internal/guard"
	"simtrader/internal/metrics"
	"simtrader/internal/portfolio"
	"simtrader/internal/store"
	"simtrader/internal/strategy"
	"simtrader/internal/tape"
	"simtrader/pkg/types"
)

const (
	exitOK       = 0
	exitInvalid  = 1
	exitInternal = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := "configs/run.yaml"
	if p := os.Getenv("SIMTRADER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		return exitInternal
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return exitInternal
	}

	logger := slog.New(newLogHandler(cfg.Logging))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Addr)
		go func() {
			if err := srv.Run(ctx); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("metrics server started", "addr", cfg.Metrics.Addr)
	}

	strat, err := buildStrategy(cfg.Strategy)
	if err != nil {
		logger.Error("failed to build strategy", "error", err)
		return exitInternal
	}

	runID := cfg.RunID
	if runID == "" {
		runID = "run"
	}
	outDir := cfg.OutDir
	if outDir == "" {
		outDir = runID
	}
	artifacts, err := store.Open(outDir)
	if err != nil {
		logger.Error("failed to open run directory", "error", err, "dir", outDir)
		return exitInternal
	}

	engineCfg := engine.Config{
		RunID:            runID,
		StartingCash:     decimal.NewFromFloat(cfg.Portfolio.StartingCash),
		CancelLatencySeq: cfg.Engine.CancelLatencySeq,
		Broker: broker.Config{
			MinNotional: decimal.NewFromFloat(cfg.Broker.MinOrderNotional),
			RealismMode: cfg.Broker.RealismMode,
			FeeModel:    cfg.Broker.FeeModel,
			FeeRate:     decimal.NewFromFloat(cfg.Broker.FeeRate),
		},
		Portfolio: portfolio.Config{
			FeeModel:   cfg.Broker.FeeModel,
			FeeRate:    decimal.NewFromFloat(cfg.Broker.FeeRate),
			MarkMethod: cfg.Portfolio.MarkMethod,
		},
		Guard: guard.Config{
			CashTolerance: decimal.NewFromFloat(cfg.Guard.CashTolerance),
			Deadline:      cfg.Guard.DeadlineAt(time.Now()),
			MaxEvents:     cfg.Guard.MaxEvents,
		},
	}

	var source engine.EventSource
	switch cfg.Mode {
	case config.ModeReplay:
		engineCfg.TapeID, engineCfg.AssetIDs, engineCfg.PrimaryAssetID, source, err = openReplaySource(cfg, logger)
	case config.ModeShadow:
		engineCfg.ShadowSessionID, engineCfg.AssetIDs, engineCfg.PrimaryAssetID, source, err = openShadowSource(ctx, cfg, logger)
	default:
		err = fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	if err != nil {
		logger.Error("failed to build event source", "error", err)
		return exitInternal
	}

	eng := engine.New(engineCfg, strat, artifacts, logger)
	manifest, err := eng.Run(ctx, source)
	if err != nil {
		logger.Error("run failed", "error", err)
		return exitInternal
	}

	switch manifest.RunQuality {
	case types.QualityOK, types.QualityWarnings:
		return exitOK
	default:
		return exitInvalid
	}
}

func newLogHandler(cfg config.LoggingConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.NewJSONHandler(os.Stdout, opts)
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

func buildStrategy(cfg config.StrategyConfig) (strategy.Strategy, error) {
	switch cfg.Kind {
	case config.StrategyComplementArb:
		return strategy.NewComplementArb(strategy.ComplementArbConfig{
			YesAssetID:    cfg.YesAssetID,
			NoAssetID:     cfg.NoAssetID,
			FeeThreshold:  decimal.NewFromFloat(cfg.FeeThreshold),
			PerLegCap:     decimal.NewFromFloat(cfg.PerLegCap),
			UnwindWaitSeq: cfg.UnwindWaitSeq,
			LegPolicy:     strategy.LegPolicy(cfg.LegPolicy),
		}), nil
	case config.StrategyReplayTrades:
		observations, err := loadObservations(cfg.ObservationsFile)
		if err != nil {
			return nil, fmt.Errorf("load observations: %w", err)
		}
		return strategy.NewReplayTrades(strategy.ReplayTradesConfig{
			AssetID:      cfg.AssetID,
			Observations: observations,
			SizeScale:    decimal.NewFromFloat(cfg.SizeScale),
		}), nil
	default:
		return nil, fmt.Errorf("unknown strategy.kind %q", cfg.Kind)
	}
}

// observationRow is the on-disk shape of one replay-trades observation.
type observationRow struct {
	TsRecvMs int64      `json:"ts_recv_ms"`
	Side     types.Side `json:"side"`
	Size     string     `json:"size"`
}

func loadObservations(path string) ([]strategy.TradeObservation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var rows []observationRow
	if err := json.NewDecoder(f).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	observations := make([]strategy.TradeObservation, 0, len(rows))
	for _, r := range rows {
		size, err := decimal.NewFromString(r.Size)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid size %q: %w", path, r.Size, err)
		}
		observations = append(observations, strategy.TradeObservation{
			TsRecvMs: r.TsRecvMs,
			Side:     r.Side,
			Size:     size,
		})
	}
	return observations, nil
}

func openReplaySource(cfg *config.Loaded, logger *slog.Logger) (tapeID string, assetIDs []string, primary string, source engine.EventSource, err error) {
	reader, err := tape.OpenReader(cfg.Tape.Dir)
	if err != nil {
		return "", nil, "", nil, fmt.Errorf("open tape: %w", err)
	}
	meta := reader.Meta()
	primary = meta.AssetIDs[0]
	return meta.TapeID, meta.AssetIDs, primary, reader, nil
}

func openShadowSource(ctx context.Context, cfg *config.Loaded, logger *slog.Logger) (sessionID string, assetIDs []string, primary string, source engine.EventSource, err error) {
	mf := feed.NewMarketFeed(cfg.Live.WSMarketURL, cfg.Live.AssetIDs, logger)

	var snapshotClient *feed.SnapshotClient
	if cfg.Live.SnapshotForGapCheck && cfg.Live.RESTBaseURL != "" {
		snapshotClient = feed.NewSnapshotClient(cfg.Live.RESTBaseURL)
	}

	var recorder *tape.Recorder
	if cfg.Live.RecordTapeDir != "" {
		recorder, err = tape.Open(cfg.Live.RecordTapeDir, "shadow-"+cfg.RunID, cfg.Live.AssetIDs, 0)
		if err != nil {
			return "", nil, "", nil, fmt.Errorf("open shadow tape recorder: %w", err)
		}
	}

	driver := engine.NewShadowDriver(engine.ShadowConfig{
		AssetIDs:            cfg.Live.AssetIDs,
		MaxWSStallSeconds:   cfg.Live.MaxWSStallSeconds,
		Recorder:            recorder,
		SnapshotForGapCheck: cfg.Live.SnapshotForGapCheck,
	}, mf, snapshotClient, logger)
	driver.Run(ctx)

	sessionID = "shadow-" + cfg.RunID
	primary = cfg.Live.AssetIDs[0]
	return sessionID, cfg.Live.AssetIDs, primary, driver, nil
}

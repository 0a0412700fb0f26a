// Package config defines run configuration for SimTrader: which tape or
// live feed to drive the Run Engine from, the broker/portfolio/guard
// realism knobs, and logging. Config is loaded from a YAML file (default:
// configs/run.yaml) with fields overridable via SIMTRADER_* environment
// variables, then checked by an explicit Validate() pass with one
// human-readable error per violated constraint.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"simtrader/pkg/types"
)

// Mode selects the Run Engine's event source.
type Mode string

const (
	ModeReplay Mode = "replay"
	ModeShadow Mode = "shadow"
)

// Config is the top-level run configuration. Maps directly to the YAML
// file structure.
type Config struct {
	Mode      Mode            `mapstructure:"mode"`
	RunID     string          `mapstructure:"run_id"`
	OutDir    string          `mapstructure:"out_dir"`
	Tape      TapeConfig      `mapstructure:"tape"`
	Live      LiveConfig      `mapstructure:"live"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Portfolio PortfolioConfig `mapstructure:"portfolio"`
	Guard     GuardConfig     `mapstructure:"guard"`
	Engine    EngineOptions   `mapstructure:"engine"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// StrategyKind selects which reference strategy the run drives.
type StrategyKind string

const (
	StrategyComplementArb StrategyKind = "complement_arb"
	StrategyReplayTrades  StrategyKind = "replay_trades"
)

// StrategyConfig parameterizes whichever reference strategy Kind selects.
// Fields not used by the selected Kind are ignored.
type StrategyConfig struct {
	Kind StrategyKind `mapstructure:"kind"`

	// complement_arb
	YesAssetID    string  `mapstructure:"yes_asset_id"`
	NoAssetID     string  `mapstructure:"no_asset_id"`
	FeeThreshold  float64 `mapstructure:"fee_threshold"`
	PerLegCap     float64 `mapstructure:"per_leg_cap"`
	UnwindWaitSeq int64   `mapstructure:"unwind_wait_seq"`
	LegPolicy     string  `mapstructure:"leg_policy"`

	// replay_trades
	AssetID          string  `mapstructure:"asset_id"`
	ObservationsFile string  `mapstructure:"observations_file"`
	SizeScale        float64 `mapstructure:"size_scale"`
}

// TapeConfig selects the tape directory a replay run reads from.
type TapeConfig struct {
	Dir string `mapstructure:"dir"`
}

// LiveConfig selects the live feed a shadow run connects to.
type LiveConfig struct {
	WSMarketURL         string   `mapstructure:"ws_market_url"`
	RESTBaseURL         string   `mapstructure:"rest_base_url"`
	AssetIDs            []string `mapstructure:"asset_ids"`
	MaxWSStallSeconds   int      `mapstructure:"max_ws_stalls_seconds"`
	RecordTapeDir       string   `mapstructure:"record_tape_dir"` // empty disables concurrent recording
	SnapshotForGapCheck bool     `mapstructure:"snapshot_for_gap_check"`
}

// BrokerConfig tunes the fill simulator's realism and fee model.
type BrokerConfig struct {
	MinOrderNotional float64           `mapstructure:"min_order_notional"`
	RealismMode      types.RealismMode `mapstructure:"realism_mode"`
	FeeModel         types.FeeModel    `mapstructure:"fee_model"`
	FeeRate          float64           `mapstructure:"fee_rate"`
}

// PortfolioConfig tunes mark-to-market and starting cash.
type PortfolioConfig struct {
	StartingCash float64          `mapstructure:"starting_cash"`
	MarkMethod   types.MarkMethod `mapstructure:"mark_method"`
}

// GuardConfig tunes the run-fatal invariant watchdog.
type GuardConfig struct {
	CashTolerance   float64 `mapstructure:"cash_tolerance"`
	DeadlineSeconds int     `mapstructure:"deadline_seconds"` // 0 disables the wall-clock deadline
	MaxEvents       int64   `mapstructure:"max_events"`       // 0 disables the event-count deadline
}

// EngineOptions carries the remaining run-engine knobs not already
// owned by Broker/Portfolio/Guard.
type EngineOptions struct {
	CancelLatencySeq int64  `mapstructure:"cancel_latency_seq"`
	TIFSeqLimit      *int64 `mapstructure:"tif_seq_limit"`
	CancelOnGap      bool   `mapstructure:"cancel_on_gap"`
	Seed             int64  `mapstructure:"seed"`
}

// MetricsConfig controls the optional Prometheus exposition server, used
// by shadow runs.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Loaded is the fully parsed run configuration. It is a distinct type from
// Config (rather than a bare alias) so callers that only need a partially
// built Config for testing Validate() aren't required to go through Load.
type Loaded struct {
	Config `mapstructure:",squash"`
}

// Load reads a run config from a YAML file with SIMTRADER_* env overrides.
func Load(path string) (*Loaded, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SIMTRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var loaded Loaded
	if err := v.Unmarshal(&loaded); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &loaded, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", string(ModeReplay))
	v.SetDefault("broker.min_order_notional", 1.0)
	v.SetDefault("broker.realism_mode", string(types.RealismStrict))
	v.SetDefault("broker.fee_model", string(types.FeeGrossProfit))
	v.SetDefault("broker.fee_rate", 0.02)
	v.SetDefault("portfolio.mark_method", string(types.MarkBidForLong))
	v.SetDefault("engine.cancel_on_gap", true)
	v.SetDefault("live.max_ws_stalls_seconds", 15)
	v.SetDefault("strategy.kind", string(StrategyComplementArb))
	v.SetDefault("strategy.leg_policy", "close")
	v.SetDefault("strategy.size_scale", 1.0)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks all required fields and value ranges. Errors are
// human-readable and name the violated field.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeReplay:
		if c.Tape.Dir == "" {
			return fmt.Errorf("tape.dir is required when mode is %q", ModeReplay)
		}
	case ModeShadow:
		if c.Live.WSMarketURL == "" {
			return fmt.Errorf("live.ws_market_url is required when mode is %q", ModeShadow)
		}
		if len(c.Live.AssetIDs) == 0 {
			return fmt.Errorf("live.asset_ids must be non-empty when mode is %q", ModeShadow)
		}
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModeReplay, ModeShadow, c.Mode)
	}

	switch c.Broker.RealismMode {
	case types.RealismStrict, types.RealismRelaxed:
	default:
		return fmt.Errorf("broker.realism_mode must be %q or %q", types.RealismStrict, types.RealismRelaxed)
	}
	switch c.Broker.FeeModel {
	case types.FeeGrossProfit, types.FeeBasisPoints:
	default:
		return fmt.Errorf("broker.fee_model must be %q or %q", types.FeeGrossProfit, types.FeeBasisPoints)
	}
	if c.Broker.FeeRate < 0 {
		return fmt.Errorf("broker.fee_rate must be >= 0")
	}
	if c.Broker.MinOrderNotional < 0 {
		return fmt.Errorf("broker.min_order_notional must be >= 0")
	}

	switch c.Portfolio.MarkMethod {
	case types.MarkBidForLong, types.MarkMidpoint:
	default:
		return fmt.Errorf("portfolio.mark_method must be %q or %q", types.MarkBidForLong, types.MarkMidpoint)
	}

	switch c.Strategy.Kind {
	case StrategyComplementArb:
		if c.Strategy.YesAssetID == "" || c.Strategy.NoAssetID == "" {
			return fmt.Errorf("strategy.yes_asset_id and strategy.no_asset_id are required for %q", StrategyComplementArb)
		}
	case StrategyReplayTrades:
		if c.Strategy.AssetID == "" {
			return fmt.Errorf("strategy.asset_id is required for %q", StrategyReplayTrades)
		}
		if c.Strategy.ObservationsFile == "" {
			return fmt.Errorf("strategy.observations_file is required for %q", StrategyReplayTrades)
		}
	default:
		return fmt.Errorf("strategy.kind must be %q or %q, got %q", StrategyComplementArb, StrategyReplayTrades, c.Strategy.Kind)
	}

	if c.Guard.DeadlineSeconds < 0 {
		return fmt.Errorf("guard.deadline_seconds must be >= 0")
	}
	if c.Guard.MaxEvents < 0 {
		return fmt.Errorf("guard.max_events must be >= 0")
	}

	return nil
}

// StartingCashDecimal converts PortfolioConfig.StartingCash for the
// decimal-based Portfolio constructor.
func (c *PortfolioConfig) StartingCashDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.StartingCash)
}

// DeadlineAt returns the wall-clock instant guard.Config should enforce,
// or the zero time if disabled.
func (c *GuardConfig) DeadlineAt(now time.Time) time.Time {
	if c.DeadlineSeconds <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(c.DeadlineSeconds) * time.Second)
}

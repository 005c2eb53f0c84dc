package agent

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/executor-agent/internal/broker"
	"github.com/atlas-desktop/executor-agent/internal/control"
	"github.com/atlas-desktop/executor-agent/internal/dispatch"
	"github.com/atlas-desktop/executor-agent/internal/errs"
	"github.com/atlas-desktop/executor-agent/internal/push"
	"github.com/atlas-desktop/executor-agent/pkg/types"
)

// Config is the full agent configuration, loaded from the config file.
type Config struct {
	// Identity used at registration time.
	Name          string `mapstructure:"name"`
	Platform      string `mapstructure:"platform"`
	BrokerServer  string `mapstructure:"broker_server"`
	AccountNumber string `mapstructure:"account_number"`

	DataDir string `mapstructure:"data_dir"`

	Broker   broker.Config   `mapstructure:"broker"`
	Dispatch dispatch.Config `mapstructure:"dispatch"`
	Push     push.Config     `mapstructure:"push"`
	Control  control.Config  `mapstructure:"control"`
	Safety   SafetyConfig    `mapstructure:"safety"`

	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
}

// SafetyConfig carries the limits as plain numbers so the config file can
// state them directly; Limits() converts to the decimal domain types.
type SafetyConfig struct {
	MaxDailyLoss        float64 `mapstructure:"max_daily_loss"`
	MaxDailyLossPct     float64 `mapstructure:"max_daily_loss_pct"`
	MaxDrawdown         float64 `mapstructure:"max_drawdown"`
	MaxDrawdownPct      float64 `mapstructure:"max_drawdown_pct"`
	MaxOpenPositions    int     `mapstructure:"max_open_positions"`
	MaxLotSize          float64 `mapstructure:"max_lot_size"`
	MaxCorrelation      float64 `mapstructure:"max_correlation"`
	MaxTotalExposure    float64 `mapstructure:"max_total_exposure"`
	CorrelationLookback int     `mapstructure:"correlation_lookback"`

	// MonitorInterval is the breach-scan cadence; zero keeps the safety
	// package default.
	MonitorInterval time.Duration `mapstructure:"monitor_interval"`
}

// Limits converts the config numbers to the safety limit set.
func (c SafetyConfig) Limits() types.SafetyLimits {
	return types.SafetyLimits{
		MaxDailyLoss:     decimal.NewFromFloat(c.MaxDailyLoss),
		MaxDailyLossPct:  decimal.NewFromFloat(c.MaxDailyLossPct),
		MaxDrawdown:      decimal.NewFromFloat(c.MaxDrawdown),
		MaxDrawdownPct:   decimal.NewFromFloat(c.MaxDrawdownPct),
		MaxOpenPositions: c.MaxOpenPositions,
		MaxLotSize:       decimal.NewFromFloat(c.MaxLotSize),
		MaxCorrelation:   decimal.NewFromFloat(c.MaxCorrelation),
		MaxTotalExposure: decimal.NewFromFloat(c.MaxTotalExposure),
	}
}

// Validate rejects configs the agent cannot start with.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errs.New(errs.KindConfig, "name is required")
	}
	if c.DataDir == "" {
		return errs.New(errs.KindConfig, "data_dir is required")
	}
	if c.Control.BaseURL == "" {
		return errs.New(errs.KindConfig, "control.base_url is required")
	}
	if c.Push.URL == "" {
		return errs.New(errs.KindConfig, "push.url is required")
	}
	if c.Broker.RPCAddr == "" || c.Broker.StreamAddr == "" {
		return errs.New(errs.KindConfig, "broker.rpc_addr and broker.stream_addr are required")
	}
	if c.Platform == "" {
		c.Platform = "mt5"
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 5 * time.Minute
	}
	return nil
}

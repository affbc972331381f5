// Package config loads the agent configuration from YAML, .env and environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// CronParser parses job specs: seconds, minutes, hours, day of month,
// month, day of week.
var CronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Config is the complete agent configuration.
type Config struct {
	RPC         RPCConfig         `yaml:"rpc"`
	Wallet      WalletConfig      `yaml:"wallet"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Latency     LatencyConfig     `yaml:"latency"`
	Checkpoint  CheckpointConfig  `yaml:"checkpoint"`
	Transaction TransactionConfig `yaml:"transaction"`
	Claim       ClaimConfig       `yaml:"claim"`
	MiningCost  MiningCostConfig  `yaml:"mining_cost"`
	Price       PriceConfig       `yaml:"price"`
	Notify      NotifyConfig      `yaml:"notify"`
	Storage     StorageConfig     `yaml:"storage"`
	Server      ServerConfig      `yaml:"server"`
	Jobs        JobsConfig        `yaml:"jobs"`
	LogLevel    string            `yaml:"log_level"`  // debug | info | warn | error
	LogFormat   string            `yaml:"log_format"` // text | json
}

// RPCConfig holds node endpoints.
type RPCConfig struct {
	HTTPURL           string        `yaml:"http_url"`
	WSURL             string        `yaml:"ws_url"`
	Commitment        string        `yaml:"commitment"`
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 = unlimited
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
}

// WalletConfig locates the signing key.
type WalletConfig struct {
	KeypairPath string `yaml:"keypair_path"`
	DryRun      bool   `yaml:"dry_run"`
}

// StrategyConfig tunes the EV planner. Amounts are lamports.
type StrategyConfig struct {
	BaseStakePercent      float64  `yaml:"base_stake_percent"`
	MinStakeLamports      uint64   `yaml:"min_stake_lamports"`
	CapNormalLamports     uint64   `yaml:"cap_normal_lamports"`
	CapHighLamports       uint64   `yaml:"cap_high_lamports"`
	MaxExposureLamports   *uint64  `yaml:"max_exposure_lamports"` // nil = unlimited
	BalanceBufferLamports uint64   `yaml:"balance_buffer_lamports"`
	MinEVRatio            *float64 `yaml:"min_ev_ratio"` // nil = no floor
	MaxPlacements         int      `yaml:"max_placements"`
	ScanSquareCount       int      `yaml:"scan_square_count"`
	IncludeOreInEV        bool     `yaml:"include_ore_in_ev"`
	StakeScalingFactor    float64  `yaml:"stake_scaling_factor"`
	VolumeDecayPercent    float64  `yaml:"volume_decay_percent"`
}

// RuntimeConfig tunes scheduling thresholds.
type RuntimeConfig struct {
	AutoMinSlots           int     `yaml:"auto_min_slots"`
	AutoMaxSlots           int     `yaml:"auto_max_slots"`
	AutoSafetySlots        int     `yaml:"auto_safety_slots"`
	OverheadPerPlacementMs float64 `yaml:"overhead_per_placement_ms"`
	ParallelismFactor      float64 `yaml:"parallelism_factor"`
	PrepSlotsAhead         int     `yaml:"prep_slots_ahead"`
	PriceRefreshLeadSlots  int     `yaml:"price_refresh_lead_slots"`
	StreamStartLeadSlots   int     `yaml:"stream_start_lead_slots"`
	QueueOverheadFactorMs  float64 `yaml:"queue_overhead_factor_ms"`
	QueueOverheadMaxMs     float64 `yaml:"queue_overhead_max_ms"`
	FastMode               bool    `yaml:"fast_mode"`
	LatencyHistorySize     int     `yaml:"latency_history_size"`
}

// LatencyConfig selects the latency journal backend.
type LatencyConfig struct {
	Journal       string        `yaml:"journal"` // file | sqlite | postgres
	Path          string        `yaml:"path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// CheckpointConfig configures checkpoint readiness verification.
type CheckpointConfig struct {
	Verify VerifyConfig `yaml:"verify"`
}

// VerifyConfig polls the miner account after a checkpoint submission.
type VerifyConfig struct {
	Enabled bool          `yaml:"enabled"`
	Retries int           `yaml:"retries"`
	Delay   time.Duration `yaml:"delay"`
}

// TransactionConfig configures submission.
type TransactionConfig struct {
	PriorityFeeMicroLamports uint64 `yaml:"priority_fee_micro_lamports"`
	ComputeUnitLimit         uint32 `yaml:"compute_unit_limit"`
	SkipPreflight            bool   `yaml:"skip_preflight"`
	AwaitConfirmation        bool   `yaml:"await_confirmation"`
	AwaitProcessed           bool   `yaml:"await_processed"`
}

// ClaimConfig configures automatic SOL reward claims.
type ClaimConfig struct {
	ThresholdSol float64 `yaml:"threshold_sol"` // <= 0 disables
}

// MiningCostConfig configures the optional external EV gate.
type MiningCostConfig struct {
	Enabled          bool    `yaml:"enabled"`
	ThresholdPercent float64 `yaml:"threshold_percent"`
	HistoryRounds    int     `yaml:"history_rounds"`
	Endpoint         string  `yaml:"endpoint"`
}

// PriceConfig configures the ORE price oracle.
type PriceConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	APIKey          string        `yaml:"api_key"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Timeout         time.Duration `yaml:"timeout"`
}

// NotifyConfig configures notification sinks.
type NotifyConfig struct {
	Console           bool   `yaml:"console"`
	DiscordWebhookURL string `yaml:"discord_webhook_url"`
	LossEvery         int    `yaml:"loss_every"`
}

// StorageConfig holds optional database connections.
type StorageConfig struct {
	PostgresDSN   string `yaml:"postgres_dsn"`
	ClickHouseDSN string `yaml:"clickhouse_dsn"`
	SQLitePath    string `yaml:"sqlite_path"`
}

// ServerConfig configures the status HTTP server.
type ServerConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"` // empty = any
}

// JobsConfig schedules periodic maintenance. Specs use the six-field cron
// format (seconds first); an empty spec disables the job.
type JobsConfig struct {
	StatusSummary    string        `yaml:"status_summary"`
	OutcomeRetention string        `yaml:"outcome_retention"`
	RetainOutcomes   time.Duration `yaml:"retain_outcomes"`
	SummaryRounds    int           `yaml:"summary_rounds"`
}

func ptr[T any](v T) *T {
	return &v
}

// Default returns the configuration used when a key is absent.
func Default() *Config {
	return &Config{
		RPC: RPCConfig{
			Commitment: "processed",
			Timeout:    5 * time.Second,
			MaxRetries: 2,
		},
		Strategy: StrategyConfig{
			BaseStakePercent:      0.015,
			MinStakeLamports:      10_000_000,
			CapNormalLamports:     100_000_000,
			CapHighLamports:       300_000_000,
			BalanceBufferLamports: 50_000_000,
			MinEVRatio:            ptr(1.0),
			MaxPlacements:         12,
			ScanSquareCount:       25,
			IncludeOreInEV:        true,
			StakeScalingFactor:    2.0,
		},
		Runtime: RuntimeConfig{
			AutoMinSlots:           1,
			AutoMaxSlots:           5,
			AutoSafetySlots:        1,
			OverheadPerPlacementMs: 10,
			ParallelismFactor:      1.5,
			PrepSlotsAhead:         3,
			PriceRefreshLeadSlots:  20,
			StreamStartLeadSlots:   12,
			QueueOverheadFactorMs:  5,
			QueueOverheadMaxMs:     40,
			LatencyHistorySize:     100,
		},
		Latency: LatencyConfig{
			Journal:       "file",
			Path:          "data/latency-history.ndjson",
			FlushInterval: 2 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			Verify: VerifyConfig{Retries: 5, Delay: 200 * time.Millisecond},
		},
		Transaction: TransactionConfig{
			PriorityFeeMicroLamports: 150_000,
			ComputeUnitLimit:         220_000,
			SkipPreflight:            true,
		},
		MiningCost: MiningCostConfig{
			ThresholdPercent: 5,
			HistoryRounds:    10,
			Endpoint:         "https://minemoreserver-production.up.railway.app/api/ev/summary",
		},
		Price: PriceConfig{
			Endpoint:        "https://api.jup.ag/price/v2",
			RefreshInterval: 60 * time.Second,
			Timeout:         1500 * time.Millisecond,
		},
		Notify: NotifyConfig{
			Console:   true,
			LossEvery: 5,
		},
		Server: ServerConfig{
			Enabled: true,
			Addr:    ":9090",
		},
		Jobs: JobsConfig{
			StatusSummary:    "0 0 * * * *",
			OutcomeRetention: "0 30 3 * * *",
			RetainOutcomes:   30 * 24 * time.Hour,
			SummaryRounds:    60,
		},
		LogLevel:  "warn",
		LogFormat: "text",
	}
}

// Load reads the YAML file at path on top of Default, then applies .env and
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg, err := LoadUnchecked(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadUnchecked is Load without Validate, for tools that only need storage
// and logging settings.
func LoadUnchecked(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	setDefaults(cfg)
	return cfg, nil
}

// applyEnvOverrides overrides values with environment variables when set.
func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"ORE_RPC_URL":         &cfg.RPC.HTTPURL,
		"ORE_WS_URL":          &cfg.RPC.WSURL,
		"ORE_KEYPAIR_PATH":    &cfg.Wallet.KeypairPath,
		"DISCORD_WEBHOOK_URL": &cfg.Notify.DiscordWebhookURL,
		"JUPITER_API_KEY":     &cfg.Price.APIKey,
		"ORE_LOG_LEVEL":       &cfg.LogLevel,
		"ORE_DATABASE_URL":    &cfg.Storage.PostgresDSN,
		"ORE_CLICKHOUSE_DSN":  &cfg.Storage.ClickHouseDSN,
		"ORE_SQLITE_PATH":     &cfg.Storage.SQLitePath,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("ORE_DRY_RUN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: ORE_DRY_RUN: %w", err)
		}
		cfg.Wallet.DryRun = b
	}
	return nil
}

// setDefaults repairs values that would break scheduling when left at zero.
func setDefaults(cfg *Config) {
	if cfg.RPC.WSURL == "" && cfg.RPC.HTTPURL != "" {
		cfg.RPC.WSURL = deriveWSURL(cfg.RPC.HTTPURL)
	}
	if cfg.Strategy.MaxPlacements <= 0 {
		cfg.Strategy.MaxPlacements = 12
	}
	if cfg.Runtime.AutoMinSlots <= 0 {
		cfg.Runtime.AutoMinSlots = 1
	}
	if cfg.Runtime.AutoMaxSlots < cfg.Runtime.AutoMinSlots {
		cfg.Runtime.AutoMaxSlots = cfg.Runtime.AutoMinSlots
	}
	if cfg.Runtime.LatencyHistorySize <= 0 {
		cfg.Runtime.LatencyHistorySize = 100
	}
	if cfg.Latency.FlushInterval <= 0 {
		cfg.Latency.FlushInterval = 2 * time.Second
	}
	if cfg.Jobs.SummaryRounds <= 0 {
		cfg.Jobs.SummaryRounds = 60
	}
	if cfg.Notify.LossEvery <= 0 {
		cfg.Notify.LossEvery = 5
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "warn"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
}

func deriveWSURL(httpURL string) string {
	switch {
	case len(httpURL) > 8 && httpURL[:8] == "https://":
		return "wss://" + httpURL[8:]
	case len(httpURL) > 7 && httpURL[:7] == "http://":
		return "ws://" + httpURL[7:]
	}
	return httpURL
}

// Validate checks fields required to run.
func (c *Config) Validate() error {
	var errs []error
	if c.RPC.HTTPURL == "" {
		errs = append(errs, errors.New("rpc.http_url is required"))
	}
	if c.Wallet.KeypairPath == "" {
		errs = append(errs, errors.New("wallet.keypair_path is required"))
	}
	switch c.Latency.Journal {
	case "file", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("latency.journal %q must be file, sqlite or postgres", c.Latency.Journal))
	}
	if c.Latency.Journal == "postgres" && c.Storage.PostgresDSN == "" {
		errs = append(errs, errors.New("latency.journal=postgres requires storage.postgres_dsn"))
	}
	if c.Latency.Journal == "sqlite" && c.Storage.SQLitePath == "" {
		errs = append(errs, errors.New("latency.journal=sqlite requires storage.sqlite_path"))
	}
	if n := c.Strategy.ScanSquareCount; n < 1 || n > 25 {
		errs = append(errs, fmt.Errorf("strategy.scan_square_count %d must be within 1..25", n))
	}
	if c.Strategy.CapHighLamports < c.Strategy.CapNormalLamports {
		errs = append(errs, errors.New("strategy.cap_high_lamports must be >= cap_normal_lamports"))
	}
	if c.Checkpoint.Verify.Enabled && c.Checkpoint.Verify.Retries <= 0 {
		errs = append(errs, errors.New("checkpoint.verify.retries must be positive when enabled"))
	}
	for name, spec := range map[string]string{
		"jobs.status_summary":    c.Jobs.StatusSummary,
		"jobs.outcome_retention": c.Jobs.OutcomeRetention,
	} {
		if spec == "" {
			continue
		}
		if _, err := CronParser.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ClaimThresholdLamports converts the claim threshold to lamports; 0 disables.
func (c *Config) ClaimThresholdLamports() uint64 {
	if c.Claim.ThresholdSol <= 0 {
		return 0
	}
	return uint64(c.Claim.ThresholdSol * 1e9)
}

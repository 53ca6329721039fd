package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration. Amounts are whole-token decimal
// strings; cross-field checks live in Validate, per-component checks in the
// component constructors.
type Config struct {
	Token struct {
		InitialSupply string `yaml:"initial_supply"`
		TaxBps        uint64 `yaml:"tax_bps"`
	} `yaml:"token"`

	Engine struct {
		BurnBps            uint64        `yaml:"burn_bps"`
		LpBps              uint64        `yaml:"lp_bps"`
		RefillBps          uint64        `yaml:"refill_bps"`
		CallerBps          uint64        `yaml:"caller_bps"`
		SlippageBps        uint64        `yaml:"slippage_bps"`
		MinProcessAmount   string        `yaml:"min_process_amount"`
		Cooldown           time.Duration `yaml:"cooldown"`
		RefillLpBps        uint64        `yaml:"refill_lp_bps"`
		RefillTokenBps     uint64        `yaml:"refill_token_bps"`
		RefillNftBps       uint64        `yaml:"refill_nft_bps"`
		EfficiencyFloorBps uint64        `yaml:"efficiency_floor_bps"`
		StateFile          string        `yaml:"state_file"`
	} `yaml:"engine"`

	Endowment struct {
		Seed         string        `yaml:"seed"`
		Interval     time.Duration `yaml:"interval"`
		RetentionBps uint64        `yaml:"retention_bps"`
		Compounding  bool          `yaml:"compounding"`
		CallCost     string        `yaml:"call_cost"`
	} `yaml:"endowment"`

	Staking struct {
		EmissionPeriod time.Duration `yaml:"emission_period"`
		DecayBps       uint64        `yaml:"decay_bps"`
		BonusDuration  time.Duration `yaml:"bonus_duration"`
		LpEmission     string        `yaml:"lp_emission"`
		TokenEmission  string        `yaml:"token_emission"`
		NftEmission    string        `yaml:"nft_emission"`
	} `yaml:"staking"`

	Market struct {
		SeedBase   string `yaml:"seed_base"`
		SeedPaired string `yaml:"seed_paired"`
	} `yaml:"market"`

	Keeper struct {
		CycleCron  string `yaml:"cycle_cron"`
		StatusCron string `yaml:"status_cron"`
	} `yaml:"keeper"`

	Database struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`

	Notifier struct {
		WebhookURL string `yaml:"webhook_url"`
	} `yaml:"notifier"`

	Metrics struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"metrics"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Load reads config from a YAML file, then applies environment variable
// overrides and defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Database.SQLitePath = v
	}
	if v := os.Getenv("WEBHOOK_URL"); v != "" {
		cfg.Notifier.WebhookURL = v
	}
	if v := os.Getenv("CYCLE_CRON"); v != "" {
		cfg.Keeper.CycleCron = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Metrics.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	// Defaults
	if cfg.Token.InitialSupply == "" {
		cfg.Token.InitialSupply = "888888888"
	}
	if cfg.Token.TaxBps == 0 {
		cfg.Token.TaxBps = 250
	}
	if cfg.Engine.BurnBps == 0 && cfg.Engine.LpBps == 0 && cfg.Engine.RefillBps == 0 {
		cfg.Engine.BurnBps = 2000
		cfg.Engine.LpBps = 4000
		cfg.Engine.RefillBps = 4000
	}
	if cfg.Engine.CallerBps == 0 {
		cfg.Engine.CallerBps = 10
	}
	if cfg.Engine.SlippageBps == 0 {
		cfg.Engine.SlippageBps = 300
	}
	if cfg.Engine.MinProcessAmount == "" {
		cfg.Engine.MinProcessAmount = "1000"
	}
	if cfg.Engine.Cooldown == 0 {
		cfg.Engine.Cooldown = time.Hour
	}
	if cfg.Engine.RefillLpBps == 0 && cfg.Engine.RefillTokenBps == 0 && cfg.Engine.RefillNftBps == 0 {
		cfg.Engine.RefillLpBps = 5000
		cfg.Engine.RefillTokenBps = 3750
		cfg.Engine.RefillNftBps = 1250
	}
	if cfg.Engine.EfficiencyFloorBps == 0 {
		cfg.Engine.EfficiencyFloorBps = 10000
	}
	if cfg.Engine.StateFile == "" {
		cfg.Engine.StateFile = "data/engine_state.json"
	}
	if cfg.Endowment.Seed == "" {
		cfg.Endowment.Seed = "311111111"
	}
	if cfg.Endowment.Interval == 0 {
		cfg.Endowment.Interval = 30 * 24 * time.Hour
	}
	if cfg.Endowment.RetentionBps == 0 {
		cfg.Endowment.RetentionBps = 9950
	}
	if cfg.Endowment.CallCost == "" {
		cfg.Endowment.CallCost = "100"
	}
	if cfg.Staking.EmissionPeriod == 0 {
		cfg.Staking.EmissionPeriod = 30 * 24 * time.Hour
	}
	if cfg.Staking.DecayBps == 0 {
		cfg.Staking.DecayBps = 50
	}
	if cfg.Staking.BonusDuration == 0 {
		cfg.Staking.BonusDuration = 7 * 24 * time.Hour
	}
	if cfg.Staking.LpEmission == "" {
		cfg.Staking.LpEmission = "88888888"
	}
	if cfg.Staking.TokenEmission == "" {
		cfg.Staking.TokenEmission = "66666666"
	}
	if cfg.Staking.NftEmission == "" {
		cfg.Staking.NftEmission = "22222222"
	}
	if cfg.Market.SeedBase == "" {
		cfg.Market.SeedBase = "10000000"
	}
	if cfg.Market.SeedPaired == "" {
		cfg.Market.SeedPaired = "500000"
	}
	if cfg.Keeper.CycleCron == "" {
		cfg.Keeper.CycleCron = "0 */15 * * * *"
	}
	if cfg.Keeper.StatusCron == "" {
		cfg.Keeper.StatusCron = "0 0 * * * *"
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	return cfg, nil
}

// Validate checks cross-field preconditions. Failure here aborts startup;
// these indicate configuration defects, not runtime conditions.
func (c *Config) Validate() error {
	if c.Token.TaxBps >= 10000 {
		return fmt.Errorf("token.tax_bps must be below 10000, got %d", c.Token.TaxBps)
	}
	if sum := c.Engine.BurnBps + c.Engine.LpBps + c.Engine.RefillBps; sum != 10000 {
		return fmt.Errorf("engine split bps must sum to 10000, got %d", sum)
	}
	if sum := c.Engine.RefillLpBps + c.Engine.RefillTokenBps + c.Engine.RefillNftBps; sum != 10000 {
		return fmt.Errorf("engine refill sub-split bps must sum to 10000, got %d", sum)
	}
	if c.Endowment.RetentionBps >= 10000 {
		return fmt.Errorf("endowment.retention_bps must be in (0, 10000), got %d", c.Endowment.RetentionBps)
	}
	if c.Staking.DecayBps >= 10000 {
		return fmt.Errorf("staking.decay_bps must be in (0, 10000), got %d", c.Staking.DecayBps)
	}
	if c.Keeper.CycleCron == "" {
		return fmt.Errorf("keeper.cycle_cron is required")
	}
	return nil
}

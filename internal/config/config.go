package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig
	Redis   RedisConfig
	Chain   ChainConfig
	Budget  BudgetConfig
	Session SessionConfig
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ChainConfig struct {
	ChainID int64 `mapstructure:"chain_id"`
	// AssetAddress overrides the per-chain USDC default when set.
	AssetAddress string `mapstructure:"asset_address"`
}

// BudgetConfig carries the default x402 budget applied to agents created
// without an explicit one. Values are decimal strings in base units.
type BudgetConfig struct {
	MaxPerRequest  string   `mapstructure:"max_per_request"`
	DailyBudget    string   `mapstructure:"daily_budget"`
	TotalBudget    string   `mapstructure:"total_budget"`
	AllowedDomains []string `mapstructure:"allowed_domains"`
}

type SessionConfig struct {
	// KeyTTLSec is the lifetime of newly generated session keys.
	KeyTTLSec int64 `mapstructure:"key_ttl_sec"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults match the protocol's stock budget (1 / 10 / 100 USDC).
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("budget.max_per_request", "1000000")
	v.SetDefault("budget.daily_budget", "10000000")
	v.SetDefault("budget.total_budget", "100000000")
	v.SetDefault("session.key_ttl_sec", 3600)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":            "PORT",
		"redis.addr":             "REDIS_ADDR",
		"redis.password":         "REDIS_PASSWORD",
		"chain.chain_id":         "CHAIN_ID",
		"chain.asset_address":    "ASSET_ADDRESS",
		"budget.max_per_request": "BUDGET_MAX_PER_REQUEST",
		"budget.daily_budget":    "BUDGET_DAILY",
		"budget.total_budget":    "BUDGET_TOTAL",
		"session.key_ttl_sec":    "SESSION_KEY_TTL_SEC",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	for _, r := range []struct {
		val  string
		name string
	}{
		{c.Budget.MaxPerRequest, "BUDGET_MAX_PER_REQUEST"},
		{c.Budget.DailyBudget, "BUDGET_DAILY"},
		{c.Budget.TotalBudget, "BUDGET_TOTAL"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Session.KeyTTLSec <= 0 {
		return fmt.Errorf("SESSION_KEY_TTL_SEC must be positive")
	}
	return nil
}

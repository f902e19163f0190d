package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	API           APIConfig           `yaml:"api"`
	Trading       TradingConfig       `yaml:"trading"`
	RateLimit     RateLimitConfig     `yaml:"rateLimit"`
	Breaker       BreakerConfig       `yaml:"circuitBreaker"`
	PriceModel    PriceModelConfig    `yaml:"priceModel"`
	DynamicSpread DynamicSpreadConfig `yaml:"dynamicSpread"`
	Allocation    AllocationConfig    `yaml:"capitalAllocation"`
	Reconcile     ReconcileConfig     `yaml:"reconcile"`
	Health        HealthConfig        `yaml:"health"`
	Alerts        AlertsConfig        `yaml:"alerts"`
	Logging       LoggingConfig       `yaml:"logging"`
}

type APIConfig struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"apiKey"`
}

type TradingConfig struct {
	DryRun          bool     `yaml:"dryRun"`
	EnabledMarkets  []string `yaml:"enabledMarkets"`  // 白名单，空=全部
	DisabledMarkets []string `yaml:"disabledMarkets"` // 黑名单，始终生效
	TargetValue     float64  `yaml:"targetValue"`     // 每市场目标挂单价值（报价资产）
	MaxQuantity     float64  `yaml:"maxQuantity"`     // 单侧最大数量
	MinNotional     float64  `yaml:"minNotional"`     // 最小名义价值，低于则不报价
	RefreshInterval int      `yaml:"refreshInterval"` // 完整性检查周期（秒）
	MinSpreadTicks  float64  `yaml:"minSpreadTicks"`  // pennying 后强制的最小绝对价差
	PricePrecision  int32    `yaml:"pricePrecision"`  // 价格小数位
	Strategy        string   `yaml:"strategy"`        // scarcity / ticker / vwap / composite
}

type RateLimitConfig struct {
	MaxRequests   int     `yaml:"maxRequests"`
	WindowSeconds float64 `yaml:"windowSeconds"`
}

type BreakerConfig struct {
	FailureThreshold int     `yaml:"failureThreshold"`
	RecoveryTimeout  float64 `yaml:"recoveryTimeout"` // 秒
	HalfOpenMaxCalls int     `yaml:"halfOpenMaxCalls"`
}

type PriceModelConfig struct {
	CacheTTLSeconds   int                `yaml:"cacheTTLSeconds"`
	StaleThresholdSec int                `yaml:"staleThresholdSeconds"`
	MaxMultiplier     float64            `yaml:"maxMultiplier"`
	BasePrices        map[string]float64 `yaml:"basePrices"` // 覆盖内置基准价
}

type DynamicSpreadConfig struct {
	Enabled              bool    `yaml:"enabled"`
	BaseSpread           float64 `yaml:"baseSpread"`
	VolatilityMultiplier float64 `yaml:"volatilityMultiplier"`
	InventoryImpact      float64 `yaml:"inventoryImpact"`
	MinSpread            float64 `yaml:"minSpread"`
	MaxSpread            float64 `yaml:"maxSpread"`
	VolatilityWindow     int     `yaml:"volatilityWindow"` // OHLCV 窗口（小时）
}

type AllocationConfig struct {
	Enabled          bool     `yaml:"enabled"`
	BaseReserveRatio float64  `yaml:"baseReserveRatio"`
	MaxReserveRatio  float64  `yaml:"maxReserveRatio"`
	MinOrderValue    float64  `yaml:"minOrderValue"`
	PriorityMarkets  []string `yaml:"priorityMarkets"`
	PriorityBoost    float64  `yaml:"priorityBoost"`
}

// ReconcileConfig 对账容差策略。历史上绝对容差与百分比容差两种口径并存，
// 这里做成显式配置而不是默默选一种。
type ReconcileConfig struct {
	TolerancePolicy string  `yaml:"tolerancePolicy"` // percent / absolute
	PriceTolerance  float64 `yaml:"priceTolerance"`  // percent: 比例下限；absolute: 绝对值
	QtyTolerance    float64 `yaml:"qtyTolerance"`
}

type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

type AlertsConfig struct {
	Enabled          bool    `yaml:"enabled"`
	WebhookURL       string  `yaml:"webhookURL"`
	MinLevel         string  `yaml:"minLevel"`
	ThrottleSeconds  float64 `yaml:"throttleSeconds"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json / console
}

// Default returns the built-in configuration.
func Default() AppConfig {
	return AppConfig{
		API: APIConfig{
			Endpoint: "https://craft.blocky.com.br/api/v1",
		},
		Trading: TradingConfig{
			TargetValue:     10.0,
			MaxQuantity:     6400,
			MinNotional:     0.05,
			RefreshInterval: 60,
			MinSpreadTicks:  0.01,
			PricePrecision:  2,
			Strategy:        "composite",
		},
		RateLimit: RateLimitConfig{MaxRequests: 30, WindowSeconds: 1.0},
		Breaker:   BreakerConfig{FailureThreshold: 5, RecoveryTimeout: 30, HalfOpenMaxCalls: 3},
		PriceModel: PriceModelConfig{
			CacheTTLSeconds:   60,
			StaleThresholdSec: 300,
			MaxMultiplier:     20,
		},
		DynamicSpread: DynamicSpreadConfig{
			Enabled:              true,
			BaseSpread:           0.03,
			VolatilityMultiplier: 2.0,
			InventoryImpact:      0.02,
			MinSpread:            0.01,
			MaxSpread:            0.15,
			VolatilityWindow:     24,
		},
		Allocation: AllocationConfig{
			Enabled:          true,
			BaseReserveRatio: 0.10,
			MaxReserveRatio:  0.30,
			MinOrderValue:    0.10,
			PriorityBoost:    1.5,
		},
		Reconcile: ReconcileConfig{
			TolerancePolicy: "percent",
			PriceTolerance:  0.02,
			QtyTolerance:    0.5,
		},
		Health:  HealthConfig{Enabled: true, Addr: ":8080"},
		Alerts:  AlertsConfig{Enabled: true, MinLevel: "warning", ThrottleSeconds: 60},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads YAML config from path over the defaults and applies basic validation.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("BLOCKY_API_KEY"); v != "" {
		cfg.API.APIKey = v
	}
	if v := os.Getenv("BLOCKY_API_ENDPOINT"); v != "" {
		cfg.API.Endpoint = v
	}
	if v := os.Getenv("ALERT_WEBHOOK_URL"); v != "" {
		cfg.Alerts.WebhookURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return cfg, Validate(cfg)
}

// Validate ensures required fields are present and bounds are sane.
func Validate(cfg AppConfig) error {
	if cfg.API.Endpoint == "" {
		return errors.New("api.endpoint is required")
	}
	if cfg.API.APIKey == "" {
		return errors.New("api.apiKey is required (or BLOCKY_API_KEY)")
	}
	if cfg.Trading.TargetValue <= 0 {
		return errors.New("trading.targetValue must be > 0")
	}
	if cfg.Trading.MaxQuantity <= 0 {
		return errors.New("trading.maxQuantity must be > 0")
	}
	if cfg.Trading.RefreshInterval <= 0 {
		return errors.New("trading.refreshInterval must be > 0")
	}
	switch cfg.Trading.Strategy {
	case "scarcity", "ticker", "vwap", "composite":
	default:
		return fmt.Errorf("trading.strategy %q is not one of scarcity/ticker/vwap/composite", cfg.Trading.Strategy)
	}
	if cfg.RateLimit.MaxRequests <= 0 {
		return errors.New("rateLimit.maxRequests must be > 0")
	}
	if cfg.RateLimit.WindowSeconds <= 0 {
		return errors.New("rateLimit.windowSeconds must be > 0")
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		return errors.New("circuitBreaker.failureThreshold must be > 0")
	}
	if cfg.DynamicSpread.MinSpread > cfg.DynamicSpread.MaxSpread {
		return errors.New("dynamicSpread.minSpread must be <= maxSpread")
	}
	if cfg.Allocation.BaseReserveRatio < 0 || cfg.Allocation.BaseReserveRatio >= 1 {
		return errors.New("capitalAllocation.baseReserveRatio must be in [0,1)")
	}
	if cfg.Allocation.MaxReserveRatio < cfg.Allocation.BaseReserveRatio {
		return errors.New("capitalAllocation.maxReserveRatio must be >= baseReserveRatio")
	}
	switch cfg.Reconcile.TolerancePolicy {
	case "percent", "absolute":
	default:
		return fmt.Errorf("reconcile.tolerancePolicy %q is not percent or absolute", cfg.Reconcile.TolerancePolicy)
	}
	if cfg.Reconcile.PriceTolerance < 0 || cfg.Reconcile.QtyTolerance < 0 {
		return errors.New("reconcile tolerances must be >= 0")
	}
	return nil
}

// RefreshEvery convenience accessor.
func (c TradingConfig) RefreshEvery() time.Duration {
	return time.Duration(c.RefreshInterval) * time.Second
}

// Window convenience accessor.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds * float64(time.Second))
}

// Recovery convenience accessor.
func (c BreakerConfig) Recovery() time.Duration {
	return time.Duration(c.RecoveryTimeout * float64(time.Second))
}

// Package pricing 提供公允价估计：稀缺度模型与行情回退策略。
package pricing

import (
	"context"
	"strings"
	"sync"
	"time"

	"blocky-maker-go/metrics"
)

// 世界边界（Beta 1.7.3 地图）
const (
	worldX1, worldX2 = -5176, 5176
	worldZ1, worldZ2 = -2488, 2488
)

// marketItemIDs 市场 -> 供应指标里的物品ID
var marketItemIDs = map[string][]string{
	"ston_iron": {"1", "4"},
	"olog_iron": {"17", "17:0", "17:1", "17:2"},
	"slog_iron": {"17:1"},
	"blog_iron": {"17:2"},
	"diam_iron": {"264", "56", "57"},
	"gold_iron": {"266", "14", "41"},
	"coal_iron": {"263", "263:1", "16"},
	"cobl_iron": {"4"},
	"sand_iron": {"12"},
	"wool_iron": {"35"},
	"whet_iron": {"296", "295"},
	"sugr_iron": {"338", "262"},
	"clay_iron": {"337", "82"},
	"slme_iron": {"341"},
	"gpow_iron": {"289"},
	"xtnt_iron": {"46"},
	"lapi_iron": {"351:4", "21"},
	"aapl_iron": {"260"},
	"beef_iron": {"363", "364"},
	"bmus_iron": {"39"},
	"rmus_iron": {"40"},
	"dand_iron": {"37"},
	"dirt_iron": {"3"},
	"fish_iron": {"349", "350"},
	"flnt_iron": {"318"},
	"fthr_iron": {"288"},
	"popy_iron": {"38"},
	"snow_iron": {"332", "78"},
	"stng_iron": {"287"},
	"grvl_iron": {"13"},
	"bone_iron": {"352"},
	"reds_iron": {"331", "73"},
	"obsn_iron": {"49"},
	"cact_iron": {"81"},
	"arrw_iron": {"262"},
	"pump_iron": {"86"},
	"eggs_iron": {"344"},
}

// defaultBasePrices 零流通时的内在基准价，可被配置覆盖。
var defaultBasePrices = map[string]float64{
	"diam_iron": 50.0,
	"gold_iron": 5.0,
	"lapi_iron": 2.0,
	"coal_iron": 0.5,
	"ston_iron": 0.1,
	"cobl_iron": 0.05,
	"dirt_iron": 0.01,
	"sand_iron": 0.05,
	"olog_iron": 0.45,
	"obsn_iron": 2.5,
	"slme_iron": 5.0,
}

// SupplySource 供应指标来源（通常是 gateway.ResilientClient）。
type SupplySource interface {
	GetSupplyMetrics(ctx context.Context) (map[string]float64, error)
}

// ModelConfig 稀缺度模型配置
type ModelConfig struct {
	CacheTTL       time.Duration // 供应缓存有效期
	StaleThreshold time.Duration // 缓存多旧算"陈旧"
	MaxMultiplier  float64       // 稀缺乘数上限
	BasePrices     map[string]float64
}

// DefaultModelConfig 返回默认配置
func DefaultModelConfig() ModelConfig {
	return ModelConfig{
		CacheTTL:       time.Minute,
		StaleThreshold: 5 * time.Minute,
		MaxMultiplier:  20,
	}
}

// Model 稀缺度定价模型。
// 公允价 = 基准价 × total/(max(total-circulating,1))，乘数封顶。
// 供应指标拉取失败时继续用旧缓存，但健康状态降级。
type Model struct {
	source SupplySource

	cacheTTL       time.Duration
	staleThreshold time.Duration
	maxMultiplier  float64

	basePrices  map[string]float64
	worldSupply map[string]float64
	totalChunks float64

	mu                  sync.Mutex
	supplyCache         map[string]float64
	supplyCacheTime     time.Time
	usingStaleCache     bool
	consecutiveFailures int

	now func() time.Time
}

// NewModel 创建价格模型，预估各市场的理论总供应。
func NewModel(source SupplySource, cfg ModelConfig) *Model {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 5 * time.Minute
	}
	if cfg.MaxMultiplier <= 1 {
		cfg.MaxMultiplier = 20
	}

	base := make(map[string]float64, len(defaultBasePrices))
	for k, v := range defaultBasePrices {
		base[k] = v
	}
	for k, v := range cfg.BasePrices {
		base[k] = v
	}

	m := &Model{
		source:         source,
		cacheTTL:       cfg.CacheTTL,
		staleThreshold: cfg.StaleThreshold,
		maxMultiplier:  cfg.MaxMultiplier,
		basePrices:     base,
		now:            time.Now,
	}
	m.totalChunks = totalChunks()
	m.worldSupply = make(map[string]float64, len(marketItemIDs))
	for market := range marketItemIDs {
		m.worldSupply[market] = m.estimateSupply(market)
	}
	return m
}

func totalChunks() float64 {
	width := float64(worldX2 - worldX1)
	depth := float64(worldZ2 - worldZ1)
	return width * depth / 256
}

// estimateSupply 按每区块生成量粗估理论总供应。
func (m *Model) estimateSupply(market string) float64 {
	c := m.totalChunks
	switch {
	case strings.Contains(market, "diam"):
		return c * 3
	case strings.Contains(market, "gold"):
		return c * 8
	case strings.Contains(market, "lapi"):
		return c * 3
	case strings.Contains(market, "coal"):
		return c * 140
	case strings.Contains(market, "reds"):
		return c * 25
	case strings.Contains(market, "ston"), strings.Contains(market, "cobl"):
		return c * 20000
	case strings.Contains(market, "dirt"):
		return c * 3000
	case strings.Contains(market, "sand"):
		return c * 2000
	case strings.Contains(market, "olog"):
		return c * 40
	case strings.Contains(market, "obsn"):
		return c * 0.5
	case strings.Contains(market, "clay"):
		return c * 20
	}
	return c * 100
}

// CirculatingSupply 返回各市场的流通量，带TTL缓存。
// 拉取失败返回旧缓存并累计失败次数。
func (m *Model) CirculatingSupply(ctx context.Context) map[string]float64 {
	m.mu.Lock()
	now := m.now()
	if m.supplyCache != nil && now.Sub(m.supplyCacheTime) < m.cacheTTL {
		cached := m.supplyCache
		m.mu.Unlock()
		return cached
	}
	if m.supplyCache != nil && now.Sub(m.supplyCacheTime) > m.staleThreshold {
		m.usingStaleCache = true
	}
	m.mu.Unlock()

	// 网络调用在锁外
	raw, err := m.source.GetSupplyMetrics(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil || len(raw) == 0 {
		m.consecutiveFailures++
		m.publishHealth()
		if m.supplyCache != nil {
			return m.supplyCache
		}
		return map[string]float64{}
	}

	supplies := make(map[string]float64, len(marketItemIDs))
	for market, ids := range marketItemIDs {
		var total float64
		for _, id := range ids {
			total += raw[id]
		}
		supplies[market] = total
	}
	m.supplyCache = supplies
	m.supplyCacheTime = m.now()
	m.consecutiveFailures = 0
	m.usingStaleCache = false
	m.publishHealth()
	return supplies
}

// FairPrice 计算稀缺度公允价。未知市场返回0，调用方应回退到行情价。
func (m *Model) FairPrice(ctx context.Context, market string) float64 {
	if _, ok := marketItemIDs[market]; !ok {
		return 0
	}
	supplies := m.CirculatingSupply(ctx)
	return m.fairPriceFrom(market, supplies[market])
}

// FairPriceFromSupplies 用调用方已取好的供应表计算，避免每市场重复拉取。
func (m *Model) FairPriceFromSupplies(market string, supplies map[string]float64) float64 {
	if _, ok := marketItemIDs[market]; !ok {
		return 0
	}
	return m.fairPriceFrom(market, supplies[market])
}

func (m *Model) fairPriceFrom(market string, circulating float64) float64 {
	total := m.worldSupply[market]
	if total <= 0 {
		total = 1
	}
	remaining := total - circulating
	if remaining <= 0 {
		remaining = 1
	}
	multiplier := total / remaining
	if multiplier > m.maxMultiplier {
		multiplier = m.maxMultiplier
	}

	base, ok := m.basePrices[market]
	if !ok {
		base = 1.0
	}
	return base * multiplier
}

// IsHealthy 供应数据新鲜且可靠时为真。
// 陈旧缓存或连续3次拉取失败都会降级。
func (m *Model) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.usingStaleCache && m.consecutiveFailures < 3
}

// ConsecutiveFailures 供健康端点暴露。
func (m *Model) ConsecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveFailures
}

func (m *Model) publishHealth() {
	healthy := !m.usingStaleCache && m.consecutiveFailures < 3
	if healthy {
		metrics.PriceModelHealthy.Set(1)
	} else {
		metrics.PriceModelHealthy.Set(0)
	}
}

// Known 市场是否有供应映射。
func Known(market string) bool {
	_, ok := marketItemIDs[market]
	return ok
}

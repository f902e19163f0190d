package strategy

import (
	"context"
	"math"
	"sync"
	"time"

	"blocky-maker-go/gateway"
)

// CandleSource 波动率计算需要的行情数据来源。
type CandleSource interface {
	GetOHLCV(ctx context.Context, market, timeframe string, limit int) ([]gateway.Candle, error)
}

// SpreadConfig 动态价差配置
type SpreadConfig struct {
	Enabled              bool
	BaseSpread           float64 // 基础价差（如0.03 = 3%）
	VolatilityMultiplier float64 // 波动率对价差的放大系数
	InventoryImpact      float64 // 库存失衡的最大调整量
	MinSpread            float64 // 单侧价差下限
	MaxSpread            float64 // 单侧价差上限
	VolatilityWindow     int     // OHLCV 窗口（小时）
	VolCacheTTL          time.Duration
}

// DefaultSpreadConfig 返回默认配置
func DefaultSpreadConfig() SpreadConfig {
	return SpreadConfig{
		Enabled:              true,
		BaseSpread:           0.03,
		VolatilityMultiplier: 2.0,
		InventoryImpact:      0.02,
		MinSpread:            0.01,
		MaxSpread:            0.15,
		VolatilityWindow:     24,
		VolCacheTTL:          5 * time.Minute,
	}
}

const maxPriceHistory = 100

// SpreadCalculator 按波动率和库存位置计算买卖两侧价差。
//
//	spread = base + normVol*multiplier*0.01 + inventoryAdj
//
// 库存高于目标时：买侧加宽（抑制继续买入）、卖侧收窄（促进卖出）。
type SpreadCalculator struct {
	data CandleSource

	mu           sync.Mutex
	cfg          SpreadConfig
	volCache     map[string]float64
	volCacheTime map[string]time.Time
	priceHistory map[string][]float64

	now func() time.Time
}

// NewSpreadCalculator 创建价差计算器
func NewSpreadCalculator(data CandleSource, cfg SpreadConfig) *SpreadCalculator {
	if cfg.BaseSpread <= 0 {
		cfg.BaseSpread = 0.03
	}
	if cfg.VolatilityMultiplier < 0 {
		cfg.VolatilityMultiplier = 2.0
	}
	if cfg.MinSpread <= 0 {
		cfg.MinSpread = 0.01
	}
	if cfg.MaxSpread <= cfg.MinSpread {
		cfg.MaxSpread = cfg.MinSpread * 4
	}
	if cfg.VolatilityWindow <= 0 {
		cfg.VolatilityWindow = 24
	}
	if cfg.VolCacheTTL <= 0 {
		cfg.VolCacheTTL = 5 * time.Minute
	}
	return &SpreadCalculator{
		data:         data,
		cfg:          cfg,
		volCache:     make(map[string]float64),
		volCacheTime: make(map[string]time.Time),
		priceHistory: make(map[string][]float64),
		now:          time.Now,
	}
}

// SetConfig 热更新价差参数。
func (s *SpreadCalculator) SetConfig(cfg SpreadConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.VolCacheTTL <= 0 {
		cfg.VolCacheTTL = s.cfg.VolCacheTTL
	}
	s.cfg = cfg
}

// RecordPrice 记录实时价格，供快速波动率估计使用。
// 每次成交或行情更新时调用。
func (s *SpreadCalculator) RecordPrice(market string, price float64) {
	if price <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := append(s.priceHistory[market], price)
	if len(h) > maxPriceHistory {
		h = h[len(h)-maxPriceHistory:]
	}
	s.priceHistory[market] = h
}

// Volatility 计算归一化历史波动率（0~1）。
// 小时收益率标准差 × sqrt(24) 折算为日波动率，按 20% 封顶归一。
// 结果缓存，TTL 内不重复拉取。
func (s *SpreadCalculator) Volatility(ctx context.Context, market string) float64 {
	s.mu.Lock()
	if t, ok := s.volCacheTime[market]; ok && s.now().Sub(t) < s.cfg.VolCacheTTL {
		v := s.volCache[market]
		s.mu.Unlock()
		return v
	}
	window := s.cfg.VolatilityWindow
	s.mu.Unlock()

	candles, err := s.data.GetOHLCV(ctx, market, "1H", window)
	if err != nil || len(candles) < 2 {
		return 0
	}

	var returns []float64
	for i := 1; i < len(candles); i++ {
		prev := candles[i-1].Close
		if prev > 0 {
			returns = append(returns, (candles[i].Close-prev)/prev)
		}
	}
	if len(returns) == 0 {
		return 0
	}

	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	var variance float64
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns))

	dailyVol := math.Sqrt(variance) * math.Sqrt(24)
	normalized := math.Min(dailyVol/0.20, 1.0)

	s.mu.Lock()
	s.volCache[market] = normalized
	s.volCacheTime[market] = s.now()
	s.mu.Unlock()
	return normalized
}

// QuickVolatility 用近期价格序列做快速估计，OHLCV 缓存间隙期使用。
// 样本不足时退回缓存值。混合权重：缓存 0.7、快速 0.3。
func (s *SpreadCalculator) QuickVolatility(market string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	cached := s.volCache[market]
	prices := s.priceHistory[market]
	if len(prices) < 5 {
		return cached
	}

	var sum, lo, hi float64
	lo, hi = prices[0], prices[0]
	for _, p := range prices {
		sum += p
		if p < lo {
			lo = p
		}
		if p > hi {
			hi = p
		}
	}
	mean := sum / float64(len(prices))
	if mean == 0 {
		return 0
	}
	quick := (hi - lo) / mean
	return cached*0.7 + quick*0.3
}

// InventoryAdjustment 按库存失衡计算两侧价差调整量。
// 返回 (buyAdj, sellAdj)，正值为加宽。
func (s *SpreadCalculator) InventoryAdjustment(inventory, target float64) (buyAdj, sellAdj float64) {
	s.mu.Lock()
	impact := s.cfg.InventoryImpact
	s.mu.Unlock()

	var imbalance float64
	if math.Abs(inventory) >= 0.01 {
		diff := inventory - target
		scale := math.Max(math.Abs(inventory), math.Max(math.Abs(target), 1.0)) * 10
		imbalance = math.Max(-1, math.Min(1, diff/scale))
	}
	return imbalance * impact, -imbalance * impact
}

// Spreads 计算市场的动态买卖价差。禁用时两侧都返回基础价差。
func (s *SpreadCalculator) Spreads(ctx context.Context, market string, inventory, target float64) (buySpread, sellSpread float64) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if !cfg.Enabled {
		return cfg.BaseSpread, cfg.BaseSpread
	}

	s.Volatility(ctx, market) // 先填缓存
	vol := s.QuickVolatility(market)
	volAdj := vol * cfg.VolatilityMultiplier * 0.01

	buyAdj, sellAdj := s.InventoryAdjustment(inventory, target)

	buySpread = clamp(cfg.BaseSpread+volAdj+buyAdj, cfg.MinSpread, cfg.MaxSpread)
	sellSpread = clamp(cfg.BaseSpread+volAdj+sellAdj, cfg.MinSpread, cfg.MaxSpread)
	return buySpread, sellSpread
}

// WarmCache 启动时为所有市场预热波动率缓存。
func (s *SpreadCalculator) WarmCache(ctx context.Context, markets []string) {
	for _, m := range markets {
		s.Volatility(ctx, m)
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

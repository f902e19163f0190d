// Package capital 资金分配：动态准备金、每市场额度与周期内的原子资金池。
package capital

import (
	"sync"

	"blocky-maker-go/metrics"
)

// AllocatorConfig 分配器配置
type AllocatorConfig struct {
	Enabled          bool
	BaseReserveRatio float64 // 最低准备金比例
	MaxReserveRatio  float64 // 最高准备金比例
	MinOrderValue    float64 // 单市场最低可用额度
	PriorityMarkets  []string
	PriorityBoost    float64 // 优先市场的额度倍数
}

// DefaultAllocatorConfig 返回默认配置
func DefaultAllocatorConfig() AllocatorConfig {
	return AllocatorConfig{
		Enabled:          true,
		BaseReserveRatio: 0.10,
		MaxReserveRatio:  0.30,
		MinOrderValue:    0.10,
		PriorityBoost:    1.5,
	}
}

// Plan 一次分配计算的结果。
type Plan struct {
	BasePerMarket float64 // 普通市场的目标额度
	Reserve       float64 // 留存不动用的资金
	Deployable    float64 // 可部署资金
	EffectiveN    int     // 实际可服务的市场数
}

// Allocator 组合管理式的资金分配。
// 准备金比例随市场数增长：reserve = clamp(base + n/100, base, max)。
type Allocator struct {
	mu       sync.Mutex
	cfg      AllocatorConfig
	priority map[string]bool
}

// NewAllocator 创建资金分配器
func NewAllocator(cfg AllocatorConfig) *Allocator {
	if cfg.BaseReserveRatio < 0 {
		cfg.BaseReserveRatio = 0.10
	}
	if cfg.MaxReserveRatio < cfg.BaseReserveRatio {
		cfg.MaxReserveRatio = cfg.BaseReserveRatio
	}
	if cfg.MinOrderValue <= 0 {
		cfg.MinOrderValue = 0.10
	}
	if cfg.PriorityBoost <= 0 {
		cfg.PriorityBoost = 1.5
	}
	a := &Allocator{cfg: cfg}
	a.priority = prioritySet(cfg.PriorityMarkets)
	return a
}

func prioritySet(markets []string) map[string]bool {
	set := make(map[string]bool, len(markets))
	for _, m := range markets {
		set[m] = true
	}
	return set
}

// SetConfig 热更新分配参数。
func (a *Allocator) SetConfig(cfg AllocatorConfig) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg
	a.priority = prioritySet(cfg.PriorityMarkets)
}

// ReserveRatio 按市场数计算动态准备金比例，每10个市场加1%。
func (a *Allocator) ReserveRatio(numMarkets int) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserveRatioLocked(numMarkets)
}

func (a *Allocator) reserveRatioLocked(numMarkets int) float64 {
	base := a.cfg.BaseReserveRatio
	dynamic := base + float64(numMarkets)/100
	if dynamic < base {
		dynamic = base
	}
	if dynamic > a.cfg.MaxReserveRatio {
		dynamic = a.cfg.MaxReserveRatio
	}
	return dynamic
}

// ComputePlan 计算准备金与每市场基础额度。
// 资金不足以让所有市场达到最低额度时，缩减有效市场数，
// 让剩下的市场拿到有意义的额度而不是全员摊薄到不可下单。
func (a *Allocator) ComputePlan(totalCapital float64, numMarkets int) Plan {
	a.mu.Lock()
	defer a.mu.Unlock()

	if totalCapital <= 0 || numMarkets <= 0 {
		return Plan{}
	}

	ratio := a.reserveRatioLocked(numMarkets)
	reserve := totalCapital * ratio
	deployable := totalCapital - reserve

	base := deployable / float64(numMarkets)
	effective := numMarkets
	if base < a.cfg.MinOrderValue {
		effective = int(deployable / a.cfg.MinOrderValue)
		if effective > 0 {
			base = deployable / float64(effective)
		} else {
			base = 0
		}
	}

	metrics.CapitalDeployable.Set(deployable)
	metrics.CapitalReserve.Set(reserve)

	return Plan{
		BasePerMarket: base,
		Reserve:       reserve,
		Deployable:    deployable,
		EffectiveN:    effective,
	}
}

// MarketAllocation 返回指定市场的额度，优先市场按倍数加成。
func (a *Allocator) MarketAllocation(market string, basePerMarket float64) float64 {
	if basePerMarket <= 0 {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.priority[market] {
		return basePerMarket * a.cfg.PriorityBoost
	}
	return basePerMarket
}

// Enabled 分配器是否启用。禁用时引擎退回固定目标额度。
func (a *Allocator) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Enabled
}

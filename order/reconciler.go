package order

import (
	"math"

	"blocky-maker-go/gateway"
)

// TolerancePolicy 对账容差口径。
type TolerancePolicy string

const (
	// PolicyPercent 容差随目标值缩放，带绝对下限。价格小幅漂移时
	// 不反复撤单重挂。
	PolicyPercent TolerancePolicy = "percent"
	// PolicyAbsolute 固定绝对容差。
	PolicyAbsolute TolerancePolicy = "absolute"
)

// ReconcilerConfig 对账器配置
type ReconcilerConfig struct {
	Policy         TolerancePolicy
	PriceTolerance float64 // percent口径：比例下限；absolute口径：绝对值
	QtyTolerance   float64
}

// DefaultReconcilerConfig 返回默认配置
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Policy:         PolicyPercent,
		PriceTolerance: 0.02,
		QtyTolerance:   0.5,
	}
}

// Target 单侧的期望挂单。
type Target struct {
	Price  float64
	Qty    float64
	Active bool // 本侧是否应该有挂单
}

// Decision 对账结果：要撤的订单与仍然有效的两侧。
type Decision struct {
	Cancel     []string
	BuyActive  bool
	SellActive bool
}

// Reconciler 把实际挂单和期望状态做差分。容差内的挂单保留，
// 其余全部撤掉由引擎重挂。
type Reconciler struct {
	cfg ReconcilerConfig
}

// NewReconciler 创建对账器
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	switch cfg.Policy {
	case PolicyPercent, PolicyAbsolute:
	default:
		cfg.Policy = PolicyPercent
	}
	if cfg.PriceTolerance <= 0 {
		cfg.PriceTolerance = 0.02
	}
	if cfg.QtyTolerance <= 0 {
		cfg.QtyTolerance = 0.5
	}
	return &Reconciler{cfg: cfg}
}

// SetConfig 热更新容差参数。
func (r *Reconciler) SetConfig(cfg ReconcilerConfig) {
	if cfg.Policy == PolicyPercent || cfg.Policy == PolicyAbsolute {
		r.cfg.Policy = cfg.Policy
	}
	if cfg.PriceTolerance > 0 {
		r.cfg.PriceTolerance = cfg.PriceTolerance
	}
	if cfg.QtyTolerance > 0 {
		r.cfg.QtyTolerance = cfg.QtyTolerance
	}
}

// Matches 判断一笔挂单是否在容差内匹配目标。
func (r *Reconciler) Matches(o gateway.Order, side string, target Target) bool {
	if o.Side != side {
		return false
	}
	priceTol, qtyTol := r.tolerances(target)
	return math.Abs(o.Price-target.Price) < priceTol &&
		math.Abs(o.Quantity-target.Qty) < qtyTol
}

func (r *Reconciler) tolerances(target Target) (priceTol, qtyTol float64) {
	if r.cfg.Policy == PolicyAbsolute {
		return r.cfg.PriceTolerance, r.cfg.QtyTolerance
	}
	// percent：2%（或配置比例）随目标缩放，但不低于配置下限
	priceTol = math.Max(r.cfg.PriceTolerance, target.Price*0.02)
	qtyTol = math.Max(r.cfg.QtyTolerance, target.Qty*0.10)
	return priceTol, qtyTol
}

// Diff 对一个市场的挂单做差分。
// 无ID的订单跳过（无法撤销）；不该存在的一侧全撤；
// 同侧多笔时保留第一笔匹配的，其余撤掉。
func (r *Reconciler) Diff(open []gateway.Order, buy, sell Target) Decision {
	var d Decision
	for _, o := range open {
		if o.ID == "" {
			continue
		}
		switch o.Side {
		case "buy":
			if buy.Active && !d.BuyActive && r.Matches(o, "buy", buy) {
				d.BuyActive = true
			} else {
				d.Cancel = append(d.Cancel, o.ID)
			}
		case "sell":
			if sell.Active && !d.SellActive && r.Matches(o, "sell", sell) {
				d.SellActive = true
			} else {
				d.Cancel = append(d.Cancel, o.ID)
			}
		default:
			// 未知方向的订单不该出现在我们账户里，撤掉
			d.Cancel = append(d.Cancel, o.ID)
		}
	}
	return d
}

// Package order 挂单视图辅助与目标状态对账。
package order

import "blocky-maker-go/gateway"

// FilterResting 按市场过滤仍挂在盘口的订单。
// 上游的分页接口按市场过滤并不可靠，这里在客户端再过滤一遍。
func FilterResting(orders []gateway.Order, market string) []gateway.Order {
	var out []gateway.Order
	for _, o := range orders {
		if o.Market != market {
			continue
		}
		if !o.IsResting() {
			continue
		}
		out = append(out, o)
	}
	return out
}

// GroupResting 把挂单按市场分组，一次遍历供整轮周期使用。
func GroupResting(orders []gateway.Order) map[string][]gateway.Order {
	grouped := make(map[string][]gateway.Order)
	for _, o := range orders {
		if !o.IsResting() {
			continue
		}
		grouped[o.Market] = append(grouped[o.Market], o)
	}
	return grouped
}

// LockedFunds 计算挂单中锁定的资金。
// 卖单锁定基础资产数量，买单锁定 价格×数量 的报价资产。
func LockedFunds(orders []gateway.Order) (lockedBase, lockedQuote float64) {
	for _, o := range orders {
		switch o.Side {
		case "sell":
			lockedBase += o.Quantity
		case "buy":
			lockedQuote += o.Price * o.Quantity
		}
	}
	return lockedBase, lockedQuote
}

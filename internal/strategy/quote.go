package strategy

import (
	"github.com/shopspring/decimal"

	"blocky-maker-go/gateway"
)

// Quote 一个市场的双边报价。
type Quote struct {
	Buy        float64
	Sell       float64
	Mid        float64
	BuySpread  float64
	SellSpread float64
}

// pennying 约束常量
const (
	pennyTick          = 0.01  // 压价步长
	selfQuoteTolerance = 0.001 // 判定盘口最优价是否是自己挂的
	maxBuyRatio        = 0.99  // 买价不超过 mid 的 99%
	minSellRatio       = 1.01  // 卖价不低于 mid 的 101%
)

// roundPrice 报价按指定小数位四舍五入。decimal 避免
// 9.81 这类价格经浮点运算后带出长尾。
func roundPrice(p float64, precision int32) float64 {
	f, _ := decimal.NewFromFloat(p).Round(precision).Float64()
	return f
}

// CalculateQuotes 从 mid 和两侧价差算出对称报价。
func CalculateQuotes(mid, buySpread, sellSpread float64, precision int32) (buy, sell float64) {
	buy = roundPrice(mid*(1-buySpread/2), precision)
	sell = roundPrice(mid*(1+sellSpread/2), precision)
	return buy, sell
}

// ApplyPennying 压价策略：比竞争对手的最优报价好一个 tick，
// 但不越过 mid 两侧各 1% 的护栏，也不和自己的挂单互相压价。
// 最后强制最小价差：先降买价，不够再抬卖价。
func ApplyPennying(buy, sell, mid float64, ticker *gateway.Ticker, openOrders []gateway.Order, minSpread float64, precision int32) (float64, float64) {
	maxBuy := mid * maxBuyRatio
	minSell := mid * minSellRatio

	// 自己的最优买卖价
	var myBestBid, myBestAsk float64
	for _, o := range openOrders {
		switch o.Side {
		case "buy":
			if o.Price > myBestBid {
				myBestBid = o.Price
			}
		case "sell":
			if myBestAsk == 0 || o.Price < myBestAsk {
				myBestAsk = o.Price
			}
		}
	}

	if ticker != nil {
		bestBid, bestAsk := ticker.Bid, ticker.Ask

		if bestBid > buy && bestBid < maxBuy {
			if abs(bestBid-myBestBid) < selfQuoteTolerance {
				buy = bestBid // 盘口最优就是我们自己，保持不动
			} else {
				buy = bestBid + pennyTick
			}
		}

		if bestAsk > 0 && (bestAsk < sell || sell == 0) && bestAsk > minSell {
			if myBestAsk > 0 && abs(bestAsk-myBestAsk) < selfQuoteTolerance {
				sell = bestAsk
			} else {
				sell = bestAsk - pennyTick
			}
		}
	}

	if buy >= sell {
		buy -= minSpread
		if buy < 0 {
			buy = 0
		}
		if gap := sell - buy; gap < minSpread {
			sell += minSpread - gap
		}
	}
	return roundPrice(buy, precision), roundPrice(sell, precision)
}

// Sizing 下单数量决策。
type Sizing struct {
	BuyQty     float64
	SellQty    float64
	ShouldBuy  bool
	ShouldSell bool
}

// ComputeSizing 按目标价值和余额算出两侧数量。
// allocatedValue 是资金分配器给出的本市场额度（报价资产计）。
// 低于最小名义价值时不报价。
func ComputeSizing(buy, sell, baseBalance, quoteBalance, allocatedValue, maxQty, minNotional float64) Sizing {
	checkPrice := buy
	if checkPrice <= 0 {
		checkPrice = sell
	}

	if quoteBalance < allocatedValue {
		allocatedValue = quoteBalance
	}
	if allocatedValue < minNotional {
		allocatedValue = 0
	}

	var qty float64
	if checkPrice > 0 && allocatedValue > 0 {
		qty = allocatedValue / checkPrice
	}
	if qty > maxQty {
		qty = maxQty
	}
	qty = roundQty(qty)

	sz := Sizing{BuyQty: qty}
	sz.ShouldBuy = qty > 0 && quoteBalance >= buy*qty

	sellQty := qty
	if baseBalance > 0 && baseBalance < qty {
		sellQty = baseBalance
	}
	sellQty = roundQty(sellQty)
	sz.SellQty = sellQty
	sz.ShouldSell = sellQty > 0 && baseBalance >= sellQty
	return sz
}

func roundQty(q float64) float64 {
	f, _ := decimal.NewFromFloat(q).Round(2).Float64()
	return f
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

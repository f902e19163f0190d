package capital

import "sync"

// minGrant 缩减后的成本低于该值就放弃本次下单。
const minGrant = 0.10

// Tracker 周期内的共享资金池。多个市场并发争抢同一份报价资产，
// 决策必须在一把锁下完成，否则两个市场都会以为自己有钱。
type Tracker struct {
	mu    sync.Mutex
	avail map[string]float64
}

// NewTracker 用当前钱包可用余额初始化资金池。每个报价周期新建一个。
func NewTracker(balances map[string]float64) *Tracker {
	avail := make(map[string]float64, len(balances))
	for k, v := range balances {
		avail[k] = v
	}
	return &Tracker{avail: avail}
}

// Allocate 为一笔挂单申请资金。cost 是目标挂单的总成本，
// locked 是该市场已有挂单中锁定的同币种资金（撤旧挂新时这部分会释放回来）。
//
// 净需求 needed = cost - locked：
//   - needed <= 0：新单比旧单小，盈余归还资金池；
//   - 池内足够：直接扣减；
//   - 不够但 locked+avail 超过最小阈值：缩减到 locked+avail，清空池内该币种；
//   - 否则失败。
//
// 返回实际批准的成本（可能小于 cost）。
func (t *Tracker) Allocate(currency string, cost, locked float64) (granted float64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	avail := t.avail[currency]
	needed := cost - locked

	if needed <= 0 {
		t.avail[currency] = avail - needed // 归还盈余
		return cost, true
	}
	if avail >= needed {
		t.avail[currency] = avail - needed
		return cost, true
	}

	maxAfford := locked + avail
	if maxAfford > minGrant {
		t.avail[currency] = 0
		return maxAfford, true
	}
	return 0, false
}

// Restore 把下单失败的资金还回池里。
func (t *Tracker) Restore(currency string, amount float64) {
	if amount <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.avail[currency] += amount
}

// Available 当前池内可用余额。
func (t *Tracker) Available(currency string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.avail[currency]
}

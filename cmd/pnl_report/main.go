// 成交报表：解析 runner 的 JSON 日志，按市场汇总成交笔数与买卖名义额。
// 只依赖日志行里的 msg="recorded fill" 记录。
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"
)

// parseLogTime 兼容 zap 的 ISO8601（时区无冒号）与标准 RFC3339。
func parseLogTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05.000Z0700", s)
}

type fillLine struct {
	Msg      string  `json:"msg"`
	Ts       string  `json:"ts"`
	Market   string  `json:"market"`
	Side     string  `json:"side"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

type stats struct {
	trades       int
	buyNotional  float64
	sellNotional float64
	volume       float64
}

func (s *stats) add(side string, price, qty float64) {
	if price <= 0 || qty <= 0 {
		return
	}
	s.trades++
	s.volume += qty
	notion := price * qty
	switch side {
	case "buy":
		s.buyNotional += notion
	case "sell":
		s.sellNotional += notion
	}
}

func main() {
	logPath := flag.String("log", "/var/log/blocky-maker/runner.log", "runner 日志路径")
	market := flag.String("market", "", "仅统计指定市场 (默认全量)")
	sinceStr := flag.String("since", "", "仅统计此时间之后的记录 (RFC3339)")
	flag.Parse()

	var since time.Time
	if *sinceStr != "" {
		var err error
		since, err = time.Parse(time.RFC3339Nano, *sinceStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "解析 since 参数失败: %v\n", err)
			os.Exit(1)
		}
	}

	f, err := os.Open(*logPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "无法读取日志: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	perMarket := map[string]*stats{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var line fillLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue // 非 JSON 行（启动 banner 等）
		}
		if line.Msg != "recorded fill" || line.Market == "" {
			continue
		}
		if *market != "" && line.Market != *market {
			continue
		}
		if !since.IsZero() {
			ts, err := parseLogTime(line.Ts)
			if err != nil || ts.Before(since) {
				continue
			}
		}
		st := perMarket[line.Market]
		if st == nil {
			st = &stats{}
			perMarket[line.Market] = st
		}
		st.add(line.Side, line.Price, line.Quantity)
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "读取日志失败: %v\n", err)
		os.Exit(1)
	}

	if len(perMarket) == 0 {
		fmt.Println("没有匹配的成交记录")
		return
	}

	markets := make([]string, 0, len(perMarket))
	for m := range perMarket {
		markets = append(markets, m)
	}
	sort.Strings(markets)

	var total stats
	fmt.Printf("%-14s %8s %12s %14s %14s\n", "market", "trades", "volume", "buy_notional", "sell_notional")
	for _, m := range markets {
		st := perMarket[m]
		fmt.Printf("%-14s %8d %12.2f %14.2f %14.2f\n",
			m, st.trades, st.volume, st.buyNotional, st.sellNotional)
		total.trades += st.trades
		total.volume += st.volume
		total.buyNotional += st.buyNotional
		total.sellNotional += st.sellNotional
	}
	fmt.Printf("%-14s %8d %12.2f %14.2f %14.2f\n",
		"TOTAL", total.trades, total.volume, total.buyNotional, total.sellNotional)
	fmt.Printf("\n净流向 (sell-buy): %.2f iron\n", total.sellNotional-total.buyNotional)
}

// 指标探针：起一个 /metrics 端点并灌入样例指标，
// 用于验证 Prometheus/Grafana 抓取与看板配置，不连真实 API。
package main

import (
	"flag"
	"fmt"
	"math"
	"time"

	"blocky-maker-go/metrics"
)

func main() {
	addr := flag.String("metricsAddr", ":9100", "Prometheus 指标监听地址")
	mid := flag.Float64("mid", 16.0, "模拟 diam_iron 中值价")
	healthy := flag.Bool("healthy", true, "是否模拟价格模型健康")
	flag.Parse()

	metrics.StartMetricsServer(*addr)
	fmt.Printf("metrics_probe started at %s\n", *addr)

	metrics.CapitalDeployable.Set(900)
	metrics.CapitalReserve.Set(100)
	if *healthy {
		metrics.PriceModelHealthy.Set(1)
	} else {
		metrics.PriceModelHealthy.Set(0)
	}
	metrics.SetBreakerState(0)

	// 周期性微调，方便在看板上观察变化
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	step := 0.0
	for range ticker.C {
		step += 0.2
		wobble := math.Sin(step) * 0.05
		m := *mid * (1 + wobble)
		metrics.UpdateQuote("diam_iron", m, m*0.985, m*1.015)
		metrics.RecordOrderPlaced()
		metrics.RecordTrade("diam_iron", "buy")
	}
}

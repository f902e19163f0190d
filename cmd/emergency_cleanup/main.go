// 紧急清理工具：撤掉账户下全部挂单并确认撤干净。
// 引擎异常退出或行情异常时手动执行，绕过限流直连 API。
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"blocky-maker-go/config"
	"blocky-maker-go/gateway"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	client := &gateway.BlockyRESTClient{
		BaseURL:    cfg.API.Endpoint,
		APIKey:     cfg.API.APIKey,
		HTTPClient: gateway.NewDefaultHTTPClient(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Println("🔸 取消所有挂单...")
	if err := client.CancelAllOrders(ctx); err != nil {
		log.Fatalf("批量撤单失败: %v", err)
	}
	fmt.Println("✅ 撤单请求已提交")

	// 等待撮合侧生效后复查
	time.Sleep(2 * time.Second)

	fmt.Println("\n🔸 复查剩余挂单...")
	page, err := client.GetOrders(ctx, []string{"open"}, nil, 50, "")
	if err != nil {
		log.Fatalf("查询挂单失败: %v", err)
	}
	var remaining []gateway.Order
	for _, o := range page.Orders {
		if o.IsResting() {
			remaining = append(remaining, o)
		}
	}
	if len(remaining) == 0 {
		fmt.Println("✅ 没有剩余挂单")
		return
	}

	fmt.Printf("⚠️ 仍有 %d 笔挂单，逐笔撤销...\n", len(remaining))
	failed := 0
	for _, o := range remaining {
		if err := client.CancelOrder(ctx, o.ID); err != nil {
			if gateway.IsOrderClosed(err) {
				continue
			}
			fmt.Printf("撤销 %s (%s %s) 失败: %v\n", o.ID, o.Market, o.Side, err)
			failed++
		}
	}
	if failed > 0 {
		fmt.Printf("⚠️ %d 笔撤销失败，请人工处理\n", failed)
		os.Exit(1)
	}
	fmt.Println("✅ 全部挂单已清理")
}

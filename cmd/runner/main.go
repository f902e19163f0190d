package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"blocky-maker-go/config"
	"blocky-maker-go/gateway"
	"blocky-maker-go/infrastructure/alert"
	"blocky-maker-go/infrastructure/logger"
	"blocky-maker-go/internal/capital"
	"blocky-maker-go/internal/engine"
	"blocky-maker-go/internal/health"
	"blocky-maker-go/internal/pricing"
	"blocky-maker-go/internal/strategy"
	"blocky-maker-go/metrics"
	"blocky-maker-go/order"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	dryRun := flag.Bool("dryRun", false, "仅日志输出，不真正下单")
	metricsAddr := flag.String("metricsAddr", ":9100", "Prometheus metrics 监听地址，留空则关闭")
	healthAddr := flag.String("healthAddr", "", "健康端点监听地址，留空用配置值")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if *dryRun {
		cfg.Trading.DryRun = true
	}
	if *healthAddr != "" {
		cfg.Health.Addr = *healthAddr
	}

	logg, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer logg.Close()

	alerts := buildAlerts(cfg, logg)

	rest := &gateway.BlockyRESTClient{
		BaseURL:    cfg.API.Endpoint,
		APIKey:     cfg.API.APIKey,
		HTTPClient: gateway.NewDefaultHTTPClient(),
	}
	limiter := gateway.NewSlidingWindowLimiter(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window())
	breaker := gateway.NewCircuitBreaker(gateway.BreakerConfig{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.Recovery(),
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
	})
	client := gateway.NewResilientClient(rest, limiter, breaker)

	model := pricing.NewModel(client, pricing.ModelConfig{
		CacheTTL:       time.Duration(cfg.PriceModel.CacheTTLSeconds) * time.Second,
		StaleThreshold: time.Duration(cfg.PriceModel.StaleThresholdSec) * time.Second,
		MaxMultiplier:  cfg.PriceModel.MaxMultiplier,
		BasePrices:     cfg.PriceModel.BasePrices,
	})
	pricer := pricing.NewStrategy(cfg.Trading.Strategy, model, client)

	spread := strategy.NewSpreadCalculator(client, strategy.SpreadConfig{
		Enabled:              cfg.DynamicSpread.Enabled,
		BaseSpread:           cfg.DynamicSpread.BaseSpread,
		VolatilityMultiplier: cfg.DynamicSpread.VolatilityMultiplier,
		InventoryImpact:      cfg.DynamicSpread.InventoryImpact,
		MinSpread:            cfg.DynamicSpread.MinSpread,
		MaxSpread:            cfg.DynamicSpread.MaxSpread,
		VolatilityWindow:     cfg.DynamicSpread.VolatilityWindow,
	})
	allocator := capital.NewAllocator(capital.AllocatorConfig{
		Enabled:          cfg.Allocation.Enabled,
		BaseReserveRatio: cfg.Allocation.BaseReserveRatio,
		MaxReserveRatio:  cfg.Allocation.MaxReserveRatio,
		MinOrderValue:    cfg.Allocation.MinOrderValue,
		PriorityMarkets:  cfg.Allocation.PriorityMarkets,
		PriorityBoost:    cfg.Allocation.PriorityBoost,
	})
	reconciler := order.NewReconciler(order.ReconcilerConfig{
		Policy:         order.TolerancePolicy(cfg.Reconcile.TolerancePolicy),
		PriceTolerance: cfg.Reconcile.PriceTolerance,
		QtyTolerance:   cfg.Reconcile.QtyTolerance,
	})
	ws := gateway.NewBlockyWS(wsEndpoint(cfg.API.Endpoint))

	eng, err := engine.New(engine.Config{
		DryRun:          cfg.Trading.DryRun,
		TargetValue:     cfg.Trading.TargetValue,
		MaxQuantity:     cfg.Trading.MaxQuantity,
		MinNotional:     cfg.Trading.MinNotional,
		RefreshInterval: cfg.Trading.RefreshEvery(),
		MinSpreadTicks:  cfg.Trading.MinSpreadTicks,
		PricePrecision:  cfg.Trading.PricePrecision,
		EnabledMarkets:  cfg.Trading.EnabledMarkets,
		DisabledMarkets: cfg.Trading.DisabledMarkets,
	}, engine.Components{
		Client:     client,
		PriceModel: model,
		Pricer:     pricer,
		Spread:     spread,
		Allocator:  allocator,
		Reconciler: reconciler,
		Alerts:     alerts,
		Logger:     logg,
		WS:         ws,
	})
	if err != nil {
		log.Fatalf("初始化引擎失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *metricsAddr != "" {
		metrics.StartMetricsServer(*metricsAddr)
	}
	if cfg.Health.Enabled {
		hs := health.NewServer(cfg.Health.Addr, eng, limiter, breaker)
		go func() {
			if err := hs.Run(ctx); err != nil {
				logg.Warn("health server exited", zap.Error(err))
			}
		}()
	}

	// 配置热更新：只推送策略参数子集
	go func() {
		w := config.Watcher{Path: *cfgPath}
		if err := w.Start(ctx, eng.ApplyTunables); err != nil && ctx.Err() == nil {
			logg.Warn("config watcher exited", zap.Error(err))
		}
	}()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	logg.Info("starting market maker",
		zap.String("endpoint", cfg.API.Endpoint),
		zap.String("strategy", cfg.Trading.Strategy),
		zap.Bool("dry_run", cfg.Trading.DryRun))
	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		logg.Error("engine exited", zap.Error(err))
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	logg.Info("shutdown complete")
}

// buildAlerts 组装告警通道：webhook 可选，日志通道始终保留。
func buildAlerts(cfg config.AppConfig, logg *logger.Logger) *alert.Manager {
	var channels []alert.Channel
	if cfg.Alerts.Enabled && cfg.Alerts.WebhookURL != "" {
		kind := alert.WebhookCustom
		switch {
		case strings.Contains(cfg.Alerts.WebhookURL, "discord.com"):
			kind = alert.WebhookDiscord
		case strings.Contains(cfg.Alerts.WebhookURL, "slack.com"):
			kind = alert.WebhookSlack
		}
		channels = append(channels, alert.NewWebhookChannel(cfg.Alerts.WebhookURL, kind))
	}
	channels = append(channels, alert.NewLogChannel(logg.Logger))

	throttle := time.Duration(cfg.Alerts.ThrottleSeconds * float64(time.Second))
	return alert.NewManager(channels, alert.ParseLevel(cfg.Alerts.MinLevel), throttle)
}

// wsEndpoint 从 REST 端点推导 WS 端点：https://host/api/v1 -> wss://host/ws
func wsEndpoint(restEndpoint string) string {
	u := restEndpoint
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	if i := strings.Index(u, "/api"); i > 0 {
		u = u[:i]
	}
	return strings.TrimSuffix(u, "/") + "/ws"
}

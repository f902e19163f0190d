// Package logger 封装 zap，提供做市引擎的结构化日志。
package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger 结构化日志器
type Logger struct {
	*zap.Logger
	config Config
}

// Config 日志配置
type Config struct {
	Level      string   `yaml:"level"`       // debug, info, warn, error
	Format     string   `yaml:"format"`      // json 或 console
	Outputs    []string `yaml:"outputs"`     // stdout, file
	OutputFile string   `yaml:"output_file"` // 日志文件路径
	ErrorFile  string   `yaml:"error_file"`  // 错误日志单独文件
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Level:   "info",
		Format:  "json",
		Outputs: []string{"stdout"},
	}
}

// New 创建 Logger
func New(cfg Config) (*Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", cfg.Level, err)
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	var cores []zapcore.Core

	if len(cfg.Outputs) == 0 || containsOutput(cfg.Outputs, "stdout") {
		var encoder zapcore.Encoder
		if cfg.Format == "console" {
			encoder = zapcore.NewConsoleEncoder(encoderConfig)
		} else {
			encoder = zapcore.NewJSONEncoder(encoderConfig)
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level))
	}

	if containsOutput(cfg.Outputs, "file") && cfg.OutputFile != "" {
		f, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file failed: %w", err)
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(f), level))
	}

	if cfg.ErrorFile != "" {
		f, err := os.OpenFile(cfg.ErrorFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open error log file failed: %w", err)
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(f), zapcore.ErrorLevel))
	}

	core := zapcore.NewTee(cores...)
	zapLogger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return &Logger{Logger: zapLogger, config: cfg}, nil
}

// WithMarket 返回绑定市场字段的子日志器。
func (l *Logger) WithMarket(market string) *Logger {
	return &Logger{
		Logger: l.Logger.With(zap.String("market", market)),
		config: l.config,
	}
}

// LogOrder 记录订单事件。
func (l *Logger) LogOrder(event, orderID, market, side string, price, qty float64) {
	l.Info("order_event",
		zap.String("event", event),
		zap.String("order_id", orderID),
		zap.String("market", market),
		zap.String("side", side),
		zap.Float64("price", price),
		zap.Float64("quantity", qty),
	)
}

// LogQuote 记录一轮报价结果，含两侧持仓快照。
func (l *Logger) LogQuote(market string, mid, buy, sell, baseInv, quoteInv float64, buyActive, sellActive bool) {
	l.Info("quote_event",
		zap.String("market", market),
		zap.Float64("mid", mid),
		zap.Float64("buy", buy),
		zap.Float64("sell", sell),
		zap.Float64("inventory_base", baseInv),
		zap.Float64("inventory_quote", quoteInv),
		zap.Bool("buy_active", buyActive),
		zap.Bool("sell_active", sellActive),
	)
}

// LogCycleError 记录单个市场的周期错误，错误被隔离不中断整轮。
func (l *Logger) LogCycleError(market string, err error) {
	l.Error("cycle_error",
		zap.String("market", market),
		zap.Error(err),
	)
}

// Close 刷新缓冲。
func (l *Logger) Close() error {
	return l.Sync()
}

func containsOutput(outputs []string, want string) bool {
	for _, o := range outputs {
		if o == want {
			return true
		}
	}
	return false
}

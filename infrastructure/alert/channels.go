package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookKind webhook 负载格式。
type WebhookKind string

const (
	WebhookDiscord WebhookKind = "discord"
	WebhookSlack   WebhookKind = "slack"
	WebhookCustom  WebhookKind = "custom"
)

// WebhookChannel 通过 HTTP webhook 投递告警（Discord / Slack / 自定义）。
type WebhookChannel struct {
	url    string
	kind   WebhookKind
	client *http.Client
}

// NewWebhookChannel 创建 webhook 通道
func NewWebhookChannel(url string, kind WebhookKind) *WebhookChannel {
	switch kind {
	case WebhookDiscord, WebhookSlack, WebhookCustom:
	default:
		kind = WebhookCustom
	}
	return &WebhookChannel{
		url:    url,
		kind:   kind,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// SetHTTPClient 注入 HTTP 客户端（测试用）。
func (c *WebhookChannel) SetHTTPClient(client *http.Client) {
	c.client = client
}

// Name 返回通道名称
func (c *WebhookChannel) Name() string {
	return "webhook:" + string(c.kind)
}

// Send 投递告警到 webhook。
func (c *WebhookChannel) Send(alert Alert) error {
	if c.url == "" {
		return nil
	}

	var payload any
	switch c.kind {
	case WebhookDiscord:
		payload = discordPayload(alert)
	case WebhookSlack:
		payload = slackPayload(alert)
	default:
		payload = map[string]any{
			"level":     alert.Level.String(),
			"title":     alert.Title,
			"message":   alert.Message,
			"timestamp": alert.Timestamp.Unix(),
			"source":    alert.Source,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := c.client.Post(c.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

func discordPayload(alert Alert) map[string]any {
	colors := map[Level]int{
		LevelInfo:     3447003,  // 蓝
		LevelWarning:  16776960, // 黄
		LevelError:    15158332, // 红
		LevelCritical: 10038562, // 暗红
	}
	return map[string]any{
		"embeds": []map[string]any{{
			"title":       alert.Title,
			"description": alert.Message,
			"color":       colors[alert.Level],
			"footer":      map[string]any{"text": fmt.Sprintf("%s / %s", alert.Source, alert.Level)},
			"timestamp":   alert.Timestamp.UTC().Format(time.RFC3339),
		}},
	}
}

func slackPayload(alert Alert) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{{
			"type": "section",
			"text": map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("[%s] *%s*\n%s", alert.Level, alert.Title, alert.Message),
			},
		}},
	}
}

// LogChannel 把告警写进结构化日志，webhook 未配置时的兜底通道。
type LogChannel struct {
	log *zap.Logger
}

// NewLogChannel 创建日志通道
func NewLogChannel(log *zap.Logger) *LogChannel {
	return &LogChannel{log: log}
}

// Name 返回通道名称
func (c *LogChannel) Name() string { return "log" }

// Send 按级别写日志。
func (c *LogChannel) Send(alert Alert) error {
	fields := []zap.Field{
		zap.String("title", alert.Title),
		zap.String("source", alert.Source),
	}
	switch alert.Level {
	case LevelInfo:
		c.log.Info(alert.Message, fields...)
	case LevelWarning:
		c.log.Warn(alert.Message, fields...)
	default:
		c.log.Error(alert.Message, fields...)
	}
	return nil
}

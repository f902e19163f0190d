package alert

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// mockChannel records delivered alerts.
type mockChannel struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (c *mockChannel) Send(alert Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.alerts = append(c.alerts, alert)
	return nil
}

func (c *mockChannel) Name() string { return "mock" }

func (c *mockChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func TestManager_MinLevelFiltersInfo(t *testing.T) {
	ch := &mockChannel{}
	m := NewManager([]Channel{ch}, LevelWarning, time.Minute)

	m.Info("startup", "engine running")
	m.Warning("capital low", "reserve nearly exhausted")

	if ch.count() != 1 {
		t.Fatalf("delivered = %d, want only the warning", ch.count())
	}
	if ch.alerts[0].Level != LevelWarning {
		t.Errorf("level = %v, want WARNING", ch.alerts[0].Level)
	}
}

func TestManager_ThrottleSuppressesRepeats(t *testing.T) {
	ch := &mockChannel{}
	m := NewManager([]Channel{ch}, LevelInfo, time.Minute)

	for i := 0; i < 5; i++ {
		m.Error("breaker open", "exchange unreachable")
	}
	if ch.count() != 1 {
		t.Errorf("delivered = %d, repeats within the interval should be throttled", ch.count())
	}

	// distinct titles are throttled independently
	m.Error("price model stale", "supply data too old")
	if ch.count() != 2 {
		t.Errorf("delivered = %d, distinct alert kinds should pass", ch.count())
	}
}

func TestManager_AllChannelsFailingReturnsError(t *testing.T) {
	bad := &mockChannel{err: errors.New("down")}
	m := NewManager([]Channel{bad}, LevelInfo, time.Minute)

	if err := m.Send(Alert{Level: LevelError, Title: "t", Message: "m"}); err == nil {
		t.Error("expected error when every channel fails")
	}
}

func TestManager_OneHealthyChannelIsEnough(t *testing.T) {
	bad := &mockChannel{err: errors.New("down")}
	good := &mockChannel{}
	m := NewManager([]Channel{bad, good}, LevelInfo, time.Minute)

	if err := m.Send(Alert{Level: LevelError, Title: "t", Message: "m"}); err != nil {
		t.Errorf("one delivery should suffice, got %v", err)
	}
	if good.count() != 1 {
		t.Errorf("healthy channel deliveries = %d, want 1", good.count())
	}
}

func TestWebhookChannel_DiscordPayload(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, WebhookDiscord)
	err := ch.Send(Alert{
		Level:     LevelCritical,
		Title:     "breaker open",
		Message:   "5 consecutive failures",
		Timestamp: time.Unix(1_700_000_000, 0),
		Source:    "blocky-maker",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	embeds, ok := got["embeds"].([]any)
	if !ok || len(embeds) != 1 {
		t.Fatalf("payload missing embeds: %v", got)
	}
	embed := embeds[0].(map[string]any)
	if embed["title"] != "breaker open" {
		t.Errorf("embed title = %v", embed["title"])
	}
}

func TestWebhookChannel_ServerErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, WebhookCustom)
	if err := ch.Send(Alert{Level: LevelError, Title: "t", Message: "m", Timestamp: time.Now()}); err == nil {
		t.Error("expected error on 500 response")
	}
}

func TestThrottler_AllowsAfterInterval(t *testing.T) {
	th := NewThrottler(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	th.now = func() time.Time { return now }

	if !th.Allow("k") {
		t.Fatal("first send should pass")
	}
	if th.Allow("k") {
		t.Fatal("immediate repeat should be throttled")
	}
	now = now.Add(61 * time.Second)
	if !th.Allow("k") {
		t.Error("send after interval should pass")
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("critical") != LevelCritical {
		t.Error("critical not parsed")
	}
	if ParseLevel("nonsense") != LevelWarning {
		t.Error("unknown level should default to WARNING")
	}
}

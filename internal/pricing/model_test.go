package pricing

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeSupply struct {
	metrics map[string]float64
	err     error
	calls   int
}

func (f *fakeSupply) GetSupplyMetrics(ctx context.Context) (map[string]float64, error) {
	f.calls++
	return f.metrics, f.err
}

func newTestModel(src *fakeSupply) (*Model, *time.Time) {
	m := NewModel(src, DefaultModelConfig())
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestFairPrice_ScarcityMultiplier(t *testing.T) {
	src := &fakeSupply{metrics: map[string]float64{}}
	m, _ := newTestModel(src)

	// zero circulating supply: fair price equals the base price
	base := m.basePrices["diam_iron"]
	got := m.FairPrice(context.Background(), "diam_iron")
	if got != base {
		t.Errorf("zero circulation: got %v, want base %v", got, base)
	}

	// half the supply mined doubles the price
	total := m.worldSupply["diam_iron"]
	m.supplyCache = map[string]float64{"diam_iron": total / 2}
	got = m.FairPrice(context.Background(), "diam_iron")
	if diff := got - 2*base; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("half circulation: got %v, want %v", got, 2*base)
	}
}

func TestFairPrice_MultiplierClamp(t *testing.T) {
	src := &fakeSupply{metrics: map[string]float64{}}
	m, _ := newTestModel(src)

	total := m.worldSupply["gold_iron"]
	// nearly everything mined: raw multiplier would explode
	m.supplyCache = map[string]float64{"gold_iron": total - 0.001}
	got := m.FairPrice(context.Background(), "gold_iron")
	want := m.basePrices["gold_iron"] * 20
	if got > want+1e-9 {
		t.Errorf("multiplier not clamped: got %v, max %v", got, want)
	}
}

func TestFairPrice_UnknownMarketReturnsZero(t *testing.T) {
	m, _ := newTestModel(&fakeSupply{})
	if got := m.FairPrice(context.Background(), "wtf_iron"); got != 0 {
		t.Errorf("unknown market should return 0 sentinel, got %v", got)
	}
}

func TestCirculatingSupply_CacheTTL(t *testing.T) {
	src := &fakeSupply{metrics: map[string]float64{"264": 100}}
	m, now := newTestModel(src)
	ctx := context.Background()

	m.CirculatingSupply(ctx)
	m.CirculatingSupply(ctx)
	if src.calls != 1 {
		t.Errorf("second call within TTL should hit cache, upstream calls = %d", src.calls)
	}

	*now = now.Add(61 * time.Second)
	m.CirculatingSupply(ctx)
	if src.calls != 2 {
		t.Errorf("expired TTL should refetch, upstream calls = %d", src.calls)
	}
}

func TestCirculatingSupply_AggregatesItemIDs(t *testing.T) {
	// diam_iron sums ore (56), block (57) and item (264) counts
	src := &fakeSupply{metrics: map[string]float64{"264": 10, "56": 5, "57": 2}}
	m, _ := newTestModel(src)

	supplies := m.CirculatingSupply(context.Background())
	if supplies["diam_iron"] != 17 {
		t.Errorf("diam_iron supply = %v, want 17", supplies["diam_iron"])
	}
}

func TestModel_HealthDegradesAfterConsecutiveFailures(t *testing.T) {
	src := &fakeSupply{metrics: map[string]float64{"264": 1}}
	m, now := newTestModel(src)
	ctx := context.Background()

	m.CirculatingSupply(ctx)
	if !m.IsHealthy() {
		t.Fatal("fresh fetch should be healthy")
	}

	src.err = errors.New("upstream down")
	for i := 0; i < 3; i++ {
		*now = now.Add(61 * time.Second)
		supplies := m.CirculatingSupply(ctx)
		// stale cache is still served
		if supplies["diam_iron"] != 1 {
			t.Errorf("failure %d: stale cache not served, got %v", i, supplies["diam_iron"])
		}
	}
	if m.IsHealthy() {
		t.Error("3 consecutive failures should degrade health")
	}
	if m.ConsecutiveFailures() != 3 {
		t.Errorf("consecutive failures = %d, want 3", m.ConsecutiveFailures())
	}

	// a successful fetch restores health
	src.err = nil
	*now = now.Add(61 * time.Second)
	m.CirculatingSupply(ctx)
	if !m.IsHealthy() {
		t.Error("successful fetch should restore health")
	}
}

func TestModel_ConfigBasePriceOverride(t *testing.T) {
	cfg := DefaultModelConfig()
	cfg.BasePrices = map[string]float64{"diam_iron": 100.0}
	m := NewModel(&fakeSupply{metrics: map[string]float64{}}, cfg)
	m.now = func() time.Time { return time.Unix(1_700_000_000, 0) }

	if got := m.FairPrice(context.Background(), "diam_iron"); got != 100.0 {
		t.Errorf("override base price: got %v, want 100.0", got)
	}
}

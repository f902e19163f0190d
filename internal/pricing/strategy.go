package pricing

import (
	"context"
	"fmt"
	"strings"

	"blocky-maker-go/gateway"
)

// PriceResult carries a mid price estimate with a confidence score in [0,1].
type PriceResult struct {
	Mid        float64
	Confidence float64
	Source     string
}

// MarketData is the slice of the exchange client the strategies need.
type MarketData interface {
	GetTicker(ctx context.Context, market string) (gateway.Ticker, error)
	GetOHLCV(ctx context.Context, market, timeframe string, limit int) ([]gateway.Candle, error)
}

// Strategy computes a fair mid price for a market. The variant is a closed
// set selected by config: scarcity, ticker, vwap, composite.
type Strategy struct {
	kind         string
	model        *Model
	data         MarketData
	vwapLookback int
}

// NewStrategy builds a pricing strategy. Unknown kinds fall back to scarcity.
func NewStrategy(kind string, model *Model, data MarketData) *Strategy {
	switch kind {
	case "scarcity", "ticker", "vwap", "composite":
	default:
		kind = "scarcity"
	}
	return &Strategy{kind: kind, model: model, data: data, vwapLookback: 24}
}

// Kind returns the active variant name.
func (s *Strategy) Kind() string { return s.kind }

// Price evaluates the configured variant. A zero Mid means the strategy could
// not produce a price and the caller should fall back to the ticker mid.
// ticker may be nil; supplies may be nil (the model fetches on demand).
func (s *Strategy) Price(ctx context.Context, market string, ticker *gateway.Ticker, supplies map[string]float64) PriceResult {
	switch s.kind {
	case "ticker":
		return s.tickerPrice(ctx, market, ticker)
	case "vwap":
		return s.vwapPrice(ctx, market)
	case "composite":
		return s.compositePrice(ctx, market, ticker, supplies)
	default:
		return s.scarcityPrice(ctx, market, supplies)
	}
}

func (s *Strategy) scarcityPrice(ctx context.Context, market string, supplies map[string]float64) PriceResult {
	if s.model == nil || !Known(market) {
		return PriceResult{Source: "scarcity_unknown"}
	}
	var fair float64
	if supplies != nil {
		fair = s.model.FairPriceFromSupplies(market, supplies)
	} else {
		fair = s.model.FairPrice(ctx, market)
	}
	if fair <= 0 {
		return PriceResult{Source: "scarcity_failed"}
	}
	conf := 0.8
	if !s.model.IsHealthy() {
		conf = 0.5
	}
	return PriceResult{Mid: fair, Confidence: conf, Source: "scarcity"}
}

func (s *Strategy) tickerPrice(ctx context.Context, market string, ticker *gateway.Ticker) PriceResult {
	t := ticker
	if t == nil {
		fetched, err := s.data.GetTicker(ctx, market)
		if err != nil {
			return PriceResult{Source: "ticker_failed"}
		}
		t = &fetched
	}
	if t.Bid > 0 && t.Ask > 0 {
		return PriceResult{Mid: (t.Bid + t.Ask) / 2, Confidence: 0.9, Source: "ticker_mid"}
	}
	if t.Close > 0 {
		return PriceResult{Mid: t.Close, Confidence: 0.7, Source: "ticker_close"}
	}
	return PriceResult{Source: "ticker_empty"}
}

// vwapPrice computes a volume weighted average over hourly candles using the
// typical price (high+low+close)/3.
func (s *Strategy) vwapPrice(ctx context.Context, market string) PriceResult {
	candles, err := s.data.GetOHLCV(ctx, market, "1H", s.vwapLookback)
	if err != nil || len(candles) == 0 {
		return PriceResult{Source: "vwap_failed"}
	}

	var totalPV, totalV float64
	for _, c := range candles {
		if c.Volume <= 0 {
			continue
		}
		typical := (c.High + c.Low + c.Close) / 3
		totalPV += typical * c.Volume
		totalV += c.Volume
	}
	if totalV <= 0 {
		return PriceResult{Source: "vwap_no_volume"}
	}
	conf := 0.5 + float64(len(candles))/48
	if conf > 0.95 {
		conf = 0.95
	}
	return PriceResult{Mid: totalPV / totalV, Confidence: conf, Source: "vwap"}
}

// compositePrice blends the sub-strategies, weighting each contribution by
// its static weight times its confidence. Sub-strategies that return a zero
// mid simply drop out of the blend.
func (s *Strategy) compositePrice(ctx context.Context, market string, ticker *gateway.Ticker, supplies map[string]float64) PriceResult {
	parts := []struct {
		weight float64
		result PriceResult
	}{
		{0.4, s.scarcityPrice(ctx, market, supplies)},
		{0.4, s.tickerPrice(ctx, market, ticker)},
		{0.2, s.vwapPrice(ctx, market)},
	}

	var weightedSum, totalWeight float64
	var sources []string
	for _, p := range parts {
		if p.result.Mid <= 0 || p.result.Confidence <= 0 {
			continue
		}
		w := p.weight * p.result.Confidence
		weightedSum += p.result.Mid * w
		totalWeight += w
		sources = append(sources, fmt.Sprintf("%s:%.2f", p.result.Source, p.result.Confidence))
	}
	if totalWeight <= 0 {
		return PriceResult{Source: "composite_failed"}
	}
	conf := totalWeight
	if conf > 1 {
		conf = 1
	}
	return PriceResult{
		Mid:        weightedSum / totalWeight,
		Confidence: conf,
		Source:     strings.Join(sources, "+"),
	}
}

package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"phemex-tools/internal/contract"
	"phemex-tools/internal/core"
)

// Kline resolutions accepted by the exchange, in seconds.
var klineResolutions = map[int]bool{
	60: true, 300: true, 900: true, 1800: true, 3600: true, 14400: true,
	86400: true, 604800: true, 2592000: true, 7776000: true, 31104000: true,
}

// Row limits accepted by the kline/last endpoints.
var klineLimits = []int{5, 10, 50, 100, 500, 1000}

type KlinesRequest struct {
	Market     string
	Symbol     string
	Resolution int
	Limit      int
}

type FundingRateRequest struct {
	Market string
	Symbol string
	Limit  int
}

// read is the common path of the query tools.
func (s *Service) read(ctx context.Context, t target, op contract.Operation, r request, conv func(any) any) (Result, error) {
	path, err := contract.Route(t.market, op)
	if err != nil {
		return Result{}, err
	}
	if err := s.checkScale(t); err != nil {
		return Result{}, err
	}
	r.path = path
	if r.method == "" {
		r.method = http.MethodGet
	}
	data, err := s.send(ctx, r)
	if err != nil {
		return Result{}, err
	}
	if conv != nil {
		data = conv(data)
	}
	return Result{Market: t.market, Symbol: t.symbol, Endpoint: path, Warning: t.warning, Data: data}, nil
}

func symbolQuery(symbol string) url.Values {
	q := url.Values{}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	return q
}

func (s *Service) Ticker(ctx context.Context, market, symbol string) (Result, error) {
	res, err := s.ticker(ctx, market, symbol)
	return res, s.observe("ticker", err)
}

func (s *Service) ticker(ctx context.Context, market, symbol string) (Result, error) {
	t, err := s.resolve(market, symbol, true)
	if err != nil {
		return Result{}, err
	}
	return s.read(ctx, t, contract.Ticker, request{query: symbolQuery(t.symbol), marketData: true}, func(v any) any {
		return s.convert(t, v)
	})
}

func (s *Service) Orderbook(ctx context.Context, market, symbol string) (Result, error) {
	res, err := s.orderbook(ctx, market, symbol)
	return res, s.observe("orderbook", err)
}

func (s *Service) orderbook(ctx context.Context, market, symbol string) (Result, error) {
	t, err := s.resolve(market, symbol, true)
	if err != nil {
		return Result{}, err
	}
	return s.read(ctx, t, contract.Orderbook, request{query: symbolQuery(t.symbol), marketData: true}, func(v any) any {
		if !contract.UsesFixedPoint(t.market) {
			return v
		}
		m, ok := v.(map[string]any)
		if !ok {
			return v
		}
		book, ok := m["book"].(map[string]any)
		if !ok {
			return v
		}
		converted := make(map[string]any, len(book))
		for k, levels := range book {
			converted[k] = s.table.UnscaleBookLevels(t.market, t.symbol, levels)
		}
		out := copyMap(m)
		out["book"] = converted
		return out
	})
}

func (s *Service) Klines(ctx context.Context, req KlinesRequest) (Result, error) {
	res, err := s.klines(ctx, req)
	return res, s.observe("klines", err)
}

func (s *Service) klines(ctx context.Context, req KlinesRequest) (Result, error) {
	t, err := s.resolve(req.Market, req.Symbol, true)
	if err != nil {
		return Result{}, err
	}
	resolution := req.Resolution
	if resolution == 0 {
		resolution = 3600
	}
	if !klineResolutions[resolution] {
		return Result{}, fmt.Errorf("%w: unsupported kline resolution %d", ErrInvalidRequest, resolution)
	}
	q := symbolQuery(t.symbol)
	q.Set("resolution", strconv.Itoa(resolution))
	q.Set("limit", strconv.Itoa(nearestKlineLimit(req.Limit)))
	return s.read(ctx, t, contract.Klines, request{query: q}, func(v any) any {
		if !contract.UsesFixedPoint(t.market) {
			return v
		}
		return convertRows(v, "rows", func(rows any) any {
			return s.table.UnscaleKlineRows(t.market, t.symbol, rows)
		})
	})
}

// nearestKlineLimit picks the smallest accepted limit that covers n.
func nearestKlineLimit(n int) int {
	if n <= 0 {
		return 100
	}
	for _, l := range klineLimits {
		if n <= l {
			return l
		}
	}
	return klineLimits[len(klineLimits)-1]
}

func (s *Service) RecentTrades(ctx context.Context, market, symbol string) (Result, error) {
	res, err := s.recentTrades(ctx, market, symbol)
	return res, s.observe("recent_trades", err)
}

func (s *Service) recentTrades(ctx context.Context, market, symbol string) (Result, error) {
	t, err := s.resolve(market, symbol, true)
	if err != nil {
		return Result{}, err
	}
	return s.read(ctx, t, contract.RecentTrades, request{query: symbolQuery(t.symbol), marketData: true}, func(v any) any {
		if !contract.UsesFixedPoint(t.market) {
			return v
		}
		return convertRows(v, "trades", func(rows any) any {
			return s.table.UnscaleTradeRows(t.market, t.symbol, rows)
		})
	})
}

func (s *Service) FundingRate(ctx context.Context, req FundingRateRequest) (Result, error) {
	res, err := s.fundingRate(ctx, req)
	return res, s.observe("funding_rate", err)
}

func (s *Service) fundingRate(ctx context.Context, req FundingRateRequest) (Result, error) {
	t, err := s.resolve(req.Market, req.Symbol, true)
	if err != nil {
		return Result{}, err
	}
	if t.market == core.Spot {
		_, err := contract.Route(t.market, contract.FundingRate)
		return Result{}, err
	}
	fundingSymbol, err := contract.FundingSymbol(t.market, t.symbol)
	if err != nil {
		return Result{}, err
	}
	q := symbolQuery(fundingSymbol)
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	return s.read(ctx, t, contract.FundingRate, request{query: q}, nil)
}

func convertRows(v any, key string, fn func(any) any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	rows, ok := m[key]
	if !ok {
		return v
	}
	out := copyMap(m)
	out[key] = fn(rows)
	return out
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

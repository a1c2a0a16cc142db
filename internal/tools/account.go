package tools

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"phemex-tools/internal/contract"
	"phemex-tools/internal/core"
	"phemex-tools/internal/scale"
)

type HistoryRequest struct {
	Market string
	Symbol string
	Limit  int
	Offset int
	// Start and End are unix milliseconds; zero leaves them unset.
	Start int64
	End   int64
}

type ConvertRequest struct {
	// Symbol or Currency selects the scale. Currency implies kind value.
	Symbol    string
	Currency  string
	Kind      string // price, ratio or value
	Direction string // scale or unscale
	Amount    string
}

// ProductView is the local listing of one scale table entry.
type ProductView struct {
	Symbol         string          `json:"symbol"`
	Market         core.MarketType `json:"market"`
	BaseCurrency   string          `json:"baseCurrency,omitempty"`
	QuoteCurrency  string          `json:"quoteCurrency,omitempty"`
	SettleCurrency string          `json:"settleCurrency,omitempty"`
	PriceScale     int32           `json:"priceScale"`
	RatioScale     int32           `json:"ratioScale"`
	ValueScale     int32           `json:"valueScale"`
	ContractSize   string          `json:"contractSize"`
	TickSize       string          `json:"tickSize,omitempty"`
	QtyStep        string          `json:"qtyStep,omitempty"`
	MinQty         string          `json:"minQty,omitempty"`
}

// defaultCurrency is the account currency used when none is given.
func defaultCurrency(mt core.MarketType) string {
	if mt == core.Inverse {
		return "BTC"
	}
	return "USDT"
}

func (s *Service) Account(ctx context.Context, market, currency string) (Result, error) {
	res, err := s.account(ctx, market, currency)
	return res, s.observe("account", err)
}

func (s *Service) account(ctx context.Context, market, currency string) (Result, error) {
	t, err := s.resolve(market, "", false)
	if err != nil {
		return Result{}, err
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = defaultCurrency(t.market)
	}
	q := symbolQuery("")
	q.Set("currency", currency)
	res, err := s.read(ctx, t, contract.Account, request{query: q}, func(v any) any {
		return s.convertAccount(t.market, currency, v)
	})
	return res, err
}

func (s *Service) Positions(ctx context.Context, market, currency string) (Result, error) {
	res, err := s.positions(ctx, market, currency)
	return res, s.observe("positions", err)
}

func (s *Service) positions(ctx context.Context, market, currency string) (Result, error) {
	t, err := s.resolve(market, "", false)
	if err != nil {
		return Result{}, err
	}
	if t.market == core.Spot {
		return s.wallets(ctx, currency)
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = defaultCurrency(t.market)
	}
	q := symbolQuery("")
	q.Set("currency", currency)
	return s.read(ctx, t, contract.Positions, request{query: q}, func(v any) any {
		return s.convertAccount(t.market, currency, v)
	})
}

// convertAccount rewrites {account, positions} payloads: account fields by
// the currency scale, each position by its own symbol.
func (s *Service) convertAccount(mt core.MarketType, currency string, v any) any {
	if !contract.UsesFixedPoint(mt) {
		return v
	}
	m, ok := v.(map[string]any)
	if !ok {
		return s.table.ConvertCurrencyResponse(currency, v)
	}
	out := copyMap(m)
	if acct, ok := m["account"]; ok {
		out["account"] = s.table.ConvertCurrencyResponse(currency, acct)
	}
	if positions, ok := m["positions"].([]any); ok {
		converted := make([]any, len(positions))
		for i, p := range positions {
			converted[i] = s.convertBySymbol(p)
		}
		out["positions"] = converted
	}
	return out
}

// convertBySymbol converts an object using the symbol it names.
func (s *Service) convertBySymbol(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	symbol, _ := m["symbol"].(string)
	if symbol == "" {
		return v
	}
	return s.table.ConvertResponse(symbol, m)
}

func (s *Service) Wallets(ctx context.Context, currency string) (Result, error) {
	res, err := s.wallets(ctx, currency)
	return res, s.observe("wallets", err)
}

func (s *Service) wallets(ctx context.Context, currency string) (Result, error) {
	t := target{market: core.Spot}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	q := symbolQuery("")
	if currency != "" {
		q.Set("currency", currency)
	}
	return s.read(ctx, t, contract.Positions, request{query: q}, func(v any) any {
		list, ok := v.([]any)
		if !ok {
			return v
		}
		out := make([]any, len(list))
		for i, w := range list {
			out[i] = w
			if m, ok := w.(map[string]any); ok {
				if cur, _ := m["currency"].(string); cur != "" {
					out[i] = s.table.ConvertCurrencyResponse(cur, m)
				}
			}
		}
		return out
	})
}

func (s *Service) OpenOrders(ctx context.Context, market, symbol string) (Result, error) {
	res, err := s.openOrders(ctx, market, symbol)
	return res, s.observe("open_orders", err)
}

func (s *Service) openOrders(ctx context.Context, market, symbol string) (Result, error) {
	t, err := s.resolve(market, symbol, true)
	if err != nil {
		return Result{}, err
	}
	return s.read(ctx, t, contract.OpenOrders, request{query: symbolQuery(t.symbol)}, func(v any) any {
		return s.convert(t, v)
	})
}

func (s *Service) OrderHistory(ctx context.Context, req HistoryRequest) (Result, error) {
	res, err := s.history(ctx, contract.OrderHistory, req)
	return res, s.observe("order_history", err)
}

func (s *Service) TradeHistory(ctx context.Context, req HistoryRequest) (Result, error) {
	res, err := s.history(ctx, contract.TradeHistory, req)
	return res, s.observe("trade_history", err)
}

func (s *Service) history(ctx context.Context, op contract.Operation, req HistoryRequest) (Result, error) {
	t, err := s.resolve(req.Market, req.Symbol, true)
	if err != nil {
		return Result{}, err
	}
	if req.Limit < 0 || req.Offset < 0 {
		return Result{}, fmt.Errorf("%w: limit and offset must not be negative", ErrInvalidRequest)
	}
	if req.Start > 0 && req.End > 0 && req.End < req.Start {
		return Result{}, fmt.Errorf("%w: end before start", ErrInvalidRequest)
	}
	q := symbolQuery(t.symbol)
	limit := req.Limit
	if limit == 0 {
		limit = 50
	}
	q.Set("limit", strconv.Itoa(limit))
	if req.Offset > 0 {
		q.Set("offset", strconv.Itoa(req.Offset))
	}
	if req.Start > 0 {
		q.Set("start", strconv.FormatInt(req.Start, 10))
	}
	if req.End > 0 {
		q.Set("end", strconv.FormatInt(req.End, 10))
	}
	return s.read(ctx, t, op, request{query: q}, func(v any) any {
		return s.convert(t, v)
	})
}

// Products lists the local scale table; it makes no exchange call.
func (s *Service) Products(market string) (Result, error) {
	res, err := s.products(market)
	return res, s.observe("products", err)
}

func (s *Service) products(market string) (Result, error) {
	var mt core.MarketType
	if strings.TrimSpace(market) != "" {
		parsed, err := contract.ParseMarketType(market)
		if err != nil {
			return Result{}, err
		}
		mt = parsed
	}
	if !s.table.Loaded() {
		err := scale.ErrNotLoaded
		if cause := s.table.Err(); cause != nil {
			err = fmt.Errorf("%w: %v", scale.ErrNotLoaded, cause)
		}
		return Result{}, err
	}
	infos := s.table.Symbols(mt)
	views := make([]ProductView, 0, len(infos))
	for _, info := range infos {
		v := ProductView{
			Symbol:         info.Symbol,
			Market:         info.MarketType,
			BaseCurrency:   info.BaseCurrency,
			QuoteCurrency:  info.QuoteCurrency,
			SettleCurrency: info.SettleCurrency,
			PriceScale:     info.PriceExp,
			RatioScale:     info.RatioExp,
			ValueScale:     info.ValueExp,
			ContractSize:   info.ContractSize.String(),
		}
		if !info.Rules.PriceTick.IsZero() {
			v.TickSize = info.Rules.PriceTick.String()
		}
		if !info.Rules.QtyStep.IsZero() {
			v.QtyStep = info.Rules.QtyStep.String()
		}
		if !info.Rules.MinQty.IsZero() {
			v.MinQty = info.Rules.MinQty.String()
		}
		views = append(views, v)
	}
	return Result{Market: mt, Data: views}, nil
}

// Convert exposes the scaler directly, without an exchange call.
func (s *Service) Convert(req ConvertRequest) (Result, error) {
	res, err := s.convertAmount(req)
	return res, s.observe("convert", err)
}

func (s *Service) convertAmount(req ConvertRequest) (Result, error) {
	amount := strings.TrimSpace(req.Amount)
	if amount == "" {
		return Result{}, fmt.Errorf("%w: amount is required", ErrInvalidRequest)
	}
	direction := strings.ToLower(strings.TrimSpace(req.Direction))
	if direction == "" {
		direction = "scale"
	}
	if direction != "scale" && direction != "unscale" {
		return Result{}, fmt.Errorf("%w: direction must be scale or unscale", ErrInvalidRequest)
	}
	kind := strings.ToLower(strings.TrimSpace(req.Kind))

	var (
		out string
		err error
	)
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	symbol := strings.TrimSpace(req.Symbol)
	switch {
	case currency != "":
		if kind != "" && kind != "value" {
			return Result{}, fmt.Errorf("%w: currencies only have a value scale", ErrInvalidRequest)
		}
		kind = "value"
		out, err = s.convertCurrency(currency, direction, amount)
	case symbol != "":
		if kind == "" {
			kind = "price"
		}
		out, err = s.convertSymbol(symbol, kind, direction, amount)
	default:
		return Result{}, fmt.Errorf("%w: symbol or currency is required", ErrInvalidRequest)
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Symbol: symbol, Data: map[string]any{
		"currency":  currency,
		"kind":      kind,
		"direction": direction,
		"input":     amount,
		"output":    out,
	}}, nil
}

func (s *Service) convertCurrency(currency, direction, amount string) (string, error) {
	if direction == "scale" {
		v, err := s.table.ScaleCurrencyAmount(currency, amount)
		return strconv.FormatInt(v, 10), err
	}
	raw, err := parseInt(amount)
	if err != nil {
		return "", err
	}
	return s.table.UnscaleCurrencyAmount(currency, raw)
}

func (s *Service) convertSymbol(symbol, kind, direction, amount string) (string, error) {
	type pair struct {
		scale   func(string, string) (int64, error)
		unscale func(string, int64) (string, error)
	}
	fns := map[string]pair{
		"price": {s.table.ScalePrice, s.table.UnscalePrice},
		"ratio": {s.table.ScaleRatio, s.table.UnscaleRatio},
		"value": {s.table.ScaleValue, s.table.UnscaleValue},
	}
	fn, ok := fns[kind]
	if !ok {
		return "", fmt.Errorf("%w: kind must be price, ratio or value", ErrInvalidRequest)
	}
	if direction == "scale" {
		v, err := fn.scale(symbol, amount)
		return strconv.FormatInt(v, 10), err
	}
	raw, err := parseInt(amount)
	if err != nil {
		return "", err
	}
	return fn.unscale(symbol, raw)
}

func parseInt(v string) (int64, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) && errors.Is(numErr.Err, strconv.ErrRange) {
			return 0, fmt.Errorf("%w: %s", scale.ErrOutOfRange, v)
		}
		return 0, fmt.Errorf("%w: %q is not an integer", ErrInvalidRequest, v)
	}
	return n, nil
}

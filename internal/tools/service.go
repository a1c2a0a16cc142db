// Package tools implements the callable operations shared by the MCP
// server and the CLI. Each tool routes through contract, scales inverse and
// spot amounts through scale, and calls the exchange transport.
package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"phemex-tools/internal/config"
	"phemex-tools/internal/contract"
	"phemex-tools/internal/core"
	"phemex-tools/internal/exchange"
	"phemex-tools/internal/logging"
	"phemex-tools/internal/metrics"
	"phemex-tools/internal/notify"
	"phemex-tools/internal/safety"
	"phemex-tools/internal/scale"
)

var (
	ErrConfirmationRequired = errors.New("confirmation required")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrLeverageTooHigh      = errors.New("leverage above configured maximum")
)

// maxClOrdIDLen is the exchange limit for client order ids.
const maxClOrdIDLen = 40

// Result is what every tool returns. Data holds the exchange payload with
// fixed-point fields already converted.
type Result struct {
	Market   core.MarketType `json:"market,omitempty"`
	Symbol   string          `json:"symbol,omitempty"`
	Endpoint string          `json:"endpoint,omitempty"`
	Warning  string          `json:"warning,omitempty"`
	Data     any             `json:"data"`
}

// ConfirmationError carries the request that would have been sent.
type ConfirmationError struct {
	Tool    string
	Preview Preview
}

func (e *ConfirmationError) Error() string {
	return fmt.Sprintf("%s: %s would send %s %s; repeat with confirm=true to execute",
		ErrConfirmationRequired, e.Tool, e.Preview.Method, e.Preview.Path)
}

func (e *ConfirmationError) Unwrap() error { return ErrConfirmationRequired }

// Preview is the wire form of a request.
type Preview struct {
	Method string         `json:"method"`
	Path   string         `json:"path"`
	Query  map[string]any `json:"query,omitempty"`
	Body   map[string]any `json:"body,omitempty"`
}

type Options struct {
	Transport         exchange.Transport
	Table             *scale.Table
	Breaker           *safety.Breaker
	Alerts            notify.Alerter
	Metrics           *metrics.Metrics
	Logger            *logging.Log
	DefaultMarket     core.MarketType
	RequireConfirm    bool
	MaxLeverage       decimal.Decimal
	ClientOrderPrefix string
}

// Service is safe for concurrent use; it holds only read-only state and
// components that synchronize themselves.
type Service struct {
	transport      exchange.Transport
	table          *scale.Table
	breaker        *safety.Breaker
	alerts         notify.Alerter
	metrics        *metrics.Metrics
	log            *logging.Entry
	defaultMarket  core.MarketType
	requireConfirm bool
	maxLeverage    decimal.Decimal
	clOrdPrefix    string
	newID          func() string
}

func New(opts Options) *Service {
	mt := opts.DefaultMarket
	if !mt.Valid() {
		mt = core.Linear
	}
	return &Service{
		transport:      opts.Transport,
		table:          opts.Table,
		breaker:        opts.Breaker,
		alerts:         opts.Alerts,
		metrics:        opts.Metrics,
		log:            opts.Logger.WithComponent("tools"),
		defaultMarket:  mt,
		requireConfirm: opts.RequireConfirm,
		maxLeverage:    opts.MaxLeverage,
		clOrdPrefix:    opts.ClientOrderPrefix,
		newID:          func() string { return uuid.NewString() },
	}
}

func FromConfig(cfg config.Config, transport exchange.Transport, table *scale.Table, breaker *safety.Breaker, alerts notify.Alerter, m *metrics.Metrics, log *logging.Log) *Service {
	mt, err := contract.ParseMarketType(cfg.Trading.DefaultMarket)
	if err != nil {
		mt = core.Linear
	}
	requireConfirm := true
	if cfg.Trading.RequireConfirm != nil {
		requireConfirm = *cfg.Trading.RequireConfirm
	}
	prefix := cfg.Trading.ClientOrderPrefix
	if prefix != "" && !strings.HasSuffix(prefix, "-") && !strings.HasSuffix(prefix, "_") {
		prefix += "-"
	}
	return New(Options{
		Transport:         transport,
		Table:             table,
		Breaker:           breaker,
		Alerts:            alerts,
		Metrics:           m,
		Logger:            log,
		DefaultMarket:     mt,
		RequireConfirm:    requireConfirm,
		MaxLeverage:       cfg.Trading.MaxLeverage.Decimal,
		ClientOrderPrefix: prefix,
	})
}

func (s *Service) Table() *scale.Table { return s.table }

func (s *Service) DefaultMarket() core.MarketType { return s.defaultMarket }

// target is the resolved market and symbol of one call.
type target struct {
	market  core.MarketType
	symbol  string
	warning string
}

func (s *Service) resolve(market, symbol string, needSymbol bool) (target, error) {
	mt := s.defaultMarket
	if strings.TrimSpace(market) != "" {
		parsed, err := contract.ParseMarketType(market)
		if err != nil {
			return target{}, err
		}
		mt = parsed
	}
	sym := contract.ResolveSymbol(mt, upperSymbol(symbol))
	if mt == core.Spot {
		sym = s.resolveSpot(symbol, sym)
	}
	if needSymbol && sym == "" {
		return target{}, fmt.Errorf("%w: symbol is required", ErrInvalidRequest)
	}
	t := target{market: mt, symbol: sym}
	if sym != "" {
		t.warning = contract.ValidateSymbol(mt, sym)
	}
	return t, nil
}

// request is one exchange call before it is sent.
type request struct {
	method string
	path   string
	query  url.Values
	body   map[string]any
	// marketData selects the {error,result} envelope.
	marketData bool
}

func (r request) preview() Preview {
	p := Preview{Method: r.method, Path: r.path, Body: r.body}
	if len(r.query) > 0 {
		p.Query = make(map[string]any, len(r.query))
		for k, v := range r.query {
			if len(v) == 1 {
				p.Query[k] = v[0]
			} else {
				p.Query[k] = v
			}
		}
	}
	return p
}

func (s *Service) send(ctx context.Context, r request) (any, error) {
	if s.transport == nil {
		return nil, errors.New("no exchange transport configured")
	}
	var (
		resp exchange.Response
		err  error
	)
	switch {
	case r.marketData:
		resp, err = s.transport.MarketData(ctx, r.path, r.query)
	case r.method == http.MethodGet:
		resp, err = s.transport.Get(ctx, r.path, r.query)
	case r.method == http.MethodPost:
		var body any
		if r.body != nil {
			body = r.body
		}
		resp, err = s.transport.Post(ctx, r.path, r.query, body)
	case r.method == http.MethodPut:
		resp, err = s.transport.PutWithQuery(ctx, r.path, r.query)
	case r.method == http.MethodDelete:
		resp, err = s.transport.Delete(ctx, r.path, r.query)
	default:
		return nil, fmt.Errorf("unsupported method %s", r.method)
	}
	if err != nil {
		return nil, err
	}
	return resp.Value()
}

// confirm enforces the confirmation policy for write tools.
func (s *Service) confirm(tool string, confirmed bool, r request) error {
	if !s.requireConfirm || confirmed {
		return nil
	}
	return &ConfirmationError{Tool: tool, Preview: r.preview()}
}

// observe records the tool outcome and returns err unchanged.
func (s *Service) observe(tool string, err error) error {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrConfirmationRequired):
		result = "confirm"
	case errors.Is(err, safety.ErrCircuitOpen):
		result = "circuit_open"
	default:
		result = "error"
	}
	s.metrics.ToolCall(tool, result)
	if err != nil && result == "error" {
		s.log.WithError(err).WithFields(logging.Fields{"tool": tool}).Warn("tool failed")
	}
	return err
}

func (s *Service) audit(event string, t target, fields map[string]string) {
	out := map[string]string{
		"market": string(t.market),
		"symbol": t.symbol,
	}
	for k, v := range fields {
		if v != "" {
			out[k] = v
		}
	}
	s.log.WithFields(logging.Fields{"event": event, "market": string(t.market), "symbol": t.symbol}).Info("trade action")
	if s.alerts != nil {
		s.alerts.Important(event, out)
	}
}

// convert rewrites fixed-point fields of a symbol-scoped payload.
func (s *Service) convert(t target, v any) any {
	if !contract.UsesFixedPoint(t.market) || t.symbol == "" {
		return v
	}
	return s.table.ConvertResponse(t.symbol, v)
}

// checkScale refuses a symbol-scoped inverse or spot call whose payload
// could not be converted, so raw fixed-point values never reach callers.
func (s *Service) checkScale(t target) error {
	if !contract.UsesFixedPoint(t.market) || t.symbol == "" {
		return nil
	}
	_, err := s.requireScale(t)
	return err
}

// requireScale fails early when an inverse or spot call needs the table.
func (s *Service) requireScale(t target) (scale.ScaleInfo, error) {
	info, ok := s.table.Symbol(t.symbol)
	if ok {
		return info, nil
	}
	if !s.table.Loaded() {
		err := fmt.Errorf("%w for %s: %w", scale.ErrNoScaleInfo, t.symbol, scale.ErrNotLoaded)
		if cause := s.table.Err(); cause != nil {
			err = fmt.Errorf("%w (%v)", err, cause)
		}
		return scale.ScaleInfo{}, err
	}
	return scale.ScaleInfo{}, fmt.Errorf("%w for %s", scale.ErrNoScaleInfo, t.symbol)
}

func (s *Service) clientOrderID(given string) string {
	if given = strings.TrimSpace(given); given != "" {
		return given
	}
	id := strings.ReplaceAll(s.newID(), "-", "")
	if s.clOrdPrefix != "" {
		id = s.clOrdPrefix + id
	}
	if len(id) > maxClOrdIDLen {
		id = id[:maxClOrdIDLen]
	}
	return id
}

// resolveSpot handles a spot prefix typed in the wrong case ("sbtcusdt",
// "SBTCUSDT"): when the default resolution is unknown but the input with its
// first letter read as the prefix is listed, the listed symbol wins.
func (s *Service) resolveSpot(raw, resolved string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) < 2 || (raw[0] != 's' && raw[0] != 'S') {
		return resolved
	}
	if _, ok := s.table.Symbol(resolved); ok {
		return resolved
	}
	prefixed := contract.SpotPrefix + strings.ToUpper(raw[1:])
	if _, ok := s.table.Symbol(prefixed); ok {
		return prefixed
	}
	return resolved
}

// upperSymbol uppercases a symbol but keeps a spot "s" prefix when the rest
// is already uppercase ("sBTCUSDT" stays, "solusdt" becomes "SOLUSDT").
func upperSymbol(symbol string) string {
	symbol = strings.TrimSpace(symbol)
	if rest, ok := strings.CutPrefix(symbol, contract.SpotPrefix); ok && rest != "" && rest == strings.ToUpper(rest) {
		return symbol
	}
	return strings.ToUpper(symbol)
}

func parseDecimal(field, v string) (decimal.Decimal, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s %q is not a decimal", ErrInvalidRequest, field, v)
	}
	return d, nil
}

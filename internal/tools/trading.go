package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"phemex-tools/internal/contract"
	"phemex-tools/internal/core"
	"phemex-tools/internal/safety"
	"phemex-tools/internal/scale"
)

// TransferPath moves funds between the futures and spot wallets.
const TransferPath = "/assets/transfer"

type PlaceOrderRequest struct {
	Market      string
	Symbol      string
	Side        string
	Type        string
	Qty         string
	Price       string
	QtyType     string
	TimeInForce string
	PosSide     string
	ReduceOnly  bool
	ClientID    string
	Confirm     bool
}

type AmendOrderRequest struct {
	Market   string
	Symbol   string
	OrderID  string
	ClientID string
	Price    string
	Qty      string
	PosSide  string
	Confirm  bool
}

type CancelOrderRequest struct {
	Market   string
	Symbol   string
	OrderID  string
	ClientID string
	PosSide  string
	Confirm  bool
}

type CancelAllRequest struct {
	Market          string
	Symbol          string
	UntriggeredOnly bool
	Confirm         bool
}

type LeverageRequest struct {
	Market   string
	Symbol   string
	Leverage string
	// LongLeverage and ShortLeverage set hedged-mode linear positions.
	LongLeverage  string
	ShortLeverage string
	Confirm       bool
}

type PosModeRequest struct {
	Market  string
	Symbol  string
	Mode    string
	Confirm bool
}

type TransferRequest struct {
	Currency  string
	Amount    string
	Direction string // futures_to_spot or spot_to_futures
	Confirm   bool
}

// Transfer directions and their moveOp codes.
const (
	FuturesToSpot = "futures_to_spot"
	SpotToFutures = "spot_to_futures"
)

// write runs a prepared write request: confirmation, breaker, send,
// conversion and audit.
func (s *Service) write(ctx context.Context, tool string, t target, r request, action safety.Action, audit map[string]string, confirmed bool) (Result, error) {
	if err := s.checkScale(t); err != nil {
		return Result{}, err
	}
	if err := s.confirm(tool, confirmed, r); err != nil {
		return Result{}, err
	}
	var data any
	send := func() error {
		var err error
		data, err = s.send(ctx, r)
		return err
	}
	var err error
	if action != "" {
		err = s.breaker.Guard(action, send)
	} else {
		err = send()
	}
	if err != nil {
		return Result{}, err
	}
	s.audit(tool, t, audit)
	return Result{Market: t.market, Symbol: t.symbol, Endpoint: r.path, Warning: t.warning, Data: s.convert(t, data)}, nil
}

func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (Result, error) {
	res, err := s.placeOrder(ctx, req)
	return res, s.observe("place_order", err)
}

func (s *Service) placeOrder(ctx context.Context, req PlaceOrderRequest) (Result, error) {
	t, err := s.resolve(req.Market, req.Symbol, true)
	if err != nil {
		return Result{}, err
	}
	path, err := contract.Route(t.market, contract.PlaceOrder)
	if err != nil {
		return Result{}, err
	}
	order, err := s.buildOrder(t, req)
	if err != nil {
		return Result{}, err
	}

	var r request
	switch t.market {
	case core.Linear:
		r = s.linearOrder(path, order)
	case core.Inverse:
		r, err = s.inverseOrder(t, path, order)
	case core.Spot:
		r, err = s.spotOrder(t, path, order)
	}
	if err != nil {
		return Result{}, err
	}
	return s.write(ctx, "place_order", t, r, safety.ActionPlace, map[string]string{
		"side":     string(order.Side),
		"type":     string(order.Type),
		"qty":      order.Qty.String(),
		"qty_type": string(order.QtyType),
		"price":    priceField(order),
		"clOrdID":  order.ClientID,
	}, req.Confirm)
}

func priceField(o core.Order) string {
	if o.Type == core.Market {
		return ""
	}
	return o.Price.String()
}

func (s *Service) buildOrder(t target, req PlaceOrderRequest) (core.Order, error) {
	side, ok := core.ParseSide(req.Side)
	if !ok {
		return core.Order{}, fmt.Errorf("%w: side must be Buy or Sell", ErrInvalidRequest)
	}
	ordType, ok := core.ParseOrderType(req.Type)
	if !ok {
		return core.Order{}, fmt.Errorf("%w: type must be Limit or Market", ErrInvalidRequest)
	}
	tif, ok := core.ParseTimeInForce(req.TimeInForce)
	if !ok {
		return core.Order{}, fmt.Errorf("%w: unknown time_in_force %q", ErrInvalidRequest, req.TimeInForce)
	}
	posSide, ok := core.ParsePosSide(req.PosSide)
	if !ok {
		return core.Order{}, fmt.Errorf("%w: pos_side must be Merged, Long or Short", ErrInvalidRequest)
	}
	qtyType, ok := core.ParseQtyType(req.QtyType)
	if !ok {
		return core.Order{}, fmt.Errorf("%w: qty_type must be ByBase or ByQuote", ErrInvalidRequest)
	}
	qty, err := parseDecimal("qty", req.Qty)
	if err != nil {
		return core.Order{}, err
	}
	price, err := parseDecimal("price", req.Price)
	if err != nil {
		return core.Order{}, err
	}
	order := core.Order{
		Symbol:      t.symbol,
		Side:        side,
		Type:        ordType,
		Price:       price,
		Qty:         qty,
		QtyType:     qtyType,
		TimeInForce: tif,
		PosSide:     posSide,
		ReduceOnly:  req.ReduceOnly,
		ClientID:    s.clientOrderID(req.ClientID),
	}
	if ordType == core.Market && tif == core.GoodTillCancel {
		order.TimeInForce = core.ImmediateOrCancel
	}

	var rules core.Rules
	if info, ok := s.table.Symbol(t.symbol); ok {
		rules = info.Rules
	}
	if t.market == core.Spot && qtyType == core.ByQuote {
		// Quote amounts are not bound to the base lot size.
		rules.QtyStep = decimal.Zero
		rules.MinQty = decimal.Zero
	}
	normalized, err := core.NormalizeOrder(order, rules)
	if err != nil {
		return core.Order{}, fmt.Errorf("%w: %w (qty must be > 0 after rounding to the lot size; limit orders need price > 0)", ErrInvalidRequest, err)
	}
	return normalized, nil
}

func (s *Service) linearOrder(path string, o core.Order) request {
	q := url.Values{}
	q.Set("clOrdID", o.ClientID)
	q.Set("symbol", o.Symbol)
	q.Set("side", string(o.Side))
	q.Set("ordType", string(o.Type))
	q.Set("orderQtyRq", o.Qty.String())
	if o.Type == core.Limit {
		q.Set("priceRp", o.Price.String())
	}
	q.Set("timeInForce", string(o.TimeInForce))
	q.Set("posSide", string(o.PosSide))
	if o.ReduceOnly {
		q.Set("reduceOnly", "true")
	}
	return request{method: http.MethodPut, path: path, query: q}
}

func (s *Service) inverseOrder(t target, path string, o core.Order) (request, error) {
	info, err := s.requireScale(t)
	if err != nil {
		return request{}, err
	}
	if !o.Qty.IsInteger() {
		return request{}, fmt.Errorf("%w: inverse qty is a whole number of contracts (contract size %s)", ErrInvalidRequest, info.ContractSize.String())
	}
	body := map[string]any{
		"clOrdID":     o.ClientID,
		"symbol":      o.Symbol,
		"side":        string(o.Side),
		"ordType":     string(o.Type),
		"orderQty":    o.Qty.IntPart(),
		"timeInForce": string(o.TimeInForce),
	}
	if o.Type == core.Limit {
		priceEp, err := s.table.ScalePrice(o.Symbol, o.Price.String())
		if err != nil {
			return request{}, err
		}
		body["priceEp"] = priceEp
	}
	if o.PosSide != core.PosMerged {
		body["posSide"] = string(o.PosSide)
	}
	if o.ReduceOnly {
		body["reduceOnly"] = true
	}
	return request{method: http.MethodPost, path: path, body: body}, nil
}

func (s *Service) spotOrder(t target, path string, o core.Order) (request, error) {
	info, err := s.requireScale(t)
	if err != nil {
		return request{}, err
	}
	body := map[string]any{
		"clOrdID":     o.ClientID,
		"symbol":      o.Symbol,
		"side":        string(o.Side),
		"ordType":     string(o.Type),
		"qtyType":     string(o.QtyType),
		"timeInForce": string(o.TimeInForce),
	}
	if o.QtyType == core.ByQuote {
		v, err := s.spotAmount(info, info.QuoteCurrency, o.Qty)
		if err != nil {
			return request{}, err
		}
		body["quoteQtyEv"] = v
	} else {
		v, err := s.spotAmount(info, info.BaseCurrency, o.Qty)
		if err != nil {
			return request{}, err
		}
		body["baseQtyEv"] = v
	}
	if o.Type == core.Limit {
		priceEp, err := s.table.ScalePrice(o.Symbol, o.Price.String())
		if err != nil {
			return request{}, err
		}
		body["priceEp"] = priceEp
	}
	return request{method: http.MethodPost, path: path, body: body}, nil
}

// spotAmount scales a spot quantity by its currency, falling back to the
// product's own value scale when the currency is not listed. A positive
// quantity that rounds to zero is refused.
func (s *Service) spotAmount(info scale.ScaleInfo, currency string, qty decimal.Decimal) (int64, error) {
	var (
		v   int64
		err error
	)
	if _, ok := s.table.Currency(currency); currency != "" && ok {
		v, err = s.table.ScaleCurrencyAmount(currency, qty.String())
	} else {
		v, err = s.table.ScaleValue(info.Symbol, qty.String())
	}
	if err != nil {
		return 0, err
	}
	if v == 0 && !qty.IsZero() {
		return 0, fmt.Errorf("%w: qty %s is below the smallest %s unit", ErrInvalidRequest, qty.String(), info.Symbol)
	}
	return v, nil
}

func (s *Service) AmendOrder(ctx context.Context, req AmendOrderRequest) (Result, error) {
	res, err := s.amendOrder(ctx, req)
	return res, s.observe("amend_order", err)
}

func (s *Service) amendOrder(ctx context.Context, req AmendOrderRequest) (Result, error) {
	t, err := s.resolve(req.Market, req.Symbol, true)
	if err != nil {
		return Result{}, err
	}
	path, err := contract.Route(t.market, contract.AmendOrder)
	if err != nil {
		return Result{}, err
	}
	q, err := orderRef(t.symbol, req.OrderID, req.ClientID, "origClOrdID")
	if err != nil {
		return Result{}, err
	}
	price, err := parseDecimal("price", req.Price)
	if err != nil {
		return Result{}, err
	}
	qty, err := parseDecimal("qty", req.Qty)
	if err != nil {
		return Result{}, err
	}
	if price.IsZero() && qty.IsZero() {
		return Result{}, fmt.Errorf("%w: amend needs a new price or qty", ErrInvalidRequest)
	}
	if price.IsNegative() || qty.IsNegative() {
		return Result{}, fmt.Errorf("%w: price and qty must be positive", ErrInvalidRequest)
	}

	switch t.market {
	case core.Linear:
		if !price.IsZero() {
			q.Set("priceRp", price.String())
		}
		if !qty.IsZero() {
			q.Set("orderQtyRq", qty.String())
		}
		posSide, ok := core.ParsePosSide(req.PosSide)
		if !ok {
			return Result{}, fmt.Errorf("%w: pos_side must be Merged, Long or Short", ErrInvalidRequest)
		}
		q.Set("posSide", string(posSide))
	case core.Inverse, core.Spot:
		info, err := s.requireScale(t)
		if err != nil {
			return Result{}, err
		}
		if !price.IsZero() {
			ep, err := s.table.ScalePrice(t.symbol, price.String())
			if err != nil {
				return Result{}, err
			}
			q.Set("priceEp", strconv.FormatInt(ep, 10))
		}
		if !qty.IsZero() {
			if t.market == core.Inverse {
				if !qty.IsInteger() {
					return Result{}, fmt.Errorf("%w: inverse qty is a whole number of contracts", ErrInvalidRequest)
				}
				q.Set("orderQty", qty.String())
			} else {
				ev, err := s.spotAmount(info, info.BaseCurrency, qty)
				if err != nil {
					return Result{}, err
				}
				q.Set("baseQtyEv", strconv.FormatInt(ev, 10))
			}
		}
	}
	r := request{method: http.MethodPut, path: path, query: q}
	return s.write(ctx, "amend_order", t, r, safety.ActionPlace, map[string]string{
		"order_id": req.OrderID,
		"clOrdID":  req.ClientID,
		"price":    req.Price,
		"qty":      req.Qty,
	}, req.Confirm)
}

// orderRef identifies an existing order by exchange id or client id.
func orderRef(symbol, orderID, clientID, clientKey string) (url.Values, error) {
	q := symbolQuery(symbol)
	orderID = strings.TrimSpace(orderID)
	clientID = strings.TrimSpace(clientID)
	switch {
	case orderID != "":
		q.Set("orderID", orderID)
	case clientID != "":
		q.Set(clientKey, clientID)
	default:
		return nil, fmt.Errorf("%w: order_id or client_id is required", ErrInvalidRequest)
	}
	return q, nil
}

func (s *Service) CancelOrder(ctx context.Context, req CancelOrderRequest) (Result, error) {
	res, err := s.cancelOrder(ctx, req)
	return res, s.observe("cancel_order", err)
}

func (s *Service) cancelOrder(ctx context.Context, req CancelOrderRequest) (Result, error) {
	t, err := s.resolve(req.Market, req.Symbol, true)
	if err != nil {
		return Result{}, err
	}
	path, err := contract.Route(t.market, contract.CancelOrder)
	if err != nil {
		return Result{}, err
	}
	q, err := orderRef(t.symbol, req.OrderID, req.ClientID, "clOrdID")
	if err != nil {
		return Result{}, err
	}
	if t.market == core.Linear {
		posSide, ok := core.ParsePosSide(req.PosSide)
		if !ok {
			return Result{}, fmt.Errorf("%w: pos_side must be Merged, Long or Short", ErrInvalidRequest)
		}
		q.Set("posSide", string(posSide))
	}
	r := request{method: http.MethodDelete, path: path, query: q}
	return s.write(ctx, "cancel_order", t, r, safety.ActionCancel, map[string]string{
		"order_id": req.OrderID,
		"clOrdID":  req.ClientID,
	}, req.Confirm)
}

func (s *Service) CancelAll(ctx context.Context, req CancelAllRequest) (Result, error) {
	res, err := s.cancelAll(ctx, req)
	return res, s.observe("cancel_all", err)
}

func (s *Service) cancelAll(ctx context.Context, req CancelAllRequest) (Result, error) {
	t, err := s.resolve(req.Market, req.Symbol, true)
	if err != nil {
		return Result{}, err
	}
	path, err := contract.Route(t.market, contract.CancelAll)
	if err != nil {
		return Result{}, err
	}
	q := symbolQuery(t.symbol)
	q.Set("untriggered", strconv.FormatBool(req.UntriggeredOnly))
	r := request{method: http.MethodDelete, path: path, query: q}
	return s.write(ctx, "cancel_all", t, r, safety.ActionCancel, map[string]string{
		"untriggered": strconv.FormatBool(req.UntriggeredOnly),
	}, req.Confirm)
}

func (s *Service) SetLeverage(ctx context.Context, req LeverageRequest) (Result, error) {
	res, err := s.setLeverage(ctx, req)
	return res, s.observe("set_leverage", err)
}

func (s *Service) setLeverage(ctx context.Context, req LeverageRequest) (Result, error) {
	t, err := s.resolve(req.Market, req.Symbol, true)
	if err != nil {
		return Result{}, err
	}
	path, err := contract.Route(t.market, contract.SetLeverage)
	if err != nil {
		return Result{}, err
	}
	lev, err := parseDecimal("leverage", req.Leverage)
	if err != nil {
		return Result{}, err
	}
	long, err := parseDecimal("long_leverage", req.LongLeverage)
	if err != nil {
		return Result{}, err
	}
	short, err := parseDecimal("short_leverage", req.ShortLeverage)
	if err != nil {
		return Result{}, err
	}
	hedged := !long.IsZero() || !short.IsZero()
	if strings.TrimSpace(req.Leverage) == "" && !hedged {
		return Result{}, fmt.Errorf("%w: leverage is required", ErrInvalidRequest)
	}
	for _, v := range []decimal.Decimal{lev, long, short} {
		if err := s.checkLeverage(v); err != nil {
			return Result{}, err
		}
	}

	q := symbolQuery(t.symbol)
	switch t.market {
	case core.Linear:
		if hedged {
			if long.IsZero() || short.IsZero() {
				return Result{}, fmt.Errorf("%w: hedged leverage needs both long_leverage and short_leverage", ErrInvalidRequest)
			}
			q.Set("longLeverageRr", long.String())
			q.Set("shortLeverageRr", short.String())
		} else {
			q.Set("leverageRr", lev.String())
		}
	case core.Inverse:
		if hedged {
			return Result{}, fmt.Errorf("%w: inverse contracts take a single leverage", ErrInvalidRequest)
		}
		if _, err := s.requireScale(t); err != nil {
			return Result{}, err
		}
		er, err := s.table.ScaleRatio(t.symbol, lev.String())
		if err != nil {
			return Result{}, err
		}
		q.Set("leverageEr", strconv.FormatInt(er, 10))
	}
	r := request{method: http.MethodPut, path: path, query: q}
	return s.write(ctx, "set_leverage", t, r, "", map[string]string{
		"leverage":       req.Leverage,
		"long_leverage":  req.LongLeverage,
		"short_leverage": req.ShortLeverage,
	}, req.Confirm)
}

// checkLeverage enforces trading.max_leverage. Zero (cross margin) always
// passes; the sign is ignored.
func (s *Service) checkLeverage(v decimal.Decimal) error {
	if s.maxLeverage.IsZero() || v.IsZero() {
		return nil
	}
	if v.Abs().GreaterThan(s.maxLeverage) {
		return fmt.Errorf("%w: %s > %s", ErrLeverageTooHigh, v.Abs().String(), s.maxLeverage.String())
	}
	return nil
}

func (s *Service) SwitchPosMode(ctx context.Context, req PosModeRequest) (Result, error) {
	res, err := s.switchPosMode(ctx, req)
	return res, s.observe("switch_pos_mode", err)
}

func (s *Service) switchPosMode(ctx context.Context, req PosModeRequest) (Result, error) {
	t, err := s.resolve(req.Market, req.Symbol, true)
	if err != nil {
		return Result{}, err
	}
	path, err := contract.Route(t.market, contract.SwitchPosMode)
	if err != nil {
		return Result{}, err
	}
	mode, ok := core.ParsePosMode(req.Mode)
	if !ok {
		return Result{}, fmt.Errorf("%w: mode must be OneWay or Hedged", ErrInvalidRequest)
	}
	q := symbolQuery(t.symbol)
	q.Set("targetPosMode", string(mode))
	r := request{method: http.MethodPut, path: path, query: q}
	return s.write(ctx, "switch_pos_mode", t, r, "", map[string]string{"mode": string(mode)}, req.Confirm)
}

func (s *Service) Transfer(ctx context.Context, req TransferRequest) (Result, error) {
	res, err := s.transfer(ctx, req)
	return res, s.observe("transfer", err)
}

func (s *Service) transfer(ctx context.Context, req TransferRequest) (Result, error) {
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		return Result{}, fmt.Errorf("%w: currency is required", ErrInvalidRequest)
	}
	var moveOp int
	switch strings.ToLower(strings.TrimSpace(req.Direction)) {
	case FuturesToSpot, "to_spot":
		moveOp = 1
	case SpotToFutures, "to_futures":
		moveOp = 2
	default:
		return Result{}, fmt.Errorf("%w: direction must be %s or %s", ErrInvalidRequest, FuturesToSpot, SpotToFutures)
	}
	amount, err := parseDecimal("amount", req.Amount)
	if err != nil {
		return Result{}, err
	}
	if !amount.IsPositive() {
		return Result{}, fmt.Errorf("%w: amount must be > 0", ErrInvalidRequest)
	}
	amountEv, err := s.table.ScaleCurrencyAmount(currency, amount.String())
	if err != nil {
		return Result{}, err
	}
	if amountEv == 0 {
		return Result{}, fmt.Errorf("%w: amount %s is below the smallest %s unit", ErrInvalidRequest, amount.String(), currency)
	}
	r := request{method: http.MethodPost, path: TransferPath, body: map[string]any{
		"currency": currency,
		"amountEv": amountEv,
		"moveOp":   moveOp,
	}}
	t := target{market: core.Spot}
	res, err := s.write(ctx, "transfer", t, r, "", map[string]string{
		"currency":  currency,
		"amount":    amount.String(),
		"direction": req.Direction,
	}, req.Confirm)
	if err != nil {
		return Result{}, err
	}
	res.Market = ""
	res.Data = s.table.ConvertCurrencyResponse(currency, res.Data)
	return res, nil
}

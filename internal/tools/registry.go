package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

type ParamType string

const (
	ParamString ParamType = "string"
	ParamNumber ParamType = "number"
	ParamBool   ParamType = "boolean"
)

type Param struct {
	Name        string
	Type        ParamType
	Required    bool
	Description string
	Enum        []string
}

// Descriptor describes one tool for both the MCP server and the CLI.
type Descriptor struct {
	Name        string
	Description string
	// Write tools change exchange state and honor the confirmation policy.
	Write  bool
	Params []Param
	call   func(ctx context.Context, s *Service, a Args) (Result, error)
}

var (
	paramMarket   = Param{Name: "market", Type: ParamString, Description: "Market type; defaults to the configured market.", Enum: []string{"linear", "inverse", "spot"}}
	paramSymbol   = Param{Name: "symbol", Type: ParamString, Required: true, Description: "Symbol, e.g. BTCUSDT (linear), BTCUSD (inverse), BTCUSDT or sBTCUSDT (spot)."}
	paramConfirm  = Param{Name: "confirm", Type: ParamBool, Description: "Execute the request. Without it a preview is returned when confirmation is required."}
	paramOrderID  = Param{Name: "order_id", Type: ParamString, Description: "Exchange order id."}
	paramClientID = Param{Name: "client_id", Type: ParamString, Description: "Client order id (clOrdID)."}
	paramPosSide  = Param{Name: "pos_side", Type: ParamString, Description: "Linear position side.", Enum: []string{"Merged", "Long", "Short"}}
	paramCurrency = Param{Name: "currency", Type: ParamString, Description: "Settlement currency, e.g. USDT or BTC."}
)

func historyParams() []Param {
	return []Param{
		paramMarket, paramSymbol,
		{Name: "limit", Type: ParamNumber, Description: "Rows per page (default 50)."},
		{Name: "offset", Type: ParamNumber, Description: "Rows to skip."},
		{Name: "start", Type: ParamNumber, Description: "Start time, unix milliseconds."},
		{Name: "end", Type: ParamNumber, Description: "End time, unix milliseconds."},
	}
}

func historyRequest(a Args) (HistoryRequest, error) {
	limit, err := a.Int("limit")
	if err != nil {
		return HistoryRequest{}, err
	}
	offset, err := a.Int("offset")
	if err != nil {
		return HistoryRequest{}, err
	}
	start, err := a.Int64("start")
	if err != nil {
		return HistoryRequest{}, err
	}
	end, err := a.Int64("end")
	if err != nil {
		return HistoryRequest{}, err
	}
	return HistoryRequest{Market: a.String("market"), Symbol: a.String("symbol"), Limit: limit, Offset: offset, Start: start, End: end}, nil
}

var descriptors = []Descriptor{
	{
		Name:        "ticker",
		Description: "24h ticker for a symbol.",
		Params:      []Param{paramMarket, paramSymbol},
		call: func(ctx context.Context, s *Service, a Args) (Result, error) {
			return s.Ticker(ctx, a.String("market"), a.String("symbol"))
		},
	},
	{
		Name:        "orderbook",
		Description: "Order book snapshot for a symbol.",
		Params:      []Param{paramMarket, paramSymbol},
		call: func(ctx context.Context, s *Service, a Args) (Result, error) {
			return s.Orderbook(ctx, a.String("market"), a.String("symbol"))
		},
	},
	{
		Name:        "klines",
		Description: "Recent candlesticks for a symbol.",
		Params: []Param{paramMarket, paramSymbol,
			{Name: "resolution", Type: ParamNumber, Description: "Candle size in seconds (60, 300, 900, 1800, 3600, 14400, 86400, ...). Default 3600."},
			{Name: "limit", Type: ParamNumber, Description: "Number of candles (5, 10, 50, 100, 500 or 1000). Default 100."},
		},
		call: func(ctx context.Context, s *Service, a Args) (Result, error) {
			resolution, err := a.Int("resolution")
			if err != nil {
				return Result{}, err
			}
			limit, err := a.Int("limit")
			if err != nil {
				return Result{}, err
			}
			return s.Klines(ctx, KlinesRequest{Market: a.String("market"), Symbol: a.String("symbol"), Resolution: resolution, Limit: limit})
		},
	},
	{
		Name:        "recent_trades",
		Description: "Recent public trades for a symbol.",
		Params:      []Param{paramMarket, paramSymbol},
		call: func(ctx context.Context, s *Service, a Args) (Result, error) {
			return s.RecentTrades(ctx, a.String("market"), a.String("symbol"))
		},
	},
	{
		Name:        "funding_rate",
		Description: "Funding rate history for a perpetual (linear or inverse).",
		Params:      []Param{paramMarket, paramSymbol, {Name: "limit", Type: ParamNumber, Description: "Rows to return."}},
		call: func(ctx context.Context, s *Service, a Args) (Result, error) {
			limit, err := a.Int("limit")
			if err != nil {
				return Result{}, err
			}
			return s.FundingRate(ctx, FundingRateRequest{Market: a.String("market"), Symbol: a.String("symbol"), Limit: limit})
		},
	},
	{
		Name:        "account",
		Description: "Futures account balance and positions.",
		Params:      []Param{paramMarket, paramCurrency},
		call: func(ctx context.Context, s *Service, a Args) (Result, error) {
			return s.Account(ctx, a.String("market"), a.String("currency"))
		},
	},
	{
		Name:        "positions",
		Description: "Open positions (futures) or wallet balances (spot).",
		Params:      []Param{paramMarket, paramCurrency},
		call: func(ctx context.Context, s *Service, a Args) (Result, error) {
			return s.Positions(ctx, a.String("market"), a.String("currency"))
		},
	},
	{
		Name:        "wallets",
		Description: "Spot wallet balances.",
		Params:      []Param{{Name: "currency", Type: ParamString, Description: "Only this currency."}},
		call: func(ctx context.Context, s *Service, a Args) (Result, error) {
			return s.Wallets(ctx, a.String("currency"))
		},
	},
	{
		Name:        "open_orders",
		Description: "Open orders for a symbol.",
		Params:      []Param{paramMarket, paramSymbol},
		call: func(ctx context.Context, s *Service, a Args) (Result, error) {
			return s.OpenOrders(ctx, a.String("market"), a.String("symbol"))
		},
	},
	{
		Name:        "order_history",
		Description: "Closed and filled orders for a symbol.",
		Params:      historyParams(),
		call: func(ctx context.Context, s *Service, a Args) (Result, error) {
			req, err := historyRequest(a)
			if err != nil {
				return Result{}, err
			}
			return s.OrderHistory(ctx, req)
		},
	},
	{
		Name:        "trade_history",
		Description: "Own fills for a symbol.",
		Params:      historyParams(),
		call: func(ctx context.Context, s *Service, a Args) (Result, error) {
			req, err := historyRequest(a)
			if err != nil {
				return Result{}, err
			}
			return s.TradeHistory(ctx, req)
		},
	},
	{
		Name:        "products",
		Description: "Listed products with their scale exponents, from the local cache.",
		Params:      []Param{{Name: "market", Type: ParamString, Description: "Filter by market type.", Enum: []string{"linear", "inverse", "spot"}}},
		call: func(_ context.Context, s *Service, a Args) (Result, error) {
			return s.Products(a.String("market"))
		},
	},
	{
		Name:        "convert",
		Description: "Scale a decimal to its integer wire value or back, for a symbol or currency.",
		Params: []Param{
			{Name: "amount", Type: ParamString, Required: true, Description: "Decimal amount (scale) or integer wire value (unscale)."},
			{Name: "symbol", Type: ParamString, Description: "Symbol whose scale to use."},
			{Name: "currency", Type: ParamString, Description: "Currency whose value scale to use."},
			{Name: "kind", Type: ParamString, Description: "Scale kind for symbols.", Enum: []string{"price", "ratio", "value"}},
			{Name: "direction", Type: ParamString, Description: "Conversion direction.", Enum: []string{"scale", "unscale"}},
		},
		call: func(_ context.Context, s *Service, a Args) (Result, error) {
			return s.Convert(ConvertRequest{
				Symbol:    a.String("symbol"),
				Currency:  a.String("currency"),
				Kind:      a.String("kind"),
				Direction: a.String("direction"),
				Amount:    a.String("amount"),
			})
		},
	},
	{
		Name:        "place_order",
		Description: "Place a limit or market order.",
		Write:       true,
		Params: []Param{paramMarket, paramSymbol,
			{Name: "side", Type: ParamString, Required: true, Description: "Order side.", Enum: []string{"Buy", "Sell"}},
			{Name: "qty", Type: ParamString, Required: true, Description: "Quantity: base amount (linear), contracts (inverse), base or quote amount (spot, see qty_type)."},
			{Name: "type", Type: ParamString, Description: "Order type, default Limit.", Enum: []string{"Limit", "Market"}},
			{Name: "price", Type: ParamString, Description: "Limit price."},
			{Name: "qty_type", Type: ParamString, Description: "Spot quantity unit.", Enum: []string{"ByBase", "ByQuote"}},
			{Name: "time_in_force", Type: ParamString, Description: "Time in force.", Enum: []string{"GoodTillCancel", "PostOnly", "ImmediateOrCancel", "FillOrKill"}},
			paramPosSide,
			{Name: "reduce_only", Type: ParamBool, Description: "Only reduce an existing position."},
			paramClientID,
			paramConfirm,
		},
		call: func(ctx context.Context, s *Service, a Args) (Result, error) {
			return s.PlaceOrder(ctx, PlaceOrderRequest{
				Market:      a.String("market"),
				Symbol:      a.String("symbol"),
				Side:        a.String("side"),
				Type:        a.String("type"),
				Qty:         a.String("qty"),
				Price:       a.String("price"),
				QtyType:     a.String("qty_type"),
				TimeInForce: a.String("time_in_force"),
				PosSide:     a.String("pos_side"),
				ReduceOnly:  a.Bool("reduce_only"),
				ClientID:    a.String("client_id"),
				Confirm:     a.Bool("confirm"),
			})
		},
	},
	{
		Name:        "amend_order",
		Description: "Change the price or quantity of an open order.",
		Write:       true,
		Params: []Param{paramMarket, paramSymbol, paramOrderID, paramClientID,
			{Name: "price", Type: ParamString, Description: "New price."},
			{Name: "qty", Type: ParamString, Description: "New quantity."},
			paramPosSide, paramConfirm,
		},
		call: func(ctx context.Context, s *Service, a Args) (Result, error) {
			return s.AmendOrder(ctx, AmendOrderRequest{
				Market:   a.String("market"),
				Symbol:   a.String("symbol"),
				OrderID:  a.String("order_id"),
				ClientID: a.String("client_id"),
				Price:    a.String("price"),
				Qty:      a.String("qty"),
				PosSide:  a.String("pos_side"),
				Confirm:  a.Bool("confirm"),
			})
		},
	},
	{
		Name:        "cancel_order",
		Description: "Cancel one open order.",
		Write:       true,
		Params:      []Param{paramMarket, paramSymbol, paramOrderID, paramClientID, paramPosSide, paramConfirm},
		call: func(ctx context.Context, s *Service, a Args) (Result, error) {
			return s.CancelOrder(ctx, CancelOrderRequest{
				Market:   a.String("market"),
				Symbol:   a.String("symbol"),
				OrderID:  a.String("order_id"),
				ClientID: a.String("client_id"),
				PosSide:  a.String("pos_side"),
				Confirm:  a.Bool("confirm"),
			})
		},
	},
	{
		Name:        "cancel_all",
		Description: "Cancel every open order for a symbol.",
		Write:       true,
		Params: []Param{paramMarket, paramSymbol,
			{Name: "untriggered_only", Type: ParamBool, Description: "Cancel only untriggered conditional orders."},
			paramConfirm,
		},
		call: func(ctx context.Context, s *Service, a Args) (Result, error) {
			return s.CancelAll(ctx, CancelAllRequest{
				Market:          a.String("market"),
				Symbol:          a.String("symbol"),
				UntriggeredOnly: a.Bool("untriggered_only"),
				Confirm:         a.Bool("confirm"),
			})
		},
	},
	{
		Name:        "set_leverage",
		Description: "Set position leverage (futures only). 0 selects cross margin.",
		Write:       true,
		Params: []Param{paramMarket, paramSymbol,
			{Name: "leverage", Type: ParamString, Description: "Leverage for one-way positions."},
			{Name: "long_leverage", Type: ParamString, Description: "Long leverage in hedged mode (linear)."},
			{Name: "short_leverage", Type: ParamString, Description: "Short leverage in hedged mode (linear)."},
			paramConfirm,
		},
		call: func(ctx context.Context, s *Service, a Args) (Result, error) {
			return s.SetLeverage(ctx, LeverageRequest{
				Market:        a.String("market"),
				Symbol:        a.String("symbol"),
				Leverage:      a.String("leverage"),
				LongLeverage:  a.String("long_leverage"),
				ShortLeverage: a.String("short_leverage"),
				Confirm:       a.Bool("confirm"),
			})
		},
	},
	{
		Name:        "switch_pos_mode",
		Description: "Switch between one-way and hedged position mode (futures only).",
		Write:       true,
		Params: []Param{paramMarket, paramSymbol,
			{Name: "mode", Type: ParamString, Required: true, Description: "Target position mode.", Enum: []string{"OneWay", "Hedged"}},
			paramConfirm,
		},
		call: func(ctx context.Context, s *Service, a Args) (Result, error) {
			return s.SwitchPosMode(ctx, PosModeRequest{
				Market:  a.String("market"),
				Symbol:  a.String("symbol"),
				Mode:    a.String("mode"),
				Confirm: a.Bool("confirm"),
			})
		},
	},
	{
		Name:        "transfer",
		Description: "Move funds between the futures and spot wallets.",
		Write:       true,
		Params: []Param{
			{Name: "currency", Type: ParamString, Required: true, Description: "Currency to move."},
			{Name: "amount", Type: ParamString, Required: true, Description: "Decimal amount."},
			{Name: "direction", Type: ParamString, Required: true, Description: "Transfer direction.", Enum: []string{FuturesToSpot, SpotToFutures}},
			paramConfirm,
		},
		call: func(ctx context.Context, s *Service, a Args) (Result, error) {
			return s.Transfer(ctx, TransferRequest{
				Currency:  a.String("currency"),
				Amount:    a.String("amount"),
				Direction: a.String("direction"),
				Confirm:   a.Bool("confirm"),
			})
		},
	},
}

// Descriptors returns every tool, sorted by name.
func Descriptors() []Descriptor {
	out := make([]Descriptor, len(descriptors))
	copy(out, descriptors)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func Lookup(name string) (Descriptor, bool) {
	for _, d := range descriptors {
		if d.Name == name {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Call dispatches a tool by name with loosely typed arguments.
func (s *Service) Call(ctx context.Context, name string, args Args) (Result, error) {
	d, ok := Lookup(name)
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown tool %q", ErrInvalidRequest, name)
	}
	for _, p := range d.Params {
		if p.Required && strings.TrimSpace(args.String(p.Name)) == "" {
			return Result{}, fmt.Errorf("%w: %s is required", ErrInvalidRequest, p.Name)
		}
	}
	return d.call(ctx, s, args)
}

// Args holds tool arguments as decoded from JSON (MCP) or parsed flags
// (CLI). Getters accept strings, numbers and booleans interchangeably.
type Args map[string]any

func (a Args) String(key string) string {
	switch v := a[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

func (a Args) Bool(key string) bool {
	switch v := a[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b
	}
	return false
}

func (a Args) Int64(key string) (int64, error) {
	switch v := a[key].(type) {
	case nil:
		return 0, nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		if v != math.Trunc(v) || math.Abs(v) > 1<<53 {
			return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidRequest, key)
		}
		return int64(v), nil
	}
	s := strings.TrimSpace(a.String(key))
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidRequest, key)
	}
	return n, nil
}

func (a Args) Int(key string) (int, error) {
	n, err := a.Int64(key)
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt32 || n < math.MinInt32 {
		return 0, fmt.Errorf("%w: %s out of range", ErrInvalidRequest, key)
	}
	return int(n), nil
}

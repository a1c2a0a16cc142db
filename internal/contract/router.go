// Package contract maps logical operations onto Phemex endpoints for each
// market family and canonicalizes symbols between them.
package contract

import (
	"errors"
	"fmt"
	"strings"

	"phemex-tools/internal/core"
)

type Operation string

const (
	PlaceOrder    Operation = "placeOrder"
	CancelOrder   Operation = "cancelOrder"
	AmendOrder    Operation = "amendOrder"
	CancelAll     Operation = "cancelAll"
	SetLeverage   Operation = "setLeverage"
	SwitchPosMode Operation = "switchPosMode"
	Account       Operation = "account"
	Positions     Operation = "positions"
	OpenOrders    Operation = "openOrders"
	OrderHistory  Operation = "orderHistory"
	TradeHistory  Operation = "tradeHistory"
	Ticker        Operation = "ticker"
	Orderbook     Operation = "orderbook"
	Klines        Operation = "klines"
	RecentTrades  Operation = "recentTrades"
	FundingRate   Operation = "fundingRate"
)

const (
	SpotPrefix    = "s"
	LinearSuffix  = "USDT"
	InverseSuffix = "USD"
)

var (
	ErrUnsupportedOperation = errors.New("operation not supported for market type")
	ErrUnknownOperation     = errors.New("unknown operation")
	ErrUnknownMarketType    = errors.New("unknown market type")
)

type routes struct {
	linear  string
	inverse string
	spot    string
}

// An empty path means the market family has no such endpoint.
var endpoints = map[Operation]routes{
	PlaceOrder:    {linear: "/g-orders/create", inverse: "/orders", spot: "/spot/orders"},
	CancelOrder:   {linear: "/g-orders/cancel", inverse: "/orders/cancel", spot: "/spot/orders"},
	AmendOrder:    {linear: "/g-orders/replace", inverse: "/orders/replace", spot: "/spot/orders"},
	CancelAll:     {linear: "/g-orders/all", inverse: "/orders/all", spot: "/spot/orders/all"},
	SetLeverage:   {linear: "/g-positions/leverage", inverse: "/positions/leverage"},
	SwitchPosMode: {linear: "/g-positions/switch-pos-mode-sync", inverse: "/positions/switch-pos-mode-sync"},
	Account:       {linear: "/g-accounts/accountPositions", inverse: "/accounts/accountPositions"},
	Positions:     {linear: "/g-accounts/positions", inverse: "/accounts/positions", spot: "/spot/wallets"},
	OpenOrders:    {linear: "/g-orders/activeList", inverse: "/orders/activeList", spot: "/spot/orders"},
	OrderHistory:  {linear: "/api-data/g-futures/orders", inverse: "/exchange/order/list", spot: "/exchange/spot/order"},
	TradeHistory:  {linear: "/api-data/g-futures/trades", inverse: "/exchange/order/trade", spot: "/exchange/spot/order/trades"},
	Ticker:        {linear: "/md/v3/ticker/24hr", inverse: "/md/ticker/24hr", spot: "/md/spot/ticker/24hr"},
	Orderbook:     {linear: "/md/v2/orderbook", inverse: "/md/orderbook", spot: "/md/orderbook"},
	Klines:        {linear: "/exchange/public/md/v2/kline/last", inverse: "/exchange/public/md/v2/kline", spot: "/exchange/public/md/v2/kline/last"},
	RecentTrades:  {linear: "/md/v2/trade", inverse: "/md/trade", spot: "/md/trade"},
	FundingRate:   {linear: "/api-data/public/data/funding-rate-history", inverse: "/api-data/public/data/funding-rate-history"},
}

// Operations returns the closed set of routable operations.
func Operations() []Operation {
	return []Operation{
		PlaceOrder, CancelOrder, AmendOrder, CancelAll, SetLeverage, SwitchPosMode,
		Account, Positions, OpenOrders, OrderHistory, TradeHistory,
		Ticker, Orderbook, Klines, RecentTrades, FundingRate,
	}
}

// Endpoint returns the path for op on market mt, or "" when the market
// family does not offer it. Pairs outside the table also yield "".
func Endpoint(mt core.MarketType, op Operation) string {
	r, ok := endpoints[op]
	if !ok {
		return ""
	}
	switch mt {
	case core.Linear:
		return r.linear
	case core.Inverse:
		return r.inverse
	case core.Spot:
		return r.spot
	}
	return ""
}

// Route is the checked form of Endpoint; it never returns an empty path
// without an error.
func Route(mt core.MarketType, op Operation) (string, error) {
	if !mt.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownMarketType, mt)
	}
	if _, ok := endpoints[op]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownOperation, op)
	}
	path := Endpoint(mt, op)
	if path == "" {
		return "", fmt.Errorf("%w: %s on %s", ErrUnsupportedOperation, op, mt)
	}
	return path, nil
}

func Supports(mt core.MarketType, op Operation) bool {
	return Endpoint(mt, op) != ""
}

func ParseMarketType(v string) (core.MarketType, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "linear", "usdt", "perp", "perpetual":
		return core.Linear, nil
	case "inverse", "coin":
		return core.Inverse, nil
	case "spot":
		return core.Spot, nil
	}
	return "", fmt.Errorf("%w: %q (want linear, inverse or spot)", ErrUnknownMarketType, v)
}

func IsInverse(mt core.MarketType) bool { return mt == core.Inverse }

func IsSpot(mt core.MarketType) bool { return mt == core.Spot }

// UsesFixedPoint reports whether request and response amounts travel as
// scaled integers (Ep/Er/Ev) rather than decimal strings.
func UsesFixedPoint(mt core.MarketType) bool {
	return mt == core.Inverse || mt == core.Spot
}

// ResolveSymbol canonicalizes a symbol for mt. Spot symbols carry the "s"
// prefix on the wire; the call is idempotent.
func ResolveSymbol(mt core.MarketType, symbol string) string {
	symbol = strings.TrimSpace(symbol)
	if mt != core.Spot || symbol == "" {
		return symbol
	}
	if strings.HasPrefix(symbol, SpotPrefix) {
		return symbol
	}
	return SpotPrefix + symbol
}

// ValidateSymbol is a best-effort naming check. It returns "" when the
// symbol looks plausible for mt, or a message naming the likely market.
// Callers must not block on it.
func ValidateSymbol(mt core.MarketType, symbol string) string {
	switch mt {
	case core.Inverse:
		if strings.HasSuffix(symbol, LinearSuffix) {
			return fmt.Sprintf("%s looks like a USDT-margined symbol; use market type linear (inverse symbols end in %s, e.g. BTCUSD)", symbol, InverseSuffix)
		}
	case core.Linear:
		if strings.HasSuffix(symbol, InverseSuffix) && !strings.HasSuffix(symbol, LinearSuffix) {
			return fmt.Sprintf("%s looks like a coin-margined symbol; use market type inverse (linear symbols end in %s, e.g. BTCUSDT)", symbol, LinearSuffix)
		}
	case core.Spot:
		base := strings.TrimPrefix(symbol, SpotPrefix)
		if strings.HasSuffix(base, InverseSuffix) && !strings.HasSuffix(base, LinearSuffix) {
			return fmt.Sprintf("%s looks like a coin-margined contract; spot pairs are quoted in %s (e.g. sBTCUSDT), or use market type inverse", symbol, LinearSuffix)
		}
	}
	return ""
}

// FundingSymbol returns the funding-rate index symbol for a perpetual.
func FundingSymbol(mt core.MarketType, symbol string) (string, error) {
	switch mt {
	case core.Inverse:
		base := strings.TrimSuffix(symbol, InverseSuffix)
		if base == "" {
			return "", fmt.Errorf("invalid inverse symbol %q", symbol)
		}
		return "." + base + "FR8H", nil
	case core.Linear:
		if symbol == "" {
			return "", fmt.Errorf("invalid linear symbol %q", symbol)
		}
		return "." + symbol + "FR8H", nil
	}
	return "", fmt.Errorf("%w: %s on %s", ErrUnsupportedOperation, FundingRate, mt)
}

package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

// MarketType selects the contract family an operation is routed to.
type MarketType string

type Side string

type OrderType string

type TimeInForce string

type PosSide string

type PosMode string

type QtyType string

const (
	Linear  MarketType = "linear"
	Inverse MarketType = "inverse"
	Spot    MarketType = "spot"
)

const (
	Buy  Side = "Buy"
	Sell Side = "Sell"
)

const (
	Limit  OrderType = "Limit"
	Market OrderType = "Market"
)

const (
	GoodTillCancel    TimeInForce = "GoodTillCancel"
	PostOnly          TimeInForce = "PostOnly"
	ImmediateOrCancel TimeInForce = "ImmediateOrCancel"
	FillOrKill        TimeInForce = "FillOrKill"
)

const (
	PosMerged PosSide = "Merged"
	PosLong   PosSide = "Long"
	PosShort  PosSide = "Short"
)

const (
	OneWay PosMode = "OneWay"
	Hedged PosMode = "Hedged"
)

const (
	ByBase  QtyType = "ByBase"
	ByQuote QtyType = "ByQuote"
)

var MarketTypes = []MarketType{Linear, Inverse, Spot}

func (m MarketType) Valid() bool {
	switch m {
	case Linear, Inverse, Spot:
		return true
	}
	return false
}

// Order is a new-order request before it is shaped for a market family.
// Qty is contracts for inverse, base or quote units for spot (see QtyType)
// and base units for linear.
type Order struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Price       decimal.Decimal
	Qty         decimal.Decimal
	QtyType     QtyType
	TimeInForce TimeInForce
	PosSide     PosSide
	ReduceOnly  bool
	ClientID    string
}

type Rules struct {
	MinQty    decimal.Decimal
	PriceTick decimal.Decimal
	QtyStep   decimal.Decimal
}

func ParseSide(v string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "buy":
		return Buy, true
	case "sell":
		return Sell, true
	}
	return "", false
}

func ParseOrderType(v string) (OrderType, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "limit":
		return Limit, true
	case "market":
		return Market, true
	}
	return "", false
}

func ParseTimeInForce(v string) (TimeInForce, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "gtc", "goodtillcancel":
		return GoodTillCancel, true
	case "postonly", "post_only":
		return PostOnly, true
	case "ioc", "immediateorcancel":
		return ImmediateOrCancel, true
	case "fok", "fillorkill":
		return FillOrKill, true
	}
	return "", false
}

func ParsePosSide(v string) (PosSide, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "merged":
		return PosMerged, true
	case "long":
		return PosLong, true
	case "short":
		return PosShort, true
	}
	return "", false
}

func ParsePosMode(v string) (PosMode, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "oneway", "one_way":
		return OneWay, true
	case "hedged", "hedge":
		return Hedged, true
	}
	return "", false
}

func ParseQtyType(v string) (QtyType, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "bybase", "base":
		return ByBase, true
	case "byquote", "quote":
		return ByQuote, true
	}
	return "", false
}

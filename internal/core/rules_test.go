package core

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestNormalizeOrderLimitRoundsPriceAndQty(t *testing.T) {
	order := Order{
		Symbol: "BTCUSD",
		Side:   Buy,
		Type:   Limit,
		Price:  decimal.RequireFromString("50000.7"),
		Qty:    decimal.RequireFromString("12"),
	}
	rules := Rules{
		MinQty:    decimal.RequireFromString("1"),
		PriceTick: decimal.RequireFromString("0.5"),
		QtyStep:   decimal.RequireFromString("5"),
	}

	got, err := NormalizeOrder(order, rules)
	if err != nil {
		t.Fatalf("NormalizeOrder() error = %v", err)
	}
	if !got.Price.Equal(decimal.RequireFromString("50000.5")) {
		t.Fatalf("unexpected rounded price: %s", got.Price)
	}
	if !got.Qty.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("unexpected rounded qty: %s", got.Qty)
	}
}

func TestNormalizeOrderBelowMinQty(t *testing.T) {
	order := Order{
		Symbol: "BTCUSDT",
		Side:   Sell,
		Type:   Limit,
		Price:  decimal.RequireFromString("100"),
		Qty:    decimal.RequireFromString("0.0009"),
	}
	rules := Rules{
		MinQty: decimal.RequireFromString("0.001"),
	}

	_, err := NormalizeOrder(order, rules)
	if !errors.Is(err, ErrBelowMinQty) {
		t.Fatalf("NormalizeOrder() error = %v, want %v", err, ErrBelowMinQty)
	}
}

func TestNormalizeOrderQtyRoundsToZero(t *testing.T) {
	order := Order{
		Symbol: "BTCUSDT",
		Side:   Buy,
		Type:   Market,
		Qty:    decimal.RequireFromString("0.0004"),
	}
	rules := Rules{QtyStep: decimal.RequireFromString("0.001")}

	_, err := NormalizeOrder(order, rules)
	if !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("NormalizeOrder() error = %v, want %v", err, ErrInvalidOrder)
	}
}

func TestNormalizeOrderMarketDropsPrice(t *testing.T) {
	order := Order{
		Symbol: "sBTCUSDT",
		Side:   Buy,
		Type:   Market,
		Price:  decimal.RequireFromString("95000"),
		Qty:    decimal.RequireFromString("0.01"),
	}

	got, err := NormalizeOrder(order, Rules{})
	if err != nil {
		t.Fatalf("NormalizeOrder() error = %v", err)
	}
	if !got.Price.IsZero() {
		t.Fatalf("market price = %s, want 0", got.Price)
	}
}

func TestNormalizeOrderLimitRequiresPrice(t *testing.T) {
	order := Order{
		Symbol: "BTCUSDT",
		Side:   Buy,
		Type:   Limit,
		Qty:    decimal.RequireFromString("0.01"),
	}

	_, err := NormalizeOrder(order, Rules{})
	if !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("NormalizeOrder() error = %v, want %v", err, ErrInvalidOrder)
	}
}

func TestNormalizeOrderRejectsUnknownSide(t *testing.T) {
	order := Order{
		Symbol: "BTCUSDT",
		Side:   Side("BUY_LONG"),
		Type:   Market,
		Qty:    decimal.RequireFromString("1"),
	}

	_, err := NormalizeOrder(order, Rules{})
	if !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("NormalizeOrder() error = %v, want %v", err, ErrInvalidOrder)
	}
}

func TestRoundDown(t *testing.T) {
	got := RoundDown(decimal.RequireFromString("0.123456"), decimal.RequireFromString("0.001"))
	if !got.Equal(decimal.RequireFromString("0.123")) {
		t.Fatalf("RoundDown() = %s, want 0.123", got)
	}
	got = RoundDown(decimal.RequireFromString("7"), decimal.Zero)
	if !got.Equal(decimal.RequireFromString("7")) {
		t.Fatalf("RoundDown(step=0) = %s, want 7", got)
	}
}

func TestParseHelpers(t *testing.T) {
	if side, ok := ParseSide("SELL"); !ok || side != Sell {
		t.Fatalf("ParseSide(SELL) = %q,%v, want Sell,true", side, ok)
	}
	if _, ok := ParseSide("hold"); ok {
		t.Fatalf("ParseSide(hold) ok = true, want false")
	}
	if typ, ok := ParseOrderType(""); !ok || typ != Limit {
		t.Fatalf("ParseOrderType(\"\") = %q,%v, want Limit,true", typ, ok)
	}
	if tif, ok := ParseTimeInForce("ioc"); !ok || tif != ImmediateOrCancel {
		t.Fatalf("ParseTimeInForce(ioc) = %q,%v", tif, ok)
	}
	if mode, ok := ParsePosMode("hedge"); !ok || mode != Hedged {
		t.Fatalf("ParsePosMode(hedge) = %q,%v", mode, ok)
	}
	if _, ok := ParsePosMode(""); ok {
		t.Fatalf("ParsePosMode(\"\") ok = true, want false")
	}
	if qt, ok := ParseQtyType("quote"); !ok || qt != ByQuote {
		t.Fatalf("ParseQtyType(quote) = %q,%v", qt, ok)
	}
}

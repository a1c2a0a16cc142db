package scale

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func decodeTree(t *testing.T, raw string) any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

func TestConvertResponseDropsRedundantSibling(t *testing.T) {
	table := testTable(t)
	for i := 0; i < 20; i++ {
		in := map[string]any{"priceEp": json.Number("500005000"), "price": nil}
		got := table.ConvertResponse("BTCUSD", in)
		want := map[string]any{"price": "50000.5"}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("ConvertResponse() = %#v, want %#v", got, want)
		}
	}
}

func TestConvertResponseUnknownSymbolUnchanged(t *testing.T) {
	table := testTable(t)
	in := map[string]any{"priceEp": 123}
	got := table.ConvertResponse("UNKNOWN", in)
	if !reflect.DeepEqual(got, map[string]any{"priceEp": 123}) {
		t.Fatalf("ConvertResponse(UNKNOWN) = %#v, want unchanged", got)
	}

	notLoaded := NotLoaded(nil)
	got = notLoaded.ConvertResponse("BTCUSD", in)
	if !reflect.DeepEqual(got, map[string]any{"priceEp": 123}) {
		t.Fatalf("ConvertResponse(not loaded) = %#v, want unchanged", got)
	}
}

func TestConvertResponseNested(t *testing.T) {
	table := testTable(t)
	in := decodeTree(t, `{
		"rows": [
			{"symbol": "BTCUSD", "priceEp": 500005000, "leverageEr": 1000000000, "cumValueEv": 150000000, "orderQty": 10},
			{"symbol": "BTCUSD", "priceEp": null, "price": "stale"}
		],
		"position": {"avgEntryPriceEp": 400000000, "avgEntryPrice": 0},
		"total": 2
	}`)
	got := table.ConvertResponse("BTCUSD", in)
	want := decodeTree(t, `{
		"rows": [
			{"symbol": "BTCUSD", "price": "50000.5", "leverage": "10", "cumValue": "1.5", "orderQty": 10},
			{"symbol": "BTCUSD", "priceEp": null}
		],
		"position": {"avgEntryPrice": "40000"},
		"total": 2
	}`)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ConvertResponse() =\n%#v\nwant\n%#v", got, want)
	}
}

func TestConvertResponseScalarsPassThrough(t *testing.T) {
	table := testTable(t)
	for _, in := range []any{nil, "text", json.Number("5"), true, 3.5} {
		if got := table.ConvertResponse("BTCUSD", in); !reflect.DeepEqual(got, in) {
			t.Fatalf("ConvertResponse(%#v) = %#v", in, got)
		}
	}
}

func TestConvertResponseShortKeysIgnored(t *testing.T) {
	table := testTable(t)
	in := map[string]any{"Ep": json.Number("5"), "Ev": json.Number("7")}
	got := table.ConvertResponse("BTCUSD", in)
	if !reflect.DeepEqual(got, in) {
		t.Fatalf("ConvertResponse() = %#v, want %#v", got, in)
	}
}

func TestConvertResponseNumericKinds(t *testing.T) {
	table := testTable(t)
	in := map[string]any{
		"aEp": float64(500005000),
		"bEp": int64(10000),
		"cEp": 20000,
	}
	got := table.ConvertResponse("BTCUSD", in)
	want := map[string]any{"a": "50000.5", "b": "1", "c": "2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ConvertResponse() = %#v, want %#v", got, want)
	}
}

func TestConvertCurrencyResponse(t *testing.T) {
	table := testTable(t)
	in := decodeTree(t, `[{"currency":"BTC","balanceEv":150000000,"lockedTradingBalanceEv":0,"priceEp":7}]`)
	got := table.ConvertCurrencyResponse("BTC", in)
	rows := got.([]any)
	row := rows[0].(map[string]any)
	if row["balance"] != "1.5" || row["lockedTradingBalance"] != "0" {
		t.Fatalf("ConvertCurrencyResponse() row = %#v", row)
	}
	if _, ok := row["priceEp"]; !ok {
		t.Fatalf("ConvertCurrencyResponse() touched priceEp: %#v", row)
	}
	if same := table.ConvertCurrencyResponse("DOGE", in); !reflect.DeepEqual(same, in) {
		t.Fatalf("ConvertCurrencyResponse(DOGE) changed input")
	}
}

func TestUnscalePriceColumns(t *testing.T) {
	table := testTable(t)
	rows := decodeTree(t, `[[500005000, 10], [500000000, 3], "bad"]`)
	got := table.UnscalePriceColumns("BTCUSD", rows, 0)
	want := []any{
		[]any{"50000.5", json.Number("10")},
		[]any{"50000", json.Number("3")},
		"bad",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("UnscalePriceColumns() = %#v, want %#v", got, want)
	}
	if same := table.UnscalePriceColumns("UNKNOWN", rows, 0); !reflect.DeepEqual(same, rows) {
		t.Fatalf("UnscalePriceColumns(UNKNOWN) changed input")
	}
	src := rows.([]any)[0].([]any)
	if src[0] != json.Number("500005000") {
		t.Fatalf("UnscalePriceColumns() mutated its input: %#v", src)
	}
}

func TestUnscaleValueColumns(t *testing.T) {
	table := testTable(t)
	rows := decodeTree(t, `[[9500050000000, 150000000], [9500000000000, 1]]`)
	got := table.UnscaleValueColumns("sBTCUSDT", table.UnscalePriceColumns("sBTCUSDT", rows, 0), 1)
	want := []any{
		[]any{"95000.5", "1.5"},
		[]any{"95000", "0.00000001"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("UnscaleValueColumns() = %#v, want %#v", got, want)
	}
	if same := table.UnscaleValueColumns("UNKNOWN", rows, 1); !reflect.DeepEqual(same, rows) {
		t.Fatalf("UnscaleValueColumns(UNKNOWN) changed input")
	}
}

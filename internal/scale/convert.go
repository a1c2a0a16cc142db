package scale

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"phemex-tools/internal/core"
)

const (
	PriceSuffix = "Ep"
	RatioSuffix = "Er"
	ValueSuffix = "Ev"
)

type exponents struct {
	price, ratio, value int32
	hasPrice, hasRatio  bool
}

func (e exponents) forSuffix(suffix string) (int32, bool) {
	switch suffix {
	case PriceSuffix:
		return e.price, e.hasPrice
	case RatioSuffix:
		return e.ratio, e.hasRatio
	case ValueSuffix:
		return e.value, true
	}
	return 0, false
}

// ConvertResponse rewrites every numeric xxxEp/xxxEr/xxxEv field of v into
// a decimal string stored under xxx, using symbol's scales. A plain xxx
// sibling of a suffixed field is always dropped. Unknown symbols and an
// unloaded table leave v untouched.
func (t *Table) ConvertResponse(symbol string, v any) any {
	info, ok := t.Symbol(symbol)
	if !ok {
		return v
	}
	return convert(v, exponents{
		price:    info.PriceExp,
		ratio:    info.RatioExp,
		value:    info.ValueExp,
		hasPrice: true,
		hasRatio: true,
	})
}

// ConvertCurrencyResponse rewrites only Ev fields, with the currency's
// value scale. Wallet and transfer payloads carry no symbol context.
func (t *Table) ConvertCurrencyResponse(currency string, v any) any {
	c, ok := t.Currency(currency)
	if !ok {
		return v
	}
	return convert(v, exponents{value: c.ValueExp})
}

func convert(v any, exp exponents) any {
	switch x := v.(type) {
	case map[string]any:
		return convertMap(x, exp)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = convert(item, exp)
		}
		return out
	default:
		return v
	}
}

func convertMap(m map[string]any, exp exponents) map[string]any {
	shadowed := make(map[string]bool)
	for k := range m {
		if base, _, ok := splitSuffix(k, exp); ok {
			shadowed[base] = true
		}
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		if base, suffix, ok := splitSuffix(k, exp); ok {
			if d, isNum := numeric(val); isNum {
				e, _ := exp.forSuffix(suffix)
				out[base] = unscaleDecimal(d, e)
				continue
			}
			out[k] = convert(val, exp)
			continue
		}
		if shadowed[k] {
			continue
		}
		out[k] = convert(val, exp)
	}
	return out
}

func splitSuffix(key string, exp exponents) (string, string, bool) {
	if len(key) <= 2 {
		return "", "", false
	}
	suffix := key[len(key)-2:]
	if _, ok := exp.forSuffix(suffix); !ok {
		return "", "", false
	}
	return key[:len(key)-2], suffix, true
}

func numeric(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(strings.TrimSpace(n.String()))
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case int32:
		return decimal.NewFromInt32(n), true
	}
	return decimal.Decimal{}, false
}

// UnscalePriceColumns converts positional price columns of array rows
// (order book levels, kline and trade rows) for symbol. Rows that are not
// arrays, and cells that are not numeric, are left as they are.
func (t *Table) UnscalePriceColumns(symbol string, rows any, cols ...int) any {
	info, ok := t.Symbol(symbol)
	if !ok {
		return rows
	}
	return unscaleColumns(rows, info.PriceExp, cols)
}

// UnscaleValueColumns is UnscalePriceColumns for Ev columns (spot sizes,
// kline volume and turnover), using the symbol's value scale.
func (t *Table) UnscaleValueColumns(symbol string, rows any, cols ...int) any {
	info, ok := t.Symbol(symbol)
	if !ok {
		return rows
	}
	return unscaleColumns(rows, info.ValueExp, cols)
}

func unscaleColumns(rows any, exp int32, cols []int) any {
	list, ok := rows.([]any)
	if !ok {
		return rows
	}
	out := make([]any, len(list))
	for i, row := range list {
		cells, ok := row.([]any)
		if !ok {
			out[i] = row
			continue
		}
		converted := make([]any, len(cells))
		copy(converted, cells)
		for _, c := range cols {
			if c < 0 || c >= len(converted) {
				continue
			}
			if d, isNum := numeric(converted[c]); isNum {
				converted[c] = unscaleDecimal(d, exp)
			}
		}
		out[i] = converted
	}
	return out
}

// Column layouts of array-shaped market data. Inverse sizes and volumes
// are contract counts; spot sizes and volumes are Ev values.
//
//	book level: [priceEp, size]
//	trade:      [timestamp, side, priceEp, size]
//	kline:      [timestamp, interval, lastCloseEp, openEp, highEp, lowEp, closeEp, volume, turnoverEv]
var (
	bookPriceCols  = []int{0}
	tradePriceCols = []int{2}
	klinePriceCols = []int{2, 3, 4, 5, 6}
)

func (t *Table) UnscaleBookLevels(mt core.MarketType, symbol string, levels any) any {
	return t.unscaleRows(mt, symbol, levels, bookPriceCols, []int{1}, nil)
}

func (t *Table) UnscaleTradeRows(mt core.MarketType, symbol string, rows any) any {
	return t.unscaleRows(mt, symbol, rows, tradePriceCols, []int{3}, nil)
}

func (t *Table) UnscaleKlineRows(mt core.MarketType, symbol string, rows any) any {
	return t.unscaleRows(mt, symbol, rows, klinePriceCols, []int{7, 8}, []int{8})
}

// unscaleRows converts price columns for inverse and spot rows, then the
// spot or inverse value columns. Linear rows are already decimal.
func (t *Table) unscaleRows(mt core.MarketType, symbol string, rows any, priceCols, spotValueCols, inverseValueCols []int) any {
	var valueCols []int
	switch mt {
	case core.Spot:
		valueCols = spotValueCols
	case core.Inverse:
		valueCols = inverseValueCols
	default:
		return rows
	}
	rows = t.UnscalePriceColumns(symbol, rows, priceCols...)
	if len(valueCols) > 0 {
		rows = t.UnscaleValueColumns(symbol, rows, valueCols...)
	}
	return rows
}

package scale

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"phemex-tools/internal/core"
	"phemex-tools/internal/exchange"
)

const ProductsPath = "/public/products"

const listedStatus = "Listed"

// Fetcher is the slice of the transport Load needs.
type Fetcher interface {
	Get(ctx context.Context, path string, params url.Values) (exchange.Response, error)
}

type ProductsData struct {
	Currencies     []CurrencyEntry `json:"currencies"`
	Products       []ProductEntry  `json:"products"`
	PerpProductsV2 []ProductEntry  `json:"perpProductsV2"`
}

type CurrencyEntry struct {
	Currency   string `json:"currency"`
	ValueScale *int32 `json:"valueScale"`
	Status     string `json:"status"`
}

type ProductEntry struct {
	Symbol         string     `json:"symbol"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	BaseCurrency   string     `json:"baseCurrency"`
	QuoteCurrency  string     `json:"quoteCurrency"`
	SettleCurrency string     `json:"settleCurrency"`
	PriceScale     *int32     `json:"priceScale"`
	RatioScale     *int32     `json:"ratioScale"`
	ContractSize   FlexNumber `json:"contractSize"`
	TickSize       FlexNumber `json:"tickSize"`
	LotSize        FlexNumber `json:"lotSize"`
	QtyStepSize    FlexNumber `json:"qtyStepSize"`
	MinOrderQty    FlexNumber `json:"minOrderQty"`
	BaseTickSize   FlexNumber `json:"baseTickSize"`
	QuoteTickSize  FlexNumber `json:"quoteTickSize"`
}

// FlexNumber accepts 1, 1.5, "0.1" and "1 BTC" alike; the exchange mixes
// them within one payload.
type FlexNumber struct {
	decimal.Decimal
	Set bool
}

func (f *FlexNumber) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "" || raw == "null" {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
		if i := strings.IndexByte(raw, ' '); i >= 0 {
			raw = raw[:i]
		}
		if raw == "" {
			return nil
		}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("invalid number %s: %w", string(data), err)
	}
	f.Decimal = d
	f.Set = true
	return nil
}

func marketTypeOf(productType string) (core.MarketType, bool) {
	switch productType {
	case "Spot":
		return core.Spot, true
	case "Perpetual":
		return core.Inverse, true
	case "PerpetualV2":
		return core.Linear, true
	}
	return "", false
}

// Build turns a products payload into a loaded snapshot. Only Listed
// entries are kept; products of unknown type are skipped. Entries whose
// exponents cannot be represented are skipped too and reported by
// Table.Skipped, so one bad listing does not disable the whole table.
func Build(data ProductsData) (*Table, error) {
	var skipped []string
	currencies := make([]CurrencyScale, 0, len(data.Currencies))
	valueExp := make(map[string]int32, len(data.Currencies))
	badCurrency := make(map[string]bool)
	for _, c := range data.Currencies {
		if c.Currency == "" || c.ValueScale == nil {
			continue
		}
		if c.Status != "" && c.Status != listedStatus {
			continue
		}
		if !validExp(*c.ValueScale) {
			badCurrency[c.Currency] = true
			skipped = append(skipped, fmt.Sprintf("currency %s: value scale %d", c.Currency, *c.ValueScale))
			continue
		}
		valueExp[c.Currency] = *c.ValueScale
		currencies = append(currencies, CurrencyScale{Currency: c.Currency, ValueExp: *c.ValueScale})
	}

	seen := make(map[string]bool)
	symbols := make([]ScaleInfo, 0, len(data.Products)+len(data.PerpProductsV2))
	all := make([]ProductEntry, 0, len(data.Products)+len(data.PerpProductsV2))
	all = append(all, data.Products...)
	all = append(all, data.PerpProductsV2...)
	for _, p := range all {
		if p.Status != listedStatus || p.Symbol == "" || seen[p.Symbol] {
			continue
		}
		mt, ok := marketTypeOf(p.Type)
		if !ok {
			continue
		}
		seen[p.Symbol] = true
		info := productInfo(p, mt, valueExp)
		if reason := invalidScale(info, badCurrency); reason != "" {
			skipped = append(skipped, "symbol "+p.Symbol+": "+reason)
			continue
		}
		symbols = append(symbols, info)
	}
	table, err := NewTable(symbols, currencies)
	if err != nil {
		return nil, err
	}
	table.skipped = skipped
	return table, nil
}

func validExp(exp int32) bool { return exp >= 0 && exp <= maxExp }

func invalidScale(info ScaleInfo, badCurrency map[string]bool) string {
	switch {
	case badCurrency[info.SettleCurrency]:
		return "settle currency " + info.SettleCurrency + " has no usable value scale"
	case !validExp(info.PriceExp):
		return fmt.Sprintf("price scale %d", info.PriceExp)
	case !validExp(info.RatioExp):
		return fmt.Sprintf("ratio scale %d", info.RatioExp)
	case !validExp(info.ValueExp):
		return fmt.Sprintf("value scale %d", info.ValueExp)
	}
	return ""
}

func productInfo(p ProductEntry, mt core.MarketType, valueExp map[string]int32) ScaleInfo {
	settle := p.SettleCurrency
	if settle == "" {
		settle = p.QuoteCurrency
	}
	info := ScaleInfo{
		Symbol:         p.Symbol,
		MarketType:     mt,
		BaseCurrency:   p.BaseCurrency,
		QuoteCurrency:  p.QuoteCurrency,
		SettleCurrency: settle,
		ValueExp:       DefaultValueExp,
		ContractSize:   decimal.NewFromInt(1),
	}
	if exp, ok := valueExp[settle]; ok {
		info.ValueExp = exp
	}
	if p.PriceScale != nil {
		info.PriceExp = *p.PriceScale
	}
	if p.RatioScale != nil {
		info.RatioExp = *p.RatioScale
	}
	if p.ContractSize.Set {
		info.ContractSize = p.ContractSize.Decimal
	}
	switch mt {
	case core.Spot:
		info.Rules.PriceTick = p.QuoteTickSize.Decimal
		info.Rules.QtyStep = p.BaseTickSize.Decimal
	case core.Inverse:
		info.Rules.PriceTick = p.TickSize.Decimal
		info.Rules.QtyStep = p.LotSize.Decimal
	case core.Linear:
		info.Rules.PriceTick = p.TickSize.Decimal
		info.Rules.QtyStep = p.QtyStepSize.Decimal
		info.Rules.MinQty = p.MinOrderQty.Decimal
	}
	return info
}

// Load fetches product metadata once and builds the snapshot. On failure
// it returns a not-loaded table together with the cause; the table is
// never nil.
func Load(ctx context.Context, src Fetcher) (*Table, error) {
	if src == nil {
		err := errors.New("no product source")
		return NotLoaded(err), err
	}
	resp, err := src.Get(ctx, ProductsPath, nil)
	if err != nil {
		return NotLoaded(err), fmt.Errorf("fetch products: %w", err)
	}
	data, err := DecodeProducts(resp.Data)
	if err != nil {
		return NotLoaded(err), err
	}
	table, err := Build(data)
	if err != nil {
		return NotLoaded(err), fmt.Errorf("build scale table: %w", err)
	}
	return table, nil
}

func DecodeProducts(raw json.RawMessage) (ProductsData, error) {
	var data ProductsData
	if len(bytes.TrimSpace(raw)) == 0 {
		return data, errors.New("empty products payload")
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return data, fmt.Errorf("decode products: %w", err)
	}
	return data, nil
}

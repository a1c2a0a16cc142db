// Package scale converts between decimal amounts and Phemex's integer
// fixed-point wire values (Ep price, Er ratio, Ev value fields).
package scale

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"phemex-tools/internal/core"
)

// DefaultValueExp is used for a settlement currency the exchange does not list.
const DefaultValueExp = 8

// maxExp keeps every factor representable as int64.
const maxExp = 18

var (
	ErrNoScaleInfo   = errors.New("no scale info")
	ErrNotLoaded     = errors.New("scale table not loaded")
	ErrInvalidAmount = errors.New("invalid decimal amount")
	ErrOutOfRange    = errors.New("scaled value out of int64 range")
)

type ScaleInfo struct {
	Symbol           string
	MarketType       core.MarketType
	BaseCurrency     string
	QuoteCurrency    string
	SettleCurrency   string
	PriceExp         int32
	RatioExp         int32
	ValueExp         int32
	PriceScaleFactor int64
	RatioScaleFactor int64
	ValueScaleFactor int64
	ContractSize     decimal.Decimal
	Rules            core.Rules
}

type CurrencyScale struct {
	Currency         string
	ValueExp         int32
	ValueScaleFactor int64
}

// Table is an immutable snapshot of product metadata. A nil *Table behaves
// like one that failed to load.
type Table struct {
	loaded     bool
	loadErr    error
	symbols    map[string]ScaleInfo
	currencies map[string]CurrencyScale
	skipped    []string
}

// NewTable builds a loaded snapshot. Factors are derived from the exponents.
func NewTable(symbols []ScaleInfo, currencies []CurrencyScale) (*Table, error) {
	t := &Table{
		loaded:     true,
		symbols:    make(map[string]ScaleInfo, len(symbols)),
		currencies: make(map[string]CurrencyScale, len(currencies)),
	}
	for _, c := range currencies {
		if c.Currency == "" {
			return nil, errors.New("currency name is required")
		}
		f, err := factor(c.ValueExp)
		if err != nil {
			return nil, fmt.Errorf("currency %s: %w", c.Currency, err)
		}
		c.ValueScaleFactor = f
		t.currencies[c.Currency] = c
	}
	for _, s := range symbols {
		if s.Symbol == "" {
			return nil, errors.New("symbol name is required")
		}
		var err error
		if s.PriceScaleFactor, err = factor(s.PriceExp); err != nil {
			return nil, fmt.Errorf("symbol %s price scale: %w", s.Symbol, err)
		}
		if s.RatioScaleFactor, err = factor(s.RatioExp); err != nil {
			return nil, fmt.Errorf("symbol %s ratio scale: %w", s.Symbol, err)
		}
		if s.ValueScaleFactor, err = factor(s.ValueExp); err != nil {
			return nil, fmt.Errorf("symbol %s value scale: %w", s.Symbol, err)
		}
		t.symbols[s.Symbol] = s
	}
	return t, nil
}

// NotLoaded returns an empty snapshot that remembers why loading failed.
func NotLoaded(err error) *Table {
	return &Table{loadErr: err}
}

func (t *Table) Loaded() bool {
	return t != nil && t.loaded
}

// Skipped lists listed entries left out of the snapshot because their
// scale could not be represented.
func (t *Table) Skipped() []string {
	if t == nil {
		return nil
	}
	return append([]string(nil), t.skipped...)
}

// Err returns the load failure, if any.
func (t *Table) Err() error {
	if t == nil {
		return ErrNotLoaded
	}
	return t.loadErr
}

func (t *Table) Symbol(symbol string) (ScaleInfo, bool) {
	if !t.Loaded() {
		return ScaleInfo{}, false
	}
	info, ok := t.symbols[symbol]
	return info, ok
}

func (t *Table) Currency(currency string) (CurrencyScale, bool) {
	if !t.Loaded() {
		return CurrencyScale{}, false
	}
	c, ok := t.currencies[currency]
	return c, ok
}

// Symbols lists the table entries for mt ("" lists all), sorted by symbol.
func (t *Table) Symbols(mt core.MarketType) []ScaleInfo {
	if !t.Loaded() {
		return nil
	}
	out := make([]ScaleInfo, 0, len(t.symbols))
	for _, s := range t.symbols {
		if mt != "" && s.MarketType != mt {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (t *Table) Currencies() []CurrencyScale {
	if !t.Loaded() {
		return nil
	}
	out := make([]CurrencyScale, 0, len(t.currencies))
	for _, c := range t.currencies {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

// Counts returns the number of symbols per market type.
func (t *Table) Counts() map[core.MarketType]int {
	out := make(map[core.MarketType]int, len(core.MarketTypes))
	for _, mt := range core.MarketTypes {
		out[mt] = 0
	}
	if !t.Loaded() {
		return out
	}
	for _, s := range t.symbols {
		out[s.MarketType]++
	}
	return out
}

func (t *Table) lookup(symbol string) (ScaleInfo, error) {
	if !t.Loaded() {
		return ScaleInfo{}, t.notLoadedErr(symbol)
	}
	info, ok := t.symbols[symbol]
	if !ok {
		return ScaleInfo{}, fmt.Errorf("%w for symbol %s", ErrNoScaleInfo, symbol)
	}
	return info, nil
}

func (t *Table) lookupCurrency(currency string) (CurrencyScale, error) {
	if !t.Loaded() {
		return CurrencyScale{}, t.notLoadedErr(currency)
	}
	c, ok := t.currencies[currency]
	if !ok {
		return CurrencyScale{}, fmt.Errorf("%w for currency %s", ErrNoScaleInfo, currency)
	}
	return c, nil
}

func (t *Table) notLoadedErr(name string) error {
	if cause := t.Err(); cause != nil && !errors.Is(cause, ErrNotLoaded) {
		return fmt.Errorf("%w for %s: %w: %v", ErrNoScaleInfo, name, ErrNotLoaded, cause)
	}
	return fmt.Errorf("%w for %s: %w", ErrNoScaleInfo, name, ErrNotLoaded)
}

func factor(exp int32) (int64, error) {
	if exp < 0 || exp > maxExp {
		return 0, fmt.Errorf("exponent %d out of range [0,%d]", exp, maxExp)
	}
	f := int64(1)
	for i := int32(0); i < exp; i++ {
		f *= 10
	}
	return f, nil
}

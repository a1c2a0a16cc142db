package scale

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

func (t *Table) ScalePrice(symbol, amount string) (int64, error) {
	info, err := t.lookup(symbol)
	if err != nil {
		return 0, err
	}
	return ScaleDecimal(amount, info.PriceExp)
}

func (t *Table) ScaleRatio(symbol, amount string) (int64, error) {
	info, err := t.lookup(symbol)
	if err != nil {
		return 0, err
	}
	return ScaleDecimal(amount, info.RatioExp)
}

func (t *Table) ScaleValue(symbol, amount string) (int64, error) {
	info, err := t.lookup(symbol)
	if err != nil {
		return 0, err
	}
	return ScaleDecimal(amount, info.ValueExp)
}

func (t *Table) UnscalePrice(symbol string, v int64) (string, error) {
	info, err := t.lookup(symbol)
	if err != nil {
		return "", err
	}
	return UnscaleInt(v, info.PriceExp), nil
}

func (t *Table) UnscaleRatio(symbol string, v int64) (string, error) {
	info, err := t.lookup(symbol)
	if err != nil {
		return "", err
	}
	return UnscaleInt(v, info.RatioExp), nil
}

func (t *Table) UnscaleValue(symbol string, v int64) (string, error) {
	info, err := t.lookup(symbol)
	if err != nil {
		return "", err
	}
	return UnscaleInt(v, info.ValueExp), nil
}

// ScaleCurrencyAmount scales a wallet amount (transfers, balances) with the
// currency's own value scale.
func (t *Table) ScaleCurrencyAmount(currency, amount string) (int64, error) {
	c, err := t.lookupCurrency(currency)
	if err != nil {
		return 0, err
	}
	return ScaleDecimal(amount, c.ValueExp)
}

func (t *Table) UnscaleCurrencyAmount(currency string, v int64) (string, error) {
	c, err := t.lookupCurrency(currency)
	if err != nil {
		return "", err
	}
	return UnscaleInt(v, c.ValueExp), nil
}

// ScaleDecimal shifts amount by exp decimal places and rounds half away
// from zero. Inputs too small to survive rounding become 0.
func ScaleDecimal(amount string, exp int32) (int64, error) {
	raw := strings.TrimSpace(amount)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	scaled := d.Shift(exp).Round(0).BigInt()
	if !scaled.IsInt64() {
		return 0, fmt.Errorf("%w: %s at scale 1e%d", ErrOutOfRange, raw, exp)
	}
	return scaled.Int64(), nil
}

// UnscaleInt is the exact inverse of ScaleDecimal for the same exponent,
// formatted without trailing zeros (150000000 at 1e8 is "1.5").
func UnscaleInt(v int64, exp int32) string {
	return decimal.New(v, -exp).String()
}

func unscaleDecimal(d decimal.Decimal, exp int32) string {
	return d.Shift(-exp).String()
}

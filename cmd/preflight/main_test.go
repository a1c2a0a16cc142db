package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"phemex-tools/internal/core"
	"phemex-tools/internal/scale"
)

func TestParseCheckFlag(t *testing.T) {
	got, err := parseCheckFlag("default")
	if err != nil {
		t.Fatalf("parseCheckFlag(default) error = %v", err)
	}
	if got.stream || !got.products || !got.account {
		t.Fatalf("parseCheckFlag(default) = %+v", got)
	}
	got, err = parseCheckFlag("all")
	if err != nil || !got.stream {
		t.Fatalf("parseCheckFlag(all) = %+v,%v", got, err)
	}
	got, err = parseCheckFlag("products, stream")
	if err != nil {
		t.Fatalf("parseCheckFlag(list) error = %v", err)
	}
	if got != (selectedChecks{products: true, stream: true}) {
		t.Fatalf("parseCheckFlag(list) = %+v", got)
	}
	if _, err := parseCheckFlag("lifecycle"); err == nil {
		t.Fatalf("parseCheckFlag(lifecycle) error = nil")
	}
	if _, err := parseCheckFlag(","); err == nil {
		t.Fatalf("parseCheckFlag(,) error = nil")
	}
}

func TestCheckRoundTrip(t *testing.T) {
	table, err := scale.NewTable([]scale.ScaleInfo{
		{Symbol: "BTCUSD", MarketType: core.Inverse, PriceExp: 4, RatioExp: 8, ValueExp: 8, Rules: core.Rules{PriceTick: decimal.RequireFromString("0.5")}},
		{Symbol: "sBTCUSDT", MarketType: core.Spot, PriceExp: 8, RatioExp: 8, ValueExp: 8},
	}, nil)
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}
	detail, err := checkRoundTrip(table, "BTCUSD")
	if err != nil {
		t.Fatalf("checkRoundTrip(BTCUSD) error = %v", err)
	}
	if !strings.Contains(detail, "ep=5000") {
		t.Fatalf("checkRoundTrip(BTCUSD) = %q", detail)
	}
	if _, err := checkRoundTrip(table, "sBTCUSDT"); err != nil {
		t.Fatalf("checkRoundTrip(sBTCUSDT) error = %v", err)
	}
	if _, err := checkRoundTrip(table, "ETHUSD"); err == nil {
		t.Fatalf("checkRoundTrip(ETHUSD) error = nil")
	}
	if _, err := checkRoundTrip(scale.NotLoaded(nil), "BTCUSD"); err == nil {
		t.Fatalf("checkRoundTrip(not loaded) error = nil")
	}
}

func TestReportCountsAndWrite(t *testing.T) {
	r := report{Checks: []checkResult{
		{Name: "a", Status: statusPass},
		{Name: "b", Status: statusFail, Error: "boom"},
		{Name: "c", Status: statusSkip},
		{Name: "d", Status: statusPass},
	}}
	pass, fail, skip := r.counts()
	if pass != 2 || fail != 1 || skip != 1 {
		t.Fatalf("counts() = %d,%d,%d, want 2,1,1", pass, fail, skip)
	}

	path := filepath.Join(t.TempDir(), "report.json")
	if err := writeReport(path, r); err != nil {
		t.Fatalf("writeReport() error = %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var decoded report
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(decoded.Checks) != 4 || decoded.Checks[1].Error != "boom" {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestFormatCounts(t *testing.T) {
	got := formatCounts(map[core.MarketType]int{core.Spot: 3, core.Inverse: 1, core.Linear: 2})
	if got != "inverse=1 linear=2 spot=3" {
		t.Fatalf("formatCounts() = %q", got)
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"phemex-tools/internal/app"
	"phemex-tools/internal/config"
	"phemex-tools/internal/core"
	"phemex-tools/internal/scale"
	"phemex-tools/internal/stream"
	"phemex-tools/internal/tools"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
	statusSkip checkStatus = "SKIP"
)

var errSkipped = errors.New("skipped")

type checkResult struct {
	Name       string      `json:"name"`
	Status     checkStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type report struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Mode       config.Mode   `json:"mode"`
	RestURL    string        `json:"rest_url"`
	Checks     []checkResult `json:"checks"`
}

func (r report) counts() (pass, fail, skip int) {
	for _, c := range r.Checks {
		switch c.Status {
		case statusPass:
			pass++
		case statusSkip:
			skip++
		default:
			fail++
		}
	}
	return pass, fail, skip
}

type selectedChecks struct {
	connectivity bool
	products     bool
	market       bool
	account      bool
	stream       bool
}

func main() {
	var (
		configPath    string
		envFile       string
		timeoutSec    int
		streamWait    int
		outJSONPath   string
		allowLiveRun  bool
		checkFlag     string
		linearSymbol  string
		inverseSymbol string
		spotSymbol    string
	)
	flag.StringVar(&configPath, "config", "", "optional config yaml path")
	flag.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	flag.IntVar(&timeoutSec, "timeout-sec", 60, "total timeout seconds")
	flag.IntVar(&streamWait, "stream-wait-sec", 10, "wait seconds for the first stream message")
	flag.StringVar(&outJSONPath, "out-json", "", "optional output report path")
	flag.BoolVar(&allowLiveRun, "allow-live", false, "allow running checks when mode=live")
	flag.StringVar(&checkFlag, "check", "default", "checks to run: default | all | comma list (connectivity,products,market,account,stream)")
	flag.StringVar(&linearSymbol, "linear-symbol", "BTCUSDT", "linear symbol to probe (empty skips)")
	flag.StringVar(&inverseSymbol, "inverse-symbol", "BTCUSD", "inverse symbol to probe (empty skips)")
	flag.StringVar(&spotSymbol, "spot-symbol", "sBTCUSDT", "spot symbol to probe (empty skips)")
	flag.Parse()

	cfg, err := app.LoadConfig(configPath, envFile)
	if err != nil {
		fatal(err.Error())
	}
	if cfg.Mode == config.ModeLive && !allowLiveRun {
		fatal("mode=live blocked by default; set -allow-live=true to continue")
	}
	checks, err := parseCheckFlag(checkFlag)
	if err != nil {
		fatal(err.Error())
	}
	if timeoutSec < 10 {
		timeoutSec = 10
	}
	if streamWait < 3 {
		streamWait = 3
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		fatal(err.Error())
	}

	r := report{
		StartedAt: time.Now().UTC(),
		Mode:      cfg.Mode,
		RestURL:   cfg.Exchange.RestBaseURL,
	}

	run := func(name string, fn func() (string, error)) {
		start := time.Now()
		detail, err := fn()
		cr := checkResult{
			Name:       name,
			DurationMs: time.Since(start).Milliseconds(),
			Detail:     detail,
		}
		switch {
		case errors.Is(err, errSkipped):
			cr.Status = statusSkip
		case err != nil:
			cr.Status = statusFail
			cr.Error = err.Error()
		default:
			cr.Status = statusPass
		}
		r.Checks = append(r.Checks, cr)
		switch cr.Status {
		case statusPass, statusSkip:
			fmt.Printf("[%s] %s (%dms)", cr.Status, name, cr.DurationMs)
			if cr.Detail != "" {
				fmt.Printf(" - %s", cr.Detail)
			}
			fmt.Println()
		default:
			fmt.Printf("[FAIL] %s (%dms) - %s\n", name, cr.DurationMs, cr.Error)
		}
	}

	probes := []struct {
		market core.MarketType
		symbol string
	}{
		{core.Linear, linearSymbol},
		{core.Inverse, inverseSymbol},
		{core.Spot, spotSymbol},
	}

	if checks.connectivity {
		run("server_time", func() (string, error) {
			ts, err := a.Client.ServerTime(ctx)
			if err != nil {
				return "", err
			}
			skew := time.Since(ts).Round(time.Millisecond)
			return fmt.Sprintf("server=%s skew=%s", ts.UTC().Format(time.RFC3339), skew), nil
		})
	}

	if checks.products {
		run("products_loaded", func() (string, error) {
			if !a.Table.Loaded() {
				return "", tableErr(a.Table)
			}
			return formatCounts(a.Table.Counts()) + fmt.Sprintf(" currencies=%d", len(a.Table.Currencies())), nil
		})
		for _, p := range probes {
			if p.symbol == "" || p.market == core.Linear {
				continue
			}
			run("scale_round_trip_"+string(p.market), func() (string, error) {
				return checkRoundTrip(a.Table, p.symbol)
			})
		}
	}

	if checks.market {
		for _, p := range probes {
			if p.symbol == "" {
				continue
			}
			run("ticker_"+string(p.market), func() (string, error) {
				res, err := a.Tools.Call(ctx, "ticker", tools.Args{"market": string(p.market), "symbol": p.symbol})
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("symbol=%s endpoint=%s", res.Symbol, res.Endpoint), nil
			})
		}
	}

	if checks.account {
		run("account_read", func() (string, error) {
			if !a.Client.HasCredentials() {
				return "no api credentials configured", errSkipped
			}
			res, err := a.Tools.Call(ctx, "account", tools.Args{"market": string(a.Tools.DefaultMarket())})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("market=%s endpoint=%s", res.Market, res.Endpoint), nil
		})
	}

	if checks.stream {
		for _, p := range probes {
			if p.symbol == "" {
				continue
			}
			run("stream_orderbook_"+string(p.market), func() (string, error) {
				return checkStream(ctx, a.Stream, stream.Subscription{Market: p.market, Symbol: p.symbol, Channel: stream.ChannelOrderbook}, time.Duration(streamWait)*time.Second)
			})
		}
	}

	r.FinishedAt = time.Now().UTC()
	printSummary(r)
	if outJSONPath != "" {
		if err := writeReport(outJSONPath, r); err != nil {
			fatal(err.Error())
		}
	}
	if _, fail, _ := r.counts(); fail > 0 {
		os.Exit(1)
	}
}

func parseCheckFlag(raw string) (selectedChecks, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	switch raw {
	case "", "default":
		return selectedChecks{connectivity: true, products: true, market: true, account: true}, nil
	case "all":
		return selectedChecks{connectivity: true, products: true, market: true, account: true, stream: true}, nil
	}
	var out selectedChecks
	for _, part := range strings.Split(raw, ",") {
		switch strings.TrimSpace(part) {
		case "connectivity":
			out.connectivity = true
		case "products":
			out.products = true
		case "market":
			out.market = true
		case "account":
			out.account = true
		case "stream":
			out.stream = true
		case "":
		default:
			return selectedChecks{}, fmt.Errorf("unknown check %q", part)
		}
	}
	if out == (selectedChecks{}) {
		return selectedChecks{}, errors.New("no checks selected")
	}
	return out, nil
}

// checkRoundTrip scales one price tick and one value unit and expects the
// same decimal back.
func checkRoundTrip(t *scale.Table, symbol string) (string, error) {
	info, ok := t.Symbol(symbol)
	if !ok {
		if !t.Loaded() {
			return "", tableErr(t)
		}
		return "", fmt.Errorf("%w: %s", scale.ErrNoScaleInfo, symbol)
	}
	price := info.Rules.PriceTick
	if price.IsZero() {
		price = decimal.New(1, -info.PriceExp)
	}
	ep, err := t.ScalePrice(symbol, price.String())
	if err != nil {
		return "", err
	}
	back, err := t.UnscalePrice(symbol, ep)
	if err != nil {
		return "", err
	}
	if got, err := decimal.NewFromString(back); err != nil || !got.Equal(price) {
		return "", fmt.Errorf("price %s -> %d -> %s", price.String(), ep, back)
	}
	return fmt.Sprintf("priceExp=%d valueExp=%d tick=%s ep=%d", info.PriceExp, info.ValueExp, price.String(), ep), nil
}

func tableErr(t *scale.Table) error {
	if err := t.Err(); err != nil {
		return fmt.Errorf("%w: %v", scale.ErrNotLoaded, err)
	}
	return scale.ErrNotLoaded
}

func checkStream(ctx context.Context, s *stream.Stream, sub stream.Subscription, wait time.Duration) (string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	msgs, errs, err := s.Subscribe(waitCtx, sub)
	if err != nil {
		return "", err
	}
	select {
	case msg, ok := <-msgs:
		if !ok {
			select {
			case err := <-errs:
				if err != nil {
					return "", err
				}
			default:
			}
			return "", errors.New("stream closed before first message")
		}
		return fmt.Sprintf("type=%s sequence=%s", msg.Type, msg.Sequence), nil
	case <-waitCtx.Done():
		return "", fmt.Errorf("no message within %s", wait)
	}
}

func formatCounts(counts map[core.MarketType]int) string {
	keys := make([]string, 0, len(counts))
	for mt := range counts {
		keys = append(keys, string(mt))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[core.MarketType(k)]))
	}
	return strings.Join(parts, " ")
}

func printSummary(r report) {
	pass, fail, skip := r.counts()
	fmt.Printf("\nsummary mode=%s rest=%s pass=%d fail=%d skip=%d duration=%s\n",
		r.Mode,
		r.RestURL,
		pass,
		fail,
		skip,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
	)
}

func writeReport(path string, r report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(msg))
	os.Exit(1)
}

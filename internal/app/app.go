// Package app wires the components shared by the binaries from one
// configuration.
package app

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"phemex-tools/internal/config"
	"phemex-tools/internal/exchange/phemex"
	"phemex-tools/internal/logging"
	"phemex-tools/internal/metrics"
	"phemex-tools/internal/notify"
	"phemex-tools/internal/safety"
	"phemex-tools/internal/scale"
	"phemex-tools/internal/stream"
	"phemex-tools/internal/tools"
)

const productsTimeout = 20 * time.Second

type App struct {
	Config  config.Config
	Log     *logging.Log
	Metrics *metrics.Metrics
	Client  *phemex.Client
	Table   *scale.Table
	Alerts  *notify.Manager
	Breaker *safety.Breaker
	Tools   *tools.Service
	Stream  *stream.Stream
}

// LoadConfig loads envFile into the process environment (a missing file is
// fine) and then reads the YAML config at path.
func LoadConfig(path, envFile string) (config.Config, error) {
	if envFile = strings.TrimSpace(envFile); envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return config.Config{}, err
		}
	}
	return config.Load(path)
}

// New builds every component. A failed product load is logged and leaves a
// not-loaded scale table: linear tools keep working and inverse or spot
// tools report the cause.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	log := logging.New()
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAgeDays); err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Log: log, Metrics: metrics.New()}
	a.Client = phemex.NewClient(cfg.Exchange, a.Metrics, log)

	loadCtx, cancel := context.WithTimeout(ctx, productsTimeout)
	table, err := scale.Load(loadCtx, a.Client)
	cancel()
	entry := log.WithComponent("app")
	counts := map[string]int{}
	for mt, n := range table.Counts() {
		counts[string(mt)] = n
	}
	a.Metrics.ScaleTable(table.Loaded(), counts)
	if err != nil {
		entry.WithError(err).Warn("product metadata unavailable; inverse and spot tools disabled")
	} else {
		entry.WithFields(logging.Fields{
			"linear":  counts["linear"],
			"inverse": counts["inverse"],
			"spot":    counts["spot"],
		}).Info("product metadata loaded")
		if skipped := table.Skipped(); len(skipped) > 0 {
			entry.WithFields(logging.Fields{"skipped": skipped}).Warn("products with unusable scale left out")
		}
	}
	a.Table = table

	a.Alerts = notify.FromConfig(cfg, log)
	var alerter notify.Alerter
	if a.Alerts != nil {
		alerter = a.Alerts
	}
	a.Breaker = safety.FromConfig(cfg.CircuitBreaker, alerter, log)
	a.Tools = tools.FromConfig(cfg, a.Client, table, a.Breaker, alerter, a.Metrics, log)
	a.Stream = stream.FromConfig(cfg.Exchange, table, a.Breaker, a.Metrics, alerter, log)
	entry.WithFields(logging.Fields{
		"mode":            string(cfg.Mode),
		"rest":            cfg.Exchange.RestBaseURL,
		"default_market":  cfg.Trading.DefaultMarket,
		"has_credentials": a.Client.HasCredentials(),
	}).Info("components ready")
	return a, nil
}

// Close flushes pending notifications.
func (a *App) Close(ctx context.Context) error {
	if a == nil || a.Alerts == nil {
		return nil
	}
	return a.Alerts.Close(ctx)
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"phemex-tools/internal/app"
	"phemex-tools/internal/config"
	"phemex-tools/internal/server"
)

var version = "dev"

func main() {
	var (
		configPath string
		envFile    string
		httpMode   bool
		httpAddr   string
	)
	flag.StringVar(&configPath, "config", "", "optional config yaml path")
	flag.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	flag.BoolVar(&httpMode, "http", false, "serve MCP over HTTP (/mcp) instead of stdio")
	flag.StringVar(&httpAddr, "addr", "", "HTTP listen address, overrides server.http_addr")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: phemex-mcp [flags]\n\nflags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\n%s", config.EnvUsage())
	}
	flag.Parse()

	cfg, err := app.LoadConfig(configPath, envFile)
	if err != nil {
		fatal(err.Error())
	}
	if httpAddr != "" {
		cfg.Server.HTTPAddr = httpAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		fatal(err.Error())
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			fmt.Fprintf(os.Stderr, "close notifier failed: %v\n", err)
		}
	}()

	srv := server.New(server.Options{
		Tools:          a.Tools,
		Metrics:        a.Metrics,
		Logger:         a.Log,
		Version:        version,
		HTTPAddr:       cfg.Server.HTTPAddr,
		MetricsEnabled: *cfg.Server.MetricsEnabled,
	})
	if httpMode {
		err = srv.RunHTTP(ctx)
	} else {
		err = srv.ServeStdio(ctx, os.Stdin, os.Stdout)
	}
	if err != nil {
		fatal(err.Error())
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(msg))
	os.Exit(1)
}

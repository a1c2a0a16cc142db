package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"phemex-tools/internal/app"
	"phemex-tools/internal/config"
	"phemex-tools/internal/tools"
)

const (
	exitOK      = 0
	exitError   = 1
	exitUsage   = 2
	exitConfirm = 3
)

func main() {
	var (
		configPath string
		envFile    string
		timeoutSec int
	)
	flag.StringVar(&configPath, "config", "", "optional config yaml path")
	flag.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	flag.IntVar(&timeoutSec, "timeout-sec", 30, "timeout for one tool call")
	flag.Usage = func() { usage(flag.CommandLine.Output()) }
	flag.Parse()

	rest := flag.Args()
	if len(rest) == 0 {
		usage(os.Stderr)
		os.Exit(exitUsage)
	}
	command, cmdArgs := rest[0], rest[1:]
	if command == "tools" {
		listTools(os.Stdout)
		return
	}

	cfg, err := app.LoadConfig(configPath, envFile)
	if err != nil {
		fatal(err.Error())
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		fatal(err.Error())
	}
	code := run(ctx, a, command, cmdArgs, time.Duration(timeoutSec)*time.Second)
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := a.Close(closeCtx); err != nil {
		fmt.Fprintf(os.Stderr, "close notifier failed: %v\n", err)
	}
	cancel()
	os.Exit(code)
}

func run(ctx context.Context, a *app.App, command string, args []string, timeout time.Duration) int {
	if command == "watch" {
		if err := watch(ctx, a.Stream, args, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			if errors.Is(err, flag.ErrHelp) || errors.Is(err, tools.ErrInvalidRequest) {
				return exitUsage
			}
			return exitError
		}
		return exitOK
	}

	d, ok := toolByCommand(command)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q; run `phemex tools` for the list\n", command)
		return exitUsage
	}
	toolArgs, err := parseToolArgs(d, args, os.Stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		return exitUsage
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := a.Tools.Call(callCtx, d.Name, toolArgs)
	return report(os.Stdout, os.Stderr, res, err)
}

// report prints the result as JSON. A confirmation request prints the
// preview and exits with its own code so scripts can tell it apart.
func report(stdout, stderr io.Writer, res tools.Result, err error) int {
	if err != nil {
		var confirmErr *tools.ConfirmationError
		if errors.As(err, &confirmErr) {
			fmt.Fprintln(stderr, err)
			_ = writeJSON(stdout, confirmErr.Preview)
			return exitConfirm
		}
		fmt.Fprintln(stderr, err)
		if errors.Is(err, tools.ErrInvalidRequest) {
			return exitUsage
		}
		return exitError
	}
	if res.Warning != "" {
		fmt.Fprintf(stderr, "warning: %s\n", res.Warning)
	}
	if err := writeJSON(stdout, res); err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	return exitOK
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSONLine(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "usage: phemex [flags] <command> [command flags]\n\ncommands:\n")
	fmt.Fprintf(w, "  %-16s %s\n", "tools", "list tools and their parameters")
	fmt.Fprintf(w, "  %-16s %s\n", "watch", "stream order book or trade updates")
	for _, d := range tools.Descriptors() {
		fmt.Fprintf(w, "  %-16s %s\n", commandName(d.Name), d.Description)
	}
	fmt.Fprintf(w, "\nflags:\n")
	flag.CommandLine.SetOutput(w)
	flag.PrintDefaults()
	fmt.Fprintf(w, "\n%s", config.EnvUsage())
}

func listTools(w io.Writer) {
	for _, d := range tools.Descriptors() {
		kind := "read"
		if d.Write {
			kind = "write"
		}
		fmt.Fprintf(w, "%s (%s): %s\n", commandName(d.Name), kind, d.Description)
		for _, p := range d.Params {
			line := fmt.Sprintf("    -%s %s", flagName(p.Name), p.Type)
			if p.Required {
				line += " (required)"
			}
			if len(p.Enum) > 0 {
				line += " [" + strings.Join(p.Enum, "|") + "]"
			}
			fmt.Fprintf(w, "%s  %s\n", line, p.Description)
		}
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(msg))
	os.Exit(exitError)
}

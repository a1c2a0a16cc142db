package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"phemex-tools/internal/contract"
	"phemex-tools/internal/stream"
	"phemex-tools/internal/tools"
)

var errWatchDone = errors.New("watch limit reached")

type watchOptions struct {
	sub stream.Subscription
	max int
}

func parseWatchArgs(args []string, errOut io.Writer) (watchOptions, error) {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(errOut)
	market := fs.String("market", "linear", "market type [linear|inverse|spot]")
	symbol := fs.String("symbol", "", "symbol, e.g. BTCUSDT")
	channel := fs.String("channel", "orderbook", "channel [orderbook|trade]")
	limit := fs.Int("max", 0, "stop after this many messages (0 = until interrupted)")
	if err := fs.Parse(args); err != nil {
		return watchOptions{}, err
	}
	if strings.TrimSpace(*symbol) == "" {
		return watchOptions{}, fmt.Errorf("%w: -symbol is required", tools.ErrInvalidRequest)
	}
	mt, err := contract.ParseMarketType(*market)
	if err != nil {
		return watchOptions{}, fmt.Errorf("%w: %v", tools.ErrInvalidRequest, err)
	}
	ch, err := stream.ParseChannel(*channel)
	if err != nil {
		return watchOptions{}, fmt.Errorf("%w: %v", tools.ErrInvalidRequest, err)
	}
	if *limit < 0 {
		return watchOptions{}, fmt.Errorf("%w: -max must be >= 0", tools.ErrInvalidRequest)
	}
	return watchOptions{
		sub: stream.Subscription{Market: mt, Symbol: strings.ToUpper(strings.TrimSpace(*symbol)), Channel: ch},
		max: *limit,
	}, nil
}

// watch prints one JSON line per message until ctx ends or -max is hit.
func watch(ctx context.Context, s *stream.Stream, args []string, out io.Writer) error {
	opts, err := parseWatchArgs(args, out)
	if err != nil {
		return err
	}
	seen := 0
	err = s.Run(ctx, opts.sub, func(msg stream.Message) error {
		if err := writeJSONLine(out, msg); err != nil {
			return err
		}
		seen++
		if opts.max > 0 && seen >= opts.max {
			return errWatchDone
		}
		return nil
	})
	if errors.Is(err, errWatchDone) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

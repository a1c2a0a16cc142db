// Package stream subscribes to Phemex public WebSocket channels and emits
// messages with fixed-point prices converted to decimal strings.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"phemex-tools/internal/config"
	"phemex-tools/internal/contract"
	"phemex-tools/internal/core"
	"phemex-tools/internal/logging"
	"phemex-tools/internal/metrics"
	"phemex-tools/internal/notify"
	"phemex-tools/internal/safety"
	"phemex-tools/internal/scale"
)

type Channel string

const (
	ChannelOrderbook Channel = "orderbook"
	ChannelTrade     Channel = "trade"
)

var ErrUnknownChannel = errors.New("unknown stream channel")

func ParseChannel(v string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "orderbook", "book", "depth":
		return ChannelOrderbook, nil
	case "trade", "trades":
		return ChannelTrade, nil
	}
	return "", fmt.Errorf("%w: %q (want orderbook or trade)", ErrUnknownChannel, v)
}

type Subscription struct {
	Market  core.MarketType
	Symbol  string
	Channel Channel
}

// Message is one pushed update. Data keeps the exchange's field names;
// inverse and spot price columns and spot size columns are unscaled.
type Message struct {
	Channel  Channel         `json:"channel"`
	Market   core.MarketType `json:"market"`
	Symbol   string          `json:"symbol"`
	Type     string          `json:"type,omitempty"`
	Sequence json.Number     `json:"sequence,omitempty"`
	Data     map[string]any  `json:"data"`
	Received time.Time       `json:"received"`
}

type Options struct {
	URL       string
	Keepalive time.Duration
	Table     *scale.Table
	Breaker   *safety.Breaker
	Metrics   *metrics.Metrics
	Alerts    notify.Alerter
	Logger    *logging.Log
}

type Stream struct {
	url        string
	keepalive  time.Duration
	table      *scale.Table
	breaker    *safety.Breaker
	metrics    *metrics.Metrics
	alerts     notify.Alerter
	log        *logging.Entry
	dialer     *websocket.Dialer
	minBackoff time.Duration
	maxBackoff time.Duration
}

func New(opts Options) *Stream {
	keepalive := opts.Keepalive
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	return &Stream{
		url:        opts.URL,
		keepalive:  keepalive,
		table:      opts.Table,
		breaker:    opts.Breaker,
		metrics:    opts.Metrics,
		alerts:     opts.Alerts,
		log:        opts.Logger.WithComponent("stream"),
		dialer:     websocket.DefaultDialer,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
}

func FromConfig(cfg config.ExchangeConfig, table *scale.Table, breaker *safety.Breaker, m *metrics.Metrics, alerts notify.Alerter, log *logging.Log) *Stream {
	return New(Options{
		URL:       cfg.WSBaseURL,
		Keepalive: time.Duration(cfg.WSKeepaliveSec) * time.Second,
		Table:     table,
		Breaker:   breaker,
		Metrics:   m,
		Alerts:    alerts,
		Logger:    log,
	})
}

func subscribeMethod(mt core.MarketType, ch Channel) string {
	name := string(ch)
	if mt == core.Linear {
		name += "_p"
	}
	return name + ".subscribe"
}

func (s *Stream) normalize(sub Subscription) (Subscription, error) {
	if !sub.Market.Valid() {
		return sub, fmt.Errorf("%w: %q", contract.ErrUnknownMarketType, sub.Market)
	}
	if sub.Channel != ChannelOrderbook && sub.Channel != ChannelTrade {
		return sub, fmt.Errorf("%w: %q", ErrUnknownChannel, sub.Channel)
	}
	sub.Symbol = contract.ResolveSymbol(sub.Market, sub.Symbol)
	if sub.Symbol == "" {
		return sub, errors.New("symbol is required")
	}
	return sub, nil
}

// Subscribe opens one connection and subscribes. The message channel is
// closed when the connection ends; the terminal error, if any, is sent on
// the error channel first.
func (s *Stream) Subscribe(ctx context.Context, sub Subscription) (<-chan Message, <-chan error, error) {
	sub, err := s.normalize(sub)
	if err != nil {
		return nil, nil, err
	}
	if s.url == "" {
		return nil, nil, errors.New("ws base url required")
	}
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, nil, err
	}
	if _, err := sendWSRequest(ctx, conn, subscribeMethod(sub.Market, sub.Channel), sub.Symbol); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("subscribe %s %s: %w", sub.Channel, sub.Symbol, err)
	}
	s.log.WithFields(logging.Fields{
		"market":  string(sub.Market),
		"symbol":  sub.Symbol,
		"channel": string(sub.Channel),
	}).Info("stream subscribed")

	messages := make(chan Message)
	errCh := make(chan error, 4)
	done := make(chan struct{})

	reportErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
		default:
		}
	}

	readTimeout := s.keepalive * 3
	if readTimeout < 30*time.Second {
		readTimeout = 30 * time.Second
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go func() {
		defer close(done)
		defer close(messages)
		defer conn.Close()

		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					reportErr(err)
				}
				return
			}
			if len(data) == 0 {
				continue
			}
			if resp, ok := parseWSResponse(data); ok {
				if resp.Error != nil && (resp.Error.Code != 0 || resp.Error.Message != "") {
					reportErr(fmt.Errorf("phemex ws error %d: %s", resp.Error.Code, resp.Error.Message))
				}
				continue
			}
			msg, ok, err := s.decode(sub, data)
			if err != nil {
				s.log.WithError(err).Debug("stream frame skipped")
				continue
			}
			if !ok {
				continue
			}
			s.metrics.StreamMessage(string(msg.Channel))
			select {
			case messages <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Phemex drops connections without an application-level ping.
	go func() {
		ticker := time.NewTicker(s.keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ping := wsRequest{ID: nextRequestID(), Method: methodPing, Params: []any{}}
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(ping); err != nil {
					reportErr(err)
					_ = conn.Close()
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			}
		}
	}()

	return messages, errCh, nil
}

// decode maps a pushed frame to a Message. Frames for other symbols or
// channels report ok=false.
func (s *Stream) decode(sub Subscription, data []byte) (Message, bool, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return Message{}, false, err
	}
	symbol, _ := raw["symbol"].(string)
	if symbol != "" && symbol != sub.Symbol {
		return Message{}, false, nil
	}

	var ch Channel
	switch {
	case raw["book"] != nil || raw["orderbook_p"] != nil:
		ch = ChannelOrderbook
	case raw["trades"] != nil || raw["trades_p"] != nil:
		ch = ChannelTrade
	default:
		return Message{}, false, nil
	}
	if ch != sub.Channel {
		return Message{}, false, nil
	}

	if contract.UsesFixedPoint(sub.Market) {
		switch ch {
		case ChannelOrderbook:
			if book, ok := raw["book"].(map[string]any); ok {
				converted := make(map[string]any, len(book))
				for k, v := range book {
					converted[k] = s.table.UnscaleBookLevels(sub.Market, sub.Symbol, v)
				}
				raw["book"] = converted
			}
		case ChannelTrade:
			raw["trades"] = s.table.UnscaleTradeRows(sub.Market, sub.Symbol, raw["trades"])
		}
	}

	msg := Message{
		Channel:  ch,
		Market:   sub.Market,
		Symbol:   sub.Symbol,
		Data:     raw,
		Received: time.Now().UTC(),
	}
	msg.Type, _ = raw["type"].(string)
	msg.Sequence, _ = raw["sequence"].(json.Number)
	return msg, true, nil
}

// Run keeps a subscription alive until ctx ends or handler fails,
// reconnecting with exponential backoff. Reconnects are gated by the
// breaker's reconnect circuit.
func (s *Stream) Run(ctx context.Context, sub Subscription, handler func(Message) error) error {
	if _, err := s.normalize(sub); err != nil {
		return err
	}
	backoff := s.minBackoff
	attempts := 0
	var disconnectedAt time.Time

	for {
		if attempts > 0 {
			if err := s.breaker.AllowReconnect(); err != nil {
				wait := time.Second
				if rem := s.breaker.ReconnectCooldownRemaining(); rem > wait {
					wait = rem
				}
				if err := sleepCtx(ctx, wait); err != nil {
					return err
				}
				continue
			}
		}

		err := s.runOnce(ctx, sub, handler, &attempts, &disconnectedAt, &backoff)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var herr handlerError
		if errors.As(err, &herr) {
			return herr.err
		}
		if err == nil {
			err = errors.New("stream closed")
		}

		if disconnectedAt.IsZero() {
			disconnectedAt = time.Now().UTC()
			s.alert("stream_disconnected", map[string]string{
				"symbol": sub.Symbol,
				"reason": err.Error(),
			})
		}
		attempts++
		s.log.WithError(err).WithFields(logging.Fields{
			"symbol":   sub.Symbol,
			"attempts": attempts,
		}).Warn("stream disconnected")

		wait := backoff
		if trip := s.breaker.RecordReconnect(err); trip != nil && errors.Is(trip, safety.ErrCircuitOpen) {
			if rem := s.breaker.ReconnectCooldownRemaining(); rem > wait {
				wait = rem
			}
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
		if backoff < s.maxBackoff {
			backoff *= 2
			if backoff > s.maxBackoff {
				backoff = s.maxBackoff
			}
		}
	}
}

type handlerError struct{ err error }

func (e handlerError) Error() string { return e.err.Error() }
func (e handlerError) Unwrap() error { return e.err }

func (s *Stream) runOnce(ctx context.Context, sub Subscription, handler func(Message) error, attempts *int, disconnectedAt *time.Time, backoff *time.Duration) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	messages, errCh, err := s.Subscribe(runCtx, sub)
	if err != nil {
		return err
	}
	s.breaker.ResetReconnect()
	if !disconnectedAt.IsZero() {
		s.alert("stream_reconnected", map[string]string{
			"symbol":       sub.Symbol,
			"attempts":     fmt.Sprint(*attempts),
			"downtime_sec": fmt.Sprint(int64(time.Since(*disconnectedAt) / time.Second)),
		})
		*disconnectedAt = time.Time{}
	}
	*attempts = 0
	*backoff = s.minBackoff

	for msg := range messages {
		if err := handler(msg); err != nil {
			return handlerError{err: err}
		}
	}
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (s *Stream) alert(event string, fields map[string]string) {
	if s.alerts != nil {
		s.alerts.Important(event, fields)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"phemex-tools/internal/core"
	"phemex-tools/internal/logging"
	"phemex-tools/internal/safety"
	"phemex-tools/internal/scale"
)

func testTable(t *testing.T) *scale.Table {
	t.Helper()
	table, err := scale.NewTable([]scale.ScaleInfo{
		{Symbol: "BTCUSD", MarketType: core.Inverse, PriceExp: 4, RatioExp: 8, ValueExp: 8},
		{Symbol: "sBTCUSDT", MarketType: core.Spot, PriceExp: 8, RatioExp: 8, ValueExp: 8},
		{Symbol: "BTCUSDT", MarketType: core.Linear, ValueExp: 8},
	}, nil)
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}
	return table
}

// fakeExchange answers subscribe requests and then writes frames.
type fakeExchange struct {
	t        *testing.T
	frames   []string
	reject   bool
	methods  chan string
	conns    atomic.Int32
	holdOpen bool
}

func (f *fakeExchange) handler(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()
	f.conns.Add(1)

	var req wsRequest
	if err := conn.ReadJSON(&req); err != nil {
		return
	}
	if f.methods != nil {
		f.methods <- req.Method + " " + strings.Trim(strings.Join(paramStrings(req.Params), ","), " ")
	}
	// A pushed frame ahead of the reply must not confuse the waiter.
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"sequence":1,"symbol":"OTHER","book":{"asks":[],"bids":[]}}`))
	if f.reject {
		_ = conn.WriteJSON(map[string]any{"id": req.ID, "error": map[string]any{"code": 6001, "message": "invalid argument"}, "result": nil})
		return
	}
	_ = conn.WriteJSON(map[string]any{"id": req.ID, "error": nil, "result": map[string]any{"status": "success"}})
	for _, frame := range f.frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			return
		}
	}
	if f.holdOpen {
		for {
			var ping wsRequest
			if err := conn.ReadJSON(&ping); err != nil {
				return
			}
			if ping.Method == methodPing {
				_ = conn.WriteJSON(map[string]any{"id": ping.ID, "error": nil, "result": "pong"})
			}
		}
	}
}

func paramStrings(params []any) []string {
	out := make([]string, 0, len(params))
	for _, p := range params {
		s, _ := p.(string)
		out = append(out, s)
	}
	return out
}

func newFakeServer(t *testing.T, f *fakeExchange) string {
	t.Helper()
	f.t = t
	srv := httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSubscribeInverseOrderbookUnscalesPrices(t *testing.T) {
	f := &fakeExchange{
		methods: make(chan string, 1),
		frames: []string{
			`{"book":{"asks":[[500010000,20]],"bids":[[500005000,10]]},"depth":30,"sequence":7,"symbol":"BTCUSD","timestamp":1,"type":"snapshot"}`,
		},
		holdOpen: true,
	}
	url := newFakeServer(t, f)
	s := New(Options{URL: url, Table: testTable(t), Logger: logging.Nop()})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	messages, _, err := s.Subscribe(ctx, Subscription{Market: core.Inverse, Symbol: "BTCUSD", Channel: ChannelOrderbook})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if got := <-f.methods; got != "orderbook.subscribe BTCUSD" {
		t.Fatalf("subscribe request = %q", got)
	}

	msg := <-messages
	if msg.Channel != ChannelOrderbook || msg.Symbol != "BTCUSD" || msg.Type != "snapshot" || msg.Sequence != "7" {
		t.Fatalf("message = %+v", msg)
	}
	book := msg.Data["book"].(map[string]any)
	bids := book["bids"].([]any)
	level := bids[0].([]any)
	if level[0] != "50000.5" {
		t.Fatalf("bid price = %#v, want 50000.5", level[0])
	}
	if level[1] != json.Number("10") {
		t.Fatalf("bid size = %#v, want untouched 10", level[1])
	}
}

func TestSubscribeLinearTradesUsesPerpChannel(t *testing.T) {
	f := &fakeExchange{
		methods: make(chan string, 1),
		frames: []string{
			`{"sequence":9,"symbol":"BTCUSDT","trades_p":[[1700000000000000000,"Buy","95000.5","0.01"]],"type":"incremental"}`,
		},
		holdOpen: true,
	}
	url := newFakeServer(t, f)
	s := New(Options{URL: url, Table: testTable(t), Logger: logging.Nop()})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	messages, _, err := s.Subscribe(ctx, Subscription{Market: core.Linear, Symbol: "BTCUSDT", Channel: ChannelTrade})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if got := <-f.methods; got != "trade_p.subscribe BTCUSDT" {
		t.Fatalf("subscribe request = %q", got)
	}
	msg := <-messages
	trade := msg.Data["trades_p"].([]any)[0].([]any)
	if trade[2] != "95000.5" {
		t.Fatalf("trade price = %#v, want string passthrough", trade[2])
	}
}

func TestSubscribeSpotResolvesSymbolAndScalesTrades(t *testing.T) {
	f := &fakeExchange{
		methods: make(chan string, 1),
		frames: []string{
			`{"sequence":3,"symbol":"sBTCUSDT","trades":[[1,"Sell",9500050000000,100000]],"type":"snapshot"}`,
		},
		holdOpen: true,
	}
	url := newFakeServer(t, f)
	s := New(Options{URL: url, Table: testTable(t), Logger: logging.Nop()})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	messages, _, err := s.Subscribe(ctx, Subscription{Market: core.Spot, Symbol: "BTCUSDT", Channel: ChannelTrade})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if got := <-f.methods; got != "trade.subscribe sBTCUSDT" {
		t.Fatalf("subscribe request = %q", got)
	}
	msg := <-messages
	trade := msg.Data["trades"].([]any)[0].([]any)
	if trade[2] != "95000.5" {
		t.Fatalf("trade price = %#v, want 95000.5", trade[2])
	}
	if trade[3] != "0.001" {
		t.Fatalf("trade size = %#v, want 0.001", trade[3])
	}
}

func TestSubscribeRejected(t *testing.T) {
	url := newFakeServer(t, &fakeExchange{reject: true})
	s := New(Options{URL: url, Table: testTable(t), Logger: logging.Nop()})
	_, _, err := s.Subscribe(context.Background(), Subscription{Market: core.Inverse, Symbol: "BTCUSD", Channel: ChannelTrade})
	if err == nil || !strings.Contains(err.Error(), "phemex ws error 6001") {
		t.Fatalf("Subscribe() error = %v, want ws error", err)
	}
}

func TestSubscribeValidatesInput(t *testing.T) {
	s := New(Options{URL: "ws://127.0.0.1:1", Logger: logging.Nop()})
	if _, _, err := s.Subscribe(context.Background(), Subscription{Market: "options", Symbol: "X", Channel: ChannelTrade}); err == nil {
		t.Fatalf("Subscribe(bad market) error = nil")
	}
	if _, _, err := s.Subscribe(context.Background(), Subscription{Market: core.Linear, Symbol: "BTCUSDT", Channel: "ticker"}); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("Subscribe(bad channel) error = %v, want %v", err, ErrUnknownChannel)
	}
	if _, _, err := s.Subscribe(context.Background(), Subscription{Market: core.Linear, Channel: ChannelTrade}); err == nil {
		t.Fatalf("Subscribe(no symbol) error = nil")
	}
}

func TestRunReconnectsAfterDisconnect(t *testing.T) {
	f := &fakeExchange{
		frames: []string{
			`{"book":{"asks":[],"bids":[[500005000,1]]},"sequence":1,"symbol":"BTCUSD","type":"snapshot"}`,
		},
	}
	url := newFakeServer(t, f)
	breaker := safety.NewBreaker(true, 5, 5, 5)
	s := New(Options{URL: url, Table: testTable(t), Breaker: breaker, Logger: logging.Nop()})
	s.minBackoff = 10 * time.Millisecond
	s.maxBackoff = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var received int
	stop := errors.New("enough")
	err := s.Run(ctx, Subscription{Market: core.Inverse, Symbol: "BTCUSD", Channel: ChannelOrderbook}, func(Message) error {
		received++
		if received == 2 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("Run() error = %v, want handler error", err)
	}
	if f.conns.Load() < 2 {
		t.Fatalf("connections = %d, want reconnect", f.conns.Load())
	}
	if got := breaker.State(safety.ActionReconnect); got != "closed" {
		t.Fatalf("reconnect circuit = %q, want closed", got)
	}
}

func TestParseChannel(t *testing.T) {
	for in, want := range map[string]Channel{"orderbook": ChannelOrderbook, "Book": ChannelOrderbook, "trades": ChannelTrade} {
		got, err := ParseChannel(in)
		if err != nil || got != want {
			t.Fatalf("ParseChannel(%q) = %q,%v want %q", in, got, err, want)
		}
	}
	if _, err := ParseChannel("kline"); !errors.Is(err, ErrUnknownChannel) {
		t.Fatalf("ParseChannel(kline) error = %v", err)
	}
}

func TestParseWSResponse(t *testing.T) {
	if _, ok := parseWSResponse([]byte(`{"book":{"asks":[]},"symbol":"BTCUSD"}`)); ok {
		t.Fatalf("data frame parsed as response")
	}
	resp, ok := parseWSResponse([]byte(`{"error":null,"id":5,"result":"pong"}`))
	if !ok || resp.ID != 5 {
		t.Fatalf("parseWSResponse() = %+v,%v", resp, ok)
	}
}

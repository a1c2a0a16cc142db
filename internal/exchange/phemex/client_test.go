package phemex

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"phemex-tools/internal/core"
	"phemex-tools/internal/logging"
)

const testSecret = "c2VjcmV0LWtleS1ieXRlcw==" // base64("secret-key-bytes")

func newTestClient(baseURL, key, secret string) *Client {
	c := NewClientWithOptions(Options{
		APIKey:      key,
		APISecret:   secret,
		RestBaseURL: baseURL,
		Logger:      logging.Nop(),
	})
	c.now = func() time.Time { return time.Unix(1700000000, 0) }
	return c
}

func expectedSignature(payload string) string {
	mac := hmac.New(sha256.New, []byte("secret-key-bytes"))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestGetSignsPathQueryAndExpiry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/g-accounts/accountPositions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get(headerAccessToken); got != "key-id" {
			t.Errorf("access token header = %q", got)
		}
		if got := r.Header.Get(headerExpiry); got != "1700000060" {
			t.Errorf("expiry header = %q, want 1700000060", got)
		}
		want := expectedSignature("/g-accounts/accountPositions" + r.URL.RawQuery + "1700000060")
		if got := r.Header.Get(headerSignature); got != want {
			t.Errorf("signature = %q, want %q", got, want)
		}
		_, _ = w.Write([]byte(`{"code":0,"msg":"","data":{"account":{"currency":"USDT"}}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "key-id", testSecret)
	params := url.Values{}
	params.Set("currency", "USDT")
	resp, err := c.Get(context.Background(), "/g-accounts/accountPositions", params)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	var data struct {
		Account struct {
			Currency string `json:"currency"`
		} `json:"account"`
	}
	if err := resp.Decode(&data); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if data.Account.Currency != "USDT" {
		t.Fatalf("currency = %q, want USDT", data.Account.Currency)
	}
}

func TestPostSignsJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("content-type = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		var decoded map[string]any
		if err := json.Unmarshal(body, &decoded); err != nil {
			t.Errorf("body not json: %s", body)
		}
		if decoded["symbol"] != "BTCUSD" {
			t.Errorf("body symbol = %v", decoded["symbol"])
		}
		want := expectedSignature("/orders" + "1700000060" + string(body))
		if got := r.Header.Get(headerSignature); got != want {
			t.Errorf("signature = %q, want %q", got, want)
		}
		_, _ = w.Write([]byte(`{"code":0,"msg":"","data":{"orderID":"abc","priceEp":500005000}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "key-id", testSecret)
	resp, err := c.Post(context.Background(), "/orders", nil, map[string]any{"symbol": "BTCUSD", "priceEp": 500005000})
	if err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	v, err := resp.Value()
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}
	m := v.(map[string]any)
	if m["priceEp"] != json.Number("500005000") {
		t.Fatalf("priceEp = %#v, want json.Number", m["priceEp"])
	}
}

func TestPutAndDeleteCarryQuery(t *testing.T) {
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		if r.URL.Query().Get("symbol") != "BTCUSDT" {
			t.Errorf("%s query = %s", r.Method, r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"code":0,"msg":"","data":null}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "", "")
	params := url.Values{"symbol": {"BTCUSDT"}}
	if _, err := c.PutWithQuery(context.Background(), "/g-positions/leverage", params); err != nil {
		t.Fatalf("PutWithQuery() error = %v", err)
	}
	if _, err := c.Delete(context.Background(), "/g-orders/all", params); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if strings.Join(methods, ",") != "PUT,DELETE" {
		t.Fatalf("methods = %v", methods)
	}
}

func TestUnsignedWithoutCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(headerSignature) != "" || r.Header.Get(headerAccessToken) != "" {
			t.Errorf("unexpected auth headers on public call")
		}
		_, _ = w.Write([]byte(`{"code":0,"msg":"","data":{"serverTime":1700000000123}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "", "")
	if c.HasCredentials() {
		t.Fatalf("HasCredentials() = true, want false")
	}
	ts, err := c.ServerTime(context.Background())
	if err != nil {
		t.Fatalf("ServerTime() error = %v", err)
	}
	if ts.UnixMilli() != 1700000000123 {
		t.Fatalf("ServerTime() = %v", ts)
	}
}

func TestAPIErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":11001,"msg":"TE_NO_ENOUGH_AVAILABLE_BALANCE","data":null}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "key-id", testSecret)
	_, err := c.Post(context.Background(), "/orders", nil, map[string]any{"symbol": "BTCUSD"})
	if !errors.Is(err, core.ErrInsufficientBalance) {
		t.Fatalf("Post() error = %v, want %v", err, core.ErrInsufficientBalance)
	}
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Code != 11001 {
		t.Fatalf("AsAPIError() = %+v,%v", apiErr, ok)
	}
	if !IsAPIErrorCode(err, 10002, 11001) {
		t.Fatalf("IsAPIErrorCode(11001) = false")
	}
	if !strings.Contains(err.Error(), "insufficient available balance") {
		t.Fatalf("error text = %q, want human description", err.Error())
	}
}

func TestUnknownAPIErrorCodePassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":77777,"msg":"SOMETHING_NEW","data":null}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "", "")
	_, err := c.Get(context.Background(), "/public/products", nil)
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Code != 77777 || apiErr.Msg != "SOMETHING_NEW" {
		t.Fatalf("AsAPIError() = %+v,%v", apiErr, ok)
	}
	if apiErr.Description() != "" {
		t.Fatalf("Description() = %q, want empty for unknown code", apiErr.Description())
	}
	if err.Error() != "phemex api error 77777: SOMETHING_NEW" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestMarketDataEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("symbol") {
		case "BTCUSD":
			_, _ = w.Write([]byte(`{"error":null,"id":0,"result":{"symbol":"BTCUSD","lastEp":500005000}}`))
		default:
			_, _ = w.Write([]byte(`{"error":{"code":6001,"message":"invalid symbol"},"id":0,"result":null}`))
		}
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "", "")
	resp, err := c.MarketData(context.Background(), "/md/ticker/24hr", url.Values{"symbol": {"BTCUSD"}})
	if err != nil {
		t.Fatalf("MarketData() error = %v", err)
	}
	v, _ := resp.Value()
	if v.(map[string]any)["lastEp"] != json.Number("500005000") {
		t.Fatalf("result = %#v", v)
	}

	_, err = c.MarketData(context.Background(), "/md/ticker/24hr", url.Values{"symbol": {"NOPE"}})
	if !errors.Is(err, core.ErrInvalidArgument) || !IsAPIErrorCode(err, 6001) {
		t.Fatalf("MarketData(NOPE) error = %v, want api error 6001", err)
	}
}

func TestHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`rate limited`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "", "")
	_, err := c.Get(context.Background(), "/public/products", nil)
	if !errors.Is(err, core.ErrRateLimited) {
		t.Fatalf("Get() error = %v, want %v", err, core.ErrRateLimited)
	}
	if !strings.Contains(err.Error(), "phemex http error 429") {
		t.Fatalf("Get() error = %q", err.Error())
	}
}

func TestHTTPErrorWithEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":401,"msg":"Unauthorized"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "key-id", testSecret)
	_, err := c.Get(context.Background(), "/accounts/accountPositions", nil)
	if !errors.Is(err, core.ErrUnauthorized) || !IsAPIErrorCode(err, 401) {
		t.Fatalf("Get() error = %v, want unauthorized api error", err)
	}
}

func TestRateLimiterHonorsContext(t *testing.T) {
	c := NewClientWithOptions(Options{
		RestBaseURL:    "http://127.0.0.1:1",
		RateLimitRPS:   0.001,
		RateLimitBurst: 1,
		Logger:         logging.Nop(),
	})
	// Drain the single token so the next Wait must block.
	c.limiter.Allow()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Get(ctx, "/public/time", nil); err == nil {
		t.Fatalf("Get() error = nil, want limiter/context error")
	}
}

func TestDecodeSecret(t *testing.T) {
	if got := string(decodeSecret(testSecret)); got != "secret-key-bytes" {
		t.Fatalf("decodeSecret(base64) = %q", got)
	}
	if got := string(decodeSecret("not base64!")); got != "not base64!" {
		t.Fatalf("decodeSecret(raw) = %q", got)
	}
	if decodeSecret("") != nil {
		t.Fatalf("decodeSecret(\"\") != nil")
	}
}

package phemex

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"phemex-tools/internal/config"
	"phemex-tools/internal/core"
	"phemex-tools/internal/exchange"
	"phemex-tools/internal/logging"
	"phemex-tools/internal/metrics"
)

const (
	headerAccessToken = "x-phemex-access-token"
	headerExpiry      = "x-phemex-request-expiry"
	headerSignature   = "x-phemex-request-signature"
)

const serverTimePath = "/public/time"

var ErrNoCredentials = errors.New("api_key/api_secret required for signed endpoints")

// Client is the REST transport. It is safe for concurrent use.
type Client struct {
	apiKey     string
	apiSecret  []byte
	baseURL    string
	expiry     time.Duration
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
	log        *logging.Entry
	now        func() time.Time
}

type Options struct {
	APIKey           string
	APISecret        string
	RestBaseURL      string
	RequestExpirySec int64
	HTTPTimeoutSec   int64
	RateLimitRPS     float64
	RateLimitBurst   int
	Metrics          *metrics.Metrics
	Logger           *logging.Log
}

var _ exchange.Transport = (*Client)(nil)

func NewClient(cfg config.ExchangeConfig, m *metrics.Metrics, log *logging.Log) *Client {
	return NewClientWithOptions(Options{
		APIKey:           cfg.APIKey,
		APISecret:        cfg.APISecret,
		RestBaseURL:      cfg.RestBaseURL,
		RequestExpirySec: cfg.RequestExpirySec,
		HTTPTimeoutSec:   cfg.HTTPTimeoutSec,
		RateLimitRPS:     cfg.RateLimitRPS,
		RateLimitBurst:   cfg.RateLimitBurst,
		Metrics:          m,
		Logger:           log,
	})
}

func NewClientWithOptions(opts Options) *Client {
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	expiry := 60 * time.Second
	if opts.RequestExpirySec > 0 {
		expiry = time.Duration(opts.RequestExpirySec) * time.Second
	}
	var limiter *rate.Limiter
	if opts.RateLimitRPS > 0 {
		burst := opts.RateLimitBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimitRPS), burst)
	}
	return &Client{
		apiKey:     strings.TrimSpace(opts.APIKey),
		apiSecret:  decodeSecret(strings.TrimSpace(opts.APISecret)),
		baseURL:    strings.TrimRight(opts.RestBaseURL, "/"),
		expiry:     expiry,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
		metrics:    opts.Metrics,
		log:        opts.Logger.WithComponent("phemex"),
		now:        time.Now,
	}
}

func (c *Client) Name() string { return "phemex" }

func (c *Client) HasCredentials() bool {
	return c.apiKey != "" && len(c.apiSecret) > 0
}

func (c *Client) Get(ctx context.Context, path string, params url.Values) (exchange.Response, error) {
	return c.call(ctx, http.MethodGet, path, params, nil)
}

func (c *Client) Post(ctx context.Context, path string, params url.Values, body any) (exchange.Response, error) {
	return c.call(ctx, http.MethodPost, path, params, body)
}

func (c *Client) PutWithQuery(ctx context.Context, path string, params url.Values) (exchange.Response, error) {
	return c.call(ctx, http.MethodPut, path, params, nil)
}

func (c *Client) Delete(ctx context.Context, path string, params url.Values) (exchange.Response, error) {
	return c.call(ctx, http.MethodDelete, path, params, nil)
}

// MarketData calls a public /md endpoint, whose envelope is
// {error, id, result} instead of {code, msg, data}.
func (c *Client) MarketData(ctx context.Context, path string, params url.Values) (exchange.Response, error) {
	body, err := c.doRequest(ctx, http.MethodGet, path, params, nil)
	if err != nil {
		return exchange.Response{}, err
	}
	var env marketDataEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return exchange.Response{}, fmt.Errorf("decode %s response: %w", path, err)
	}
	if env.Error != nil && (env.Error.Code != 0 || env.Error.Message != "") {
		c.metrics.APIError(env.Error.Code)
		return exchange.Response{}, wrapAPIError(env.Error.Code, env.Error.Message)
	}
	return exchange.Response{Data: env.Result}, nil
}

// ServerTime doubles as a connectivity probe.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	resp, err := c.Get(ctx, serverTimePath, nil)
	if err != nil {
		return time.Time{}, err
	}
	var data struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := resp.Decode(&data); err != nil {
		return time.Time{}, err
	}
	if data.ServerTime == 0 {
		return time.Time{}, errors.New("missing serverTime")
	}
	return time.UnixMilli(data.ServerTime), nil
}

func (c *Client) call(ctx context.Context, method, path string, params url.Values, payload any) (exchange.Response, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return exchange.Response{}, fmt.Errorf("encode %s body: %w", path, err)
		}
	}
	raw, err := c.doRequest(ctx, method, path, params, body)
	if err != nil {
		return exchange.Response{}, err
	}
	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return exchange.Response{}, fmt.Errorf("decode %s response: %w", path, err)
	}
	if env.Code != 0 {
		c.metrics.APIError(env.Code)
		return exchange.Response{}, wrapAPIError(env.Code, env.Msg)
	}
	return exchange.Response{Code: env.Code, Msg: env.Msg, Data: env.Data}, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, body []byte) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	query := ""
	if len(params) > 0 {
		query = params.Encode()
	}
	urlStr := c.baseURL + path
	if query != "" {
		urlStr += "?" + query
	}
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, urlStr, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.HasCredentials() {
		c.signRequest(req, path, query, body)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(method, path, "transport_error", start)
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.observe(method, path, "transport_error", start)
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		c.observe(method, path, "http_error", start)
		return nil, parseAPIError(resp.StatusCode, data)
	}
	c.observe(method, path, "ok", start)
	return data, nil
}

func (c *Client) observe(method, path, outcome string, start time.Time) {
	elapsed := time.Since(start)
	c.metrics.ObserveRequest(method, path, outcome, elapsed)
	c.log.WithFields(logging.Fields{
		"method":     method,
		"path":       path,
		"outcome":    outcome,
		"elapsed_ms": elapsed.Milliseconds(),
	}).Debug("phemex request")
}

// signRequest adds the HMAC-SHA256 signature over
// path + query + expiry + body.
func (c *Client) signRequest(req *http.Request, path, query string, body []byte) {
	expiry := strconv.FormatInt(c.now().Add(c.expiry).Unix(), 10)
	req.Header.Set(headerAccessToken, c.apiKey)
	req.Header.Set(headerExpiry, expiry)
	req.Header.Set(headerSignature, sign(c.apiSecret, path+query+expiry+string(body)))
}

func parseAPIError(status int, body []byte) error {
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Code != 0 {
		return wrapAPIError(env.Code, env.Msg)
	}
	var md marketDataEnvelope
	if err := json.Unmarshal(body, &md); err == nil && md.Error != nil && md.Error.Code != 0 {
		return wrapAPIError(md.Error.Code, md.Error.Message)
	}
	httpErr := fmt.Errorf("phemex http error %d: %s", status, strings.TrimSpace(string(body)))
	switch status {
	case http.StatusTooManyRequests:
		return errors.Join(httpErr, core.ErrRateLimited)
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.Join(httpErr, core.ErrUnauthorized)
	}
	return httpErr
}

func sign(secret []byte, payload string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// decodeSecret follows the exchange's key format: secrets are issued
// base64 encoded. Anything that does not decode is used as raw bytes.
func decodeSecret(secret string) []byte {
	if secret == "" {
		return nil
	}
	for _, enc := range []*base64.Encoding{base64.URLEncoding, base64.StdEncoding, base64.RawURLEncoding, base64.RawStdEncoding} {
		if b, err := enc.DecodeString(secret); err == nil && len(b) > 0 {
			return b
		}
	}
	return []byte(secret)
}

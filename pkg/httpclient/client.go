package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/sage/pkg/metrics"
	"github.com/Ramsey-B/sage/pkg/syncerr"
	"github.com/Ramsey-B/sage/pkg/tracing"
)

const (
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize is the maximum response body size (10MB)
	MaxResponseSize = 10 * 1024 * 1024

	// error detail kept from a failed response body
	maxErrorDetail = 512
)

// Client wraps http.Client with logging, size limits, request metrics and
// failure classification.
type Client struct {
	client *http.Client
	logger ectologger.Logger
}

type Config struct {
	Timeout         time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Timeout:         DefaultTimeout,
		MaxIdleConns:    100,
		IdleConnTimeout: 90 * time.Second,
	}
}

func NewClient(cfg Config, logger ectologger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	transport := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		MaxIdleConns:    cfg.MaxIdleConns,
		IdleConnTimeout: cfg.IdleConnTimeout,
	}

	return &Client{
		client: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		logger: logger,
	}
}

// HTTPClient exposes the underlying client, e.g. for golang.org/x/oauth2.
func (c *Client) HTTPClient() *http.Client {
	return c.client
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Duration   time.Duration
}

// Decode unmarshals the body into v. A malformed body is a data error.
func (r *Response) Decode(op string, v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return syncerr.New(syncerr.KindData, op, fmt.Errorf("failed to parse JSON: %w", err))
	}
	return nil
}

// Do executes req and returns the response for 2xx statuses. Every other
// outcome is a *syncerr.Error: transport failures and timeouts are network
// errors, non-2xx statuses are classified by code.
func (c *Client) Do(ctx context.Context, op string, req *http.Request) (*Response, error) {
	ctx, span := tracing.StartSpan(ctx, "httpclient.Do")
	defer span.End()

	start := time.Now()
	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		metrics.RecordHTTPRequest(op, "error", time.Since(start).Seconds())
		c.logger.WithContext(ctx).WithError(err).Warnf("HTTP request failed: %s %s", req.Method, redact(req))
		tracing.RecordError(span, err)
		return nil, syncerr.New(syncerr.KindNetwork, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	duration := time.Since(start)
	metrics.RecordHTTPRequest(op, strconv.Itoa(resp.StatusCode), duration.Seconds())
	if err != nil {
		return nil, syncerr.New(syncerr.KindNetwork, op, fmt.Errorf("failed to read response body: %w", err))
	}
	if len(body) > MaxResponseSize {
		return nil, syncerr.Errorf(syncerr.KindData, op, "response body too large (max %d bytes)", MaxResponseSize)
	}

	c.logger.WithContext(ctx).Debugf("HTTP %s %s -> %d (%s)", req.Method, redact(req), resp.StatusCode, duration)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		classified := syncerr.FromStatus(op, resp.StatusCode, errorDetail(body))
		classified.RetryAfter = ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		tracing.RecordError(span, classified)
		return nil, classified
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Duration:   duration,
	}, nil
}

func (c *Client) Get(ctx context.Context, op, url string, headers map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, syncerr.New(syncerr.KindInternal, op, fmt.Errorf("failed to create request: %w", err))
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	return c.Do(ctx, op, req)
}

// ParseRetryAfter reads a Retry-After header given as delay seconds or as an
// HTTP date. Missing or unparsable values return zero.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func errorDetail(body []byte) string {
	detail := strings.TrimSpace(string(body))
	if len(detail) > maxErrorDetail {
		detail = detail[:maxErrorDetail]
	}
	return detail
}

// redact drops the query string, which can carry identifiers.
func redact(req *http.Request) string {
	u := *req.URL
	u.RawQuery = ""
	return u.String()
}

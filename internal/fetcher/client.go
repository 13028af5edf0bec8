package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	retry "github.com/sethvargo/go-retry"
	"github.com/tidwall/gjson"

	"radar-chart-bot/internal/logging"
)

const maxPayloadBytes = 8 << 20

// ClientOptions parameterise the Source Client.
type ClientOptions struct {
	PublicBaseURL string
	TokenBaseURL  string
	Timeout       time.Duration
	MaxRetries    int
	BaseDelay     time.Duration
	Multiplier    float64
	MaxRetryAfter time.Duration
	UserAgent     string
}

// Request describes one logical call to the ranking endpoint.
type Request struct {
	Path   string
	Params Params
	Source Source
	Token  string
}

// Response is a successful call with its raw JSON payload.
type Response struct {
	Payload  json.RawMessage
	Status   int
	Source   Source
	URL      string
	Attempts int
}

// Doer performs a Request. *Client is the production implementation.
type Doer interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// Client calls either variant of the ranking endpoint with bounded retries.
type Client struct {
	opts   ClientOptions
	client *http.Client
	events logging.EventSink
	logger zerolog.Logger
}

// NewClient constructs a Source Client.
func NewClient(opts ClientOptions, events logging.EventSink, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.Multiplier < 1 {
		opts.Multiplier = 2
	}
	if opts.MaxRetryAfter <= 0 {
		opts.MaxRetryAfter = 30 * time.Second
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = "radarbot/1.0"
	}
	opts.PublicBaseURL = strings.TrimRight(opts.PublicBaseURL, "/")
	opts.TokenBaseURL = strings.TrimRight(opts.TokenBaseURL, "/")
	if events == nil {
		events = logging.NopSink{}
	}

	return &Client{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		events: events,
		logger: logger.With().Str("component", "source_client").Logger(),
	}
}

// Do performs req, retrying rate limits, 5xx and transport failures.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	endpoint, err := c.endpoint(req)
	if err != nil {
		return nil, err
	}

	var (
		result  *Response
		attempt int
		hint    time.Duration
		last    *Error
	)

	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		if attempt > c.opts.MaxRetries {
			return 0, true
		}
		if hint > 0 {
			return min(hint, c.opts.MaxRetryAfter), false
		}
		return c.delay(attempt - 1), false
	})

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		resp, retryAfter, ferr := c.once(ctx, req, endpoint)
		if ferr != nil {
			hint = retryAfter
			last = ferr
			c.reportFailure(req, attempt, ferr)
			if ferr.Retryable() {
				return retry.RetryableError(ferr)
			}
			return ferr
		}
		result = resp
		return nil
	})
	if err != nil {
		var fe *Error
		if errors.As(err, &fe) {
			return nil, fe
		}
		// The caller's deadline expired while waiting to retry; the last
		// answer from the server is more useful than the context error.
		if last != nil && ctx.Err() != nil {
			if last.Err == nil {
				last.Err = err
			}
			return nil, last
		}
		return nil, &Error{Kind: transportKind(err), Source: req.Source, URL: endpoint, Err: err}
	}

	result.Attempts = attempt
	return result, nil
}

// delay returns base * multiplier^n for the n-th retry, counting from zero.
func (c *Client) delay(n int) time.Duration {
	d := float64(c.opts.BaseDelay) * math.Pow(c.opts.Multiplier, float64(n))
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

func (c *Client) endpoint(req Request) (string, error) {
	base := c.opts.PublicBaseURL
	if req.Source == SourceToken {
		base = c.opts.TokenBaseURL
		if strings.TrimSpace(req.Token) == "" {
			return "", &Error{Kind: KindUnauthorized, Source: req.Source, Msg: "api token not configured"}
		}
	}
	if base == "" {
		return "", &Error{Kind: KindConfig, Source: req.Source, Msg: "base url not configured"}
	}
	path := "/" + strings.TrimLeft(req.Path, "/")
	return base + path + "?" + req.Params.Values().Encode(), nil
}

func (c *Client) once(ctx context.Context, req Request, endpoint string) (*Response, time.Duration, *Error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, &Error{Kind: KindConfig, Source: req.Source, URL: endpoint, Err: err}
	}
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.opts.UserAgent)
	if req.Source == SourceToken {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, 0, &Error{Kind: transportKind(err), Source: req.Source, URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, 0, &Error{Kind: transportKind(err), Source: req.Source, Status: resp.StatusCode, URL: endpoint, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()), &Error{
			Kind:   kindForStatus(resp.StatusCode),
			Source: req.Source,
			Status: resp.StatusCode,
			URL:    endpoint,
			Body:   truncateBody(body),
			Msg:    apiMessage(body),
		}
	}

	if !gjson.ValidBytes(body) {
		return nil, 0, &Error{Kind: KindData, Source: req.Source, Status: resp.StatusCode, URL: endpoint, Body: truncateBody(body), Msg: "response is not valid json"}
	}
	if ok := gjson.GetBytes(body, "success"); ok.Exists() && ok.Type == gjson.False {
		msg := apiMessage(body)
		if msg == "" {
			msg = "api reported success=false"
		}
		return nil, 0, &Error{Kind: KindData, Source: req.Source, Status: resp.StatusCode, URL: endpoint, Body: truncateBody(body), Msg: msg}
	}

	final := endpoint
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	return &Response{
		Payload: json.RawMessage(body),
		Status:  resp.StatusCode,
		Source:  req.Source,
		URL:     final,
	}, 0, nil
}

func (c *Client) reportFailure(req Request, attempt int, ferr *Error) {
	c.logger.Warn().
		Str("source", string(req.Source)).
		Str("kind", string(ferr.Kind)).
		Int("status", ferr.Status).
		Int("attempt", attempt).
		Str("url", ferr.URL).
		Msg("source request failed")

	c.events.Emit("fetch_failed", map[string]any{
		"source":  string(req.Source),
		"kind":    string(ferr.Kind),
		"status":  ferr.Status,
		"url":     ferr.URL,
		"params":  req.Params.Values().Encode(),
		"attempt": attempt,
		"body":    ferr.Body,
	})
}

func transportKind(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func apiMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	for _, path := range []string{"errors.0.message", "error.message", "error", "message", "description"} {
		if r := gjson.GetBytes(body, path); r.Exists() && r.Type == gjson.String && r.Str != "" {
			return r.Str
		}
	}
	return ""
}

var _ Doer = (*Client)(nil)

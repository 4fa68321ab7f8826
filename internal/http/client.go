package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/containerd/log"
	rhttp "github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
)

// Common errors.
var (
	ErrNotFound        = errors.New("http: resource not found")
	ErrForbidden       = errors.New("http: access forbidden")
	ErrUnauthorized    = errors.New("http: unauthorized")
	ErrTooManyRequests = errors.New("http: too many requests")
	ErrServerError     = errors.New("http: server error")
)

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 16
	MaxIdleConnsPerHost int

	// Timeout for individual requests.
	// Default: 60s
	Timeout time.Duration

	// DialTimeout bounds connection setup.
	// Default: 10s
	DialTimeout time.Duration

	// RetryAttempts is the maximum number of retries for transport errors,
	// 429 and 5xx responses.
	// Default: 3
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 500ms
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 10s
	RetryMaxBackoff time.Duration

	// RequestsPerSecond paces requests. Zero disables pacing.
	RequestsPerSecond float64

	// Burst is the number of requests allowed at once when pacing.
	// Default: 1
	Burst int

	// UserAgent is sent with every request.
	UserAgent string
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 16,
		Timeout:             60 * time.Second,
		DialTimeout:         10 * time.Second,
		RetryAttempts:       3,
		RetryBackoff:        500 * time.Millisecond,
		RetryMaxBackoff:     10 * time.Second,
		Burst:               1,
		UserAgent:           "pakfetch",
	}
}

// Client is an HTTP client for the content service APIs. Transport errors,
// 429 and 5xx responses are retried with jittered exponential backoff.
type Client struct {
	client  *rhttp.Client
	limiter *rate.Limiter
	opts    Options
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) *Client {
	rc := rhttp.NewClient()
	// Don't log every request
	rc.Logger = nil

	rc.RetryMax = opts.RetryAttempts
	rc.RetryWaitMin = opts.RetryBackoff
	rc.RetryWaitMax = opts.RetryMaxBackoff
	rc.Backoff = BackoffStrategy
	rc.CheckRetry = RetryStrategy
	// Hand the last response back so its status code can be mapped.
	rc.ErrorHandler = rhttp.PassthroughErrorHandler

	rc.HTTPClient = &http.Client{
		Timeout: opts.Timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: opts.DialTimeout,
			}).DialContext,
			MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
			MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &Client{client: rc, limiter: limiter, opts: opts}
}

// WithoutRetries returns a client that makes a single attempt per request.
// It shares c's connection pool and request pacing.
func (c *Client) WithoutRetries() *Client {
	opts := c.opts
	opts.RetryAttempts = 0
	n := NewClient(opts)
	n.client.HTTPClient = c.client.HTTPClient
	n.limiter = c.limiter
	return n
}

// Get performs a GET request and returns the response body.
func (c *Client) Get(ctx context.Context, url string, header http.Header) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, url, header, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatusCode(resp.StatusCode); err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("GET %s: read body: %w", url, err)
	}
	if resp.ContentLength >= 0 && int64(len(body)) != resp.ContentLength {
		return nil, fmt.Errorf("GET %s: short body: got %d bytes, want %d", url, len(body), resp.ContentLength)
	}
	return body, nil
}

// PostJSON sends in as a JSON body and decodes the JSON response into out.
// Responses with a status in accept are decoded instead of being turned into
// errors.
func (c *Client) PostJSON(ctx context.Context, url string, header http.Header, in, out any, accept ...int) (int, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return 0, fmt.Errorf("encode request: %w", err)
	}
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Type", "application/json")

	resp, err := c.do(ctx, http.MethodPost, url, header, body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	accepted := resp.StatusCode >= 200 && resp.StatusCode < 300
	for _, code := range accept {
		accepted = accepted || resp.StatusCode == code
	}
	if !accepted {
		return resp.StatusCode, fmt.Errorf("POST %s: %w", url, checkStatusCode(resp.StatusCode))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("POST %s: decode response: %w", url, err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) do(ctx context.Context, method, url string, header http.Header, body []byte) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var rawBody any
	if body != nil {
		rawBody = body
	}
	req, err := rhttp.NewRequestWithContext(ctx, method, url, rawBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	return resp, nil
}

// Jitter returns a number in the range duration to duration+(duration/divisor)-1, inclusive
func Jitter(duration time.Duration, divisor int64) time.Duration {
	if int64(duration)/divisor <= 0 {
		return duration
	}
	return time.Duration(rand.Int63n(int64(duration)/divisor) + int64(duration))
}

// BackoffStrategy extends retryablehttp's DefaultBackoff with a random jitter
// so that parallel shard downloads do not retry in lockstep.
func BackoffStrategy(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	delayTime := rhttp.DefaultBackoff(min, max, attemptNum, resp)
	return Jitter(delayTime, 8)
}

// RetryStrategy extends retryablehttp's DefaultRetryPolicy to log the error
// and response status when retrying.
func RetryStrategy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	retry, err2 := rhttp.DefaultRetryPolicy(ctx, resp, err)
	if retry {
		entry := log.G(ctx).WithError(err)
		if resp != nil {
			entry = entry.WithField("status", resp.StatusCode)
		}
		entry.Debug("retrying request")
	}
	return retry, err2
}

// checkStatusCode returns an appropriate error for non-success status codes.
func checkStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code == http.StatusTooManyRequests:
		return ErrTooManyRequests
	case code >= 500:
		return fmt.Errorf("%w: %d %s", ErrServerError, code, http.StatusText(code))
	default:
		return fmt.Errorf("unexpected status code: %d", code)
	}
}

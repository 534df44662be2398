// Package transport sends requests to the sync API with the headers the
// desktop app sends, retrying network failures with backoff.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"kappari.app/client/internal/logger"
	"kappari.app/client/internal/wire"
)

var (
	ErrTransport = errors.New("transport: request failed")
	// ErrDecode means a response arrived but its body could not be
	// decoded. It is never retried.
	ErrDecode = errors.New("transport: undecodable response")
	// ErrDryRun is returned instead of sending anything in dry-run mode.
	ErrDryRun = errors.New("transport: dry run, request not sent")
)

const (
	defaultMaxAttempts    = 3
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
)

type Request struct {
	Method      string
	Path        string
	Body        []byte
	ContentType string
	Token       string
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

type Options struct {
	HTTPClient *http.Client
	UserAgent  string
	Timeout    time.Duration

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Limiter, when set, is waited on before every attempt.
	Limiter *rate.Limiter

	// HTTPProxy and HTTPSProxy route requests by scheme. Unset ones fall
	// back to the environment. Ignored when HTTPClient is given.
	HTTPProxy          string
	HTTPSProxy         string
	InsecureSkipVerify bool

	// DryRun logs each request and returns ErrDryRun without sending it.
	DryRun bool
	// Debug logs every request and response at INFO with secrets masked.
	Debug bool
}

type Client struct {
	baseURL string
	opts    Options
	log     *logger.Logger
}

func New(baseURL string, opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout, Transport: newRoundTripper(opts)}
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = defaultMaxBackoff
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		opts:    opts,
		log:     logger.Default().With("transport"),
	}
}

func newRoundTripper(opts Options) *http.Transport {
	rt := http.DefaultTransport.(*http.Transport).Clone()
	rt.Proxy = proxyFunc(opts.HTTPProxy, opts.HTTPSProxy)
	if opts.InsecureSkipVerify {
		rt.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return rt
}

// proxyFunc picks the proxy for a request's scheme. Malformed proxy URLs
// surface as request errors.
func proxyFunc(httpProxy, httpsProxy string) func(*http.Request) (*url.URL, error) {
	return func(req *http.Request) (*url.URL, error) {
		raw := httpProxy
		if req.URL.Scheme == "https" {
			raw = httpsProxy
		}
		if raw == "" {
			return http.ProxyFromEnvironment(req)
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("proxy %q: %w", raw, err)
		}
		return u, nil
	}
}

// NewLimiter paces requests at rps with a burst of one. Zero disables pacing.
func NewLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(rps), 1)
}

func (c *Client) URL(path string) string {
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// Do sends req. Any HTTP status is returned as a Response; only failures to
// get a response at all are retried.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if c.opts.Debug || c.opts.DryRun {
		c.logRequest(req)
	}
	if c.opts.DryRun {
		c.log.Info("dry run, request not sent", logger.Fields{"method": req.Method, "url": c.URL(req.Path)})
		return nil, fmt.Errorf("%w: %s %s", ErrDryRun, req.Method, req.Path)
	}

	backoff := c.opts.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if c.opts.Limiter != nil {
			if err := c.opts.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := c.send(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrDecode) {
			return nil, err
		}
		lastErr = err

		if attempt == c.opts.MaxAttempts {
			break
		}
		c.log.Warn("request failed, will retry", logger.Fields{
			"method":  req.Method,
			"path":    req.Path,
			"attempt": attempt,
			"backoff": backoff.String(),
			"error":   err,
		})

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.opts.MaxBackoff {
			backoff = c.opts.MaxBackoff
		}
	}

	return nil, fmt.Errorf("%w: %s %s after %d attempts: %v", ErrTransport, req.Method, req.Path, c.opts.MaxAttempts, lastErr)
}

func (c *Client) send(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.URL(req.Path), body)
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("User-Agent", c.opts.UserAgent)
	// Setting Accept-Encoding ourselves turns off net/http's transparent
	// gzip handling, so responses are decoded below.
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate")
	httpReq.Header.Set("Expect", "100-continue")
	if req.Body != nil && req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	if req.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Token)
	}

	start := time.Now()
	httpResp, err := c.opts.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	encoding := strings.ToLower(httpResp.Header.Get("Content-Encoding"))
	decoded, err := wire.DecodeContent(encoding, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s status %d encoding %q: %w", ErrDecode, req.Method, req.Path, httpResp.StatusCode, encoding, err)
	}

	fields := logger.Fields{
		"method":      req.Method,
		"path":        req.Path,
		"status":      httpResp.StatusCode,
		"bytes_sent":  len(req.Body),
		"bytes_read":  len(decoded),
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if c.opts.Debug {
		fields["content_type"] = httpResp.Header.Get("Content-Type")
		fields["content_encoding"] = encoding
		c.log.Info("response", fields)
	} else {
		c.log.Debug("request completed", fields)
	}

	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: decoded}, nil
}

// logRequest records what would go on the wire. Bodies hold passwords and
// signatures, so only their size is logged.
func (c *Client) logRequest(req Request) {
	fields := logger.Fields{
		"method":       req.Method,
		"url":          c.URL(req.Path),
		"user_agent":   c.opts.UserAgent,
		"content_type": req.ContentType,
		"bytes":        len(req.Body),
	}
	if req.Token != "" {
		fields["authorization"] = "Bearer " + req.Token
	}
	c.log.Info("request", fields)
}

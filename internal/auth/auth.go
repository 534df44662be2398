// Package auth exchanges account credentials and an unlocked license for a
// bearer token and holds that token for the sync engine.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/atomic"

	"kappari.app/client/internal/license"
	"kappari.app/client/internal/logger"
	"kappari.app/client/internal/ratelimit"
	"kappari.app/client/internal/transport"
	"kappari.app/client/internal/wire"
)

const LoginPath = "account/login/"

var (
	ErrMalformedResponse = errors.New("auth: malformed login response")
	ErrRejected          = errors.New("auth: login rejected")
	ErrTransportFailure  = errors.New("auth: transport failure")
	ErrNotAuthenticated  = errors.New("auth: not authenticated")
	ErrTooManyAttempts   = errors.New("auth: too many login attempts")
)

// RejectedError carries the server's answer to a refused login.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("auth: login rejected with status %d", e.StatusCode)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

type Session struct {
	Token      string
	AcquiredAt time.Time
}

type Client struct {
	http    *transport.Client
	limiter ratelimit.Limiter
	log     *logger.Logger

	// loginMu keeps at most one login request in flight.
	loginMu sync.Mutex
	session atomic.Pointer[Session]
}

// New builds a client. A nil limiter never refuses.
func New(http *transport.Client, limiter ratelimit.Limiter) *Client {
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	return &Client{
		http:    http,
		limiter: limiter,
		log:     logger.Default().With("auth"),
	}
}

// LoginParts builds the four form fields in the order the server expects.
func LoginParts(email, password string, lic *license.SignedLicense) []wire.Part {
	return []wire.Part{
		wire.TextPart("email", email),
		wire.TextPart("password", password),
		wire.TextPart("data", string(lic.Payload)),
		wire.TextPart("signature", lic.SignatureText()),
	}
}

func (c *Client) Login(ctx context.Context, email, password string, lic *license.SignedLicense) (string, error) {
	if lic == nil {
		return "", fmt.Errorf("auth: login needs an unlocked license")
	}

	c.loginMu.Lock()
	defer c.loginMu.Unlock()

	if !c.limiter.Allow(email) {
		return "", ErrTooManyAttempts
	}

	body, boundary, err := wire.EncodeMultipart(LoginParts(email, password, lic))
	if err != nil {
		return "", err
	}

	c.log.Info("logging in", logger.Fields{"email": email})
	resp, err := c.http.Do(ctx, transport.Request{
		Method:      http.MethodPost,
		Path:        LoginPath,
		Body:        body,
		ContentType: wire.ContentType(boundary),
	})
	if err != nil {
		switch {
		case errors.Is(err, transport.ErrTransport):
			return "", fmt.Errorf("%w: %w", ErrTransportFailure, err)
		case errors.Is(err, transport.ErrDecode):
			return "", fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}
		return "", err
	}

	if !resp.OK() {
		c.log.Warn("login rejected", logger.Fields{"status": resp.StatusCode})
		return "", &RejectedError{StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}

	var result struct {
		Token string `json:"token"`
	}
	if err := wire.DecodeResult(resp.Body, &result); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if result.Token == "" {
		return "", fmt.Errorf("%w: empty token", ErrMalformedResponse)
	}

	c.limiter.Reset(email)
	session := &Session{Token: result.Token, AcquiredAt: time.Now()}
	c.session.Store(session)
	c.log.Info("login succeeded", logger.Fields{"email": email, "acquired_at": session.AcquiredAt.UTC().Format(time.RFC3339)})
	return result.Token, nil
}

// SetToken installs a token obtained elsewhere, e.g. one kept from an
// earlier run.
func (c *Client) SetToken(token string) {
	if token == "" {
		c.Invalidate()
		return
	}
	c.session.Store(&Session{Token: token, AcquiredAt: time.Now()})
}

func (c *Client) CurrentToken() (string, error) {
	s := c.session.Load()
	if s == nil {
		return "", ErrNotAuthenticated
	}
	return s.Token, nil
}

// Session returns a copy of the current session.
func (c *Client) Session() (Session, bool) {
	s := c.session.Load()
	if s == nil {
		return Session{}, false
	}
	return *s, true
}

// Invalidate drops the session.
func (c *Client) Invalidate() {
	if c.session.Swap(nil) != nil {
		c.log.Info("session invalidated")
	}
}

// Revoke drops the session only if it still holds token, so a 401 for a
// stale token cannot discard a fresh login.
func (c *Client) Revoke(token string) {
	s := c.session.Load()
	if s != nil && s.Token == token && c.session.CompareAndSwap(s, nil) {
		c.log.Info("session revoked by server")
	}
}

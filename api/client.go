// Package api is the REST side of the client: a request pipeline that attaches
// the access credential to every call and, on an expiry signal (401), hands the
// request to a renewal coordinator that refreshes the credential once and
// replays everything that failed while it was doing so.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/seji7/trpgweb/session"
	"github.com/seji7/trpgweb/telemetry"
)

const maxResponseBody = 8 << 20

var errNoRefresh = errors.New("no refresh credential")

// Options configures a Client.
type Options struct {
	// BaseURL is the backend root, e.g. http://localhost:8080.
	BaseURL string
	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient *http.Client
	// RenewTimeout bounds one renewal round-trip. Zero inherits HTTPClient's timeout.
	RenewTimeout time.Duration
	// OnSessionEnded fires once each time renewal fails and the session is torn down.
	OnSessionEnded func(cause error)
}

// Client sends REST calls on behalf of the UI. It reads credentials from the
// session store but only the renewal path writes them.
type Client struct {
	base         *url.URL
	hc           *http.Client
	store        *session.Store
	renewTimeout time.Duration
	onEnded      func(error)
	renewal      *renewalCoordinator
}

// NewClient returns a Client bound to store.
func NewClient(opts Options, store *session.Store) (*Client, error) {
	if store == nil {
		return nil, errors.New("api: nil session store")
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("api: invalid base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api: base url must be http(s), got %q", opts.BaseURL)
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	c := &Client{
		base:         base,
		hc:           hc,
		store:        store,
		renewTimeout: opts.RenewTimeout,
		onEnded:      opts.OnSessionEnded,
	}
	c.renewal = &renewalCoordinator{
		current: store.AccessToken,
		renew:   c.renew,
		replay:  c.dispatch,
		failed:  c.endSession,
	}
	return c, nil
}

// Store returns the session store the client reads credentials from.
func (c *Client) Store() *session.Store { return c.store }

// Send dispatches req. Calls outside the allow-list fail with ErrUnauthenticated
// when no access token is held. A 401 on an authenticated call is retried once
// after renewal; every other response is returned unchanged, including non-2xx.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if telemetry.GetCorrelation(ctx) == "" {
		ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	}
	ctx, span := telemetry.StartSpan(ctx, telemetry.ComponentAPI, "request", telemetry.RequestAttrs(req.Method, req.Path)...)
	defer span.End()

	public := IsPublicPath(req.Path)
	token := ""
	if !public {
		token = c.store.AccessToken()
		if token == "" {
			err := fmt.Errorf("%w: %s %s", ErrUnauthenticated, req.Method, req.Path)
			telemetry.SpanFailed(span, err)
			return nil, err
		}
	}

	resp, err := c.dispatch(ctx, req, token)
	if err != nil {
		telemetry.SpanFailed(span, err)
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && !public {
		telemetry.Inc(telemetry.APIAuthFailures)
		telemetry.LoggerWithCorr(ctx).Debug("access credential rejected; renewing",
			slog.String("method", req.Method), slog.String("path", req.Path), slog.String("component", "api"))
		span.SetAttributes(telemetry.ReplayAttr(true))
		resp, err = c.renewal.renewAndRetry(&pendingRequest{ctx: ctx, req: req, sentWith: token, retried: true})
		if err != nil {
			telemetry.SpanFailed(span, err)
			return nil, err
		}
	}
	telemetry.SpanResponse(span, resp.StatusCode)
	return resp, nil
}

// Renew exchanges the refresh credential for a new access credential, joining
// an in-flight renewal if there is one.
func (c *Client) Renew(ctx context.Context) error {
	_, err := c.renewal.renewAndRetry(&pendingRequest{ctx: ctx, renewOnly: true})
	return err
}

// dispatch performs one HTTP round-trip with token as bearer (if non-empty).
func (c *Client) dispatch(ctx context.Context, req Request, token string) (*Response, error) {
	u := c.base.JoinPath(req.Path)
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	hr.Header.Set("Accept", "application/json")
	if corr := telemetry.GetCorrelation(ctx); corr != "" {
		hr.Header.Set("X-Correlation-ID", corr)
	}
	if token != "" {
		(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}).SetAuthHeader(hr)
	}

	start := time.Now()
	telemetry.Inc(telemetry.APIRequests)
	res, err := c.hc.Do(hr)
	telemetry.ObserveSince(telemetry.APIRequestDuration, start)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := res.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	b, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read %s %s response: %w", req.Method, req.Path, err)
	}
	return &Response{StatusCode: res.StatusCode, Header: res.Header, Body: b}, nil
}

type renewalResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// renew performs the single renewal round-trip and stores the result.
func (c *Client) renew(ctx context.Context) (string, error) {
	refresh := c.store.RefreshToken()
	if refresh == "" {
		return "", errNoRefresh
	}
	if c.renewTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.renewTimeout)
		defer cancel()
	}
	ctx, span := telemetry.StartSpan(ctx, telemetry.ComponentAPI, "renew")
	defer span.End()

	resp, err := c.dispatch(ctx, Request{Method: http.MethodPost, Path: RenewalPath}, refresh)
	if err != nil {
		telemetry.SpanFailed(span, err)
		return "", fmt.Errorf("renewal request: %w", err)
	}
	var rr renewalResponse
	if err := resp.DecodeJSON(&rr); err != nil {
		telemetry.SpanFailed(span, err)
		return "", fmt.Errorf("renewal rejected: %w", err)
	}
	if rr.AccessToken == "" {
		return "", errors.New("renewal response without accessToken")
	}
	if err := c.store.SetRenewed(ctx, rr.AccessToken, rr.RefreshToken); err != nil {
		slog.Warn("renewed credential not persisted", slog.Any("err", err), slog.String("component", "api"))
	}
	telemetry.SpanOK(span)
	return rr.AccessToken, nil
}

// endSession clears both credentials and reports the terminal failure.
func (c *Client) endSession(ctx context.Context, cause error) {
	if err := c.store.Clear(ctx); err != nil {
		slog.Warn("failed to clear persisted session", slog.Any("err", err), slog.String("component", "api"))
	}
	telemetry.Inc(telemetry.SessionsEnded)
	slog.Warn("session ended: credential renewal failed", slog.Any("err", cause), slog.String("component", "api"))
	if c.onEnded != nil {
		c.onEnded(cause)
	}
}

// decodeInto sends req and decodes a 2xx JSON body into out.
func (c *Client) decodeInto(ctx context.Context, req Request, out any) error {
	resp, err := c.Send(ctx, req)
	if err != nil {
		return err
	}
	return resp.DecodeJSON(out)
}

// sendJSON encodes in as the body, sends, and decodes into out when out is non-nil.
func (c *Client) sendJSON(ctx context.Context, method, path string, in, out any) error {
	req, err := NewJSONRequest(method, path, in)
	if err != nil {
		return err
	}
	resp, err := c.Send(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return resp.Err()
	}
	return resp.DecodeJSON(out)
}

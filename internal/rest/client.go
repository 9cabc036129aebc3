package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/betbot/schwabstream/internal/auth"
	"github.com/betbot/schwabstream/pkg/cache"
	"github.com/betbot/schwabstream/pkg/config"
	"github.com/betbot/schwabstream/pkg/ratelimit"
	sdkhttp "github.com/betbot/schwabstream/pkg/sdk/http"
)

const (
	groupTrader     = "trader"
	groupMarketData = "marketdata"

	preferencesKey = "prefs"
	preferencesTTL = 5 * time.Minute
)

// TokenSource is the slice of the token manager the client needs.
type TokenSource interface {
	EnsureValidToken(ctx context.Context) (auth.Credential, error)
	ForceRefresh(ctx context.Context, stale string) (auth.Credential, error)
}

// Client executes one request per call. It holds no credential between calls.
type Client struct {
	trader *sdkhttp.Client
	market *sdkhttp.Client
	tokens TokenSource
	limits *ratelimit.Manager
	prefs  *cache.InMemoryCache[string, Preferences]
	log    *logrus.Entry
}

type Option func(*Client)

func WithLogger(l *logrus.Entry) Option {
	return func(c *Client) { c.log = l }
}

// WithRateLimiter replaces the per-group limiter, e.g. ratelimit.Unlimited{} in tests.
func WithRateLimiter(l ratelimit.RateLimiter) Option {
	return func(c *Client) {
		c.limits.Set(groupTrader, l)
		c.limits.Set(groupMarketData, l)
	}
}

func New(cfg config.APIConfig, tokens TokenSource, opts ...Option) *Client {
	if cfg.TraderURL == "" {
		cfg.TraderURL = config.DefaultTraderURL
	}
	if cfg.MarketDataURL == "" {
		cfg.MarketDataURL = config.DefaultMarketDataURL
	}
	perMinute := cfg.RateLimitPerMinute
	if perMinute <= 0 {
		perMinute = config.DefaultRateLimitPerMinute
	}
	limits := ratelimit.NewManager(ratelimit.Unlimited{})
	limits.Set(groupTrader, ratelimit.PerMinute(perMinute))
	limits.Set(groupMarketData, ratelimit.PerMinute(perMinute))

	c := &Client{
		trader: sdkhttp.NewClient(cfg.TraderURL, cfg.Timeout),
		market: sdkhttp.NewClient(cfg.MarketDataURL, cfg.Timeout),
		tokens: tokens,
		limits: limits,
		prefs:  cache.NewInMemoryCache[string, Preferences](preferencesTTL),
		log:    logrus.WithField("component", "rest"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// do runs the shared call shape: rate limit, token, request, and on 401 one
// forced refresh plus exactly one retry.
func (c *Client) do(ctx context.Context, api *sdkhttp.Client, group, method, path string, opt *sdkhttp.RequestOptions) (*resty.Response, error) {
	if err := c.limits.Wait(ctx, group); err != nil {
		return nil, &APIError{Kind: ServerTransient, Err: fmt.Errorf("rate limiter: %w", err)}
	}
	cred, err := c.tokens.EnsureValidToken(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(ctx, api, method, path, opt, cred.AccessToken)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		c.log.Warnf("%s %s: 401, forcing token refresh", method, path)
		cred, err = c.tokens.ForceRefresh(ctx, cred.AccessToken)
		if err != nil {
			if auth.IsReauthRequired(err) {
				return nil, &APIError{Kind: Unauthorized, Status: http.StatusUnauthorized, Err: err}
			}
			return nil, err
		}
		resp, err = c.send(ctx, api, method, path, opt, cred.AccessToken)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() == http.StatusUnauthorized {
			return nil, &APIError{
				Kind:   Unauthorized,
				Status: http.StatusUnauthorized,
				Err:    &auth.Error{Kind: auth.ReauthRequired, Op: "api", Err: fmt.Errorf("token rejected after refresh")},
			}
		}
	}
	return resp, classify(resp)
}

func (c *Client) send(ctx context.Context, api *sdkhttp.Client, method, path string, opt *sdkhttp.RequestOptions, token string) (*resty.Response, error) {
	o := sdkhttp.RequestOptions{}
	if opt != nil {
		o = *opt
	}
	o.Bearer = token
	resp, err := api.DoRequest(ctx, method, path, &o, nil)
	if err != nil {
		return nil, &APIError{Kind: ServerTransient, Err: err}
	}
	return resp, nil
}

func classify(resp *resty.Response) error {
	st := resp.StatusCode()
	switch {
	case st >= 200 && st < 300:
		return nil
	case st >= 500:
		code, msg := sdkhttp.ParseErrorBody(resp)
		return &APIError{Kind: ServerTransient, Status: st, Code: code, Message: msg}
	default:
		code, msg := sdkhttp.ParseErrorBody(resp)
		return &APIError{Kind: ClientError, Status: st, Code: code, Message: msg}
	}
}

func decode(resp *resty.Response, out any) error {
	b := resp.Body()
	if len(b) == 0 || out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s: %w", resp.Request.URL, err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, api *sdkhttp.Client, group, path string, params map[string]any, out any) error {
	resp, err := c.do(ctx, api, group, http.MethodGet, path, &sdkhttp.RequestOptions{Params: params})
	if err != nil {
		return err
	}
	return decode(resp, out)
}

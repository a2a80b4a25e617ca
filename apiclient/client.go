package apiclient

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jrsteele09/go-edu-client/internal/config"
	"github.com/jrsteele09/go-edu-client/sessions"
	"github.com/jrsteele09/go-edu-client/token/refresh"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	DefaultRefreshPath    = "/auth/refresh"
	defaultRequestTimeout = 30 * time.Second
)

// AuthFailureHandler is called when a 401 cannot be recovered because the
// refresh failed. The session has already been cleared when it runs.
type AuthFailureHandler func(err error)

// Refresher obtains a new access token. *refresh.Coordinator implements it.
type Refresher interface {
	Refresh(ctx context.Context) (*oauth2.Token, error)
}

// Client is the single choke point for backend calls. It attaches the bearer
// token, and on a 401 refreshes once and retries the original request once.
type Client struct {
	baseURL        string
	origin         string
	httpClient     *http.Client
	store          *sessions.Store
	refresher      Refresher
	onAuthFailure  AuthFailureHandler
	requestTimeout time.Duration
	refreshTimeout time.Duration
	refreshPath    string
	proactiveSkew  time.Duration
}

// ClientOption defines a function type to modify the Client instance.
type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithAuthFailureHandler registers the callback run on unrecoverable auth
// failure. Without one the client logs that a new login is required.
func WithAuthFailureHandler(h AuthFailureHandler) ClientOption {
	return func(c *Client) {
		c.onAuthFailure = h
	}
}

// WithRequestTimeout bounds each individual HTTP call, including reading the body.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithRefreshTimeout bounds the token refresh exchange.
func WithRefreshTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.refreshTimeout = d
	}
}

func WithRefreshPath(path string) ClientOption {
	return func(c *Client) {
		c.refreshPath = path
	}
}

// WithRefresher replaces the built-in refresh Coordinator.
func WithRefresher(r Refresher) ClientOption {
	return func(c *Client) {
		c.refresher = r
	}
}

// WithProactiveRefresh refreshes before sending when the stored access token
// is a JWT expiring within skew. A failed proactive refresh is not fatal: the
// request goes out with the old token and normal 401 handling applies.
func WithProactiveRefresh(skew time.Duration) ClientOption {
	return func(c *Client) {
		c.proactiveSkew = skew
	}
}

// New creates a Client for the backend at baseURL, reading and writing tokens through store.
func New(baseURL string, store *sessions.Store, options ...ClientOption) (*Client, error) {
	if err := validateBaseURL(baseURL); err != nil {
		return nil, errors.Wrap(err, "[apiclient New] invalid base URL")
	}
	if store == nil {
		return nil, errors.New("[apiclient New] session store is required")
	}

	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		origin:         originOf(baseURL),
		httpClient:     http.DefaultClient,
		store:          store,
		requestTimeout: defaultRequestTimeout,
		refreshPath:    DefaultRefreshPath,
	}
	for _, opt := range options {
		opt(c)
	}

	if c.refresher == nil {
		c.refresher = refresh.NewCoordinator(store, c.exchangeRefreshToken, refresh.WithTimeout(c.refreshTimeout))
	}
	return c, nil
}

// NewFromConfig creates a Client using the base URL and timeouts from cfg.
// Explicit options override the configured values.
func NewFromConfig(cfg config.ClientConfig, store *sessions.Store, options ...ClientOption) (*Client, error) {
	opts := []ClientOption{
		WithRequestTimeout(cfg.GetRequestTimeout()),
		WithRefreshTimeout(cfg.GetRefreshTimeout()),
	}
	return New(cfg.GetBaseURL(), store, append(opts, options...)...)
}

// Store returns the session store the client reads tokens from.
func (c *Client) Store() *sessions.Store {
	return c.store
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) authFailed(err error) {
	c.store.Clear()
	if c.onAuthFailure != nil {
		c.onAuthFailure(err)
		return
	}
	log.Warn().Err(err).Msg("Session expired: login required")
}

// originOf returns scheme://host of rawURL, lower-cased, or "" if it does not parse.
func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

func validateBaseURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("base URL cannot be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("URL must include a host")
	}
	return nil
}

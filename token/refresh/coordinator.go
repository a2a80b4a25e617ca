package refresh

import (
	"context"
	"fmt"
	"time"

	errs "github.com/jrsteele09/go-edu-client/internal/errors"
	"github.com/jrsteele09/go-edu-client/sessions"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrNoRefreshToken is returned without any network call when the store holds no refresh token.
	ErrNoRefreshToken = errs.ErrNoRefreshToken
	// ErrRefreshFailed wraps every failed exchange (non-2xx, transport error, missing access token).
	ErrRefreshFailed = errs.ErrRefreshFailed
	// ErrSessionChanged is joined with ErrRefreshFailed when the session was
	// cleared or replaced while the exchange ran; the result is discarded.
	ErrSessionChanged = errs.ErrSessionChanged
)

const (
	flightKey      = "refresh"
	defaultTimeout = 10 * time.Second
)

// ExchangeFunc trades a refresh token for a new token pair with the backend.
// The returned token's RefreshToken is empty when the backend does not rotate.
type ExchangeFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

// Coordinator performs refresh-token exchanges with single-flight semantics:
// while one exchange is running, every other caller waits on it and receives
// its result instead of starting another.
type Coordinator struct {
	store    *sessions.Store
	exchange ExchangeFunc
	timeout  time.Duration
	group    singleflight.Group
}

type CoordinatorOption func(*Coordinator)

// WithTimeout bounds each exchange. A timeout is reported as ErrRefreshFailed.
func WithTimeout(timeout time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// NewCoordinator creates a refresh Coordinator persisting into store.
func NewCoordinator(store *sessions.Store, exchange ExchangeFunc, options ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:    store,
		exchange: exchange,
		timeout:  defaultTimeout,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Refresh exchanges the stored refresh token for a new access token, persists
// the result, and returns it. Concurrent calls share one exchange. A caller
// whose ctx is cancelled stops waiting, but the shared exchange carries on for
// the others.
func (c *Coordinator) Refresh(ctx context.Context) (*oauth2.Token, error) {
	ch := c.group.DoChan(flightKey, func() (interface{}, error) {
		return c.doRefresh(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("[Refresh] %w: %w", ErrRefreshFailed, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*oauth2.Token), nil
	}
}

func (c *Coordinator) doRefresh(ctx context.Context) (*oauth2.Token, error) {
	refreshToken := c.store.RefreshToken()
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	tok, err := c.exchange(ctx, refreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("Token refresh failed")
		if errors.Is(err, ErrRefreshFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("[Refresh] %w: %w", ErrRefreshFailed, err)
	}
	if tok == nil || tok.AccessToken == "" {
		return nil, fmt.Errorf("[Refresh] %w: %w", ErrRefreshFailed, errs.ErrNoAccessToken)
	}

	// A logout or new login during the exchange wins over its result.
	if !c.store.UpdateTokens(refreshToken, tok) {
		log.Info().Msg("Session changed during token refresh, discarding result")
		return nil, fmt.Errorf("[Refresh] %w: %w", ErrRefreshFailed, ErrSessionChanged)
	}
	log.Debug().Bool("rotated", tok.RefreshToken != "").Msg("Access token refreshed")
	return tok, nil
}

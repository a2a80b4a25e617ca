package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	errs "github.com/jrsteele09/go-edu-client/internal/errors"
	"github.com/jrsteele09/go-edu-client/token"
	"github.com/jrsteele09/go-edu-client/token/jwt"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"
	headerRequestID     = "X-Request-ID"
	contentTypeJSON     = "application/json"
)

// RequestOptions describes one backend call. The zero value is a GET.
type RequestOptions struct {
	Method string
	// Body is JSON encoded. Ignored when RawBody is set.
	Body any
	// RawBody is sent as-is, e.g. a multipart form or file upload; set
	// ContentType (or a Content-Type header) to describe it.
	RawBody     []byte
	ContentType string
	Headers     http.Header
	Query       url.Values
	// SkipAuth sends the request without a bearer token and without the
	// refresh-and-retry on 401. Used for the login, register and refresh endpoints.
	SkipAuth bool
}

// response is a received HTTP response with its body already parsed.
type response struct {
	status int
	body   json.RawMessage
}

// preparedRequest holds everything needed to (re)issue the same request.
type preparedRequest struct {
	method      string
	path        string
	url         string
	body        []byte
	contentType string
	headers     http.Header
	requestID   string
}

// Do issues a request to path and returns the parsed JSON body of a 2xx
// response (nil for an empty or non-JSON body).
//
// A 401 triggers one token refresh followed by exactly one retry of the
// original request, whose result is final. If the refresh fails the session is
// cleared, the AuthFailureHandler runs and ErrUnauthorized is returned. Other
// non-2xx statuses return *HTTPError; network failures return *TransportError.
func (c *Client) Do(ctx context.Context, path string, opts *RequestOptions) (json.RawMessage, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}
	req, err := c.prepare(path, opts)
	if err != nil {
		return nil, err
	}

	var accessToken string
	if !opts.SkipAuth {
		accessToken = c.currentAccessToken(ctx)
	}

	resp, err := c.send(ctx, req, accessToken)
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusUnauthorized || opts.SkipAuth {
		return resp.result(req)
	}

	tok, err := c.refresher.Refresh(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// The caller gave up waiting; the session itself is still intact.
			return nil, errors.Wrapf(err, "[%s %s] refresh", req.method, req.path)
		}
		if errors.Is(err, ErrSessionChanged) {
			// Logged out or logged in again meanwhile; that session is not ours to clear.
			return nil, fmt.Errorf("[%s %s] %w: %w", req.method, req.path, ErrUnauthorized, err)
		}
		c.authFailed(err)
		return nil, fmt.Errorf("[%s %s] %w: %w", req.method, req.path, ErrUnauthorized, err)
	}

	log.Debug().Str("request_id", req.requestID).Str("path", req.path).Msg("Retrying after token refresh")
	resp, err = c.send(ctx, req, tok.AccessToken)
	if err != nil {
		return nil, err
	}
	return resp.result(req)
}

func (c *Client) Get(ctx context.Context, path string) (json.RawMessage, error) {
	return c.Do(ctx, path, &RequestOptions{Method: http.MethodGet})
}

func (c *Client) Post(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.Do(ctx, path, &RequestOptions{Method: http.MethodPost, Body: body})
}

func (c *Client) Put(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.Do(ctx, path, &RequestOptions{Method: http.MethodPut, Body: body})
}

func (c *Client) Patch(ctx context.Context, path string, body any) (json.RawMessage, error) {
	return c.Do(ctx, path, &RequestOptions{Method: http.MethodPatch, Body: body})
}

func (c *Client) Delete(ctx context.Context, path string) (json.RawMessage, error) {
	return c.Do(ctx, path, &RequestOptions{Method: http.MethodDelete})
}

// Decode unmarshals a response body into T. A nil body yields T's zero value.
func Decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, errors.Wrap(err, "[Decode] unmarshal response")
	}
	return v, nil
}

// currentAccessToken returns the stored access token, refreshing it first when
// proactive refresh is enabled and the token is about to expire.
func (c *Client) currentAccessToken(ctx context.Context) string {
	accessToken := c.store.AccessToken()
	if c.proactiveSkew <= 0 || accessToken == "" || !jwt.ExpiresWithin(accessToken, c.proactiveSkew) {
		return accessToken
	}
	tok, err := c.refresher.Refresh(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Proactive refresh failed, sending current token")
		return accessToken
	}
	return tok.AccessToken
}

func (c *Client) prepare(path string, opts *RequestOptions) (*preparedRequest, error) {
	req := &preparedRequest{
		method:    opts.Method,
		path:      path,
		headers:   opts.Headers.Clone(),
		requestID: uuid.NewString(),
	}
	if req.method == "" {
		req.method = http.MethodGet
	}
	u, err := c.resolve(path, opts.Query)
	if err != nil {
		return nil, errors.Wrapf(err, "[%s %s]", req.method, path)
	}
	req.url = u
	if req.headers == nil {
		req.headers = make(http.Header)
	}

	switch {
	case opts.RawBody != nil:
		req.body = opts.RawBody
		req.contentType = opts.ContentType
	case opts.Body != nil:
		data, err := json.Marshal(opts.Body)
		if err != nil {
			return nil, errors.Wrapf(err, "[%s %s] encode body", req.method, path)
		}
		req.body = data
		req.contentType = contentTypeJSON
	default:
		req.contentType = contentTypeJSON
	}

	// A caller supplied content type always wins.
	if req.headers.Get(headerContentType) != "" {
		req.contentType = ""
	}
	return req, nil
}

// resolve joins path onto the base URL. Absolute URLs are accepted only on the
// base URL's origin (e.g. pagination links) so the bearer token never leaves it.
func (c *Client) resolve(path string, query url.Values) (string, error) {
	var u string
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		if originOf(path) != c.origin {
			return "", ErrForeignURL
		}
		u = path
	} else {
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		u = c.baseURL + path
	}
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + query.Encode()
	}
	return u, nil
}

// send issues req once. Only transport failures are returned as errors; every
// HTTP status is returned in the response.
func (c *Client) send(ctx context.Context, req *preparedRequest, accessToken string) (*response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, body)
	if err != nil {
		return nil, errors.Wrapf(err, "[%s %s] build request", req.method, req.path)
	}
	httpReq.Header = req.headers.Clone()
	if req.contentType != "" {
		httpReq.Header.Set(headerContentType, req.contentType)
	}
	httpReq.Header.Set(headerRequestID, req.requestID)
	if accessToken != "" {
		httpReq.Header.Set(headerAuthorization, "Bearer "+accessToken)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Method: req.method, Path: req.path, Err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &TransportError{Method: req.method, Path: req.path, Err: err}
	}

	log.Debug().
		Str("method", req.method).
		Str("path", req.path).
		Int("status", httpResp.StatusCode).
		Str("request_id", req.requestID).
		Dur("duration", time.Since(start)).
		Msg("API request")

	return &response{status: httpResp.StatusCode, body: parseBody(raw)}, nil
}

func parseBody(raw []byte) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}
	return json.RawMessage(raw)
}

func (r *response) result(req *preparedRequest) (json.RawMessage, error) {
	if r.status >= 200 && r.status < 300 {
		return r.body, nil
	}
	return nil, &HTTPError{Method: req.method, Path: req.path, Status: r.status, Body: r.body}
}

// exchangeRefreshToken is the refresh.ExchangeFunc backing the default Coordinator.
func (c *Client) exchangeRefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	body, err := c.Do(ctx, c.refreshPath, &RequestOptions{
		Method:   http.MethodPost,
		Body:     map[string]string{"refresh": refreshToken},
		SkipAuth: true,
	})
	if err != nil {
		return nil, err
	}
	tok := token.FromJSON(body)
	if tok == nil {
		return nil, errs.ErrNoAccessToken
	}
	return tok, nil
}

package apiclient_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-edu-client/apiclient"
	"github.com/jrsteele09/go-edu-client/internal/config"
	"github.com/jrsteele09/go-edu-client/sessions"
	sessionrepofake "github.com/jrsteele09/go-edu-client/sessions/repofake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

// mockBackend accepts exactly one valid access token for /courses/ and
// exchanges refresh tokens for newAccess (and newRefresh if set).
type mockBackend struct {
	server *httptest.Server

	mu           sync.Mutex
	validToken   string
	newAccess    string
	newRefresh   string
	refreshFails bool
	refreshDelay time.Duration
	authHeaders  []string
	refreshBody  map[string]string

	refreshCalls atomic.Int32
	courseCalls  atomic.Int32
}

func newMockBackend(t *testing.T) *mockBackend {
	t.Helper()
	m := &mockBackend{validToken: "T1", newAccess: "T2"}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		m.refreshCalls.Add(1)
		m.mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&m.refreshBody)
		delay, fails := m.refreshDelay, m.refreshFails
		resp := map[string]string{"access": m.newAccess}
		if m.newRefresh != "" {
			resp["refresh"] = m.newRefresh
		}
		if !fails {
			m.validToken = m.newAccess
		}
		m.mu.Unlock()

		time.Sleep(delay)
		if fails {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"Token is invalid or expired"}`))
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})
	mux.HandleFunc("GET /courses/", func(w http.ResponseWriter, r *http.Request) {
		m.courseCalls.Add(1)
		auth := r.Header.Get("Authorization")
		m.mu.Lock()
		m.authHeaders = append(m.authHeaders, auth)
		valid := auth == "Bearer "+m.validToken
		m.mu.Unlock()

		if !valid {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Given token not valid"})
			return
		}
		writeJSON(w, http.StatusOK, []map[string]any{{"id": 7, "title": "Algebra"}})
	})

	m.server = httptest.NewServer(mux)
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockBackend) headers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.authHeaders...)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newStore(access, refresh string) *sessions.Store {
	s := sessions.New(sessionrepofake.NewFakeSessionRepo())
	s.SetTokens(&oauth2.Token{AccessToken: access, RefreshToken: refresh})
	return s
}

func newClient(t *testing.T, baseURL string, store *sessions.Store, opts ...apiclient.ClientOption) *apiclient.Client {
	t.Helper()
	c, err := apiclient.New(baseURL, store, opts...)
	require.NoError(t, err)
	return c
}

func TestNewValidatesBaseURL(t *testing.T) {
	store := newStore("", "")
	for _, u := range []string{"", "ftp://example.com", "http://", "://bad"} {
		_, err := apiclient.New(u, store)
		require.Error(t, err, u)
	}
	_, err := apiclient.New("http://localhost:8000/api", nil)
	require.Error(t, err)

	c, err := apiclient.New("http://localhost:8000/api/", store)
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8000/api", c.BaseURL())
}

func TestDoAttachesHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		writeJSON(w, http.StatusOK, map[string]string{"path": r.URL.RequestURI()})
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, newStore("T1", "R1"))
	body, err := c.Do(context.Background(), "courses/", &apiclient.RequestOptions{
		Query: url.Values{"page": {"2"}},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"path":"/courses/?page=2"}`, string(body))
	require.Equal(t, "Bearer T1", got.Get("Authorization"))
	require.Equal(t, "application/json", got.Get("Content-Type"))
	require.NotEmpty(t, got.Get("X-Request-ID"))
}

func TestDoWithoutTokenSendsNoAuthorization(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, newStore("", ""))
	body, err := c.Get(context.Background(), "/public/")
	require.NoError(t, err)
	require.Nil(t, body)
	require.Empty(t, got.Values("Authorization"))
}

func TestSkipAuthNeverAttachesToken(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, newStore("VALID", "R1"))
	_, err := c.Do(context.Background(), "/auth/login", &apiclient.RequestOptions{
		Method:   http.MethodPost,
		Body:     map[string]string{"email": "a@b.com"},
		SkipAuth: true,
	})
	require.NoError(t, err)
	require.Empty(t, got.Values("Authorization"))
}

func TestForeignAbsoluteURLIsRejected(t *testing.T) {
	var foreignCalls atomic.Int32
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		foreignCalls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer foreign.Close()

	m := newMockBackend(t)
	store := newStore("SECRET", "R1")
	c := newClient(t, m.server.URL, store)

	_, err := c.Get(context.Background(), foreign.URL+"/x")
	require.ErrorIs(t, err, apiclient.ErrForeignURL)
	require.Equal(t, int32(0), foreignCalls.Load())
	require.Equal(t, int32(0), m.refreshCalls.Load())
	require.Equal(t, "SECRET", store.AccessToken())
}

func TestSameOriginAbsoluteURLIsAllowed(t *testing.T) {
	m := newMockBackend(t)
	c := newClient(t, m.server.URL, newStore("T1", "R1"))

	body, err := c.Get(context.Background(), m.server.URL+"/courses/")
	require.NoError(t, err)
	require.JSONEq(t, `[{"id":7,"title":"Algebra"}]`, string(body))
	require.Equal(t, []string{"Bearer T1"}, m.headers())
}

func TestSkipAuth401IsNotRefreshed(t *testing.T) {
	m := newMockBackend(t)
	store := newStore("", "R1")
	c := newClient(t, m.server.URL, store)

	_, err := c.Do(context.Background(), "/courses/", &apiclient.RequestOptions{SkipAuth: true})
	var httpErr *apiclient.HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusUnauthorized, httpErr.Status)
	require.Equal(t, int32(0), m.refreshCalls.Load())
	require.Equal(t, "R1", store.RefreshToken())
}

func TestDoRefreshesAndRetries(t *testing.T) {
	m := newMockBackend(t)
	m.validToken = "T2"
	store := newStore("T1", "R1")
	c := newClient(t, m.server.URL, store)

	body, err := c.Get(context.Background(), "/courses/")
	require.NoError(t, err)
	require.JSONEq(t, `[{"id":7,"title":"Algebra"}]`, string(body))

	require.Equal(t, int32(1), m.refreshCalls.Load())
	require.Equal(t, map[string]string{"refresh": "R1"}, m.refreshBody)
	require.Equal(t, []string{"Bearer T1", "Bearer T2"}, m.headers())
	require.Equal(t, "T2", store.AccessToken())
	require.Equal(t, "R1", store.RefreshToken())
}

func TestDoRefreshRotatesRefreshToken(t *testing.T) {
	m := newMockBackend(t)
	m.validToken = "T2"
	m.newRefresh = "R2"
	store := newStore("T1", "R1")
	c := newClient(t, m.server.URL, store)

	_, err := c.Get(context.Background(), "/courses/")
	require.NoError(t, err)
	require.Equal(t, "T2", store.AccessToken())
	require.Equal(t, "R2", store.RefreshToken())
}

func TestDoRetriesOnlyOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/refresh" {
			writeJSON(w, http.StatusOK, map[string]string{"access": "T2"})
			return
		}
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "nope"})
	}))
	defer srv.Close()

	var refreshes atomic.Int32
	r := &countingRefresher{token: &oauth2.Token{AccessToken: "T2"}, calls: &refreshes}
	store := newStore("T1", "R1")
	c := newClient(t, srv.URL, store, apiclient.WithRefresher(r))

	_, err := c.Get(context.Background(), "/courses/")
	require.ErrorIs(t, err, apiclient.ErrUnauthorized)
	var httpErr *apiclient.HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusUnauthorized, httpErr.Status)
	require.Equal(t, "nope", httpErr.Message())
	require.Equal(t, int32(1), refreshes.Load())
}

type countingRefresher struct {
	token *oauth2.Token
	err   error
	calls *atomic.Int32
}

func (r *countingRefresher) Refresh(context.Context) (*oauth2.Token, error) {
	r.calls.Add(1)
	return r.token, r.err
}

func TestDoRefreshFailureClearsSession(t *testing.T) {
	m := newMockBackend(t)
	m.refreshFails = true
	store := newStore("T0", "R1")
	store.SetUser(json.RawMessage(`{"id":1}`))

	var handled atomic.Int32
	var handledErr error
	c := newClient(t, m.server.URL, store, apiclient.WithAuthFailureHandler(func(err error) {
		handled.Add(1)
		handledErr = err
	}))

	_, err := c.Get(context.Background(), "/courses/")
	require.ErrorIs(t, err, apiclient.ErrUnauthorized)
	require.ErrorIs(t, handledErr, apiclient.ErrRefreshFailed)
	require.Equal(t, int32(1), handled.Load())

	require.Empty(t, store.AccessToken())
	require.Empty(t, store.RefreshToken())
	_, ok := store.User()
	require.False(t, ok)
}

type cancellingRefresher struct {
	cancel context.CancelFunc
}

func (r *cancellingRefresher) Refresh(ctx context.Context) (*oauth2.Token, error) {
	r.cancel()
	return nil, apiclient.ErrRefreshFailed
}

func TestDoCancelledDuringRefreshKeepsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "expired"})
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handled atomic.Int32
	store := newStore("T1", "R1")
	c := newClient(t, srv.URL, store,
		apiclient.WithRefresher(&cancellingRefresher{cancel: cancel}),
		apiclient.WithAuthFailureHandler(func(error) { handled.Add(1) }),
	)

	_, err := c.Get(ctx, "/courses/")
	require.ErrorIs(t, err, apiclient.ErrRefreshFailed)
	require.NotErrorIs(t, err, apiclient.ErrUnauthorized)
	require.Equal(t, int32(0), handled.Load())
	require.Equal(t, "T1", store.AccessToken())
	require.Equal(t, "R1", store.RefreshToken())
}

// relogRefresher simulates a new login landing while the refresh was running.
type relogRefresher struct {
	store *sessions.Store
}

func (r *relogRefresher) Refresh(context.Context) (*oauth2.Token, error) {
	r.store.Clear()
	r.store.SetTokens(&oauth2.Token{AccessToken: "N1", RefreshToken: "NR1"})
	return nil, fmt.Errorf("%w: %w", apiclient.ErrRefreshFailed, apiclient.ErrSessionChanged)
}

func TestDoSessionChangedDuringRefreshKeepsNewSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "expired"})
	}))
	defer srv.Close()

	var handled atomic.Int32
	store := newStore("T1", "R1")
	c := newClient(t, srv.URL, store,
		apiclient.WithRefresher(&relogRefresher{store: store}),
		apiclient.WithAuthFailureHandler(func(error) { handled.Add(1) }),
	)

	_, err := c.Get(context.Background(), "/courses/")
	require.ErrorIs(t, err, apiclient.ErrUnauthorized)
	require.ErrorIs(t, err, apiclient.ErrSessionChanged)
	require.Equal(t, int32(0), handled.Load())
	require.Equal(t, "N1", store.AccessToken())
	require.Equal(t, "NR1", store.RefreshToken())
}

func TestNewFromConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		writeJSON(w, http.StatusOK, nil)
	}))
	defer srv.Close()

	t.Setenv("API_BASE_URL", srv.URL+"/")
	t.Setenv("REQUEST_TIMEOUT", "50ms")

	c, err := apiclient.NewFromConfig(config.Client{}, newStore("", ""))
	require.NoError(t, err)
	require.Equal(t, srv.URL, c.BaseURL())

	_, err = c.Get(context.Background(), "/slow")
	require.ErrorIs(t, err, apiclient.ErrTransport)
}

func TestDoNoRefreshTokenShortCircuits(t *testing.T) {
	m := newMockBackend(t)
	store := newStore("expired", "")
	c := newClient(t, m.server.URL, store)

	_, err := c.Get(context.Background(), "/courses/")
	require.ErrorIs(t, err, apiclient.ErrUnauthorized)
	require.ErrorIs(t, err, apiclient.ErrNoRefreshToken)
	require.Equal(t, int32(0), m.refreshCalls.Load())
	require.Empty(t, store.AccessToken())
}

func TestConcurrent401sShareOneRefresh(t *testing.T) {
	const callers = 6

	m := newMockBackend(t)
	m.refreshDelay = 150 * time.Millisecond
	store := newStore("T1", "R1")
	c := newClient(t, m.server.URL, store)

	// Every caller must see T1 rejected before the refresh makes T2 valid.
	m.mu.Lock()
	m.validToken = "pending"
	m.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Get(context.Background(), "/courses/")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), m.refreshCalls.Load())

	var retried int
	for _, h := range m.headers() {
		if h == "Bearer T2" {
			retried++
		} else {
			assert.Equal(t, "Bearer T1", h)
		}
	}
	require.Equal(t, callers, retried)
}

func TestDoHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"title":    []string{"This field is required."},
			"due_date": []string{"Date has wrong format.", "Must be in the future."},
			"code":     "invalid",
		})
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, newStore("T1", "R1"))
	_, err := c.Post(context.Background(), "/assignments/", map[string]string{"title": ""})

	var httpErr *apiclient.HTTPError
	require.ErrorAs(t, err, &httpErr)
	require.Equal(t, http.StatusBadRequest, httpErr.Status)
	require.Equal(t, http.MethodPost, httpErr.Method)
	require.False(t, errors.Is(err, apiclient.ErrUnauthorized))
	require.Equal(t, map[string][]string{
		"title":    {"This field is required."},
		"due_date": {"Date has wrong format.", "Must be in the future."},
	}, httpErr.FieldErrors())
	require.Contains(t, httpErr.Error(), "status 400")
}

func TestDoNonJSONBodyIsNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, newStore("T1", "R1"))
	body, err := c.Delete(context.Background(), "/announcements/3/")
	require.NoError(t, err)
	require.Nil(t, body)
}

func TestDoTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	c := newClient(t, baseURL, newStore("T1", "R1"))
	_, err := c.Get(context.Background(), "/courses/")
	require.ErrorIs(t, err, apiclient.ErrTransport)
	var tErr *apiclient.TransportError
	require.ErrorAs(t, err, &tErr)
	require.Equal(t, "/courses/", tErr.Path)
}

func TestDoTimeoutIsTransportError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newClient(t, srv.URL, newStore("T1", "R1"), apiclient.WithRequestTimeout(30*time.Millisecond))
	_, err := c.Get(context.Background(), "/slow/")
	require.ErrorIs(t, err, apiclient.ErrTransport)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDoRawBodyKeepsContentType(t *testing.T) {
	var gotType string
	var gotFile string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			gotFile = r.FormValue("comment")
		}
		writeJSON(w, http.StatusCreated, map[string]int{"id": 11})
	}))
	defer srv.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("comment", "my essay"))
	require.NoError(t, mw.Close())

	c := newClient(t, srv.URL, newStore("T1", "R1"))
	body, err := c.Do(context.Background(), "/submissions/", &apiclient.RequestOptions{
		Method:      http.MethodPost,
		RawBody:     buf.Bytes(),
		ContentType: mw.FormDataContentType(),
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"id":11}`, string(body))
	require.Equal(t, mw.FormDataContentType(), gotType)
	require.Equal(t, "my essay", gotFile)
}

func TestDoCallerContentTypeWins(t *testing.T) {
	var gotType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, newStore("T1", "R1"))
	_, err := c.Do(context.Background(), "/notes/", &apiclient.RequestOptions{
		Method:  http.MethodPut,
		Body:    map[string]string{"a": "b"},
		Headers: http.Header{"Content-Type": {"application/merge-patch+json"}},
	})
	require.NoError(t, err)
	require.Equal(t, "application/merge-patch+json", gotType)
}

func TestProactiveRefresh(t *testing.T) {
	m := newMockBackend(t)
	expiring, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"exp": time.Now().Add(5 * time.Second).Unix(),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	m.mu.Lock()
	m.validToken = "T2"
	m.mu.Unlock()

	store := newStore(expiring, "R1")
	c := newClient(t, m.server.URL, store, apiclient.WithProactiveRefresh(time.Minute))

	_, err = c.Get(context.Background(), "/courses/")
	require.NoError(t, err)
	require.Equal(t, int32(1), m.refreshCalls.Load())
	require.Equal(t, []string{"Bearer T2"}, m.headers())
}

func TestDecode(t *testing.T) {
	type course struct {
		ID    int    `json:"id"`
		Title string `json:"title"`
	}
	courses, err := apiclient.Decode[[]course](json.RawMessage(`[{"id":7,"title":"Algebra"}]`))
	require.NoError(t, err)
	require.Equal(t, []course{{ID: 7, Title: "Algebra"}}, courses)

	empty, err := apiclient.Decode[*course](nil)
	require.NoError(t, err)
	require.Nil(t, empty)

	_, err = apiclient.Decode[course](json.RawMessage(`[]`))
	require.Error(t, err)
}

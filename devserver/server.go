// Package devserver is a small in-memory stand-in for the education platform
// backend. It implements the auth routes with real JWT access tokens and
// opaque refresh tokens, plus a protected course listing, so the client can be
// exercised end to end without the real backend.
package devserver

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jrsteele09/go-edu-client/users"
	"github.com/rs/zerolog/log"
)

type Course struct {
	ID      int    `json:"id"`
	Title   string `json:"title"`
	Teacher string `json:"teacher,omitempty"`
}

type Server struct {
	env     string
	mux     *http.ServeMux
	routes  []string
	tokens  *tokenIssuer
	users   *accountRepo
	courses []Course
	lock    sync.RWMutex
}

// ServerOption defines a function type to modify the Server instance.
type ServerOption func(*Server)

func WithEnv(env string) ServerOption {
	return func(s *Server) {
		s.env = env
	}
}

// WithTokenExpiry sets the access and refresh token lifetimes.
func WithTokenExpiry(accessTokenExpiry, refreshTokenExpiry time.Duration) ServerOption {
	return func(s *Server) {
		s.tokens.accessExpiry = accessTokenExpiry
		s.tokens.refreshExpiry = refreshTokenExpiry
	}
}

// WithRefreshRotation makes every refresh consume the presented refresh token and issue a new one.
func WithRefreshRotation(rotate bool) ServerOption {
	return func(s *Server) {
		s.tokens.rotate = rotate
	}
}

func WithNowFunc(now func() time.Time) ServerOption {
	return func(s *Server) {
		s.tokens.nowFunc = now
	}
}

func WithSigningSecret(secret string) ServerOption {
	return func(s *Server) {
		s.tokens.secret = []byte(secret)
	}
}

func New(options ...ServerOption) *Server {
	s := &Server{
		env: "DEV",
		mux: http.NewServeMux(),
		tokens: &tokenIssuer{
			secret:        []byte("devserver-secret"),
			issuer:        "edu-devserver",
			accessExpiry:  5 * time.Minute,
			refreshExpiry: 24 * time.Hour,
			nowFunc:       time.Now,
			refreshTokens: make(map[string]storedRefreshToken),
		},
		users: newAccountRepo(),
		courses: []Course{
			{ID: 1, Title: "Algebra I"},
			{ID: 2, Title: "Biology"},
		},
	}
	for _, opt := range options {
		opt(s)
	}

	s.initRoutes()
	s.logRoutes()
	return s
}

// AddUser seeds an account, e.g. a teacher for local testing.
func (s *Server) AddUser(u users.User, password string) (*users.User, error) {
	return s.users.create(u, password)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

func (s *Server) initRoutes() {
	api := s.APIMiddleware()
	s.RegisterRouteFunc("POST "+RouteLogin, ChainMiddleware(s.LoginHandler(), api...))
	s.RegisterRouteFunc("POST "+RouteRegister, ChainMiddleware(s.RegisterHandler(), api...))
	s.RegisterRouteFunc("POST "+RouteRefresh, ChainMiddleware(s.RefreshHandler(), api...))
	s.RegisterRouteFunc("GET "+RouteMe, ChainMiddleware(s.MeHandler(), append(api, s.RequireAuth)...))
	s.RegisterRouteFunc("GET "+RouteCourses, ChainMiddleware(s.ListCoursesHandler(), append(api, s.RequireAuth)...))
	s.RegisterRouteFunc("POST "+RouteCourses, ChainMiddleware(s.CreateCourseHandler(), append(api, s.RequireAuth)...))
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)
		if len(parts) > 1 {
			log.Debug().Str("method", parts[0]).Str("path", parts[1]).Msg("Route")
		} else {
			log.Debug().Str("path", parts[0]).Msg("Route")
		}
	}
}

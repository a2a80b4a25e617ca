package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/jrsteele09/go-edu-client/apiclient"
	"github.com/jrsteele09/go-edu-client/internal/utils"
	"github.com/jrsteele09/go-edu-client/sessions"
	"github.com/jrsteele09/go-edu-client/token"
	"github.com/jrsteele09/go-edu-client/users"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// Requester issues backend calls. *apiclient.Client implements it.
type Requester interface {
	Do(ctx context.Context, path string, opts *apiclient.RequestOptions) (json.RawMessage, error)
}

// Profile is the registration payload. Extra is merged into the request body
// for backend fields this client does not model.
type Profile struct {
	Email     string
	Password  string
	Username  string
	FirstName string
	LastName  string
	Role      users.RoleType
	Extra     map[string]any
}

// Result is the outcome of a login or registration: the raw auth response,
// the normalized tokens, and the canonical user record.
type Result struct {
	Response map[string]any
	Token    *oauth2.Token
	User     json.RawMessage
}

// MarshalJSON renders the auth response with "user" replaced by the canonical record.
func (r *Result) MarshalJSON() ([]byte, error) {
	combined := make(map[string]any, len(r.Response)+1)
	for k, v := range r.Response {
		combined[k] = v
	}
	if r.User != nil {
		combined["user"] = r.User
	} else {
		combined["user"] = nil
	}
	return json.Marshal(combined)
}

// Service runs the session lifecycle (login, register, logout) on top of the
// request executor and the session store.
type Service struct {
	client         Requester
	store          *sessions.Store
	endpoints      Endpoints
	deriveUsername bool
	checkPasswords bool
}

// ServiceOption defines a function type to modify the Service instance.
type ServiceOption func(*Service)

func WithEndpoints(e Endpoints) ServiceOption {
	return func(s *Service) {
		s.endpoints = e
	}
}

// WithUsernameDerivation controls whether login also sends a "username" taken
// from the local part of the identifier. The backend login view currently
// expects both fields; on by default.
func WithUsernameDerivation(enabled bool) ServiceOption {
	return func(s *Service) {
		s.deriveUsername = enabled
	}
}

// WithPasswordStrengthCheck rejects weak passwords at registration before any request is made.
func WithPasswordStrengthCheck() ServiceOption {
	return func(s *Service) {
		s.checkPasswords = true
	}
}

func NewService(client Requester, store *sessions.Store, options ...ServiceOption) (*Service, error) {
	if client == nil {
		return nil, errors.New("[NewService] client is required")
	}
	if store == nil {
		return nil, errors.New("[NewService] session store is required")
	}

	s := &Service{
		client:         client,
		store:          store,
		endpoints:      DefaultEndpoints,
		deriveUsername: true,
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Login exchanges credentials for tokens, persists them, and caches the
// canonical user record fetched right after.
func (s *Service) Login(ctx context.Context, identifier, password string) (*Result, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return nil, errors.Wrap(ErrInvalidCredentials, "[Login] identifier and password are required")
	}

	// Never mix a stale session with a new login attempt.
	s.store.Clear()

	body := map[string]string{
		"email":    identifier,
		"password": password,
	}
	if s.deriveUsername {
		body["username"] = utils.LocalPart(identifier)
	}

	res, err := s.authenticate(ctx, s.endpoints.Login, body)
	if err != nil {
		return nil, errors.Wrap(err, "[Login]")
	}
	return res, nil
}

// Register creates an account and starts a session exactly as Login does.
func (s *Service) Register(ctx context.Context, profile Profile) (*Result, error) {
	profile.Email = strings.TrimSpace(profile.Email)
	if profile.Email == "" || profile.Password == "" {
		return nil, errors.Wrap(ErrInvalidCredentials, "[Register] email and password are required")
	}
	if s.checkPasswords {
		if err := users.ValidatePasswordStrength(profile.Password); err != nil {
			return nil, errors.Wrap(ErrInvalidCredentials, "[Register] "+err.Error())
		}
	}

	s.store.Clear()

	res, err := s.authenticate(ctx, s.endpoints.Register, profile.body())
	if err != nil {
		return nil, errors.Wrap(err, "[Register]")
	}
	return res, nil
}

// Logout clears the local session. There is no server-side session to end.
func (s *Service) Logout() {
	s.store.Clear()
	log.Info().Msg("Logged out")
}

// FetchCurrentUser returns the canonical current-user record.
func (s *Service) FetchCurrentUser(ctx context.Context) (json.RawMessage, error) {
	return s.client.Do(ctx, s.endpoints.Me, &apiclient.RequestOptions{Method: http.MethodGet})
}

// CurrentUser fetches, caches and decodes the current user.
func (s *Service) CurrentUser(ctx context.Context) (*users.User, error) {
	raw, err := s.FetchCurrentUser(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "[CurrentUser]")
	}
	s.store.SetUser(raw)
	return users.Decode(raw)
}

// CachedUser returns the cached user record without contacting the backend.
func (s *Service) CachedUser() (*users.User, bool) {
	raw, ok := s.store.User()
	if !ok {
		return nil, false
	}
	u, err := users.Decode(raw)
	if err != nil || u == nil {
		return nil, false
	}
	return u, true
}

// IsAuthenticated reports whether an access token is stored. It does not check validity.
func (s *Service) IsAuthenticated() bool {
	return s.store.AccessToken() != ""
}

func (s *Service) authenticate(ctx context.Context, path string, body any) (*Result, error) {
	raw, err := s.client.Do(ctx, path, &apiclient.RequestOptions{
		Method:   http.MethodPost,
		Body:     body,
		SkipAuth: true,
	})
	if err != nil {
		return nil, err
	}

	var response map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &response); err != nil {
			return nil, errors.Wrap(err, "decode auth response")
		}
	}

	res := &Result{Response: response, Token: token.FromResponse(response)}
	if res.Token == nil {
		// Without a token the user fetch would only 401 and tear the session down.
		log.Warn().Str("path", path).Msg("Auth response contained no token")
		res.User = embeddedUser(response)
		s.store.SetUser(res.User)
		return res, nil
	}
	s.store.SetTokens(res.Token)

	user, err := s.FetchCurrentUser(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Fetching current user failed, using login response")
		user = embeddedUser(response)
	}
	res.User = user
	s.store.SetUser(user)
	return res, nil
}

// embeddedUser returns the "user" object of an auth response, or nil.
func embeddedUser(response map[string]any) json.RawMessage {
	u, ok := response["user"]
	if !ok || u == nil {
		return nil
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return nil
	}
	return raw
}

func (p Profile) body() map[string]any {
	body := make(map[string]any, len(p.Extra)+6)
	for k, v := range p.Extra {
		body[k] = v
	}
	body["email"] = p.Email
	body["password"] = p.Password
	if p.Username != "" {
		body["username"] = p.Username
	}
	if p.FirstName != "" {
		body["first_name"] = p.FirstName
	}
	if p.LastName != "" {
		body["last_name"] = p.LastName
	}
	if p.Role != "" {
		body["role"] = p.Role
	}
	return body
}

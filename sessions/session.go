package sessions

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// Store is the session token store. Every operation is best-effort: storage
// failures are logged and reads degrade to "absent", so callers never have to
// handle a persistence error.
type Store struct {
	repo Repo
	// mu serializes the multi-key operations so a Clear cannot interleave with a token update.
	mu sync.Mutex
}

// New returns a Store persisting through repo.
func New(repo Repo) *Store {
	return &Store{repo: repo}
}

// Get returns the stored value for key, or false if it is absent or unreadable.
func (s *Store) Get(key Key) (string, bool) {
	value, err := s.repo.Get(key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			log.Warn().Err(err).Str("key", string(key)).Msg("Session store read failed")
		}
		return "", false
	}
	if value == "" {
		return "", false
	}
	return value, true
}

// Set stores value under key. Failures are logged and swallowed.
func (s *Store) Set(key Key, value string) {
	if err := s.repo.Upsert(key, value); err != nil {
		log.Warn().Err(err).Str("key", string(key)).Msg("Session store write failed")
	}
}

// Remove deletes key. Failures are logged and swallowed.
func (s *Store) Remove(key Key) {
	if err := s.repo.Delete(key); err != nil {
		log.Warn().Err(err).Str("key", string(key)).Msg("Session store delete failed")
	}
}

// Clear removes the access token, refresh token and cached user.
// Each removal is attempted even if an earlier one fails.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range Keys {
		s.Remove(k)
	}
}

func (s *Store) AccessToken() string {
	v, _ := s.Get(AccessTokenKey)
	return v
}

func (s *Store) RefreshToken() string {
	v, _ := s.Get(RefreshTokenKey)
	return v
}

// SetTokens persists the access token and, when present, the refresh token.
// An empty refresh token leaves the stored one untouched.
func (s *Store) SetTokens(tok *oauth2.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setTokens(tok)
}

// UpdateTokens persists tok like SetTokens, but only while the stored refresh
// token is still previousRefresh. It reports false, writing nothing, when the
// session was cleared or replaced in the meantime.
func (s *Store) UpdateTokens(previousRefresh string, tok *oauth2.Token) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, _ := s.Get(RefreshTokenKey); current != previousRefresh {
		return false
	}
	s.setTokens(tok)
	return true
}

func (s *Store) setTokens(tok *oauth2.Token) {
	if tok == nil {
		return
	}
	if tok.AccessToken != "" {
		s.Set(AccessTokenKey, tok.AccessToken)
	}
	if tok.RefreshToken != "" {
		s.Set(RefreshTokenKey, tok.RefreshToken)
	}
}

// User returns the cached user record, if any.
func (s *Store) User() (json.RawMessage, bool) {
	v, ok := s.Get(UserKey)
	if !ok || !json.Valid([]byte(v)) {
		return nil, false
	}
	return json.RawMessage(v), true
}

// SetUser caches the user record. A nil or JSON null user removes the entry.
func (s *Store) SetUser(user json.RawMessage) {
	if len(user) == 0 || string(user) == "null" {
		s.Remove(UserKey)
		return
	}
	s.Set(UserKey, string(user))
}

package sessions

import "errors"

// ErrNotFound is returned by a Repo when a key has no stored value.
var ErrNotFound = errors.New("not found")

// Key names one independently persisted session entry.
type Key string

const (
	AccessTokenKey  Key = "accessToken"
	RefreshTokenKey Key = "refreshToken"
	UserKey         Key = "user"
)

// Keys lists every entry that makes up a session.
var Keys = []Key{AccessTokenKey, RefreshTokenKey, UserKey}

// Repo is the raw key/value persistence behind a Store.
// Implementations report failures; the Store decides how to degrade.
type Repo interface {
	// Get returns ErrNotFound when the key is absent
	Get(key Key) (string, error)

	// Upsert creates or replaces the value for key
	Upsert(key Key, value string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key Key) error
}

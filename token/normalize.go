package token

import (
	"encoding/json"

	"github.com/jrsteele09/go-edu-client/internal/utils"
	"golang.org/x/oauth2"
)

// Field names the backend uses for tokens. The login and register endpoints are
// inconsistent: some return an access/refresh pair, others a single "token".
var (
	accessFields  = []string{"access", "access_token", "token"}
	refreshFields = []string{"refresh", "refresh_token"}
)

// FromResponse normalizes an auth endpoint response into an oauth2.Token.
// A response with no recognisable access token yields nil.
func FromResponse(body map[string]any) *oauth2.Token {
	access := utils.FirstString(body, accessFields...)
	if access == "" {
		return nil
	}
	return &oauth2.Token{
		AccessToken:  access,
		TokenType:    "Bearer",
		RefreshToken: utils.FirstString(body, refreshFields...),
	}
}

// FromJSON is FromResponse over a raw JSON body. Bodies that are not JSON
// objects yield nil.
func FromJSON(raw json.RawMessage) *oauth2.Token {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil
	}
	return FromResponse(body)
}

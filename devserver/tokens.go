package devserver

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-edu-client/users"
)

var ErrInvalidRefreshToken = errors.New("invalid refresh token")

const refreshTokenLength = 32 // 32 bytes = 256 bits

type storedRefreshToken struct {
	userID users.ID
	iat    time.Time
}

// tokenIssuer signs HS256 access tokens and keeps opaque refresh tokens in memory.
type tokenIssuer struct {
	secret        []byte
	issuer        string
	accessExpiry  time.Duration
	refreshExpiry time.Duration
	rotate        bool
	nowFunc       func() time.Time

	refreshTokens map[string]storedRefreshToken
	lock          sync.Mutex
}

type accessClaims struct {
	Role users.RoleType `json:"role,omitempty"`
	jwtlib.RegisteredClaims
}

func (ti *tokenIssuer) createAccessToken(u *users.User) (string, error) {
	now := ti.nowFunc()
	claims := accessClaims{
		Role: u.Role,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    ti.issuer,
			Subject:   string(u.ID),
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ti.accessExpiry)),
			ID:        uuid.New().String(),
		},
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(ti.secret)
}

// verifyAccessToken returns the subject of a valid, unexpired access token.
func (ti *tokenIssuer) verifyAccessToken(raw string) (users.ID, error) {
	claims := accessClaims{}
	_, err := jwtlib.ParseWithClaims(raw, &claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ti.secret, nil
	},
		jwtlib.WithIssuer(ti.issuer),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(ti.nowFunc),
	)
	if err != nil {
		return "", err
	}
	return users.ID(claims.Subject), nil
}

func (ti *tokenIssuer) createRefreshToken(userID users.ID) (string, error) {
	tokenBytes := make([]byte, refreshTokenLength)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	tokenStr := hex.EncodeToString(tokenBytes)

	ti.lock.Lock()
	defer ti.lock.Unlock()
	ti.refreshTokens[tokenStr] = storedRefreshToken{userID: userID, iat: ti.nowFunc()}
	return tokenStr, nil
}

// redeem validates a refresh token. With rotation enabled the token is
// consumed and a replacement is returned; otherwise the replacement is empty.
func (ti *tokenIssuer) redeem(token string) (users.ID, string, error) {
	ti.lock.Lock()
	rt, ok := ti.refreshTokens[token]
	if ok && ti.nowFunc().Sub(rt.iat) > ti.refreshExpiry {
		delete(ti.refreshTokens, token)
		ok = false
	}
	if ok && ti.rotate {
		delete(ti.refreshTokens, token)
	}
	ti.lock.Unlock()

	if !ok {
		return "", "", ErrInvalidRefreshToken
	}
	if !ti.rotate {
		return rt.userID, "", nil
	}
	next, err := ti.createRefreshToken(rt.userID)
	if err != nil {
		return "", "", err
	}
	return rt.userID, next, nil
}

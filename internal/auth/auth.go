// Package auth implements the authenticator contract the Hub consumes at
// upgrade time: authenticate(upgrade_request) -> (user_id, display_name) |
// reject. The core does not interpret the credential beyond extracting
// those two claims.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrReject is returned for any credential that is absent, malformed, or
// expired.
var ErrReject = errors.New("authentication rejected")

// Identity is what a successful authentication yields.
type Identity struct {
	UserID      string
	DisplayName string
}

// Authenticator is the pluggable contract the Hub depends on. ctx carries
// the upgrade-time auth budget (spec §5); implementations that can block
// should respect ctx.Done().
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

type claims struct {
	UserID      string `json:"sub"`
	DisplayName string `json:"display_name"`
	jwt.RegisteredClaims
}

// JWTCookieAuthenticator validates a bearer JWT carried in a session
// cookie, the pattern used by the sibling example variants in the source
// corpus. The core treats the token as opaque beyond (user_id, display_name).
type JWTCookieAuthenticator struct {
	secret     []byte
	cookieName string
}

// NewJWTCookieAuthenticator returns an authenticator that validates HS256
// tokens signed with secret, read from the named cookie.
func NewJWTCookieAuthenticator(secret, cookieName string) *JWTCookieAuthenticator {
	return &JWTCookieAuthenticator{secret: []byte(secret), cookieName: cookieName}
}

// Authenticate extracts and validates the session cookie, returning the
// caller's stable user id and display name. Cookie parsing and JWT
// validation are both in-memory and non-blocking, but ctx is still checked
// up front so a caller that has already exhausted its auth budget gets a
// prompt rejection.
func (a *JWTCookieAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	if err := ctx.Err(); err != nil {
		return Identity{}, ErrReject
	}

	cookie, err := r.Cookie(a.cookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		return Identity{}, ErrReject
	}

	token, err := jwt.ParseWithClaims(cookie.Value, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrReject
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrReject
	}

	c, ok := token.Claims.(*claims)
	if !ok || c.UserID == "" {
		return Identity{}, ErrReject
	}

	name := c.DisplayName
	if name == "" {
		name = c.UserID
	}

	return Identity{UserID: c.UserID, DisplayName: name}, nil
}

// OriginAllowed reports whether origin exactly matches one of the
// configured allow-list entries (spec §6, upgrade-time Origin check).
func OriginAllowed(origin string, allowList []string) bool {
	for _, allowed := range allowList {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Package auth handles session identity for socket connections. A session is
// an opaque signed token carried on the upgrade request's cookie; it names
// either a registered account id or an unregistered display name. Externally
// issued identity tokens are validated against a JWKS endpoint.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SessionCookieName is the cookie carrying the session token.
const SessionCookieName = "session"

// ErrNoSession is returned when the request carries no usable session.
var ErrNoSession = errors.New("no session on request")

// Session is the identity attached to one connection.
type Session struct {
	ID       string // stable per session, survives reconnects
	UserID   int64  // registered account id; 0 when anonymous
	Username string // unregistered display name; may be empty
}

// IsRegistered reports whether the session belongs to an account.
func (s *Session) IsRegistered() bool {
	return s.UserID != 0
}

type sessionClaims struct {
	UserID   int64  `json:"uid,omitempty"`
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Sessions parses and mints session tokens. The identity validator is
// optional; when configured, bearer tokens from the identity provider are
// accepted as an alternative to the session cookie.
type Sessions struct {
	secret   []byte
	identity *Validator
}

// NewSessions builds a session codec over an HMAC secret.
func NewSessions(secret string, identity *Validator) *Sessions {
	return &Sessions{secret: []byte(secret), identity: identity}
}

// Mint signs a session token, used by the login flow and by tests.
func (s *Sessions) Mint(session *Session, ttl time.Duration) (string, error) {
	id := session.ID
	if id == "" {
		id = uuid.NewString()
	}
	claims := sessionClaims{
		UserID:   session.UserID,
		Username: session.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        id,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Parse validates a session token string.
func (s *Sessions) Parse(token string) (*Session, error) {
	var claims sessionClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid session token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid session token")
	}
	return &Session{
		ID:       claims.RegisteredClaims.ID,
		UserID:   claims.UserID,
		Username: claims.Username,
	}, nil
}

// FromRequest extracts the session from an upgrade request: the session
// cookie first, then a bearer identity token if a validator is configured.
// Requests with neither get a fresh anonymous session.
func (s *Sessions) FromRequest(r *http.Request) (*Session, error) {
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		return s.Parse(cookie.Value)
	}

	if s.identity != nil {
		if token, ok := bearerToken(r); ok {
			claims, err := s.identity.ValidateToken(token)
			if err != nil {
				return nil, fmt.Errorf("identity token rejected: %w", err)
			}
			return &Session{
				ID:       claims.Subject,
				UserID:   claims.UID,
				Username: claims.Name,
			}, nil
		}
	}

	return &Session{ID: uuid.NewString()}, nil
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):], true
	}
	return "", false
}

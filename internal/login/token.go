package login

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/loginbridge/loginbridge/internal/directory"
)

// AuthCookieName is the host-session JWT cookie.
const AuthCookieName = "lb_auth"

// Claims is the host-session token payload.
type Claims struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and validates the HS256 host-session tokens carried in
// the auth cookie.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	secure bool
}

// NewTokenIssuer creates a token issuer. Tokens expire after ttl; secure
// controls the Secure attribute on the cookie.
func NewTokenIssuer(secret string, ttl time.Duration, secure bool) *TokenIssuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{secret: []byte(secret), ttl: ttl, secure: secure}
}

// Issue signs a token for the user and sets it as the auth cookie.
func (ti *TokenIssuer) Issue(w http.ResponseWriter, user *directory.User) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: user.Username,
		Roles:    user.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.ttl)),
			Issuer:    "loginbridge",
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     AuthCookieName,
		Value:    signed,
		Path:     "/",
		MaxAge:   int(ti.ttl.Seconds()),
		HttpOnly: true,
		Secure:   ti.secure,
		SameSite: http.SameSiteLaxMode,
	})

	return signed, nil
}

// Validate parses and verifies the auth cookie on the request.
func (ti *TokenIssuer) Validate(r *http.Request) (*Claims, error) {
	cookie, err := r.Cookie(AuthCookieName)
	if err != nil {
		return nil, fmt.Errorf("no auth cookie: %w", err)
	}
	return ti.ValidateToken(cookie.Value)
}

// ValidateToken parses and verifies a raw token string.
func (ti *TokenIssuer) ValidateToken(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ti.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Clear expires the auth cookie.
func (ti *TokenIssuer) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     AuthCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   ti.secure,
	})
}

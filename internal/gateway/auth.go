package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Authenticator validates incoming gateway requests. Health routes bypass
// authentication; everything else answers 401 on failure.
type Authenticator interface {
	Authenticate(r *http.Request) error
}

// OpenAuthenticator accepts everything (open mode).
type OpenAuthenticator struct{}

func (OpenAuthenticator) Authenticate(*http.Request) error { return nil }

// JWTAuthenticator validates HS256 bearer tokens in the Authorization
// header.
type JWTAuthenticator struct {
	Secret []byte
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) error {
	header := r.Header.Get("Authorization")
	if header == "" {
		return fmt.Errorf("%w: missing Authorization header", ErrAuthFailed)
	}
	tokenString, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return fmt.Errorf("%w: Authorization header is not a bearer token", ErrAuthFailed)
	}

	_, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return a.Secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	return nil
}

// APIKeyAuthenticator validates the X-API-Key header against a fixed set.
type APIKeyAuthenticator struct {
	keys map[string]struct{}
}

func NewAPIKeyAuthenticator(keys []string) *APIKeyAuthenticator {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return &APIKeyAuthenticator{keys: set}
}

func (a *APIKeyAuthenticator) Authenticate(r *http.Request) error {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		return fmt.Errorf("%w: missing X-API-Key header", ErrAuthFailed)
	}
	if _, ok := a.keys[key]; !ok {
		return fmt.Errorf("%w: unknown API key", ErrAuthFailed)
	}
	return nil
}

// Package auth gates the gateway behind a bearer token.
package auth

import (
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingBearer = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
)

type Claims struct {
	Subject string
	Issuer  string
}

type Authenticator interface {
	Authenticate(r *http.Request) (Claims, error)
}

// TokenAuthenticator checks requests against a single shared dev token. An
// empty token disables the gate entirely, which is the development default.
type TokenAuthenticator struct {
	DevToken string
}

func NewTokenAuthenticator(devToken string) *TokenAuthenticator {
	return &TokenAuthenticator{DevToken: devToken}
}

func (a *TokenAuthenticator) Authenticate(r *http.Request) (Claims, error) {
	if a.DevToken == "" {
		return Claims{Subject: "anonymous", Issuer: "payguard-dev"}, nil
	}

	bearer, err := extractBearer(r)
	if err != nil {
		return Claims{}, err
	}
	if bearer != a.DevToken {
		return Claims{}, ErrInvalidToken
	}
	return Claims{Subject: "dev", Issuer: "payguard-dev"}, nil
}

func extractBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingBearer
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}

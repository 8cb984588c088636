// Package auth verifies bearer credentials presented at the websocket
// handshake and on the REST API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Tyrowin/chatrelay/internal/relay"
)

// TokenAuthenticator accepts HS256 tokens whose subject is a user id known
// to the directory.
type TokenAuthenticator struct {
	secret    []byte
	directory relay.DirectoryStore
	parser    *jwt.Parser
}

// NewTokenAuthenticator creates an authenticator for tokens signed with secret.
func NewTokenAuthenticator(secret string, directory relay.DirectoryStore) *TokenAuthenticator {
	return &TokenAuthenticator{
		secret:    []byte(secret),
		directory: directory,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify checks the token and loads the profile of its subject.
func (a *TokenAuthenticator) Verify(ctx context.Context, credential string) (relay.Identity, error) {
	if credential == "" {
		return relay.Identity{}, fmt.Errorf("%w: missing credential", relay.ErrUnauthenticated)
	}

	claims := &jwt.RegisteredClaims{}
	_, err := a.parser.ParseWithClaims(credential, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		return relay.Identity{}, fmt.Errorf("%w: %v", relay.ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return relay.Identity{}, fmt.Errorf("%w: token has no subject", relay.ErrUnauthenticated)
	}

	user, err := a.directory.User(ctx, claims.Subject)
	if errors.Is(err, relay.ErrNotFound) {
		return relay.Identity{}, fmt.Errorf("%w: unknown user %q", relay.ErrUnauthenticated, claims.Subject)
	}
	if err != nil {
		return relay.Identity{}, fmt.Errorf("load user: %w: %v", relay.ErrStoreUnavailable, err)
	}
	return *user, nil
}

// NewToken signs a token for userID valid for ttl.
func NewToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})
	return token.SignedString([]byte(secret))
}

// Credential extracts the bearer credential from a request: the
// Authorization header, or the access_token query parameter for browsers
// that cannot set headers on a websocket handshake.
func Credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

type contextKey struct{}

// WithIdentity returns a copy of ctx carrying identity.
func WithIdentity(ctx context.Context, identity relay.Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, identity)
}

// IdentityFrom returns the identity stored by WithIdentity.
func IdentityFrom(ctx context.Context) (relay.Identity, bool) {
	identity, ok := ctx.Value(contextKey{}).(relay.Identity)
	return identity, ok
}

package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Tyrowin/chatrelay/internal/relay"
	"github.com/Tyrowin/chatrelay/internal/store"
)

const testSecret = "test-secret"

func newDirectory(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	if err := s.PutUser(context.Background(), relay.Identity{ID: "alice", DisplayName: "Alice"}); err != nil {
		t.Fatalf("PutUser failed: %v", err)
	}
	return s
}

// TestVerifyValidToken tests that a signed token resolves to the stored profile.
func TestVerifyValidToken(t *testing.T) {
	a := NewTokenAuthenticator(testSecret, newDirectory(t))
	token, err := NewToken(testSecret, "alice", time.Minute)
	if err != nil {
		t.Fatalf("NewToken failed: %v", err)
	}

	identity, err := a.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if identity.ID != "alice" || identity.DisplayName != "Alice" {
		t.Errorf("Expected Alice, got %+v", identity)
	}
}

// TestVerifyRejects tests the credentials that must fail as unauthenticated.
func TestVerifyRejects(t *testing.T) {
	a := NewTokenAuthenticator(testSecret, newDirectory(t))

	wrongKey, _ := NewToken("other-secret", "alice", time.Minute)
	expired, _ := NewToken(testSecret, "alice", -time.Minute)
	unknown, _ := NewToken(testSecret, "mallory", time.Minute)

	tests := []struct {
		name       string
		credential string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"wrong key", wrongKey},
		{"expired", expired},
		{"unknown user", unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Verify(context.Background(), tt.credential)
			if !errors.Is(err, relay.ErrUnauthenticated) {
				t.Errorf("Expected ErrUnauthenticated, got %v", err)
			}
		})
	}
}

// TestCredential tests extraction from header and query parameter.
func TestCredential(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?access_token=fromquery", nil)
	if got := Credential(r); got != "fromquery" {
		t.Errorf("Expected query credential, got %q", got)
	}

	r.Header.Set("Authorization", "Bearer fromheader")
	if got := Credential(r); got != "fromheader" {
		t.Errorf("Expected header credential, got %q", got)
	}

	r.Header.Set("Authorization", "Basic abc")
	if got := Credential(r); got != "" {
		t.Errorf("Expected no credential for non-bearer scheme, got %q", got)
	}
}

package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	svc := NewService("test-secret", time.Hour)

	token, err := svc.Issue(Identity{Username: "alice", Email: "alice@example.com"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	identity, err := svc.Verify(token)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if identity.Username != "alice" || identity.Email != "alice@example.com" {
		t.Errorf("unexpected identity: %+v", identity)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewService("secret-a", time.Hour).Issue(Identity{Username: "bob", Email: "bob@example.com"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	if _, err := NewService("secret-b", time.Hour).Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("got %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	svc := NewService("test-secret", -time.Minute)
	token, err := svc.Issue(Identity{Username: "carol", Email: "carol@example.com"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	if _, err := svc.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("got %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	svc := NewService("test-secret", time.Hour)
	if _, err := svc.Verify("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("got %v, want ErrInvalidToken", err)
	}
}

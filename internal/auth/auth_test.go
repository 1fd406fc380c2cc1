package auth

import (
	"testing"
	"time"
)

func TestVerify_RoundTrip(t *testing.T) {
	v := NewVerifier([]byte("test-secret"))

	token, err := v.Issue(Identity{UserID: "u-42", Name: "Dana"}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	identity, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if identity.UserID != "u-42" {
		t.Errorf("expected user id %q, got %q", "u-42", identity.UserID)
	}
	if identity.Name != "Dana" {
		t.Errorf("expected name %q, got %q", "Dana", identity.Name)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	issuer := NewVerifier([]byte("secret-a"))
	verifier := NewVerifier([]byte("secret-b"))

	token, err := issuer.Issue(Identity{UserID: "u-1"}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := verifier.Verify(token); err == nil {
		t.Fatal("expected error for token signed with a different secret, got nil")
	}
}

func TestVerify_Expired(t *testing.T) {
	v := NewVerifier([]byte("test-secret"))

	token, err := v.Issue(Identity{UserID: "u-1"}, -time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := v.Verify(token); err == nil {
		t.Fatal("expected error for expired token, got nil")
	}
}

func TestVerify_Garbage(t *testing.T) {
	v := NewVerifier([]byte("test-secret"))

	for _, token := range []string{"", "not-a-token", "a.b.c"} {
		if _, err := v.Verify(token); err == nil {
			t.Errorf("expected error for token %q, got nil", token)
		}
	}
}

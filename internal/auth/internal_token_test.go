package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	signer, err := NewInternalSigner("shared-secret", 30*time.Second)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	token, err := signer.Sign("e286de4c")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	instance, err := signer.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if instance != "e286de4c" {
		t.Fatalf("unexpected instance: %q", instance)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	signer, err := NewInternalSigner("shared-secret", 30*time.Second)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	token, err := signer.Sign("e286de4c")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	parts := strings.Split(token, ".")
	tampered := parts[0] + "x." + parts[1]
	if _, err := signer.Verify(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for tampered payload, got %v", err)
	}

	other, err := NewInternalSigner("different-secret", 30*time.Second)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken across secrets, got %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	now := time.Unix(1000, 0)
	signer, err := NewInternalSigner("shared-secret", 10*time.Second)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	signer.WithClock(func() time.Time { return now })

	token, err := signer.Sign("e286de4c")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	now = now.Add(time.Minute)
	if _, err := signer.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestVerifyRejectsMalformed(t *testing.T) {
	signer, err := NewInternalSigner("shared-secret", 30*time.Second)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	for _, token := range []string{"", "no-dot", ".sig", "a.b.c"} {
		if _, err := signer.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("token %q: expected ErrInvalidToken, got %v", token, err)
		}
	}
}

package auth

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/webroker/reelwatch/internal/config"
)

func TestCredentialFromRequest(t *testing.T) {
	t.Run("header", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/v1/sessions/x?apiKey=q", nil)
		r.Header.Set(HeaderAPIKey, "h")
		cred, err := CredentialFromRequest(r)
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		if cred != "h" {
			t.Fatalf("cred=%q, want %q", cred, "h")
		}
	})

	t.Run("query", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/v1/sessions/x/watch?apiKey=q", nil)
		cred, err := CredentialFromRequest(r)
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		if cred != "q" {
			t.Fatalf("cred=%q, want %q", cred, "q")
		}
	})

	t.Run("missing", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/v1/sessions/x", nil)
		_, err := CredentialFromRequest(r)
		if !errors.Is(err, ErrMissingCredentials) {
			t.Fatalf("err=%v, want %v", err, ErrMissingCredentials)
		}
	})
}

func TestStaticKey(t *testing.T) {
	v := StaticKey{Key: "secret"}
	if err := v.Verify("secret"); err != nil {
		t.Fatalf("Verify(secret)=%v", err)
	}
	if err := v.Verify("nope"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("Verify(nope)=%v, want %v", err, ErrInvalidAPIKey)
	}
	if err := v.Verify(""); !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("Verify(\"\")=%v, want %v", err, ErrInvalidAPIKey)
	}
	if err := (StaticKey{}).Verify("anything"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Fatalf("empty configured key must reject, got %v", err)
	}
}

func TestNewVerifier(t *testing.T) {
	v, err := NewVerifier(config.Config{AuthMode: config.AuthModeNone})
	if err != nil || v != nil {
		t.Fatalf("none: v=%v err=%v, want nil/nil", v, err)
	}

	v, err = NewVerifier(config.Config{AuthMode: config.AuthModeAPIKey, APIKey: "k"})
	if err != nil {
		t.Fatalf("api_key: %v", err)
	}
	if _, ok := v.(StaticKey); !ok {
		t.Fatalf("api_key: got %T", v)
	}

	if _, err := NewVerifier(config.Config{AuthMode: "jwt"}); err == nil {
		t.Fatalf("expected error for unsupported mode")
	}
}

func TestAuthorize(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/sessions", nil)
	if err := Authorize(nil, r); err != nil {
		t.Fatalf("nil verifier: %v", err)
	}

	v := StaticKey{Key: "k"}
	if err := Authorize(v, r); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("err=%v, want %v", err, ErrMissingCredentials)
	}
	r.Header.Set(HeaderAPIKey, "k")
	if err := Authorize(v, r); err != nil {
		t.Fatalf("err=%v", err)
	}
}

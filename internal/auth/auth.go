package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/webroker/reelwatch/internal/config"
)

// HeaderAPIKey carries the API key on plain HTTP requests. Browsers cannot
// set headers on WebSocket upgrades, so the apiKey query parameter is also
// accepted.
const HeaderAPIKey = "X-API-Key"

type Verifier interface {
	Verify(credential string) error
}

// NewVerifier returns nil when cfg disables auth.
func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone, "":
		return nil, nil
	case config.AuthModeAPIKey:
		return StaticKey{Key: cfg.APIKey}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

var ErrMissingCredentials = errors.New("missing credentials")

// CredentialFromRequest extracts the API key from the header, falling back
// to the apiKey query parameter.
func CredentialFromRequest(r *http.Request) (string, error) {
	if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
		return key, nil
	}
	if key := r.URL.Query().Get("apiKey"); key != "" {
		return key, nil
	}
	return "", ErrMissingCredentials
}

// Authorize checks r against v. A nil Verifier allows everything.
func Authorize(v Verifier, r *http.Request) error {
	if v == nil {
		return nil
	}
	cred, err := CredentialFromRequest(r)
	if err != nil {
		return err
	}
	return v.Verify(cred)
}

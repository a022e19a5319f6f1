package auth

import (
	"crypto/subtle"
	"errors"
)

// ErrInvalidAPIKey is returned for a key that does not match. The store
// server answers it with 401 unauthorized.
var ErrInvalidAPIKey = errors.New("auth: invalid api key")

// StaticKey accepts the single pre-shared key configured with
// --api-key. An empty Key rejects every request.
type StaticKey struct {
	Key string
}

func (k StaticKey) Verify(presented string) error {
	if k.Key == "" || presented == "" {
		return ErrInvalidAPIKey
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(k.Key)) != 1 {
		return ErrInvalidAPIKey
	}
	return nil
}

// Package turnrest mints coturn-compatible ephemeral TURN credentials
// (draft-uberti-behave-turn-rest):
//
//	username   = <unix_expiry>:<prefix>:<subject>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// The expiry uses the server clock in UTC.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Options struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
	Realm          string
	Now            func() time.Time
	// NewSubject names the client when none is given. Defaults to a random
	// UUID with the dashes removed.
	NewSubject func() string
}

type Generator struct {
	secret []byte
	ttl    time.Duration
	prefix string
	realm  string
	now    func() time.Time
	newSub func() string
}

func NewGenerator(opts Options) (*Generator, error) {
	if opts.SharedSecret == "" {
		return nil, errors.New("turnrest: shared secret is required")
	}
	if opts.TTL < time.Second {
		return nil, errors.New("turnrest: ttl must be at least 1s")
	}
	if opts.UsernamePrefix == "" {
		return nil, errors.New("turnrest: username prefix is required")
	}
	if strings.Contains(opts.UsernamePrefix, ":") {
		return nil, errors.New("turnrest: username prefix must not contain ':'")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewSubject == nil {
		opts.NewSubject = func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") }
	}
	return &Generator{
		secret: []byte(opts.SharedSecret),
		ttl:    opts.TTL,
		prefix: opts.UsernamePrefix,
		realm:  opts.Realm,
		now:    opts.Now,
		newSub: opts.NewSubject,
	}, nil
}

// Credentials is handed to clients alongside the TURN URLs.
type Credentials struct {
	Username   string    `json:"username"`
	Credential string    `json:"credential"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Realm      string    `json:"realm,omitempty"`
}

// Issue mints credentials for subject, or for a random subject when it is
// empty.
func (g *Generator) Issue(subject string) (Credentials, error) {
	if subject == "" {
		subject = g.newSub()
	}
	if strings.Contains(subject, ":") {
		return Credentials{}, fmt.Errorf("turnrest: subject %q must not contain ':'", subject)
	}
	expires := g.now().UTC().Add(g.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), g.prefix, subject)
	return Credentials{
		Username:   username,
		Credential: Sign(g.secret, username),
		ExpiresAt:  expires,
		Realm:      g.realm,
	}, nil
}

// Sign returns the coturn password for username.
func Sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Package reaction validates reaction payloads sent over the data channel
// and builds the share links used to invite a co-watcher.
package reaction

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// MaxPayloadBytes bounds a single reaction message.
const MaxPayloadBytes = 64

var (
	ErrEmptyPayload   = errors.New("reaction: empty payload")
	ErrPayloadTooLong = fmt.Errorf("reaction: payload exceeds %d bytes", MaxPayloadBytes)
	ErrInvalidUTF8    = errors.New("reaction: payload is not valid UTF-8")
	ErrInvalidLink    = errors.New("reaction: not a share link or session id")
)

// Normalize trims surrounding whitespace and validates a payload.
func Normalize(payload string) (string, error) {
	payload = strings.TrimSpace(payload)
	switch {
	case payload == "":
		return "", ErrEmptyPayload
	case len(payload) > MaxPayloadBytes:
		return "", ErrPayloadTooLong
	case !utf8.ValidString(payload):
		return "", ErrInvalidUTF8
	}
	return payload, nil
}

// ShareLink returns <base>/?session=<id>[&reel=<reelID>].
func ShareLink(base, sessionID, reelID string) string {
	q := url.Values{}
	q.Set("session", sessionID)
	if reelID != "" {
		q.Set("reel", reelID)
	}
	return strings.TrimRight(base, "/") + "/?" + q.Encode()
}

// ParseInvite accepts either a share link or a bare session id.
func ParseInvite(raw string) (sessionID, reelID string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", ErrInvalidLink
	}
	if !strings.Contains(raw, "://") {
		if strings.ContainsAny(raw, "/?&= ") {
			return "", "", ErrInvalidLink
		}
		return raw, "", nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	q := u.Query()
	sessionID = strings.TrimSpace(q.Get("session"))
	if sessionID == "" {
		return "", "", fmt.Errorf("%w: missing session parameter", ErrInvalidLink)
	}
	return sessionID, strings.TrimSpace(q.Get("reel")), nil
}

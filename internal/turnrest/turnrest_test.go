package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

func fixedGenerator(t *testing.T, now time.Time) *Generator {
	t.Helper()
	g, err := NewGenerator(Options{
		SharedSecret:   "shared-secret",
		TTL:            time.Hour,
		UsernamePrefix: "reelwatch",
		Realm:          "turn.example.com",
		Now:            func() time.Time { return now },
		NewSubject:     func() string { return "random" },
	})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	return g
}

func TestIssue_DeterministicWithFixedTime(t *testing.T) {
	g := fixedGenerator(t, time.Unix(1_700_000_000, 0).UTC())

	creds, err := g.Issue("session123")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if creds.ExpiresAt.Unix() != 1_700_003_600 {
		t.Fatalf("ExpiresAt=%v, want unix 1700003600", creds.ExpiresAt)
	}
	wantUsername := "1700003600:reelwatch:session123"
	if creds.Username != wantUsername {
		t.Fatalf("Username=%q, want %q", creds.Username, wantUsername)
	}

	mac := hmac.New(sha1.New, []byte("shared-secret"))
	mac.Write([]byte(wantUsername))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if creds.Credential != want {
		t.Fatalf("Credential=%q, want %q", creds.Credential, want)
	}
	if creds.Realm != "turn.example.com" {
		t.Fatalf("Realm=%q", creds.Realm)
	}
}

func TestIssue_RandomSubject(t *testing.T) {
	g := fixedGenerator(t, time.Unix(42, 0))
	creds, err := g.Issue("")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !strings.HasSuffix(creds.Username, ":reelwatch:random") {
		t.Fatalf("Username=%q, want random subject", creds.Username)
	}
}

func TestIssue_DefaultSubjectHasNoColon(t *testing.T) {
	g, err := NewGenerator(Options{SharedSecret: "s", TTL: time.Minute, UsernamePrefix: "p"})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	creds, err := g.Issue("")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if parts := strings.Split(creds.Username, ":"); len(parts) != 3 || len(parts[2]) != 32 {
		t.Fatalf("Username=%q, want <expiry>:p:<32 hex>", creds.Username)
	}
}

func TestIssue_RejectsColonSubject(t *testing.T) {
	g := fixedGenerator(t, time.Unix(42, 0))
	if _, err := g.Issue("a:b"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewGenerator_Validation(t *testing.T) {
	cases := []Options{
		{TTL: time.Hour, UsernamePrefix: "p"},
		{SharedSecret: "s", UsernamePrefix: "p"},
		{SharedSecret: "s", TTL: time.Hour},
		{SharedSecret: "s", TTL: time.Hour, UsernamePrefix: "a:b"},
	}
	for i, opts := range cases {
		if _, err := NewGenerator(opts); err == nil {
			t.Fatalf("case %d: expected error for %+v", i, opts)
		}
	}
}

package mongostore

import (
	"context"
	"math"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/webroker/reelwatch/internal/signalstore"
	"github.com/webroker/reelwatch/internal/signalstore/storetest"
)

// Change streams need a replica set, e.g.
// REELWATCH_TEST_MONGODB_URI=mongodb://localhost:27017/?replicaSet=rs0
func testURI(t *testing.T) string {
	t.Helper()
	uri := os.Getenv("REELWATCH_TEST_MONGODB_URI")
	if uri == "" {
		t.Skip("REELWATCH_TEST_MONGODB_URI not set")
	}
	return uri
}

func TestConformance(t *testing.T) {
	uri := testURI(t)
	storetest.Run(t, func(t *testing.T) signalstore.Store {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s, err := Open(ctx, Options{
			URI:        uri,
			Database:   "reelwatch_test",
			Collection: "sessions_" + uuid.NewString(),
			TTL:        time.Hour,
		})
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.coll.Drop(ctx)
		})
		return s
	})
}

func TestOpenRequiresURI(t *testing.T) {
	if _, err := Open(context.Background(), Options{}); err == nil {
		t.Fatalf("Open accepted an empty URI")
	}
}

func TestTTLIndexSeconds(t *testing.T) {
	tests := []struct {
		ttl  time.Duration
		want int32
	}{
		{ttl: 50 * time.Millisecond, want: 1},
		{ttl: time.Second, want: 1},
		{ttl: 1500 * time.Millisecond, want: 2},
		{ttl: 24 * time.Hour, want: 86400},
		{ttl: 100 * 365 * 24 * time.Hour, want: math.MaxInt32},
	}
	for _, tt := range tests {
		if got := ttlIndexSeconds(tt.ttl); got != tt.want {
			t.Fatalf("ttlIndexSeconds(%v)=%d, want %d", tt.ttl, got, tt.want)
		}
	}
}

package cache

import (
	"testing"
	"time"
)

func TestEnvelopeExpired(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e := NewEnvelope("v", now, time.Minute)
	if e.Expired(now) {
		t.Fatal("fresh envelope reported expired")
	}
	if e.Expired(now.Add(59 * time.Second)) {
		t.Fatal("envelope expired early")
	}
	if !e.Expired(now.Add(time.Minute)) {
		t.Fatal("envelope should be stale at its expiry instant")
	}
}

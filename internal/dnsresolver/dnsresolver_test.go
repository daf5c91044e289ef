package dnsresolver

import (
	"testing"
	"time"

	"github.com/Pyxxilated-Studios/empath/internal/spool"
)

func TestCacheLookupHonorsExpiry(t *testing.T) {
	r := New(Config{MinTTL: time.Second, MaxTTL: time.Hour})
	now := time.Now()

	r.mu.Lock()
	r.cache["example.com"] = cacheEntry{
		targets:   []spool.MxTarget{{Host: "mx1.example.com", Priority: 10}},
		expiresAt: now.Add(time.Minute),
	}
	r.mu.Unlock()

	targets, ok := r.cacheLookup("example.com", now)
	if !ok {
		t.Fatal("expected cache hit before expiry")
	}
	if len(targets) != 1 || targets[0].Host != "mx1.example.com" {
		t.Errorf("got %v", targets)
	}

	_, ok = r.cacheLookup("example.com", now.Add(2*time.Minute))
	if ok {
		t.Fatal("expected cache miss after expiry")
	}
}

func TestClampTTLRespectsMinAndMax(t *testing.T) {
	r := New(Config{MinTTL: 30 * time.Second, MaxTTL: 10 * time.Minute})

	if got := r.clampTTL("example.com", 1*time.Second); got != 30*time.Second {
		t.Errorf("expected clamp to MinTTL, got %v", got)
	}
	if got := r.clampTTL("example.com", time.Hour); got != 10*time.Minute {
		t.Errorf("expected clamp to MaxTTL, got %v", got)
	}
}

func TestClampTTLOverride(t *testing.T) {
	r := New(Config{
		MinTTL:   30 * time.Second,
		MaxTTL:   10 * time.Minute,
		Override: map[string]time.Duration{"example.com": 5 * time.Second},
	})

	if got := r.clampTTL("example.com", time.Hour); got != 5*time.Second {
		t.Errorf("expected override TTL, got %v", got)
	}
}

func TestTrimTrailingDot(t *testing.T) {
	cases := map[string]string{
		"mx1.example.com.": "mx1.example.com",
		"mx1.example.com":  "mx1.example.com",
		"":                 "",
	}
	for in, want := range cases {
		if got := trimTrailingDot(in); got != want {
			t.Errorf("%q: expected %q, got %q", in, want, got)
		}
	}
}

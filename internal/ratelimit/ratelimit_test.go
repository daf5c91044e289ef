package ratelimit

import (
	"testing"
	"time"
)

func TestCheckConsumesBurst(t *testing.T) {
	l := New(Config{DefaultRate: 1, DefaultBurst: 3})
	now := time.Now()

	for i := 0; i < 3; i++ {
		ok, _ := l.CheckAt("example.com", now)
		if !ok {
			t.Fatalf("expected token %d to be available", i)
		}
	}

	ok, retry := l.CheckAt("example.com", now)
	if ok {
		t.Fatal("expected bucket to be exhausted")
	}
	if retry <= 0 {
		t.Errorf("expected positive retry-after, got %v", retry)
	}
}

func TestCheckRefillsOverTime(t *testing.T) {
	l := New(Config{DefaultRate: 1, DefaultBurst: 1})
	now := time.Now()

	ok, _ := l.CheckAt("example.com", now)
	if !ok {
		t.Fatal("expected first token available")
	}

	ok, _ = l.CheckAt("example.com", now)
	if ok {
		t.Fatal("expected bucket exhausted immediately after")
	}

	later := now.Add(2 * time.Second)
	ok, _ = l.CheckAt("example.com", later)
	if !ok {
		t.Fatal("expected token to have refilled after 2s at rate=1")
	}
}

func TestPerDomainOverride(t *testing.T) {
	l := New(Config{
		DefaultRate:  1,
		DefaultBurst: 1,
		Overrides: map[string]DomainConfig{
			"fast.example.com": {Rate: 100, Burst: 100},
		},
	})
	now := time.Now()

	for i := 0; i < 10; i++ {
		ok, _ := l.CheckAt("fast.example.com", now)
		if !ok {
			t.Fatalf("expected override bucket to have capacity at iteration %d", i)
		}
	}
}

func TestDomainsAreIndependent(t *testing.T) {
	l := New(Config{DefaultRate: 1, DefaultBurst: 1})
	now := time.Now()

	ok, _ := l.CheckAt("a.example.com", now)
	if !ok {
		t.Fatal("expected a.example.com to have a token")
	}

	ok, _ = l.CheckAt("b.example.com", now)
	if !ok {
		t.Fatal("expected b.example.com to have its own independent bucket")
	}
}

package memcache

import (
	"encoding/json"
	"testing"
	"time"
)

func TestGetFreshAndExpired(t *testing.T) {
	c, err := New(8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.Put("u1", "h1", Entry{
		Payload:   json.RawMessage(`{"ok":true}`),
		OK:        true,
		FetchedAt: now,
		ExpiresAt: now.Add(time.Hour),
	})

	if _, ok := c.Get("u1", "h1", now.Add(30*time.Minute), false, 0); !ok {
		t.Fatalf("expected fresh hit")
	}
	if _, ok := c.Get("u1", "h1", now.Add(2*time.Hour), false, 0); ok {
		t.Fatalf("expected expired miss")
	}
}

func TestStaleServeWithinMaxAge(t *testing.T) {
	c, _ := New(8)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.Put("u1", "h1", Entry{FetchedAt: now, ExpiresAt: now.Add(time.Minute)})

	later := now.Add(2 * time.Minute)
	if _, ok := c.Get("u1", "h1", later, true, 5*time.Minute); !ok {
		t.Fatalf("expected stale serve within maxAge")
	}
	if _, ok := c.Get("u1", "h1", now.Add(4*time.Minute), true, 0); !ok {
		t.Fatalf("expected unbounded stale serve with maxAge 0")
	}
	if _, ok := c.Get("u1", "h1", now.Add(10*time.Minute), true, 5*time.Minute); ok {
		t.Fatalf("expected miss past maxAge")
	}
}

func TestDropUser(t *testing.T) {
	c, _ := New(8)
	now := time.Now()
	exp := now.Add(time.Hour)
	c.Put("u1", "h1", Entry{FetchedAt: now, ExpiresAt: exp})
	c.Put("u1", "h2", Entry{FetchedAt: now, ExpiresAt: exp})
	c.Put("u2", "h1", Entry{FetchedAt: now, ExpiresAt: exp})

	c.DropUser("u1")
	if _, ok := c.Get("u1", "h1", now, false, 0); ok {
		t.Fatalf("u1 entry survived drop")
	}
	if _, ok := c.Get("u2", "h1", now, false, 0); !ok {
		t.Fatalf("u2 entry dropped")
	}
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Len())
	}
}

func TestEviction(t *testing.T) {
	c, _ := New(2)
	now := time.Now()
	exp := now.Add(time.Hour)
	c.Put("u1", "h1", Entry{FetchedAt: now, ExpiresAt: exp})
	c.Put("u1", "h2", Entry{FetchedAt: now, ExpiresAt: exp})
	c.Put("u1", "h3", Entry{FetchedAt: now, ExpiresAt: exp})
	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
	if _, ok := c.Get("u1", "h1", now, false, 0); ok {
		t.Fatalf("oldest entry not evicted")
	}
}

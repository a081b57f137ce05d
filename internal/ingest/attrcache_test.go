package ingest

import (
	"testing"
	"time"
)

func TestAttrCache_SuppressesRepeatWithinTTL(t *testing.T) {
	c := NewAttrCache(time.Minute, noopLogger())

	if c.Touch("h1") {
		t.Fatal("expected first sight to not be suppressed")
	}
	if !c.Touch("h1") {
		t.Fatal("expected repeat sight within TTL to be suppressed")
	}
}

func TestAttrCache_AllowsAfterExpiry(t *testing.T) {
	c := NewAttrCache(time.Millisecond, noopLogger())
	c.Touch("h1")
	time.Sleep(5 * time.Millisecond)
	if c.Touch("h1") {
		t.Fatal("expected sight after TTL expiry to not be suppressed")
	}
}

func TestAttrCache_PurgeRemovesExpired(t *testing.T) {
	c := NewAttrCache(time.Millisecond, noopLogger())
	c.Touch("h1")
	c.Touch("h2")
	time.Sleep(5 * time.Millisecond)

	removed := c.Purge()
	if removed != 2 {
		t.Errorf("expected 2 entries purged, got %d", removed)
	}
	if c.Size() != 0 {
		t.Errorf("expected empty cache after purge, got size %d", c.Size())
	}
}

func TestAttrCache_PurgeKeepsLive(t *testing.T) {
	c := NewAttrCache(time.Hour, noopLogger())
	c.Touch("h1")
	if removed := c.Purge(); removed != 0 {
		t.Errorf("expected no entries purged while live, got %d", removed)
	}
}

package ingest

import "testing"

func TestRouterCache_PutAndGet(t *testing.T) {
	c := NewRouterCache(nil, noopLogger())
	c.Put(RouterCacheEntry{HashID: "r1", CollectorHash: "c1", State: "up"})

	e, ok := c.Get("r1")
	if !ok {
		t.Fatal("expected entry to be present")
	}
	if e.CollectorHash != "c1" || e.State != "up" {
		t.Errorf("unexpected entry: %+v", e)
	}
}

func TestRouterCache_GetMissing(t *testing.T) {
	c := NewRouterCache(nil, noopLogger())
	if _, ok := c.Get("missing"); ok {
		t.Fatal("expected miss for unknown hash")
	}
}

func TestRouterCache_Size(t *testing.T) {
	c := NewRouterCache(nil, noopLogger())
	c.Put(RouterCacheEntry{HashID: "r1"})
	c.Put(RouterCacheEntry{HashID: "r2"})
	if c.Size() != 2 {
		t.Errorf("expected size 2, got %d", c.Size())
	}
}

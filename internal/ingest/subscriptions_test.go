package ingest

import (
	"testing"
	"time"
)

func TestSubscriptions_SubscribeAndCheck(t *testing.T) {
	s := NewSubscriptions(time.Minute, noopLogger())
	s.Subscribe("prefix:10.0.0.0/8")
	if !s.IsSubscribed("prefix:10.0.0.0/8") {
		t.Fatal("expected resource to be subscribed")
	}
	if s.IsSubscribed("prefix:other") {
		t.Fatal("expected unrelated resource to not be subscribed")
	}
}

func TestSubscriptions_Unsubscribe(t *testing.T) {
	s := NewSubscriptions(time.Minute, noopLogger())
	s.Subscribe("r1")
	s.Unsubscribe("r1")
	if s.IsSubscribed("r1") {
		t.Fatal("expected resource to be unsubscribed")
	}
}

func TestSubscriptions_SweepRemovesExpired(t *testing.T) {
	s := NewSubscriptions(time.Millisecond, noopLogger())
	s.Subscribe("r1")
	time.Sleep(5 * time.Millisecond)

	removed := s.Sweep()
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if s.IsSubscribed("r1") {
		t.Fatal("expected r1 to be expired after sweep")
	}
}

func TestSubscriptions_ResubscribeExtendsExpiry(t *testing.T) {
	s := NewSubscriptions(20*time.Millisecond, noopLogger())
	s.Subscribe("r1")
	time.Sleep(10 * time.Millisecond)
	s.Subscribe("r1") // refresh before expiry
	time.Sleep(15 * time.Millisecond)

	if !s.IsSubscribed("r1") {
		t.Fatal("expected refreshed subscription to still be active")
	}
}

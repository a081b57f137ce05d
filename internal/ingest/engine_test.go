package ingest

import "testing"

func TestNewEngine_RejectsBadTopicPattern(t *testing.T) {
	cfg := EngineConfig{
		Brokers:       []string{"localhost:9092"},
		GroupID:       "test",
		TopicPatterns: []string{"("}, // invalid regex
	}
	_, err := NewEngine(cfg, nil, noopLogger())
	if err == nil {
		t.Fatal("expected error for invalid topic pattern")
	}
}

func TestEngine_SubscribedTopics(t *testing.T) {
	e := &Engine{subscribed: map[string]bool{"a": true, "b": true}}
	topics := e.subscribedTopics()
	if len(topics) != 2 {
		t.Fatalf("expected 2 topics, got %d", len(topics))
	}
}

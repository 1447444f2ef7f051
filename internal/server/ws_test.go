package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/pitchpilot/pitchpilot/internal/storage"
	"github.com/pitchpilot/pitchpilot/internal/transcribe"
)

func TestWSBroadcastEventShape(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)

	hub.BroadcastLiveTranscript(transcribe.Segment{
		Speaker:   2,
		Text:      "test line",
		StartTime: 0.5,
		EndTime:   1.1,
		Timestamp: time.Now().UTC(),
		Hash:      "cafe01",
		Quality:   0.75,
	})

	select {
	case msg := <-ch:
		var payload map[string]any
		if err := json.Unmarshal(msg, &payload); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		if payload["type"] != "live_transcript" {
			t.Fatalf("expected event type live_transcript, got %#v", payload["type"])
		}
		if payload["hash"] != "cafe01" {
			t.Fatalf("expected hash in payload, got %#v", payload["hash"])
		}
		if payload["version"] == nil {
			t.Fatalf("expected version field in payload: %s", string(msg))
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for websocket broadcast")
	}
}

func TestWSBroadcastSuggestion(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)

	hub.BroadcastSuggestion("s1", storage.Suggestion{
		SessionID: "s1",
		Text:      "Ask what success looks like for them",
		Source:    storage.SuggestionFromPattern,
		CreatedAt: time.Now().UTC(),
	})

	select {
	case msg := <-ch:
		var payload map[string]any
		if err := json.Unmarshal(msg, &payload); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		if payload["type"] != "suggestion" {
			t.Fatalf("expected event type suggestion, got %#v", payload["type"])
		}
		if payload["source"] != "pattern" {
			t.Fatalf("expected pattern source, got %#v", payload["source"])
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timeout waiting for websocket broadcast")
	}
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub()
	slow := hub.Subscribe()
	defer hub.Unsubscribe(slow)

	// Fill the slow subscriber's buffer and keep broadcasting; the hub
	// must drop rather than block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			hub.BroadcastTranscriptSuppressed("hash", "exact_duplicate")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on slow subscriber")
	}
}

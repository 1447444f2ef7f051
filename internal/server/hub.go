package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/pitchpilot/pitchpilot/internal/storage"
	"github.com/pitchpilot/pitchpilot/internal/transcribe"
)

type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[chan []byte]struct{})}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *Hub) BroadcastLiveTranscript(seg transcribe.Segment) {
	h.broadcastEvent(LiveTranscriptEvent{
		Event:     newEvent("live_transcript", seg.Timestamp),
		Speaker:   seg.Speaker,
		Text:      seg.Text,
		StartTime: seg.StartTime,
		EndTime:   seg.EndTime,
		Hash:      seg.Hash,
		Quality:   seg.Quality,
	})
}

func (h *Hub) BroadcastLiveTranscriptInterim(speaker int, text string, startTime float64) {
	h.broadcastEvent(LiveTranscriptEvent{
		Event:     newEvent("live_transcript", time.Now().UTC()),
		Speaker:   speaker,
		Text:      text,
		StartTime: startTime,
		Interim:   true,
	})
}

func (h *Hub) BroadcastTranscriptSuppressed(hash, reason string) {
	h.broadcastEvent(TranscriptSuppressedEvent{
		Event:  newEvent("transcript_suppressed", time.Now().UTC()),
		Hash:   hash,
		Reason: reason,
	})
}

func (h *Hub) BroadcastSuggestion(sessionID string, sug storage.Suggestion) {
	h.broadcastEvent(SuggestionEvent{
		Event:     newEvent("suggestion", sug.CreatedAt),
		SessionID: sessionID,
		Text:      sug.Text,
		Source:    sug.Source,
	})
}

func (h *Hub) BroadcastSessionStarted(sessionID string, embedded bool) {
	h.broadcastEvent(SessionStartedEvent{
		Event:     newEvent("session_started", time.Now().UTC()),
		SessionID: sessionID,
		Embedded:  embedded,
	})
}

func (h *Hub) BroadcastSessionEnded(sessionID string, duration time.Duration) {
	h.broadcastEvent(SessionEndedEvent{
		Event:     newEvent("session_ended", time.Now().UTC()),
		SessionID: sessionID,
		Duration:  duration.Seconds(),
	})
}

func (h *Hub) BroadcastStatusChanged(paused bool) {
	h.broadcastEvent(StatusChangedEvent{
		Event:  newEvent("status_changed", time.Now().UTC()),
		Paused: paused,
	})
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("event marshal error: %v", err)
		return
	}
	h.Broadcast(payload)
}

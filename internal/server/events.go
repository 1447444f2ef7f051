package server

import "time"

const EventVersion = 1

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

type LiveTranscriptEvent struct {
	Event
	Speaker   int     `json:"speaker"`
	Text      string  `json:"text"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Hash      string  `json:"hash,omitempty"`
	Quality   float64 `json:"quality,omitempty"`
	Interim   bool    `json:"interim,omitempty"`
}

// TranscriptSuppressedEvent tells the UI a transcript was dropped, so it
// can surface dedup activity without rendering the text.
type TranscriptSuppressedEvent struct {
	Event
	Hash   string `json:"hash"`
	Reason string `json:"reason"`
}

type SuggestionEvent struct {
	Event
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Source    string `json:"source"`
}

type SessionStartedEvent struct {
	Event
	SessionID string `json:"session_id"`
	Embedded  bool   `json:"embedded"`
}

type SessionEndedEvent struct {
	Event
	SessionID string  `json:"session_id"`
	Duration  float64 `json:"duration"`
}

type StatusChangedEvent struct {
	Event
	Paused bool `json:"paused"`
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}

package coach

import (
	"context"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"

	"github.com/pitchpilot/pitchpilot/internal/advisor"
	"github.com/pitchpilot/pitchpilot/internal/storage"
	"github.com/pitchpilot/pitchpilot/internal/transcribe"
)

type Store interface {
	CreateSession(id string, startedAt time.Time, embedded bool) error
	EndSession(id string, endedAt time.Time, audioPath string) error
	AppendSegment(sessionID string, seg transcribe.Segment) error
	AppendSuggestion(sessionID string, sug storage.Suggestion) error
}

type Recorder interface {
	StartSession(sessionID string) error
	EndSession() (string, error)
}

type Advisor interface {
	Suggest(ctx context.Context, transcript string) (advisor.Suggestion, error)
}

// SuggestionCache is the response cache consulted before the advisor.
// Get answers exact repeats; Predict answers by learned pattern.
type SuggestionCache interface {
	Get(key string) (string, bool)
	Set(key, response, context string)
	PredictResponse(context string) (string, bool)
}

// TranscriptLog mirrors accepted segments and delivered tips into the
// human-readable daily journal that the Drive export ships.
type TranscriptLog interface {
	Append(seg transcribe.Segment) error
	AppendSuggestion(sug storage.Suggestion) error
}

type EventBroadcaster interface {
	BroadcastLiveTranscript(seg transcribe.Segment)
	BroadcastLiveTranscriptInterim(speaker int, text string, startTime float64)
	BroadcastTranscriptSuppressed(hash, reason string)
	BroadcastSuggestion(sessionID string, sug storage.Suggestion)
	BroadcastSessionStarted(sessionID string, embedded bool)
	BroadcastSessionEnded(sessionID string, duration time.Duration)
}

type LifecycleManager interface {
	Message(mr *api.MessageResponse) error
	UtteranceEnd(ur *api.UtteranceEndResponse) error
	ForceEndCall(ctx context.Context) error
}

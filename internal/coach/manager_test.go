package coach

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"

	"github.com/pitchpilot/pitchpilot/internal/advisor"
	"github.com/pitchpilot/pitchpilot/internal/storage"
	"github.com/pitchpilot/pitchpilot/internal/transcribe"
)

type sessionInfo struct {
	startedAt time.Time
	embedded  bool
}

type storeMock struct {
	mu          sync.Mutex
	sessions    map[string]sessionInfo
	status      map[string]string
	audio       map[string]string
	segments    map[string][]transcribe.Segment
	suggestions map[string][]storage.Suggestion

	endSessionErr   error
	endSessionCalls int
}

func newStoreMock() *storeMock {
	return &storeMock{
		sessions:    map[string]sessionInfo{},
		status:      map[string]string{},
		audio:       map[string]string{},
		segments:    map[string][]transcribe.Segment{},
		suggestions: map[string][]storage.Suggestion{},
	}
}

func (s *storeMock) CreateSession(id string, startedAt time.Time, embedded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = sessionInfo{startedAt: startedAt, embedded: embedded}
	s.status[id] = "active"
	return nil
}

func (s *storeMock) EndSession(id string, _ time.Time, audioPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endSessionCalls++
	if s.endSessionErr != nil {
		return s.endSessionErr
	}
	s.status[id] = "ended"
	s.audio[id] = audioPath
	return nil
}

func (s *storeMock) AppendSegment(sessionID string, seg transcribe.Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments[sessionID] = append(s.segments[sessionID], seg)
	return nil
}

func (s *storeMock) AppendSuggestion(sessionID string, sug storage.Suggestion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suggestions[sessionID] = append(s.suggestions[sessionID], sug)
	return nil
}

type recorderMock struct {
	mu      sync.Mutex
	started []string
	ended   int

	startErr error
}

func (r *recorderMock) StartSession(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return r.startErr
	}
	r.started = append(r.started, id)
	return nil
}

func (r *recorderMock) EndSession() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended++
	if len(r.started) == 0 {
		return "", nil
	}
	return "data/audio/" + r.started[len(r.started)-1] + ".mp3", nil
}

type advisorMock struct {
	mu    sync.Mutex
	calls int
	tip   string
	err   error
}

func (a *advisorMock) Suggest(_ context.Context, _ string) (advisor.Suggestion, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return advisor.Suggestion{}, a.err
	}
	return advisor.Suggestion{Text: a.tip, Category: "pricing"}, nil
}

func (a *advisorMock) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type cacheMock struct {
	mu        sync.Mutex
	entries   map[string]string
	predicted string
	sets      int
}

func newCacheMock() *cacheMock {
	return &cacheMock{entries: map[string]string{}}
}

func (c *cacheMock) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *cacheMock) Set(key, response, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.entries[key] = response
}

func (c *cacheMock) PredictResponse(_ string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.predicted, c.predicted != ""
}

type journalMock struct {
	mu          sync.Mutex
	segments    []transcribe.Segment
	suggestions []storage.Suggestion
}

func (j *journalMock) Append(seg transcribe.Segment) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.segments = append(j.segments, seg)
	return nil
}

func (j *journalMock) AppendSuggestion(sug storage.Suggestion) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.suggestions = append(j.suggestions, sug)
	return nil
}

type hubMock struct {
	mu             sync.Mutex
	liveCount      int
	suppressed     []string
	startedCount   int
	endedCount     int
	latestSession  string
	latestEmbedded bool
	sugC           chan storage.Suggestion
}

func (h *hubMock) BroadcastLiveTranscript(_ transcribe.Segment) {
	h.mu.Lock()
	h.liveCount++
	h.mu.Unlock()
}

func (h *hubMock) BroadcastLiveTranscriptInterim(_ int, _ string, _ float64) {}

func (h *hubMock) BroadcastTranscriptSuppressed(_, reason string) {
	h.mu.Lock()
	h.suppressed = append(h.suppressed, reason)
	h.mu.Unlock()
}

func (h *hubMock) BroadcastSuggestion(_ string, sug storage.Suggestion) {
	if h.sugC != nil {
		h.sugC <- sug
	}
}

func (h *hubMock) BroadcastSessionStarted(sessionID string, embedded bool) {
	h.mu.Lock()
	h.startedCount++
	h.latestSession = sessionID
	h.latestEmbedded = embedded
	h.mu.Unlock()
}

func (h *hubMock) BroadcastSessionEnded(sessionID string, _ time.Duration) {
	h.mu.Lock()
	h.endedCount++
	h.latestSession = sessionID
	h.mu.Unlock()
}

func TestManagerLifecycle(t *testing.T) {
	store := newStoreMock()
	recorder := &recorderMock{}
	hub := &hubMock{}

	manager := NewManager(Deps{
		Store:    store,
		Recorder: recorder,
		Hub:      hub,
		Detector: NewSilenceDetector(20 * time.Millisecond),
	})

	var msg api.MessageResponse
	raw := []byte(`{
		"is_final": true,
		"speech_final": true,
		"channel": {
			"alternatives": [
				{
					"transcript": "hello world",
					"words": [
						{"speaker": 0, "punctuated_word": "hello", "start": 0, "end": 0.5},
						{"speaker": 0, "punctuated_word": "world", "start": 0.5, "end": 1.0}
					]
				}
			]
		}
	}`)
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal deepgram message failed: %v", err)
	}

	if err := manager.Message(&msg); err != nil {
		t.Fatalf("Message failed: %v", err)
	}

	hub.mu.Lock()
	if hub.startedCount != 1 {
		t.Fatalf("expected session_started broadcast count 1, got %d", hub.startedCount)
	}
	if hub.liveCount == 0 {
		t.Fatal("expected live transcript broadcast")
	}
	sessionID := hub.latestSession
	hub.mu.Unlock()

	if sessionID == "" {
		t.Fatal("expected session id")
	}

	store.mu.Lock()
	segs := store.segments[sessionID]
	store.mu.Unlock()
	if len(segs) == 0 {
		t.Fatal("expected persisted segments")
	}
	if segs[0].Hash == "" {
		t.Fatal("expected segment hash to be set")
	}
	if segs[0].Quality <= 0.3 {
		t.Fatalf("expected accepted segment quality above 0.3, got %v", segs[0].Quality)
	}

	if err := manager.UtteranceEnd(&api.UtteranceEndResponse{}); err != nil {
		t.Fatalf("UtteranceEnd failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		hub.mu.Lock()
		ended := hub.endedCount
		hub.mu.Unlock()
		if ended == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected session_ended broadcast after silence timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if recorder.ended == 0 {
		t.Fatal("expected recorder EndSession to be called")
	}
}

func TestManagerIngestTextSuppressesRepeat(t *testing.T) {
	store := newStoreMock()
	hub := &hubMock{}
	manager := NewManager(Deps{
		Store:    store,
		Hub:      hub,
		Detector: NewSilenceDetector(time.Hour),
	})

	text := "The onboarding timeline worries me a little bit"

	seg, err := manager.IngestText(text, false)
	if err != nil {
		t.Fatalf("IngestText failed: %v", err)
	}
	if seg == nil {
		t.Fatal("expected first ingest to be accepted")
	}

	seg, err = manager.IngestText(text, false)
	if err != nil {
		t.Fatalf("IngestText failed: %v", err)
	}
	if seg != nil {
		t.Fatalf("expected repeat ingest to be suppressed, got %#v", seg)
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()
	if len(hub.suppressed) != 1 || hub.suppressed[0] != "exact_duplicate" {
		t.Fatalf("expected one exact_duplicate suppression, got %v", hub.suppressed)
	}
	if hub.liveCount != 1 {
		t.Fatalf("expected one live broadcast, got %d", hub.liveCount)
	}
}

func TestManagerSuggestionFromAdvisor(t *testing.T) {
	store := newStoreMock()
	adv := &advisorMock{tip: "Ask what budget range they had in mind."}
	respCache := newCacheMock()
	hub := &hubMock{sugC: make(chan storage.Suggestion, 1)}

	manager := NewManager(Deps{
		Store:    store,
		Advisor:  adv,
		Cache:    respCache,
		Hub:      hub,
		Detector: NewSilenceDetector(time.Hour),
	})

	seg, err := manager.IngestText("Honestly the price feels too expensive for our budget this year", false)
	if err != nil {
		t.Fatalf("IngestText failed: %v", err)
	}
	if seg == nil {
		t.Fatal("expected ingest to be accepted")
	}

	var sug storage.Suggestion
	select {
	case sug = <-hub.sugC:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for suggestion broadcast")
	}

	if sug.Text != adv.tip {
		t.Fatalf("expected advisor tip, got %q", sug.Text)
	}
	if sug.Source != storage.SuggestionFromModel {
		t.Fatalf("expected model source, got %q", sug.Source)
	}
	if respCache.sets != 1 {
		t.Fatalf("expected tip to be cached, got %d sets", respCache.sets)
	}

	store.mu.Lock()
	persisted := store.suggestions[sug.SessionID]
	store.mu.Unlock()
	if len(persisted) != 1 || persisted[0].Text != adv.tip {
		t.Fatalf("expected persisted suggestion, got %#v", persisted)
	}

	// Second accepted segment inside the rate-limit window must not
	// trigger another tip.
	if _, err := manager.IngestText("And we are also evaluating another vendor right now instead", false); err != nil {
		t.Fatalf("IngestText failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := adv.callCount(); got != 1 {
		t.Fatalf("expected rate limiter to hold advisor at 1 call, got %d", got)
	}
}

func TestManagerSuggestionCacheHitSkipsAdvisor(t *testing.T) {
	store := newStoreMock()
	adv := &advisorMock{tip: "should not be used"}
	respCache := newCacheMock()
	hub := &hubMock{sugC: make(chan storage.Suggestion, 1)}

	manager := NewManager(Deps{
		Store:    store,
		Advisor:  adv,
		Cache:    respCache,
		Hub:      hub,
		Detector: NewSilenceDetector(time.Hour),
	})

	text := "Honestly the price feels too expensive for our budget this year"
	cleaned := transcribe.Sanitize(text).Cleaned
	respCache.entries[transcribe.Fingerprint(cleaned)] = "Anchor on value before discounts."

	if _, err := manager.IngestText(text, false); err != nil {
		t.Fatalf("IngestText failed: %v", err)
	}

	var sug storage.Suggestion
	select {
	case sug = <-hub.sugC:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for suggestion broadcast")
	}

	if sug.Source != storage.SuggestionFromCache {
		t.Fatalf("expected cache source, got %q", sug.Source)
	}
	if sug.Text != "Anchor on value before discounts." {
		t.Fatalf("unexpected tip %q", sug.Text)
	}
	if adv.callCount() != 0 {
		t.Fatalf("expected advisor to be skipped, got %d calls", adv.callCount())
	}
}

func TestManagerEmbeddedFlagReachesStore(t *testing.T) {
	store := newStoreMock()
	hub := &hubMock{}
	manager := NewManager(Deps{
		Store:    store,
		Hub:      hub,
		Detector: NewSilenceDetector(time.Hour),
		Embedded: true,
	})

	if _, err := manager.IngestText("We should talk through the rollout plan together", false); err != nil {
		t.Fatalf("IngestText failed: %v", err)
	}

	hub.mu.Lock()
	sessionID := hub.latestSession
	embedded := hub.latestEmbedded
	hub.mu.Unlock()

	if !embedded {
		t.Fatal("expected embedded flag in session_started broadcast")
	}
	store.mu.Lock()
	info := store.sessions[sessionID]
	store.mu.Unlock()
	if !info.embedded {
		t.Fatal("expected embedded flag persisted with session")
	}
}

func TestManager_ForceEndCall_NoActiveCall(t *testing.T) {
	manager := NewManager(Deps{
		Store:    newStoreMock(),
		Detector: NewSilenceDetector(time.Hour),
	})

	if err := manager.ForceEndCall(context.Background()); !errors.Is(err, ErrNoActiveCall) {
		t.Fatalf("expected ErrNoActiveCall, got %v", err)
	}
}

func TestManager_ForceEndCall_ResetsDedupWindow(t *testing.T) {
	store := newStoreMock()
	manager := NewManager(Deps{
		Store:    store,
		Detector: NewSilenceDetector(time.Hour),
	})

	text := "Let us walk through the integration requirements together now"
	if seg, err := manager.IngestText(text, false); err != nil || seg == nil {
		t.Fatalf("expected first ingest to be accepted, seg=%v err=%v", seg, err)
	}

	if err := manager.ForceEndCall(context.Background()); err != nil {
		t.Fatalf("ForceEndCall failed: %v", err)
	}

	// Same sentence on the next call is fresh context, not a duplicate.
	seg, err := manager.IngestText(text, false)
	if err != nil {
		t.Fatalf("IngestText failed: %v", err)
	}
	if seg == nil {
		t.Fatal("expected ingest after call end to be accepted")
	}
}

func TestManager_EndCall_StoreFailurePreservesState(t *testing.T) {
	store := newStoreMock()
	store.endSessionErr = errors.New("store end failed")
	manager := NewManager(Deps{
		Store:    store,
		Detector: NewSilenceDetector(time.Hour),
	})

	if err := manager.ensureCallStarted(time.Now().UTC()); err != nil {
		t.Fatalf("ensureCallStarted failed: %v", err)
	}
	if manager.currentCall() == "" {
		t.Fatal("expected active call")
	}

	if err := manager.endCurrentCall(context.Background()); err == nil {
		t.Fatal("expected endCurrentCall to fail")
	}
	if manager.currentCall() == "" {
		t.Fatal("expected manager to preserve call id on end failure")
	}
}

func TestManager_StartCall_RecorderFailureRollsBack(t *testing.T) {
	store := newStoreMock()
	recorder := &recorderMock{startErr: errors.New("recorder start failed")}
	manager := NewManager(Deps{
		Store:    store,
		Recorder: recorder,
		Detector: NewSilenceDetector(time.Hour),
	})

	if err := manager.ensureCallStarted(time.Now().UTC()); err == nil {
		t.Fatal("expected ensureCallStarted to fail")
	}
	if got := manager.currentCall(); got != "" {
		t.Fatalf("expected call id to be cleared, got %q", got)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.endSessionCalls != 1 {
		t.Fatalf("expected EndSession rollback to be called once, got %d", store.endSessionCalls)
	}
}

func TestManagerDropsLowQualityText(t *testing.T) {
	store := newStoreMock()
	hub := &hubMock{}
	manager := NewManager(Deps{
		Store:    store,
		Hub:      hub,
		Detector: NewSilenceDetector(time.Hour),
	})

	junk := strings.Repeat("uh ", 40)
	seg, err := manager.IngestText(junk, false)
	if err != nil {
		t.Fatalf("IngestText failed: %v", err)
	}
	if seg != nil {
		t.Fatalf("expected junk transcript to be dropped, got %#v", seg)
	}

	hub.mu.Lock()
	defer hub.mu.Unlock()
	if len(hub.suppressed) != 1 || hub.suppressed[0] != "low_quality" {
		t.Fatalf("expected low_quality suppression, got %v", hub.suppressed)
	}
	if hub.startedCount != 0 {
		t.Fatal("expected no session for dropped transcript")
	}
}

func TestManagerIngestEmbeddedFlagMarksSession(t *testing.T) {
	store := newStoreMock()
	hub := &hubMock{}
	manager := NewManager(Deps{
		Store:    store,
		Hub:      hub,
		Detector: NewSilenceDetector(time.Hour),
	})

	if _, err := manager.IngestText("We should talk through the rollout plan together", true); err != nil {
		t.Fatalf("IngestText failed: %v", err)
	}

	hub.mu.Lock()
	sessionID := hub.latestSession
	embedded := hub.latestEmbedded
	hub.mu.Unlock()

	if !embedded {
		t.Fatal("expected embedded capture report to reach the session_started broadcast")
	}
	store.mu.Lock()
	info := store.sessions[sessionID]
	store.mu.Unlock()
	if !info.embedded {
		t.Fatal("expected embedded capture report to be persisted with the session")
	}
}

// Three utterances share the 3-word phrase "the pricing is", spaced 15s
// apart. The normal profile counts all three inside its 30s phrase window
// and suppresses the last; the embedded profile's 10s window resets between
// them, so an embedded ingest must change the outcome.
func TestManagerEmbeddedIngestAdoptsStrictDedupProfile(t *testing.T) {
	texts := []string{
		"I think the pricing is too high for us",
		"Frankly the pricing is too steep right now",
		"Look the pricing is simply not workable",
	}

	newTestManager := func(store *storeMock, clock *limiterClock) *Manager {
		dedup := transcribe.NewDetector(transcribe.ResolveDetectorConfig(false))
		dedup.SetClock(clock.Now)
		return NewManager(Deps{
			Store:    store,
			Detector: NewSilenceDetector(time.Hour),
			Dedup:    dedup,
		})
	}

	ingestAll := func(t *testing.T, m *Manager, clock *limiterClock, firstEmbedded bool) []*transcribe.Segment {
		t.Helper()
		segs := make([]*transcribe.Segment, 0, len(texts))
		for i, text := range texts {
			if i > 0 {
				clock.Advance(15 * time.Second)
			}
			seg, err := m.IngestText(text, firstEmbedded && i == 0)
			if err != nil {
				t.Fatalf("IngestText %d failed: %v", i, err)
			}
			segs = append(segs, seg)
		}
		return segs
	}

	t.Run("normal profile counts across 15s gaps", func(t *testing.T) {
		clock := &limiterClock{t: time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)}
		manager := newTestManager(newStoreMock(), clock)

		segs := ingestAll(t, manager, clock, false)
		if segs[0] == nil || segs[1] == nil {
			t.Fatal("expected first two utterances to be accepted")
		}
		if segs[2] != nil {
			t.Fatal("expected third phrase repeat to be suppressed in normal mode")
		}
	})

	t.Run("embedded ingest switches to the 10s phrase window", func(t *testing.T) {
		clock := &limiterClock{t: time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)}
		store := newStoreMock()
		manager := newTestManager(store, clock)

		segs := ingestAll(t, manager, clock, true)
		if segs[2] == nil {
			t.Fatal("expected 15s-spaced repeats to pass under the embedded phrase window")
		}

		store.mu.Lock()
		var embedded bool
		for _, info := range store.sessions {
			embedded = info.embedded
		}
		store.mu.Unlock()
		if !embedded {
			t.Fatal("expected the session to be recorded as embedded")
		}

		// Ending the call drops the ratchet and restores the daemon-wide
		// profile for the next one.
		if err := manager.ForceEndCall(context.Background()); err != nil {
			t.Fatalf("ForceEndCall failed: %v", err)
		}
		clock.Advance(time.Minute)

		segs = ingestAll(t, manager, clock, false)
		if segs[2] != nil {
			t.Fatal("expected normal profile to be restored after call end")
		}
	})
}

func TestManagerFragmentDoesNotBurnSuggestionWindow(t *testing.T) {
	store := newStoreMock()
	adv := &advisorMock{tip: "Reframe price as monthly cost per seat."}
	respCache := newCacheMock()
	hub := &hubMock{sugC: make(chan storage.Suggestion, 1)}

	manager := NewManager(Deps{
		Store:    store,
		Advisor:  adv,
		Cache:    respCache,
		Hub:      hub,
		Detector: NewSilenceDetector(time.Hour),
	})

	// Four words: accepted, but below the coaching minimum. It must not
	// claim the rate-limit slot.
	seg, err := manager.IngestText("Okay sounds good thanks.", false)
	if err != nil {
		t.Fatalf("IngestText failed: %v", err)
	}
	if seg == nil {
		t.Fatal("expected short utterance to be accepted")
	}

	if _, err := manager.IngestText("Honestly the price feels too expensive for our budget this year", false); err != nil {
		t.Fatalf("IngestText failed: %v", err)
	}

	select {
	case <-hub.sugC:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a tip right after the first substantial utterance")
	}
	if got := adv.callCount(); got != 1 {
		t.Fatalf("expected one advisor call, got %d", got)
	}
}

func TestManagerJournalsAcceptedSegmentsAndTips(t *testing.T) {
	store := newStoreMock()
	journal := &journalMock{}
	adv := &advisorMock{tip: "Offer the annual discount."}
	respCache := newCacheMock()
	hub := &hubMock{sugC: make(chan storage.Suggestion, 1)}

	manager := NewManager(Deps{
		Store:    store,
		Advisor:  adv,
		Cache:    respCache,
		Hub:      hub,
		Journal:  journal,
		Detector: NewSilenceDetector(time.Hour),
	})

	seg, err := manager.IngestText("Honestly the price feels too expensive for our budget this year", false)
	if err != nil {
		t.Fatalf("IngestText failed: %v", err)
	}
	if seg == nil {
		t.Fatal("expected ingest to be accepted")
	}

	journal.mu.Lock()
	segCount := len(journal.segments)
	journal.mu.Unlock()
	if segCount != 1 {
		t.Fatalf("expected one journaled segment, got %d", segCount)
	}

	select {
	case <-hub.sugC:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for suggestion broadcast")
	}

	journal.mu.Lock()
	defer journal.mu.Unlock()
	if len(journal.suggestions) != 1 || journal.suggestions[0].Text != adv.tip {
		t.Fatalf("expected journaled tip, got %#v", journal.suggestions)
	}
}

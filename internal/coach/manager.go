package coach

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"

	"github.com/pitchpilot/pitchpilot/internal/profiler"
	"github.com/pitchpilot/pitchpilot/internal/storage"
	"github.com/pitchpilot/pitchpilot/internal/transcribe"
)

// recentWindowSize bounds the accepted-transcript history handed to the
// advisor and the pattern matcher.
const recentWindowSize = 12

// Deps wires a Manager. Store, Dedup, and Limiter are required; the rest
// degrade gracefully when nil (no recording, no tips, no events).
type Deps struct {
	Store    Store
	Recorder Recorder
	Advisor  Advisor
	Cache    SuggestionCache
	Profiler *profiler.Profiler
	Hub      EventBroadcaster
	Journal  TranscriptLog
	Detector *SilenceDetector
	Dedup    *transcribe.Detector
	Limiter  *SuggestionLimiter
	Embedded bool
}

// Manager drives the live coaching pipeline: Deepgram events in, cleaned
// and deduplicated transcript segments out, with rate-limited tips on top.
type Manager struct {
	store    Store
	recorder Recorder
	advisor  Advisor
	cache    SuggestionCache
	prof     *profiler.Profiler
	hub      EventBroadcaster
	journal  TranscriptLog
	detector *SilenceDetector
	dedup    *transcribe.Detector
	limiter  *SuggestionLimiter
	embedded bool

	mu            sync.Mutex
	words         []transcribe.Word
	recent        []string
	currentCallID string
	currentStart  time.Time

	// captureEmbedded is the effective capture context of the current call.
	// It starts at the daemon-wide default and ratchets to embedded when an
	// ingest from an embedded source arrives; call end resets it.
	captureEmbedded bool
}

func NewManager(deps Deps) *Manager {
	detector := deps.Detector
	if detector == nil {
		detector = NewSilenceDetector(30 * time.Second)
	}
	dedup := deps.Dedup
	if dedup == nil {
		dedup = transcribe.NewDetector(transcribe.ResolveDetectorConfig(deps.Embedded))
	}
	limiter := deps.Limiter
	if limiter == nil {
		limiter = NewSuggestionLimiter(10 * time.Second)
	}

	m := &Manager{
		store:           deps.Store,
		recorder:        deps.Recorder,
		advisor:         deps.Advisor,
		cache:           deps.Cache,
		prof:            deps.Profiler,
		hub:             deps.Hub,
		journal:         deps.Journal,
		detector:        detector,
		dedup:           dedup,
		limiter:         limiter,
		embedded:        deps.Embedded,
		captureEmbedded: deps.Embedded,
	}

	detector.OnCallEnd(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.endCurrentCall(ctx)
	})

	return m
}

func (m *Manager) Message(mr *api.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}

	sentence := strings.TrimSpace(mr.Channel.Alternatives[0].Transcript)
	if sentence == "" {
		return nil
	}

	words := make([]transcribe.Word, 0, len(mr.Channel.Alternatives[0].Words))
	for _, word := range mr.Channel.Alternatives[0].Words {
		words = append(words, transcribe.Word{
			Speaker:        word.Speaker,
			PunctuatedWord: word.PunctuatedWord,
			Start:          word.Start,
			End:            word.End,
		})
	}

	// Interim result — broadcast for faded live display, never persisted.
	if !mr.IsFinal {
		if m.hub != nil {
			speaker := -1
			startTime := 0.0
			if len(words) > 0 {
				if words[0].Speaker != nil {
					speaker = *words[0].Speaker
				}
				startTime = words[0].Start
			}
			m.hub.BroadcastLiveTranscriptInterim(speaker, sentence, startTime)
		}
		return nil
	}

	m.mu.Lock()
	m.words = append(m.words, words...)
	m.mu.Unlock()
	m.detector.OnSpeech()

	if mr.SpeechFinal {
		return m.flushWords()
	}
	return nil
}

func (m *Manager) UtteranceEnd(_ *api.UtteranceEndResponse) error {
	if err := m.flushWords(); err != nil {
		return err
	}
	m.detector.OnUtteranceEnd()
	return nil
}

// IngestText feeds a transcript that arrived outside the audio pipeline,
// e.g. posted by a browser extension. It runs the same clean/dedup path
// as live audio. Returns the stored segment, or nil when suppressed.
// The embedded flag is the capture client's own report: an embedded
// source ratchets the call to the stricter duplicate profile.
func (m *Manager) IngestText(text string, embedded bool) (*transcribe.Segment, error) {
	if embedded {
		m.adoptEmbeddedCapture()
	}

	seg := transcribe.Segment{
		Speaker:   -1,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}

	accepted, err := m.processSegment(&seg)
	if err != nil {
		return nil, err
	}
	if !accepted {
		return nil, nil
	}

	m.maybeSuggest()
	return &seg, nil
}

// adoptEmbeddedCapture switches the current call to the embedded duplicate
// profile. The switch is one-way for the call's lifetime: embedded sources
// replay speech results aggressively, and once one has joined there is no
// safe way to trust looser thresholds again until the call ends.
func (m *Manager) adoptEmbeddedCapture() {
	m.mu.Lock()
	already := m.captureEmbedded
	m.captureEmbedded = true
	m.mu.Unlock()

	if !already {
		m.dedup.UseProfile(transcribe.ResolveDetectorConfig(true))
	}
}

func (m *Manager) flushWords() error {
	m.mu.Lock()
	words := m.words
	m.words = nil
	m.mu.Unlock()
	if len(words) == 0 {
		return nil
	}

	segments := transcribe.GroupWordsBySpeaker(words)
	anyAccepted := false
	for i := range segments {
		segments[i].Timestamp = time.Now().UTC()
		accepted, err := m.processSegment(&segments[i])
		if err != nil {
			return err
		}
		anyAccepted = anyAccepted || accepted
	}

	if anyAccepted {
		m.maybeSuggest()
	}
	return nil
}

// processSegment sanitizes, deduplicates, persists, and broadcasts one
// segment. Reports whether the segment was accepted into the call record.
func (m *Manager) processSegment(seg *transcribe.Segment) (bool, error) {
	var profID string
	if m.prof != nil {
		profID = m.prof.Start("process_transcript", profiler.CategoryTranscription, nil)
		defer m.prof.End(profID, nil)
	}

	res := transcribe.Sanitize(seg.Text)
	seg.Hash = transcribe.Fingerprint(res.Cleaned)
	seg.Quality = res.Quality

	if !res.Valid {
		m.broadcastSuppressed(seg.Hash, "low_quality")
		return false, nil
	}

	verdict := m.dedup.Check(res.Cleaned)
	if verdict.Suppressed() {
		m.broadcastSuppressed(seg.Hash, suppressReason(verdict))
		return false, nil
	}
	m.dedup.Record(res.Cleaned)

	seg.Text = res.Cleaned

	if err := m.ensureCallStarted(seg.Timestamp); err != nil {
		return false, err
	}

	callID := m.currentCall()
	if err := m.store.AppendSegment(callID, *seg); err != nil {
		return false, fmt.Errorf("append segment: %w", err)
	}

	if m.journal != nil {
		if err := m.journal.Append(*seg); err != nil {
			log.Printf("Journal append failed: %v", err)
		}
	}

	m.mu.Lock()
	m.recent = append(m.recent, res.Cleaned)
	if len(m.recent) > recentWindowSize {
		m.recent = m.recent[len(m.recent)-recentWindowSize:]
	}
	m.mu.Unlock()

	if m.hub != nil {
		m.hub.BroadcastLiveTranscript(*seg)
	}
	return true, nil
}

func suppressReason(v transcribe.Verdict) string {
	switch {
	case v.Exact:
		return "exact_duplicate"
	case v.Repetitive:
		return "repetitive_phrase"
	default:
		return "contained"
	}
}

func (m *Manager) broadcastSuppressed(hash, reason string) {
	if m.hub != nil {
		m.hub.BroadcastTranscriptSuppressed(hash, reason)
	}
}

// maybeSuggest delivers at most one tip per rate-limit window, answering
// from the cache when it can and the advisor when it must.
func (m *Manager) maybeSuggest() {
	if m.advisor == nil && m.cache == nil {
		return
	}

	m.mu.Lock()
	recent := append([]string(nil), m.recent...)
	callID := m.currentCallID
	m.mu.Unlock()
	if callID == "" {
		return
	}

	conversation := transcribe.MergeAndClean(recent)
	if len(strings.Fields(conversation)) < 5 {
		return
	}

	// Claim the rate-limit slot only once a real attempt is possible;
	// a fragment must not burn a whole window.
	if !m.limiter.Allow() {
		return
	}

	go m.deliverSuggestion(callID, conversation)
}

func (m *Manager) deliverSuggestion(callID, conversation string) {
	var aiID string
	if m.prof != nil {
		aiID = m.prof.Start("generate_suggestion", profiler.CategoryAIProcessing, nil)
	}

	text, source, err := m.resolveSuggestion(conversation)
	if m.prof != nil {
		m.prof.End(aiID, map[string]string{"source": source})
	}
	if err != nil {
		log.Printf("Suggestion failed: %v", err)
		return
	}
	if text == "" {
		return
	}

	sug := storage.Suggestion{
		SessionID: callID,
		Text:      text,
		Source:    source,
		Context:   conversation,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.AppendSuggestion(callID, sug); err != nil {
		log.Printf("Persist suggestion failed: %v", err)
	}
	if m.journal != nil {
		if err := m.journal.AppendSuggestion(sug); err != nil {
			log.Printf("Journal suggestion failed: %v", err)
		}
	}

	if m.hub != nil {
		m.hub.BroadcastSuggestion(callID, sug)
	}
}

func (m *Manager) resolveSuggestion(conversation string) (text, source string, err error) {
	key := transcribe.Fingerprint(conversation)

	if m.cache != nil {
		var cacheID string
		if m.prof != nil {
			cacheID = m.prof.Start("suggestion_cache_lookup", profiler.CategoryCache, nil)
		}
		cached, hit := m.cache.Get(key)
		var predicted string
		var predictedOK bool
		if !hit {
			predicted, predictedOK = m.cache.PredictResponse(conversation)
		}
		if m.prof != nil {
			m.prof.End(cacheID, nil)
		}
		if hit {
			return cached, storage.SuggestionFromCache, nil
		}
		if predictedOK {
			return predicted, storage.SuggestionFromPattern, nil
		}
	}

	if m.advisor == nil {
		return "", "", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sug, err := m.advisor.Suggest(ctx, conversation)
	if err != nil {
		return "", storage.SuggestionFromModel, err
	}
	if sug.Text != "" && m.cache != nil {
		m.cache.Set(key, sug.Text, conversation)
	}
	return sug.Text, storage.SuggestionFromModel, nil
}

func (m *Manager) ForceEndCall(ctx context.Context) error {
	if m.currentCall() == "" {
		return ErrNoActiveCall
	}
	return m.endCurrentCall(ctx)
}

func (m *Manager) ensureCallStarted(now time.Time) error {
	m.mu.Lock()
	if m.currentCallID != "" {
		m.mu.Unlock()
		return nil
	}

	callID := now.UTC().Format("20060102150405")
	if m.currentStart.Format("20060102150405") == callID {
		callID = now.UTC().Add(time.Second).Format("20060102150405")
	}
	startedAt := now.UTC()
	m.currentCallID = callID
	m.currentStart = startedAt
	embedded := m.captureEmbedded
	m.mu.Unlock()

	if err := m.store.CreateSession(callID, startedAt, embedded); err != nil {
		m.clearCurrentCall()
		return fmt.Errorf("create session: %w", err)
	}

	if m.recorder != nil {
		if err := m.recorder.StartSession(callID); err != nil {
			m.clearCurrentCall()
			_ = m.store.EndSession(callID, time.Now().UTC(), "")
			return fmt.Errorf("start audio recorder session: %w", err)
		}
	}

	if m.hub != nil {
		m.hub.BroadcastSessionStarted(callID, embedded)
	}
	return nil
}

func (m *Manager) endCurrentCall(_ context.Context) error {
	m.mu.Lock()
	callID := m.currentCallID
	startedAt := m.currentStart
	if callID == "" {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	endedAt := time.Now().UTC()
	audioPath := ""
	if m.recorder != nil {
		path, err := m.recorder.EndSession()
		if err != nil {
			return fmt.Errorf("end audio recorder session: %w", err)
		}
		audioPath = path
	}

	if err := m.store.EndSession(callID, endedAt, audioPath); err != nil {
		return fmt.Errorf("end session: %w", err)
	}

	m.mu.Lock()
	m.currentCallID = ""
	m.currentStart = time.Time{}
	m.recent = nil
	upgraded := m.captureEmbedded != m.embedded
	m.captureEmbedded = m.embedded
	m.mu.Unlock()

	// Stale context must not bleed into the next call.
	m.dedup.Reset()
	m.limiter.Reset()
	if upgraded {
		m.dedup.UseProfile(transcribe.ResolveDetectorConfig(m.embedded))
	}

	if m.hub != nil {
		m.hub.BroadcastSessionEnded(callID, endedAt.Sub(startedAt))
	}
	return nil
}

func (m *Manager) clearCurrentCall() {
	m.mu.Lock()
	m.currentCallID = ""
	m.currentStart = time.Time{}
	m.mu.Unlock()
}

func (m *Manager) currentCall() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentCallID
}

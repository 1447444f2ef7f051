package transcribe

import (
	"strings"
	"sync"
	"time"
)

// Entry is one recently accepted utterance in the Detector's working set.
type Entry struct {
	Content   string
	Timestamp time.Time
	Hash      string
}

type phraseStat struct {
	count    int
	lastSeen time.Time
}

// DetectorConfig holds every duplicate-detection threshold. Embedded capture
// contexts (iframes, preview domains) replay speech results far more often
// than top-level pages, so the embedded profile is stricter across the board.
type DetectorConfig struct {
	ExactWindow          time.Duration
	ReplayDepth          int
	PhraseWindow         time.Duration
	MaxPhraseOccurrences int
	ContainmentThreshold float64
	MaxAge               time.Duration
	MaxEntries           int
}

// ResolveDetectorConfig returns the threshold profile for the given capture
// context. This is the single place the embedded/normal asymmetry lives.
func ResolveDetectorConfig(embedded bool) DetectorConfig {
	cfg := DetectorConfig{
		ExactWindow:          10 * time.Second,
		ReplayDepth:          0,
		PhraseWindow:         30 * time.Second,
		MaxPhraseOccurrences: 2,
		ContainmentThreshold: 0.9,
		MaxAge:               60 * time.Second,
		MaxEntries:           100,
	}
	if embedded {
		cfg.ExactWindow = 3 * time.Second
		cfg.ReplayDepth = 10
		cfg.PhraseWindow = 10 * time.Second
		cfg.ContainmentThreshold = 0.7
	}
	return cfg
}

// Verdict reports which duplicate checks flagged an utterance.
type Verdict struct {
	Exact      bool `json:"exact"`
	Repetitive bool `json:"repetitive"`
	Contained  bool `json:"contained"`
}

// Suppressed reports whether any check flagged the utterance. Any single hit
// is enough to suppress.
func (v Verdict) Suppressed() bool {
	return v.Exact || v.Repetitive || v.Contained
}

// Detector decides whether a freshly transcribed utterance repeats very
// recent speech. One Detector belongs to one coaching session; its working
// set must not be shared across sessions.
type Detector struct {
	cfg DetectorConfig
	now func() time.Time

	mu      sync.Mutex
	entries []Entry
	phrases map[string]*phraseStat
	hashes  map[string]time.Time
}

// NewDetector creates a detector with the given threshold profile.
func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 60 * time.Second
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 100
	}
	return &Detector{
		cfg:     cfg,
		now:     time.Now,
		phrases: make(map[string]*phraseStat),
		hashes:  make(map[string]time.Time),
	}
}

// UseProfile swaps the threshold profile in place, preserving the working
// set. Called when an embedded capture source joins a call that started
// under the normal profile, and again when the call ends.
func (d *Detector) UseProfile(cfg DetectorConfig) {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 60 * time.Second
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 100
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
}

// SetClock overrides the detector's time source. Tests only.
func (d *Detector) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// Check runs cleanup followed by all three duplicate checks. The repetition
// check mutates the shared phrase table even when the verdict is clean.
func (d *Detector) Check(text string) Verdict {
	d.Cleanup()
	return Verdict{
		Exact:      d.IsExactDuplicate(text),
		Repetitive: d.RecordAndCheckRepetition(text),
		Contained:  d.IsSubstringDuplicate(text),
	}
}

// IsExactDuplicate reports whether an utterance with the same fingerprint was
// seen within the exact window. In embedded mode a fingerprint match anywhere
// in the last ReplayDepth entries also counts, regardless of age: embedded
// speech APIs replay old results well outside any sane window.
func (d *Detector) IsExactDuplicate(text string) bool {
	hash := Fingerprint(text)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if seen, ok := d.hashes[hash]; ok && now.Sub(seen) < d.cfg.ExactWindow {
		return true
	}

	if d.cfg.ReplayDepth > 0 {
		start := len(d.entries) - d.cfg.ReplayDepth
		if start < 0 {
			start = 0
		}
		for _, e := range d.entries[start:] {
			if e.Hash == hash {
				return true
			}
		}
	}

	for _, e := range d.entries {
		if e.Hash == hash && now.Sub(e.Timestamp) < d.cfg.ExactWindow {
			return true
		}
	}

	return false
}

// RecordAndCheckRepetition slides a 3-word window across the utterance and
// bumps each phrase's counter in the shared table, resetting counters that
// have gone stale. It returns true the first time any phrase's count exceeds
// the configured maximum. The table mutation happens even on a false return;
// the name is deliberate.
func (d *Detector) RecordAndCheckRepetition(text string) bool {
	words := strings.Fields(strings.ToLower(text))
	if len(words) < 3 {
		return false
	}

	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for i := 0; i+3 <= len(words); i++ {
		phrase := strings.Join(words[i:i+3], " ")

		stat, ok := d.phrases[phrase]
		if !ok {
			stat = &phraseStat{}
			d.phrases[phrase] = stat
		}
		if now.Sub(stat.lastSeen) > d.cfg.PhraseWindow {
			stat.count = 0
		}
		stat.count++
		stat.lastSeen = now

		if stat.count > d.cfg.MaxPhraseOccurrences {
			return true
		}
	}

	return false
}

// IsSubstringDuplicate reports whether the utterance fully contains, or is
// fully contained by, a recent entry after normalization. Containment scores
// 1.0 and anything else 0.0, so the threshold only decides whether
// containment alone is enough to suppress.
func (d *Detector) IsSubstringDuplicate(text string) bool {
	candidate := Normalize(text)
	if candidate == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, e := range d.entries {
		recent := Normalize(e.Content)
		if recent == "" {
			continue
		}

		score := 0.0
		if strings.Contains(candidate, recent) || strings.Contains(recent, candidate) {
			score = 1.0
		}
		if score >= d.cfg.ContainmentThreshold {
			return true
		}
	}

	return false
}

// Record appends an accepted utterance to the working set.
func (d *Detector) Record(text string) Entry {
	entry := Entry{
		Content:   text,
		Timestamp: d.now(),
		Hash:      Fingerprint(text),
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.entries = append(d.entries, entry)
	d.hashes[entry.Hash] = entry.Timestamp

	if len(d.entries) > d.cfg.MaxEntries {
		d.entries = d.entries[len(d.entries)-d.cfg.MaxEntries:]
	}

	return entry
}

// Cleanup prunes entries, phrase counters, and the fingerprint mirror older
// than MaxAge. It runs before every Check so a long session's working set
// stays bounded.
func (d *Detector) Cleanup() {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	kept := d.entries[:0]
	for _, e := range d.entries {
		if now.Sub(e.Timestamp) <= d.cfg.MaxAge {
			kept = append(kept, e)
		}
	}
	d.entries = kept

	for phrase, stat := range d.phrases {
		if now.Sub(stat.lastSeen) > d.cfg.MaxAge {
			delete(d.phrases, phrase)
		}
	}

	for hash, seen := range d.hashes {
		if now.Sub(seen) > d.cfg.MaxAge {
			delete(d.hashes, hash)
		}
	}
}

// Reset clears all session state. Call between coaching sessions so stale
// duplicate state does not leak across unrelated calls.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = nil
	d.phrases = make(map[string]*phraseStat)
	d.hashes = make(map[string]time.Time)
}

// WorkingSetSize returns the number of recent entries currently held.
func (d *Detector) WorkingSetSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

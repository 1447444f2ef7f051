// Package cache short-circuits redundant coaching-suggestion requests. It
// keeps exact responses keyed by conversation fingerprint and a keyword
// pattern table that generalizes across differently-worded but semantically
// similar situations. Durability is best-effort: if the backing store is
// unavailable the cache degrades to memory-only and the session carries on.
package cache

import (
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry is one cached coaching response.
type Entry struct {
	Key        string    `json:"key"`
	Response   string    `json:"response"`
	Timestamp  time.Time `json:"timestamp"`
	Hits       int       `json:"hits"`
	LastAccess time.Time `json:"last_access"`
	Pattern    string    `json:"pattern,omitempty"`
}

// Pattern is a generalized coaching situation keyed by conversation keywords.
// A pattern only becomes eligible for prediction once its frequency reaches
// the configured threshold.
type Pattern struct {
	ID        int64     `json:"id"`
	Keywords  []string  `json:"keywords"`
	Context   string    `json:"context"`
	Response  string    `json:"response"`
	Frequency int       `json:"frequency"`
	LastUsed  time.Time `json:"last_used"`
}

// Store is the durable backing for the cache. internal/storage implements it
// on SQLite.
type Store interface {
	LoadEntries() ([]Entry, error)
	SaveEntry(e Entry) error
	DeleteEntry(key string) error
	LoadPatterns() ([]Pattern, error)
	SavePattern(p *Pattern) error
	ClearCache() error
}

// Config holds cache tuning knobs.
type Config struct {
	TTL              time.Duration
	MaxSize          int
	PatternThreshold int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TTL:              30 * time.Minute,
		MaxSize:          1000,
		PatternThreshold: 3,
	}
}

const (
	maxPatternKeywords = 5
	maxPatternContext  = 200
	evictFraction      = 0.2
)

var keywordStoplist = map[string]struct{}{
	"this": {}, "that": {}, "with": {}, "have": {}, "will": {},
	"from": {}, "they": {}, "been": {}, "were": {}, "what": {},
	"when": {}, "your": {}, "about": {}, "would": {}, "there": {},
	"their": {}, "just": {}, "like": {}, "know": {}, "think": {},
}

// Cache is a process-wide response cache shared across coaching sessions.
// Patterns deliberately outlive sessions; that is how they generalize.
type Cache struct {
	cfg   Config
	store Store
	now   func() time.Time

	mu       sync.Mutex
	entries  map[string]*Entry
	patterns []*Pattern
	nextID   int64
	degraded bool
}

// New builds a cache and loads any persisted state. A nil store, or a store
// that fails to load, degrades the cache to memory-only with a logged
// warning; it never returns an error because caching is an optimization,
// not a correctness dependency.
func New(cfg Config, store Store) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.PatternThreshold <= 0 {
		cfg.PatternThreshold = 3
	}

	c := &Cache{
		cfg:     cfg,
		store:   store,
		now:     time.Now,
		entries: make(map[string]*Entry),
		nextID:  1,
	}

	if store == nil {
		c.degraded = true
		return c
	}

	entries, err := store.LoadEntries()
	if err != nil {
		log.Printf("warning: cache store unavailable, running memory-only: %v", err)
		c.degraded = true
		return c
	}
	for i := range entries {
		e := entries[i]
		c.entries[e.Key] = &e
	}

	patterns, err := store.LoadPatterns()
	if err != nil {
		log.Printf("warning: cache pattern load failed, starting fresh: %v", err)
		return c
	}
	for i := range patterns {
		p := patterns[i]
		c.patterns = append(c.patterns, &p)
		if p.ID >= c.nextID {
			c.nextID = p.ID + 1
		}
	}

	return c
}

// SetClock overrides the cache's time source. Tests only.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Degraded reports whether the cache is running without durable backing.
func (c *Cache) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// Get returns the cached response for key if present and unexpired. Expired
// entries are evicted lazily and reported as misses. A hit bumps the entry's
// hit count and last-access time, which feed eviction scoring.
func (c *Cache) Get(key string) (string, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return "", false
	}

	if now.Sub(e.Timestamp) >= c.cfg.TTL {
		delete(c.entries, key)
		c.storeDelete(key)
		return "", false
	}

	e.Hits++
	e.LastAccess = now
	c.storeSave(*e)
	return e.Response, true
}

// Set stores a response under key. A non-empty context also feeds the pattern
// table so future similar situations can be predicted without an AI call.
func (c *Cache) Set(key, response, context string) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e := &Entry{
		Key:        key,
		Response:   response,
		Timestamp:  now,
		LastAccess: now,
	}

	if context != "" {
		if p := c.updatePatterns(context, response, now); p != nil {
			e.Pattern = strings.Join(p.Keywords, " ")
		}
	}

	c.entries[key] = e

	if len(c.entries) > c.cfg.MaxSize {
		c.evict()
	}

	c.storeSave(*e)
}

// PredictResponse returns the stored response of the first established
// pattern sharing a keyword with context, or false when no pattern has
// recurred often enough to trust.
func (c *Cache) PredictResponse(context string) (string, bool) {
	keywords := ExtractKeywords(context)
	if len(keywords) == 0 {
		return "", false
	}

	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.patterns {
		if p.Frequency < c.cfg.PatternThreshold {
			continue
		}
		if sharesKeyword(p.Keywords, keywords) {
			p.LastUsed = now
			c.storePattern(p)
			return p.Response, true
		}
	}

	return "", false
}

// SeedCommonResponses installs canned patterns for objections common enough
// to show up in nearly every sales call, so predictions have something to
// match before organic patterns accumulate. Seeded patterns start at the
// prediction threshold.
func (c *Cache) SeedCommonResponses() {
	seeds := []struct {
		context  string
		response string
	}{
		{
			"the price is too high and over our budget",
			"Acknowledge the concern, then reframe around total value: ask what a solved problem is worth to them before defending the number.",
		},
		{
			"we need more time to think it over",
			"Agree to the pause, but pin down what specifically they need to evaluate and book the follow-up before ending the call.",
		},
		{
			"i need approval from my manager before deciding",
			"Offer to join the conversation with the decision maker and equip your champion with a one-page summary of the business case.",
		},
		{
			"how does the technical integration actually work",
			"Keep it concrete: name the integration path, typical rollout time, and offer a technical deep-dive with their engineers.",
		},
		{
			"we are also evaluating your competitor right now",
			"Never disparage the competitor. Ask which criteria matter most and anchor on the differentiators that map to those criteria.",
		},
	}

	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, seed := range seeds {
		p := &Pattern{
			ID:        c.nextID,
			Keywords:  ExtractKeywords(seed.context),
			Context:   truncate(seed.context, maxPatternContext),
			Response:  seed.response,
			Frequency: c.cfg.PatternThreshold,
			LastUsed:  now,
		}
		c.nextID++
		c.patterns = append(c.patterns, p)
		c.storePattern(p)
	}
}

// Stats summarizes cache health. HitRate keeps the historical totalHits/size
// definition rather than a true hits/lookups ratio; dashboards depend on it.
type Stats struct {
	Size          int           `json:"size"`
	TotalHits     int           `json:"total_hits"`
	HitRate       float64       `json:"hit_rate"`
	AvgAgeMinutes float64       `json:"avg_age_minutes"`
	PatternCount  int           `json:"pattern_count"`
	TopPatterns   []PatternStat `json:"top_patterns"`
	Degraded      bool          `json:"degraded"`
}

// PatternStat is one row of the top-patterns table.
type PatternStat struct {
	Keywords  []string `json:"keywords"`
	Frequency int      `json:"frequency"`
}

// GetStats returns a snapshot of cache health.
func (c *Cache) GetStats() Stats {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Size:         len(c.entries),
		PatternCount: len(c.patterns),
		Degraded:     c.degraded,
	}

	var totalAge time.Duration
	for _, e := range c.entries {
		stats.TotalHits += e.Hits
		totalAge += now.Sub(e.Timestamp)
	}
	if stats.Size > 0 {
		stats.HitRate = float64(stats.TotalHits) / float64(stats.Size)
		stats.AvgAgeMinutes = totalAge.Minutes() / float64(stats.Size)
	}

	sorted := make([]*Pattern, len(c.patterns))
	copy(sorted, c.patterns)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Frequency > sorted[j].Frequency
	})
	for i, p := range sorted {
		if i == 5 {
			break
		}
		stats.TopPatterns = append(stats.TopPatterns, PatternStat{
			Keywords:  p.Keywords,
			Frequency: p.Frequency,
		})
	}

	return stats
}

// Clear wipes the in-memory cache, the pattern table, and the durable
// collections.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*Entry)
	c.patterns = nil
	c.nextID = 1

	if c.store != nil && !c.degraded {
		if err := c.store.ClearCache(); err != nil {
			log.Printf("warning: cache store clear failed: %v", err)
		}
	}
}

// updatePatterns merges into an existing pattern sharing any keyword, or
// creates a new one. Caller holds c.mu.
func (c *Cache) updatePatterns(context, response string, now time.Time) *Pattern {
	keywords := ExtractKeywords(context)
	if len(keywords) == 0 {
		return nil
	}

	for _, p := range c.patterns {
		if sharesKeyword(p.Keywords, keywords) {
			p.Frequency++
			p.Response = response
			p.LastUsed = now
			c.storePattern(p)
			return p
		}
	}

	p := &Pattern{
		ID:        c.nextID,
		Keywords:  keywords,
		Context:   truncate(context, maxPatternContext),
		Response:  response,
		Frequency: 1,
		LastUsed:  now,
	}
	c.nextID++
	c.patterns = append(c.patterns, p)
	c.storePattern(p)
	return p
}

// evict drops the coldest 20% of entries. The score is a crude blend of
// frequency and recency that keeps hot and recently used entries. Caller
// holds c.mu.
func (c *Cache) evict() {
	type scored struct {
		key   string
		score float64
	}

	ranked := make([]scored, 0, len(c.entries))
	for key, e := range c.entries {
		score := float64(e.Hits) + float64(e.LastAccess.UnixMilli())/1_000_000
		ranked = append(ranked, scored{key: key, score: score})
	}

	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].score < ranked[j].score
	})

	drop := int(float64(len(ranked)) * evictFraction)
	if drop < 1 {
		drop = 1
	}
	for _, victim := range ranked[:drop] {
		delete(c.entries, victim.key)
		c.storeDelete(victim.key)
	}
}

func (c *Cache) storeSave(e Entry) {
	if c.store == nil || c.degraded {
		return
	}
	if err := c.store.SaveEntry(e); err != nil {
		log.Printf("warning: cache persist failed, continuing memory-only: %v", err)
		c.degraded = true
	}
}

func (c *Cache) storeDelete(key string) {
	if c.store == nil || c.degraded {
		return
	}
	if err := c.store.DeleteEntry(key); err != nil {
		log.Printf("warning: cache delete failed for %s: %v", key, err)
	}
}

func (c *Cache) storePattern(p *Pattern) {
	if c.store == nil || c.degraded {
		return
	}
	if err := c.store.SavePattern(p); err != nil {
		log.Printf("warning: pattern persist failed: %v", err)
	}
}

// ExtractKeywords pulls up to five significant lowercase words out of a
// context string, skipping short words and conversational filler.
func ExtractKeywords(context string) []string {
	words := strings.Fields(strings.ToLower(context))
	seen := make(map[string]struct{}, len(words))
	keywords := make([]string, 0, maxPatternKeywords)

	for _, w := range words {
		w = strings.Trim(w, ".,!?;:'\"")
		if len(w) <= 3 {
			continue
		}
		if _, stop := keywordStoplist[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		keywords = append(keywords, w)
		if len(keywords) == maxPatternKeywords {
			break
		}
	}

	return keywords
}

func sharesKeyword(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Package profiler instruments the coaching pipeline with operation-scoped
// timers, bucketed by category, and flags operations that repeatedly exceed
// their category's latency threshold. Instrumentation must never destabilize
// the feature it measures: unknown profile ids return nil, abandoned starts
// are swept, and all bookkeeping is O(small).
package profiler

import (
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

// Categories for profiled operations.
const (
	CategoryTranscription = "transcription"
	CategoryAIProcessing  = "ai_processing"
	CategoryUIRender      = "ui_render"
	CategoryCache         = "cache"
	CategoryNetwork       = "network"
	CategoryAudio         = "audio"
)

// Severity levels for bottleneck detections, mildest first.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

const (
	maxProfiles    = 1000
	insightWindow  = 100
	bottleneckTail = 10
	inflightMaxAge = 5 * time.Minute
	trendWindow    = 24 * time.Hour
)

// DefaultThresholds returns the per-category latency thresholds.
func DefaultThresholds() map[string]time.Duration {
	return map[string]time.Duration{
		CategoryTranscription: 500 * time.Millisecond,
		CategoryAIProcessing:  2000 * time.Millisecond,
		CategoryUIRender:      16 * time.Millisecond,
		CategoryCache:         10 * time.Millisecond,
		CategoryNetwork:       5000 * time.Millisecond,
		CategoryAudio:         100 * time.Millisecond,
	}
}

// Profile is one completed (or in-flight) measurement.
type Profile struct {
	ID        string            `json:"id"`
	Operation string            `json:"operation"`
	Category  string            `json:"category"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Stack     string            `json:"stack,omitempty"`
}

// Bottleneck is one operation whose duration repeatedly exceeds its
// category threshold.
type Bottleneck struct {
	Operation      string        `json:"operation"`
	Category       string        `json:"category"`
	AvgDuration    time.Duration `json:"avg_duration"`
	MaxDuration    time.Duration `json:"max_duration"`
	Frequency      int           `json:"frequency"`
	Severity       string        `json:"severity"`
	Recommendation string        `json:"recommendation"`

	recent []time.Duration
}

// CategoryStats aggregates recent profiles for one category.
type CategoryStats struct {
	Count          int           `json:"count"`
	AvgDuration    time.Duration `json:"avg_duration"`
	MinDuration    time.Duration `json:"min_duration"`
	MaxDuration    time.Duration `json:"max_duration"`
	Threshold      time.Duration `json:"threshold"`
	CountExceeding int           `json:"count_exceeding"`
}

// Trend compares the last 24h against the 24h before it.
type Trend struct {
	ChangePercent float64 `json:"change_percent"`
	Improving     bool    `json:"improving"`
}

// Insights is the full diagnostic picture.
type Insights struct {
	Categories      map[string]CategoryStats `json:"categories"`
	Bottlenecks     []Bottleneck             `json:"bottlenecks"`
	Trend           Trend                    `json:"trend"`
	Recommendations []string                 `json:"recommendations"`
}

// Profiler collects operation timings. Construct one per process and inject
// it wherever instrumentation is needed.
type Profiler struct {
	now func() time.Time

	mu          sync.Mutex
	thresholds  map[string]time.Duration
	inflight    map[string]*Profile
	completed   []*Profile
	bottlenecks map[string]*Bottleneck
	autoDetect  bool
	seq         int64
}

// New builds a profiler. Threshold overrides replace the per-category
// defaults for the categories they name.
func New(overrides map[string]time.Duration) *Profiler {
	thresholds := DefaultThresholds()
	for category, d := range overrides {
		if d > 0 {
			thresholds[category] = d
		}
	}
	return &Profiler{
		now:         time.Now,
		thresholds:  thresholds,
		inflight:    make(map[string]*Profile),
		bottlenecks: make(map[string]*Bottleneck),
	}
}

// SetClock overrides the profiler's time source. Tests only.
func (p *Profiler) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// SetAutoDetection toggles call-stack capture on Start. Stack capture is the
// expensive part of profiling, so it is off by default.
func (p *Profiler) SetAutoDetection(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.autoDetect = enabled
}

// Start begins measuring an operation and returns the profile id to pass to
// End.
func (p *Profiler) Start(operation, category string, metadata map[string]string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	id := fmt.Sprintf("%s-%d", operation, p.seq)

	profile := &Profile{
		ID:        id,
		Operation: operation,
		Category:  category,
		StartTime: p.now(),
		Metadata:  metadata,
	}
	if p.autoDetect {
		profile.Stack = string(debug.Stack())
	}

	p.inflight[id] = profile
	p.sweepInflight()
	return id
}

// End finalizes a measurement. An unknown or already-ended id returns nil;
// instrumentation never throws. A duration past the category threshold
// creates or updates the operation's bottleneck record.
func (p *Profiler) End(id string, extra map[string]string) *Profile {
	p.mu.Lock()
	defer p.mu.Unlock()

	profile, ok := p.inflight[id]
	if !ok {
		return nil
	}
	delete(p.inflight, id)

	profile.EndTime = p.now()
	profile.Duration = profile.EndTime.Sub(profile.StartTime)
	for k, v := range extra {
		if profile.Metadata == nil {
			profile.Metadata = make(map[string]string, len(extra))
		}
		profile.Metadata[k] = v
	}

	p.completed = append(p.completed, profile)
	if len(p.completed) > maxProfiles {
		// Drop the oldest half once the cap is hit.
		p.completed = append([]*Profile(nil), p.completed[len(p.completed)/2:]...)
	}

	if threshold, ok := p.thresholds[profile.Category]; ok && profile.Duration > threshold {
		p.recordBottleneck(profile, threshold)
	}

	return profile
}

// Measure runs fn under a profile and returns its error unchanged.
func (p *Profiler) Measure(operation, category string, fn func() error) error {
	id := p.Start(operation, category, nil)
	err := fn()
	p.End(id, nil)
	return err
}

func (p *Profiler) recordBottleneck(profile *Profile, threshold time.Duration) {
	b, ok := p.bottlenecks[profile.Operation]
	if !ok {
		b = &Bottleneck{
			Operation: profile.Operation,
			Category:  profile.Category,
		}
		p.bottlenecks[profile.Operation] = b
	}

	b.Frequency++
	if profile.Duration > b.MaxDuration {
		b.MaxDuration = profile.Duration
	}

	b.recent = append(b.recent, profile.Duration)
	if len(b.recent) > bottleneckTail {
		b.recent = b.recent[len(b.recent)-bottleneckTail:]
	}
	var sum time.Duration
	for _, d := range b.recent {
		sum += d
	}
	b.AvgDuration = sum / time.Duration(len(b.recent))

	ratio := float64(b.AvgDuration) / float64(threshold)
	switch {
	case ratio >= 5:
		b.Severity = SeverityCritical
	case ratio >= 3:
		b.Severity = SeverityHigh
	case ratio >= 2:
		b.Severity = SeverityMedium
	default:
		b.Severity = SeverityLow
	}

	b.Recommendation = recommendationFor(profile.Category, b.Severity)
}

// sweepInflight drops abandoned starts so a missing End cannot leak the
// in-flight map forever. Caller holds p.mu.
func (p *Profiler) sweepInflight() {
	now := p.now()
	for id, profile := range p.inflight {
		if now.Sub(profile.StartTime) > inflightMaxAge {
			delete(p.inflight, id)
		}
	}
}

// GetInsights aggregates per-category statistics over the most recent
// profiles, sorted bottlenecks, a day-over-day trend, and recommendations.
func (p *Profiler) GetInsights() Insights {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sweepInflight()

	insights := Insights{Categories: make(map[string]CategoryStats)}

	recent := p.completed
	if len(recent) > insightWindow {
		recent = recent[len(recent)-insightWindow:]
	}

	type agg struct {
		count     int
		total     time.Duration
		min       time.Duration
		max       time.Duration
		exceeding int
	}
	byCategory := make(map[string]*agg)

	for _, profile := range recent {
		a, ok := byCategory[profile.Category]
		if !ok {
			a = &agg{min: profile.Duration}
			byCategory[profile.Category] = a
		}
		a.count++
		a.total += profile.Duration
		if profile.Duration < a.min {
			a.min = profile.Duration
		}
		if profile.Duration > a.max {
			a.max = profile.Duration
		}
		if threshold, ok := p.thresholds[profile.Category]; ok && profile.Duration > threshold {
			a.exceeding++
		}
	}

	for category, a := range byCategory {
		insights.Categories[category] = CategoryStats{
			Count:          a.count,
			AvgDuration:    a.total / time.Duration(a.count),
			MinDuration:    a.min,
			MaxDuration:    a.max,
			Threshold:      p.thresholds[category],
			CountExceeding: a.exceeding,
		}
	}

	for _, b := range p.bottlenecks {
		insights.Bottlenecks = append(insights.Bottlenecks, *b)
	}
	sort.Slice(insights.Bottlenecks, func(i, j int) bool {
		return severityRank(insights.Bottlenecks[i].Severity) > severityRank(insights.Bottlenecks[j].Severity)
	})

	insights.Trend = p.computeTrend()
	insights.Recommendations = p.recommendations(insights.Bottlenecks)

	return insights
}

func (p *Profiler) computeTrend() Trend {
	now := p.now()
	var currentTotal, previousTotal time.Duration
	var currentCount, previousCount int

	for _, profile := range p.completed {
		age := now.Sub(profile.EndTime)
		switch {
		case age <= trendWindow:
			currentTotal += profile.Duration
			currentCount++
		case age <= 2*trendWindow:
			previousTotal += profile.Duration
			previousCount++
		}
	}

	if currentCount == 0 || previousCount == 0 {
		return Trend{}
	}

	currentAvg := float64(currentTotal) / float64(currentCount)
	previousAvg := float64(previousTotal) / float64(previousCount)
	change := (currentAvg - previousAvg) / previousAvg * 100

	return Trend{ChangePercent: change, Improving: change < 0}
}

func (p *Profiler) recommendations(bottlenecks []Bottleneck) []string {
	var recs []string
	severe := 0

	for _, b := range bottlenecks {
		if b.Severity == SeverityCritical || b.Severity == SeverityHigh {
			severe++
		}
		if b.Severity != SeverityCritical {
			continue
		}
		switch b.Category {
		case CategoryTranscription:
			recs = append(recs, "Transcription is critically slow: reduce the recognition window or drop interim results.")
		case CategoryAIProcessing:
			recs = append(recs, "AI processing is critically slow: lean harder on cached patterns and shrink the prompt context.")
		case CategoryUIRender:
			recs = append(recs, "Render path is critically slow: batch transcript updates instead of emitting per word.")
		}
	}

	if severe > 3 {
		recs = append(recs, "Multiple subsystems are degraded at once: revisit the pipeline architecture rather than tuning stages individually.")
	}

	return recs
}

// Monitor periodically delivers fresh insights to cb until ctx is done.
func (p *Profiler) Monitor(done <-chan struct{}, cb func(Insights), interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			cb(p.GetInsights())
		}
	}
}

// Export returns a copy of all completed profiles for offline diagnosis.
func (p *Profiler) Export() []Profile {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Profile, 0, len(p.completed))
	for _, profile := range p.completed {
		out = append(out, *profile)
	}
	return out
}

// Clear drops all completed profiles, bottlenecks, and in-flight state.
func (p *Profiler) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.inflight = make(map[string]*Profile)
	p.completed = nil
	p.bottlenecks = make(map[string]*Bottleneck)
}

// InflightCount reports how many starts are awaiting their End.
func (p *Profiler) InflightCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

func recommendationFor(category, severity string) string {
	if severity != SeverityCritical && severity != SeverityHigh {
		return "Monitor this operation; it is exceeding its latency budget."
	}
	switch category {
	case CategoryTranscription:
		return "Move transcript post-processing off the recognition callback path."
	case CategoryAIProcessing:
		return "Cache or predict this response instead of calling the model."
	case CategoryUIRender:
		return "Coalesce UI updates for this operation."
	case CategoryCache:
		return "Cache access should be sub-millisecond; check store contention."
	case CategoryNetwork:
		return "Add a timeout and consider request coalescing."
	case CategoryAudio:
		return "Audio handling should stay off the hot path; buffer it."
	default:
		return "Investigate this operation's latency."
	}
}

func severityRank(severity string) int {
	switch severity {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

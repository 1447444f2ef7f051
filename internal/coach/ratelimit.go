package coach

import (
	"sync"
	"time"
)

// SuggestionLimiter enforces a minimum gap between coaching tips so the
// rep is never flooded mid-sentence. Allow both checks and claims the
// slot; concurrent callers race for one claim per window.
type SuggestionLimiter struct {
	mu   sync.Mutex
	gap  time.Duration
	last time.Time
	now  func() time.Time
}

func NewSuggestionLimiter(gap time.Duration) *SuggestionLimiter {
	if gap <= 0 {
		gap = 10 * time.Second
	}
	return &SuggestionLimiter{gap: gap, now: time.Now}
}

func (l *SuggestionLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *SuggestionLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if !l.last.IsZero() && now.Sub(l.last) < l.gap {
		return false
	}
	l.last = now
	return true
}

// Remaining reports how long until the next tip may be delivered.
func (l *SuggestionLimiter) Remaining() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.last.IsZero() {
		return 0
	}
	if left := l.gap - l.now().Sub(l.last); left > 0 {
		return left
	}
	return 0
}

// Reset clears the window, typically between calls.
func (l *SuggestionLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = time.Time{}
}

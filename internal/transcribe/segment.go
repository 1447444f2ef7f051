package transcribe

import (
	"fmt"
	"strings"
	"time"
)

// Word is one recognized word from the speech source.
type Word struct {
	Speaker        *int
	PunctuatedWord string
	Start          float64
	End            float64
}

// Segment is one accepted utterance attributed to a single speaker.
// Hash and Quality are filled in by the coaching pipeline once the segment
// has passed sanitization and duplicate checks.
type Segment struct {
	Speaker   int       `json:"speaker"`
	Text      string    `json:"text"`
	StartTime float64   `json:"start_time"`
	EndTime   float64   `json:"end_time"`
	Timestamp time.Time `json:"timestamp"`
	Hash      string    `json:"hash,omitempty"`
	Quality   float64   `json:"quality,omitempty"`
}

// GroupWordsBySpeaker splits a word stream into per-speaker segments,
// preserving word order. Words without speaker attribution group under -1.
func GroupWordsBySpeaker(words []Word) []Segment {
	if len(words) == 0 {
		return nil
	}

	var segments []Segment
	var current Segment
	started := false

	for _, w := range words {
		speaker := -1
		if w.Speaker != nil {
			speaker = *w.Speaker
		}

		if started && speaker == current.Speaker {
			current.Text += " " + w.PunctuatedWord
			current.EndTime = w.End
			continue
		}

		if started {
			segments = append(segments, current)
		}
		current = Segment{
			Speaker:   speaker,
			Text:      w.PunctuatedWord,
			StartTime: w.Start,
			EndTime:   w.End,
			Timestamp: time.Now(),
		}
		started = true
	}

	segments = append(segments, current)
	return segments
}

// FormatMarkdown renders the segment as a transcript line.
func (s Segment) FormatMarkdown() string {
	ts := s.Timestamp.Format("15:04:05")
	return fmt.Sprintf("**[%s] Speaker %d:** %s", ts, s.Speaker, strings.TrimSpace(s.Text))
}

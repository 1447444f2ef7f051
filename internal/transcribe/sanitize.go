package transcribe

import "strings"

// maxWordRun is how many consecutive repeats of the same word survive
// sanitization. Speech recognition under load tends to stutter the same
// word many times in a row.
const maxWordRun = 3

// Result describes one sanitization pass over a single utterance.
type Result struct {
	Cleaned           string  `json:"cleaned"`
	DuplicatesRemoved int     `json:"duplicates_removed"`
	Quality           float64 `json:"quality"`
	Valid             bool    `json:"valid"`
}

// Sanitize collapses stuttered word runs and repeated sentences inside a
// single utterance and scores the result. It does not look across
// utterances; that is the Detector's job.
func Sanitize(text string) Result {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{}
	}

	words, wordsDropped := collapseWordRuns(strings.Fields(trimmed))
	cleaned, sentencesDropped := dropRepeatedSentences(strings.Join(words, " "))

	removed := wordsDropped + sentencesDropped
	if removed == 0 {
		// Clean input passes through untouched apart from whitespace.
		cleaned = strings.Join(strings.Fields(trimmed), " ")
	} else if hasTerminator(trimmed) && !hasTerminator(cleaned) {
		cleaned += "."
	}

	quality := scoreQuality(trimmed, cleaned, removed)

	return Result{
		Cleaned:           cleaned,
		DuplicatesRemoved: removed,
		Quality:           quality,
		Valid:             quality > 0.3 && len(cleaned) > 10,
	}
}

// ContextCorrupted reports whether a set of transcripts has degraded past the
// point of being useful as coaching context.
func ContextCorrupted(transcripts []string) bool {
	joined := strings.Join(transcripts, " ")
	res := Sanitize(joined)
	return !res.Valid || res.Quality < 0.4
}

// MergeAndClean removes whole-transcript duplicates, sanitizes each survivor,
// and joins the valid ones with newlines.
func MergeAndClean(transcripts []string) string {
	seen := make(map[string]struct{}, len(transcripts))
	var cleaned []string

	for _, t := range transcripts {
		key := strings.ToLower(strings.TrimSpace(t))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		res := Sanitize(t)
		if res.Valid {
			cleaned = append(cleaned, res.Cleaned)
		}
	}

	return strings.Join(cleaned, "\n")
}

func collapseWordRuns(words []string) ([]string, int) {
	kept := make([]string, 0, len(words))
	dropped := 0
	run := 0
	prev := ""

	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			run++
		} else {
			prev = lower
			run = 1
		}
		if run > maxWordRun {
			dropped++
			continue
		}
		kept = append(kept, w)
	}

	return kept, dropped
}

func dropRepeatedSentences(text string) (string, int) {
	sentences := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})

	seen := make(map[string]struct{}, len(sentences))
	kept := make([]string, 0, len(sentences))
	dropped := 0

	for _, s := range sentences {
		trimmed := strings.TrimSpace(s)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if _, ok := seen[key]; ok {
			dropped++
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, trimmed)
	}

	return strings.Join(kept, ". "), dropped
}

func scoreQuality(original, cleaned string, removed int) float64 {
	if cleaned == "" {
		return 0
	}

	retention := 1.0
	if len(original) > 0 {
		retention = float64(len(cleaned)) / float64(len(original))
		if retention > 1 {
			retention = 1
		}
	}

	originalWords := len(strings.Fields(original))
	duplicateImpact := 1.0
	if originalWords > 0 {
		impact := float64(removed) / float64(originalWords)
		if impact > 1 {
			impact = 1
		}
		duplicateImpact = 1 - impact
	}

	cleanedWords := strings.Fields(strings.ToLower(cleaned))
	unique := make(map[string]struct{}, len(cleanedWords))
	for _, w := range cleanedWords {
		unique[w] = struct{}{}
	}
	diversity := 0.0
	if len(cleanedWords) > 0 {
		diversity = float64(len(unique)) / float64(len(cleanedWords))
	}

	quality := retention*0.2 + duplicateImpact*0.3 + diversity*0.3 + lengthScore(len(cleaned))*0.2
	if quality < 0 {
		return 0
	}
	if quality > 1 {
		return 1
	}
	return quality
}

// lengthScore rewards output in the useful 100-5000 character range and
// penalizes both fragments and runaway transcripts.
func lengthScore(n int) float64 {
	switch {
	case n >= 100 && n <= 5000:
		return 1
	case n < 100:
		return float64(n) / 100
	default:
		return 5000 / float64(n)
	}
}

func hasTerminator(s string) bool {
	if s == "" {
		return false
	}
	switch s[len(s)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

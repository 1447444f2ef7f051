package transcribe

import (
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
)

// Fingerprint returns a short stable digest of the normalized text. It is an
// equality fingerprint for duplicate detection, not a cryptographic hash:
// punctuation, case, and whitespace runs do not affect the result.
func Fingerprint(text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(Normalize(text)))
	return fmt.Sprintf("%016x", h.Sum64())
}

// Normalize lowercases text, strips everything except letters, digits, and
// spaces, and collapses whitespace runs to a single space.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	lastSpace := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}

	return strings.TrimSpace(b.String())
}

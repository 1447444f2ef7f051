package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pitchpilot/pitchpilot/internal/transcribe"
)

// Writer appends a human-readable daily log of accepted transcript segments
// and delivered coaching tips. The markdown files are what the Drive export
// ships, so they stay append-only and self-contained.
type Writer struct {
	dir string
	mu  sync.Mutex
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

func (w *Writer) Append(seg transcribe.Segment) error {
	return w.appendLine(seg.Timestamp, seg.FormatMarkdown())
}

// AppendSuggestion logs a delivered coaching tip alongside the transcript.
func (w *Writer) AppendSuggestion(sug Suggestion) error {
	line := fmt.Sprintf("> _[%s] coach (%s):_ %s", sug.CreatedAt.Format("15:04:05"), sug.Source, sug.Text)
	return w.appendLine(sug.CreatedAt, line)
}

func (w *Writer) appendLine(ts time.Time, line string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", w.dir, err)
	}

	date := ts.Format("2006-01-02")
	path := filepath.Join(w.dir, date+".md")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := fmt.Fprintln(f, line); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}

// CurrentPath returns today's journal file. Entries carry UTC timestamps,
// so the day boundary is UTC as well.
func (w *Writer) CurrentPath() string {
	date := time.Now().UTC().Format("2006-01-02")
	return filepath.Join(w.dir, date+".md")
}

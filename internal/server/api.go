package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pitchpilot/pitchpilot/internal/cache"
	"github.com/pitchpilot/pitchpilot/internal/profiler"
	"github.com/pitchpilot/pitchpilot/internal/storage"
	"github.com/pitchpilot/pitchpilot/internal/transcribe"
)

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// maxTranscriptBody bounds POST /api/transcripts payloads.
const maxTranscriptBody = 64 << 10

type SessionStore interface {
	GetSessionsByDate(date string) ([]storage.Session, error)
	GetSession(id string) (storage.Session, error)
	GetSegments(sessionID string) ([]transcribe.Segment, error)
	GetSuggestions(sessionID string) ([]storage.Suggestion, error)
	GetDates() ([]string, error)
}

// TranscriptIngestor accepts transcripts posted over HTTP, e.g. from a
// browser extension capturing call audio client-side.
type TranscriptIngestor interface {
	IngestText(text string, embedded bool) (*transcribe.Segment, error)
}

type SuggestionCacheStats interface {
	GetStats() cache.Stats
	Clear()
}

type InsightSource interface {
	GetInsights() profiler.Insights
}

func registerAPIRoutes(mux *http.ServeMux, deps Deps) {
	store := deps.Store
	controls := deps.Controls

	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if date == "" {
			date = time.Now().UTC().Format("2006-01-02")
		}

		sessions, err := store.GetSessionsByDate(date)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list sessions: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, sessions)
	})

	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.PathValue("id")
		if !validSessionID(sessionID) {
			writeJSONError(w, http.StatusForbidden, "invalid session id")
			return
		}

		sessionData, err := store.GetSession(sessionID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, sql.ErrNoRows) {
				status = http.StatusNotFound
			}
			writeJSONError(w, status, fmt.Sprintf("get session: %v", err))
			return
		}

		segments, err := store.GetSegments(sessionID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get session segments: %v", err))
			return
		}

		suggestions, err := store.GetSuggestions(sessionID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get session suggestions: %v", err))
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"session":     sessionData,
			"segments":    segments,
			"suggestions": suggestions,
		})
	})

	mux.HandleFunc("GET /api/sessions/{id}/audio", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.PathValue("id")
		if !validSessionID(sessionID) {
			writeJSONError(w, http.StatusForbidden, "invalid session id")
			return
		}

		sessionData, err := store.GetSession(sessionID)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "session not found")
			return
		}

		if sessionData.AudioPath == "" {
			writeJSONError(w, http.StatusNotFound, "audio not available")
			return
		}

		cleanPath := filepath.Clean(sessionData.AudioPath)
		if cleanPath == "" || cleanPath == "." || filepath.IsAbs(cleanPath) || strings.Contains(cleanPath, "..") {
			writeJSONError(w, http.StatusForbidden, "invalid audio path")
			return
		}

		f, err := os.Open(cleanPath)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "audio file not found")
			return
		}
		defer func() { _ = f.Close() }()

		info, err := f.Stat()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("stat audio: %v", err))
			return
		}

		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		w.Header().Set("Content-Type", contentTypeForAudio(cleanPath))
		http.ServeContent(w, r, filepath.Base(cleanPath), info.ModTime(), f)
	})

	mux.HandleFunc("GET /api/dates", func(w http.ResponseWriter, r *http.Request) {
		dates, err := store.GetDates()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get dates: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, dates)
	})

	mux.HandleFunc("POST /api/transcripts", func(w http.ResponseWriter, r *http.Request) {
		if deps.Ingestor == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "transcript ingest not available")
			return
		}

		var body struct {
			Text     string `json:"text"`
			Embedded bool   `json:"embedded"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTranscriptBody)).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("decode transcript: %v", err))
			return
		}
		if strings.TrimSpace(body.Text) == "" {
			writeJSONError(w, http.StatusBadRequest, "text is required")
			return
		}

		seg, err := deps.Ingestor.IngestText(body.Text, body.Embedded)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("ingest transcript: %v", err))
			return
		}
		if seg == nil {
			writeJSON(w, http.StatusOK, map[string]any{"accepted": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "segment": seg})
	})

	mux.HandleFunc("GET /api/cache/stats", func(w http.ResponseWriter, r *http.Request) {
		if deps.Cache == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "cache not available")
			return
		}
		writeJSON(w, http.StatusOK, deps.Cache.GetStats())
	})

	mux.HandleFunc("POST /api/cache/clear", func(w http.ResponseWriter, r *http.Request) {
		if deps.Cache == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "cache not available")
			return
		}
		deps.Cache.Clear()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/performance", func(w http.ResponseWriter, r *http.Request) {
		if deps.Insights == nil {
			writeJSONError(w, http.StatusServiceUnavailable, "profiler not available")
			return
		}
		writeJSON(w, http.StatusOK, deps.Insights.GetInsights())
	})

	mux.HandleFunc("POST /api/pause", func(w http.ResponseWriter, r *http.Request) {
		if controls.Pause != nil {
			controls.Pause()
		}
		if controls.OnStatusChanged != nil {
			controls.OnStatusChanged(true)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/resume", func(w http.ResponseWriter, r *http.Request) {
		if controls.Resume != nil {
			controls.Resume()
		}
		if controls.OnStatusChanged != nil {
			controls.OnStatusChanged(false)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		paused := false
		if controls.IsPaused != nil {
			paused = controls.IsPaused()
		}
		var warnings []string
		if controls.Warnings != nil {
			warnings = controls.Warnings()
		}
		if warnings == nil {
			warnings = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"paused": paused, "warnings": warnings})
	})
}

func validSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

func contentTypeForAudio(path string) string {
	ext := filepath.Ext(path)
	switch ext {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

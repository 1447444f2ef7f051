package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pitchpilot/pitchpilot/internal/cache"
	"github.com/pitchpilot/pitchpilot/internal/transcribe"
)

// schemaVersion is bumped whenever the table layout changes; migrate()
// applies the steps between the stored PRAGMA user_version and this value.
const schemaVersion = 1

// Suggestion sources, recorded so the UI can show where a tip came from.
const (
	SuggestionFromCache   = "cache"
	SuggestionFromPattern = "pattern"
	SuggestionFromModel   = "model"
)

// Session is one coaching call.
type Session struct {
	ID        string     `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Status    string     `json:"status"`
	Embedded  bool       `json:"embedded"`
	AudioPath string     `json:"audio_path"`
}

// Suggestion is one coaching tip delivered during a session.
type Suggestion struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	Context   string    `json:"context"`
	CreatedAt time.Time `json:"created_at"`
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "pitchpilot.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	return s.migrate()
}

// migrate walks the schema forward one version at a time. The explicit
// version gate means adding fields later cannot silently corrupt older
// records.
func (s *SQLiteStore) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= schemaVersion {
		return nil
	}

	if version < 1 {
		if err := s.createBaseSchema(); err != nil {
			return err
		}
	}

	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *SQLiteStore) createBaseSchema() error {
	stmts := []struct {
		name string
		sql  string
	}{
		{"sessions", `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			status TEXT NOT NULL,
			embedded INTEGER NOT NULL DEFAULT 0,
			audio_path TEXT NOT NULL DEFAULT ''
		);`},
		{"segments", `
		CREATE TABLE IF NOT EXISTS segments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			speaker INTEGER NOT NULL,
			text TEXT NOT NULL,
			start_time REAL NOT NULL,
			end_time REAL NOT NULL,
			hash TEXT NOT NULL DEFAULT '',
			quality REAL NOT NULL DEFAULT 0,
			timestamp TEXT NOT NULL,
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);`},
		{"suggestions", `
		CREATE TABLE IF NOT EXISTS suggestions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			text TEXT NOT NULL,
			source TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);`},
		{"cache_responses", `
		CREATE TABLE IF NOT EXISTS cache_responses (
			key TEXT PRIMARY KEY,
			response TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			hits INTEGER NOT NULL DEFAULT 0,
			last_access TEXT NOT NULL,
			pattern TEXT NOT NULL DEFAULT ''
		);`},
		{"cache_patterns", `
		CREATE TABLE IF NOT EXISTS cache_patterns (
			id INTEGER PRIMARY KEY,
			keywords TEXT NOT NULL,
			context TEXT NOT NULL,
			response TEXT NOT NULL,
			frequency INTEGER NOT NULL DEFAULT 0,
			last_used TEXT NOT NULL
		);`},
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt.sql); err != nil {
			return fmt.Errorf("create %s table: %w", stmt.name, err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at)",
		"CREATE INDEX IF NOT EXISTS idx_segments_session_id ON segments(session_id, timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_suggestions_session_id ON suggestions(session_id, created_at)",
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) CreateSession(id string, startedAt time.Time, embedded bool) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("session id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO sessions(id, started_at, status, embedded) VALUES(?, ?, 'active', ?)`,
		id,
		startedAt.UTC().Format(time.RFC3339Nano),
		boolToInt(embedded),
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) EndSession(id string, endedAt time.Time, audioPath string) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET ended_at = ?, status = 'ended', audio_path = ? WHERE id = ?`,
		endedAt.UTC().Format(time.RFC3339Nano),
		audioPath,
		id,
	)
	if err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("end session rows affected: %w", err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *SQLiteStore) AppendSegment(sessionID string, seg transcribe.Segment) error {
	_, err := s.db.Exec(
		`INSERT INTO segments(session_id, speaker, text, start_time, end_time, hash, quality, timestamp) VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID,
		seg.Speaker,
		strings.TrimSpace(seg.Text),
		seg.StartTime,
		seg.EndTime,
		seg.Hash,
		seg.Quality,
		seg.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append segment for session %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) AppendSuggestion(sessionID string, sug Suggestion) error {
	_, err := s.db.Exec(
		`INSERT INTO suggestions(session_id, text, source, context, created_at) VALUES(?, ?, ?, ?, ?)`,
		sessionID,
		sug.Text,
		sug.Source,
		sug.Context,
		sug.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append suggestion for session %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSuggestions(sessionID string) ([]Suggestion, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, text, source, context, created_at
		 FROM suggestions
		 WHERE session_id = ?
		 ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query suggestions for session %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	suggestions := make([]Suggestion, 0, 8)
	for rows.Next() {
		var sug Suggestion
		var createdAt string
		if err := rows.Scan(&sug.ID, &sug.SessionID, &sug.Text, &sug.Source, &sug.Context, &createdAt); err != nil {
			return nil, fmt.Errorf("scan suggestion for session %s: %w", sessionID, err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse suggestion created_at for session %s: %w", sessionID, err)
		}
		sug.CreatedAt = parsed
		suggestions = append(suggestions, sug)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate suggestion rows for session %s: %w", sessionID, err)
	}

	return suggestions, nil
}

func (s *SQLiteStore) GetSessionsByDate(date string) ([]Session, error) {
	rows, err := s.db.Query(
		`SELECT id, started_at, ended_at, status, embedded, audio_path
		 FROM sessions
		 WHERE substr(started_at, 1, 10) = ?
		 ORDER BY started_at DESC`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions by date %s: %w", date, err)
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

func (s *SQLiteStore) GetDates() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT substr(started_at, 1, 10) AS date FROM sessions ORDER BY date DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query dates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var dates []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan date: %w", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dates rows: %w", err)
	}

	return dates, nil
}

func (s *SQLiteStore) GetSession(id string) (Session, error) {
	row := s.db.QueryRow(
		`SELECT id, started_at, ended_at, status, embedded, audio_path FROM sessions WHERE id = ?`,
		id,
	)

	sess, err := scanSession(row.Scan)
	if err != nil {
		return Session{}, fmt.Errorf("query session %s: %w", id, err)
	}
	return sess, nil
}

func (s *SQLiteStore) GetSegments(sessionID string) ([]transcribe.Segment, error) {
	rows, err := s.db.Query(
		`SELECT speaker, text, start_time, end_time, hash, quality, timestamp
		 FROM segments
		 WHERE session_id = ?
		 ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query segments for session %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	segments := make([]transcribe.Segment, 0, 32)
	for rows.Next() {
		var seg transcribe.Segment
		var ts string
		if err := rows.Scan(&seg.Speaker, &seg.Text, &seg.StartTime, &seg.EndTime, &seg.Hash, &seg.Quality, &ts); err != nil {
			return nil, fmt.Errorf("scan segment for session %s: %w", sessionID, err)
		}

		parsedTS, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse segment timestamp for session %s: %w", sessionID, err)
		}
		seg.Timestamp = parsedTS

		segments = append(segments, seg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segment rows for session %s: %w", sessionID, err)
	}

	return segments, nil
}

// LoadEntries implements cache.Store.
func (s *SQLiteStore) LoadEntries() ([]cache.Entry, error) {
	rows, err := s.db.Query(
		`SELECT key, response, timestamp, hits, last_access, pattern FROM cache_responses`,
	)
	if err != nil {
		return nil, fmt.Errorf("query cache entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []cache.Entry
	for rows.Next() {
		var e cache.Entry
		var ts, lastAccess string
		if err := rows.Scan(&e.Key, &e.Response, &ts, &e.Hits, &lastAccess, &e.Pattern); err != nil {
			return nil, fmt.Errorf("scan cache entry: %w", err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse cache entry timestamp: %w", err)
		}
		if e.LastAccess, err = time.Parse(time.RFC3339Nano, lastAccess); err != nil {
			return nil, fmt.Errorf("parse cache entry last_access: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache entry rows: %w", err)
	}

	return entries, nil
}

// SaveEntry implements cache.Store.
func (s *SQLiteStore) SaveEntry(e cache.Entry) error {
	_, err := s.db.Exec(
		`INSERT INTO cache_responses(key, response, timestamp, hits, last_access, pattern)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			response = excluded.response,
			timestamp = excluded.timestamp,
			hits = excluded.hits,
			last_access = excluded.last_access,
			pattern = excluded.pattern`,
		e.Key,
		e.Response,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Hits,
		e.LastAccess.UTC().Format(time.RFC3339Nano),
		e.Pattern,
	)
	if err != nil {
		return fmt.Errorf("save cache entry %s: %w", e.Key, err)
	}
	return nil
}

// DeleteEntry implements cache.Store.
func (s *SQLiteStore) DeleteEntry(key string) error {
	if _, err := s.db.Exec(`DELETE FROM cache_responses WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete cache entry %s: %w", key, err)
	}
	return nil
}

// LoadPatterns implements cache.Store.
func (s *SQLiteStore) LoadPatterns() ([]cache.Pattern, error) {
	rows, err := s.db.Query(
		`SELECT id, keywords, context, response, frequency, last_used FROM cache_patterns ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query cache patterns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var patterns []cache.Pattern
	for rows.Next() {
		var p cache.Pattern
		var keywords, lastUsed string
		if err := rows.Scan(&p.ID, &keywords, &p.Context, &p.Response, &p.Frequency, &lastUsed); err != nil {
			return nil, fmt.Errorf("scan cache pattern: %w", err)
		}
		if err := json.Unmarshal([]byte(keywords), &p.Keywords); err != nil {
			return nil, fmt.Errorf("parse cache pattern keywords: %w", err)
		}
		if p.LastUsed, err = time.Parse(time.RFC3339Nano, lastUsed); err != nil {
			return nil, fmt.Errorf("parse cache pattern last_used: %w", err)
		}
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache pattern rows: %w", err)
	}

	return patterns, nil
}

// SavePattern implements cache.Store.
func (s *SQLiteStore) SavePattern(p *cache.Pattern) error {
	keywords, err := json.Marshal(p.Keywords)
	if err != nil {
		return fmt.Errorf("encode cache pattern keywords: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO cache_patterns(id, keywords, context, response, frequency, last_used)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			keywords = excluded.keywords,
			context = excluded.context,
			response = excluded.response,
			frequency = excluded.frequency,
			last_used = excluded.last_used`,
		p.ID,
		string(keywords),
		p.Context,
		p.Response,
		p.Frequency,
		p.LastUsed.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save cache pattern %d: %w", p.ID, err)
	}
	return nil
}

// ClearCache implements cache.Store.
func (s *SQLiteStore) ClearCache() error {
	if _, err := s.db.Exec(`DELETE FROM cache_responses`); err != nil {
		return fmt.Errorf("clear cache responses: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM cache_patterns`); err != nil {
		return fmt.Errorf("clear cache patterns: %w", err)
	}
	return nil
}

func scanSessions(rows *sql.Rows) ([]Session, error) {
	sessions := make([]Session, 0, 16)
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions rows: %w", err)
	}

	return sessions, nil
}

func scanSession(scan func(...any) error) (Session, error) {
	var sess Session
	var startedAt string
	var endedAt sql.NullString
	var embedded int

	if err := scan(&sess.ID, &startedAt, &endedAt, &sess.Status, &embedded, &sess.AudioPath); err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.Embedded = embedded != 0

	parsedStart, err := time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return Session{}, fmt.Errorf("parse started_at: %w", err)
	}
	sess.StartedAt = parsedStart

	if endedAt.Valid {
		parsedEnd, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return Session{}, fmt.Errorf("parse ended_at: %w", err)
		}
		sess.EndedAt = &parsedEnd
	}

	return sess, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

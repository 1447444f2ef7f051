package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LISTEN_ADDR", "DB_PATH", "AUDIO_DIR", "TRANSCRIPT_DIR", "SILENCE_TIMEOUT",
		"MIC_SAMPLE_RATE", "MIC_SAMPLE_RATES", "CAPTURE_EMBEDDED",
		"CACHE_TTL", "MAX_CACHE_SIZE", "PATTERN_THRESHOLD",
		"SUGGESTION_RATE_LIMIT", "ADVISOR_MODEL",
		"GDRIVE_FOLDER_ID", "GOOGLE_CREDENTIALS_FILE",
		"DEEPGRAM_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY",
		"GEMINI_API_KEY", "CONFIG",
	} {
		t.Setenv(EnvPrefix+key, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, _, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DBPath != "data/pitchpilot.db" {
		t.Fatalf("expected default db_path, got %q", cfg.DBPath)
	}
	if cfg.TranscriptDir != "data/transcripts" {
		t.Fatalf("expected default transcript_dir, got %q", cfg.TranscriptDir)
	}
	if cfg.CacheTTL != "30m" {
		t.Fatalf("expected default cache_ttl, got %q", cfg.CacheTTL)
	}
	if cfg.MaxCacheSize != 1000 {
		t.Fatalf("expected default max_cache_size 1000, got %d", cfg.MaxCacheSize)
	}
	if cfg.PatternThreshold != 3 {
		t.Fatalf("expected default pattern_threshold 3, got %d", cfg.PatternThreshold)
	}
	if cfg.SuggestionRateLimit != "10s" {
		t.Fatalf("expected default suggestion_rate_limit, got %q", cfg.SuggestionRateLimit)
	}
	if cfg.CaptureEmbedded {
		t.Fatal("expected default capture context to be top-level")
	}
	if cfg.AdvisorModel != "openai/gpt-4o-mini" {
		t.Fatalf("expected default advisor_model, got %q", cfg.AdvisorModel)
	}
}

func TestYAMLLoading(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	yamlContent := `
db_path: /custom/db.sqlite
silence_timeout: 45s
capture_embedded: true
cache_ttl: 15m
max_cache_size: 500
pattern_threshold: 5
suggestion_rate_limit: 20s
advisor_model: anthropic/claude-sonnet-4-5
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DBPath != "/custom/db.sqlite" {
		t.Fatalf("expected yaml db_path, got %q", cfg.DBPath)
	}
	if !cfg.CaptureEmbedded {
		t.Fatal("expected yaml capture_embedded")
	}
	if cfg.ParsedCacheTTL() != 15*time.Minute {
		t.Fatalf("expected 15m cache ttl, got %v", cfg.ParsedCacheTTL())
	}
	if cfg.MaxCacheSize != 500 {
		t.Fatalf("expected yaml max_cache_size, got %d", cfg.MaxCacheSize)
	}
	if cfg.PatternThreshold != 5 {
		t.Fatalf("expected yaml pattern_threshold, got %d", cfg.PatternThreshold)
	}
	if cfg.ParsedSuggestionRateLimit() != 20*time.Second {
		t.Fatalf("expected 20s rate limit, got %v", cfg.ParsedSuggestionRateLimit())
	}
	if cfg.AdvisorModel != "anthropic/claude-sonnet-4-5" {
		t.Fatalf("expected yaml advisor_model, got %q", cfg.AdvisorModel)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	yamlContent := `
db_path: /from/yaml
cache_ttl: 5m
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	clearEnv(t)
	t.Setenv(EnvPrefix+"DB_PATH", "/from/env")
	t.Setenv(EnvPrefix+"CACHE_TTL", "45m")
	t.Setenv(EnvPrefix+"CAPTURE_EMBEDDED", "true")
	t.Setenv(EnvPrefix+"TRANSCRIPT_DIR", "/notes/from/env")

	cfg, _, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DBPath != "/from/env" {
		t.Fatalf("expected env override for db_path, got %q", cfg.DBPath)
	}
	if cfg.ParsedCacheTTL() != 45*time.Minute {
		t.Fatalf("expected env override for cache_ttl, got %v", cfg.ParsedCacheTTL())
	}
	if !cfg.CaptureEmbedded {
		t.Fatal("expected env override for capture_embedded")
	}
	if cfg.TranscriptDir != "/notes/from/env" {
		t.Fatalf("expected env override for transcript_dir, got %q", cfg.TranscriptDir)
	}
}

func TestSecretsFromEnvOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrefix+"DEEPGRAM_API_KEY", "dg-secret")
	t.Setenv(EnvPrefix+"ANTHROPIC_API_KEY", "ant-secret")

	cfg, _, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DeepgramAPIKey != "dg-secret" {
		t.Fatalf("expected deepgram key from env, got %q", cfg.DeepgramAPIKey)
	}
	if cfg.AnthropicAPIKey != "ant-secret" {
		t.Fatalf("expected anthropic key from env, got %q", cfg.AnthropicAPIKey)
	}
}

func TestSecretsIgnoredInYAML(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	yamlContent := `
deepgram_api_key: should-be-ignored
openai_api_key: also-ignored
`
	if err := os.WriteFile(configPath, []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, _, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DeepgramAPIKey != "" {
		t.Fatalf("expected empty deepgram key (yaml should be ignored), got %q", cfg.DeepgramAPIKey)
	}
	if cfg.OpenAIAPIKey != "" {
		t.Fatalf("expected empty openai key (yaml should be ignored), got %q", cfg.OpenAIAPIKey)
	}
}

func TestValidationWarnings(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrefix+"SUGGESTION_RATE_LIMIT", "not-a-duration")

	_, warnings, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	var deepgramWarning, llmWarning, rateWarning bool
	for _, w := range warnings {
		if strings.Contains(w, "Deepgram") {
			deepgramWarning = true
		}
		if strings.Contains(w, "LLM") {
			llmWarning = true
		}
		if strings.Contains(w, "suggestion_rate_limit") {
			rateWarning = true
		}
	}

	if !deepgramWarning {
		t.Fatalf("expected Deepgram warning when key is missing, got warnings: %v", warnings)
	}
	if !llmWarning {
		t.Fatalf("expected LLM warning when no key is set, got warnings: %v", warnings)
	}
	if !rateWarning {
		t.Fatalf("expected rate limit warning, got warnings: %v", warnings)
	}
}

func TestResolveDetectorAsymmetry(t *testing.T) {
	clearEnv(t)

	cfg, _, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	normal := cfg.ResolveDetector()
	cfg.CaptureEmbedded = true
	embedded := cfg.ResolveDetector()

	if embedded.ExactWindow >= normal.ExactWindow {
		t.Error("embedded exact window should be tighter")
	}
	if embedded.ContainmentThreshold >= normal.ContainmentThreshold {
		t.Error("embedded containment threshold should be lower")
	}
	if embedded.ReplayDepth == 0 {
		t.Error("embedded mode should scan recent entries for replays")
	}
	if normal.MaxPhraseOccurrences != embedded.MaxPhraseOccurrences {
		t.Error("phrase occurrence cap is the same in both modes")
	}
}

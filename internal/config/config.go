package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pitchpilot/pitchpilot/internal/transcribe"
)

// EnvPrefix is the namespace prefix for all Pitchpilot environment variables.
const EnvPrefix = "PITCHPILOT_"

// Config holds all application configuration. Secrets (API keys) are loaded
// exclusively from environment variables and never appear in the config file.
type Config struct {
	ListenAddr     string `yaml:"listen_addr"`
	DBPath         string `yaml:"db_path"`
	AudioDir       string `yaml:"audio_dir"`
	TranscriptDir  string `yaml:"transcript_dir"`
	SilenceTimeout string `yaml:"silence_timeout"`
	MicSampleRate  int    `yaml:"mic_sample_rate"`
	MicSampleRates []int  `yaml:"mic_sample_rates"`

	// CaptureEmbedded marks the default capture context as embedded
	// (iframe / preview domain). Embedded capture gets stricter duplicate
	// thresholds because its speech results replay far more often.
	CaptureEmbedded bool `yaml:"capture_embedded"`

	// Coaching pipeline knobs.
	CacheTTL            string `yaml:"cache_ttl"`
	MaxCacheSize        int    `yaml:"max_cache_size"`
	PatternThreshold    int    `yaml:"pattern_threshold"`
	SuggestionRateLimit string `yaml:"suggestion_rate_limit"`
	AdvisorModel        string `yaml:"advisor_model"`

	// Per-category latency thresholds for the profiler, in milliseconds.
	// Zero values fall back to the built-in defaults.
	BottleneckThresholds map[string]int `yaml:"bottleneck_thresholds"`

	GDriveFolderID        string `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string `yaml:"google_credentials_file"`

	// Secrets — env vars only, never serialized to YAML.
	DeepgramAPIKey  string `yaml:"-"`
	OpenAIAPIKey    string `yaml:"-"`
	AnthropicAPIKey string `yaml:"-"`
	GeminiAPIKey    string `yaml:"-"`
}

func defaults() Config {
	return Config{
		ListenAddr:            ":8080",
		DBPath:                "data/pitchpilot.db",
		AudioDir:              "data/audio",
		TranscriptDir:         "data/transcripts",
		SilenceTimeout:        "30s",
		MicSampleRate:         16000,
		MicSampleRates:        []int{48000, 44100, 32000, 24000},
		CacheTTL:              "30m",
		MaxCacheSize:          1000,
		PatternThreshold:      3,
		SuggestionRateLimit:   "10s",
		AdvisorModel:          "openai/gpt-4o-mini",
		GoogleCredentialsFile: "./service-account.json",
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// ParsedSilenceTimeout returns SilenceTimeout as a time.Duration,
// falling back to 30s if the value is invalid.
func (c *Config) ParsedSilenceTimeout() time.Duration {
	return parseDuration(c.SilenceTimeout, 30*time.Second)
}

// ParsedCacheTTL returns CacheTTL as a time.Duration, falling back to 30m.
func (c *Config) ParsedCacheTTL() time.Duration {
	return parseDuration(c.CacheTTL, 30*time.Minute)
}

// ParsedSuggestionRateLimit returns the minimum gap between coaching
// suggestion attempts, falling back to 10s.
func (c *Config) ParsedSuggestionRateLimit() time.Duration {
	return parseDuration(c.SuggestionRateLimit, 10*time.Second)
}

// ResolveDetector resolves the duplicate-detector threshold profile once, at
// startup, from the capture context. Every embedded/normal asymmetry funnels
// through here rather than being re-derived at each call site.
func (c *Config) ResolveDetector() transcribe.DetectorConfig {
	return transcribe.ResolveDetectorConfig(c.CaptureEmbedded)
}

// SampleRateCandidates returns a deduplicated ordered list of sample rates
// to try: preferred rate first, then configured alternatives, then defaults.
func (c *Config) SampleRateCandidates() []int {
	hardcoded := []int{16000, 48000, 44100, 32000, 24000}

	combined := make([]int, 0, 1+len(c.MicSampleRates)+len(hardcoded))
	combined = append(combined, c.MicSampleRate)
	combined = append(combined, c.MicSampleRates...)
	combined = append(combined, hardcoded...)

	seen := make(map[int]struct{}, len(combined))
	result := make([]int, 0, len(combined))
	for _, rate := range combined {
		if rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}
	return result
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(EnvPrefix + "DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(EnvPrefix + "AUDIO_DIR"); v != "" {
		cfg.AudioDir = v
	}
	if v := os.Getenv(EnvPrefix + "TRANSCRIPT_DIR"); v != "" {
		cfg.TranscriptDir = v
	}
	if v := os.Getenv(EnvPrefix + "SILENCE_TIMEOUT"); v != "" {
		cfg.SilenceTimeout = v
	}
	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && rate > 0 {
			cfg.MicSampleRate = rate
		}
	}
	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATES"); v != "" {
		cfg.MicSampleRates = parseSampleRates(v)
	}
	if v := os.Getenv(EnvPrefix + "CAPTURE_EMBEDDED"); v != "" {
		if embedded, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			cfg.CaptureEmbedded = embedded
		}
	}
	if v := os.Getenv(EnvPrefix + "CACHE_TTL"); v != "" {
		cfg.CacheTTL = v
	}
	if v := os.Getenv(EnvPrefix + "MAX_CACHE_SIZE"); v != "" {
		if size, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && size > 0 {
			cfg.MaxCacheSize = size
		}
	}
	if v := os.Getenv(EnvPrefix + "PATTERN_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			cfg.PatternThreshold = n
		}
	}
	if v := os.Getenv(EnvPrefix + "SUGGESTION_RATE_LIMIT"); v != "" {
		cfg.SuggestionRateLimit = v
	}
	if v := os.Getenv(EnvPrefix + "ADVISOR_MODEL"); v != "" {
		cfg.AdvisorModel = v
	}
	if v := os.Getenv(EnvPrefix + "GDRIVE_FOLDER_ID"); v != "" {
		cfg.GDriveFolderID = v
	}
	if v := os.Getenv(EnvPrefix + "GOOGLE_CREDENTIALS_FILE"); v != "" {
		cfg.GoogleCredentialsFile = v
	}
}

func loadSecrets(cfg *Config) {
	cfg.DeepgramAPIKey = os.Getenv(EnvPrefix + "DEEPGRAM_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv(EnvPrefix + "OPENAI_API_KEY")
	cfg.AnthropicAPIKey = os.Getenv(EnvPrefix + "ANTHROPIC_API_KEY")
	cfg.GeminiAPIKey = os.Getenv(EnvPrefix + "GEMINI_API_KEY")
}

func validate(cfg *Config) []string {
	var warnings []string

	if cfg.DeepgramAPIKey == "" {
		warnings = append(warnings, "Deepgram API key not configured — live transcription is disabled. Set "+EnvPrefix+"DEEPGRAM_API_KEY.")
	}
	if cfg.OpenAIAPIKey == "" && cfg.AnthropicAPIKey == "" && cfg.GeminiAPIKey == "" {
		warnings = append(warnings, "No LLM API key configured — coaching suggestions fall back to cached patterns only.")
	}
	if _, err := time.ParseDuration(cfg.SilenceTimeout); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid silence_timeout %q — using default 30s.", cfg.SilenceTimeout))
	}
	if _, err := time.ParseDuration(cfg.CacheTTL); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid cache_ttl %q — using default 30m.", cfg.CacheTTL))
	}
	if _, err := time.ParseDuration(cfg.SuggestionRateLimit); err != nil {
		warnings = append(warnings, fmt.Sprintf("Invalid suggestion_rate_limit %q — using default 10s.", cfg.SuggestionRateLimit))
	}
	if cfg.AdvisorModel != "" && !strings.Contains(cfg.AdvisorModel, "/") {
		warnings = append(warnings, fmt.Sprintf("Invalid advisor_model %q — expected provider/model_name.", cfg.AdvisorModel))
	}

	return warnings
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func parseSampleRates(raw string) []int {
	parts := strings.Split(raw, ",")
	seen := make(map[int]struct{}, len(parts))
	result := make([]int, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		rate, err := strconv.Atoi(trimmed)
		if err != nil || rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}

	return result
}

package main

import (
	"context"
	"embed"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	microphone "github.com/deepgram/deepgram-go-sdk/v3/pkg/audio/microphone"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/pitchpilot/pitchpilot/internal/advisor"
	"github.com/pitchpilot/pitchpilot/internal/audio"
	"github.com/pitchpilot/pitchpilot/internal/cache"
	"github.com/pitchpilot/pitchpilot/internal/coach"
	"github.com/pitchpilot/pitchpilot/internal/config"
	"github.com/pitchpilot/pitchpilot/internal/gdrive"
	"github.com/pitchpilot/pitchpilot/internal/llm"
	"github.com/pitchpilot/pitchpilot/internal/profiler"
	"github.com/pitchpilot/pitchpilot/internal/server"
	"github.com/pitchpilot/pitchpilot/internal/storage"
	"github.com/pitchpilot/pitchpilot/internal/transcribe"
)

//go:embed static/*
var staticFiles embed.FS

type recorderState struct {
	mic    *microphone.Microphone
	mu     sync.RWMutex
	paused bool
}

func (r *recorderState) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
	if r.mic != nil {
		r.mic.Mute()
	}
}

func (r *recorderState) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
	if r.mic != nil {
		r.mic.Unmute()
	}
}

func (r *recorderState) IsPaused() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.paused
}

func (r *recorderState) SetMic(mic *microphone.Microphone) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mic = mic
}

type transcriptCallback struct {
	manager coach.LifecycleManager
}

func (c transcriptCallback) Message(mr *api.MessageResponse) error {
	if c.manager == nil {
		return nil
	}
	return c.manager.Message(mr)
}

func (c transcriptCallback) Open(*api.OpenResponse) error {
	log.Println("connected to Deepgram")
	return nil
}

func (c transcriptCallback) Metadata(*api.MetadataResponse) error { return nil }

func (c transcriptCallback) SpeechStarted(*api.SpeechStartedResponse) error { return nil }

func (c transcriptCallback) UtteranceEnd(ur *api.UtteranceEndResponse) error {
	if c.manager == nil {
		return nil
	}
	return c.manager.UtteranceEnd(ur)
}

func (c transcriptCallback) Close(*api.CloseResponse) error {
	log.Println("disconnected from Deepgram")
	return nil
}

func (c transcriptCallback) Error(er *api.ErrorResponse) error {
	log.Printf("deepgram error %s: %s", er.ErrCode, er.Description)
	return nil
}

func (c transcriptCallback) UnhandledEvent([]byte) error { return nil }

func main() {
	log.Println("pitchpilot: starting")

	configPath := os.Getenv(config.EnvPrefix + "CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, warnings, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	for _, w := range warnings {
		log.Printf("warning: %s", w)
	}

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("storage init failed: %v", err)
	}

	assets, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Fatalf("static assets init failed: %v", err)
	}

	prof := profiler.New(thresholdOverrides(cfg.BottleneckThresholds))

	respCache := cache.New(cache.Config{
		TTL:              cfg.ParsedCacheTTL(),
		MaxSize:          cfg.MaxCacheSize,
		PatternThreshold: cfg.PatternThreshold,
	}, store)
	respCache.SeedCommonResponses()

	hub := server.NewHub()
	detector := coach.NewSilenceDetector(cfg.ParsedSilenceTimeout())
	dedup := transcribe.NewDetector(cfg.ResolveDetector())
	limiter := coach.NewSuggestionLimiter(cfg.ParsedSuggestionRateLimit())
	audioRecorder := audio.NewRecorder(cfg.AudioDir)
	journal := storage.NewWriter(cfg.TranscriptDir)

	var callAdvisor coach.Advisor
	if hasModelKey(cfg) {
		callAdvisor = advisor.New(cfg.AdvisorModel, func(provider, model string) (llm.Client, error) {
			return llm.NewClient(provider, modelAPIKey(cfg, provider), model,
				llm.WithTemperature(0.3), llm.WithMaxTokens(120))
		})
	}

	manager := coach.NewManager(coach.Deps{
		Store:    store,
		Recorder: audioRecorder,
		Advisor:  callAdvisor,
		Cache:    respCache,
		Profiler: prof,
		Hub:      hub,
		Journal:  journal,
		Detector: detector,
		Dedup:    dedup,
		Limiter:  limiter,
		Embedded: cfg.CaptureEmbedded,
	})

	recState := &recorderState{}

	handler, err := server.Handler(assets, server.Deps{
		Hub:      hub,
		Store:    store,
		Ingestor: manager,
		Cache:    respCache,
		Insights: prof,
		Controls: server.ControlHooks{
			Pause:    recState.Pause,
			Resume:   recState.Resume,
			IsPaused: recState.IsPaused,
			Warnings: func() []string { return warnings },
			OnStatusChanged: func(paused bool) {
				hub.BroadcastStatusChanged(paused)
			},
		},
	})
	if err != nil {
		log.Fatalf("build http handler failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer func() { _ = store.Close() }()

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: handler}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}()

	go prof.Monitor(ctx.Done(), logCriticalBottlenecks, time.Minute)

	if cfg.GDriveFolderID != "" {
		syncer, syncErr := gdrive.NewSyncer(ctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID)
		if syncErr != nil {
			log.Printf("warning: gdrive sync disabled: %v", syncErr)
		} else {
			go func() {
				ticker := time.NewTicker(5 * time.Minute)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						date := time.Now().UTC().Format("2006-01-02")
						if err := syncer.Sync(ctx, journal.CurrentPath(), date); err != nil {
							log.Printf("gdrive sync error: %v", err)
						}
					}
				}
			}()
		}
	}

	var mic *microphone.Microphone
	var dgStop func()
	selectedSampleRate := 16000

	microphone.Initialize()
	defer microphone.Teardown()

	client.Init(client.InitLib{LogLevel: client.LogLevelDefault})

	for _, rate := range cfg.SampleRateCandidates() {
		mic, err = microphone.New(microphone.AudioConfig{InputChannels: 1, SamplingRate: float32(rate)})
		if err != nil {
			log.Printf("warning: microphone open failed at %d Hz: %v", rate, err)
			continue
		}
		selectedSampleRate = rate
		break
	}

	if mic == nil {
		log.Printf("warning: microphone unavailable, running API/UI only")
	} else {
		audioRecorder.SetSampleRate(selectedSampleRate)
		recState.SetMic(mic)
		if err := mic.Start(); err != nil {
			log.Printf("warning: microphone start failed at %d Hz, running API/UI only: %v", selectedSampleRate, err)
			mic = nil
			recState.SetMic(nil)
		} else {
			log.Printf("microphone started at %d Hz", selectedSampleRate)
		}
	}

	if mic != nil {
		cOptions := &interfaces.ClientOptions{EnableKeepAlive: true}
		tOptions := &interfaces.LiveTranscriptionOptions{
			Model:       "nova-2",
			Language:    "en-US",
			Diarize:     true,
			Punctuate:   true,
			SmartFormat: true,
			Encoding:    "linear16",
			SampleRate:  selectedSampleRate,
			Channels:    1,
		}

		dgClient, err := client.NewWSUsingCallback(ctx, cfg.DeepgramAPIKey, cOptions, tOptions,
			transcriptCallback{manager: manager})
		if err != nil {
			log.Printf("warning: deepgram client unavailable, running API/UI only: %v", err)
		} else if ok := dgClient.Connect(); !ok {
			log.Printf("warning: deepgram connect failed, running API/UI only")
		} else {
			dgStop = func() {
				dgClient.Stop()
			}
			go func() {
				streamMicWithRetry(ctx, mic, audioRecorder.Writer(dgClient), time.Sleep, log.Printf)
			}()
		}
	}

	log.Printf("pitchpilot: web UI on http://127.0.0.1%s", cfg.ListenAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("pitchpilot: shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	detector.Stop()
	if err := manager.ForceEndCall(shutdownCtx); err != nil && !errors.Is(err, coach.ErrNoActiveCall) {
		log.Printf("warning: force end call failed: %v", err)
	}

	if dgStop != nil {
		dgStop()
	}
	if mic != nil {
		_ = mic.Stop()
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("warning: http shutdown failed: %v", err)
	}
}

func hasModelKey(cfg config.Config) bool {
	return cfg.OpenAIAPIKey != "" || cfg.AnthropicAPIKey != "" || cfg.GeminiAPIKey != ""
}

func modelAPIKey(cfg config.Config, provider string) string {
	switch provider {
	case "openai":
		return cfg.OpenAIAPIKey
	case "anthropic":
		return cfg.AnthropicAPIKey
	case "gemini":
		return cfg.GeminiAPIKey
	default:
		return ""
	}
}

func thresholdOverrides(ms map[string]int) map[string]time.Duration {
	if len(ms) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(ms))
	for category, v := range ms {
		if v > 0 {
			out[category] = time.Duration(v) * time.Millisecond
		}
	}
	return out
}

func logCriticalBottlenecks(insights profiler.Insights) {
	for _, b := range insights.Bottlenecks {
		if b.Severity == profiler.SeverityCritical {
			log.Printf("performance: %s (%s) critical, avg %s over %d hits",
				b.Operation, b.Category, b.AvgDuration, b.Frequency)
		}
	}
}

type micStreamer interface {
	Stream(writer io.Writer) error
}

func streamMicWithRetry(
	ctx context.Context,
	streamer micStreamer,
	writer io.Writer,
	wait func(time.Duration),
	logf func(string, ...any),
) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := streamer.Stream(writer)
		if err == nil || ctx.Err() != nil {
			return
		}

		if strings.Contains(strings.ToLower(err.Error()), "overflow") {
			logf("warning: mic input overflow, restarting stream")
			wait(250 * time.Millisecond)
			continue
		}

		logf("mic stream error: %v", err)
		return
	}
}

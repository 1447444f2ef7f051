package advisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pitchpilot/pitchpilot/internal/llm"
)

type ClientFactory func(provider, model string) (llm.Client, error)

// Suggestion is one coaching tip plus the objection category that
// produced it. Category feeds the cache's pattern learning.
type Suggestion struct {
	Text     string
	Category string
}

type Advisor struct {
	model   string
	factory ClientFactory
	sleep   func(time.Duration)
}

func New(model string, factory ClientFactory) *Advisor {
	return &Advisor{
		model:   model,
		factory: factory,
		sleep:   time.Sleep,
	}
}

// tailWords bounds how much conversation the model sees. Coaching only
// needs the recent exchange, and a short prompt keeps latency down.
const tailWords = 400

func recentWindow(transcript string) string {
	words := strings.Fields(transcript)
	if len(words) <= tailWords {
		return strings.Join(words, " ")
	}
	return strings.Join(words[len(words)-tailWords:], " ")
}

// Suggest classifies the latest objection and asks the model for one
// actionable tip. Transcripts under five words carry no coachable
// signal and return an empty suggestion without a model call.
func (a *Advisor) Suggest(ctx context.Context, transcript string) (Suggestion, error) {
	window := recentWindow(transcript)
	if len(strings.Fields(window)) < 5 {
		return Suggestion{}, nil
	}

	category := ClassifyObjection(window)

	provider, model, err := llm.ParseModel(a.model)
	if err != nil {
		return Suggestion{}, err
	}

	client, err := a.factory(provider, model)
	if err != nil {
		return Suggestion{}, fmt.Errorf("create llm client: %w", err)
	}

	messages := []llm.Message{
		{Role: "system", Content: category.SystemPrompt},
		{Role: "user", Content: "Live call transcript (most recent last):\n\n" + window},
	}

	backoff := []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}
	var lastErr error
	for attempt := range backoff {
		result, err := client.Complete(ctx, messages)
		if err == nil {
			return Suggestion{Text: strings.TrimSpace(result), Category: category.Name}, nil
		}
		lastErr = err
		if attempt < len(backoff)-1 {
			a.sleep(backoff[attempt])
		}
	}
	return Suggestion{}, fmt.Errorf("suggest failed after retries: %w", lastErr)
}

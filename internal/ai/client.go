// Package ai wraps the external text-generation providers behind one
// interface. Two implementations exist: an OpenAI-compatible HTTP provider
// (the default, pointed at OpenRouter) and a local Ollama instance.
package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

var log = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

// ErrGenerationFailed wraps every provider-level failure (network, non-2xx,
// empty response). The pipeline never retries these internally.
var ErrGenerationFailed = errors.New("AI text generation failed")

// GenerationParams carries optional sampling parameters. Pointers
// distinguish "not set" from zero.
type GenerationParams struct {
	Temperature *float64
	MaxTokens   *int
	TopP        *float64
}

// UsageInfo reports token accounting for one request. Streamed requests may
// carry estimates when the provider omits final usage.
type UsageInfo struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// TextGenerator is the provider capability consumed by the reply pipeline
// and the judges.
type TextGenerator interface {
	// GenerateText requests a whole completion.
	GenerateText(ctx context.Context, systemPrompt, userInput string, params GenerationParams) (string, UsageInfo, error)

	// GenerateTextStream requests a streamed completion, invoking
	// chunkHandler for every delta as it arrives, and returns the full
	// assembled text. A chunkHandler error aborts the stream.
	GenerateTextStream(ctx context.Context, systemPrompt, userInput string, params GenerationParams, chunkHandler func(string) error) (string, UsageInfo, error)
}

// Config selects and configures the provider.
type Config struct {
	Provider string // "openai" (default) or "ollama"
	APIKey   string
	BaseURL  string
	Model    string
	Timeout  time.Duration
}

// NewTextGenerator builds the provider selected by cfg.Provider.
func NewTextGenerator(cfg Config) (TextGenerator, error) {
	if cfg.Model == "" {
		return nil, errors.New("AI model name is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	switch cfg.Provider {
	case "", "openai":
		return newOpenAIClient(cfg)
	case "ollama":
		return newOllamaClient(cfg)
	default:
		return nil, fmt.Errorf("unknown AI provider %q", cfg.Provider)
	}
}

func float32Val(f *float64) float32 {
	if f == nil {
		return 0
	}
	return float32(*f)
}

func intVal(i *int) int {
	if i == nil {
		return 0
	}
	return *i
}

package ai

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

// ollamaClient implements TextGenerator against a local Ollama instance
// using its native chat API.
type ollamaClient struct {
	client  *api.Client
	model   string
	timeout time.Duration
}

func newOllamaClient(cfg Config) (TextGenerator, error) {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/v1")
	baseURL = strings.TrimSuffix(baseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ollama base URL %q: %w", baseURL, err)
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	log.Info().Str("baseURL", baseURL).Str("model", cfg.Model).Msg("Ollama client created")
	return &ollamaClient{
		client:  api.NewClient(parsedURL, httpClient),
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}, nil
}

func (c *ollamaClient) GenerateText(ctx context.Context, systemPrompt, userInput string, params GenerationParams) (string, UsageInfo, error) {
	return c.chat(ctx, systemPrompt, userInput, params, nil)
}

func (c *ollamaClient) GenerateTextStream(ctx context.Context, systemPrompt, userInput string, params GenerationParams, chunkHandler func(string) error) (string, UsageInfo, error) {
	return c.chat(ctx, systemPrompt, userInput, params, chunkHandler)
}

func (c *ollamaClient) chat(ctx context.Context, systemPrompt, userInput string, params GenerationParams, chunkHandler func(string) error) (string, UsageInfo, error) {
	usageInfo := UsageInfo{}
	if strings.TrimSpace(systemPrompt) == "" {
		return "", usageInfo, fmt.Errorf("%w: system prompt is empty", ErrGenerationFailed)
	}

	messages := []api.Message{{Role: "system", Content: systemPrompt}}
	if userInput != "" {
		messages = append(messages, api.Message{Role: "user", Content: userInput})
	}

	options := map[string]interface{}{}
	if params.Temperature != nil {
		options["temperature"] = *params.Temperature
	}
	if params.TopP != nil {
		options["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		options["num_predict"] = *params.MaxTokens
	}

	stream := chunkHandler != nil
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Options:  options,
	}

	kind := "completion"
	if stream {
		kind = "stream"
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	startTime := time.Now()
	var builder strings.Builder
	var lastResp api.ChatResponse
	err := c.client.Chat(requestCtx, req, func(r api.ChatResponse) error {
		lastResp = r
		if r.Message.Content != "" {
			builder.WriteString(r.Message.Content)
			if chunkHandler != nil {
				return chunkHandler(r.Message.Content)
			}
		}
		return nil
	})
	duration := time.Since(startTime)

	if err != nil {
		log.Error().Err(err).Str("model", c.model).Dur("duration", duration).Msg("Ollama chat request failed")
		aiRequestsTotal.WithLabelValues(c.model, kind, "error").Inc()
		return "", usageInfo, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}

	text := builder.String()
	if strings.TrimSpace(text) == "" {
		aiRequestsTotal.WithLabelValues(c.model, kind, "error_empty").Inc()
		return "", usageInfo, fmt.Errorf("%w: empty response", ErrGenerationFailed)
	}

	aiRequestsTotal.WithLabelValues(c.model, kind, "success").Inc()
	aiRequestDuration.WithLabelValues(c.model, kind).Observe(duration.Seconds())
	usageInfo.PromptTokens = lastResp.Metrics.PromptEvalCount
	usageInfo.CompletionTokens = lastResp.Metrics.EvalCount
	usageInfo.TotalTokens = usageInfo.PromptTokens + usageInfo.CompletionTokens
	if usageInfo.PromptTokens > 0 {
		aiPromptTokens.WithLabelValues(c.model).Observe(float64(usageInfo.PromptTokens))
	}
	if usageInfo.CompletionTokens > 0 {
		aiCompletionTokens.WithLabelValues(c.model).Observe(float64(usageInfo.CompletionTokens))
	}
	return text, usageInfo, nil
}

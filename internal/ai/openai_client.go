package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkoukk/tiktoken-go"
	openaigo "github.com/sashabaranov/go-openai"
)

const defaultOpenAIBaseURL = "https://openrouter.ai/api/v1"

// openAIClient implements TextGenerator with go-openai.
type openAIClient struct {
	client  *openaigo.Client
	model   string
	timeout time.Duration
}

func newOpenAIClient(cfg Config) (TextGenerator, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("AI API key is required for the openai provider")
	}
	clientConfig := openaigo.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = defaultOpenAIBaseURL
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &openAIClient{
		client:  openaigo.NewClientWithConfig(clientConfig),
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}, nil
}

func (c *openAIClient) GenerateText(ctx context.Context, systemPrompt, userInput string, params GenerationParams) (string, UsageInfo, error) {
	usageInfo := UsageInfo{}
	if strings.TrimSpace(systemPrompt) == "" {
		return "", usageInfo, fmt.Errorf("%w: system prompt is empty", ErrGenerationFailed)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	startTime := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openaigo.ChatCompletionRequest{
		Model:       c.model,
		Messages:    buildMessages(systemPrompt, userInput),
		Temperature: float32Val(params.Temperature),
		MaxTokens:   intVal(params.MaxTokens),
		TopP:        float32Val(params.TopP),
	})
	duration := time.Since(startTime)

	if err != nil {
		log.Error().Err(err).Str("model", c.model).Dur("duration", duration).Msg("AI completion request failed")
		aiRequestsTotal.WithLabelValues(c.model, "completion", "error").Inc()
		return "", usageInfo, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		log.Warn().Str("model", c.model).Dur("duration", duration).Msg("AI returned an empty completion")
		aiRequestsTotal.WithLabelValues(c.model, "completion", "error_empty").Inc()
		return "", usageInfo, fmt.Errorf("%w: empty response", ErrGenerationFailed)
	}

	aiRequestsTotal.WithLabelValues(c.model, "completion", "success").Inc()
	aiRequestDuration.WithLabelValues(c.model, "completion").Observe(duration.Seconds())
	if resp.Usage.TotalTokens > 0 {
		usageInfo.PromptTokens = resp.Usage.PromptTokens
		usageInfo.CompletionTokens = resp.Usage.CompletionTokens
		usageInfo.TotalTokens = resp.Usage.TotalTokens
		aiPromptTokens.WithLabelValues(c.model).Observe(float64(resp.Usage.PromptTokens))
		aiCompletionTokens.WithLabelValues(c.model).Observe(float64(resp.Usage.CompletionTokens))
	}

	log.Debug().Str("model", c.model).Dur("duration", duration).
		Int("totalTokens", usageInfo.TotalTokens).Msg("AI completion received")
	return resp.Choices[0].Message.Content, usageInfo, nil
}

func (c *openAIClient) GenerateTextStream(ctx context.Context, systemPrompt, userInput string, params GenerationParams, chunkHandler func(string) error) (string, UsageInfo, error) {
	usageInfo := UsageInfo{}
	if strings.TrimSpace(systemPrompt) == "" {
		return "", usageInfo, fmt.Errorf("%w: system prompt is empty", ErrGenerationFailed)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream, err := c.client.CreateChatCompletionStream(ctx, openaigo.ChatCompletionRequest{
		Model:       c.model,
		Messages:    buildMessages(systemPrompt, userInput),
		Stream:      true,
		Temperature: float32Val(params.Temperature),
		MaxTokens:   intVal(params.MaxTokens),
		TopP:        float32Val(params.TopP),
	})
	if err != nil {
		log.Error().Err(err).Str("model", c.model).Msg("Failed to open AI completion stream")
		aiRequestsTotal.WithLabelValues(c.model, "stream", "error_init").Inc()
		return "", usageInfo, fmt.Errorf("%w: stream init: %v", ErrGenerationFailed, err)
	}
	defer stream.Close()

	startTime := time.Now()
	var builder strings.Builder
	var finalUsage openaigo.Usage
	estimatedCompletionTokens := 0
	tke, tkeErr := tiktoken.GetEncoding("cl100k_base")

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Error().Err(err).Str("model", c.model).Msg("AI stream read failed")
			aiRequestsTotal.WithLabelValues(c.model, "stream", "error_read").Inc()
			return "", usageInfo, fmt.Errorf("%w: stream read: %v", ErrGenerationFailed, err)
		}
		// Usage, when the provider sends it at all, arrives at the end.
		if response.Usage != nil && response.Usage.TotalTokens > 0 {
			finalUsage = *response.Usage
		}
		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		builder.WriteString(delta)
		if tkeErr == nil {
			estimatedCompletionTokens += len(tke.Encode(delta, nil, nil))
		}
		if err := chunkHandler(delta); err != nil {
			return "", usageInfo, fmt.Errorf("%w: delta handler: %v", ErrGenerationFailed, err)
		}
	}

	duration := time.Since(startTime)
	text := builder.String()
	if strings.TrimSpace(text) == "" {
		aiRequestsTotal.WithLabelValues(c.model, "stream", "error_empty").Inc()
		return "", usageInfo, fmt.Errorf("%w: empty streamed response", ErrGenerationFailed)
	}

	aiRequestsTotal.WithLabelValues(c.model, "stream", "success").Inc()
	aiRequestDuration.WithLabelValues(c.model, "stream").Observe(duration.Seconds())
	if finalUsage.TotalTokens > 0 {
		usageInfo.PromptTokens = finalUsage.PromptTokens
		usageInfo.CompletionTokens = finalUsage.CompletionTokens
		usageInfo.TotalTokens = finalUsage.TotalTokens
	} else {
		usageInfo.CompletionTokens = estimatedCompletionTokens
		usageInfo.TotalTokens = estimatedCompletionTokens
	}
	if usageInfo.CompletionTokens > 0 {
		aiCompletionTokens.WithLabelValues(c.model).Observe(float64(usageInfo.CompletionTokens))
	}

	log.Debug().Str("model", c.model).Dur("duration", duration).
		Int("completionTokens", usageInfo.CompletionTokens).Msg("AI stream completed")
	return text, usageInfo, nil
}

func buildMessages(systemPrompt, userInput string) []openaigo.ChatCompletionMessage {
	messages := []openaigo.ChatCompletionMessage{
		{Role: openaigo.ChatMessageRoleSystem, Content: systemPrompt},
	}
	if userInput != "" {
		messages = append(messages, openaigo.ChatCompletionMessage{
			Role:    openaigo.ChatMessageRoleUser,
			Content: userInput,
		})
	}
	return messages
}

package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/schema"

	"ragbench/internal/config"
)

// Client issues single-shot generation calls against the Ollama backend.
// One call per invocation, no retries; retry policy is the caller's.
type Client struct {
	baseURL string
}

func NewClient(cfg *config.OllamaConfig) *Client {
	return &Client{baseURL: cfg.BaseURL}
}

func (c *Client) newModel(model string, params config.LLMParams) (*ollama.LLM, error) {
	opts := []ollama.Option{
		ollama.WithServerURL(c.baseURL),
		ollama.WithModel(model),
	}
	if params.NumCtx > 0 {
		opts = append(opts, ollama.WithRunnerNumCtx(params.NumCtx))
	}
	return ollama.New(opts...)
}

// Generate sends one text prompt and returns the trimmed completion.
func (c *Client) Generate(ctx context.Context, model string, params config.LLMParams, prompt string) (string, error) {
	return c.generate(ctx, model, params, []llms.ContentPart{llms.TextContent{Text: prompt}})
}

// GenerateWithImage sends a prompt plus one binary image part, for the vision
// OCR model.
func (c *Client) GenerateWithImage(ctx context.Context, model string, params config.LLMParams, prompt, mimeType string, image []byte) (string, error) {
	parts := []llms.ContentPart{
		llms.BinaryPart(mimeType, image),
		llms.TextContent{Text: prompt},
	}
	return c.generate(ctx, model, params, parts)
}

func (c *Client) generate(ctx context.Context, model string, params config.LLMParams, parts []llms.ContentPart) (string, error) {
	llmClient, err := c.newModel(model, params)
	if err != nil {
		return "", fmt.Errorf("init llm %s: %w", model, err)
	}

	messages := []llms.MessageContent{
		{Role: schema.ChatMessageTypeHuman, Parts: parts},
	}

	log.Debug().Str("model", model).Float64("temperature", params.Temperature).Msg("generating content")

	res, err := llmClient.GenerateContent(ctx, messages,
		llms.WithTemperature(params.Temperature),
		llms.WithTopP(params.TopP),
		llms.WithMaxTokens(params.MaxTokens),
	)
	if err != nil {
		return "", fmt.Errorf("generate with %s: %w", model, err)
	}
	if len(res.Choices) == 0 {
		return "", fmt.Errorf("generate with %s: empty response", model)
	}
	return strings.TrimSpace(res.Choices[0].Content), nil
}

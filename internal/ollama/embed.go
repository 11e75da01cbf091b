// Package ollama holds the raw HTTP client for the Ollama embedding endpoint.
// Generation goes through langchaingo; embeddings cannot, because releasing a
// model between runs needs the keep_alive field on /api/embed.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// KeepLoaded pins the model in memory between calls; KeepNone evicts it as
// soon as the call finishes.
const (
	KeepLoaded = -1
	KeepNone   = 0
)

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 300 * time.Second},
	}
}

type embedRequest struct {
	Model     string   `json:"model"`
	Input     []string `json:"input"`
	KeepAlive int      `json:"keep_alive"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// EmbedBatch returns one vector per input text, same order. keepAlive controls
// model residency after the call.
func (c *Client) EmbedBatch(ctx context.Context, model string, texts []string, keepAlive int) ([][]float32, error) {
	payload := embedRequest{Model: model, Input: texts, KeepAlive: keepAlive}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embed", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embed request failed: %d, %s", resp.StatusCode, string(body))
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed response has %d vectors for %d inputs", len(result.Embeddings), len(texts))
	}
	return result.Embeddings, nil
}

// Unload evicts the model from backend memory. Failure is logged, not
// propagated; the next load will still succeed, only slower.
func (c *Client) Unload(ctx context.Context, model string) {
	_, err := c.EmbedBatch(ctx, model, []string{""}, KeepNone)
	if err != nil {
		log.Warn().Err(err).Str("model", model).Msg("could not unload model")
		return
	}
	log.Debug().Str("model", model).Msg("unloaded model")
}

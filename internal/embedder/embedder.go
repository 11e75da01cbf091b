package embedder

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"ragbench/internal/config"
)

// ErrDimensionMismatch means the backend returned vectors whose length does
// not equal the model's declared dimensionality. This is a configuration
// error: the declared dim is wrong, or the wrong model is loaded. It is never
// papered over by truncating or padding.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// batchSize bounds the number of texts per backend request.
const batchSize = 16

// Backend is the embedding side of the Ollama client.
type Backend interface {
	EmbedBatch(ctx context.Context, model string, texts []string, keepAlive int) ([][]float32, error)
	Unload(ctx context.Context, model string)
}

const (
	keepLoaded = -1
	keepNone   = 0
)

// Service embeds chunk texts one model at a time. Models time-share the
// accelerator, so the caller finishes one model's work and calls Release
// before starting the next.
type Service struct {
	backend Backend
}

func NewService(backend Backend) *Service {
	return &Service{backend: backend}
}

// EmbedTexts returns one vector per text, in order, validating every vector
// against the model's declared dimension.
func (s *Service) EmbedTexts(ctx context.Context, model config.EmbeddingModel, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := s.backend.EmbedBatch(ctx, model.Model, texts[start:end], keepLoaded)
		if err != nil {
			return nil, fmt.Errorf("embed batch %d-%d with %s: %w", start, end, model.Key, err)
		}
		for i, vec := range batch {
			if len(vec) != model.Dim {
				return nil, fmt.Errorf("%w: model %s declared dim %d, got %d for text %d",
					ErrDimensionMismatch, model.Key, model.Dim, len(vec), start+i)
			}
		}
		vectors = append(vectors, batch...)
		if end < len(texts) {
			log.Info().Str("model", model.Key).Int("done", end).Int("total", len(texts)).Msg("embedding progress")
		}
	}
	return vectors, nil
}

// EmbedQuery embeds a single query text through the same path as chunks.
func (s *Service) EmbedQuery(ctx context.Context, model config.EmbeddingModel, text string) ([]float32, error) {
	vectors, err := s.EmbedTexts(ctx, model, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Release evicts the model from backend memory so the next model fits.
func (s *Service) Release(ctx context.Context, model config.EmbeddingModel) {
	s.backend.Unload(ctx, model.Model)
}

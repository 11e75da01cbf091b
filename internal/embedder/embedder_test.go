package embedder

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"ragbench/internal/config"
)

type fakeBackend struct {
	dim        int
	err        error
	batches    [][]string
	keepAlives []int
	unloaded   []string
}

func (f *fakeBackend) EmbedBatch(_ context.Context, _ string, texts []string, keepAlive int) ([][]float32, error) {
	f.batches = append(f.batches, texts)
	f.keepAlives = append(f.keepAlives, keepAlive)
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		vec := make([]float32, f.dim)
		vec[0] = float32(len(texts[i]))
		out[i] = vec
	}
	return out, nil
}

func (f *fakeBackend) Unload(_ context.Context, model string) {
	f.unloaded = append(f.unloaded, model)
}

var testModel = config.EmbeddingModel{Key: "4b", Model: "embed-4b", Dim: 8}

func TestEmbedTexts(t *testing.T) {
	t.Run("one vector per text in order", func(t *testing.T) {
		backend := &fakeBackend{dim: 8}
		texts := []string{"a", "bb", "ccc"}
		vectors, err := NewService(backend).EmbedTexts(context.Background(), testModel, texts)
		if err != nil {
			t.Fatalf("EmbedTexts: %v", err)
		}
		if len(vectors) != 3 {
			t.Fatalf("got %d vectors, want 3", len(vectors))
		}
		for i, text := range texts {
			if vectors[i][0] != float32(len(text)) {
				t.Errorf("vector %d out of order", i)
			}
		}
	})

	t.Run("splits into batches keeping the model loaded", func(t *testing.T) {
		backend := &fakeBackend{dim: 8}
		texts := make([]string, 40)
		for i := range texts {
			texts[i] = fmt.Sprintf("text %d", i)
		}
		vectors, err := NewService(backend).EmbedTexts(context.Background(), testModel, texts)
		if err != nil {
			t.Fatalf("EmbedTexts: %v", err)
		}
		if len(vectors) != 40 {
			t.Errorf("got %d vectors, want 40", len(vectors))
		}
		if len(backend.batches) != 3 {
			t.Errorf("got %d batches, want 3 for 40 texts at batch size 16", len(backend.batches))
		}
		for i, ka := range backend.keepAlives {
			if ka != keepLoaded {
				t.Errorf("batch %d keepAlive = %d, want %d", i, ka, keepLoaded)
			}
		}
	})

	t.Run("dimension mismatch is a hard error", func(t *testing.T) {
		backend := &fakeBackend{dim: 4}
		_, err := NewService(backend).EmbedTexts(context.Background(), testModel, []string{"x"})
		if !errors.Is(err, ErrDimensionMismatch) {
			t.Errorf("err = %v, want ErrDimensionMismatch", err)
		}
	})

	t.Run("no texts is a no-op", func(t *testing.T) {
		backend := &fakeBackend{dim: 8}
		vectors, err := NewService(backend).EmbedTexts(context.Background(), testModel, nil)
		if err != nil || vectors != nil {
			t.Errorf("EmbedTexts(nil) = (%v, %v)", vectors, err)
		}
		if len(backend.batches) != 0 {
			t.Error("backend called for empty input")
		}
	})

	t.Run("backend error is wrapped with model key", func(t *testing.T) {
		backend := &fakeBackend{dim: 8, err: errors.New("boom")}
		_, err := NewService(backend).EmbedTexts(context.Background(), testModel, []string{"x"})
		if err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestEmbedQuery(t *testing.T) {
	backend := &fakeBackend{dim: 8}
	vec, err := NewService(backend).EmbedQuery(context.Background(), testModel, "query")
	if err != nil {
		t.Fatalf("EmbedQuery: %v", err)
	}
	if len(vec) != 8 {
		t.Errorf("vector dim = %d, want 8", len(vec))
	}
}

func TestRelease(t *testing.T) {
	backend := &fakeBackend{dim: 8}
	NewService(backend).Release(context.Background(), testModel)
	if len(backend.unloaded) != 1 || backend.unloaded[0] != "embed-4b" {
		t.Errorf("unloaded = %v, want [embed-4b]", backend.unloaded)
	}
}

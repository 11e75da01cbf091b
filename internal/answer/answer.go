package answer

import (
	"context"
	"fmt"
	"strings"

	"ragbench/internal/config"
	"ragbench/internal/retrieve"
)

// Generator is the text-generation backend.
type Generator interface {
	Generate(ctx context.Context, model string, params config.LLMParams, prompt string) (string, error)
}

// Service turns a question plus retrieved context into one LLM answer. One
// call per (question, model); a backend failure is returned to the caller,
// which isolates it to that unit.
type Service struct {
	gen   Generator
	model string
}

func NewService(gen Generator, model string) *Service {
	return &Service{gen: gen, model: model}
}

// BuildPrompt embeds the retrieved chunks in rank order, annotated with their
// similarity, followed by the question.
func BuildPrompt(question string, chunks []retrieve.Scored) string {
	var ctx strings.Builder
	for i, c := range chunks {
		if i > 0 {
			ctx.WriteString("\n\n---\n\n")
		}
		fmt.Fprintf(&ctx, "[Chunk %d] (similarity: %.4f):\n%s", i+1, c.Similarity, c.Text)
	}

	return fmt.Sprintf(`You are an expert assistant answering questions about a document.

Use only the following reference content:

%s

---

Question: %s

Answer the question concisely and to the point, based only on the reference content. Keep the answer short and focused on the key facts.`, ctx.String(), question)
}

// Answer generates the model's answer and returns it with the exact prompt
// used, for audit.
func (s *Service) Answer(ctx context.Context, params config.LLMParams, question string, chunks []retrieve.Scored) (answerText, prompt string, err error) {
	prompt = BuildPrompt(question, chunks)
	answerText, err = s.gen.Generate(ctx, s.model, params, prompt)
	if err != nil {
		return "", prompt, fmt.Errorf("answer generation: %w", err)
	}
	return answerText, prompt, nil
}

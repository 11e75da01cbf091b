// Package judge scores candidate answers against a golden answer through a
// single comparative LLM call per question.
package judge

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"ragbench/internal/config"
)

// Generator is the text-generation backend.
type Generator interface {
	Generate(ctx context.Context, model string, params config.LLMParams, prompt string) (string, error)
}

// ParsedScore is the outcome of extracting one model's score from the judge
// output: either a value in [0,100] or missing.
type ParsedScore struct {
	Value int
	Valid bool
}

// Ptr returns the score as a nullable integer for persistence.
func (p ParsedScore) Ptr() *int {
	if !p.Valid {
		return nil
	}
	v := p.Value
	return &v
}

// Result is the judge output for one question.
type Result struct {
	EvaluationText string
	Prompt         string
	Scores         map[string]ParsedScore
}

// Judge issues the comparative evaluation call and extracts per-model scores.
type Judge struct {
	gen       Generator
	model     string
	templates *TemplateStore
	roster    []config.EmbeddingModel
}

func New(gen Generator, model string, templates *TemplateStore, roster []config.EmbeddingModel) *Judge {
	return &Judge{gen: gen, model: model, templates: templates, roster: roster}
}

// BuildPrompt fills the active template with the question, golden answer, and
// every candidate answer. Models absent from answers get an empty slot.
func (j *Judge) BuildPrompt(question, goldenAnswer string, answers map[string]string) string {
	tmpl, _ := j.templates.Get()
	prompt := strings.ReplaceAll(tmpl, PlaceholderQuestion, question)
	prompt = strings.ReplaceAll(prompt, PlaceholderGolden, goldenAnswer)
	for _, m := range j.roster {
		prompt = strings.ReplaceAll(prompt, answerPlaceholder(m.Key), answers[m.Key])
	}
	return prompt
}

// Evaluate scores all candidate answers for one question in a single call.
// A missing or malformed score label yields a missing score for that model,
// never an error; only the backend call itself can fail.
func (j *Judge) Evaluate(ctx context.Context, params config.LLMParams, question, goldenAnswer string, answers map[string]string) (Result, error) {
	prompt := j.BuildPrompt(question, goldenAnswer, answers)

	text, err := j.gen.Generate(ctx, j.model, params, prompt)
	if err != nil {
		return Result{Prompt: prompt}, fmt.Errorf("judge call: %w", err)
	}

	scores := make(map[string]ParsedScore, len(j.roster))
	for _, m := range j.roster {
		scores[m.Key] = ExtractScore(text, scoreLabel(m.Key))
	}
	return Result{EvaluationText: text, Prompt: prompt, Scores: scores}, nil
}

var numberRe = regexp.MustCompile(`(\d+)(?:\.\d+)?`)

// ExtractScore finds the labeled score line in the judge output and parses
// the first number after the label. Markdown emphasis markers around the
// label or value are tolerated. The label must stand alone on its line, so a
// key that prefixes a longer key never matches the longer key's line. Values
// outside [0,100] and absent labels produce a missing score.
func ExtractScore(text, label string) ParsedScore {
	for _, line := range strings.Split(text, "\n") {
		if !strings.Contains(line, label) {
			continue
		}
		clean := strings.NewReplacer("**", "", "*", "").Replace(line)
		before, after, found := strings.Cut(clean, label)
		if !found {
			continue
		}
		if len(before) > 0 && isLabelChar(before[len(before)-1]) {
			continue
		}
		if len(after) > 0 && isLabelChar(after[0]) {
			continue
		}
		after = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(after), ":"))
		match := numberRe.FindStringSubmatch(after)
		if match == nil {
			continue
		}
		value, err := strconv.Atoi(match[1])
		if err != nil || value < 0 || value > 100 {
			continue
		}
		return ParsedScore{Value: value, Valid: true}
	}
	return ParsedScore{}
}

func isLabelChar(b byte) bool {
	return b == '_' || '0' <= b && b <= '9' || 'A' <= b && b <= 'Z' || 'a' <= b && b <= 'z'
}

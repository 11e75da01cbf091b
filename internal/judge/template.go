package judge

import (
	"fmt"
	"os"
	"strings"

	"ragbench/internal/config"
)

// Placeholder names in judge prompt templates.
const (
	PlaceholderQuestion = "{question}"
	PlaceholderGolden   = "{golden_answer}"
)

func answerPlaceholder(key string) string {
	return "{answer_" + key + "}"
}

func scoreLabel(key string) string {
	return "SCORE_" + strings.ToUpper(key)
}

// RequiredPlaceholders returns every placeholder a template must contain for
// the given roster: the question, the golden answer, and one answer slot per
// model.
func RequiredPlaceholders(models []config.EmbeddingModel) []string {
	required := []string{PlaceholderQuestion, PlaceholderGolden}
	for _, m := range models {
		required = append(required, answerPlaceholder(m.Key))
	}
	return required
}

// ValidateTemplate reports the placeholders missing from a candidate
// template. Called on template save, not on every judge call.
func ValidateTemplate(tmpl string, models []config.EmbeddingModel) error {
	var missing []string
	for _, ph := range RequiredPlaceholders(models) {
		if !strings.Contains(tmpl, ph) {
			missing = append(missing, ph)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("template missing placeholders: %s", strings.Join(missing, ", "))
	}
	return nil
}

// DefaultTemplate builds the comparative scoring prompt for the active model
// roster. All candidate answers appear side by side so every model is scored
// against the same rubric in the same call.
func DefaultTemplate(models []config.EmbeddingModel) string {
	var b strings.Builder
	b.WriteString(`You are evaluating answer quality for a RAG (Retrieval-Augmented Generation) system.

**Question:**
{question}

**Golden answer (the reference for the key facts):**
{golden_answer}

`)
	for _, m := range models {
		fmt.Fprintf(&b, "**Answer from model %s:**\n%s\n\n", m.Label, answerPlaceholder(m.Key))
	}
	b.WriteString(`---

## Scoring principles (read fully before scoring)

Score by coverage of the key facts, not word-for-word similarity with the
golden answer. A good answer may use different wording with the same meaning.

- **High (70-100)**: the answer covers all key facts of the golden answer, even in different words.
- **Medium (40-69)**: the answer is partially correct or misses some important detail.
- **Low (0-39)**: the answer is wrong on the main point or misses the key facts.

Evaluate on:
1. **Completeness**: do the golden answer's key facts appear in the answer (not verbatim)
2. **Correctness**: is the given information factually right
3. **Relevance**: does the answer address the question

---

## Response format (follow strictly)

Respond in this structure only:

## Analysis

`)
	for _, m := range models {
		fmt.Fprintf(&b, "### Model %s\n- Key facts covered: [list the points matching the golden answer]\n- Missing/incorrect: [list them, or \"none\"]\n\n", m.Label)
	}
	b.WriteString(`### Summary
[compare the models and say which answered better and why]

---SCORES---
`)
	for _, m := range models {
		fmt.Fprintf(&b, "%s: [number only, e.g. 75, no ** or other text on this line]\n", scoreLabel(m.Key))
	}
	b.WriteString("\nNote: the score lines must appear after ---SCORES--- only. Do not state scores in the analysis section.")
	return b.String()
}

// TemplateStore resolves the active judge template: a file-backed custom
// template when present, the roster default otherwise. Save validates the
// placeholder contract and rejects templates that break it.
type TemplateStore struct {
	path   string
	models []config.EmbeddingModel
}

func NewTemplateStore(path string, models []config.EmbeddingModel) *TemplateStore {
	return &TemplateStore{path: path, models: models}
}

// Get returns the active template and whether it is a custom one.
func (t *TemplateStore) Get() (string, bool) {
	data, err := os.ReadFile(t.path)
	if err != nil || len(data) == 0 {
		return DefaultTemplate(t.models), false
	}
	return string(data), true
}

func (t *TemplateStore) Default() string {
	return DefaultTemplate(t.models)
}

// Save persists a custom template after validating its placeholders.
func (t *TemplateStore) Save(tmpl string) error {
	tmpl = strings.TrimSpace(tmpl)
	if tmpl == "" {
		return fmt.Errorf("template is empty")
	}
	if err := ValidateTemplate(tmpl, t.models); err != nil {
		return err
	}
	return os.WriteFile(t.path, []byte(tmpl), 0o644)
}

// Reset removes the custom template, restoring the default.
func (t *TemplateStore) Reset() error {
	err := os.Remove(t.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

package api

import (
	"net/http"
	"sort"

	"ragbench/internal/db"
	"ragbench/internal/pipeline"
)

// Results returns everything recorded for a session in one payload: raw
// evaluation rows, WER rows, chunk counts, and the RAG answers and judge
// summary grouped per question for the displayed chunk variant.
func (h *Handler) Results(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	ctx := r.Context()

	evals, err := h.store.GetEvaluations(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	wers, err := h.store.GetWerResults(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	recCount, agCount, err := h.store.CountChunks(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	questions, err := h.store.GetQuestions(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	questionText := make(map[int]string, len(questions))
	for _, q := range questions {
		questionText[q.Number] = q.Text
	}

	variant := displayVariant(evals)
	byQuestion := make(map[int]map[string]db.EvaluationResult)
	for _, e := range evals {
		if e.ChunkVariant != variant {
			continue
		}
		if byQuestion[e.QuestionNumber] == nil {
			byQuestion[e.QuestionNumber] = make(map[string]db.EvaluationResult)
		}
		byQuestion[e.QuestionNumber][e.ModelKey] = e
	}
	qNums := make([]int, 0, len(byQuestion))
	for n := range byQuestion {
		qNums = append(qNums, n)
	}
	sort.Ints(qNums)

	var ragResults []map[string]any
	var evalSummary []map[string]any
	for _, qNum := range qNums {
		perModel := byQuestion[qNum]

		answers := make(map[string]string, len(h.cfg.Models))
		chunks := make(map[string][]pipeline.ChunkSnapshot, len(h.cfg.Models))
		scores := make(map[string]*int, len(h.cfg.Models))
		prompts := make(map[string]string, len(h.cfg.Models))
		var golden, evaluationText string
		scored := false
		for _, m := range h.cfg.Models {
			row, ok := perModel[m.Key]
			if !ok {
				answers[m.Key] = ""
				chunks[m.Key] = nil
				scores[m.Key] = nil
				continue
			}
			golden = row.GoldenAnswer
			answers[m.Key] = row.LLMAnswer
			chunks[m.Key] = pipeline.ParseSnapshots(row.RetrievedChunks)
			scores[m.Key] = row.EvaluationScore
			prompts[m.Key] = row.LLMPrompt
			if row.EvaluationScore != nil {
				scored = true
			}
			if evaluationText == "" {
				evaluationText = row.EvaluationText
			}
		}

		ragResults = append(ragResults, map[string]any{
			"question_number": qNum,
			"chunk_type":      variant,
			"question_text":   questionText[qNum],
			"golden_answer":   golden,
			"answers":         answers,
			"chunks":          chunks,
		})
		if scored {
			evalSummary = append(evalSummary, map[string]any{
				"question_number": qNum,
				"question_text":   questionText[qNum],
				"golden_answer":   golden,
				"answers":         answers,
				"scores":          scores,
				"evaluation_text": evaluationText,
				"llm_prompts":     prompts,
				"chunks":          chunks,
			})
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"evaluations":  evals,
		"wer_results":  wers,
		"chunk_counts": map[string]int{"recursive": recCount, "agentic": agCount},
		"rag_results":  ragResults,
		"eval_summary": evalSummary,
	})
}

// displayVariant picks which stored chunk variant the grouped views show,
// preferring the widest scope present.
func displayVariant(evals []db.EvaluationResult) string {
	present := make(map[string]bool, 2)
	for _, e := range evals {
		present[e.ChunkVariant] = true
	}
	for _, v := range []string{db.VariantAll, db.VariantRecursive, db.VariantAgentic} {
		if present[v] {
			return v
		}
	}
	return db.VariantRecursive
}

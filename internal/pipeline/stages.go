package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"

	"ragbench/internal/chunker"
	"ragbench/internal/config"
	"ragbench/internal/db"
	"ragbench/internal/ocr"
	"ragbench/internal/retrieve"
	"ragbench/internal/wer"
)

// ChunkSnapshot is the persisted JSON form of one retrieved chunk inside an
// EvaluationResult row. The snapshot taken by the RAG stage is reused
// verbatim when evaluation re-runs; retrieval is never silently recomputed.
type ChunkSnapshot struct {
	Text       string  `json:"text"`
	Similarity float64 `json:"sim"`
	Variant    string  `json:"type"`
}

// ParseSnapshots decodes the retrieved_chunks column; malformed or empty
// input yields nil rather than an error.
func ParseSnapshots(raw string) []ChunkSnapshot {
	if raw == "" {
		return nil
	}
	var snaps []ChunkSnapshot
	if err := json.Unmarshal([]byte(raw), &snaps); err != nil {
		return nil
	}
	return snaps
}

// RunOCR executes the OCR provider for an upload and commits pages plus the
// status advance atomically. Zero pages is stage-fatal: nothing is persisted.
func (p *Pipeline) RunOCR(ctx context.Context, sessionID int64, filename string, provider ocr.Provider, path string) (int, error) {
	pages, err := provider.Run(ctx, path)
	if err != nil {
		return 0, &StageError{Stage: StageOCR, Err: err}
	}
	if len(pages) == 0 {
		return 0, &StageError{Stage: StageOCR, Err: fmt.Errorf("document produced zero pages")}
	}

	rows := make([]db.Page, len(pages))
	for i, page := range pages {
		rows[i] = db.Page{PageNumber: page.PageNumber, OCRText: page.Text, ImagePath: page.ImagePath}
	}
	if err := p.store.CommitOCR(ctx, sessionID, filename, rows); err != nil {
		return 0, &StageError{Stage: StageOCR, Err: err}
	}
	log.Info().Int64("session", sessionID).Int("pages", len(rows)).Msg("ocr committed")
	return len(rows), nil
}

// RunChunking produces both chunk variants from the session's pages and
// replaces the previous chunk sets.
func (p *Pipeline) RunChunking(ctx context.Context, sessionID int64, params config.LLMParams) (recCount, agCount int, err error) {
	pages, err := p.store.GetPages(ctx, sessionID)
	if err != nil {
		return 0, 0, err
	}
	if len(pages) == 0 {
		return 0, 0, fmt.Errorf("%w: no OCR pages for session %d", ErrPrecondition, sessionID)
	}

	pageTexts := make([]chunker.PageText, len(pages))
	for i, page := range pages {
		pageTexts[i] = chunker.PageText{PageNumber: page.PageNumber, Text: page.OCRText}
	}

	recChunks := chunker.RecursiveChunks(pageTexts, p.chunking.ChunkSize, p.chunking.ChunkOverlap)
	agChunks := p.agentic.ChunkPages(ctx, pageTexts, params)

	recRows := make([]db.RecursiveChunk, len(recChunks))
	for i, c := range recChunks {
		recRows[i] = db.RecursiveChunk{
			PageNumber: c.PageNumber,
			ChunkIndex: c.Index,
			ChunkText:  c.Text,
			ChunkSize:  c.Size,
		}
	}
	agRows := make([]db.AgenticChunk, len(agChunks))
	for i, c := range agChunks {
		agRows[i] = db.AgenticChunk{
			PageNumber: c.PageNumber,
			ChunkIndex: c.Index,
			ChunkText:  c.Text,
			ChunkTitle: c.Title,
			ChunkSize:  c.Size,
		}
	}

	if err := p.store.CommitChunks(ctx, sessionID, recRows, agRows); err != nil {
		return 0, 0, err
	}
	log.Info().Int64("session", sessionID).Int("recursive", len(recRows)).Int("agentic", len(agRows)).Msg("chunks committed")
	return len(recRows), len(agRows), nil
}

// RunEmbedding embeds every chunk of both variants with each model of the
// roster, one model at a time, releasing each model before loading the next.
// Returns the embedded-chunk count per model key.
func (p *Pipeline) RunEmbedding(ctx context.Context, sessionID int64) (map[string]int, error) {
	recChunks, err := p.store.GetRecursiveChunks(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	agChunks, err := p.store.GetAgenticChunks(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	type unit struct {
		chunkID int64
		variant string
		text    string
	}
	var units []unit
	for _, c := range recChunks {
		units = append(units, unit{chunkID: c.ID, variant: db.VariantRecursive, text: c.ChunkText})
	}
	for _, c := range agChunks {
		units = append(units, unit{chunkID: c.ID, variant: db.VariantAgentic, text: c.ChunkText})
	}
	if len(units) == 0 {
		return nil, fmt.Errorf("%w: no chunks for session %d", ErrPrecondition, sessionID)
	}

	texts := make([]string, len(units))
	for i, u := range units {
		texts[i] = u.text
	}

	counts := make(map[string]int, len(p.roster))
	for i, model := range p.roster {
		log.Info().Int64("session", sessionID).Str("model", model.Key).Int("chunks", len(texts)).Msg("embedding chunks")
		vectors, err := p.embedder.EmbedTexts(ctx, model, texts)
		if err != nil {
			return nil, err
		}

		rows := make([]db.Embedding, len(units))
		for j, u := range units {
			rows[j] = db.Embedding{
				ChunkID:      u.chunkID,
				ChunkVariant: u.variant,
				ChunkText:    u.text,
				Vector:       db.EncodeVector(vectors[j]),
			}
		}
		// The last model's commit advances the status in the same transaction.
		final := i == len(p.roster)-1
		if err := p.store.ReplaceModelEmbeddings(ctx, sessionID, model.Key, rows, final); err != nil {
			return nil, err
		}
		// One model resident at a time; release before the next load.
		p.embedder.Release(ctx, model)
		counts[model.Key] = len(rows)
	}
	return counts, nil
}

// ModelAnswer is the per-model outcome of one question in the RAG stage.
type ModelAnswer struct {
	Answer string          `json:"answer"`
	Chunks []ChunkSnapshot `json:"chunks"`
	Failed bool            `json:"failed"`
}

// QuestionResult groups the RAG stage output for one question.
type QuestionResult struct {
	QuestionNumber int                    `json:"question_number"`
	QuestionText   string                 `json:"question_text"`
	GoldenAnswer   string                 `json:"golden_answer"`
	ByModel        map[string]ModelAnswer `json:"by_model"`
}

// RunRAG retrieves top-K context and generates an answer per (question,
// model). A backend failure for one (question, model) unit records an empty
// answer for that unit and continues; it never aborts the stage.
func (p *Pipeline) RunRAG(ctx context.Context, sessionID int64, variant string, topK int, params config.LLMParams) ([]QuestionResult, error) {
	if topK <= 0 {
		topK = 5
	}

	candidatesByModel := make(map[string][]retrieve.Candidate, len(p.roster))
	loaded := 0
	for _, model := range p.roster {
		rows, err := p.store.GetEmbeddings(ctx, sessionID, model.Key, variant)
		if err != nil {
			return nil, err
		}
		candidates := make([]retrieve.Candidate, 0, len(rows))
		for _, row := range rows {
			vec, err := db.DecodeVector(row.Vector)
			if err != nil {
				return nil, fmt.Errorf("chunk %d model %s: %w", row.ChunkID, model.Key, err)
			}
			candidates = append(candidates, retrieve.Candidate{
				ChunkID: row.ChunkID,
				Variant: row.ChunkVariant,
				Text:    row.ChunkText,
				Vector:  vec,
			})
		}
		candidatesByModel[model.Key] = candidates
		loaded += len(candidates)
	}
	if loaded == 0 {
		return nil, fmt.Errorf("%w: no embeddings for session %d variant %s, run the embed stage first", ErrPrecondition, sessionID, variant)
	}

	questions, err := p.store.GetQuestions(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("%w: no questions for session %d, save a question set first", ErrPrecondition, sessionID)
	}

	var results []QuestionResult
	var rows []db.EvaluationResult
	for _, q := range questions {
		qr := QuestionResult{
			QuestionNumber: q.Number,
			QuestionText:   q.Text,
			GoldenAnswer:   q.GoldenAnswer,
			ByModel:        make(map[string]ModelAnswer, len(p.roster)),
		}

		for _, model := range p.roster {
			logger := log.With().Int64("session", sessionID).Int("question", q.Number).Str("model", model.Key).Logger()

			queryVec, err := p.embedder.EmbedQuery(ctx, model, q.Text)
			var ma ModelAnswer
			var prompt string
			if err != nil {
				logger.Error().Err(err).Msg("query embedding failed, recording failed unit")
				ma = ModelAnswer{Failed: true}
			} else {
				hits := retrieve.TopK(queryVec, candidatesByModel[model.Key], topK)
				snaps := make([]ChunkSnapshot, len(hits))
				for i, h := range hits {
					snaps[i] = ChunkSnapshot{
						Text:       h.Text,
						Similarity: math.Round(h.Similarity*10000) / 10000,
						Variant:    h.Variant,
					}
				}
				var answerText string
				answerText, prompt, err = p.answerer.Answer(ctx, params, q.Text, hits)
				if err != nil {
					logger.Error().Err(err).Msg("answer generation failed, recording failed unit")
					ma = ModelAnswer{Chunks: snaps, Failed: true}
				} else {
					ma = ModelAnswer{Answer: answerText, Chunks: snaps}
				}
			}
			qr.ByModel[model.Key] = ma

			chunksJSON, _ := json.Marshal(ma.Chunks)
			rows = append(rows, db.EvaluationResult{
				QuestionNumber:  q.Number,
				ModelKey:        model.Key,
				RetrievedChunks: string(chunksJSON),
				LLMAnswer:       ma.Answer,
				LLMPrompt:       prompt,
				GoldenAnswer:    q.GoldenAnswer,
			})
		}
		results = append(results, qr)
	}

	if err := p.store.CommitRAG(ctx, sessionID, variant, rows); err != nil {
		return nil, err
	}
	log.Info().Int64("session", sessionID).Str("variant", variant).Int("questions", len(questions)).Msg("rag results committed")
	return results, nil
}

// Evaluation is the judge outcome for one question, for display.
type Evaluation struct {
	QuestionNumber int               `json:"question_number"`
	QuestionText   string            `json:"question_text"`
	GoldenAnswer   string            `json:"golden_answer"`
	Answers        map[string]string `json:"answers"`
	Scores         map[string]*int   `json:"scores"`
	EvaluationText string            `json:"evaluation_text"`
}

// RunEvaluation scores the RAG answers of the chosen variant. One judge call
// per question covers all models; a failed call isolates to that question.
func (p *Pipeline) RunEvaluation(ctx context.Context, sessionID int64, variant string, params config.LLMParams) ([]Evaluation, error) {
	rows, err := p.store.GetEvaluationsByVariant(ctx, sessionID, variant)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no RAG results for session %d variant %s, run the rag stage first", ErrPrecondition, sessionID, variant)
	}

	byQuestion := make(map[int]map[string]db.EvaluationResult)
	var order []int
	for _, row := range rows {
		if byQuestion[row.QuestionNumber] == nil {
			byQuestion[row.QuestionNumber] = make(map[string]db.EvaluationResult)
			order = append(order, row.QuestionNumber)
		}
		byQuestion[row.QuestionNumber][row.ModelKey] = row
	}
	// rows arrive ordered by question number; order preserves the ordinal
	// sequence for both judging and persistence.

	questionText := make(map[int]string)
	if qs, err := p.store.GetQuestions(ctx, sessionID); err == nil {
		for _, q := range qs {
			questionText[q.Number] = q.Text
		}
	}

	var evaluations []Evaluation
	var updates []db.JudgeUpdate
	for _, qNum := range order {
		perModel := byQuestion[qNum]

		var golden string
		answers := make(map[string]string, len(perModel))
		for _, model := range p.roster {
			row, ok := perModel[model.Key]
			if !ok {
				continue
			}
			golden = row.GoldenAnswer
			answers[model.Key] = row.LLMAnswer
		}
		question := questionText[qNum]

		log.Info().Int64("session", sessionID).Int("question", qNum).Msg("judging answers")
		result, err := p.judge.Evaluate(ctx, params, question, golden, answers)
		if err != nil {
			log.Error().Err(err).Int("question", qNum).Msg("judge call failed, scores stay unset for this question")
			continue
		}

		ev := Evaluation{
			QuestionNumber: qNum,
			QuestionText:   question,
			GoldenAnswer:   golden,
			Answers:        answers,
			Scores:         make(map[string]*int, len(p.roster)),
			EvaluationText: result.EvaluationText,
		}
		for _, model := range p.roster {
			score := result.Scores[model.Key].Ptr()
			ev.Scores[model.Key] = score
			if _, ok := perModel[model.Key]; !ok {
				continue
			}
			updates = append(updates, db.JudgeUpdate{
				QuestionNumber: qNum,
				ModelKey:       model.Key,
				EvaluationText: result.EvaluationText,
				JudgePrompt:    result.Prompt,
				Score:          score,
			})
		}
		evaluations = append(evaluations, ev)
	}

	if err := p.store.CommitJudge(ctx, sessionID, variant, updates); err != nil {
		return nil, err
	}
	log.Info().Int64("session", sessionID).Int("questions", len(evaluations)).Msg("judge results committed")
	return evaluations, nil
}

// RunWER computes per-page word error rates against the reference corpus and
// returns the rows plus the average over pages that have a reference.
func (p *Pipeline) RunWER(ctx context.Context, sessionID int64) ([]db.WerResult, float64, error) {
	pages, err := p.store.GetPages(ctx, sessionID)
	if err != nil {
		return nil, 0, err
	}
	if len(pages) == 0 {
		return nil, 0, fmt.Errorf("%w: no OCR pages for session %d", ErrPrecondition, sessionID)
	}

	rows := make([]db.WerResult, 0, len(pages))
	var sum float64
	scored := 0
	for _, page := range pages {
		ref, ok := p.corpus.Lookup(page.PageNumber)
		if !ok {
			rows = append(rows, db.WerResult{
				PageNumber: page.PageNumber,
				OCRText:    page.OCRText,
				WERScore:   wer.NoReference,
			})
			continue
		}
		rate := wer.Compute(page.OCRText, ref)
		rows = append(rows, db.WerResult{
			PageNumber:    page.PageNumber,
			OCRText:       page.OCRText,
			ReferenceText: ref,
			WERScore:      rate,
		})
		sum += rate
		scored++
	}

	if err := p.store.CommitWER(ctx, sessionID, rows); err != nil {
		return nil, 0, err
	}

	avg := 0.0
	if scored > 0 {
		avg = math.Round(sum/float64(scored)*10000) / 10000
	}
	log.Info().Int64("session", sessionID).Int("pages", len(rows)).Int("scored", scored).Float64("avg_wer", avg).Msg("wer committed")
	return rows, avg, nil
}

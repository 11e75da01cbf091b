package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"ragbench/internal/chunker"
	"ragbench/internal/config"
	"ragbench/internal/db"
	"ragbench/internal/judge"
	"ragbench/internal/retrieve"
)

var testRoster = []config.EmbeddingModel{
	{Key: "4b", Model: "embed-4b", Label: "4B", Dim: 2},
	{Key: "8b", Model: "embed-8b", Label: "8B", Dim: 3},
}

var testChunking = config.ChunkingConfig{ChunkSize: 1300, ChunkOverlap: 30, AgenticMax: 1500}

// fakeStore keeps all session data in memory and records which stage commits
// ran, in order.
type fakeStore struct {
	session    *db.Session
	pages      []db.Page
	recChunks  []db.RecursiveChunk
	agChunks   []db.AgenticChunk
	embeddings map[string][]db.Embedding
	questions  []db.Question
	evals      []db.EvaluationResult
	judged     []db.JudgeUpdate
	werRows    []db.WerResult
	commits    []string
}

func newFakeStore(status string) *fakeStore {
	return &fakeStore{
		session:    &db.Session{ID: 1, Filename: "doc.pdf", Status: status},
		embeddings: make(map[string][]db.Embedding),
	}
}

func (f *fakeStore) GetSession(_ context.Context, id int64) (*db.Session, error) {
	if f.session == nil || f.session.ID != id {
		return nil, nil
	}
	return f.session, nil
}

func (f *fakeStore) CommitOCR(_ context.Context, _ int64, filename string, pages []db.Page) error {
	f.session.Filename = filename
	f.pages = pages
	f.recChunks, f.agChunks, f.evals, f.questions, f.werRows = nil, nil, nil, nil, nil
	f.embeddings = make(map[string][]db.Embedding)
	f.session.Status = db.StatusOCRDone
	f.commits = append(f.commits, "ocr")
	return nil
}

func (f *fakeStore) GetPages(_ context.Context, _ int64) ([]db.Page, error) {
	return f.pages, nil
}

func (f *fakeStore) CommitChunks(_ context.Context, _ int64, rec []db.RecursiveChunk, ag []db.AgenticChunk) error {
	for i := range rec {
		rec[i].ID = int64(i + 1)
	}
	for i := range ag {
		ag[i].ID = int64(100 + i + 1)
	}
	f.recChunks, f.agChunks = rec, ag
	f.session.Status = db.StatusChunked
	f.commits = append(f.commits, "chunk")
	return nil
}

func (f *fakeStore) GetRecursiveChunks(_ context.Context, _ int64) ([]db.RecursiveChunk, error) {
	return f.recChunks, nil
}

func (f *fakeStore) GetAgenticChunks(_ context.Context, _ int64) ([]db.AgenticChunk, error) {
	return f.agChunks, nil
}

func (f *fakeStore) ReplaceModelEmbeddings(_ context.Context, _ int64, modelKey string, rows []db.Embedding, final bool) error {
	f.embeddings[modelKey] = rows
	entry := "embed:" + modelKey
	if final {
		f.session.Status = db.StatusEmbedded
		entry += "+status"
	}
	f.commits = append(f.commits, entry)
	return nil
}

func (f *fakeStore) GetEmbeddings(_ context.Context, _ int64, modelKey, variant string) ([]db.Embedding, error) {
	var out []db.Embedding
	for _, row := range f.embeddings[modelKey] {
		if variant == db.VariantAll || variant == "" || row.ChunkVariant == variant {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeStore) GetQuestions(_ context.Context, _ int64) ([]db.Question, error) {
	return f.questions, nil
}

func (f *fakeStore) CommitRAG(_ context.Context, _ int64, variant string, rows []db.EvaluationResult) error {
	kept := f.evals[:0]
	for _, e := range f.evals {
		if e.ChunkVariant != variant {
			kept = append(kept, e)
		}
	}
	for i := range rows {
		rows[i].ChunkVariant = variant
	}
	f.evals = append(kept, rows...)
	f.session.Status = db.StatusRAGDone
	f.commits = append(f.commits, "rag")
	return nil
}

func (f *fakeStore) GetEvaluationsByVariant(_ context.Context, _ int64, variant string) ([]db.EvaluationResult, error) {
	var out []db.EvaluationResult
	for _, e := range f.evals {
		if e.ChunkVariant == variant {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) CommitJudge(_ context.Context, _ int64, _ string, updates []db.JudgeUpdate) error {
	f.judged = updates
	f.session.Status = db.StatusEvaluated
	f.commits = append(f.commits, "judge")
	return nil
}

func (f *fakeStore) CommitWER(_ context.Context, _ int64, rows []db.WerResult) error {
	f.werRows = rows
	f.session.Status = db.StatusWERDone
	f.commits = append(f.commits, "wer")
	return nil
}

func (f *fakeStore) stagesRun() []string {
	var stages []string
	for _, c := range f.commits {
		if !strings.HasPrefix(c, "embed:") {
			stages = append(stages, c)
		}
	}
	return stages
}

type fakeAgentic struct{}

func (fakeAgentic) ChunkPages(_ context.Context, pages []chunker.PageText, _ config.LLMParams) []chunker.Chunk {
	var out []chunker.Chunk
	for _, p := range pages {
		out = append(out, chunker.Chunk{PageNumber: p.PageNumber, Index: 0, Text: p.Text, Title: "t", Size: len(p.Text)})
	}
	return out
}

type fakeEmbedder struct {
	queryErr map[string]error
}

func (f *fakeEmbedder) vector(model config.EmbeddingModel, text string) []float32 {
	vec := make([]float32, model.Dim)
	vec[0] = float32(len(text))
	return vec
}

func (f *fakeEmbedder) EmbedTexts(_ context.Context, model config.EmbeddingModel, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(model, t)
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, model config.EmbeddingModel, text string) ([]float32, error) {
	if err := f.queryErr[model.Key]; err != nil {
		return nil, err
	}
	return f.vector(model, text), nil
}

func (f *fakeEmbedder) Release(_ context.Context, _ config.EmbeddingModel) {}

type fakeAnswerer struct {
	failFor string
}

func (f *fakeAnswerer) Answer(_ context.Context, _ config.LLMParams, question string, chunks []retrieve.Scored) (string, string, error) {
	if f.failFor != "" && question == f.failFor {
		return "", "prompt", errors.New("generation failed")
	}
	return "answer to " + question, "prompt for " + question, nil
}

type fakeJudger struct {
	failFor string
	calls   []string
}

func (f *fakeJudger) Evaluate(_ context.Context, _ config.LLMParams, question, _ string, answers map[string]string) (judge.Result, error) {
	f.calls = append(f.calls, question)
	if f.failFor != "" && question == f.failFor {
		return judge.Result{}, errors.New("judge failed")
	}
	scores := make(map[string]judge.ParsedScore, len(answers))
	for key := range answers {
		scores[key] = judge.ParsedScore{Value: 80, Valid: true}
	}
	return judge.Result{EvaluationText: "eval of " + question, Prompt: "judge prompt", Scores: scores}, nil
}

type fakeCorpus map[int]string

func (f fakeCorpus) Lookup(page int) (string, bool) {
	ref, ok := f[page]
	return ref, ok
}

func newTestPipeline(store *fakeStore) (*Pipeline, *fakeJudger) {
	judger := &fakeJudger{}
	p := New(store, testRoster, testChunking, fakeAgentic{}, &fakeEmbedder{}, &fakeAnswerer{}, judger,
		fakeCorpus{1: "reference page one", 2: "reference page two"})
	return p, judger
}

// seed fills the store as if the pipeline had run through the given stage.
func seed(store *fakeStore, through Stage) {
	ctx := context.Background()
	store.pages = []db.Page{
		{ID: 1, SessionID: 1, PageNumber: 1, OCRText: "reference page one"},
		{ID: 2, SessionID: 1, PageNumber: 2, OCRText: "totally different words"},
		{ID: 3, SessionID: 1, PageNumber: 3, OCRText: "page without ground truth"},
	}
	store.questions = []db.Question{
		{Number: 1, Text: "what is page one", GoldenAnswer: "golden one"},
		{Number: 2, Text: "what is page two", GoldenAnswer: "golden two"},
	}
	store.session.Status = db.StatusOCRDone

	p, _ := newTestPipeline(store)
	if through >= StageChunk {
		if _, _, err := p.RunChunking(ctx, 1, config.LLMParams{}); err != nil {
			panic(err)
		}
	}
	if through >= StageEmbed {
		if _, err := p.RunEmbedding(ctx, 1); err != nil {
			panic(err)
		}
	}
	if through >= StageRAG {
		if _, err := p.RunRAG(ctx, 1, db.VariantRecursive, 5, config.LLMParams{}); err != nil {
			panic(err)
		}
	}
	if through >= StageEvaluate {
		if _, err := p.RunEvaluation(ctx, 1, db.VariantRecursive, config.LLMParams{}); err != nil {
			panic(err)
		}
	}
	store.commits = nil
}

func TestRunSkipsCompletedStages(t *testing.T) {
	t.Run("fresh session runs everything", func(t *testing.T) {
		store := newFakeStore(db.StatusOCRDone)
		seed(store, StageOCR)
		p, _ := newTestPipeline(store)

		if err := p.Run(context.Background(), 1, RunOptions{TopK: 5}); err != nil {
			t.Fatalf("Run: %v", err)
		}
		want := []string{"chunk", "rag", "judge", "wer"}
		got := store.stagesRun()
		for i, stage := range want {
			if i >= len(got) || got[i] != stage {
				t.Fatalf("stages = %v, want %v", got, want)
			}
		}
		if store.session.Status != db.StatusWERDone {
			t.Errorf("final status = %q, want wer_done", store.session.Status)
		}
	})

	t.Run("evaluated session only runs wer", func(t *testing.T) {
		store := newFakeStore(db.StatusOCRDone)
		seed(store, StageEvaluate)
		p, _ := newTestPipeline(store)

		if err := p.Run(context.Background(), 1, RunOptions{TopK: 5}); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if got := store.stagesRun(); len(got) != 1 || got[0] != "wer" {
			t.Errorf("stages = %v, want [wer]", got)
		}
	})

	t.Run("finished session is a no-op", func(t *testing.T) {
		store := newFakeStore(db.StatusOCRDone)
		seed(store, StageEvaluate)
		store.session.Status = db.StatusWERDone
		p, _ := newTestPipeline(store)

		if err := p.Run(context.Background(), 1, RunOptions{TopK: 5}); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if got := store.stagesRun(); len(got) != 0 {
			t.Errorf("stages = %v, want none", got)
		}
	})
}

func TestRunOverride(t *testing.T) {
	t.Run("re-runs from the named stage leaving earlier data untouched", func(t *testing.T) {
		store := newFakeStore(db.StatusOCRDone)
		seed(store, StageEvaluate)
		chunksBefore := len(store.recChunks)
		p, _ := newTestPipeline(store)

		err := p.Run(context.Background(), 1, RunOptions{Override: true, FromStage: StageRAG, TopK: 5})
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		got := store.stagesRun()
		want := []string{"rag", "judge", "wer"}
		if len(got) != len(want) {
			t.Fatalf("stages = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("stages = %v, want %v", got, want)
			}
		}
		if len(store.recChunks) != chunksBefore {
			t.Errorf("chunk data changed by an override from rag")
		}
	})

	t.Run("override validates stage inputs", func(t *testing.T) {
		store := newFakeStore(db.StatusOCRDone)
		seed(store, StageOCR)
		p, _ := newTestPipeline(store)

		// No chunks exist, so overriding straight into embed must fail fast.
		err := p.Run(context.Background(), 1, RunOptions{Override: true, FromStage: StageEmbed, TopK: 5})
		if !errors.Is(err, ErrPrecondition) {
			t.Fatalf("err = %v, want ErrPrecondition", err)
		}
		var stageErr *StageError
		if !errors.As(err, &stageErr) || stageErr.Stage != StageEmbed {
			t.Errorf("err = %v, want StageError for embed", err)
		}
	})
}

func TestRunPreconditions(t *testing.T) {
	t.Run("unknown session", func(t *testing.T) {
		store := newFakeStore(db.StatusOCRDone)
		p, _ := newTestPipeline(store)
		if err := p.Run(context.Background(), 99, RunOptions{}); err == nil {
			t.Error("expected error for unknown session")
		}
	})

	t.Run("session without OCR pages", func(t *testing.T) {
		store := newFakeStore(db.StatusUploading)
		p, _ := newTestPipeline(store)
		err := p.Run(context.Background(), 1, RunOptions{})
		if !errors.Is(err, ErrPrecondition) {
			t.Errorf("err = %v, want ErrPrecondition", err)
		}
	})
}

func TestRunEmbedding(t *testing.T) {
	store := newFakeStore(db.StatusOCRDone)
	seed(store, StageChunk)
	p, _ := newTestPipeline(store)

	counts, err := p.RunEmbedding(context.Background(), 1)
	if err != nil {
		t.Fatalf("RunEmbedding: %v", err)
	}

	total := len(store.recChunks) + len(store.agChunks)
	for _, m := range testRoster {
		if counts[m.Key] != total {
			t.Errorf("model %s embedded %d chunks, want %d", m.Key, counts[m.Key], total)
		}
		rows := store.embeddings[m.Key]
		if len(rows) != total {
			t.Fatalf("model %s stored %d rows, want %d", m.Key, len(rows), total)
		}
		for _, row := range rows {
			if len(row.Vector) != 4*m.Dim {
				t.Errorf("model %s vector blob = %d bytes, want %d", m.Key, len(row.Vector), 4*m.Dim)
			}
		}
	}
	if store.session.Status != db.StatusEmbedded {
		t.Errorf("status = %q, want embedded", store.session.Status)
	}

	// The status advance rides on the last model's commit, never a separate
	// write.
	var embedCommits []string
	for _, c := range store.commits {
		if strings.HasPrefix(c, "embed:") || strings.HasPrefix(c, "status:") {
			embedCommits = append(embedCommits, c)
		}
	}
	wantCommits := []string{"embed:4b", "embed:8b+status"}
	if len(embedCommits) != len(wantCommits) {
		t.Fatalf("embed commits = %v, want %v", embedCommits, wantCommits)
	}
	for i := range wantCommits {
		if embedCommits[i] != wantCommits[i] {
			t.Fatalf("embed commits = %v, want %v", embedCommits, wantCommits)
		}
	}
}

func TestRunRAG(t *testing.T) {
	t.Run("one row per question and model", func(t *testing.T) {
		store := newFakeStore(db.StatusOCRDone)
		seed(store, StageEmbed)
		p, _ := newTestPipeline(store)

		results, err := p.RunRAG(context.Background(), 1, db.VariantRecursive, 2, config.LLMParams{})
		if err != nil {
			t.Fatalf("RunRAG: %v", err)
		}
		if len(results) != 2 {
			t.Fatalf("got %d question results, want 2", len(results))
		}
		if len(store.evals) != len(store.questions)*len(testRoster) {
			t.Errorf("stored %d rows, want %d", len(store.evals), len(store.questions)*len(testRoster))
		}
		for _, r := range results {
			for _, m := range testRoster {
				ma, ok := r.ByModel[m.Key]
				if !ok {
					t.Fatalf("question %d missing model %s", r.QuestionNumber, m.Key)
				}
				if ma.Failed || ma.Answer == "" {
					t.Errorf("question %d model %s: unexpected failure", r.QuestionNumber, m.Key)
				}
				if len(ma.Chunks) == 0 || len(ma.Chunks) > 2 {
					t.Errorf("question %d model %s: %d chunks, want 1..2", r.QuestionNumber, m.Key, len(ma.Chunks))
				}
			}
		}
	})

	t.Run("a failed unit does not abort the stage", func(t *testing.T) {
		store := newFakeStore(db.StatusOCRDone)
		seed(store, StageEmbed)
		judger := &fakeJudger{}
		p := New(store, testRoster, testChunking, fakeAgentic{}, &fakeEmbedder{},
			&fakeAnswerer{failFor: "what is page one"}, judger, fakeCorpus{})

		results, err := p.RunRAG(context.Background(), 1, db.VariantRecursive, 2, config.LLMParams{})
		if err != nil {
			t.Fatalf("RunRAG: %v", err)
		}
		for _, r := range results {
			for key, ma := range r.ByModel {
				if r.QuestionNumber == 1 && !ma.Failed {
					t.Errorf("question 1 model %s should be marked failed", key)
				}
				if r.QuestionNumber == 2 && ma.Failed {
					t.Errorf("question 2 model %s should have succeeded", key)
				}
			}
		}
		if store.session.Status != db.StatusRAGDone {
			t.Errorf("status = %q, want rag_done despite failed units", store.session.Status)
		}
	})

	t.Run("missing embeddings is a precondition error", func(t *testing.T) {
		store := newFakeStore(db.StatusOCRDone)
		seed(store, StageChunk)
		p, _ := newTestPipeline(store)
		_, err := p.RunRAG(context.Background(), 1, db.VariantRecursive, 5, config.LLMParams{})
		if !errors.Is(err, ErrPrecondition) {
			t.Errorf("err = %v, want ErrPrecondition", err)
		}
	})

	t.Run("missing questions is a precondition error", func(t *testing.T) {
		store := newFakeStore(db.StatusOCRDone)
		seed(store, StageEmbed)
		store.questions = nil
		p, _ := newTestPipeline(store)
		_, err := p.RunRAG(context.Background(), 1, db.VariantRecursive, 5, config.LLMParams{})
		if !errors.Is(err, ErrPrecondition) {
			t.Errorf("err = %v, want ErrPrecondition", err)
		}
	})
}

func TestRunEvaluation(t *testing.T) {
	t.Run("one judge call per question", func(t *testing.T) {
		store := newFakeStore(db.StatusOCRDone)
		seed(store, StageRAG)
		judger := &fakeJudger{}
		p := New(store, testRoster, testChunking, fakeAgentic{}, &fakeEmbedder{}, &fakeAnswerer{}, judger,
			fakeCorpus{})

		evaluations, err := p.RunEvaluation(context.Background(), 1, db.VariantRecursive, config.LLMParams{})
		if err != nil {
			t.Fatalf("RunEvaluation: %v", err)
		}
		if len(judger.calls) != 2 {
			t.Errorf("judge called %d times, want 2", len(judger.calls))
		}
		if len(evaluations) != 2 {
			t.Fatalf("got %d evaluations, want 2", len(evaluations))
		}
		for _, ev := range evaluations {
			for _, m := range testRoster {
				if ev.Scores[m.Key] == nil || *ev.Scores[m.Key] != 80 {
					t.Errorf("question %d model %s score = %v, want 80", ev.QuestionNumber, m.Key, ev.Scores[m.Key])
				}
			}
		}
		if len(store.judged) != 2*len(testRoster) {
			t.Errorf("persisted %d judge updates, want %d", len(store.judged), 2*len(testRoster))
		}
		if store.session.Status != db.StatusEvaluated {
			t.Errorf("status = %q, want evaluated", store.session.Status)
		}
	})

	t.Run("a failed judge call isolates to its question", func(t *testing.T) {
		store := newFakeStore(db.StatusOCRDone)
		seed(store, StageRAG)
		judger := &fakeJudger{failFor: "what is page one"}
		p := New(store, testRoster, testChunking, fakeAgentic{}, &fakeEmbedder{}, &fakeAnswerer{}, judger,
			fakeCorpus{})

		evaluations, err := p.RunEvaluation(context.Background(), 1, db.VariantRecursive, config.LLMParams{})
		if err != nil {
			t.Fatalf("RunEvaluation: %v", err)
		}
		if len(evaluations) != 1 || evaluations[0].QuestionNumber != 2 {
			t.Errorf("evaluations = %+v, want only question 2", evaluations)
		}
		if len(store.judged) != len(testRoster) {
			t.Errorf("persisted %d judge updates, want %d", len(store.judged), len(testRoster))
		}
	})

	t.Run("no RAG results is a precondition error", func(t *testing.T) {
		store := newFakeStore(db.StatusOCRDone)
		seed(store, StageEmbed)
		p, _ := newTestPipeline(store)
		_, err := p.RunEvaluation(context.Background(), 1, db.VariantRecursive, config.LLMParams{})
		if !errors.Is(err, ErrPrecondition) {
			t.Errorf("err = %v, want ErrPrecondition", err)
		}
	})
}

func TestRunWER(t *testing.T) {
	store := newFakeStore(db.StatusOCRDone)
	seed(store, StageOCR)
	p, _ := newTestPipeline(store)

	rows, avg, err := p.RunWER(context.Background(), 1)
	if err != nil {
		t.Fatalf("RunWER: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}

	byPage := make(map[int]db.WerResult, len(rows))
	for _, r := range rows {
		byPage[r.PageNumber] = r
	}
	if byPage[1].WERScore != 0 {
		t.Errorf("page 1 WER = %v, want 0 (exact match)", byPage[1].WERScore)
	}
	if byPage[2].WERScore <= 0 {
		t.Errorf("page 2 WER = %v, want > 0", byPage[2].WERScore)
	}
	if byPage[3].WERScore != -1.0 {
		t.Errorf("page 3 WER = %v, want -1 sentinel", byPage[3].WERScore)
	}

	wantAvg := byPage[2].WERScore / 2
	if diff := avg - wantAvg; diff > 0.0001 || diff < -0.0001 {
		t.Errorf("average = %v, want %v over the two scored pages", avg, wantAvg)
	}
	if store.session.Status != db.StatusWERDone {
		t.Errorf("status = %q, want wer_done", store.session.Status)
	}
}

func TestParseSnapshots(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		raw := `[{"text":"chunk a","sim":0.9123,"type":"recursive"},{"text":"chunk b","sim":0.5,"type":"agentic"}]`
		snaps := ParseSnapshots(raw)
		if len(snaps) != 2 {
			t.Fatalf("got %d snapshots, want 2", len(snaps))
		}
		if snaps[0].Text != "chunk a" || snaps[0].Similarity != 0.9123 || snaps[0].Variant != "recursive" {
			t.Errorf("snapshot 0 = %+v", snaps[0])
		}
	})

	t.Run("empty and malformed input yield nil", func(t *testing.T) {
		if got := ParseSnapshots(""); got != nil {
			t.Errorf("ParseSnapshots(empty) = %v", got)
		}
		if got := ParseSnapshots("{not json"); got != nil {
			t.Errorf("ParseSnapshots(malformed) = %v", got)
		}
	})
}

func TestParseStage(t *testing.T) {
	for name, want := range map[string]Stage{
		"chunk": StageChunk, "embed": StageEmbed, "rag": StageRAG, "evaluate": StageEvaluate, "wer": StageWER,
	} {
		got, err := ParseStage(name)
		if err != nil || got != want {
			t.Errorf("ParseStage(%q) = (%v, %v), want %v", name, got, err, want)
		}
	}
	for _, bad := range []string{"ocr", "", "upload"} {
		if _, err := ParseStage(bad); err == nil {
			t.Errorf("ParseStage(%q) should fail", bad)
		}
	}
}

func TestStageString(t *testing.T) {
	for stage, want := range map[Stage]string{
		StageOCR: "ocr", StageChunk: "chunk", StageEmbed: "embed",
		StageRAG: "rag", StageEvaluate: "evaluate", StageWER: "wer",
	} {
		if got := stage.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", stage, got, want)
		}
	}
	if fmt.Sprint(Stage(0)) != "unknown" {
		t.Error("zero stage should print unknown")
	}
}

// Package pipeline orchestrates the benchmark stages per document session.
// Stages run strictly in order, each committing its outputs and the status
// advance atomically; a failed stage leaves the session at its last completed
// state and its partial artifacts are discarded.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"ragbench/internal/chunker"
	"ragbench/internal/config"
	"ragbench/internal/db"
	"ragbench/internal/judge"
	"ragbench/internal/retrieve"
)

// Stage identifies one pipeline stage, in execution order.
type Stage int

const (
	StageOCR Stage = iota + 1
	StageChunk
	StageEmbed
	StageRAG
	StageEvaluate
	StageWER
)

func (s Stage) String() string {
	switch s {
	case StageOCR:
		return "ocr"
	case StageChunk:
		return "chunk"
	case StageEmbed:
		return "embed"
	case StageRAG:
		return "rag"
	case StageEvaluate:
		return "evaluate"
	case StageWER:
		return "wer"
	}
	return "unknown"
}

// ParseStage resolves a stage name from an API request. OCR is not accepted:
// it only runs through the upload path.
func ParseStage(name string) (Stage, error) {
	switch name {
	case "chunk":
		return StageChunk, nil
	case "embed":
		return StageEmbed, nil
	case "rag":
		return StageRAG, nil
	case "evaluate":
		return StageEvaluate, nil
	case "wer":
		return StageWER, nil
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

// doneStatus is the session status recorded when the stage completes.
func (s Stage) doneStatus() string {
	switch s {
	case StageOCR:
		return db.StatusOCRDone
	case StageChunk:
		return db.StatusChunked
	case StageEmbed:
		return db.StatusEmbedded
	case StageRAG:
		return db.StatusRAGDone
	case StageEvaluate:
		return db.StatusEvaluated
	case StageWER:
		return db.StatusWERDone
	}
	return ""
}

// statusRank maps a session status onto the index of the last completed
// stage. The status column is the single source of truth for completion.
func statusRank(status string) int {
	switch status {
	case db.StatusOCRDone:
		return int(StageOCR)
	case db.StatusChunked:
		return int(StageChunk)
	case db.StatusEmbedded:
		return int(StageEmbed)
	case db.StatusRAGDone:
		return int(StageRAG)
	case db.StatusEvaluated:
		return int(StageEvaluate)
	case db.StatusWERDone:
		return int(StageWER)
	}
	return 0
}

// ErrPrecondition marks a stage whose required inputs do not exist. It is a
// configuration error: the stage is not attempted and the caller must produce
// the inputs first (or stop overriding past them).
var ErrPrecondition = errors.New("stage precondition not met")

// StageError reports which stage failed and why.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Store is the persistence surface the pipeline needs. *db.Store implements
// it.
type Store interface {
	GetSession(ctx context.Context, id int64) (*db.Session, error)
	CommitOCR(ctx context.Context, sessionID int64, filename string, pages []db.Page) error
	GetPages(ctx context.Context, sessionID int64) ([]db.Page, error)
	CommitChunks(ctx context.Context, sessionID int64, rec []db.RecursiveChunk, ag []db.AgenticChunk) error
	GetRecursiveChunks(ctx context.Context, sessionID int64) ([]db.RecursiveChunk, error)
	GetAgenticChunks(ctx context.Context, sessionID int64) ([]db.AgenticChunk, error)
	ReplaceModelEmbeddings(ctx context.Context, sessionID int64, modelKey string, rows []db.Embedding, final bool) error
	GetEmbeddings(ctx context.Context, sessionID int64, modelKey, variant string) ([]db.Embedding, error)
	GetQuestions(ctx context.Context, sessionID int64) ([]db.Question, error)
	CommitRAG(ctx context.Context, sessionID int64, variant string, rows []db.EvaluationResult) error
	GetEvaluationsByVariant(ctx context.Context, sessionID int64, variant string) ([]db.EvaluationResult, error)
	CommitJudge(ctx context.Context, sessionID int64, variant string, updates []db.JudgeUpdate) error
	CommitWER(ctx context.Context, sessionID int64, rows []db.WerResult) error
}

// AgenticChunker produces the LLM-driven chunk variant.
type AgenticChunker interface {
	ChunkPages(ctx context.Context, pages []chunker.PageText, params config.LLMParams) []chunker.Chunk
}

// Embedder embeds texts one model at a time with explicit release in between.
type Embedder interface {
	EmbedTexts(ctx context.Context, model config.EmbeddingModel, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, model config.EmbeddingModel, text string) ([]float32, error)
	Release(ctx context.Context, model config.EmbeddingModel)
}

// Answerer generates one answer per (question, model).
type Answerer interface {
	Answer(ctx context.Context, params config.LLMParams, question string, chunks []retrieve.Scored) (answerText, prompt string, err error)
}

// Judger scores all candidate answers for a question in one call.
type Judger interface {
	Evaluate(ctx context.Context, params config.LLMParams, question, goldenAnswer string, answers map[string]string) (judge.Result, error)
}

// ReferenceCorpus resolves ground-truth transcripts per page.
type ReferenceCorpus interface {
	Lookup(pageNumber int) (string, bool)
}

// Pipeline wires the stage runners to their collaborators. All state is
// session-scoped and passed explicitly; the pipeline itself is stateless and
// safe to share across sessions.
type Pipeline struct {
	store    Store
	roster   []config.EmbeddingModel
	chunking config.ChunkingConfig
	agentic  AgenticChunker
	embedder Embedder
	answerer Answerer
	judge    Judger
	corpus   ReferenceCorpus
}

func New(store Store, roster []config.EmbeddingModel, chunking config.ChunkingConfig,
	agentic AgenticChunker, embedder Embedder, answerer Answerer, judger Judger, corpus ReferenceCorpus) *Pipeline {
	return &Pipeline{
		store:    store,
		roster:   roster,
		chunking: chunking,
		agentic:  agentic,
		embedder: embedder,
		answerer: answerer,
		judge:    judger,
		corpus:   corpus,
	}
}

// RunOptions controls a full pipeline run.
type RunOptions struct {
	// Override forces re-execution from FromStage onward regardless of
	// recorded completion. Stages before FromStage are treated as satisfied,
	// but each overridden stage still validates that its inputs exist before
	// running.
	Override  bool
	FromStage Stage
	Variant   string
	TopK      int
	LLM       config.LLMParams
}

// runnable stages of a full run. OCR happens at upload time and is a
// prerequisite here, not a re-runnable stage.
var runStages = []Stage{StageChunk, StageEmbed, StageRAG, StageEvaluate, StageWER}

// Run executes the pipeline for a session. In skip mode every stage already
// covered by the session status is skipped; in override mode stages from
// FromStage onward run unconditionally.
func (p *Pipeline) Run(ctx context.Context, sessionID int64, opts RunOptions) error {
	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session %d not found", sessionID)
	}
	if statusRank(sess.Status) < int(StageOCR) {
		return &StageError{Stage: StageChunk, Err: fmt.Errorf("%w: session has no OCR pages yet", ErrPrecondition)}
	}
	if opts.Variant == "" {
		opts.Variant = db.VariantRecursive
	}

	runID := uuid.NewString()
	logger := log.With().Str("run_id", runID).Int64("session", sessionID).Logger()
	logger.Info().Str("status", sess.Status).Bool("override", opts.Override).Msg("pipeline run starting")

	completed := statusRank(sess.Status)
	for _, stage := range runStages {
		skip := false
		if opts.Override {
			skip = stage < opts.FromStage
		} else {
			skip = int(stage) <= completed
		}
		if skip {
			logger.Info().Str("stage", stage.String()).Msg("stage already satisfied, skipping")
			continue
		}

		logger.Info().Str("stage", stage.String()).Msg("stage starting")
		if err := p.runStage(ctx, sessionID, stage, opts); err != nil {
			logger.Error().Err(err).Str("stage", stage.String()).Msg("stage failed")
			return &StageError{Stage: stage, Err: err}
		}
		logger.Info().Str("stage", stage.String()).Msg("stage done")
	}
	return nil
}

func (p *Pipeline) runStage(ctx context.Context, sessionID int64, stage Stage, opts RunOptions) error {
	switch stage {
	case StageChunk:
		_, _, err := p.RunChunking(ctx, sessionID, opts.LLM)
		return err
	case StageEmbed:
		_, err := p.RunEmbedding(ctx, sessionID)
		return err
	case StageRAG:
		_, err := p.RunRAG(ctx, sessionID, opts.Variant, opts.TopK, opts.LLM)
		return err
	case StageEvaluate:
		_, err := p.RunEvaluation(ctx, sessionID, opts.Variant, opts.LLM)
		return err
	case StageWER:
		_, _, err := p.RunWER(ctx, sessionID)
		return err
	}
	return fmt.Errorf("unknown stage %d", stage)
}

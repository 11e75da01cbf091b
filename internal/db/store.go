package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
)

// Store wraps the bun handle with session-scoped operations. Every write that
// regenerates a scope (chunks of a session, embeddings of a model, question
// set, ...) is a replace-scope transaction: delete-all-for-scope then insert,
// committed together with the status advance of the stage that produced it.
type Store struct {
	db *bun.DB
}

func NewStore(db *bun.DB) *Store {
	return &Store{db: db}
}

// ---- sessions ----

func (s *Store) CreateSession(ctx context.Context, filename string) (*Session, error) {
	sess := &Session{Filename: filename, Status: StatusUploading}
	if _, err := s.db.NewInsert().Model(sess).Exec(ctx); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *Store) GetSession(ctx context.Context, id int64) (*Session, error) {
	sess := new(Session)
	err := s.db.NewSelect().Model(sess).Where("s.id = ?", id).Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %d: %w", id, err)
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	err := s.db.NewSelect().Model(&sessions).OrderExpr("s.id DESC").Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// DeleteSession removes the session and every row scoped to it.
func (s *Store) DeleteSession(ctx context.Context, id int64) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := deleteDerived(ctx, tx, id, true); err != nil {
			return err
		}
		if _, err := tx.NewDelete().Model((*WerResult)(nil)).Where("session_id = ?", id).Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewDelete().Model((*Session)(nil)).Where("id = ?", id).Exec(ctx)
		return err
	})
}

// deleteDerived clears everything OCR produced or that depends on it.
// Questions are only dropped when withQuestions is set (session delete and
// upload override; a plain stage re-run keeps them).
func deleteDerived(ctx context.Context, tx bun.Tx, sessionID int64, withQuestions bool) error {
	models := []interface{}{
		(*Page)(nil),
		(*RecursiveChunk)(nil),
		(*AgenticChunk)(nil),
		(*Embedding)(nil),
		(*EvaluationResult)(nil),
	}
	if withQuestions {
		models = append(models, (*Question)(nil))
	}
	for _, m := range models {
		if _, err := tx.NewDelete().Model(m).Where("session_id = ?", sessionID).Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ---- OCR stage ----

// CommitOCR atomically replaces the session's pages (and, on a re-upload, all
// stale derived rows) and advances the session to ocr_done. Nothing is written
// when OCR itself failed upstream.
func (s *Store) CommitOCR(ctx context.Context, sessionID int64, filename string, pages []Page) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := deleteDerived(ctx, tx, sessionID, true); err != nil {
			return err
		}
		if _, err := tx.NewDelete().Model((*WerResult)(nil)).Where("session_id = ?", sessionID).Exec(ctx); err != nil {
			return err
		}
		for i := range pages {
			pages[i].SessionID = sessionID
		}
		if len(pages) > 0 {
			if _, err := tx.NewInsert().Model(&pages).Exec(ctx); err != nil {
				return err
			}
		}
		_, err := tx.NewUpdate().Model((*Session)(nil)).
			Set("filename = ?", filename).
			Set("total_pages = ?", len(pages)).
			Set("status = ?", StatusOCRDone).
			Where("id = ?", sessionID).
			Exec(ctx)
		return err
	})
}

func (s *Store) GetPages(ctx context.Context, sessionID int64) ([]Page, error) {
	var pages []Page
	err := s.db.NewSelect().Model(&pages).
		Where("session_id = ?", sessionID).
		OrderExpr("page_number ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("get pages: %w", err)
	}
	return pages, nil
}

// ---- chunk stage ----

// CommitChunks replaces both chunk variants for the session and advances the
// status to chunked.
func (s *Store) CommitChunks(ctx context.Context, sessionID int64, rec []RecursiveChunk, ag []AgenticChunk) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*RecursiveChunk)(nil)).Where("session_id = ?", sessionID).Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewDelete().Model((*AgenticChunk)(nil)).Where("session_id = ?", sessionID).Exec(ctx); err != nil {
			return err
		}
		for i := range rec {
			rec[i].SessionID = sessionID
		}
		for i := range ag {
			ag[i].SessionID = sessionID
		}
		if len(rec) > 0 {
			if _, err := tx.NewInsert().Model(&rec).Exec(ctx); err != nil {
				return err
			}
		}
		if len(ag) > 0 {
			if _, err := tx.NewInsert().Model(&ag).Exec(ctx); err != nil {
				return err
			}
		}
		_, err := tx.NewUpdate().Model((*Session)(nil)).
			Set("status = ?", StatusChunked).
			Where("id = ?", sessionID).
			Exec(ctx)
		return err
	})
}

func (s *Store) GetRecursiveChunks(ctx context.Context, sessionID int64) ([]RecursiveChunk, error) {
	var chunks []RecursiveChunk
	err := s.db.NewSelect().Model(&chunks).
		Where("session_id = ?", sessionID).
		OrderExpr("id ASC").
		Scan(ctx)
	return chunks, err
}

func (s *Store) GetAgenticChunks(ctx context.Context, sessionID int64) ([]AgenticChunk, error) {
	var chunks []AgenticChunk
	err := s.db.NewSelect().Model(&chunks).
		Where("session_id = ?", sessionID).
		OrderExpr("id ASC").
		Scan(ctx)
	return chunks, err
}

func (s *Store) CountChunks(ctx context.Context, sessionID int64) (rec int, ag int, err error) {
	rec, err = s.db.NewSelect().Model((*RecursiveChunk)(nil)).Where("session_id = ?", sessionID).Count(ctx)
	if err != nil {
		return 0, 0, err
	}
	ag, err = s.db.NewSelect().Model((*AgenticChunk)(nil)).Where("session_id = ?", sessionID).Count(ctx)
	return rec, ag, err
}

// ---- embed stage ----

// ReplaceModelEmbeddings clears and regenerates all vectors of one model for
// the session. A model's vectors are never partially overwritten. When final
// is set the session status advances to embedded in the same transaction, so
// the last model's vectors and the status move together.
func (s *Store) ReplaceModelEmbeddings(ctx context.Context, sessionID int64, modelKey string, rows []Embedding, final bool) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*Embedding)(nil)).
			Where("session_id = ? AND model_key = ?", sessionID, modelKey).
			Exec(ctx); err != nil {
			return err
		}
		for i := range rows {
			rows[i].SessionID = sessionID
			rows[i].ModelKey = modelKey
		}
		if len(rows) > 0 {
			if _, err := tx.NewInsert().Model(&rows).Exec(ctx); err != nil {
				return err
			}
		}
		if !final {
			return nil
		}
		_, err := tx.NewUpdate().Model((*Session)(nil)).
			Set("status = ?", StatusEmbedded).
			Where("id = ?", sessionID).
			Exec(ctx)
		return err
	})
}

// GetEmbeddings returns embeddings for one model, optionally filtered to a
// chunk variant (VariantAll returns both), in insertion order.
func (s *Store) GetEmbeddings(ctx context.Context, sessionID int64, modelKey, variant string) ([]Embedding, error) {
	var rows []Embedding
	q := s.db.NewSelect().Model(&rows).
		Where("session_id = ? AND model_key = ?", sessionID, modelKey).
		OrderExpr("id ASC")
	if variant != VariantAll && variant != "" {
		q = q.Where("chunk_variant = ?", variant)
	}
	err := q.Scan(ctx)
	return rows, err
}

// ---- questions ----

// ReplaceQuestions swaps the whole question set; ordinals from the caller are
// kept as given.
func (s *Store) ReplaceQuestions(ctx context.Context, sessionID int64, qs []Question) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*Question)(nil)).Where("session_id = ?", sessionID).Exec(ctx); err != nil {
			return err
		}
		for i := range qs {
			qs[i].SessionID = sessionID
		}
		if len(qs) == 0 {
			return nil
		}
		_, err := tx.NewInsert().Model(&qs).Exec(ctx)
		return err
	})
}

func (s *Store) GetQuestions(ctx context.Context, sessionID int64) ([]Question, error) {
	var qs []Question
	err := s.db.NewSelect().Model(&qs).
		Where("session_id = ?", sessionID).
		OrderExpr("question_number ASC").
		Scan(ctx)
	return qs, err
}

// ---- RAG stage ----

// CommitRAG replaces all answer rows for the chunk variant and advances the
// status to rag_done.
func (s *Store) CommitRAG(ctx context.Context, sessionID int64, variant string, rows []EvaluationResult) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*EvaluationResult)(nil)).
			Where("session_id = ? AND chunk_variant = ?", sessionID, variant).
			Exec(ctx); err != nil {
			return err
		}
		for i := range rows {
			rows[i].SessionID = sessionID
			rows[i].ChunkVariant = variant
		}
		if len(rows) > 0 {
			if _, err := tx.NewInsert().Model(&rows).Exec(ctx); err != nil {
				return err
			}
		}
		_, err := tx.NewUpdate().Model((*Session)(nil)).
			Set("status = ?", StatusRAGDone).
			Where("id = ?", sessionID).
			Exec(ctx)
		return err
	})
}

func (s *Store) GetEvaluations(ctx context.Context, sessionID int64) ([]EvaluationResult, error) {
	var rows []EvaluationResult
	err := s.db.NewSelect().Model(&rows).
		Where("session_id = ?", sessionID).
		OrderExpr("question_number ASC, model_key ASC").
		Scan(ctx)
	return rows, err
}

func (s *Store) GetEvaluationsByVariant(ctx context.Context, sessionID int64, variant string) ([]EvaluationResult, error) {
	var rows []EvaluationResult
	err := s.db.NewSelect().Model(&rows).
		Where("session_id = ? AND chunk_variant = ?", sessionID, variant).
		OrderExpr("question_number ASC, model_key ASC").
		Scan(ctx)
	return rows, err
}

// JudgeUpdate carries the judge output for one (question, model) row.
type JudgeUpdate struct {
	QuestionNumber int
	ModelKey       string
	EvaluationText string
	JudgePrompt    string
	Score          *int
}

// CommitJudge writes all judge results for the variant and advances the status
// to evaluated, in one transaction.
func (s *Store) CommitJudge(ctx context.Context, sessionID int64, variant string, updates []JudgeUpdate) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, u := range updates {
			if _, err := tx.NewUpdate().Model((*EvaluationResult)(nil)).
				Set("evaluation_text = ?", u.EvaluationText).
				Set("judge_prompt = ?", u.JudgePrompt).
				Set("evaluation_score = ?", u.Score).
				Where("session_id = ? AND chunk_variant = ? AND question_number = ? AND model_key = ?",
					sessionID, variant, u.QuestionNumber, u.ModelKey).
				Exec(ctx); err != nil {
				return err
			}
		}
		_, err := tx.NewUpdate().Model((*Session)(nil)).
			Set("status = ?", StatusEvaluated).
			Where("id = ?", sessionID).
			Exec(ctx)
		return err
	})
}

// ---- WER stage ----

// CommitWER replaces the per-page WER rows, mirrors the score onto the pages,
// and advances the status to wer_done.
func (s *Store) CommitWER(ctx context.Context, sessionID int64, rows []WerResult) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*WerResult)(nil)).Where("session_id = ?", sessionID).Exec(ctx); err != nil {
			return err
		}
		for i := range rows {
			rows[i].SessionID = sessionID
		}
		if len(rows) > 0 {
			if _, err := tx.NewInsert().Model(&rows).Exec(ctx); err != nil {
				return err
			}
		}
		for _, r := range rows {
			if _, err := tx.NewUpdate().Model((*Page)(nil)).
				Set("wer_score = ?", pageWERScore(r)).
				Where("session_id = ? AND page_number = ?", sessionID, r.PageNumber).
				Exec(ctx); err != nil {
				return err
			}
		}
		_, err := tx.NewUpdate().Model((*Session)(nil)).
			Set("status = ?", StatusWERDone).
			Where("id = ?", sessionID).
			Exec(ctx)
		return err
	})
}

// pageWERScore is the value mirrored onto ocr_pages.wer_score. The
// no-reference sentinel stays in wer_results only; a page without a reference
// keeps a null score.
func pageWERScore(r WerResult) *float64 {
	if r.WERScore < 0 {
		return nil
	}
	v := r.WERScore
	return &v
}

func (s *Store) GetWerResults(ctx context.Context, sessionID int64) ([]WerResult, error) {
	var rows []WerResult
	err := s.db.NewSelect().Model(&rows).
		Where("session_id = ?", sessionID).
		OrderExpr("page_number ASC").
		Scan(ctx)
	return rows, err
}

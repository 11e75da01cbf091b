package db

import (
	"time"

	"github.com/uptrace/bun"
)

// Session status values, in pipeline order.
const (
	StatusUploading = "uploading"
	StatusUploaded  = "uploaded"
	StatusOCRDone   = "ocr_done"
	StatusChunked   = "chunked"
	StatusEmbedded  = "embedded"
	StatusRAGDone   = "rag_done"
	StatusEvaluated = "evaluated"
	StatusWERDone   = "wer_done"
)

// Chunk variants.
const (
	VariantRecursive = "recursive"
	VariantAgentic   = "agentic"
	VariantAll       = "all"
)

type Session struct {
	bun.BaseModel `bun:"table:upload_sessions,alias:s"`
	ID            int64     `bun:"id,pk,autoincrement" json:"id"`
	Filename      string    `bun:"filename,notnull" json:"filename"`
	TotalPages    int       `bun:"total_pages" json:"total_pages"`
	Status        string    `bun:"status,notnull,default:'uploaded'" json:"status"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

type Page struct {
	bun.BaseModel `bun:"table:ocr_pages,alias:p"`
	ID            int64     `bun:"id,pk,autoincrement" json:"id"`
	SessionID     int64     `bun:"session_id,notnull" json:"session_id"`
	PageNumber    int       `bun:"page_number,notnull" json:"page_number"`
	ImagePath     string    `bun:"image_path" json:"image_path"`
	OCRText       string    `bun:"ocr_text" json:"ocr_text"`
	WERScore      *float64  `bun:"wer_score" json:"wer_score"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

type RecursiveChunk struct {
	bun.BaseModel `bun:"table:recursive_chunks,alias:rc"`
	ID            int64     `bun:"id,pk,autoincrement" json:"id"`
	SessionID     int64     `bun:"session_id,notnull" json:"session_id"`
	PageNumber    int       `bun:"page_number" json:"page_number"`
	ChunkIndex    int       `bun:"chunk_index,notnull" json:"chunk_index"`
	ChunkText     string    `bun:"chunk_text,notnull" json:"chunk_text"`
	ChunkSize     int       `bun:"chunk_size" json:"chunk_size"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

type AgenticChunk struct {
	bun.BaseModel `bun:"table:agentic_chunks,alias:ac"`
	ID            int64     `bun:"id,pk,autoincrement" json:"id"`
	SessionID     int64     `bun:"session_id,notnull" json:"session_id"`
	PageNumber    int       `bun:"page_number" json:"page_number"`
	ChunkIndex    int       `bun:"chunk_index,notnull" json:"chunk_index"`
	ChunkText     string    `bun:"chunk_text,notnull" json:"chunk_text"`
	ChunkTitle    string    `bun:"chunk_title" json:"chunk_title"`
	ChunkSize     int       `bun:"chunk_size" json:"chunk_size"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

// Embedding holds one vector per (chunk, model). Vector is the raw little-endian
// float32 encoding; see EncodeVector/DecodeVector.
type Embedding struct {
	bun.BaseModel `bun:"table:chunk_embeddings,alias:e"`
	ID            int64     `bun:"id,pk,autoincrement" json:"id"`
	SessionID     int64     `bun:"session_id,notnull" json:"session_id"`
	ChunkID       int64     `bun:"chunk_id,notnull" json:"chunk_id"`
	ChunkVariant  string    `bun:"chunk_variant,notnull" json:"chunk_variant"`
	ModelKey      string    `bun:"model_key,notnull" json:"model_key"`
	ChunkText     string    `bun:"chunk_text" json:"chunk_text"`
	Vector        []byte    `bun:"vector,type:bytea" json:"-"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

type Question struct {
	bun.BaseModel `bun:"table:questions,alias:q"`
	ID            int64     `bun:"id,pk,autoincrement" json:"id"`
	SessionID     int64     `bun:"session_id,notnull" json:"session_id"`
	Number        int       `bun:"question_number,notnull" json:"number"`
	Text          string    `bun:"question_text,notnull" json:"question"`
	GoldenAnswer  string    `bun:"golden_answer" json:"answer"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

// EvaluationResult is one row per (session, question, model) for a chunk
// variant. RetrievedChunks is a JSON snapshot of the top-K retrieval,
// rank-ordered; it is written by the RAG stage and reused verbatim when the
// judge stage re-runs.
type EvaluationResult struct {
	bun.BaseModel   `bun:"table:evaluation_results,alias:er"`
	ID              int64     `bun:"id,pk,autoincrement" json:"id"`
	SessionID       int64     `bun:"session_id,notnull" json:"session_id"`
	QuestionNumber  int       `bun:"question_number,notnull" json:"question_number"`
	ModelKey        string    `bun:"model_key,notnull" json:"model_key"`
	ChunkVariant    string    `bun:"chunk_variant,notnull" json:"chunk_variant"`
	RetrievedChunks string    `bun:"retrieved_chunks" json:"retrieved_chunks"`
	LLMAnswer       string    `bun:"llm_answer" json:"llm_answer"`
	LLMPrompt       string    `bun:"llm_prompt" json:"llm_prompt"`
	JudgePrompt     string    `bun:"judge_prompt" json:"judge_prompt"`
	GoldenAnswer    string    `bun:"golden_answer" json:"golden_answer"`
	EvaluationText  string    `bun:"evaluation_text" json:"evaluation_text"`
	EvaluationScore *int      `bun:"evaluation_score" json:"evaluation_score"`
	CreatedAt       time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

type WerResult struct {
	bun.BaseModel `bun:"table:wer_results,alias:w"`
	ID            int64     `bun:"id,pk,autoincrement" json:"id"`
	SessionID     int64     `bun:"session_id,notnull" json:"session_id"`
	PageNumber    int       `bun:"page_number,notnull" json:"page_number"`
	OCRText       string    `bun:"ocr_text" json:"ocr_text"`
	ReferenceText string    `bun:"reference_text" json:"reference_text"`
	WERScore      float64   `bun:"wer_score" json:"wer_score"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
}

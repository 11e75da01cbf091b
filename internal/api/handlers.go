package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"ragbench/internal/config"
	"ragbench/internal/db"
	"ragbench/internal/judge"
	"ragbench/internal/ocr"
	"ragbench/internal/pipeline"
	"ragbench/internal/vectorexport"
)

const maxUploadBytes = 256 << 20

// Handler carries the service dependencies of every endpoint.
type Handler struct {
	store     *db.Store
	pipe      *pipeline.Pipeline
	cfg       *config.Config
	templates *judge.TemplateStore
	vision    *ocr.Vision
	exporter  *vectorexport.Exporter
}

func NewHandler(store *db.Store, pipe *pipeline.Pipeline, cfg *config.Config,
	templates *judge.TemplateStore, vision *ocr.Vision, exporter *vectorexport.Exporter) *Handler {
	return &Handler{
		store:     store,
		pipe:      pipe,
		cfg:       cfg,
		templates: templates,
		vision:    vision,
		exporter:  exporter,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": msg})
}

// stageStatus maps a stage failure to an HTTP status: missing inputs are the
// caller's sequencing problem, everything else is a server-side failure.
func stageStatus(err error) int {
	if errors.Is(err, pipeline.ErrPrecondition) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func sessionID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "sessionID"), 10, 64)
}

// stageRequest is the shared request body of the stage endpoints. All fields
// are optional.
type stageRequest struct {
	ChunkType string               `json:"chunk_type"`
	TopK      int                  `json:"top_k"`
	LLMParams *config.LLMOverrides `json:"llm_params"`
}

// decodeStageRequest tolerates an empty or absent body.
func decodeStageRequest(r *http.Request) stageRequest {
	req := stageRequest{ChunkType: db.VariantRecursive}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		log.Debug().Err(err).Msg("stage request body ignored")
	}
	if req.ChunkType == "" {
		req.ChunkType = db.VariantRecursive
	}
	return req
}

// ---- upload ----

type uploadedFile struct {
	SessionID  int64         `json:"session_id"`
	Filename   string        `json:"filename"`
	TotalPages int           `json:"total_pages"`
	Status     string        `json:"status"`
	Pages      []pagePreview `json:"pages"`
}

type pagePreview struct {
	PageNumber  int    `json:"page_number"`
	TextPreview string `json:"text_preview"`
}

// Upload ingests one or more documents, runs OCR per file, and creates (or,
// with override_session_id, wholesale-replaces) a session per file.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no files provided")
		return
	}

	var overrideID int64
	if raw := r.FormValue("override_session_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid override_session_id")
			return
		}
		overrideID = id
	}

	var results []uploadedFile
	for _, fh := range files {
		result, err := h.uploadOne(r, fh.Filename, fh, overrideID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		results = append(results, result)
		// An override targets exactly one session; further files get fresh ones.
		overrideID = 0
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "results": results})
}

func (h *Handler) uploadOne(r *http.Request, filename string, fh *multipart.FileHeader, overrideID int64) (uploadedFile, error) {
	ctx := r.Context()

	var sess *db.Session
	var err error
	if overrideID != 0 {
		sess, err = h.store.GetSession(ctx, overrideID)
		if err != nil {
			return uploadedFile{}, err
		}
	}
	if sess == nil {
		sess, err = h.store.CreateSession(ctx, filename)
		if err != nil {
			return uploadedFile{}, err
		}
	}

	sessionDir := filepath.Join(h.cfg.App.UploadDir, fmt.Sprintf("session_%d", sess.ID))
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return uploadedFile{}, err
	}
	dst := filepath.Join(sessionDir, filepath.Base(filename))
	if err := saveUpload(fh, dst); err != nil {
		return uploadedFile{}, err
	}

	provider, err := ocr.ForUpload(dst, h.vision)
	if err != nil {
		return uploadedFile{}, err
	}

	log.Info().Int64("session", sess.ID).Str("filename", filename).Msg("processing upload")
	if _, err := h.pipe.RunOCR(ctx, sess.ID, filename, provider, dst); err != nil {
		return uploadedFile{}, err
	}

	pages, err := h.store.GetPages(ctx, sess.ID)
	if err != nil {
		return uploadedFile{}, err
	}
	previews := make([]pagePreview, len(pages))
	for i, p := range pages {
		previews[i] = pagePreview{PageNumber: p.PageNumber, TextPreview: preview(p.OCRText, 200)}
	}

	return uploadedFile{
		SessionID:  sess.ID,
		Filename:   filename,
		TotalPages: len(pages),
		Status:     db.StatusOCRDone,
		Pages:      previews,
	}, nil
}

func saveUpload(fh *multipart.FileHeader, dst string) error {
	src, err := fh.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, src)
	return err
}

func preview(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}

// ---- sessions ----

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	sess, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	if err := h.store.DeleteSession(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sessionDir := filepath.Join(h.cfg.App.UploadDir, fmt.Sprintf("session_%d", id))
	if err := os.RemoveAll(sessionDir); err != nil {
		log.Warn().Err(err).Str("dir", sessionDir).Msg("session files not removed")
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": fmt.Sprintf("Session %d deleted", id),
	})
}

// ---- stages ----

func (h *Handler) Chunk(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	req := decodeStageRequest(r)

	rec, ag, err := h.pipe.RunChunking(r.Context(), id, h.cfg.LLM.Merge(req.LLMParams))
	if err != nil {
		writeError(w, stageStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "success",
		"recursive_chunks": rec,
		"agentic_chunks":   ag,
	})
}

func (h *Handler) Embed(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	counts, err := h.pipe.RunEmbedding(r.Context(), id)
	if err != nil {
		writeError(w, stageStatus(err), err.Error())
		return
	}

	resp := map[string]any{"status": "success"}
	total := 0
	for key, n := range counts {
		resp["embeddings_"+key] = n
		if n > total {
			total = n
		}
	}
	resp["total_chunks"] = total
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) RAG(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	req := decodeStageRequest(r)

	topK := req.TopK
	if topK <= 0 {
		topK = h.cfg.RAG.TopK
	}
	results, err := h.pipe.RunRAG(r.Context(), id, req.ChunkType, topK, h.cfg.LLM.Merge(req.LLMParams))
	if err != nil {
		writeError(w, stageStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "results": results})
}

func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	req := decodeStageRequest(r)

	evaluations, err := h.pipe.RunEvaluation(r.Context(), id, req.ChunkType, h.cfg.LLM.Merge(req.LLMParams))
	if err != nil {
		writeError(w, stageStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "evaluations": evaluations})
}

func (h *Handler) WER(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	rows, avg, err := h.pipe.RunWER(r.Context(), id)
	if err != nil {
		writeError(w, stageStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "success",
		"results":     rows,
		"average_wer": avg,
	})
}

// pipelineRequest drives a full run. from_stage is only honored with
// override; without it the run resumes from the recorded status.
type pipelineRequest struct {
	Override  bool                 `json:"override"`
	FromStage string               `json:"from_stage"`
	ChunkType string               `json:"chunk_type"`
	TopK      int                  `json:"top_k"`
	LLMParams *config.LLMOverrides `json:"llm_params"`
}

func (h *Handler) RunPipeline(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	var req pipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	opts := pipeline.RunOptions{
		Override: req.Override,
		Variant:  req.ChunkType,
		TopK:     req.TopK,
		LLM:      h.cfg.LLM.Merge(req.LLMParams),
	}
	if opts.TopK <= 0 {
		opts.TopK = h.cfg.RAG.TopK
	}
	if req.Override {
		if req.FromStage == "" {
			writeError(w, http.StatusBadRequest, "override requires from_stage")
			return
		}
		stage, err := pipeline.ParseStage(req.FromStage)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.FromStage = stage
	}

	if err := h.pipe.Run(r.Context(), id, opts); err != nil {
		writeError(w, stageStatus(err), err.Error())
		return
	}

	sess, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "session_status": sess.Status})
}

// ---- questions ----

func (h *Handler) GetQuestions(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	questions, err := h.store.GetQuestions(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if questions == nil {
		questions = []db.Question{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "questions": questions})
}

type saveQuestionsRequest struct {
	Questions []struct {
		Number   int    `json:"number"`
		Question string `json:"question"`
		Answer   string `json:"answer"`
	} `json:"questions"`
}

func (h *Handler) SaveQuestions(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	var req saveQuestionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	qs := make([]db.Question, len(req.Questions))
	for i, q := range req.Questions {
		qs[i] = db.Question{Number: q.Number, Text: q.Question, GoldenAnswer: q.Answer}
	}
	if err := h.store.ReplaceQuestions(r.Context(), id, qs); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "count": len(qs)})
}

// ---- judge prompt ----

func (h *Handler) GetPrompt(w http.ResponseWriter, _ *http.Request) {
	tmpl, isCustom := h.templates.Get()
	writeJSON(w, http.StatusOK, map[string]any{
		"prompt":         tmpl,
		"is_custom":      isCustom,
		"default_prompt": h.templates.Default(),
	})
}

type savePromptRequest struct {
	Prompt string `json:"prompt"`
	Reset  bool   `json:"reset"`
}

func (h *Handler) SavePrompt(w http.ResponseWriter, r *http.Request) {
	var req savePromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Reset {
		if err := h.templates.Reset(); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "prompt reset to default"})
		return
	}

	if err := h.templates.Save(req.Prompt); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "prompt saved"})
}

// ---- config and results ----

func (h *Handler) LLMConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"temperature": h.cfg.LLM.Temperature,
		"top_p":       h.cfg.LLM.TopP,
		"max_predict": h.cfg.LLM.MaxTokens,
		"num_ctx":     h.cfg.LLM.NumCtx,
	})
}

func (h *Handler) Export(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	modelKey := chi.URLParam(r, "modelKey")
	if _, ok := h.cfg.ModelByKey(modelKey); !ok {
		writeError(w, http.StatusBadRequest, "unknown model key: "+modelKey)
		return
	}

	path, count, err := h.exporter.Export(r.Context(), id, modelKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"path":      path,
		"documents": count,
	})
}

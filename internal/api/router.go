// Package api exposes the benchmark over HTTP. Handlers stay thin: decode the
// request, call the pipeline or store, encode the response. Stage semantics
// live in internal/pipeline.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})

		r.Post("/upload", h.Upload)
		r.Get("/sessions", h.ListSessions)
		r.Delete("/sessions/{sessionID}", h.DeleteSession)

		r.Post("/chunk/{sessionID}", h.Chunk)
		r.Post("/embed/{sessionID}", h.Embed)

		r.Get("/questions/{sessionID}", h.GetQuestions)
		r.Post("/questions/{sessionID}", h.SaveQuestions)

		r.Post("/rag/{sessionID}", h.RAG)
		r.Post("/evaluate/{sessionID}", h.Evaluate)
		r.Post("/wer/{sessionID}", h.WER)

		r.Post("/pipeline/{sessionID}", h.RunPipeline)

		r.Get("/prompt/evaluation", h.GetPrompt)
		r.Post("/prompt/evaluation", h.SavePrompt)

		r.Get("/llm-config", h.LLMConfig)
		r.Get("/results/{sessionID}", h.Results)

		r.Post("/export/{sessionID}/{modelKey}", h.Export)
	})

	return r
}

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ragbench/internal/answer"
	"ragbench/internal/api"
	"ragbench/internal/chunker"
	"ragbench/internal/config"
	"ragbench/internal/db"
	"ragbench/internal/embedder"
	"ragbench/internal/judge"
	"ragbench/internal/llm"
	"ragbench/internal/ocr"
	"ragbench/internal/ollama"
	"ragbench/internal/pipeline"
	"ragbench/internal/vectorexport"
	"ragbench/internal/wer"
)

const configFilePath = "./configs/config.yaml"

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Caller().Logger()

	configPath := flag.String("config", configFilePath, "Path to the config file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Error loading config")
	}

	ctx := context.Background()

	sqldb, err := db.ConnectDB(cfg.Database.DSN(), cfg.Database.Password)
	if err != nil {
		log.Fatal().Err(err).Msg("Error connecting to database")
	}
	bunDB := db.NewDB(sqldb, cfg.Database.Debug)
	defer bunDB.Close()

	if err := db.InitTables(ctx, bunDB); err != nil {
		log.Fatal().Err(err).Msg("Error initializing tables")
	}

	for _, dir := range []string{cfg.App.UploadDir, cfg.App.ExportDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("Error creating directory")
		}
	}

	store := db.NewStore(bunDB)
	gen := llm.NewClient(&cfg.Ollama)
	embedService := embedder.NewService(ollama.NewClient(cfg.Ollama.BaseURL))
	templates := judge.NewTemplateStore(cfg.App.PromptFile, cfg.Models)

	pipe := pipeline.New(
		store,
		cfg.Models,
		cfg.Chunking,
		chunker.NewAgenticChunker(gen, cfg.Ollama.LLMModel, cfg.Chunking.AgenticMax),
		embedService,
		answer.NewService(gen, cfg.Ollama.LLMModel),
		judge.New(gen, cfg.Ollama.LLMModel, templates, cfg.Models),
		wer.NewCorpus(cfg.App.ReferenceDir),
	)

	handler := api.NewHandler(
		store,
		pipe,
		cfg,
		templates,
		ocr.NewVision(gen, cfg.Ollama.OCRModel),
		vectorexport.New(store, cfg.App.ExportDir),
	)

	addr := fmt.Sprintf("%s:%d", cfg.App.Host, cfg.App.Port)
	log.Info().Str("addr", addr).Int("models", len(cfg.Models)).Msg("server listening")
	if err := http.ListenAndServe(addr, api.NewRouter(handler)); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}

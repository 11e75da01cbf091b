package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Debug    bool   `yaml:"debug"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s@%s:%d/%s?sslmode=disable", d.User, d.Host, d.Port, d.Name)
}

type OllamaConfig struct {
	BaseURL  string `yaml:"base_url"`
	OCRModel string `yaml:"ocr_model"`
	LLMModel string `yaml:"llm_model"`
}

// EmbeddingModel is one entry of the active model roster. The roster is an
// ordered list resolved once at startup; everything downstream iterates it
// instead of branching per model.
type EmbeddingModel struct {
	Key   string `yaml:"key"`
	Model string `yaml:"model"`
	Label string `yaml:"label"`
	Dim   int    `yaml:"dim"`
}

type ChunkingConfig struct {
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
	AgenticMax   int `yaml:"agentic_max_chars"`
}

type RAGConfig struct {
	TopK          int    `yaml:"top_k"`
	EncryptionKey string `yaml:"encryption_key"`
}

type AppConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	UploadDir    string `yaml:"upload_dir"`
	ReferenceDir string `yaml:"reference_dir"`
	PromptFile   string `yaml:"prompt_file"`
	ExportDir    string `yaml:"export_dir"`
}

// LLMParams are the generation options forwarded to the backend. A zero NumCtx
// means the backend default is used. Request-level overrides are merged with
// Merge, never written back into the loaded config.
type LLMParams struct {
	Temperature float64 `yaml:"temperature" json:"temperature"`
	TopP        float64 `yaml:"top_p" json:"top_p"`
	MaxTokens   int     `yaml:"max_tokens" json:"max_tokens"`
	NumCtx      int     `yaml:"num_ctx" json:"num_ctx"`
}

// LLMOverrides carries optional per-request parameter overrides. Nil fields
// keep the configured default.
type LLMOverrides struct {
	Temperature *float64 `json:"temperature"`
	TopP        *float64 `json:"top_p"`
	MaxTokens   *int     `json:"max_predict"`
	NumCtx      *int     `json:"num_ctx"`
}

// Merge returns a copy of p with non-nil overrides applied.
func (p LLMParams) Merge(o *LLMOverrides) LLMParams {
	if o == nil {
		return p
	}
	if o.Temperature != nil {
		p.Temperature = *o.Temperature
	}
	if o.TopP != nil {
		p.TopP = *o.TopP
	}
	if o.MaxTokens != nil {
		p.MaxTokens = *o.MaxTokens
	}
	if o.NumCtx != nil {
		p.NumCtx = *o.NumCtx
	}
	return p
}

type Config struct {
	Database DatabaseConfig   `yaml:"database"`
	Ollama   OllamaConfig     `yaml:"ollama"`
	Models   []EmbeddingModel `yaml:"embedding_models"`
	Chunking ChunkingConfig   `yaml:"chunking"`
	RAG      RAGConfig        `yaml:"rag"`
	LLM      LLMParams        `yaml:"llm"`
	App      AppConfig        `yaml:"app"`
}

// ModelByKey looks up a roster entry; second result is false for unknown keys.
func (c *Config) ModelByKey(key string) (EmbeddingModel, bool) {
	for _, m := range c.Models {
		if m.Key == key {
			return m, true
		}
	}
	return EmbeddingModel{}, false
}

func LoadConfig(path string) (*Config, error) {
	// .env is optional; explicit env vars still win over file values below.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		cfg.Ollama.BaseURL = v
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Chunking.ChunkSize == 0 {
		cfg.Chunking.ChunkSize = 1300
	}
	if cfg.Chunking.ChunkOverlap == 0 {
		cfg.Chunking.ChunkOverlap = 30
	}
	if cfg.Chunking.AgenticMax == 0 {
		cfg.Chunking.AgenticMax = 1500
	}
	if cfg.RAG.TopK == 0 {
		cfg.RAG.TopK = 5
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 0.6
	}
	if cfg.LLM.TopP == 0 {
		cfg.LLM.TopP = 0.95
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 25000
	}
	if cfg.App.UploadDir == "" {
		cfg.App.UploadDir = "uploads"
	}
	if cfg.App.ReferenceDir == "" {
		cfg.App.ReferenceDir = "best_ocr"
	}
	if cfg.App.PromptFile == "" {
		cfg.App.PromptFile = "evaluation_prompt.txt"
	}
	if cfg.App.ExportDir == "" {
		cfg.App.ExportDir = "vector_exports"
	}
	if cfg.App.Port == 0 {
		cfg.App.Port = 8000
	}
}

func validate(cfg *Config) error {
	if len(cfg.Models) == 0 {
		return fmt.Errorf("config: embedding_models must list at least one model")
	}
	seen := map[string]bool{}
	for _, m := range cfg.Models {
		if m.Key == "" || m.Model == "" {
			return fmt.Errorf("config: embedding model entries need key and model")
		}
		if m.Dim <= 0 {
			return fmt.Errorf("config: embedding model %s has invalid dim %d", m.Key, m.Dim)
		}
		if seen[m.Key] {
			return fmt.Errorf("config: duplicate embedding model key %s", m.Key)
		}
		seen[m.Key] = true
	}
	if cfg.Ollama.BaseURL == "" {
		return fmt.Errorf("config: ollama.base_url is required")
	}
	return nil
}

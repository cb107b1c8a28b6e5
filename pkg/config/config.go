package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Providers ProvidersConfig `json:"providers" yaml:"providers"`
	Models    ModelsConfig    `json:"models" yaml:"models"`
	Memory    MemoryConfig    `json:"memory" yaml:"memory"`
	Retrieval RetrievalConfig `json:"retrieval" yaml:"retrieval"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Log       LogConfig       `json:"log" yaml:"log"`
	mu        sync.RWMutex
}

type DatabaseConfig struct {
	Driver   string `json:"driver" yaml:"driver" env:"TENDERDESK_DATABASE_DRIVER"` // sqlite | postgres
	Path     string `json:"path" yaml:"path" env:"TENDERDESK_DATABASE_PATH"`
	DSN      string `json:"dsn,omitempty" yaml:"dsn,omitempty" env:"TENDERDESK_DATABASE_DSN"`
	Host     string `json:"host,omitempty" yaml:"host,omitempty" env:"TENDERDESK_DATABASE_HOST"`
	Port     int    `json:"port,omitempty" yaml:"port,omitempty" env:"TENDERDESK_DATABASE_PORT"`
	User     string `json:"user,omitempty" yaml:"user,omitempty" env:"TENDERDESK_DATABASE_USER"`
	Password string `json:"password,omitempty" yaml:"password,omitempty" env:"TENDERDESK_DATABASE_PASSWORD"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty" env:"TENDERDESK_DATABASE_NAME"`
	SSLMode  string `json:"sslmode,omitempty" yaml:"sslmode,omitempty" env:"TENDERDESK_DATABASE_SSLMODE"`
}

type ProvidersConfig struct {
	// Provider selects the chat backend: openrouter (default) or openai.
	Provider   string         `json:"provider" yaml:"provider" env:"TENDERDESK_PROVIDERS_PROVIDER"`
	OpenRouter ProviderConfig `json:"openrouter" yaml:"openrouter" envPrefix:"TENDERDESK_PROVIDERS_OPENROUTER_"`
	OpenAI     ProviderConfig `json:"openai" yaml:"openai" envPrefix:"TENDERDESK_PROVIDERS_OPENAI_"`
}

type ProviderConfig struct {
	APIKey     string `json:"api_key" yaml:"api_key" env:"API_KEY"`
	APIKeyFile string `json:"api_key_file,omitempty" yaml:"api_key_file,omitempty" env:"API_KEY_FILE"`
	APIBase    string `json:"api_base" yaml:"api_base" env:"API_BASE"`
	Proxy      string `json:"proxy,omitempty" yaml:"proxy,omitempty" env:"PROXY"`
}

type ModelsConfig struct {
	LLM                    string  `json:"llm" yaml:"llm" env:"TENDERDESK_MODELS_LLM"`
	Embedding              string  `json:"embedding" yaml:"embedding" env:"TENDERDESK_MODELS_EMBEDDING"`
	ChatTemperature        float64 `json:"chat_temperature" yaml:"chat_temperature" env:"TENDERDESK_MODELS_CHAT_TEMPERATURE"`
	SummaryTemperature     float64 `json:"summary_temperature" yaml:"summary_temperature" env:"TENDERDESK_MODELS_SUMMARY_TEMPERATURE"`
	ReformulateTemperature float64 `json:"reformulate_temperature" yaml:"reformulate_temperature" env:"TENDERDESK_MODELS_REFORMULATE_TEMPERATURE"`
	MaxTokens              int     `json:"max_tokens" yaml:"max_tokens" env:"TENDERDESK_MODELS_MAX_TOKENS"`
}

type MemoryConfig struct {
	MaxTokens      int `json:"max_tokens" yaml:"max_tokens" env:"TENDERDESK_MEMORY_MAX_TOKENS"`
	BufferMessages int `json:"buffer_messages" yaml:"buffer_messages" env:"TENDERDESK_MEMORY_BUFFER_MESSAGES"`
	SummaryTrigger int `json:"summary_trigger" yaml:"summary_trigger" env:"TENDERDESK_MEMORY_SUMMARY_TRIGGER"`
	SemanticTopK   int `json:"semantic_top_k" yaml:"semantic_top_k" env:"TENDERDESK_MEMORY_SEMANTIC_TOP_K"`
	SnippetEvery   int `json:"snippet_every" yaml:"snippet_every" env:"TENDERDESK_MEMORY_SNIPPET_EVERY"`
	MaxCacheSize   int `json:"max_cache_size" yaml:"max_cache_size" env:"TENDERDESK_MEMORY_MAX_CACHE_SIZE"`
}

type RetrievalConfig struct {
	TopK         int `json:"top_k" yaml:"top_k" env:"TENDERDESK_RETRIEVAL_TOP_K"`
	OriginalTopK int `json:"original_top_k" yaml:"original_top_k" env:"TENDERDESK_RETRIEVAL_ORIGINAL_TOP_K"`
}

type StorageConfig struct {
	VectorPath string `json:"vector_path" yaml:"vector_path" env:"TENDERDESK_STORAGE_VECTOR_PATH"`
}

type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"TENDERDESK_SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"TENDERDESK_SERVER_PORT"`
	// APIKeys guard /api/chat via the X-API-Key header. Empty disables the check.
	APIKeys []string `json:"api_keys,omitempty" yaml:"api_keys,omitempty" env:"TENDERDESK_SERVER_API_KEYS"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" env:"TENDERDESK_LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"TENDERDESK_LOG_FORMAT"` // text | json
}

func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:  "sqlite",
			Path:    "~/.tenderdesk/state/chat.db",
			Port:    5432,
			SSLMode: "disable",
		},
		Providers: ProvidersConfig{
			Provider: "openrouter",
			OpenRouter: ProviderConfig{
				APIBase: "https://openrouter.ai/api/v1",
			},
			OpenAI: ProviderConfig{
				APIBase: "https://api.openai.com/v1",
			},
		},
		Models: ModelsConfig{
			LLM:                    "google/gemini-flash-1.5",
			Embedding:              "text-embedding-3-small",
			ChatTemperature:        0.7,
			SummaryTemperature:     0.3,
			ReformulateTemperature: 0.2,
			MaxTokens:              2048,
		},
		Memory: MemoryConfig{
			MaxTokens:      2000,
			BufferMessages: 10,
			SummaryTrigger: 15,
			SemanticTopK:   5,
			SnippetEvery:   4,
			MaxCacheSize:   50,
		},
		Retrieval: RetrievalConfig{
			TopK:         10,
			OriginalTopK: 5,
		},
		Storage: StorageConfig{
			VectorPath: "~/.tenderdesk/storage/vectors",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig applies defaults, then the file at path (JSON, or YAML for
// .yaml/.yml), then TENDERDESK_* environment overrides. A missing file is
// not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(expandHome(path))
		switch {
		case err == nil:
			if err := decodeFile(path, data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return err
	}

	path = expandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// Validate rejects settings the memory subsystem cannot run with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs []error
	switch c.Database.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Database.Path) == "" {
			errs = append(errs, fmt.Errorf("database.path is required for sqlite"))
		}
	case "postgres":
		if c.Database.DSN == "" && (c.Database.Host == "" || c.Database.Name == "") {
			errs = append(errs, fmt.Errorf("database.dsn or database.host and database.name are required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver))
	}
	switch strings.ToLower(strings.TrimSpace(c.Providers.Provider)) {
	case "", "openrouter", "openai":
	default:
		errs = append(errs, fmt.Errorf("providers.provider must be openrouter or openai, got %q", c.Providers.Provider))
	}
	m := c.Memory
	if m.MaxTokens <= 0 || m.BufferMessages <= 0 || m.SummaryTrigger <= 0 || m.SemanticTopK <= 0 || m.SnippetEvery <= 0 || m.MaxCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("memory settings must all be positive: %+v", m))
	}
	if c.Retrieval.TopK <= 0 || c.Retrieval.OriginalTopK <= 0 {
		errs = append(errs, fmt.Errorf("retrieval.top_k and retrieval.original_top_k must be positive"))
	}
	if c.Models.ChatTemperature < 0 || c.Models.ChatTemperature > 2 {
		errs = append(errs, fmt.Errorf("models.chat_temperature must be within [0, 2]"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// PostgresDSN returns the explicit DSN or builds a lib/pq key/value one.
func (c *Config) PostgresDSN() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d := c.Database
	if d.DSN != "" {
		return d.DSN
	}
	parts := []string{
		"host=" + quoteDSN(d.Host),
		fmt.Sprintf("port=%d", d.Port),
		"dbname=" + quoteDSN(d.Name),
	}
	if d.User != "" {
		parts = append(parts, "user="+quoteDSN(d.User))
	}
	if d.Password != "" {
		parts = append(parts, "password="+quoteDSN(d.Password))
	}
	if d.SSLMode != "" {
		parts = append(parts, "sslmode="+quoteDSN(d.SSLMode))
	}
	return strings.Join(parts, " ")
}

func quoteDSN(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func (c *Config) DatabasePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Database.Path)
}

func (c *Config) VectorPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Storage.VectorPath)
}

func (c *Config) ListenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}

// ExpandHome resolves a leading ~ to the user's home directory.
func ExpandHome(path string) string { return expandHome(path) }

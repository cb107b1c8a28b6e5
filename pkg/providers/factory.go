package providers

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/HensemLin/tenderdesk/pkg/config"
	"github.com/HensemLin/tenderdesk/pkg/logger"
	"github.com/HensemLin/tenderdesk/pkg/memory"
)

const (
	ProviderOpenRouter = "openrouter"
	ProviderOpenAI     = "openai"

	// EmbeddingModelLocal selects the offline character n-gram embedder.
	EmbeddingModelLocal = "local"
)

type providerFactory struct {
	build    func(cfg *config.Config) (LLMProvider, error)
	validate func(cfg *config.Config) error
}

var (
	factoryMu       sync.RWMutex
	factories       = map[string]providerFactory{}
	registrationErr error
)

func RegisterFactory(name string, build func(cfg *config.Config) (LLMProvider, error), validate func(cfg *config.Config) error) {
	name = NormalizeProviderName(name)
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if build == nil {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: factory build func is required for %q", name))
		return
	}
	factories[name] = providerFactory{build: build, validate: validate}
}

func SupportedProviders() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	providers := make([]string, 0, len(factories))
	for name := range factories {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	return providers
}

func NormalizeProviderName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return ProviderOpenRouter
	}
	return name
}

func ActiveProviderName(cfg *config.Config) string {
	if cfg == nil {
		return ProviderOpenRouter
	}
	return NormalizeProviderName(cfg.Providers.Provider)
}

func ValidateProviderConfig(cfg *config.Config) error {
	factory, _, err := getFactory(cfg)
	if err != nil {
		return err
	}
	if factory.validate == nil {
		return nil
	}
	return factory.validate(cfg)
}

func CreateProvider(cfg *config.Config) (LLMProvider, error) {
	factory, _, err := getFactory(cfg)
	if err != nil {
		return nil, err
	}
	return factory.build(cfg)
}

func getFactory(cfg *config.Config) (providerFactory, string, error) {
	name := ActiveProviderName(cfg)

	factoryMu.RLock()
	if registrationErr != nil {
		err := registrationErr
		factoryMu.RUnlock()
		return providerFactory{}, name, fmt.Errorf("provider registration failed: %w", err)
	}
	factory, ok := factories[name]
	factoryMu.RUnlock()
	if !ok {
		return providerFactory{}, name, fmt.Errorf("unsupported provider %q: supported providers are %s", name, strings.Join(SupportedProviders(), ", "))
	}
	return factory, name, nil
}

// CreateEmbedder returns the embedding backend for semantic memory and
// document retrieval. Remote embeddings go through the OpenAI-compatible
// endpoint of providers.openai; without those credentials, or with
// models.embedding set to "local", the offline embedder is used.
func CreateEmbedder(cfg *config.Config) (memory.Embedder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	model := strings.TrimSpace(cfg.Models.Embedding)
	if strings.EqualFold(model, EmbeddingModelLocal) {
		return memory.NewLocalEmbedder(), nil
	}
	pc := cfg.Providers.OpenAI
	if !hasCredentials(pc) {
		logger.WarnCF("providers", "No embedding credentials configured; using local embedder", map[string]interface{}{
			"model": memory.LocalEmbeddingModel,
		})
		return memory.NewLocalEmbedder(), nil
	}

	auth, err := resolveProviderAuth(ProviderOpenAI, pc)
	if err != nil {
		return nil, err
	}
	apiBase := strings.TrimSpace(pc.APIBase)
	if apiBase == "" {
		apiBase = defaultOpenAIAPIBase
	}
	backend, err := newHTTPBackend("embeddings", apiBase, pc.Proxy, auth, nil)
	if err != nil {
		return nil, err
	}
	return newOpenAIEmbedder(backend, model), nil
}

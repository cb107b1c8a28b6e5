package providers

import (
	"fmt"
	"strings"

	"github.com/HensemLin/tenderdesk/pkg/config"
)

const (
	defaultOpenAIAPIBase = "https://api.openai.com/v1"
	defaultOpenAIModel   = "gpt-4o-mini"
)

func init() {
	RegisterFactory(ProviderOpenAI, newOpenAIProviderFromConfig, validateOpenAIConfig)
}

func validateOpenAIConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	_, err := resolveProviderAuth(ProviderOpenAI, cfg.Providers.OpenAI)
	return err
}

func newOpenAIProviderFromConfig(cfg *config.Config) (LLMProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	pc := cfg.Providers.OpenAI
	auth, err := resolveProviderAuth(ProviderOpenAI, pc)
	if err != nil {
		return nil, err
	}

	apiBase := strings.TrimSpace(pc.APIBase)
	if apiBase == "" {
		apiBase = defaultOpenAIAPIBase
	}
	// models.llm defaults to an OpenRouter-style "vendor/model" id.
	model := strings.TrimSpace(cfg.Models.LLM)
	if model == "" || strings.Contains(model, "/") {
		model = defaultOpenAIModel
	}
	return newChatCompletionsProvider(ProviderOpenAI, apiBase, model, pc.Proxy, auth, nil)
}

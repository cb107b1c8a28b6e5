package providers

import (
	"fmt"
	"strings"

	"github.com/HensemLin/tenderdesk/pkg/config"
)

const (
	defaultOpenRouterAPIBase = "https://openrouter.ai/api/v1"
	defaultOpenRouterModel   = "google/gemini-flash-1.5"
	openRouterAppTitle       = "tenderdesk"
)

func init() {
	RegisterFactory(ProviderOpenRouter, newOpenRouterProviderFromConfig, validateOpenRouterConfig)
}

func validateOpenRouterConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	_, err := resolveProviderAuth(ProviderOpenRouter, cfg.Providers.OpenRouter)
	return err
}

func newOpenRouterProviderFromConfig(cfg *config.Config) (LLMProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	pc := cfg.Providers.OpenRouter
	auth, err := resolveProviderAuth(ProviderOpenRouter, pc)
	if err != nil {
		return nil, err
	}

	apiBase := strings.TrimSpace(pc.APIBase)
	if apiBase == "" {
		apiBase = defaultOpenRouterAPIBase
	}
	model := strings.TrimSpace(cfg.Models.LLM)
	if model == "" {
		model = defaultOpenRouterModel
	}
	return newChatCompletionsProvider(
		ProviderOpenRouter,
		apiBase,
		model,
		pc.Proxy,
		auth,
		map[string]string{"X-Title": openRouterAppTitle},
	)
}

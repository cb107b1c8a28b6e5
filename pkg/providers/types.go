package providers

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type LLMResponse struct {
	Content      string     `json:"content"`
	FinishReason string     `json:"finish_reason"`
	Usage        *UsageInfo `json:"usage,omitempty"`
}

// LLMProvider is an OpenAI-compatible chat completion backend.
// Recognised options: "temperature" (float) and "max_tokens" (int).
type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, model string, options map[string]interface{}) (*LLMResponse, error)
	GetDefaultModel() string
}

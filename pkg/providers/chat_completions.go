package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const defaultHTTPTimeout = 120 * time.Second

// httpBackend holds what chat and embedding clients share: base URL, auth,
// extra headers and a proxied HTTP client.
type httpBackend struct {
	providerName string
	apiBase      string
	auth         AuthStrategy
	httpClient   *http.Client
	extraHeaders map[string]string
}

func newHTTPBackend(providerName, apiBase, proxy string, auth AuthStrategy, extraHeaders map[string]string) (*httpBackend, error) {
	providerName = strings.TrimSpace(strings.ToLower(providerName))
	if providerName == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if apiBase == "" {
		return nil, fmt.Errorf("%s API base not configured", providerName)
	}
	if auth == nil {
		return nil, fmt.Errorf("%s auth is not configured", providerName)
	}

	client := &http.Client{Timeout: defaultHTTPTimeout}
	proxy = strings.TrimSpace(proxy)
	if proxy != "" {
		proxyURL, err := url.Parse(proxy)
		if err != nil {
			return nil, fmt.Errorf("parse %s proxy: %w", providerName, err)
		}
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	cleanHeaders := map[string]string{}
	for k, v := range extraHeaders {
		name := strings.TrimSpace(k)
		value := strings.TrimSpace(v)
		if name == "" || value == "" {
			continue
		}
		cleanHeaders[name] = value
	}

	return &httpBackend{
		providerName: providerName,
		apiBase:      apiBase,
		auth:         auth,
		httpClient:   client,
		extraHeaders: cleanHeaders,
	}, nil
}

// post sends a JSON body to apiBase+path and returns the 2xx response body.
func (b *httpBackend) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", b.providerName, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.apiBase+path, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", b.providerName, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := b.auth.Apply(ctx, req); err != nil {
		return nil, fmt.Errorf("apply %s auth: %w", b.providerName, err)
	}
	for name, value := range b.extraHeaders {
		req.Header.Set(name, value)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send %s request: %w", b.providerName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", b.providerName, err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg := augmentProviderError(b.providerName, resp.StatusCode, extractAPIError(body))
		return nil, &APIError{Provider: b.providerName, StatusCode: resp.StatusCode, Message: msg}
	}
	return body, nil
}

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API request failed: status=%d error=%s", e.Provider, e.StatusCode, e.Message)
}

type chatCompletionsProvider struct {
	*httpBackend
	defaultModel string
}

func newChatCompletionsProvider(providerName, apiBase, defaultModel, proxy string, auth AuthStrategy, extraHeaders map[string]string) (*chatCompletionsProvider, error) {
	backend, err := newHTTPBackend(providerName, apiBase, proxy, auth, extraHeaders)
	if err != nil {
		return nil, err
	}
	return &chatCompletionsProvider{httpBackend: backend, defaultModel: strings.TrimSpace(defaultModel)}, nil
}

func (p *chatCompletionsProvider) Chat(ctx context.Context, messages []Message, model string, options map[string]interface{}) (*LLMResponse, error) {
	if p == nil || p.httpBackend == nil {
		return nil, fmt.Errorf("provider not initialized")
	}

	model = strings.TrimSpace(model)
	if model == "" {
		model = p.GetDefaultModel()
	}

	requestBody := map[string]interface{}{
		"model":    model,
		"messages": messages,
	}
	if maxTokens, ok := optionAsInt(options, "max_tokens"); ok {
		requestBody["max_tokens"] = maxTokens
	}
	if temperature, ok := optionAsFloat(options, "temperature"); ok {
		requestBody["temperature"] = temperature
	}

	body, err := p.post(ctx, "/chat/completions", requestBody)
	if err != nil {
		return nil, err
	}
	result, err := parseChatCompletionsResponse(body)
	if err != nil {
		return nil, fmt.Errorf("parse %s response: %w", p.providerName, err)
	}
	return result, nil
}

func (p *chatCompletionsProvider) GetDefaultModel() string {
	if p == nil {
		return ""
	}
	return p.defaultModel
}

func optionAsInt(opts map[string]interface{}, key string) (int, bool) {
	if len(opts) == 0 {
		return 0, false
	}
	switch vv := opts[key].(type) {
	case int:
		return vv, true
	case int64:
		return int(vv), true
	case float64:
		return int(vv), true
	default:
		return 0, false
	}
}

func optionAsFloat(opts map[string]interface{}, key string) (float64, bool) {
	if len(opts) == 0 {
		return 0, false
	}
	switch vv := opts[key].(type) {
	case float64:
		return vv, true
	case float32:
		return float64(vv), true
	case int:
		return float64(vv), true
	default:
		return 0, false
	}
}

func parseChatCompletionsResponse(body []byte) (*LLMResponse, error) {
	var apiResponse struct {
		Choices []struct {
			Message struct {
				Content interface{} `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage *UsageInfo `json:"usage"`
	}

	if err := json.Unmarshal(body, &apiResponse); err != nil {
		return nil, err
	}
	if len(apiResponse.Choices) == 0 {
		return &LLMResponse{Content: "", FinishReason: "stop", Usage: apiResponse.Usage}, nil
	}

	choice := apiResponse.Choices[0]
	return &LLMResponse{
		Content:      flattenMessageContent(choice.Message.Content),
		FinishReason: choice.FinishReason,
		Usage:        apiResponse.Usage,
	}, nil
}

// Some OpenRouter models return content as a list of typed parts.
func flattenMessageContent(raw interface{}) string {
	switch v := raw.(type) {
	case string:
		return v
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if text, ok := m["text"].(string); ok {
				parts = append(parts, text)
				continue
			}
			if content, ok := m["content"].(string); ok {
				parts = append(parts, content)
			}
		}
		return strings.Join(parts, "")
	default:
		return ""
	}
}

func extractAPIError(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "empty response body"
	}

	var payload struct {
		Error struct {
			Message string      `json:"message"`
			Type    string      `json:"type"`
			Code    interface{} `json:"code"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if msg := strings.TrimSpace(payload.Error.Message); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(payload.Message); msg != "" {
			return msg
		}
	}

	if len(trimmed) > 2000 {
		return trimmed[:2000] + "..."
	}
	return trimmed
}

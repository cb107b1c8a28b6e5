package providers

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/HensemLin/tenderdesk/pkg/memory"
)

const defaultEmbeddingModel = "text-embedding-3-small"

// OpenAIEmbedder calls an OpenAI-compatible /embeddings endpoint with the
// whole batch as one input array.
type OpenAIEmbedder struct {
	backend *httpBackend
	model   string
}

func newOpenAIEmbedder(backend *httpBackend, model string) *OpenAIEmbedder {
	model = strings.TrimSpace(model)
	if model == "" {
		model = defaultEmbeddingModel
	}
	return &OpenAIEmbedder{backend: backend, model: model}
}

// NewOpenAIEmbedder builds an embedder against apiBase with a static key.
func NewOpenAIEmbedder(apiBase, apiKey, model string) (*OpenAIEmbedder, error) {
	backend, err := newHTTPBackend("embeddings", apiBase, "", NewBearerAuth(NewStaticTokenSource(apiKey, "embeddings api key")), nil)
	if err != nil {
		return nil, err
	}
	return newOpenAIEmbedder(backend, model), nil
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

func (e *OpenAIEmbedder) Model() string { return e.model }

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := e.backend.post(ctx, "/embeddings", embeddingRequest{Input: texts, Model: e.model})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	var resp embeddingResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("embed: decode response: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embed: got %d embeddings for %d inputs", len(resp.Data), len(texts))
	}
	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })

	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		if d.Index != i {
			return nil, fmt.Errorf("embed: missing embedding for input %d", i)
		}
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("embed: empty embedding for input %d", i)
		}
		out[i] = d.Embedding
	}
	return out, nil
}

var _ memory.Embedder = (*OpenAIEmbedder)(nil)

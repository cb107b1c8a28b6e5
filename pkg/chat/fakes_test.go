package chat

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/HensemLin/tenderdesk/pkg/memory"
	"github.com/HensemLin/tenderdesk/pkg/providers"
	"github.com/HensemLin/tenderdesk/pkg/retrieval"
)

// scriptedProvider answers by prompt kind: reformulation, summary or reply.
type scriptedProvider struct {
	mu          sync.Mutex
	reformulate string
	summary     string
	reply       string
	failReply   bool
	failAll     bool
	calls       []string
	lastUser    map[string]string
}

func (p *scriptedProvider) kind(messages []providers.Message) string {
	if len(messages) == 0 {
		return "unknown"
	}
	switch sys := messages[0].Content; {
	case strings.Contains(sys, "query reformulation"):
		return "reformulate"
	case strings.Contains(sys, "conversation summarizer"):
		return "summary"
	default:
		return "reply"
	}
}

func (p *scriptedProvider) Chat(_ context.Context, messages []providers.Message, _ string, _ map[string]interface{}) (*providers.LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	kind := p.kind(messages)
	p.calls = append(p.calls, kind)
	if p.lastUser == nil {
		p.lastUser = map[string]string{}
	}
	p.lastUser[kind] = messages[len(messages)-1].Content

	if p.failAll || (kind == "reply" && p.failReply) {
		return nil, errors.New("upstream unavailable")
	}
	switch kind {
	case "reformulate":
		return &providers.LLMResponse{Content: p.reformulate}, nil
	case "summary":
		return &providers.LLMResponse{Content: p.summary}, nil
	default:
		return &providers.LLMResponse{Content: p.reply}, nil
	}
}

func (p *scriptedProvider) GetDefaultModel() string { return "scripted" }

func (p *scriptedProvider) count(kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == kind {
			n++
		}
	}
	return n
}

type serviceFixture struct {
	svc      *Service
	store    *memory.SQLStore
	provider *scriptedProvider
	root     string
}

func newServiceFixture(t *testing.T, provider *scriptedProvider) *serviceFixture {
	t.Helper()
	dir := t.TempDir()
	store, err := memory.NewSQLiteStore(filepath.Join(dir, "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	root := filepath.Join(dir, "vectors")
	embedder := memory.NewLocalEmbedder()
	retriever := retrieval.NewIndexRetriever(root, embedder)
	_, err = retriever.Ingest(context.Background(), 1, []retrieval.Chunk{
		{Text: "Bid security of two percent of the contract value is required.", Page: 3, ChunkIndex: 0},
		{Text: "Bid security is refunded to unsuccessful bidders after award.", Page: 3, ChunkIndex: 1},
		{Text: "The warranty period for all pumps is twenty four months.", Page: 9, ChunkIndex: 2},
	})
	require.NoError(t, err)

	cfg := Config{
		Store:      store,
		Embedder:   embedder,
		Retriever:  retriever,
		VectorRoot: root,
		Manager:    memory.ManagerConfig{SummaryTrigger: 15},
		CacheSize:  4,
		Model:      "scripted",
	}
	if provider != nil {
		cfg.Provider = provider
	}
	svc, err := NewService(cfg)
	require.NoError(t, err)
	return &serviceFixture{svc: svc, store: store, provider: provider, root: root}
}

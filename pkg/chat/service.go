package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/HensemLin/tenderdesk/pkg/config"
	"github.com/HensemLin/tenderdesk/pkg/logger"
	"github.com/HensemLin/tenderdesk/pkg/memory"
	"github.com/HensemLin/tenderdesk/pkg/metrics"
	"github.com/HensemLin/tenderdesk/pkg/providers"
	"github.com/HensemLin/tenderdesk/pkg/retrieval"
)

// ErrInvalidRequest marks caller mistakes such as a blank session key.
var ErrInvalidRequest = errors.New("invalid request")

const (
	defaultTopK         = 10
	defaultOriginalTopK = 5
)

// Config wires a Service. Store and Retriever are required; a nil Provider
// disables summaries and reformulation and every reply falls back to the
// apology text.
type Config struct {
	Store      memory.Store
	Embedder   memory.Embedder
	Provider   providers.LLMProvider
	Retriever  retrieval.Retriever
	VectorRoot string

	Manager   memory.ManagerConfig
	CacheSize int

	Model                  string
	ChatTemperature        float64
	SummaryTemperature     float64
	ReformulateTemperature float64
	MaxTokens              int

	TopK         int
	OriginalTopK int
}

// ConfigFrom copies the tunables from application config. Collaborators
// are left for the caller to set.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		VectorRoot: cfg.VectorPath(),
		Manager: memory.ManagerConfig{
			BufferMessages:         cfg.Memory.BufferMessages,
			MaxTokensBeforeSummary: cfg.Memory.MaxTokens,
			SummaryTrigger:         cfg.Memory.SummaryTrigger,
			SemanticTopK:           cfg.Memory.SemanticTopK,
			SnippetEvery:           cfg.Memory.SnippetEvery,
		},
		CacheSize:              cfg.Memory.MaxCacheSize,
		Model:                  cfg.Models.LLM,
		ChatTemperature:        cfg.Models.ChatTemperature,
		SummaryTemperature:     cfg.Models.SummaryTemperature,
		ReformulateTemperature: cfg.Models.ReformulateTemperature,
		MaxTokens:              cfg.Models.MaxTokens,
		TopK:                   cfg.Retrieval.TopK,
		OriginalTopK:           cfg.Retrieval.OriginalTopK,
	}
}

// TurnRequest is one user message against a set of documents.
type TurnRequest struct {
	SessionKey  string  `json:"session_id"`
	Message     string  `json:"message"`
	DocIDs      []int64 `json:"doc_ids"`
	UserID      string  `json:"user_id,omitempty"`
	UseSemantic bool    `json:"use_semantic_memory"`
}

// TurnContext is everything needed to generate the assistant reply.
type TurnContext struct {
	SessionKey        string               `json:"session_id"`
	OriginalQuery     string               `json:"original_query"`
	ReformulatedQuery string               `json:"reformulated_query"`
	Memory            memory.MemoryContext `json:"-"`
	MemoryContext     string               `json:"memory_context"`
	Passages          []retrieval.Passage  `json:"-"`
	Sources           []memory.Source      `json:"sources"`
	SystemPrompt      string               `json:"system_prompt"`
	UserPrompt        string               `json:"user_prompt"`
	Stats             memory.Stats         `json:"memory_stats"`
}

// ChatResponse is the outcome of a full turn.
type ChatResponse struct {
	SessionKey        string          `json:"session_id"`
	Message           string          `json:"message"`
	Sources           []memory.Source `json:"sources"`
	Summary           string          `json:"conversation_summary,omitempty"`
	TotalMessages     int             `json:"total_messages"`
	Stats             memory.Stats    `json:"memory_stats"`
	ReformulatedQuery string          `json:"reformulated_query,omitempty"`
}

// Service runs chat turns: memory, query reformulation, document retrieval
// and reply generation.
type Service struct {
	cfg          Config
	deps         memory.Deps
	cache        *memory.ManagerCache
	reformulator *Reformulator
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("chat service: store is required")
	}
	if cfg.Retriever == nil {
		return nil, fmt.Errorf("chat service: retriever is required")
	}
	if strings.TrimSpace(cfg.VectorRoot) == "" {
		return nil, fmt.Errorf("chat service: vector root is required")
	}
	if cfg.Embedder == nil {
		cfg.Embedder = memory.NewLocalEmbedder()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.OriginalTopK <= 0 {
		cfg.OriginalTopK = defaultOriginalTopK
	}

	cache, err := memory.NewManagerCache(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	deps := memory.Deps{
		Store:      cfg.Store,
		Embedder:   cfg.Embedder,
		VectorRoot: cfg.VectorRoot,
		Indexes:    memory.NewIndexRegistry(cfg.VectorRoot, cfg.Embedder, cfg.Manager.SemanticTopK),
	}
	if cfg.Provider != nil {
		deps.Summarize = providers.NewSummarizer(cfg.Provider, cfg.Model, cfg.SummaryTemperature)
	}
	return &Service{
		cfg:          cfg,
		deps:         deps,
		cache:        cache,
		reformulator: NewReformulator(cfg.Provider, cfg.Model, cfg.ReformulateTemperature),
	}, nil
}

func (s *Service) buildManager(ctx context.Context, sessionKey string, docIDs []int64, userID string) (*memory.Manager, error) {
	return memory.NewManager(ctx, s.deps, s.cfg.Manager, sessionKey, docIDs, userID)
}

// Cache exposes the manager cache for diagnostics.
func (s *Service) Cache() *memory.ManagerCache { return s.cache }

func validateTurn(req TurnRequest) error {
	if strings.TrimSpace(req.SessionKey) == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	return nil
}

// ProcessTurn records the user message and assembles the reply context
// without calling the LLM for the reply itself.
func (s *Service) ProcessTurn(ctx context.Context, req TurnRequest) (TurnContext, error) {
	tc, _, err := s.processTurn(ctx, req)
	if err != nil {
		return TurnContext{}, err
	}
	metrics.ChatTurns.WithLabelValues("turn").Inc()
	return tc, nil
}

func (s *Service) processTurn(ctx context.Context, req TurnRequest) (TurnContext, *memory.Manager, error) {
	if err := validateTurn(req); err != nil {
		return TurnContext{}, nil, err
	}
	mgr, err := s.cache.GetOrCreate(ctx, req.SessionKey, req.DocIDs, req.UserID, s.buildManager)
	if err != nil {
		return TurnContext{}, nil, err
	}
	if _, err := mgr.AddUserMessage(ctx, req.Message); err != nil {
		return TurnContext{}, nil, err
	}

	semanticQuery := ""
	if req.UseSemantic {
		semanticQuery = req.Message
	}
	mc, err := mgr.MemoryContext(ctx, semanticQuery)
	if err != nil {
		return TurnContext{}, nil, err
	}

	query := req.Message
	if ShouldReformulate(req.Message, mc.RecentMessages) {
		query = s.reformulator.Reformulate(ctx, req.Message, mc.RecentMessages, mc.Summary)
		logger.DebugCF("chat", "Reformulated query", map[string]interface{}{
			"session_key":  req.SessionKey,
			"reformulated": query,
		})
	} else {
		metrics.Reformulations.WithLabelValues("skipped").Inc()
	}

	passages := s.retrieve(ctx, query, req.DocIDs, s.cfg.TopK)
	if query != req.Message {
		original := s.retrieve(ctx, req.Message, req.DocIDs, s.cfg.OriginalTopK)
		passages = mergePassages(passages, original, s.cfg.TopK)
	}
	logger.DebugCF("chat", "Retrieved documents", map[string]interface{}{
		"session_key": req.SessionKey,
		"doc_ids":     req.DocIDs,
		"passages":    len(passages),
	})

	stats, err := mgr.Stats(ctx)
	if err != nil {
		return TurnContext{}, nil, err
	}
	return TurnContext{
		SessionKey:        req.SessionKey,
		OriginalQuery:     req.Message,
		ReformulatedQuery: query,
		Memory:            mc,
		MemoryContext:     memory.FormatMemoryContext(mc),
		Passages:          passages,
		Sources:           retrieval.SourceReferences(passages),
		SystemPrompt:      assistantSystemPrompt,
		UserPrompt:        buildReplyPrompt(req.Message, retrieval.FormatContext(passages), mc),
		Stats:             stats,
	}, mgr, nil
}

func (s *Service) retrieve(ctx context.Context, query string, docIDs []int64, topK int) []retrieval.Passage {
	passages, err := s.cfg.Retriever.Retrieve(ctx, query, docIDs, topK)
	if err != nil {
		logger.WarnCF("chat", "Document retrieval failed", map[string]interface{}{
			"doc_ids": docIDs,
			"error":   err.Error(),
		})
		return nil
	}
	return passages
}

// mergePassages appends extra passages whose text is not already present,
// re-sorts closest first and caps the result.
func mergePassages(primary, extra []retrieval.Passage, limit int) []retrieval.Passage {
	seen := make(map[string]struct{}, len(primary)+len(extra))
	merged := make([]retrieval.Passage, 0, len(primary)+len(extra))
	for _, p := range primary {
		seen[p.Text] = struct{}{}
		merged = append(merged, p)
	}
	for _, p := range extra {
		if _, dup := seen[p.Text]; dup {
			continue
		}
		seen[p.Text] = struct{}{}
		merged = append(merged, p)
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score < merged[j].Score })
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// Chat runs a full turn and records the assistant reply. A failed LLM call
// produces the apology reply rather than an error.
func (s *Service) Chat(ctx context.Context, req TurnRequest) (ChatResponse, error) {
	tc, mgr, err := s.processTurn(ctx, req)
	if err != nil {
		return ChatResponse{}, err
	}

	reply := s.generateReply(ctx, tc)
	if _, err := mgr.AddAssistantMessage(ctx, reply, tc.Sources); err != nil {
		return ChatResponse{}, err
	}
	stats, err := mgr.Stats(ctx)
	if err != nil {
		return ChatResponse{}, err
	}
	metrics.ChatTurns.WithLabelValues("message").Inc()

	sources := tc.Sources
	if sources == nil {
		sources = []memory.Source{}
	}
	return ChatResponse{
		SessionKey:        req.SessionKey,
		Message:           reply,
		Sources:           sources,
		Summary:           tc.Memory.Summary,
		TotalMessages:     stats.TotalMessages,
		Stats:             stats,
		ReformulatedQuery: tc.ReformulatedQuery,
	}, nil
}

func (s *Service) generateReply(ctx context.Context, tc TurnContext) string {
	if s.cfg.Provider == nil {
		logger.WarnCF("chat", "No LLM provider configured", map[string]interface{}{"session_key": tc.SessionKey})
		return apologyReply
	}
	messages := []providers.Message{
		{Role: "system", Content: tc.SystemPrompt},
		{Role: "user", Content: tc.UserPrompt},
	}
	options := map[string]interface{}{"temperature": s.cfg.ChatTemperature}
	if s.cfg.MaxTokens > 0 {
		options["max_tokens"] = s.cfg.MaxTokens
	}
	resp, err := s.cfg.Provider.Chat(ctx, messages, s.cfg.Model, options)
	if err != nil {
		metrics.ExternalFailures.WithLabelValues("llm", "reply").Inc()
		logger.ErrorCF("chat", "LLM invocation failed", map[string]interface{}{
			"session_key": tc.SessionKey,
			"error":       err.Error(),
		})
		return apologyReply
	}
	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return apologyReply
	}
	return reply
}

// SessionSummaryView returns the persisted session, or ErrSessionNotFound.
func (s *Service) SessionSummaryView(ctx context.Context, sessionKey string) (SessionView, error) {
	sess, err := s.cfg.Store.GetSession(ctx, sessionKey)
	if err != nil {
		return SessionView{}, err
	}
	return sessionView(sess), nil
}

func (s *Service) ListSessions(ctx context.Context, userID string, skip, limit int) ([]SessionView, error) {
	sessions, err := s.cfg.Store.ListSessions(ctx, userID, skip, limit)
	if err != nil {
		return nil, err
	}
	out := make([]SessionView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionView(sess))
	}
	return out, nil
}

// ListMessages returns a session's messages oldest first; limit <= 0 means
// all. An unknown session yields an empty list.
func (s *Service) ListMessages(ctx context.Context, sessionKey string, limit int) ([]MessageView, error) {
	msgs, err := s.cfg.Store.Messages(ctx, sessionKey, limit, 0)
	if err != nil {
		return nil, err
	}
	out := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageView(m))
	}
	return out, nil
}

// DeleteSession closes cached managers of the session, then removes the
// semantic index and the stored session with its messages.
func (s *Service) DeleteSession(ctx context.Context, sessionKey string) error {
	dropped := s.cache.RemoveSession(sessionKey)
	for _, m := range dropped {
		m.Close()
	}
	if err := s.deps.Indexes.Delete(sessionKey); err != nil {
		logger.WarnCF("chat", "Failed to delete semantic index", map[string]interface{}{
			"session_key": sessionKey,
			"error":       err.Error(),
		})
	}
	deleted, err := s.cfg.Store.DeleteSession(ctx, sessionKey)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if !deleted {
		return memory.ErrSessionNotFound
	}
	logger.InfoCF("chat", "Session deleted", map[string]interface{}{
		"session_key":      sessionKey,
		"managers_dropped": len(dropped),
	})
	return nil
}

// Close closes every cached manager, waiting for in-flight turns. The store
// is left open for the caller to close.
func (s *Service) Close() {
	s.cache.Purge()
}

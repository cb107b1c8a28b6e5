package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/HensemLin/tenderdesk/pkg/logger"
	"github.com/HensemLin/tenderdesk/pkg/metrics"
)

// ManagerConfig tunes one session manager. Zero fields take defaults.
type ManagerConfig struct {
	BufferMessages         int
	MaxTokensBeforeSummary int
	SummaryTrigger         int
	SemanticTopK           int
	SnippetEvery           int
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		BufferMessages:         DefaultKeepSize,
		MaxTokensBeforeSummary: DefaultMaxTokensBeforeSummary,
		SummaryTrigger:         15,
		SemanticTopK:           DefaultSemanticTopK,
		SnippetEvery:           4,
	}
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	d := DefaultManagerConfig()
	if c.BufferMessages <= 0 {
		c.BufferMessages = d.BufferMessages
	}
	if c.MaxTokensBeforeSummary <= 0 {
		c.MaxTokensBeforeSummary = d.MaxTokensBeforeSummary
	}
	if c.SummaryTrigger <= 0 {
		c.SummaryTrigger = d.SummaryTrigger
	}
	if c.SemanticTopK <= 0 {
		c.SemanticTopK = d.SemanticTopK
	}
	if c.SnippetEvery <= 0 {
		c.SnippetEvery = d.SnippetEvery
	}
	return c
}

// Deps are the shared collaborators every manager is built from. When
// Indexes is set, managers take their semantic index from it; otherwise each
// manager opens its own.
type Deps struct {
	Store      Store
	Embedder   Embedder
	Summarize  SummaryFunc
	VectorRoot string
	Indexes    *IndexRegistry
}

// Manager coordinates the rolling buffer, message store and semantic index
// of one session. Calls are serialised by an internal lock.
type Manager struct {
	mu sync.Mutex

	cfg      ManagerConfig
	store    Store
	buffer   *RollingBuffer
	semantic *SemanticIndex

	sessionKey string
	docIDs     []int64
	userID     string
	session    Session
	closed     atomic.Bool
}

// NewManager loads or creates the session and warms the buffer from the
// most recent persisted messages.
func NewManager(ctx context.Context, deps Deps, cfg ManagerConfig, sessionKey string, docIDs []int64, userID string) (*Manager, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("new memory manager: nil store")
	}
	cfg = cfg.withDefaults()

	sess, err := deps.Store.GetOrCreateSession(ctx, sessionKey, docIDs, userID)
	if err != nil {
		return nil, fmt.Errorf("new memory manager: %w", err)
	}
	var semantic *SemanticIndex
	if deps.Indexes != nil {
		semantic = deps.Indexes.Index(sessionKey)
	} else {
		semantic = NewSemanticIndex(deps.VectorRoot, sessionKey, deps.Embedder, cfg.SemanticTopK)
	}
	m := &Manager{
		cfg:        cfg,
		store:      deps.Store,
		buffer:     NewRollingBuffer(cfg.BufferMessages, cfg.MaxTokensBeforeSummary, deps.Summarize),
		semantic:   semantic,
		sessionKey: sessionKey,
		docIDs:     sortedDocIDs(docIDs),
		userID:     userID,
		session:    sess,
	}

	recent, err := deps.Store.RecentMessages(ctx, sessionKey, cfg.BufferMessages)
	if err != nil {
		return nil, fmt.Errorf("warm buffer: %w", err)
	}
	if len(recent) > 0 {
		entries := make([]BufferEntry, 0, len(recent))
		for _, msg := range recent {
			entries = append(entries, BufferEntry{Role: msg.Role, Content: msg.Content})
		}
		if err := m.buffer.LoadBatch(entries); err != nil {
			return nil, fmt.Errorf("warm buffer: %w", err)
		}
	}
	logger.DebugCF("memory", "Memory manager ready", map[string]interface{}{
		"session_key":    sessionKey,
		"warm_messages":  len(recent),
		"total_messages": sess.TotalMessages,
	})
	return m, nil
}

func (m *Manager) SessionKey() string { return m.sessionKey }

func (m *Manager) DocIDs() []int64 { return append([]int64(nil), m.docIDs...) }

// Session returns the latest session snapshot seen by this manager.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Closed reports whether ClearSession has run.
func (m *Manager) Closed() bool {
	return m.closed.Load()
}

// Close marks the manager unusable without touching stored state. It waits
// for an in-flight call to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed.Store(true)
}

func (m *Manager) AddUserMessage(ctx context.Context, content string) (Message, error) {
	return m.addMessage(ctx, RoleUser, content, nil)
}

func (m *Manager) AddAssistantMessage(ctx context.Context, content string, sources []Source) (Message, error) {
	return m.addMessage(ctx, RoleAssistant, content, sources)
}

// AddMessage records a message with a role given as a wire string.
func (m *Manager) AddMessage(ctx context.Context, role string, content string, sources []Source) (Message, error) {
	r, err := ParseRole(role)
	if err != nil {
		return Message{}, err
	}
	return m.addMessage(ctx, r, content, sources)
}

func (m *Manager) addMessage(ctx context.Context, role Role, content string, sources []Source) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return Message{}, ErrManagerClosed
	}

	// Buffer first, store second. The store stays authoritative on reload.
	if err := m.buffer.Add(role, content); err != nil {
		return Message{}, err
	}
	msg, sess, err := m.store.AddMessage(ctx, Message{
		SessionKey: m.sessionKey,
		Role:       role,
		Content:    content,
		Sources:    sources,
		TokenCount: CountTokens(content),
	})
	if err != nil {
		return Message{}, fmt.Errorf("persist %s message: %w", role, err)
	}
	m.session = sess

	if role == RoleAssistant && sess.TotalMessages%m.cfg.SnippetEvery == 0 {
		m.indexRecentLocked(ctx)
	}
	if err := m.maybeSummarizeLocked(ctx); err != nil {
		return msg, err
	}
	return msg, nil
}

func (m *Manager) indexRecentLocked(ctx context.Context) {
	recent := m.buffer.Recent(m.cfg.SnippetEvery)
	if len(recent) < 2 {
		return
	}
	lines := make([]string, 0, len(recent))
	for _, e := range recent {
		lines = append(lines, string(e.Role)+": "+e.Content)
	}
	added := m.semantic.Add(ctx, strings.Join(lines, "\n"), map[string]string{
		"session_key":    m.sessionKey,
		"message_count":  strconv.Itoa(len(recent)),
		"total_messages": strconv.Itoa(m.session.TotalMessages),
	})
	if added {
		metrics.SnippetsIndexed.Inc()
	}
}

// ShouldSummarize reports whether a session at total messages hits the
// summary trigger.
func ShouldSummarize(total, trigger int) bool {
	return trigger > 0 && total >= trigger && total%trigger == 0
}

func (m *Manager) maybeSummarizeLocked(ctx context.Context) error {
	if !ShouldSummarize(m.session.TotalMessages, m.cfg.SummaryTrigger) {
		return nil
	}
	summary := m.buffer.ConversationSummary(ctx)
	if summary == "" {
		return nil
	}
	sess, err := m.store.UpdateSession(ctx, m.sessionKey, SessionUpdate{Summary: &summary})
	if err != nil {
		return fmt.Errorf("persist summary: %w", err)
	}
	m.session = sess
	metrics.SummariesGenerated.Inc()
	logger.InfoCF("memory", "Session summary updated", map[string]interface{}{
		"session_key":    m.sessionKey,
		"total_messages": sess.TotalMessages,
	})
	return nil
}

// MemoryContext assembles recent persisted messages, the current summary and,
// when query is non-empty, similar past snippets.
func (m *Manager) MemoryContext(ctx context.Context, query string) (MemoryContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return MemoryContext{}, ErrManagerClosed
	}

	recent, err := m.store.RecentMessages(ctx, m.sessionKey, m.cfg.BufferMessages)
	if err != nil {
		return MemoryContext{}, fmt.Errorf("memory context: %w", err)
	}
	semantic := []string{}
	if strings.TrimSpace(query) != "" {
		if found := m.semantic.Similar(ctx, query, m.cfg.SemanticTopK); found != nil {
			semantic = found
		}
	}
	return MemoryContext{
		SessionKey:      m.sessionKey,
		RecentMessages:  recent,
		Summary:         m.session.Summary,
		SemanticContext: semantic,
		TotalMessages:   m.session.TotalMessages,
		DocIDs:          append([]int64(nil), m.docIDs...),
	}, nil
}

// FormattedContext renders MemoryContext as prompt text.
func (m *Manager) FormattedContext(ctx context.Context, query string) (string, error) {
	mc, err := m.MemoryContext(ctx, query)
	if err != nil {
		return "", err
	}
	return FormatMemoryContext(mc), nil
}

func FormatMemoryContext(mc MemoryContext) string {
	var parts []string
	if mc.Summary != "" {
		parts = append(parts, "Conversation Summary:\n"+mc.Summary+"\n")
	}
	if len(mc.SemanticContext) > 0 {
		parts = append(parts, "Relevant Past Context:")
		for i, snippet := range mc.SemanticContext {
			parts = append(parts, fmt.Sprintf("%d. %s", i+1, snippet))
		}
		parts = append(parts, "")
	}
	if len(mc.RecentMessages) > 0 {
		parts = append(parts, "Recent Messages:")
		for _, msg := range mc.RecentMessages {
			parts = append(parts, string(msg.Role)+": "+msg.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// Stats reads counters from all tiers. It never calls the LLM.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return Stats{}, ErrManagerClosed
	}
	persisted, err := m.store.MessageCount(ctx, m.sessionKey)
	if err != nil {
		return Stats{}, fmt.Errorf("memory stats: %w", err)
	}
	return Stats{
		SessionKey:        m.sessionKey,
		DocIDs:            append([]int64(nil), m.docIDs...),
		TotalMessages:     m.session.TotalMessages,
		Buffer:            m.buffer.Stats(),
		PersistedMessages: persisted,
		SemanticSnippets:  m.semantic.Count(),
		HasSummary:        m.session.Summary != "",
	}, nil
}

// ClearSession wipes all three tiers. The manager is unusable afterwards.
func (m *Manager) ClearSession(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return ErrManagerClosed
	}
	m.buffer.Clear()
	if err := m.semantic.Clear(); err != nil {
		logger.WarnCF("memory", "Failed to clear semantic index", map[string]interface{}{
			"session_key": m.sessionKey,
			"error":       err.Error(),
		})
	}
	if _, err := m.store.DeleteSession(ctx, m.sessionKey); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	m.closed.Store(true)
	return nil
}

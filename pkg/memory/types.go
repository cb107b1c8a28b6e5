package memory

import (
	"sort"
	"time"
)

// Role is the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole validates a wire role string.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleAssistant:
		return Role(s), nil
	default:
		return "", &InvalidRoleError{Role: s}
	}
}

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Session is an immutable snapshot of persisted per-conversation state.
// Stores return a fresh value after every mutation.
type Session struct {
	SessionKey    string
	DocIDs        []int64
	UserID        string
	CreatedAt     time.Time
	LastActivity  time.Time
	Summary       string
	TotalMessages int
	Metadata      map[string]string
}

// Source is a document citation attached to an assistant message.
type Source struct {
	DocID      int64   `json:"doc_id"`
	DocName    string  `json:"doc_name,omitempty"`
	Page       int     `json:"page"`
	ChunkIndex int     `json:"chunk_index"`
	Snippet    string  `json:"snippet"`
	Score      float64 `json:"relevance_score"`
}

// Message is one persisted chat message. Seq orders messages within a session.
type Message struct {
	ID         string
	SessionKey string
	Seq        int
	Role       Role
	Content    string
	CreatedAt  time.Time
	Sources    []Source
	TokenCount int
}

// SessionUpdate is a partial session mutation; nil fields are left untouched.
type SessionUpdate struct {
	Summary       *string
	TotalMessages *int
	Metadata      map[string]string
}

// BufferEntry is the in-process form of a message.
type BufferEntry struct {
	Role    Role
	Content string
}

// Snippet is a conversation excerpt stored in the semantic index.
type Snippet struct {
	Text     string
	Metadata map[string]string
}

// ScoredSnippet pairs a snippet with its squared L2 distance to the query.
// Smaller scores are closer.
type ScoredSnippet struct {
	Text     string
	Metadata map[string]string
	Score    float64
}

// MemoryContext is everything the prompt builder needs from memory.
type MemoryContext struct {
	SessionKey      string
	RecentMessages  []Message
	Summary         string
	SemanticContext []string
	TotalMessages   int
	DocIDs          []int64
}

// BufferStats describes the rolling buffer without invoking the LLM.
type BufferStats struct {
	Messages     int  `json:"messages"`
	Tokens       int  `json:"buffer_tokens"`
	MaxTokens    int  `json:"max_token_limit"`
	ExceedsLimit bool `json:"exceeds_token_limit"`
}

// Stats is the cross-tier diagnostic view of a session.
type Stats struct {
	SessionKey        string      `json:"session_key"`
	DocIDs            []int64     `json:"doc_ids"`
	TotalMessages     int         `json:"total_messages"`
	Buffer            BufferStats `json:"short_term"`
	PersistedMessages int         `json:"long_term_messages"`
	SemanticSnippets  int         `json:"semantic_snippets"`
	HasSummary        bool        `json:"has_summary"`
}

func sortedDocIDs(ids []int64) []int64 {
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

package chat

import (
	"time"

	"github.com/HensemLin/tenderdesk/pkg/memory"
)

// SessionView is the wire form of a persisted session.
type SessionView struct {
	SessionKey    string    `json:"session_id"`
	DocIDs        []int64   `json:"doc_ids"`
	UserID        string    `json:"user_id,omitempty"`
	TotalMessages int       `json:"total_messages"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
	Summary       string    `json:"summary,omitempty"`
}

// MessageView is the wire form of a persisted message.
type MessageView struct {
	ID         string          `json:"id"`
	SessionKey string          `json:"session_id"`
	Seq        int             `json:"seq"`
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	Timestamp  time.Time       `json:"timestamp"`
	Sources    []memory.Source `json:"sources,omitempty"`
	TokenCount int             `json:"token_count"`
}

func sessionView(s memory.Session) SessionView {
	ids := s.DocIDs
	if ids == nil {
		ids = []int64{}
	}
	return SessionView{
		SessionKey:    s.SessionKey,
		DocIDs:        ids,
		UserID:        s.UserID,
		TotalMessages: s.TotalMessages,
		CreatedAt:     s.CreatedAt,
		LastActivity:  s.LastActivity,
		Summary:       s.Summary,
	}
}

func messageView(m memory.Message) MessageView {
	return MessageView{
		ID:         m.ID,
		SessionKey: m.SessionKey,
		Seq:        m.Seq,
		Role:       string(m.Role),
		Content:    m.Content,
		Timestamp:  m.CreatedAt,
		Sources:    m.Sources,
		TokenCount: m.TokenCount,
	}
}

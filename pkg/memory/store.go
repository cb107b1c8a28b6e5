package memory

import "context"

// Store is the durable source of truth for sessions and messages.
type Store interface {
	Close() error

	// GetOrCreateSession never changes an existing session's doc ids.
	GetOrCreateSession(ctx context.Context, sessionKey string, docIDs []int64, userID string) (Session, error)
	GetSession(ctx context.Context, sessionKey string) (Session, error)
	UpdateSession(ctx context.Context, sessionKey string, upd SessionUpdate) (Session, error)
	DeleteSession(ctx context.Context, sessionKey string) (bool, error)
	ListSessions(ctx context.Context, userID string, skip, limit int) ([]Session, error)

	// AddMessage persists msg and bumps the session counter in one transaction.
	// It returns the stored message and the updated session snapshot.
	AddMessage(ctx context.Context, msg Message) (Message, Session, error)
	RecentMessages(ctx context.Context, sessionKey string, limit int) ([]Message, error)
	Messages(ctx context.Context, sessionKey string, limit, offset int) ([]Message, error)
	MessageCount(ctx context.Context, sessionKey string) (int, error)
}

package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// SQLStore persists sessions and messages in SQLite or PostgreSQL.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLiteStore creates/opens the chat database at path.
func NewSQLiteStore(path string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create chat db dir: %w", err)
	}
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection avoids writer lock contention under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return newSQLStore(db, DriverSQLite)
}

// NewPostgresStore connects to PostgreSQL using a lib/pq DSN.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	db, err := sql.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return newSQLStore(db, DriverPostgres)
}

func newSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	s := &SQLStore{db: db, driver: driver}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) init() error {
	var stmts []string
	if s.driver == DriverSQLite {
		stmts = append(stmts,
			`PRAGMA journal_mode=WAL;`,
			`PRAGMA synchronous=NORMAL;`,
			`PRAGMA foreign_keys=ON;`,
		)
	}
	stmts = append(stmts,
		`CREATE TABLE IF NOT EXISTS chat_sessions (
			session_key TEXT PRIMARY KEY,
			doc_ids_json TEXT NOT NULL DEFAULT '[]',
			user_id TEXT NOT NULL DEFAULT '',
			created_at_ms BIGINT NOT NULL,
			last_activity_ms BIGINT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			total_messages INTEGER NOT NULL DEFAULT 0,
			metadata_json TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE INDEX IF NOT EXISTS chat_sessions_activity_idx ON chat_sessions(user_id, last_activity_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			session_key TEXT NOT NULL REFERENCES chat_sessions(session_key) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms BIGINT NOT NULL,
			sources_json TEXT NOT NULL DEFAULT '[]',
			token_count INTEGER NOT NULL DEFAULT 0,
			UNIQUE(session_key, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS chat_messages_session_idx ON chat_messages(session_key, seq DESC);`,
	)
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init %s schema failed on %q: %w", s.driver, trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nowMS() int64 { return time.Now().UnixMilli() }

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMap(raw string) map[string]string {
	out := map[string]string{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]string{}
	}
	return out
}

func encodeIDs(ids []int64) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeIDs(raw string) []int64 {
	out := []int64{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return []int64{}
	}
	return out
}

func encodeSources(src []Source) string {
	if len(src) == 0 {
		return "[]"
	}
	b, err := json.Marshal(src)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeSources(raw string) []Source {
	if raw == "" || raw == "[]" {
		return nil
	}
	var out []Source
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const sessionColumns = `session_key, doc_ids_json, user_id, created_at_ms, last_activity_ms, summary, total_messages, metadata_json`

func scanSession(row rowScanner) (Session, error) {
	var out Session
	var docsRaw, metaRaw string
	var createdMS, activityMS int64
	if err := row.Scan(&out.SessionKey, &docsRaw, &out.UserID, &createdMS, &activityMS, &out.Summary, &out.TotalMessages, &metaRaw); err != nil {
		return Session{}, err
	}
	out.DocIDs = decodeIDs(docsRaw)
	out.Metadata = decodeMap(metaRaw)
	out.CreatedAt = time.UnixMilli(createdMS)
	out.LastActivity = time.UnixMilli(activityMS)
	return out, nil
}

func (s *SQLStore) getSession(ctx context.Context, q queryer, sessionKey string) (Session, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+sessionColumns+` FROM chat_sessions WHERE session_key = ?`), sessionKey)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionKey)
		}
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *SQLStore) GetSession(ctx context.Context, sessionKey string) (Session, error) {
	return s.getSession(ctx, s.db, sessionKey)
}

func (s *SQLStore) GetOrCreateSession(ctx context.Context, sessionKey string, docIDs []int64, userID string) (Session, error) {
	if strings.TrimSpace(sessionKey) == "" {
		return Session{}, fmt.Errorf("get or create session: empty session_key")
	}
	now := nowMS()
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO chat_sessions(session_key, doc_ids_json, user_id, created_at_ms, last_activity_ms, summary, total_messages, metadata_json)
VALUES(?, ?, ?, ?, ?, '', 0, '{}')
ON CONFLICT(session_key) DO NOTHING`),
		sessionKey, encodeIDs(sortedDocIDs(docIDs)), userID, now, now)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return s.GetSession(ctx, sessionKey)
}

func (s *SQLStore) UpdateSession(ctx context.Context, sessionKey string, upd SessionUpdate) (Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, fmt.Errorf("update session begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := s.getSession(ctx, tx, sessionKey)
	if err != nil {
		return Session{}, err
	}
	if upd.Summary != nil {
		cur.Summary = *upd.Summary
	}
	if upd.TotalMessages != nil {
		cur.TotalMessages = *upd.TotalMessages
	}
	if upd.Metadata != nil {
		cur.Metadata = upd.Metadata
	}
	activity := nowMS()
	if last := cur.LastActivity.UnixMilli(); activity < last {
		activity = last
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`
UPDATE chat_sessions
SET summary = ?, total_messages = ?, metadata_json = ?, last_activity_ms = ?
WHERE session_key = ?`), cur.Summary, cur.TotalMessages, encodeMap(cur.Metadata), activity, sessionKey); err != nil {
		return Session{}, fmt.Errorf("update session: %w", err)
	}
	out, err := s.getSession(ctx, tx, sessionKey)
	if err != nil {
		return Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return Session{}, fmt.Errorf("update session commit: %w", err)
	}
	return out, nil
}

func (s *SQLStore) DeleteSession(ctx context.Context, sessionKey string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("delete session begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Explicit child delete keeps the cascade even where FK enforcement is off.
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM chat_messages WHERE session_key = ?`), sessionKey); err != nil {
		return false, fmt.Errorf("delete session messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM chat_sessions WHERE session_key = ?`), sessionKey)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("delete session commit: %w", err)
	}
	return n > 0, nil
}

func (s *SQLStore) ListSessions(ctx context.Context, userID string, skip, limit int) ([]Session, error) {
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + sessionColumns + ` FROM chat_sessions`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY last_activity_ms DESC, session_key ASC LIMIT ? OFFSET ?`
	args = append(args, limit, skip)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0, limit)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (s *SQLStore) AddMessage(ctx context.Context, msg Message) (Message, Session, error) {
	if strings.TrimSpace(msg.SessionKey) == "" {
		return Message{}, Session{}, fmt.Errorf("add message: empty session_key")
	}
	if !msg.Role.Valid() {
		return Message{}, Session{}, &InvalidRoleError{Role: string(msg.Role)}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, Session{}, fmt.Errorf("add message begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Bumping the counter first takes the row lock on PostgreSQL, so seq
	// allocation is serialised per session.
	created := nowMS()
	res, err := tx.ExecContext(ctx, s.rebind(`
UPDATE chat_sessions
SET total_messages = total_messages + 1,
	last_activity_ms = CASE WHEN last_activity_ms > ? THEN last_activity_ms ELSE ? END
WHERE session_key = ?`), created, created, msg.SessionKey)
	if err != nil {
		return Message{}, Session{}, fmt.Errorf("add message update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Message{}, Session{}, fmt.Errorf("add message: %w: %s", ErrSessionNotFound, msg.SessionKey)
	}

	sess, err := s.getSession(ctx, tx, msg.SessionKey)
	if err != nil {
		return Message{}, Session{}, err
	}
	msg.Seq = sess.TotalMessages
	msg.CreatedAt = sess.LastActivity

	if _, err := tx.ExecContext(ctx, s.rebind(`
INSERT INTO chat_messages(id, session_key, seq, role, content, created_at_ms, sources_json, token_count)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.SessionKey, msg.Seq, string(msg.Role), msg.Content, msg.CreatedAt.UnixMilli(), encodeSources(msg.Sources), msg.TokenCount); err != nil {
		return Message{}, Session{}, fmt.Errorf("add message insert: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, Session{}, fmt.Errorf("add message commit: %w", err)
	}
	return msg, sess, nil
}

const messageColumns = `id, session_key, seq, role, content, created_at_ms, sources_json, token_count`

func scanMessages(rows *sql.Rows) ([]Message, error) {
	out := []Message{}
	for rows.Next() {
		var m Message
		var role, sourcesRaw string
		var createdMS int64
		if err := rows.Scan(&m.ID, &m.SessionKey, &m.Seq, &role, &m.Content, &createdMS, &sourcesRaw, &m.TokenCount); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		m.CreatedAt = time.UnixMilli(createdMS)
		m.Sources = decodeSources(sourcesRaw)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// RecentMessages returns the newest limit messages in chronological order.
func (s *SQLStore) RecentMessages(ctx context.Context, sessionKey string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultKeepSize
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT `+messageColumns+`
FROM chat_messages
WHERE session_key = ?
ORDER BY seq DESC
LIMIT ?`), sessionKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	defer rows.Close()

	out, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Messages lists history oldest first. limit <= 0 returns everything after offset.
func (s *SQLStore) Messages(ctx context.Context, sessionKey string, limit, offset int) ([]Message, error) {
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + messageColumns + ` FROM chat_messages WHERE session_key = ? ORDER BY seq ASC`
	args := []any{sessionKey}
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	} else if offset > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, int64(1<<62), offset)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLStore) MessageCount(ctx context.Context, sessionKey string) (int, error) {
	var n int
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM chat_messages WHERE session_key = ?`), sessionKey)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

var _ Store = (*SQLStore)(nil)

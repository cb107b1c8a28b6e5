package memory

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state", "chat.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func addMessages(t *testing.T, store Store, key string, n int) []Message {
	t.Helper()
	ctx := context.Background()
	out := make([]Message, 0, n)
	for i := 1; i <= n; i++ {
		role := RoleUser
		if i%2 == 0 {
			role = RoleAssistant
		}
		msg, _, err := store.AddMessage(ctx, Message{SessionKey: key, Role: role, Content: fmt.Sprintf("m%d", i)})
		if err != nil {
			t.Fatalf("add message %d: %v", i, err)
		}
		out = append(out, msg)
	}
	return out
}

func TestSQLStore_Persistence(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "state", "chat.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.GetOrCreateSession(ctx, "s1", []int64{7, 3}, "u1"); err != nil {
		t.Fatalf("create session: %v", err)
	}
	src := []Source{{DocID: 7, Page: 4, ChunkIndex: 2, Snippet: "clause 4.2", Score: 0.31}}
	if _, _, err := store.AddMessage(ctx, Message{SessionKey: "s1", Role: RoleUser, Content: "hello"}); err != nil {
		t.Fatalf("add user: %v", err)
	}
	if _, _, err := store.AddMessage(ctx, Message{SessionKey: "s1", Role: RoleAssistant, Content: "world", Sources: src}); err != nil {
		t.Fatalf("add assistant: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	store2, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer store2.Close()

	msgs, err := store2.RecentMessages(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("recent messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "hello" || msgs[1].Content != "world" {
		t.Fatalf("unexpected messages: %#v", msgs)
	}
	if len(msgs[1].Sources) != 1 || msgs[1].Sources[0].Snippet != "clause 4.2" {
		t.Fatalf("sources not round-tripped: %#v", msgs[1].Sources)
	}
	sess, err := store2.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.TotalMessages != 2 || sess.UserID != "u1" || len(sess.DocIDs) != 2 {
		t.Fatalf("unexpected session: %#v", sess)
	}
}

func TestSQLStore_GetOrCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first, err := store.GetOrCreateSession(ctx, "s1", []int64{1, 2}, "u1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := store.GetOrCreateSession(ctx, "s1", []int64{9}, "u2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fmt.Sprint(second.DocIDs) != fmt.Sprint(first.DocIDs) || fmt.Sprint(second.DocIDs) != "[1 2]" {
		t.Fatalf("doc ids changed on second call: %v", second.DocIDs)
	}
	if second.UserID != "u1" {
		t.Fatalf("user id changed on second call: %q", second.UserID)
	}
}

func TestSQLStore_RecentMessagesIsChronologicalSuffix(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if _, err := store.GetOrCreateSession(ctx, "s1", nil, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	addMessages(t, store, "s1", 7)

	all, err := store.Messages(ctx, "s1", 0, 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	for _, limit := range []int{1, 3, 7, 20} {
		recent, err := store.RecentMessages(ctx, "s1", limit)
		if err != nil {
			t.Fatalf("recent %d: %v", limit, err)
		}
		want := limit
		if want > len(all) {
			want = len(all)
		}
		if len(recent) != want {
			t.Fatalf("limit %d: got %d messages, want %d", limit, len(recent), want)
		}
		suffix := all[len(all)-want:]
		for i := range recent {
			if recent[i].ID != suffix[i].ID {
				t.Fatalf("limit %d: message %d is %q, want %q", limit, i, recent[i].Content, suffix[i].Content)
			}
			if i > 0 {
				if recent[i].Seq <= recent[i-1].Seq {
					t.Fatalf("seq not increasing: %d then %d", recent[i-1].Seq, recent[i].Seq)
				}
				if recent[i].CreatedAt.Before(recent[i-1].CreatedAt) {
					t.Fatalf("timestamps out of order at %d", i)
				}
			}
		}
	}

	page, err := store.Messages(ctx, "s1", 2, 3)
	if err != nil {
		t.Fatalf("paged messages: %v", err)
	}
	if len(page) != 2 || page[0].Content != "m4" || page[1].Content != "m5" {
		t.Fatalf("unexpected page: %#v", page)
	}
	tail, err := store.Messages(ctx, "s1", 0, 5)
	if err != nil {
		t.Fatalf("offset messages: %v", err)
	}
	if len(tail) != 2 || tail[0].Content != "m6" {
		t.Fatalf("unexpected tail: %#v", tail)
	}
}

func TestSQLStore_CounterMatchesRowCount(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if _, err := store.GetOrCreateSession(ctx, "s1", nil, ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	const writers, perWriter = 8, 5
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, _, err := store.AddMessage(ctx, Message{SessionKey: "s1", Role: RoleUser, Content: fmt.Sprintf("w%d-%d", w, i)})
				if err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent add: %v", err)
	}

	sess, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	count, err := store.MessageCount(ctx, "s1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if sess.TotalMessages != writers*perWriter || count != writers*perWriter {
		t.Fatalf("counter drift: total=%d rows=%d", sess.TotalMessages, count)
	}
	all, err := store.Messages(ctx, "s1", 0, 0)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	for i, m := range all {
		if m.Seq != i+1 {
			t.Fatalf("expected dense seq, message %d has seq %d", i, m.Seq)
		}
	}
}

func TestSQLStore_AddMessageReturnsSnapshot(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	before, err := store.GetOrCreateSession(ctx, "s1", nil, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	msg, after, err := store.AddMessage(ctx, Message{SessionKey: "s1", Role: RoleUser, Content: "hi"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if before.TotalMessages != 0 || after.TotalMessages != 1 || msg.Seq != 1 {
		t.Fatalf("unexpected snapshots before=%d after=%d seq=%d", before.TotalMessages, after.TotalMessages, msg.Seq)
	}
	if msg.ID == "" {
		t.Fatalf("expected generated message id")
	}
}

func TestSQLStore_MissingSession(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.GetSession(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("get: expected ErrSessionNotFound, got %v", err)
	}
	summary := "x"
	if _, err := store.UpdateSession(ctx, "nope", SessionUpdate{Summary: &summary}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("update: expected ErrSessionNotFound, got %v", err)
	}
	if _, _, err := store.AddMessage(ctx, Message{SessionKey: "nope", Role: RoleUser, Content: "hi"}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("add: expected ErrSessionNotFound, got %v", err)
	}
	if _, _, err := store.AddMessage(ctx, Message{SessionKey: "nope", Role: "system", Content: "hi"}); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("add: expected ErrInvalidRole, got %v", err)
	}
}

func TestSQLStore_UpdateSession(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	created, err := store.GetOrCreateSession(ctx, "s1", nil, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	summary := "user asked about delivery"
	updated, err := store.UpdateSession(ctx, "s1", SessionUpdate{Summary: &summary, Metadata: map[string]string{"lang": "en"}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Summary != summary || updated.Metadata["lang"] != "en" {
		t.Fatalf("unexpected update result: %#v", updated)
	}
	if updated.LastActivity.Before(created.LastActivity) {
		t.Fatalf("last activity moved backwards")
	}
	if created.Summary != "" {
		t.Fatalf("earlier snapshot was mutated")
	}
}

func TestSQLStore_DeleteCascades(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if _, err := store.GetOrCreateSession(ctx, "s1", nil, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	addMessages(t, store, "s1", 3)

	deleted, err := store.DeleteSession(ctx, "s1")
	if err != nil || !deleted {
		t.Fatalf("delete: deleted=%v err=%v", deleted, err)
	}
	count, err := store.MessageCount(ctx, "s1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected messages removed with session, got %d", count)
	}
	deleted, err = store.DeleteSession(ctx, "s1")
	if err != nil || deleted {
		t.Fatalf("second delete: deleted=%v err=%v", deleted, err)
	}
}

func TestSQLStore_ListSessions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	for _, key := range []string{"a", "b", "c"} {
		if _, err := store.GetOrCreateSession(ctx, key, nil, "u1"); err != nil {
			t.Fatalf("create %s: %v", key, err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := store.GetOrCreateSession(ctx, "other", nil, "u2"); err != nil {
		t.Fatalf("create other: %v", err)
	}

	got, err := store.ListSessions(ctx, "u1", 0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 || got[0].SessionKey != "c" || got[2].SessionKey != "a" {
		t.Fatalf("unexpected order: %#v", got)
	}
	page, err := store.ListSessions(ctx, "u1", 1, 1)
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if len(page) != 1 || page[0].SessionKey != "b" {
		t.Fatalf("unexpected page: %#v", page)
	}
	all, err := store.ListSessions(ctx, "", 0, 10)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 sessions, got %d", len(all))
	}
}

func TestSQLStore_RebindForPostgres(t *testing.T) {
	pg := &SQLStore{driver: DriverPostgres}
	if got := pg.rebind("a = ? AND b = ? LIMIT ?"); got != "a = $1 AND b = $2 LIMIT $3" {
		t.Fatalf("unexpected rebind: %q", got)
	}
	lite := &SQLStore{driver: DriverSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite query must be unchanged, got %q", got)
	}
}

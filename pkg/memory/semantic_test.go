package memory

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
)

type countingEmbedder struct {
	inner Embedder
	calls atomic.Int32
}

func (e *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	return e.inner.Embed(ctx, texts)
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("embedding endpoint unavailable")
}

func TestSemanticIndex_AddAndSearch(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	idx := NewSemanticIndex(root, "s1", NewLocalEmbedder(), 0)

	if idx.Count() != 0 {
		t.Fatalf("expected empty index")
	}
	if got := idx.Similar(ctx, "anything", 3); len(got) != 0 {
		t.Fatalf("expected no results before first insert, got %v", got)
	}

	idx.Add(ctx, "user: what is the delivery deadline\nassistant: the delivery deadline is 3 March", nil)
	idx.Add(ctx, "user: what are the payment terms\nassistant: payment is 30 days net", nil)
	idx.Add(ctx, "   ", nil)
	if idx.Count() != 2 {
		t.Fatalf("expected 2 snippets, got %d", idx.Count())
	}

	scored := idx.SimilarWithScores(ctx, "when is the delivery deadline", 2)
	if len(scored) != 2 {
		t.Fatalf("expected 2 scored results, got %d", len(scored))
	}
	if !strings.Contains(scored[0].Text, "delivery deadline") {
		t.Fatalf("expected delivery snippet first, got %q", scored[0].Text)
	}
	if scored[0].Score > scored[1].Score {
		t.Fatalf("scores must ascend (smaller is closer): %v > %v", scored[0].Score, scored[1].Score)
	}
	if scored[0].Metadata["session_key"] != "s1" {
		t.Fatalf("expected session_key metadata, got %#v", scored[0].Metadata)
	}
	if got := idx.Similar(ctx, "delivery", 1); len(got) != 1 {
		t.Fatalf("expected topK=1 to cap results, got %d", len(got))
	}
}

func TestSemanticIndex_PersistsAndLoadsLazily(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	first := NewSemanticIndex(root, "s1", NewLocalEmbedder(), 5)
	added := first.AddBatch(ctx, []Snippet{
		{Text: "bill of materials lists 40 cables"},
		{Text: ""},
		{Text: "site survey happens in week 2", Metadata: map[string]string{"message_count": "4"}},
	})
	if added != 2 {
		t.Fatalf("expected 2 snippets added, got %d", added)
	}
	if _, err := os.Stat(filepath.Join(IndexDir(root, "s1"), "index.json")); err != nil {
		t.Fatalf("expected index file on disk: %v", err)
	}

	emb := &countingEmbedder{inner: NewLocalEmbedder()}
	second := NewSemanticIndex(root, "s1", emb, 5)
	if second.Count() != 2 {
		t.Fatalf("expected reloaded index with 2 snippets, got %d", second.Count())
	}
	if emb.calls.Load() != 0 {
		t.Fatalf("loading must not embed")
	}
	got := second.Similar(ctx, "how many cables", 1)
	if len(got) != 1 || !strings.Contains(got[0], "cables") {
		t.Fatalf("unexpected search result: %v", got)
	}
}

func TestSemanticIndex_CorruptIndexDegrades(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	dir := IndexDir(root, "s1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "index.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	idx := NewSemanticIndex(root, "s1", NewLocalEmbedder(), 5)
	if idx.Count() != 0 {
		t.Fatalf("corrupt index should read as empty")
	}
	if got := idx.Similar(ctx, "anything", 5); len(got) != 0 {
		t.Fatalf("expected no results, got %v", got)
	}
	if !idx.Add(ctx, "fresh snippet", nil) || idx.Count() != 1 {
		t.Fatalf("expected add to rebuild the index")
	}
}

func TestSemanticIndex_EmbeddingFailureDegrades(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	idx := NewSemanticIndex(root, "s1", failingEmbedder{}, 5)
	if idx.Add(ctx, "something worth remembering", nil) {
		t.Fatalf("add should report failure")
	}
	if idx.Count() != 0 {
		t.Fatalf("expected nothing indexed")
	}
	if _, err := os.Stat(IndexDir(root, "s1")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("no index dir should be created on failure, stat err=%v", err)
	}

	good := NewSemanticIndex(root, "s2", NewLocalEmbedder(), 5)
	good.Add(ctx, "tender closes friday", nil)
	broken := NewSemanticIndex(root, "s2", failingEmbedder{}, 5)
	if got := broken.Similar(ctx, "when does the tender close", 5); len(got) != 0 {
		t.Fatalf("expected empty retrieval when embedding fails, got %v", got)
	}
}

func TestSemanticIndex_Clear(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	idx := NewSemanticIndex(root, "s1", NewLocalEmbedder(), 5)
	idx.Add(ctx, "remember this", nil)
	if err := idx.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if idx.Count() != 0 {
		t.Fatalf("expected empty index after clear")
	}
	if _, err := os.Stat(idx.Dir()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected index dir removed, stat err=%v", err)
	}
}

func TestIndexDir(t *testing.T) {
	root := "/var/vectors"
	if got := IndexDir(root, "abc-123"); got != filepath.Join(root, "session_abc-123") {
		t.Fatalf("unexpected dir %q", got)
	}
	if IndexDir(root, "a/b") != IndexDir(root, "a/b") {
		t.Fatalf("index dir must be deterministic")
	}
	if IndexDir(root, "a/b") == IndexDir(root, "a_b") {
		t.Fatalf("sanitised keys must not collide")
	}
	for _, key := range []string{"a/b", "../../etc", "x y"} {
		if filepath.Dir(IndexDir(root, key)) != root {
			t.Fatalf("key %q escaped the root: %q", key, IndexDir(root, key))
		}
	}
}

func TestFlatIndex_RejectsDimensionMismatch(t *testing.T) {
	var f FlatIndex
	if err := f.Add([][]float32{{1, 0}}, []IndexedDoc{{Text: "a"}}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := f.Add([][]float32{{1, 0, 0}}, []IndexedDoc{{Text: "b"}}); err == nil {
		t.Fatalf("expected dimension error")
	}
	if _, err := f.Search([]float32{1}, 1); err == nil {
		t.Fatalf("expected query dimension error")
	}
	hits, err := f.Search([]float32{0, 1}, 5)
	if err != nil || len(hits) != 1 || hits[0].Score != 2 {
		t.Fatalf("unexpected hits %#v err=%v", hits, err)
	}
}

func TestFlatIndex_FailedFirstBatchLeavesDimUnset(t *testing.T) {
	var f FlatIndex
	err := f.Add([][]float32{{1, 0}, {1, 0, 0}}, []IndexedDoc{{Text: "a"}, {Text: "b"}})
	if err == nil {
		t.Fatalf("expected dimension error")
	}
	if f.Dim != 0 || f.Len() != 0 {
		t.Fatalf("failed batch must not change the index: dim=%d len=%d", f.Dim, f.Len())
	}
	if err := f.Add([][]float32{{1, 0, 0}}, []IndexedDoc{{Text: "c"}}); err != nil {
		t.Fatalf("add after failed batch: %v", err)
	}
	if f.Dim != 3 {
		t.Fatalf("expected dim 3, got %d", f.Dim)
	}
}

func TestSaveFlatIndex_LeavesNoTempFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "doc_1")
	f := &FlatIndex{}
	if err := f.Add([][]float32{{1, 0}}, []IndexedDoc{{Text: "a"}}); err != nil {
		t.Fatalf("add: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := SaveFlatIndex(dir, f); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != indexFileName {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Fatalf("expected only %s, got %v", indexFileName, names)
	}
	loaded, err := LoadFlatIndex(dir)
	if err != nil || loaded.Len() != 1 {
		t.Fatalf("reload: len=%d err=%v", loaded.Len(), err)
	}
}

func TestIndexRegistry_SharesOneIndexPerSession(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	reg := NewIndexRegistry(root, NewLocalEmbedder(), 5)

	a := reg.Index("s1")
	b := reg.Index("s1")
	if a != b {
		t.Fatalf("expected one index instance per session key")
	}
	other := reg.Index("s2")
	if other == a {
		t.Fatalf("distinct sessions need distinct indexes")
	}
	if reg.Len() != 2 {
		t.Fatalf("expected 2 registered indexes, got %d", reg.Len())
	}
	runtime.KeepAlive(other)

	a.Add(ctx, "first snippet", nil)
	b.Add(ctx, "second snippet", nil)
	loaded, err := LoadFlatIndex(IndexDir(root, "s1"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Len() != 2 {
		t.Fatalf("expected 2 snippets on disk, got %d", loaded.Len())
	}

	if err := reg.Delete("s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if a.Count() != 0 {
		t.Fatalf("expected live index cleared")
	}
	if _, err := os.Stat(IndexDir(root, "s1")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected index dir removed, stat err=%v", err)
	}
	if reg.Index("s1") == a {
		t.Fatalf("expected a fresh index after delete")
	}
}

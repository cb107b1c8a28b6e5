package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"weak"

	"github.com/HensemLin/tenderdesk/pkg/logger"
	"github.com/HensemLin/tenderdesk/pkg/metrics"
)

const DefaultSemanticTopK = 5

// Embedder converts texts into vectors, one per input, in order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// SemanticIndex is the per-session archive of conversation snippets. The
// on-disk index is loaded on first use; load, embed and search failures
// degrade to "no semantic context" and are only logged.
type SemanticIndex struct {
	mu         sync.Mutex
	sessionKey string
	dir        string
	topK       int
	embedder   Embedder

	idx    *FlatIndex
	loaded bool
}

func NewSemanticIndex(root, sessionKey string, embedder Embedder, topK int) *SemanticIndex {
	if topK <= 0 {
		topK = DefaultSemanticTopK
	}
	return &SemanticIndex{
		sessionKey: sessionKey,
		dir:        IndexDir(root, sessionKey),
		topK:       topK,
		embedder:   embedder,
	}
}

// IndexRegistry hands out one SemanticIndex per session key, so managers of
// the same session under different document scopes share one in-memory index
// and never overwrite each other's saves. Entries are held weakly and are
// forgotten once no manager references the index.
type IndexRegistry struct {
	root     string
	embedder Embedder
	topK     int

	mu      sync.Mutex
	indexes map[string]weak.Pointer[SemanticIndex]
}

type registryEntry struct {
	sessionKey string
	ptr        weak.Pointer[SemanticIndex]
}

func NewIndexRegistry(root string, embedder Embedder, topK int) *IndexRegistry {
	return &IndexRegistry{
		root:     root,
		embedder: embedder,
		topK:     topK,
		indexes:  map[string]weak.Pointer[SemanticIndex]{},
	}
}

// Index returns the live index of sessionKey, creating it if needed.
func (r *IndexRegistry) Index(sessionKey string) *SemanticIndex {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ptr, ok := r.indexes[sessionKey]; ok {
		if idx := ptr.Value(); idx != nil {
			return idx
		}
	}
	idx := NewSemanticIndex(r.root, sessionKey, r.embedder, r.topK)
	ptr := weak.Make(idx)
	r.indexes[sessionKey] = ptr
	runtime.AddCleanup(idx, r.forget, registryEntry{sessionKey: sessionKey, ptr: ptr})
	return idx
}

func (r *IndexRegistry) forget(e registryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.indexes[e.sessionKey]; ok && cur == e.ptr {
		delete(r.indexes, e.sessionKey)
	}
}

// Delete clears the live index of sessionKey, if any, removes its directory
// and unregisters it. The next Index call starts from an empty index.
func (r *IndexRegistry) Delete(sessionKey string) error {
	r.mu.Lock()
	ptr, ok := r.indexes[sessionKey]
	delete(r.indexes, sessionKey)
	r.mu.Unlock()

	if ok {
		if idx := ptr.Value(); idx != nil {
			if err := idx.Clear(); err != nil {
				return err
			}
		}
	}
	return DeleteIndex(r.root, sessionKey)
}

// Len is the number of registered session indexes.
func (r *IndexRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.indexes)
}

// IndexDir returns the deterministic index directory of a session. Keys with
// characters outside [A-Za-z0-9._-] are sanitised and suffixed with a short
// hash so distinct keys never share a directory.
func IndexDir(root, sessionKey string) string {
	return filepath.Join(root, "session_"+sanitizeKey(sessionKey))
}

func sanitizeKey(key string) string {
	var b strings.Builder
	changed := false
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
			changed = true
		}
	}
	if !changed && key != "" && key != "." && key != ".." {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	return b.String() + "-" + hex.EncodeToString(sum[:4])
}

// DeleteIndex removes a session's index directory without loading it.
func DeleteIndex(root, sessionKey string) error {
	if err := os.RemoveAll(IndexDir(root, sessionKey)); err != nil {
		return fmt.Errorf("delete semantic index: %w", err)
	}
	return nil
}

func (s *SemanticIndex) Dir() string { return s.dir }

func (s *SemanticIndex) ensureLoadedLocked() {
	if s.loaded {
		return
	}
	s.loaded = true
	idx, err := LoadFlatIndex(s.dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.WarnCF("memory", "Failed to load semantic index", map[string]interface{}{
				"session_key": s.sessionKey,
				"dir":         s.dir,
				"error":       err.Error(),
			})
		}
		return
	}
	s.idx = idx
}

// Add embeds and stores one snippet. Blank text is ignored.
func (s *SemanticIndex) Add(ctx context.Context, text string, meta map[string]string) bool {
	return s.AddBatch(ctx, []Snippet{{Text: text, Metadata: meta}}) == 1
}

// AddBatch embeds all non-blank snippets in one call and saves once. It
// returns how many snippets were indexed.
func (s *SemanticIndex) AddBatch(ctx context.Context, snippets []Snippet) int {
	docs := make([]IndexedDoc, 0, len(snippets))
	texts := make([]string, 0, len(snippets))
	for _, sn := range snippets {
		if strings.TrimSpace(sn.Text) == "" {
			continue
		}
		meta := cloneMap(sn.Metadata)
		if meta == nil {
			meta = map[string]string{}
		}
		if meta["session_key"] == "" {
			meta["session_key"] = s.sessionKey
		}
		docs = append(docs, IndexedDoc{Text: sn.Text, Metadata: meta})
		texts = append(texts, sn.Text)
	}
	if len(docs) == 0 {
		return 0
	}
	vectors, ok := s.embed(ctx, "index", texts)
	if !ok {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked()
	if s.idx == nil {
		s.idx = &FlatIndex{}
	}
	if err := s.idx.Add(vectors, docs); err != nil {
		logger.WarnCF("memory", "Failed to add snippets to semantic index", map[string]interface{}{
			"session_key": s.sessionKey,
			"error":       err.Error(),
		})
		return 0
	}
	if err := SaveFlatIndex(s.dir, s.idx); err != nil {
		logger.WarnCF("memory", "Failed to save semantic index", map[string]interface{}{
			"session_key": s.sessionKey,
			"error":       err.Error(),
		})
	}
	return len(docs)
}

func (s *SemanticIndex) embed(ctx context.Context, op string, texts []string) ([][]float32, bool) {
	if s.embedder == nil {
		return nil, false
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err == nil && len(vectors) != len(texts) {
		err = fmt.Errorf("got %d vectors for %d texts", len(vectors), len(texts))
	}
	if err != nil {
		metrics.ExternalFailures.WithLabelValues("embedding", op).Inc()
		logger.WarnCF("memory", "Embedding failed", map[string]interface{}{
			"session_key": s.sessionKey,
			"op":          op,
			"error":       (&ExternalServiceError{Service: "embedding", Op: op, Err: err}).Error(),
		})
		return nil, false
	}
	return vectors, true
}

// Similar returns up to topK snippet texts closest to query.
// topK <= 0 uses the index default.
func (s *SemanticIndex) Similar(ctx context.Context, query string, topK int) []string {
	scored := s.SimilarWithScores(ctx, query, topK)
	out := make([]string, 0, len(scored))
	for _, sc := range scored {
		out = append(out, sc.Text)
	}
	return out
}

// SimilarWithScores pairs each result with its squared L2 distance, closest first.
func (s *SemanticIndex) SimilarWithScores(ctx context.Context, query string, topK int) []ScoredSnippet {
	if strings.TrimSpace(query) == "" {
		return nil
	}
	if topK <= 0 {
		topK = s.topK
	}
	if s.Count() == 0 {
		return nil
	}
	vectors, ok := s.embed(ctx, "search", []string{query})
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	hits, err := s.idx.Search(vectors[0], topK)
	if err != nil {
		logger.WarnCF("memory", "Semantic search failed", map[string]interface{}{
			"session_key": s.sessionKey,
			"error":       err.Error(),
		})
		return nil
	}
	out := make([]ScoredSnippet, 0, len(hits))
	for _, h := range hits {
		out = append(out, ScoredSnippet{Text: h.Doc.Text, Metadata: cloneMap(h.Doc.Metadata), Score: h.Score})
	}
	return out
}

// Clear deletes the on-disk index and resets to empty.
func (s *SemanticIndex) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idx = nil
	s.loaded = true
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("clear semantic index: %w", err)
	}
	return nil
}

// Count is the number of indexed snippets, 0 if no index exists yet.
func (s *SemanticIndex) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoadedLocked()
	return s.idx.Len()
}

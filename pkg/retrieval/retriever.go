package retrieval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/HensemLin/tenderdesk/pkg/logger"
	"github.com/HensemLin/tenderdesk/pkg/memory"
	"github.com/HensemLin/tenderdesk/pkg/metrics"
)

const (
	metaDocID      = "doc_id"
	metaDocName    = "doc_name"
	metaPageNumber = "page_number"
	metaChunkIndex = "chunk_index"
)

// Passage is one retrieved document chunk. Score is the squared L2
// distance to the query, smaller is closer.
type Passage struct {
	Text       string
	DocID      int64
	DocName    string
	Page       int
	ChunkIndex int
	Score      float64
}

// Chunk is pre-split document text ready for indexing.
type Chunk struct {
	Text       string
	Page       int
	ChunkIndex int
	DocName    string
}

// Retriever finds passages relevant to a query across a set of documents.
type Retriever interface {
	Retrieve(ctx context.Context, query string, docIDs []int64, topK int) ([]Passage, error)
}

// IndexRetriever keeps one flat vector index per document under
// <root>/doc_<id>. Indexes are loaded on first use and cached.
type IndexRetriever struct {
	root     string
	embedder memory.Embedder

	mu    sync.Mutex
	cache map[int64]*memory.FlatIndex
}

func NewIndexRetriever(root string, embedder memory.Embedder) *IndexRetriever {
	return &IndexRetriever{
		root:     root,
		embedder: embedder,
		cache:    map[int64]*memory.FlatIndex{},
	}
}

func DocDir(root string, docID int64) string {
	return filepath.Join(root, "doc_"+strconv.FormatInt(docID, 10))
}

// Retrieve searches every listed document with the same query embedding.
// A document whose index is missing or unreadable is skipped. Results are
// merged closest first and capped at topK per document.
func (r *IndexRetriever) Retrieve(ctx context.Context, query string, docIDs []int64, topK int) ([]Passage, error) {
	if strings.TrimSpace(query) == "" || len(docIDs) == 0 || topK <= 0 {
		return nil, nil
	}
	vecs, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		metrics.ExternalFailures.WithLabelValues("embedding", "retrieve").Inc()
		return nil, &memory.ExternalServiceError{Service: "embedding", Op: "retrieve", Err: err}
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("retrieve: expected 1 query embedding, got %d", len(vecs))
	}

	var passages []Passage
	for _, id := range docIDs {
		idx, err := r.index(id)
		if err != nil {
			logger.WarnCF("retrieval", "Skipping document index", map[string]interface{}{
				"doc_id": id,
				"error":  err.Error(),
			})
			continue
		}
		hits, err := idx.Search(vecs[0], topK)
		if err != nil {
			logger.WarnCF("retrieval", "Document search failed", map[string]interface{}{
				"doc_id": id,
				"error":  err.Error(),
			})
			continue
		}
		for _, h := range hits {
			passages = append(passages, passageFromHit(id, h))
		}
	}

	sort.SliceStable(passages, func(i, j int) bool { return passages[i].Score < passages[j].Score })
	if limit := topK * len(docIDs); len(passages) > limit {
		passages = passages[:limit]
	}
	return passages, nil
}

func passageFromHit(docID int64, h memory.Hit) Passage {
	p := Passage{
		Text:    h.Doc.Text,
		DocID:   docID,
		DocName: h.Doc.Metadata[metaDocName],
		Score:   h.Score,
	}
	if v, err := strconv.Atoi(h.Doc.Metadata[metaPageNumber]); err == nil {
		p.Page = v
	}
	if v, err := strconv.Atoi(h.Doc.Metadata[metaChunkIndex]); err == nil {
		p.ChunkIndex = v
	}
	return p
}

func (r *IndexRetriever) index(docID int64) (*memory.FlatIndex, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx, ok := r.cache[docID]; ok {
		return idx, nil
	}
	idx, err := memory.LoadFlatIndex(DocDir(r.root, docID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no vector index for document %d", docID)
		}
		return nil, err
	}
	r.cache[docID] = idx
	return idx, nil
}

// Ingest embeds chunks and replaces the document's index. Blank chunks are
// dropped. It returns the number of chunks indexed.
func (r *IndexRetriever) Ingest(ctx context.Context, docID int64, chunks []Chunk) (int, error) {
	texts := make([]string, 0, len(chunks))
	docs := make([]memory.IndexedDoc, 0, len(chunks))
	for _, c := range chunks {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		meta := map[string]string{
			metaDocID:      strconv.FormatInt(docID, 10),
			metaPageNumber: strconv.Itoa(c.Page),
			metaChunkIndex: strconv.Itoa(c.ChunkIndex),
		}
		if c.DocName != "" {
			meta[metaDocName] = c.DocName
		}
		texts = append(texts, c.Text)
		docs = append(docs, memory.IndexedDoc{Text: c.Text, Metadata: meta})
	}
	if len(texts) == 0 {
		return 0, fmt.Errorf("ingest document %d: no text to index", docID)
	}

	vecs, err := r.embedder.Embed(ctx, texts)
	if err != nil {
		metrics.ExternalFailures.WithLabelValues("embedding", "ingest").Inc()
		return 0, &memory.ExternalServiceError{Service: "embedding", Op: "ingest", Err: err}
	}
	idx := &memory.FlatIndex{}
	if err := idx.Add(vecs, docs); err != nil {
		return 0, fmt.Errorf("ingest document %d: %w", docID, err)
	}
	if err := memory.SaveFlatIndex(DocDir(r.root, docID), idx); err != nil {
		return 0, fmt.Errorf("ingest document %d: %w", docID, err)
	}

	r.mu.Lock()
	r.cache[docID] = idx
	r.mu.Unlock()

	logger.InfoCF("retrieval", "Indexed document", map[string]interface{}{
		"doc_id": docID,
		"chunks": len(docs),
	})
	return len(docs), nil
}

// Delete removes a document's index from disk and cache. It reports whether
// an index existed.
func (r *IndexRetriever) Delete(docID int64) (bool, error) {
	r.mu.Lock()
	delete(r.cache, docID)
	r.mu.Unlock()

	dir := DocDir(r.root, docID)
	if !memory.IndexExists(dir) {
		return false, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("delete document %d index: %w", docID, err)
	}
	return true, nil
}

var _ Retriever = (*IndexRetriever)(nil)

package memory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"
)

const indexFileName = "index.json"

// IndexedDoc is one text stored alongside its vector.
type IndexedDoc struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Hit is a search result. Score is the squared L2 distance, smaller is closer.
type Hit struct {
	Doc   IndexedDoc
	Score float64
}

// FlatIndex is an exact brute-force vector index. It is not safe for
// concurrent use; owners guard it with their own lock.
type FlatIndex struct {
	Dim     int          `json:"dim"`
	Vectors [][]float32  `json:"vectors"`
	Docs    []IndexedDoc `json:"docs"`
}

func (f *FlatIndex) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Docs)
}

// Add appends vectors and their docs. All vectors must share the index dimension.
func (f *FlatIndex) Add(vectors [][]float32, docs []IndexedDoc) error {
	if len(vectors) != len(docs) {
		return fmt.Errorf("flat index add: %d vectors for %d docs", len(vectors), len(docs))
	}
	dim := f.Dim
	for i, v := range vectors {
		if len(v) == 0 {
			return fmt.Errorf("flat index add: empty vector at %d", i)
		}
		if dim == 0 {
			dim = len(v)
		}
		if len(v) != dim {
			return fmt.Errorf("flat index add: vector %d has dim %d, want %d", i, len(v), dim)
		}
	}
	f.Dim = dim
	for i := range vectors {
		f.Vectors = append(f.Vectors, append([]float32(nil), vectors[i]...))
		f.Docs = append(f.Docs, IndexedDoc{Text: docs[i].Text, Metadata: cloneMap(docs[i].Metadata)})
	}
	return nil
}

// Search returns the k nearest docs to query, closest first.
func (f *FlatIndex) Search(query []float32, k int) ([]Hit, error) {
	if f.Len() == 0 || k <= 0 {
		return nil, nil
	}
	if len(query) != f.Dim {
		return nil, fmt.Errorf("flat index search: query dim %d, want %d", len(query), f.Dim)
	}
	hits := make([]Hit, len(f.Docs))
	for i, v := range f.Vectors {
		hits[i] = Hit{Doc: f.Docs[i], Score: l2Squared(query, v)}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score < hits[j].Score })
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

func l2Squared(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

// SaveFlatIndex writes the index to dir/index.json via a temp file and rename.
func SaveFlatIndex(dir string, f *FlatIndex) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	tmp, err := os.CreateTemp(dir, indexFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("write index: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, indexFileName)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("save index: %w", err)
	}
	return nil
}

// LoadFlatIndex reads dir/index.json. A missing file yields an error
// matching os.ErrNotExist.
func LoadFlatIndex(dir string) (*FlatIndex, error) {
	data, err := os.ReadFile(filepath.Join(dir, indexFileName))
	if err != nil {
		return nil, err
	}
	var f FlatIndex
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode index: %w", err)
	}
	if len(f.Vectors) != len(f.Docs) {
		return nil, fmt.Errorf("decode index: %d vectors for %d docs", len(f.Vectors), len(f.Docs))
	}
	for i, v := range f.Vectors {
		if len(v) != f.Dim {
			return nil, fmt.Errorf("decode index: vector %d has dim %d, want %d", i, len(v), f.Dim)
		}
	}
	return &f, nil
}

// IndexExists reports whether dir holds a saved index.
func IndexExists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, indexFileName))
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

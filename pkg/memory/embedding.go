package memory

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

const (
	LocalEmbeddingModel = "local-chargram-384"
	localEmbeddingDims  = 384
)

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_\-]+`)

// LocalEmbedder hashes character trigrams and word tokens into a fixed-size
// unit vector. It needs no network and is used when no embedding API is
// configured. Texts sharing words land close together.
type LocalEmbedder struct {
	Dims int
}

func NewLocalEmbedder() *LocalEmbedder {
	return &LocalEmbedder{Dims: localEmbeddingDims}
}

func (e *LocalEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	dims := e.Dims
	if dims <= 0 {
		dims = localEmbeddingDims
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = embedChargram(text, dims)
	}
	return out, nil
}

func embedChargram(text string, dims int) []float32 {
	vec := make([]float32, dims)
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return vec
	}
	window := "#" + normalized + "#"
	for i := 0; i+3 <= len(window); i++ {
		h := fnv.New64a()
		_, _ = h.Write([]byte(window[i : i+3]))
		vec[int(h.Sum64()%uint64(dims))] += 1
	}
	for _, token := range tokenize(normalized) {
		h := fnv.New64a()
		_, _ = h.Write([]byte("tok:" + token))
		vec[int(h.Sum64()%uint64(dims))] += 1.25
	}
	normalizeVector(vec)
	return vec
}

func tokenize(text string) []string {
	matches := tokenPattern.FindAllString(strings.ToLower(text), -1)
	if len(matches) == 0 {
		return []string{text}
	}
	return matches
}

func normalizeVector(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}

var _ Embedder = (*LocalEmbedder)(nil)

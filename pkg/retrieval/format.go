package retrieval

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/HensemLin/tenderdesk/pkg/memory"
)

const (
	snippetRunes   = 200
	noContextFound = "No relevant context found in the documents."
)

// FormatContext renders passages as the numbered document excerpt block
// placed in the reply prompt.
func FormatContext(passages []Passage) string {
	if len(passages) == 0 {
		return noContextFound
	}
	parts := []string{"Relevant Document Excerpts:\n"}
	for i, p := range passages {
		parts = append(parts, fmt.Sprintf("%d. [%s, Page %s] (Relevance: %.3f)", i+1, displayName(p), pageLabel(p.Page), p.Score))
		parts = append(parts, p.Text+"\n")
	}
	return strings.Join(parts, "\n")
}

func displayName(p Passage) string {
	if p.DocName != "" {
		return p.DocName
	}
	return "PDF " + strconv.FormatInt(p.DocID, 10)
}

func pageLabel(page int) string {
	if page <= 0 {
		return "Unknown"
	}
	return strconv.Itoa(page)
}

// SourceReferences converts passages into the citations stored with an
// assistant message.
func SourceReferences(passages []Passage) []memory.Source {
	sources := make([]memory.Source, 0, len(passages))
	for _, p := range passages {
		sources = append(sources, memory.Source{
			DocID:      p.DocID,
			DocName:    p.DocName,
			Page:       p.Page,
			ChunkIndex: p.ChunkIndex,
			Snippet:    truncateRunes(p.Text, snippetRunes) + "...",
			Score:      p.Score,
		})
	}
	return sources
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

package retrieval

import (
	"strings"
	"unicode/utf8"
)

const (
	DefaultChunkSize    = 1500
	DefaultChunkOverlap = 300

	// pageBreak separates pages in pdftotext-style plain text.
	pageBreak = "\f"
)

// Section breaks first, then paragraphs, lines, sentences, clauses, words.
var separators = []string{"\n\n\n", "\n\n", "\n", ". ", ", ", " ", ""}

// SplitDocument splits plain document text into chunks. Form feeds mark page
// boundaries; chunk indexes run across the whole document.
func SplitDocument(text, docName string, size, overlap int) []Chunk {
	var chunks []Chunk
	for i, page := range strings.Split(text, pageBreak) {
		for _, piece := range SplitText(page, size, overlap) {
			chunks = append(chunks, Chunk{
				Text:       piece,
				Page:       i + 1,
				ChunkIndex: len(chunks),
				DocName:    docName,
			})
		}
	}
	return chunks
}

// SplitText breaks text into pieces of at most size runes, preferring the
// coarsest separator present. Consecutive pieces share up to overlap runes.
func SplitText(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	return splitRecursive(strings.TrimSpace(text), separators, size, overlap)
}

func splitRecursive(text string, seps []string, size, overlap int) []string {
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= size {
		return []string{text}
	}

	sep, rest := "", []string(nil)
	for i, s := range seps {
		if s == "" || strings.Contains(text, s) {
			sep, rest = s, seps[i+1:]
			break
		}
	}
	if sep == "" {
		return splitWindows(text, size, overlap)
	}

	var (
		out    []string
		window []string
		dirty  bool
	)
	flush := func() {
		if !dirty {
			return
		}
		if chunk := strings.TrimSpace(strings.Join(window, sep)); chunk != "" {
			out = append(out, chunk)
		}
		for len(window) > 0 && joinedLen(window, sep) > overlap {
			window = window[1:]
		}
		dirty = false
	}

	for _, piece := range strings.Split(text, sep) {
		if utf8.RuneCountInString(piece) > size {
			flush()
			window = nil
			out = append(out, splitRecursive(strings.TrimSpace(piece), rest, size, overlap)...)
			continue
		}
		if joinedLen(append(window, piece), sep) > size {
			flush()
			for len(window) > 0 && joinedLen(append(window, piece), sep) > size {
				window = window[1:]
			}
		}
		window = append(window, piece)
		dirty = true
	}
	flush()
	return out
}

func joinedLen(pieces []string, sep string) int {
	if len(pieces) == 0 {
		return 0
	}
	n := utf8.RuneCountInString(sep) * (len(pieces) - 1)
	for _, p := range pieces {
		n += utf8.RuneCountInString(p)
	}
	return n
}

func splitWindows(text string, size, overlap int) []string {
	runes := []rune(text)
	step := size - overlap
	var out []string
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			out = append(out, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return out
}

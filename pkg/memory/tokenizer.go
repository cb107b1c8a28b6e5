package memory

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

const defaultEncoding = "cl100k_base"

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// The BPE ranks ship inside the binary so counts never depend on the network.
func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

func encoding() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding(defaultEncoding)
		if err == nil {
			enc = e
		}
	})
	return enc
}

// CountTokens returns the cl100k_base token count of text.
// If the encoding cannot be loaded it falls back to len/4.
func CountTokens(text string) int {
	if text == "" {
		return 0
	}
	e := encoding()
	if e == nil {
		return len(text) / 4
	}
	return len(e.Encode(text, nil, nil))
}

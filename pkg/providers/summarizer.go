package providers

import (
	"context"

	"github.com/HensemLin/tenderdesk/pkg/memory"
)

const summarizerSystemPrompt = `You are a conversation summarizer. Create a concise summary of the conversation below.

Focus on:
- Main topics discussed
- Key questions asked
- Important information provided
- Any decisions or conclusions

Keep the summary brief (2-3 sentences) but informative.`

// NewSummarizer adapts p into the rolling buffer's summary hook.
func NewSummarizer(p LLMProvider, model string, temperature float64) memory.SummaryFunc {
	return func(ctx context.Context, transcript string) memory.Result[string] {
		return CompleteText(ctx, p, model, temperature, summarizerSystemPrompt, "Summarize this conversation:\n\n"+transcript)
	}
}

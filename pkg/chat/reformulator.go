package chat

import (
	"context"
	"strings"

	"github.com/HensemLin/tenderdesk/pkg/logger"
	"github.com/HensemLin/tenderdesk/pkg/memory"
	"github.com/HensemLin/tenderdesk/pkg/metrics"
	"github.com/HensemLin/tenderdesk/pkg/providers"
)

const (
	reformulateHistory   = 5
	minReformulatedRunes = 10
	minRecentForRewrite  = 2
	minQueryWords        = 3
)

const reformulatorSystemPrompt = `You are a query reformulation assistant for a tender document analysis system.

Your task is to reformulate user queries by incorporating relevant context from the conversation history.

Guidelines:
1. **Preserve all specific references**: If the query mentions page numbers, sections, clauses, items, or other specific references, keep them EXACTLY as stated
   - Example: "What page is that on?" → "What page contains the contractor qualification requirements?"

2. **Resolve pronouns and relative references**: Replace "it", "that", "this", "those", "these" with the actual subject from conversation history
   - Example: "Tell me more about it" → "Tell me more about the safety compliance requirements"

3. **Add context for vague follow-ups**: Enhance queries that depend on previous discussion
   - Example: "Is there a requirement for that?" → "Is there a requirement for ISO 9001 certification mentioned in section 2.3?"

4. **Keep standalone queries as-is**: If the query is already complete and self-contained, return it unchanged
   - Example: "What are the technical specifications in section 3.2?" → (keep as-is)

5. **Don't lose information**: Never remove or simplify specific details, numbers, or technical terms from the original query

6. Keep the reformulated query concise (1-3 sentences max)

Output ONLY the reformulated query, no explanations or metadata.`

// Reformulator rewrites follow-up questions into standalone search queries
// using recent conversation and the running summary.
type Reformulator struct {
	provider    providers.LLMProvider
	model       string
	temperature float64
}

func NewReformulator(p providers.LLMProvider, model string, temperature float64) *Reformulator {
	return &Reformulator{provider: p, model: model, temperature: temperature}
}

// ShouldReformulate is false without at least two prior messages or for
// queries shorter than three words.
func ShouldReformulate(query string, recent []memory.Message) bool {
	if len(recent) < minRecentForRewrite {
		return false
	}
	return len(strings.Fields(query)) >= minQueryWords
}

// Reformulate never fails: any LLM error, or a reply too short to be a
// query, yields the original query.
func (r *Reformulator) Reformulate(ctx context.Context, query string, recent []memory.Message, summary string) string {
	if len(recent) == 0 && strings.TrimSpace(summary) == "" {
		metrics.Reformulations.WithLabelValues("skipped").Inc()
		return query
	}

	res := providers.CompleteText(ctx, r.provider, r.model, r.temperature, reformulatorSystemPrompt, buildReformulatePrompt(query, recent, summary))
	if res.Err != nil {
		logger.WarnCF("chat", "Query reformulation failed", map[string]interface{}{"error": res.Err.Error()})
		metrics.Reformulations.WithLabelValues("fallback").Inc()
		return query
	}
	rewritten := strings.TrimSpace(res.Value)
	if len([]rune(rewritten)) < minReformulatedRunes {
		metrics.Reformulations.WithLabelValues("fallback").Inc()
		return query
	}
	if rewritten == query {
		metrics.Reformulations.WithLabelValues("unchanged").Inc()
	} else {
		metrics.Reformulations.WithLabelValues("rewritten").Inc()
	}
	return rewritten
}

func buildReformulatePrompt(query string, recent []memory.Message, summary string) string {
	var parts []string
	if summary != "" {
		parts = append(parts, "Conversation Summary:\n"+summary+"\n")
	}
	if len(recent) > 0 {
		parts = append(parts, "Recent Conversation:")
		if len(recent) > reformulateHistory {
			recent = recent[len(recent)-reformulateHistory:]
		}
		for _, msg := range recent {
			parts = append(parts, string(msg.Role)+": "+msg.Content)
		}
		parts = append(parts, "")
	}
	parts = append(parts, "User's New Query:\n"+query+"\n")
	parts = append(parts, "Reformulated Query:")
	return strings.Join(parts, "\n")
}

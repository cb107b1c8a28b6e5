package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/HensemLin/tenderdesk/pkg/memory"
	"github.com/HensemLin/tenderdesk/pkg/metrics"
)

// CompleteText runs a single system+user exchange and returns the trimmed
// reply. Failures come back as a failed Result tagged service "llm".
func CompleteText(ctx context.Context, p LLMProvider, model string, temperature float64, system, user string) memory.Result[string] {
	if p == nil {
		return memory.Fail[string]("llm", "complete", fmt.Errorf("provider not configured"))
	}
	messages := make([]Message, 0, 2)
	if strings.TrimSpace(system) != "" {
		messages = append(messages, Message{Role: "system", Content: system})
	}
	messages = append(messages, Message{Role: "user", Content: user})

	resp, err := p.Chat(ctx, messages, model, map[string]interface{}{"temperature": temperature})
	if err != nil {
		metrics.ExternalFailures.WithLabelValues("llm", "complete").Inc()
		return memory.Fail[string]("llm", "complete", err)
	}
	return memory.Ok(strings.TrimSpace(resp.Content))
}

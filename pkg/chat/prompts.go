package chat

import (
	"fmt"
	"strings"

	"github.com/HensemLin/tenderdesk/pkg/memory"
)

const recentInReplyPrompt = 3

const assistantSystemPrompt = `You are an intelligent tender document analysis assistant.

Your role is to help users understand and analyze tender documents, including:
- Technical specifications and requirements
- Bill of Materials (BoM) and Bill of Quantities (BoQ)
- Compliance criteria and mandatory requirements
- Project timelines and deliverables
- Vendor qualifications and submission guidelines

Guidelines:
1. Provide accurate, concise answers based on the provided document context
2. Always cite specific document references (page numbers, sections) when answering
3. If information is not found in the documents, clearly state that
4. For complex questions, break down your answer into clear sections
5. Highlight mandatory vs. optional requirements when relevant
6. Be professional and precise in your language
7. If a question is ambiguous, ask for clarification

Remember: Your responses should be grounded in the provided document excerpts.`

const apologyReply = "I apologize, but I encountered an error processing your request. Please try again."

func buildReplyPrompt(question, documentContext string, mc memory.MemoryContext) string {
	var parts []string
	if mc.Summary != "" {
		parts = append(parts, "=== Conversation Summary ===", mc.Summary, "")
	}
	if len(mc.SemanticContext) > 0 {
		parts = append(parts, "=== Relevant Past Discussion ===")
		for i, snippet := range mc.SemanticContext {
			parts = append(parts, fmt.Sprintf("%d. %s", i+1, snippet))
		}
		parts = append(parts, "")
	}

	parts = append(parts, "=== Document Context ===", documentContext, "")

	if len(mc.RecentMessages) > 0 {
		parts = append(parts, "=== Recent Conversation ===")
		recent := mc.RecentMessages
		if len(recent) > recentInReplyPrompt {
			recent = recent[len(recent)-recentInReplyPrompt:]
		}
		for _, msg := range recent {
			parts = append(parts, string(msg.Role)+": "+msg.Content)
		}
		parts = append(parts, "")
	}

	parts = append(parts, "=== User Question ===", question, "", "Your Answer:")
	return strings.Join(parts, "\n")
}

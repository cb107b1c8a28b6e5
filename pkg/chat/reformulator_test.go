package chat

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/HensemLin/tenderdesk/pkg/memory"
)

func history(n int) []memory.Message {
	msgs := make([]memory.Message, n)
	for i := range msgs {
		role := memory.RoleUser
		if i%2 == 1 {
			role = memory.RoleAssistant
		}
		msgs[i] = memory.Message{Role: role, Content: fmt.Sprintf("turn %d", i+1)}
	}
	return msgs
}

func TestShouldReformulate(t *testing.T) {
	assert.False(t, ShouldReformulate("What about the warranty terms?", history(1)))
	assert.False(t, ShouldReformulate("ok thanks", history(4)))
	assert.True(t, ShouldReformulate("what about that one", history(2)))
}

func TestReformulate_NoContextReturnsQuery(t *testing.T) {
	p := &scriptedProvider{reformulate: "should never be used"}
	r := NewReformulator(p, "m", 0.2)
	assert.Equal(t, "tell me more", r.Reformulate(context.Background(), "tell me more", nil, ""))
	assert.Zero(t, p.count("reformulate"))
}

func TestReformulate_UsesLastFiveMessagesAndSummary(t *testing.T) {
	p := &scriptedProvider{reformulate: "  What is the warranty period for the pumps?  "}
	r := NewReformulator(p, "m", 0.2)

	got := r.Reformulate(context.Background(), "how long is it", history(7), "Discussed pump supply.")
	assert.Equal(t, "What is the warranty period for the pumps?", got)

	prompt := p.lastUser["reformulate"]
	assert.True(t, strings.HasPrefix(prompt, "Conversation Summary:\nDiscussed pump supply.\n"))
	assert.NotContains(t, prompt, "turn 2\n")
	assert.Contains(t, prompt, "user: turn 3")
	assert.Contains(t, prompt, "user: turn 7")
	assert.True(t, strings.HasSuffix(prompt, "User's New Query:\nhow long is it\n\nReformulated Query:"))
}

func TestReformulate_FallsBackOnFailureOrShortReply(t *testing.T) {
	failing := NewReformulator(&scriptedProvider{failAll: true}, "m", 0.2)
	assert.Equal(t, "and the other one", failing.Reformulate(context.Background(), "and the other one", history(2), ""))

	short := NewReformulator(&scriptedProvider{reformulate: "pumps?"}, "m", 0.2)
	assert.Equal(t, "and the other one", short.Reformulate(context.Background(), "and the other one", history(2), ""))

	unset := NewReformulator(nil, "m", 0.2)
	assert.Equal(t, "and the other one", unset.Reformulate(context.Background(), "and the other one", history(2), ""))
}

package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/HensemLin/tenderdesk/pkg/logger"
)

const (
	DefaultKeepSize               = 10
	DefaultMaxTokensBeforeSummary = 2000

	minMessagesForSummary = 4
)

// SummaryFunc turns a rendered transcript into a short summary.
type SummaryFunc func(ctx context.Context, transcript string) Result[string]

// RollingBuffer keeps the most recent turns of one session in memory.
// Once it grows past 2*keep entries it is cut back to the last keep.
type RollingBuffer struct {
	mu        sync.Mutex
	entries   []BufferEntry
	keep      int
	maxTokens int
	summarize SummaryFunc
}

func NewRollingBuffer(keep, maxTokensBeforeSummary int, summarize SummaryFunc) *RollingBuffer {
	if keep <= 0 {
		keep = DefaultKeepSize
	}
	if maxTokensBeforeSummary <= 0 {
		maxTokensBeforeSummary = DefaultMaxTokensBeforeSummary
	}
	return &RollingBuffer{keep: keep, maxTokens: maxTokensBeforeSummary, summarize: summarize}
}

func (b *RollingBuffer) Add(role Role, content string) error {
	if !role.Valid() {
		return &InvalidRoleError{Role: string(role)}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, BufferEntry{Role: role, Content: content})
	b.truncateLocked()
	return nil
}

// LoadBatch appends entries and applies the cap once at the end.
// Nothing is appended if any entry carries an invalid role.
func (b *RollingBuffer) LoadBatch(entries []BufferEntry) error {
	for _, e := range entries {
		if !e.Role.Valid() {
			return &InvalidRoleError{Role: string(e.Role)}
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entries...)
	b.truncateLocked()
	return nil
}

func (b *RollingBuffer) truncateLocked() {
	if len(b.entries) > 2*b.keep {
		kept := make([]BufferEntry, b.keep)
		copy(kept, b.entries[len(b.entries)-b.keep:])
		b.entries = kept
	}
}

// Recent returns up to limit newest entries in order; limit <= 0 returns all.
func (b *RollingBuffer) Recent(limit int) []BufferEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.recentLocked(limit)
}

func (b *RollingBuffer) recentLocked(limit int) []BufferEntry {
	src := b.entries
	if limit > 0 && limit < len(src) {
		src = src[len(src)-limit:]
	}
	return append([]BufferEntry(nil), src...)
}

func (b *RollingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *RollingBuffer) BufferString() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return renderTranscript(b.entries)
}

func renderTranscript(entries []BufferEntry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		prefix := "AI:"
		if e.Role == RoleUser {
			prefix = "Human:"
		}
		lines = append(lines, prefix+" "+e.Content)
	}
	return strings.Join(lines, "\n")
}

func (b *RollingBuffer) CountTokens(text string) int {
	return CountTokens(text)
}

// ConversationSummary asks the LLM for a summary of the buffer. It returns ""
// when the buffer is too small, under the token threshold, or the call fails.
func (b *RollingBuffer) ConversationSummary(ctx context.Context) string {
	b.mu.Lock()
	if len(b.entries) < minMessagesForSummary {
		b.mu.Unlock()
		return ""
	}
	transcript := renderTranscript(b.entries)
	b.mu.Unlock()

	if CountTokens(transcript) < b.maxTokens {
		return ""
	}
	if b.summarize == nil {
		return ""
	}
	res := b.summarize(ctx, transcript)
	if res.Err != nil {
		logger.WarnCF("memory", "Failed to generate summary", map[string]interface{}{"error": res.Err.Error()})
	}
	return strings.TrimSpace(res.Or(""))
}

func (b *RollingBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
}

func (b *RollingBuffer) Stats() BufferStats {
	tokens := CountTokens(b.BufferString())
	return BufferStats{
		Messages:     b.Len(),
		Tokens:       tokens,
		MaxTokens:    b.maxTokens,
		ExceedsLimit: tokens >= b.maxTokens,
	}
}

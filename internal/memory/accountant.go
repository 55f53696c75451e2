// Package memory tracks tokens-in-context against a configured limit and
// decides when the history should be summarized.
package memory

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/agentmux/agentmux/internal/fault"
)

// CodeInvalidConfig rejects an accountant with an unusable limit or threshold.
const CodeInvalidConfig = "memory.invalid_config"

// Accountant tallies tokens across recorded turns. Safe for concurrent use.
type Accountant struct {
	mu        sync.Mutex
	tokens    int
	limit     int
	threshold float64 // usage fraction in [0,1] that triggers summarization
}

// NewAccountant creates an accountant. threshold must be in [0,1].
func NewAccountant(limit int, threshold float64) (*Accountant, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fault.Newf(CodeInvalidConfig, "summarize threshold must be in [0,1], got %v", threshold)
	}
	if limit <= 0 {
		return nil, fault.Newf(CodeInvalidConfig, "token limit must be positive, got %d", limit)
	}
	return &Accountant{limit: limit, threshold: threshold}, nil
}

// Add records tokens consumed by a turn.
func (a *Accountant) Add(tokens int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens += tokens
}

// Tokens returns the current token tally.
func (a *Accountant) Tokens() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tokens
}

// Usage returns the usage fraction (tokens / limit), capped at 1.
func (a *Accountant) Usage() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	usage := float64(a.tokens) / float64(a.limit)
	if usage > 1 {
		return 1
	}
	return usage
}

// ShouldSummarize reports whether usage has reached the threshold.
// Exactly at the threshold counts as crossed.
func (a *Accountant) ShouldSummarize() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return float64(a.tokens)/float64(a.limit) >= a.threshold
}

// Summarize returns the tally covered and resets it to zero. The history
// itself is untouched; callers pair this with a history summarization.
func (a *Accountant) Summarize() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	covered := a.tokens
	a.tokens = 0
	return covered
}

// Counter estimates token counts for text. It prefers a tiktoken encoding
// and falls back to a bytes/4 heuristic when the encoding cannot be loaded
// (e.g. offline).
type Counter struct {
	enc *tiktoken.Tiktoken
}

// NewCounter builds a token counter. Never fails; the heuristic covers the
// encoding-unavailable case.
func NewCounter() *Counter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &Counter{}
	}
	return &Counter{enc: enc}
}

// Count returns the token count for text.
func (c *Counter) Count(text string) int {
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	n := len(text) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

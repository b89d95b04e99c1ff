package composer

import (
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/pulse/internal/llm"
)

// ErrBudgetViolation is returned when the system message alone does not fit
// the context window. The system message is never truncated.
var ErrBudgetViolation = errors.New("system message exceeds context window")

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Turn is one message of a conversation with its token cost.
type Turn struct {
	ID        int64     `json:"id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Tokens    int       `json:"tokens"`
	Summary   bool      `json:"summary,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// NewTurn builds a turn and estimates its tokens.
func NewTurn(role, content string) Turn {
	return Turn{Role: role, Content: content, Tokens: EstimateTokens(content)}
}

// Cost returns the turn's token count, estimating it when unset.
func (t Turn) Cost() int {
	if t.Tokens > 0 {
		return t.Tokens
	}
	return EstimateTokens(t.Content)
}

// Message converts the turn for a provider request. Summary turns are sent
// as system notes.
func (t Turn) Message() llm.Message {
	if t.Summary {
		return llm.Message{Role: llm.RoleSystem, Content: t.Content}
	}
	return llm.Message{Role: t.Role, Content: t.Content}
}

// PackResult is the ordered prompt handed to the provider.
type PackResult struct {
	System   string
	Messages []llm.Message
	// Tokens counts the system message, packed history and final turn.
	Tokens int
	// Dropped is the number of history turns left out.
	Dropped int
	// Overflow is set when the final turn pushed the total past the window.
	Overflow bool
}

// Pack fits system, as much of history as possible, and final into
// maxTokens. History is walked oldest first; a turn is kept while the
// running total plus its cost stays strictly below maxTokens, and packing
// stops at the first turn that doesn't fit. final is always appended.
func Pack(system string, history []Turn, final Turn, maxTokens int) (PackResult, error) {
	sysTokens := EstimateTokens(system)
	if sysTokens >= maxTokens {
		return PackResult{}, fmt.Errorf("%w: %d tokens, window %d", ErrBudgetViolation, sysTokens, maxTokens)
	}

	res := PackResult{
		System:   system,
		Messages: make([]llm.Message, 0, len(history)+1),
	}
	running := sysTokens
	kept := 0
	for _, t := range history {
		cost := t.Cost()
		if running+cost >= maxTokens {
			break
		}
		running += cost
		res.Messages = append(res.Messages, t.Message())
		kept++
	}
	res.Dropped = len(history) - kept

	running += final.Cost()
	res.Messages = append(res.Messages, final.Message())
	res.Tokens = running
	res.Overflow = running > maxTokens
	return res, nil
}

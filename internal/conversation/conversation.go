// Package conversation keeps chat history inside its token budget by
// collapsing old turns into a summary turn.
package conversation

import (
	"github.com/kalambet/pulse/internal/composer"
)

// Conversation is an ordered list of turns owned by one chat.
type Conversation struct {
	ID    string
	Turns []composer.Turn
}

// Tokens returns the cumulative token cost of all turns.
func (c *Conversation) Tokens() int {
	n := 0
	for _, t := range c.Turns {
		n += t.Cost()
	}
	return n
}

// Append adds a turn, estimating its tokens when unset.
func (c *Conversation) Append(t composer.Turn) {
	if t.Tokens == 0 {
		t.Tokens = t.Cost()
	}
	c.Turns = append(c.Turns, t)
}

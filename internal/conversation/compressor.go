package conversation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kalambet/pulse/internal/composer"
	"github.com/kalambet/pulse/internal/llm"
)

const (
	defaultThreshold  = 6000
	defaultKeepRecent = 4
	summaryPrefix     = "Summary of earlier conversation:\n"
)

// Summarizer condenses a run of turns into a short text.
type Summarizer interface {
	Summarize(ctx context.Context, turns []composer.Turn) (string, error)
}

// Compressor replaces the oldest turns of a long conversation with a single
// summary turn, keeping the most recent turns verbatim.
type Compressor struct {
	Threshold  int
	KeepRecent int
	summarizer Summarizer
	logger     *zap.Logger
}

// NewCompressor creates a Compressor. Non-positive threshold or keepRecent
// fall back to 6000 tokens and 4 turns.
func NewCompressor(s Summarizer, threshold, keepRecent int, logger *zap.Logger) *Compressor {
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	if keepRecent <= 0 {
		keepRecent = defaultKeepRecent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compressor{Threshold: threshold, KeepRecent: keepRecent, summarizer: s, logger: logger}
}

// Result describes one compression.
type Result struct {
	// Replaced are the turns the summary stands in for, oldest first.
	Replaced []composer.Turn
	Summary  composer.Turn
}

// ShouldCompress reports whether conv has crossed the threshold and has
// turns outside the recent window that are not already a summary.
func (c *Compressor) ShouldCompress(conv *Conversation) bool {
	if conv.Tokens() < c.Threshold {
		return false
	}
	return len(c.fresh(conv)) > 0
}

// fresh returns the non-summary turns in the compressible prefix.
func (c *Compressor) fresh(conv *Conversation) []composer.Turn {
	cut := len(conv.Turns) - c.KeepRecent
	if cut <= 0 {
		return nil
	}
	var out []composer.Turn
	for _, t := range conv.Turns[:cut] {
		if !t.Summary {
			out = append(out, t)
		}
	}
	return out
}

// Compress summarizes everything before the last KeepRecent turns and
// replaces that prefix with one summary turn. An existing summary in the
// prefix is carried over verbatim rather than summarized again. It returns
// ok=false when there was nothing to compress. conv is only modified on
// success.
func (c *Compressor) Compress(ctx context.Context, conv *Conversation) (Result, bool, error) {
	fresh := c.fresh(conv)
	if len(fresh) == 0 {
		return Result{}, false, nil
	}
	cut := len(conv.Turns) - c.KeepRecent
	prefix := conv.Turns[:cut]

	var earlier []string
	for _, t := range prefix {
		if t.Summary {
			earlier = append(earlier, strings.TrimPrefix(t.Content, summaryPrefix))
		}
	}

	text, err := c.summarizer.Summarize(ctx, fresh)
	if err != nil {
		return Result{}, false, fmt.Errorf("summarizing %d turns: %w", len(fresh), err)
	}

	parts := append(earlier, strings.TrimSpace(text))
	summary := composer.NewTurn(llm.RoleAssistant, summaryPrefix+strings.Join(parts, "\n"))
	summary.Summary = true
	summary.CreatedAt = prefix[len(prefix)-1].CreatedAt

	replaced := make([]composer.Turn, len(prefix))
	copy(replaced, prefix)

	before := conv.Tokens()
	turns := make([]composer.Turn, 0, c.KeepRecent+1)
	turns = append(turns, summary)
	turns = append(turns, conv.Turns[cut:]...)
	conv.Turns = turns

	c.logger.Info("conversation compressed",
		zap.String("conversation", conv.ID),
		zap.Int("replaced", len(replaced)),
		zap.Int("tokens_before", before),
		zap.Int("tokens_after", conv.Tokens()),
	)
	return Result{Replaced: replaced, Summary: summary}, true, nil
}

package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/pulse/internal/composer"
	"github.com/kalambet/pulse/internal/llm"
)

type fakeSummarizer struct {
	calls [][]composer.Turn
	err   error
}

func (f *fakeSummarizer) Summarize(ctx context.Context, turns []composer.Turn) (string, error) {
	f.calls = append(f.calls, turns)
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("%d turns about potholes", len(turns)), nil
}

func longConversation(n, tokensEach int) *Conversation {
	conv := &Conversation{ID: "c1"}
	for i := 0; i < n; i++ {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		conv.Append(composer.Turn{Role: role, Content: fmt.Sprintf("turn %d %s", i, strings.Repeat("x", tokensEach*4-8))})
	}
	return conv
}

func TestShouldCompress_Threshold(t *testing.T) {
	c := NewCompressor(&fakeSummarizer{}, 1000, 2, nil)

	assert.False(t, c.ShouldCompress(longConversation(5, 100)))
	assert.True(t, c.ShouldCompress(longConversation(12, 100)))
}

func TestShouldCompress_NothingOutsideRecentWindow(t *testing.T) {
	c := NewCompressor(&fakeSummarizer{}, 100, 4, nil)
	assert.False(t, c.ShouldCompress(longConversation(4, 500)))
}

func TestCompress_ReplacesPrefix(t *testing.T) {
	sum := &fakeSummarizer{}
	c := NewCompressor(sum, 1000, 3, nil)
	conv := longConversation(10, 100)
	recent := append([]composer.Turn(nil), conv.Turns[7:]...)

	res, ok, err := c.Compress(context.Background(), conv)
	require.NoError(t, err)
	require.True(t, ok)

	require.Len(t, conv.Turns, 4)
	assert.True(t, conv.Turns[0].Summary)
	assert.Equal(t, composer.EstimateTokens(conv.Turns[0].Content), conv.Turns[0].Tokens)
	assert.Contains(t, conv.Turns[0].Content, "7 turns about potholes")
	assert.Equal(t, recent, conv.Turns[1:])
	assert.Len(t, res.Replaced, 7)
	assert.Len(t, sum.calls[0], 7)
}

func TestCompress_DoesNotResummarizeSummary(t *testing.T) {
	sum := &fakeSummarizer{}
	c := NewCompressor(sum, 100, 2, nil)
	conv := longConversation(6, 100)

	_, ok, err := c.Compress(context.Background(), conv)
	require.NoError(t, err)
	require.True(t, ok)
	first := conv.Turns[0].Content

	// Compressing again right away: the prefix is only the summary.
	_, ok, err = c.Compress(context.Background(), conv)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, sum.calls, 1)

	// New turns arrive; only they get summarized, the old summary is kept.
	conv.Append(composer.NewTurn(llm.RoleUser, "what about water leaks?"))
	conv.Append(composer.NewTurn(llm.RoleAssistant, "There are four open leak reports."))

	_, ok, err = c.Compress(context.Background(), conv)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, sum.calls, 2)
	for _, turn := range sum.calls[1] {
		assert.False(t, turn.Summary, "summary turn was passed to the summarizer")
	}
	assert.Len(t, sum.calls[1], 2)
	assert.Contains(t, conv.Turns[0].Content, strings.TrimPrefix(first, summaryPrefix))
	assert.Len(t, conv.Turns, 3)
}

func TestCompress_FailureLeavesConversation(t *testing.T) {
	boom := errors.New("model down")
	c := NewCompressor(&fakeSummarizer{err: boom}, 100, 2, nil)
	conv := longConversation(8, 100)
	before := append([]composer.Turn(nil), conv.Turns...)

	_, ok, err := c.Compress(context.Background(), conv)
	assert.ErrorIs(t, err, boom)
	assert.False(t, ok)
	assert.Equal(t, before, conv.Turns)
}

type stubProvider struct {
	req  llm.Request
	text string
}

func (s *stubProvider) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	s.req = req
	return llm.Response{Text: s.text}, nil
}

func (s *stubProvider) Stream(ctx context.Context, req llm.Request) (llm.Stream, error) {
	return nil, errors.New("not used")
}

func TestLLMSummarizer(t *testing.T) {
	p := &stubProvider{text: "Officials asked about potholes on Elm."}
	s := NewLLMSummarizer(p, "summary-model")
	got, err := s.Summarize(context.Background(), []composer.Turn{
		composer.NewTurn(llm.RoleUser, "potholes on Elm?"),
		composer.NewTurn(llm.RoleAssistant, "Five reports."),
	})
	require.NoError(t, err)
	assert.Equal(t, "Officials asked about potholes on Elm.", got)
	assert.Equal(t, "summary-model", p.req.Model)
	assert.Contains(t, p.req.Messages[0].Content, "user: potholes on Elm?")

	p.text = "  "
	_, err = s.Summarize(context.Background(), nil)
	assert.ErrorIs(t, err, llm.ErrInvalidOutput)
}

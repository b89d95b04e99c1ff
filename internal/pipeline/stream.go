package pipeline

import (
	"context"
	"errors"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/kalambet/pulse/internal/llm"
)

// AnswerStream is a chat turn whose reply arrives in chunks.
type AnswerStream struct {
	// Answer carries the grounding; Text is filled once the stream ends.
	Answer

	ctx      context.Context
	a        *Assistant
	t        *turn
	src      llm.Stream
	text     strings.Builder
	fallback bool
	done     bool
}

// Recv returns the next chunk, or io.EOF once the reply is complete and the
// turn has been saved. An interrupted stream saves nothing.
func (s *AnswerStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	if s.fallback {
		s.done = true
		return FallbackMessage, nil
	}

	chunk, err := s.src.Recv()
	if errors.Is(err, io.EOF) {
		s.done = true
		s.Text = s.text.String()
		if err := s.a.persist(s.ctx, s.t, s.Text); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	if err != nil {
		s.done = true
		s.a.logger.Warn("answer stream interrupted",
			zap.String("conversation", s.ConversationID), zap.Int("received", s.text.Len()), zap.Error(err))
		return "", err
	}
	s.text.WriteString(chunk)
	return chunk, nil
}

// Close releases the underlying provider stream.
func (s *AnswerStream) Close() error {
	if s.src == nil {
		return nil
	}
	return s.src.Close()
}

// Stream runs one chat turn with a streamed reply. When the model cannot
// be reached the stream yields FallbackMessage once and saves nothing.
func (a *Assistant) Stream(ctx context.Context, conversationID, question string) (*AnswerStream, error) {
	t, err := a.prepare(ctx, conversationID, question)
	if err != nil {
		return nil, err
	}

	out := &AnswerStream{Answer: t.answer(""), ctx: ctx, a: a, t: t}
	src, err := a.provider.Stream(ctx, t.request(a.model, a.temperature))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		a.logger.Warn("model stream failed, answering with fallback",
			zap.String("conversation", conversationID), zap.Error(err))
		out.fallback = true
		out.Fallback = true
		out.Text = FallbackMessage
		return out, nil
	}
	out.src = src
	return out, nil
}

// Package llm talks to chat-completion providers (OpenRouter and Ollama).
package llm

import (
	"context"
	"io"
)

// Roles used in chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-neutral completion request. When JSON is set the
// response must be a single JSON object; callers decode it strictly.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Temperature float64
	JSON        bool
}

// messages returns the system message (if any) followed by r.Messages.
func (r Request) messages() []Message {
	if r.System == "" {
		return r.Messages
	}
	out := make([]Message, 0, len(r.Messages)+1)
	out = append(out, Message{Role: RoleSystem, Content: r.System})
	return append(out, r.Messages...)
}

// Response is a completed, non-streamed answer.
type Response struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// Stream yields content chunks. Recv returns io.EOF after the final chunk.
// A stream cannot be restarted; open a new one to retry.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Provider is the language-model collaborator.
type Provider interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request) (Stream, error)
}

// Collect drains s and returns the concatenated text. The stream is closed.
func Collect(s Stream) (string, error) {
	defer s.Close()
	var out []byte
	for {
		chunk, err := s.Recv()
		if err == io.EOF {
			return string(out), nil
		}
		if err != nil {
			return string(out), err
		}
		out = append(out, chunk...)
	}
}

package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/pulse/internal/composer"
	"github.com/kalambet/pulse/internal/llm"
)

const summarizerPrompt = `Condense the following conversation between a city official and a feedback analyst.
Keep every concrete fact: numbers, locations, record ids, departments and decisions.
Reply with the summary only, in at most ten short sentences.`

// LLMSummarizer summarizes turns with a language model.
type LLMSummarizer struct {
	provider llm.Provider
	model    string
}

// NewLLMSummarizer creates a Summarizer. An empty model uses the provider default.
func NewLLMSummarizer(p llm.Provider, model string) *LLMSummarizer {
	return &LLMSummarizer{provider: p, model: model}
}

func (s *LLMSummarizer) Summarize(ctx context.Context, turns []composer.Turn) (string, error) {
	var sb strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&sb, "%s: %s\n", t.Role, t.Content)
	}
	resp, err := s.provider.Complete(ctx, llm.Request{
		Model:       s.model,
		System:      summarizerPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: sb.String()}},
		Temperature: 0.2,
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Text) == "" {
		return "", fmt.Errorf("%w: empty summary", llm.ErrInvalidOutput)
	}
	return resp.Text, nil
}

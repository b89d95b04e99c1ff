package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kalambet/pulse/internal/feedback"
	"github.com/kalambet/pulse/internal/llm"
)

const analyzePrompt = `You label citizen feedback for a city's operations team.
Respond with a single JSON object and nothing else, using exactly these fields:
{"sentiment": "positive"|"negative"|"neutral",
 "urgency": "critical"|"high"|"medium"|"low",
 "department": "<responsible municipal department>",
 "tags": ["<short lowercase topic>", ...]}
Use "critical" only for immediate danger to life or property.`

const maxTags = 8

// analysisOutput is the strict shape a model response must decode into.
type analysisOutput struct {
	Sentiment  *string  `json:"sentiment"`
	Urgency    *string  `json:"urgency"`
	Department *string  `json:"department"`
	Tags       []string `json:"tags"`
}

func validateAnalysis(o analysisOutput) error {
	if o.Sentiment == nil && o.Urgency == nil && o.Department == nil && o.Tags == nil {
		return errors.New("no fields present")
	}
	if o.Sentiment != nil && !feedback.Sentiment(*o.Sentiment).Valid() {
		return fmt.Errorf("unknown sentiment %q", *o.Sentiment)
	}
	if o.Urgency != nil && !feedback.Urgency(*o.Urgency).Valid() {
		return fmt.Errorf("unknown urgency %q", *o.Urgency)
	}
	return nil
}

// Analyzer asks the model to label a single record.
type Analyzer struct {
	provider llm.Provider
	model    string
}

// NewAnalyzer creates an Analyzer. An empty model uses the provider default.
func NewAnalyzer(p llm.Provider, model string) *Analyzer {
	return &Analyzer{provider: p, model: model}
}

// Analyze returns the enrichment for r. Any response that is not a
// conforming JSON object fails with llm.ErrInvalidOutput.
func (a *Analyzer) Analyze(ctx context.Context, r feedback.Record) (feedback.Analysis, error) {
	var content strings.Builder
	if r.Title != "" {
		fmt.Fprintf(&content, "Title: %s\n", r.Title)
	}
	if r.Location != "" {
		fmt.Fprintf(&content, "Location: %s\n", r.Location)
	}
	if c := feedback.CategoryOf(r); c != feedback.CategoryUnknown {
		fmt.Fprintf(&content, "Category: %s (default department: %s)\n", c, feedback.DefaultDepartment(c))
	}
	content.WriteString(r.Body)

	resp, err := a.provider.Complete(ctx, llm.Request{
		Model:    a.model,
		System:   analyzePrompt,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: content.String()}},
		JSON:     true,
	})
	if err != nil {
		return feedback.Analysis{}, err
	}

	out, err := llm.DecodeJSON(resp.Text, validateAnalysis)
	if err != nil {
		return feedback.Analysis{}, err
	}
	return out.analysis(), nil
}

func (o analysisOutput) analysis() feedback.Analysis {
	var a feedback.Analysis
	if o.Sentiment != nil {
		s := feedback.Sentiment(*o.Sentiment)
		a.Sentiment = &s
	}
	if o.Urgency != nil {
		u := feedback.Urgency(*o.Urgency)
		a.Urgency = &u
	}
	if o.Department != nil {
		if d := strings.TrimSpace(*o.Department); d != "" {
			a.Department = &d
		}
	}
	if o.Tags != nil {
		a.Tags = normalizeTags(o.Tags)
	}
	return a
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) == maxTags {
			break
		}
	}
	return out
}

package composer

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/kalambet/pulse/internal/analytics"
	"github.com/kalambet/pulse/internal/feedback"
)

const (
	defaultMaxTokens = 8000
	// excerptShare is the fraction of the window the feedback excerpts may use.
	excerptShare    = 0.4
	maxExcerptChars = 400
)

const baseInstructions = `You are a municipal feedback analyst helping city officials understand what citizens are reporting.
Answer using only the feedback summary and excerpts below. Cite record ids in brackets when you refer to a report.
If the excerpts don't answer the question, say so plainly. Do not invent numbers.`

// Grounding is the quantitative context computed for one question.
type Grounding struct {
	Keywords   []string           `json:"keywords"`
	Filters    feedback.Filters   `json:"filters"`
	Stats      analytics.Stats    `json:"stats"`
	Priority   analytics.Priority `json:"priority"`
	Department string             `json:"department"`
	Records    []feedback.Record  `json:"records"`
}

// Composer assembles token-budgeted prompts for the assistant.
type Composer struct {
	MaxTokens int
	logger    *zap.Logger
}

// New creates a Composer with the given context window.
// If maxTokens <= 0, the default (8000) is used.
func New(maxTokens int, logger *zap.Logger) *Composer {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composer{MaxTokens: maxTokens, logger: logger}
}

// Compose builds the system prompt from g and packs it with history and the
// question.
func (c *Composer) Compose(g Grounding, history []Turn, question string) (PackResult, error) {
	system := c.SystemPrompt(g)
	res, err := Pack(system, history, NewTurn("user", question), c.MaxTokens)
	if err != nil {
		return res, err
	}
	if res.Dropped > 0 {
		c.logger.Debug("history truncated", zap.Int("dropped", res.Dropped), zap.Int("tokens", res.Tokens))
	}
	if res.Overflow {
		c.logger.Debug("final turn exceeds context window", zap.Int("tokens", res.Tokens), zap.Int("window", c.MaxTokens))
	}
	return res, nil
}

// SystemPrompt renders instructions, the statistics summary, and as many
// excerpts as fit the excerpt budget, in candidate order.
func (c *Composer) SystemPrompt(g Grounding) string {
	var sb strings.Builder
	sb.WriteString(baseInstructions)
	sb.WriteString("\n\n[Feedback Summary]\n")
	sb.WriteString(summarize(g))

	if len(g.Records) == 0 {
		sb.WriteString("\n[Feedback Excerpts]\nNo matching feedback was found.\n")
		return sb.String()
	}

	header := "\n[Feedback Excerpts]\n"
	remaining := int(float64(c.MaxTokens)*excerptShare) - EstimateTokens(header)

	var entries []string
	for _, r := range g.Records {
		entry := formatRecord(r)
		tokens := EstimateTokens(entry)
		if tokens > remaining {
			break
		}
		entries = append(entries, entry)
		remaining -= tokens
	}

	if len(entries) > 0 {
		sb.WriteString(header)
		for _, e := range entries {
			sb.WriteString(e)
		}
		if omitted := len(g.Records) - len(entries); omitted > 0 {
			fmt.Fprintf(&sb, "(%d more matching reports omitted)\n", omitted)
		}
	}
	return sb.String()
}

func summarize(g Grounding) string {
	var sb strings.Builder
	s := g.Stats
	fmt.Fprintf(&sb, "Matching reports: %d", s.Total)
	if s.Total > 0 && s.Analyzed < s.Total {
		fmt.Fprintf(&sb, " (%d not yet analyzed)", s.Total-s.Analyzed)
	}
	sb.WriteString("\n")
	if len(g.Keywords) > 0 {
		fmt.Fprintf(&sb, "Search terms: %s\n", strings.Join(g.Keywords, ", "))
	}
	if g.Filters.Location != "" {
		fmt.Fprintf(&sb, "Location filter: %s\n", g.Filters.Location)
	}
	if g.Filters.IssueCategory != "" {
		fmt.Fprintf(&sb, "Issue type filter: %s\n", g.Filters.IssueCategory)
	}
	if !g.Filters.Since.IsZero() {
		fmt.Fprintf(&sb, "Since: %s\n", g.Filters.Since.Format("2006-01-02"))
	}
	if s.Total == 0 {
		return sb.String()
	}

	fmt.Fprintf(&sb, "Sentiment: %d negative, %d neutral, %d positive\n",
		s.BySentiment[feedback.SentimentNegative], s.BySentiment[feedback.SentimentNeutral], s.BySentiment[feedback.SentimentPositive])
	fmt.Fprintf(&sb, "Urgency: %d critical, %d high, %d medium, %d low\n",
		s.ByUrgency[feedback.UrgencyCritical], s.ByUrgency[feedback.UrgencyHigh], s.ByUrgency[feedback.UrgencyMedium], s.ByUrgency[feedback.UrgencyLow])
	fmt.Fprintf(&sb, "Repeated reports: %d, comments: %d\n", s.Repetition, s.Comments)
	if s.First != nil && s.Last != nil {
		fmt.Fprintf(&sb, "Reported between %s and %s\n", s.First.Format("2006-01-02"), s.Last.Format("2006-01-02"))
	}
	fmt.Fprintf(&sb, "Priority score: %d/100\n", g.Priority.Score)
	fmt.Fprintf(&sb, "Recommended department: %s\n", g.Department)
	return sb.String()
}

// excerpt cuts body to at most n bytes on a rune boundary.
func excerpt(body string, n int) string {
	if len(body) <= n {
		return body
	}
	for n > 0 && !utf8.RuneStart(body[n]) {
		n--
	}
	return body[:n] + "..."
}

func formatRecord(r feedback.Record) string {
	body := excerpt(r.Body, maxExcerptChars)
	var meta []string
	if r.Urgency != feedback.UrgencyUnset {
		meta = append(meta, "urgency: "+string(r.Urgency))
	}
	if r.Sentiment != feedback.SentimentUnset {
		meta = append(meta, "sentiment: "+string(r.Sentiment))
	}
	if r.Location != "" {
		meta = append(meta, "location: "+r.Location)
	}
	if r.Department != "" {
		meta = append(meta, "department: "+r.Department)
	}
	if !r.CreatedAt.IsZero() {
		meta = append(meta, r.CreatedAt.Format("2006-01-02"))
	}
	return fmt.Sprintf("[%s] %s (%s)\n%s\n\n", r.ID, r.Title, strings.Join(meta, ", "), body)
}

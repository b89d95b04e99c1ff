// Package pipeline runs a chat turn: it grounds the question in retrieved
// feedback, fits the conversation into the context window and asks the
// model.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kalambet/pulse/internal/analytics"
	"github.com/kalambet/pulse/internal/cache"
	"github.com/kalambet/pulse/internal/composer"
	"github.com/kalambet/pulse/internal/conversation"
	"github.com/kalambet/pulse/internal/feedback"
	"github.com/kalambet/pulse/internal/fingerprint"
	"github.com/kalambet/pulse/internal/intent"
	"github.com/kalambet/pulse/internal/llm"
	"github.com/kalambet/pulse/internal/storage"
)

// ErrEmptyQuestion is returned for a blank chat question.
var ErrEmptyQuestion = errors.New("question is empty")

// FallbackMessage replaces the answer when the model fails.
const FallbackMessage = "Sorry, I couldn't analyze the feedback just now. Please try again in a moment."

const (
	defaultCacheTTL    = 10 * time.Minute
	defaultTemperature = 0.3
)

// ConversationStore persists chat history.
type ConversationStore interface {
	CreateConversation(ctx context.Context, id, title string) (storage.Conversation, error)
	GetConversation(ctx context.Context, id string) (storage.Conversation, error)
	LoadTurns(ctx context.Context, conversationID string) ([]composer.Turn, error)
	AppendTurn(ctx context.Context, conversationID string, t composer.Turn) (composer.Turn, error)
	ReplacePrefix(ctx context.Context, conversationID string, throughID int64, summary composer.Turn) error
}

// Deps groups the Assistant's collaborators.
type Deps struct {
	Conversations ConversationStore
	Candidates    analytics.Candidates
	// Cache memoizes grounding per question fingerprint; nil disables it.
	Cache       cache.Backend
	CacheTTL    time.Duration
	Composer    *composer.Composer
	Compressor  *conversation.Compressor
	Provider    llm.Provider
	Model       string
	Temperature float64
	Logger      *zap.Logger
}

// Assistant answers questions about the feedback corpus.
type Assistant struct {
	conversations ConversationStore
	candidates    analytics.Candidates
	grounding     *cache.ContextCache[composer.Grounding]
	cacheTTL      time.Duration
	composer      *composer.Composer
	compressor    *conversation.Compressor
	provider      llm.Provider
	model         string
	temperature   float64
	logger        *zap.Logger
	now           func() time.Time
}

// New creates an Assistant.
func New(d Deps) *Assistant {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := d.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	temp := d.Temperature
	if temp <= 0 {
		temp = defaultTemperature
	}
	comp := d.Composer
	if comp == nil {
		comp = composer.New(0, logger)
	}
	return &Assistant{
		conversations: d.Conversations,
		candidates:    d.Candidates,
		grounding:     cache.NewContextCache[composer.Grounding](d.Cache, logger),
		cacheTTL:      ttl,
		composer:      comp,
		compressor:    d.Compressor,
		provider:      d.Provider,
		model:         d.Model,
		temperature:   temp,
		logger:        logger,
		now:           time.Now,
	}
}

// Answer is the result of one chat turn.
type Answer struct {
	ConversationID string             `json:"conversation_id"`
	Text           string             `json:"text"`
	Fallback       bool               `json:"fallback,omitempty"`
	Priority       analytics.Priority `json:"priority"`
	Department     string             `json:"department"`
	RecordIDs      []string           `json:"record_ids"`
	PromptTokens   int                `json:"prompt_tokens"`
	DroppedTurns   int                `json:"dropped_turns,omitempty"`
}

// StartConversation opens a new conversation.
func (a *Assistant) StartConversation(ctx context.Context, title string) (storage.Conversation, error) {
	return a.conversations.CreateConversation(ctx, uuid.New().String(), strings.TrimSpace(title))
}

// Ground computes (or reads from cache) the retrieval, statistics and score
// for question. Each stage consumes the previous stage's output; a failure
// stops the chain.
func (a *Assistant) Ground(ctx context.Context, question string) (composer.Grounding, error) {
	key := fingerprint.Query(question)
	return a.grounding.GetOrCompute(ctx, key, a.cacheTTL, func(ctx context.Context) (composer.Grounding, error) {
		keywords := intent.ExtractKeywords(question)
		filters := intent.ParseFilters(question, a.now())

		records, err := a.candidates.Retrieve(ctx, keywords, filters, 0)
		if err != nil {
			return composer.Grounding{}, err
		}
		stats := analytics.Summarize(records)

		category := feedback.ParseCategory(filters.IssueCategory)
		if category == feedback.CategoryUnknown {
			category = feedback.InferCategory(question)
		}
		return composer.Grounding{
			Keywords:   keywords,
			Filters:    filters,
			Stats:      stats,
			Priority:   analytics.Score(stats, len(records)),
			Department: analytics.RecommendDepartment(records, category),
			Records:    records,
		}, nil
	})
}

// turn is everything prepared for one model call.
type turn struct {
	conversationID string
	question       string
	grounding      composer.Grounding
	packed         composer.PackResult
}

func (t *turn) answer(text string) Answer {
	ids := make([]string, 0, len(t.grounding.Records))
	for _, r := range t.grounding.Records {
		ids = append(ids, r.ID)
	}
	return Answer{
		ConversationID: t.conversationID,
		Text:           text,
		Priority:       t.grounding.Priority,
		Department:     t.grounding.Department,
		RecordIDs:      ids,
		PromptTokens:   t.packed.Tokens,
		DroppedTurns:   t.packed.Dropped,
	}
}

func (t *turn) request(model string, temperature float64) llm.Request {
	return llm.Request{
		Model:       model,
		System:      t.packed.System,
		Messages:    t.packed.Messages,
		Temperature: temperature,
	}
}

func (a *Assistant) prepare(ctx context.Context, conversationID, question string) (*turn, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, ErrEmptyQuestion
	}
	if _, err := a.conversations.GetConversation(ctx, conversationID); err != nil {
		return nil, fmt.Errorf("loading conversation %s: %w", conversationID, err)
	}

	g, err := a.Ground(ctx, question)
	if err != nil {
		return nil, err
	}

	history, err := a.history(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	packed, err := a.composer.Compose(g, history, question)
	if err != nil {
		return nil, err
	}
	return &turn{conversationID: conversationID, question: question, grounding: g, packed: packed}, nil
}

// history loads the conversation and compresses it first when it has
// grown past the compressor's threshold. A failed compression is logged and
// the uncompressed history is used.
func (a *Assistant) history(ctx context.Context, conversationID string) ([]composer.Turn, error) {
	turns, err := a.conversations.LoadTurns(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	conv := &conversation.Conversation{ID: conversationID, Turns: turns}
	if a.compressor == nil || !a.compressor.ShouldCompress(conv) {
		return conv.Turns, nil
	}

	res, ok, err := a.compressor.Compress(ctx, conv)
	if err != nil {
		a.logger.Warn("conversation compression failed", zap.String("conversation", conversationID), zap.Error(err))
		return turns, nil
	}
	if !ok {
		return conv.Turns, nil
	}
	through := res.Replaced[len(res.Replaced)-1].ID
	if err := a.conversations.ReplacePrefix(ctx, conversationID, through, res.Summary); err != nil {
		a.logger.Warn("persisting compressed history failed", zap.String("conversation", conversationID), zap.Error(err))
	}
	return conv.Turns, nil
}

func (a *Assistant) persist(ctx context.Context, t *turn, reply string) error {
	if _, err := a.conversations.AppendTurn(ctx, t.conversationID, composer.NewTurn(llm.RoleUser, t.question)); err != nil {
		return fmt.Errorf("saving question: %w", err)
	}
	if _, err := a.conversations.AppendTurn(ctx, t.conversationID, composer.NewTurn(llm.RoleAssistant, reply)); err != nil {
		return fmt.Errorf("saving answer: %w", err)
	}
	return nil
}

// Answer runs one chat turn. Model failures are logged and answered with
// FallbackMessage; nothing is written to the conversation in that case.
// Retrieval failures and budget violations are returned.
func (a *Assistant) Answer(ctx context.Context, conversationID, question string) (Answer, error) {
	t, err := a.prepare(ctx, conversationID, question)
	if err != nil {
		return Answer{}, err
	}

	resp, err := a.provider.Complete(ctx, t.request(a.model, a.temperature))
	if err != nil {
		if ctx.Err() != nil {
			return Answer{}, ctx.Err()
		}
		a.logger.Warn("model failed, answering with fallback",
			zap.String("conversation", conversationID), zap.Error(err))
		out := t.answer(FallbackMessage)
		out.Fallback = true
		return out, nil
	}

	if err := a.persist(ctx, t, resp.Text); err != nil {
		return Answer{}, err
	}
	a.logger.Debug("answered",
		zap.String("conversation", conversationID),
		zap.Int("prompt_tokens", resp.PromptTokens),
		zap.Int("completion_tokens", resp.CompletionTokens),
		zap.Int("records", len(t.grounding.Records)),
	)
	return t.answer(resp.Text), nil
}

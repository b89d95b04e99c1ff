package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/pulse/internal/composer"
)

func TestConversationTurns_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, "c-1", "roads")
	require.NoError(t, err)
	assert.Equal(t, "c-1", conv.ID)

	got, err := s.GetConversation(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "roads", got.Title)

	_, err = s.GetConversation(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	t1, err := s.AppendTurn(ctx, "c-1", composer.NewTurn("user", "what are the top complaints?"))
	require.NoError(t, err)
	t2, err := s.AppendTurn(ctx, "c-1", composer.NewTurn("assistant", "potholes"))
	require.NoError(t, err)
	assert.Less(t, t1.ID, t2.ID)

	turns, err := s.LoadTurns(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "user", turns[0].Role)
	assert.Equal(t, composer.EstimateTokens("potholes"), turns[1].Tokens)

	_, err = s.AppendTurn(ctx, "missing", composer.NewTurn("user", "hi"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplacePrefix_KeepsOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.CreateConversation(ctx, "c-1", "")
	require.NoError(t, err)

	var stored []composer.Turn
	for _, content := range []string{"q1", "a1", "q2", "a2", "q3"} {
		turn, err := s.AppendTurn(ctx, "c-1", composer.NewTurn("user", content))
		require.NoError(t, err)
		stored = append(stored, turn)
	}

	summary := composer.NewTurn("assistant", "Summary of earlier conversation:\nq1 a1 q2")
	require.NoError(t, s.ReplacePrefix(ctx, "c-1", stored[2].ID, summary))

	turns, err := s.LoadTurns(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.True(t, turns[0].Summary)
	assert.Equal(t, stored[2].ID, turns[0].ID)
	assert.Equal(t, "a2", turns[1].Content)
	assert.Equal(t, "q3", turns[2].Content)

	next, err := s.AppendTurn(ctx, "c-1", composer.NewTurn("assistant", "a3"))
	require.NoError(t, err)
	assert.Greater(t, next.ID, stored[4].ID)

	assert.ErrorIs(t, s.ReplacePrefix(ctx, "missing", 10, summary), ErrNotFound)
}

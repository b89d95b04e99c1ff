package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userReq(content string) Request {
	return Request{
		System:   "You are a municipal analyst.",
		Messages: []Message{{Role: RoleUser, Content: content}},
	}
}

func TestOpenRouter_Complete(t *testing.T) {
	var got orRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"Hello!"}}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`)
	}))
	defer srv.Close()

	c := NewOpenRouter("test-key", srv.URL, "openai/gpt-4o-mini", time.Second)
	req := userReq("hi")
	req.JSON = true
	resp, err := c.Complete(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "Hello!", resp.Text)
	assert.Equal(t, 12, resp.PromptTokens)
	assert.Equal(t, 3, resp.CompletionTokens)

	assert.Equal(t, "openai/gpt-4o-mini", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, RoleSystem, got.Messages[0].Role)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
}

func TestOpenRouter_Stream(t *testing.T) {
	sse := "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\",\"content\":\"Hello\"}}]}\n\n" +
		": keep-alive\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\" world\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n" +
		"data: [DONE]\n\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, sse)
	}))
	defer srv.Close()

	s, err := NewOpenRouter("k", srv.URL, "m", 0).Stream(context.Background(), userReq("hi"))
	require.NoError(t, err)
	text, err := Collect(s)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", text)
}

func TestOpenRouter_StreamCutShort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"{\\\"sentiment\\\":\"}}]}\n\n")
	}))
	defer srv.Close()

	s, err := NewOpenRouter("k", srv.URL, "m", 0).Stream(context.Background(), userReq("hi"))
	require.NoError(t, err)
	_, err = Collect(s)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModel)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestOpenRouter_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error":"upstream exploded"}`)
	}))
	defer srv.Close()

	_, err := NewOpenRouter("k", srv.URL, "m", 0).Complete(context.Background(), userReq("hi"))
	require.Error(t, err)

	var me *ModelError
	require.True(t, errors.As(err, &me))
	assert.Equal(t, http.StatusBadGateway, me.StatusCode)
	assert.Contains(t, me.Snippet, "upstream exploded")
	assert.ErrorIs(t, err, ErrModel)
}

func TestOpenRouter_RetriesOn429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	resp, err := NewOpenRouter("k", srv.URL, "m", 0).Complete(context.Background(), userReq("hi"))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestOpenRouter_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := NewOpenRouter("k", srv.URL, "m", 0).Complete(context.Background(), userReq("hi"))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestOpenRouter_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := NewOpenRouter("k", srv.URL, "m", 50*time.Millisecond).Complete(context.Background(), userReq("hi"))
	assert.ErrorIs(t, err, ErrTimeout)
}

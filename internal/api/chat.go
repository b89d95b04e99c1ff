package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type conversationRequest struct {
	Title string `json:"title"`
}

type conversationResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func handleStartConversation(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req conversationRequest
		if r.ContentLength != 0 && !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}

		conv, err := deps.Assistant.StartConversation(r.Context(), req.Title)
		if err != nil {
			failWith(w, deps.logger(), err)
			return
		}
		writeJSON(w, http.StatusCreated, conversationResponse{ID: conv.ID, Title: conv.Title, CreatedAt: conv.CreatedAt})
	}
}

type chatRequest struct {
	Question string `json:"question"`
	Stream   bool   `json:"stream"`
}

func handleChat(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}
		id := chi.URLParam(r, "id")

		if req.Stream {
			streamChat(w, r, deps, id, req.Question)
			return
		}

		answer, err := deps.Assistant.Answer(r.Context(), id, req.Question)
		if err != nil {
			failWith(w, deps.logger(), err)
			return
		}
		writeJSON(w, http.StatusOK, answer)
	}
}

// streamChat sends each chunk as an SSE "data" event carrying {"delta": ...},
// then the final answer as {"done": true, "answer": ...} and a [DONE] marker.
func streamChat(w http.ResponseWriter, r *http.Request, deps Deps, id, question string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	stream, err := deps.Assistant.Stream(r.Context(), id, question)
	if err != nil {
		failWith(w, deps.logger(), err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	send := func(v any) {
		b, err := json.Marshal(v)
		if err != nil {
			deps.logger().Error("failed to marshal stream event", zap.Error(err))
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", b)
		flusher.Flush()
	}

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			send(map[string]any{
				"error": map[string]any{
					"message": "answer stream interrupted",
					"type":    "server_error",
				},
			})
			return
		}
		send(map[string]string{"delta": chunk})
	}

	send(map[string]any{"done": true, "answer": stream.Answer})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

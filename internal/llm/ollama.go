package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Ollama is a Provider backed by a local Ollama server.
type Ollama struct {
	baseURL    string
	model      string
	timeout    time.Duration
	httpClient *http.Client
}

// NewOllama creates a client for the Ollama server at baseURL.
func NewOllama(baseURL, model string, timeout time.Duration) *Ollama {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Ollama{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

// tagsResponse mirrors the JSON returned by GET /api/tags.
type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// IsRunning returns true if the Ollama server responds to GET /api/tags with 200.
func (c *Ollama) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ListModels returns the names of all models available locally.
func (c *Ollama) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting model list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// HasModel reports whether the given model name is present locally.
func (c *Ollama) HasModel(ctx context.Context, name string) bool {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		// Ollama reports "llama3.2:latest"; match without the tag suffix.
		if m == name || strings.HasPrefix(m, name+":") {
			return true
		}
	}
	return false
}

// PullProgress is one line of the streamed pull response.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// PullModel downloads a model, reading the streamed progress to completion.
// onProgress may be nil.
func (c *Ollama) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	body, err := json.Marshal(map[string]any{"name": name, "stream": true})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating pull request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pull %s: unexpected status %d", name, resp.StatusCode)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var p PullProgress
		if err := dec.Decode(&p); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("reading pull progress: %w", err)
		}
		if onProgress != nil {
			onProgress(p)
		}
	}
	return nil
}

type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Format   string         `json:"format,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
	Error           string  `json:"error,omitempty"`
}

func (c *Ollama) post(ctx context.Context, req Request, stream bool) (*http.Response, context.CancelFunc, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	r := ollamaRequest{
		Model:    model,
		Messages: req.messages(),
		Stream:   stream,
		Options:  map[string]any{"temperature": req.Temperature},
	}
	if req.JSON {
		r.Format = "json"
	}
	body, err := json.Marshal(r)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling request: %w", err)
	}

	timeout := c.timeout
	if stream {
		timeout = streamingTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("creating chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, nil, c.wrap(0, nil, err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxSnippet))
		resp.Body.Close()
		cancel()
		return nil, nil, c.wrap(resp.StatusCode, raw, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return resp, cancel, nil
}

// Complete sends a non-streaming chat request.
func (c *Ollama) Complete(ctx context.Context, req Request) (Response, error) {
	resp, cancel, err := c.post(ctx, req, false)
	if err != nil {
		return Response{}, err
	}
	defer cancel()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, c.wrap(0, nil, err)
	}
	var out ollamaResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, &ModelError{Provider: "ollama", Snippet: snippet(raw), Err: fmt.Errorf("%w: %v", ErrInvalidOutput, err)}
	}
	return Response{
		Text:             out.Message.Content,
		PromptTokens:     out.PromptEvalCount,
		CompletionTokens: out.EvalCount,
	}, nil
}

// Stream opens a newline-delimited JSON chat stream.
func (c *Ollama) Stream(ctx context.Context, req Request) (Stream, error) {
	resp, cancel, err := c.post(ctx, req, true)
	if err != nil {
		return nil, err
	}
	return &ndjsonStream{
		rc:  &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
		dec: json.NewDecoder(resp.Body),
	}, nil
}

func (c *Ollama) wrap(status int, body []byte, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		err = fmt.Errorf("%w: %v", ErrTimeout, err)
	case status == 0:
		err = fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &ModelError{Provider: "ollama", StatusCode: status, Snippet: snippet(body), Err: err}
}

type ndjsonStream struct {
	rc   io.ReadCloser
	dec  *json.Decoder
	done bool
}

func (s *ndjsonStream) Recv() (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		var msg ollamaResponse
		if err := s.dec.Decode(&msg); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return "", streamErr("ollama", err)
		}
		if msg.Error != "" {
			return "", &ModelError{Provider: "ollama", Snippet: msg.Error, Err: ErrModel}
		}
		if msg.Done {
			s.done = true
		}
		if msg.Message.Content != "" {
			return msg.Message.Content, nil
		}
	}
}

func (s *ndjsonStream) Close() error { return s.rc.Close() }

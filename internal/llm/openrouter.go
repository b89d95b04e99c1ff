package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOpenRouterURL = "https://openrouter.ai/api/v1"
	defaultTimeout       = 60 * time.Second
	streamingTimeout     = 300 * time.Second
	maxRetries           = 3
	initialBackoff       = 500 * time.Millisecond
)

// OpenRouter is a Provider for the OpenRouter (OpenAI-compatible) API.
type OpenRouter struct {
	apiKey     string
	baseURL    string
	model      string
	timeout    time.Duration
	httpClient *http.Client
	referer    string
	title      string
}

// NewOpenRouter creates a client. An empty baseURL uses the public endpoint;
// a zero timeout uses 60s for completions.
func NewOpenRouter(apiKey, baseURL, model string, timeout time.Duration) *OpenRouter {
	if baseURL == "" {
		baseURL = defaultOpenRouterURL
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &OpenRouter{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		timeout:    timeout,
		httpClient: &http.Client{},
		referer:    "https://github.com/kalambet/pulse",
		title:      "pulse",
	}
}

type orRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	Stream         bool            `json:"stream,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type orResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type orChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (c *OpenRouter) body(req Request, stream bool) ([]byte, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	r := orRequest{
		Model:       model,
		Messages:    req.messages(),
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if req.JSON {
		r.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	return json.Marshal(r)
}

// Complete sends a non-streaming chat completion.
func (c *OpenRouter) Complete(ctx context.Context, req Request) (Response, error) {
	body, err := c.body(req, false)
	if err != nil {
		return Response{}, fmt.Errorf("marshaling request: %w", err)
	}

	rc, err := c.chat(ctx, body, c.timeout)
	if err != nil {
		return Response{}, err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return Response{}, c.wrap(0, nil, err)
	}

	var out orResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, &ModelError{Provider: "openrouter", Snippet: snippet(raw), Err: fmt.Errorf("%w: %v", ErrInvalidOutput, err)}
	}
	if len(out.Choices) == 0 {
		return Response{}, &ModelError{Provider: "openrouter", Snippet: snippet(raw), Err: fmt.Errorf("%w: no choices", ErrInvalidOutput)}
	}
	return Response{
		Text:             out.Choices[0].Message.Content,
		PromptTokens:     out.Usage.PromptTokens,
		CompletionTokens: out.Usage.CompletionTokens,
	}, nil
}

// Stream opens a server-sent-events completion stream.
func (c *OpenRouter) Stream(ctx context.Context, req Request) (Stream, error) {
	body, err := c.body(req, true)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	rc, err := c.chat(ctx, body, streamingTimeout)
	if err != nil {
		return nil, err
	}
	return &sseStream{rc: rc, reader: bufio.NewReader(rc)}, nil
}

// chat posts to /chat/completions, retrying on 429 with exponential backoff.
func (c *OpenRouter) chat(ctx context.Context, body []byte, timeout time.Duration) (io.ReadCloser, error) {
	var lastErr error
	for attempt := range maxRetries {
		rc, err := c.doChat(ctx, body, timeout)
		if err == nil {
			return rc, nil
		}
		if !isRateLimit(err) {
			return nil, err
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, c.wrap(0, nil, ctx.Err())
			case <-time.After(backoff):
			}
		}
	}
	return nil, &ModelError{
		Provider:   "openrouter",
		StatusCode: http.StatusTooManyRequests,
		Err:        fmt.Errorf("%w after %d retries: %v", ErrRateLimited, maxRetries, lastErr),
	}
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}

func (c *OpenRouter) doChat(ctx context.Context, body []byte, timeout time.Duration) (io.ReadCloser, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, c.wrap(0, nil, err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		cancel()
		return nil, &rateLimitError{status: resp.StatusCode}
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxSnippet))
		resp.Body.Close()
		cancel()
		return nil, c.wrap(resp.StatusCode, respBody, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	// Cancel the timeout context when the caller closes the body.
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, nil
}

func (c *OpenRouter) wrap(status int, body []byte, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		err = fmt.Errorf("%w: %v", ErrTimeout, err)
	case status == 0 && !errors.Is(err, ErrModel):
		err = fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &ModelError{Provider: "openrouter", StatusCode: status, Snippet: snippet(body), Err: err}
}

// cancelOnClose wraps a ReadCloser and cancels a context on Close.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func (c *OpenRouter) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", c.title)
}

// sseStream reads OpenAI-style "data: {...}" events until "data: [DONE]".
type sseStream struct {
	rc     io.ReadCloser
	reader *bufio.Reader
	done   bool
}

func (s *sseStream) Recv() (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		line, err := s.reader.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			if err == io.EOF {
				// The provider closed the connection before [DONE].
				err = io.ErrUnexpectedEOF
			}
			return "", streamErr("openrouter", err)
		}

		line = strings.TrimSpace(line)
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			s.done = true
			return "", io.EOF
		}

		var chunk orChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return "", &ModelError{Provider: "openrouter", Snippet: snippet([]byte(data)), Err: fmt.Errorf("%w: %v", ErrInvalidOutput, err)}
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		return chunk.Choices[0].Delta.Content, nil
	}
}

func (s *sseStream) Close() error { return s.rc.Close() }

func streamErr(provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", ErrTimeout, err)
	} else {
		err = fmt.Errorf("%w: stream interrupted: %w", ErrUnavailable, err)
	}
	return &ModelError{Provider: provider, Err: err}
}

package llm

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	// ErrModel is the umbrella for every failure of the model collaborator.
	ErrModel = errors.New("language model failure")

	// ErrUnavailable indicates the provider could not be reached.
	ErrUnavailable = fmt.Errorf("%w: provider unavailable", ErrModel)

	// ErrTimeout indicates the request exceeded its deadline.
	ErrTimeout = fmt.Errorf("%w: request timed out", ErrModel)

	// ErrInvalidOutput indicates a structured response did not conform to
	// the requested shape.
	ErrInvalidOutput = fmt.Errorf("%w: invalid output format", ErrModel)

	// ErrRateLimited indicates retries on HTTP 429 were exhausted.
	ErrRateLimited = fmt.Errorf("%w: rate limited", ErrModel)
)

// maxSnippet bounds how much of a raw response body is kept for diagnosis.
const maxSnippet = 512

// ModelError carries the provider's status code and a snippet of the raw
// response so operators can see what went wrong.
type ModelError struct {
	Provider   string
	StatusCode int
	Snippet    string
	Err        error
}

func (e *ModelError) Error() string {
	msg := e.Provider
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Snippet != "" {
		msg += fmt.Sprintf(" (body: %q)", e.Snippet)
	}
	return msg
}

func (e *ModelError) Unwrap() error { return e.Err }

// Is makes every ModelError match ErrModel.
func (e *ModelError) Is(target error) bool { return target == ErrModel }

func snippet(b []byte) string {
	if len(b) > maxSnippet {
		n := maxSnippet
		for n > 0 && !utf8.RuneStart(b[n]) {
			n--
		}
		b = b[:n]
	}
	return string(b)
}

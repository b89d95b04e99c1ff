package llm

import (
	"context"
	"fmt"
	"io"
	"time"
)

// EnsureReady checks that Ollama is running and the given models are
// available, pulling missing ones with progress written to w. The first
// model is warmed up so the first chat turn doesn't pay the cold-load cost.
func EnsureReady(ctx context.Context, c *Ollama, w io.Writer, models ...string) error {
	if !c.IsRunning(ctx) {
		return fmt.Errorf("%w: Ollama is not running. Start it with: ollama serve", ErrUnavailable)
	}

	seen := map[string]bool{}
	for _, model := range models {
		if model == "" || seen[model] {
			continue
		}
		seen[model] = true

		if c.HasModel(ctx, model) {
			fmt.Fprintf(w, "model %s: ready\n", model)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err := c.PullModel(ctx, model, func(p PullProgress) {
			if p.Total > 0 {
				pct := float64(p.Completed) / float64(p.Total) * 100
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	if len(models) == 0 || models[0] == "" {
		return nil
	}
	fmt.Fprintf(w, "model %s: warming up...\n", models[0])
	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := c.Complete(warmCtx, Request{
		Model:    models[0],
		Messages: []Message{{Role: RoleUser, Content: "ping"}},
	})
	if err != nil {
		fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", models[0], err)
	} else {
		fmt.Fprintf(w, "model %s: warm\n", models[0])
	}
	return nil
}

package ollama

import (
	"context"
	"fmt"
	"io"
	"time"
)

// EnsureReady checks that Ollama is reachable and pulls whichever of models
// are missing, writing progress to w. The first model is then warmed up
// with a trivial chat so the first invoice does not pay the load time; a
// failed warm-up is reported but not returned.
func EnsureReady(ctx context.Context, c *Client, models []string, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return fmt.Errorf("Ollama is not running at %s. Start it with: ollama serve", c.baseURL)
	}
	missing, err := c.Missing(ctx, models)
	if err != nil {
		return err
	}
	for _, model := range missing {
		fmt.Fprintf(w, "model %s: pulling...\n", model)
		err := c.Pull(ctx, model, func(p PullProgress) {
			if pct := p.Percent(); pct >= 0 {
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "model %s: ready\n", model)
	}

	if len(models) == 0 || models[0] == "" {
		return nil
	}
	warm := models[0]
	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := c.Chat(warmCtx, warm, []Message{{Role: "user", Content: "ping"}}, nil, nil); err != nil {
		fmt.Fprintf(w, "model %s: warm-up failed (non-fatal): %v\n", warm, err)
	} else {
		fmt.Fprintf(w, "model %s: warm\n", warm)
	}
	return nil
}

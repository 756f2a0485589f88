// Package inference provides the model clients the orchestrator thinks
// with. Providers differ only in wire format; everything above this package
// sees Complete and CompleteWithSystem.
package inference

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"toolhub/internal/logging"
)

// Client is a text-in text-out model client.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Model() string
}

// Provider names a supported backend.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
)

const (
	defaultMaxTokens   = 4096
	defaultTemperature = 0.1 // structured output wants determinism
	maxRetries         = 3
)

// retryBaseDelay is the first backoff step; doubles per attempt.
var retryBaseDelay = time.Second

// postJSON posts a JSON body and returns the response body. Rate limits and
// server errors retry with exponential backoff; other failures return
// immediately.
func postJSON(ctx context.Context, hc *http.Client, url string, headers map[string]string, body []byte) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << uint(attempt-1)
			logging.InferenceWarn("retrying in %s (attempt %d/%d): %v", delay, attempt, maxRetries, lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := hc.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, snippet(data))
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("status %d: %s", resp.StatusCode, snippet(data))
		}
		return data, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func snippet(body []byte) string {
	s := string(body)
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

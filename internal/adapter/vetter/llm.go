package vetter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"log/slog"

	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
)

// chatClient calls the OpenRouter chat-completions endpoint. It is the only
// part of the vetter that leaves the process.
type chatClient struct {
	apiKey  string
	baseURL string
	model   string
	hc      *http.Client
}

func newChatClient(apiKey, baseURL, model string, timeout time.Duration) *chatClient {
	return &chatClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		hc:      &http.Client{Timeout: timeout},
	}
}

// chatBackoff bounds retries well under the submit path's latency budget:
// a vet that cannot finish quickly should fail closed, not stall the client.
func chatBackoff() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 5 * time.Second
	expo.MaxElapsedTime = 20 * time.Second
	return expo
}

// Chat sends one system+user exchange and returns the raw message content.
// 429 and 5xx responses are retried with exponential backoff; other 4xx are
// permanent failures.
func (c *chatClient) Chat(ctx domain.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("%w: OPENROUTER_API_KEY missing", domain.ErrInvalidArgument)
	}

	body := map[string]any{
		"model":       c.model,
		"temperature": 0.1,
		"max_tokens":  maxTokens,
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": userPrompt},
		},
	}
	b, _ := json.Marshal(body)

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	op := func() error {
		// Recreate request each attempt to avoid reusing consumed bodies
		r, _ := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(b))
		r.Header.Set("Authorization", "Bearer "+c.apiKey)
		r.Header.Set("Content-Type", "application/json")
		resp, err := c.hc.Do(r)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		bodyBytes, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			slog.Warn("vet provider rate limited", slog.Int("status", resp.StatusCode))
			return fmt.Errorf("rate limited: 429")
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			snippet := string(bodyBytes)
			if len(snippet) > 512 {
				snippet = snippet[:512]
			}
			slog.Warn("vet provider 4xx", slog.Int("status", resp.StatusCode), slog.String("model", c.model), slog.String("body", snippet))
			return backoff.Permanent(fmt.Errorf("chat status %d", resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			slog.Error("vet provider non-2xx", slog.Int("status", resp.StatusCode), slog.String("model", c.model))
			return fmt.Errorf("chat status %d", resp.StatusCode)
		}
		if err := json.Unmarshal(bodyBytes, &out); err != nil {
			return fmt.Errorf("decode chat response: %w", err)
		}
		return nil
	}
	bo := backoff.WithContext(chatBackoff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return "", fmt.Errorf("openrouter chat failed: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("empty choices from chat completion")
	}
	return out.Choices[0].Message.Content, nil
}

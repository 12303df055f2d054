// Package llm implements the model gateway: the zhipu chat-completion
// wire format with JWT auth, retry with backoff and timeout escalation,
// tolerant JSON extraction, and the prompted call sites the workflows
// consume.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/algotest/algotest/config"
)

// ErrCallFailed marks an LLM call that exhausted its retries. Callers
// treat it as recoverable and fall back to site-specific defaults.
var ErrCallFailed = errors.New("model call failed")

// Message roles.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client is the minimal chat-completion surface the gateway builds on.
type Client interface {
	// Complete sends the messages and returns the first choice's content.
	Complete(ctx context.Context, messages []Message) (string, error)
}

// HTTPClient talks to the zhipu chat-completions endpoint.
type HTTPClient struct {
	cfg    config.LLM
	httpc  *http.Client
	logger *slog.Logger
}

// NewHTTPClient creates a client from the LLM configuration. A nil
// logger falls back to slog.Default().
func NewHTTPClient(cfg config.LLM, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		cfg:    cfg,
		httpc:  &http.Client{},
		logger: logger,
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete calls the model with retries.
//
// Policy: cfg.RetryCount attempts; the wait before retry N is
// RetryDelay * RetryBackoff^N; a timed-out attempt escalates the next
// attempt's deadline by 1.5x. On exhaustion the returned error wraps
// ErrCallFailed.
func (c *HTTPClient) Complete(ctx context.Context, messages []Message) (string, error) {
	id, secret, err := splitAPIKey(c.cfg.APIKey)
	if err != nil {
		return "", err
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	timeout := c.cfg.Timeout.Std()
	var lastErr error

	for attempt := 0; attempt < c.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			wait := time.Duration(float64(c.cfg.RetryDelay.Std()) * pow(c.cfg.RetryBackoff, attempt-1))
			c.logger.Info("retrying model call", "attempt", attempt+1, "wait", wait)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}

		token, err := signToken(id, secret, time.Hour)
		if err != nil {
			return "", fmt.Errorf("sign token: %w", err)
		}

		content, err := c.attempt(ctx, token, body, timeout)
		if err == nil {
			return content, nil
		}
		lastErr = err

		if errors.Is(err, context.DeadlineExceeded) {
			// Slow model responses warrant a longer window next time.
			timeout = time.Duration(float64(timeout) * 1.5)
			c.logger.Warn("model call timed out", "next_timeout", timeout)
		} else if ctx.Err() != nil {
			return "", ctx.Err()
		} else {
			c.logger.Warn("model call failed", "error", err)
		}
	}

	return "", fmt.Errorf("%w: exhausted %d attempts: %v", ErrCallFailed, c.cfg.RetryCount, lastErr)
}

func (c *HTTPClient) attempt(ctx context.Context, token string, body []byte, timeout time.Duration) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(payload), 300))
	}

	var parsed chatResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("response has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

func splitAPIKey(key string) (id, secret string, err error) {
	if key == "" {
		return "", "", fmt.Errorf("api key not configured")
	}
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("api key must be of the form id.secret")
	}
	return parts[0], parts[1], nil
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

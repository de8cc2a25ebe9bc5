package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/selivandex/autopilot-runner/internal/adapters/config"
	"github.com/selivandex/autopilot-runner/pkg/logger"
)

const maxChatAttempts = 3

// Client wraps an OpenAI-compatible chat endpoint. It is shared by every
// LLM brain; per-request state (messages, tools, model choice) stays with
// the caller.
type Client struct {
	api *openai.Client
	cfg config.LLMConfig
}

// New builds the provider client. A missing API key is not an error here:
// the brain factory checks Enabled before constructing LLM brains, so
// deployments running only static strategies need no key.
func New(cfg config.LLMConfig) *Client {
	if cfg.APIKey == "" {
		return &Client{cfg: cfg}
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	logger.Info("🧠 LLM provider configured",
		zap.String("model", cfg.Model),
		zap.String("fallback_model", cfg.FallbackModel),
		zap.String("base_url", cfg.BaseURL),
	)

	return &Client{
		api: openai.NewClientWithConfig(clientCfg),
		cfg: cfg,
	}
}

// Enabled reports whether chat completions can be served.
func (c *Client) Enabled() bool {
	return c.api != nil
}

// Model returns the primary chat model.
func (c *Client) Model() string {
	return c.cfg.Model
}

// FallbackModel returns the secondary model, empty when not configured.
func (c *Client) FallbackModel() string {
	return c.cfg.FallbackModel
}

// MaxToolSteps returns the tool-loop bound for brains.
func (c *Client) MaxToolSteps() int {
	return c.cfg.MaxToolSteps
}

// MaxMemories returns how many memory entries prompts should include.
func (c *Client) MaxMemories() int {
	return c.cfg.MaxMemories
}

// MinConfidence returns the confidence floor below which a write action is
// demoted to a wait. Zero disables the floor.
func (c *Client) MinConfidence() float64 {
	return c.cfg.MinConfidence
}

// CreateChatCompletion sends one chat request with the configured timeout
// and retries transient provider failures with exponential backoff.
func (c *Client) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if c.api == nil {
		return openai.ChatCompletionResponse{}, fmt.Errorf("llm provider not configured")
	}

	var lastErr error

	for attempt := 0; attempt < maxChatAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			logger.Debug("retrying chat completion",
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return openai.ChatCompletionResponse{}, fmt.Errorf("context canceled during retry backoff: %w", ctx.Err())
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		resp, err := c.api.CreateChatCompletion(reqCtx, req)
		cancel()

		if err == nil {
			if len(resp.Choices) == 0 {
				return openai.ChatCompletionResponse{}, fmt.Errorf("no choices in chat response")
			}
			return resp, nil
		}

		lastErr = err
		if !isRetryableError(err) {
			return openai.ChatCompletionResponse{}, err
		}

		logger.Warn("retryable llm error",
			zap.Error(err),
			zap.Int("attempt", attempt+1),
		)
	}

	return openai.ChatCompletionResponse{}, fmt.Errorf("max retries (%d) exceeded: %w", maxChatAttempts, lastErr)
}

// isRetryableError checks if error should trigger a retry
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests ||
			apiErr.HTTPStatusCode >= 500
	}

	errStr := err.Error()
	if strings.Contains(errStr, "429") || strings.Contains(errStr, "rate limit") {
		return true
	}
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
		return true
	}
	if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "connection reset") {
		return true
	}
	if strings.Contains(errStr, "500") || strings.Contains(errStr, "502") || strings.Contains(errStr, "503") {
		return true
	}

	return false
}

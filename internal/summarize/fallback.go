package summarize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/noteflow/notes-gateway/internal/observability"
	"github.com/noteflow/notes-gateway/internal/resilience"
	"github.com/noteflow/notes-gateway/internal/stream"
)

// FallbackClient performs the synchronous HTTP summarization used when the
// streaming path is unavailable or silent. Calls go through a circuit breaker
// so a dead backend fails fast instead of stacking up long timeouts.
type FallbackClient struct {
	origin  string
	client  *http.Client
	tokens  stream.TokenSource
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
}

// NewFallbackClient creates a fallback client posting to origin/summarize.
func NewFallbackClient(origin string, timeout time.Duration, tokens stream.TokenSource, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *FallbackClient {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker("summarize_http", 5, 30*time.Second)
	}
	return &FallbackClient{
		origin:  origin,
		client:  &http.Client{Timeout: timeout},
		tokens:  tokens,
		breaker: breaker,
		logger:  logger.With().Str("component", "summarize_fallback").Logger(),
	}
}

type summarizeBody struct {
	Text string `json:"text"`
}

type summarizeResponse struct {
	Summary string `json:"summary"`
	Error   string `json:"error,omitempty"`
}

// Summarize posts the text and returns the complete summary.
func (c *FallbackClient) Summarize(ctx context.Context, text string) (string, error) {
	var summary string
	err := c.breaker.Call(func() error {
		var callErr error
		summary, callErr = c.post(ctx, text)
		return callErr
	})

	observability.UpdateCircuitBreakerState("summarize_http", int(c.breaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures("summarize_http")
		observability.RecordError("fallback_error", "summarize")
		return "", err
	}
	return summary, nil
}

func (c *FallbackClient) post(ctx context.Context, text string) (string, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}

	body, err := json.Marshal(summarizeBody{Text: text})
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.origin+"/summarize", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("summarize request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var decoded summarizeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("summarize failed: status %d", resp.StatusCode)
	}
	if decoded.Error != "" {
		return "", fmt.Errorf("summarize failed: %s", decoded.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("summarize failed: status %d", resp.StatusCode)
	}

	c.logger.Debug().Int("chars", len(decoded.Summary)).Msg("HTTP summarization complete")
	return decoded.Summary, nil
}

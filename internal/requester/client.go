// internal/requester/client.go
package requester

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/oraflow/mend/api/schemas"
	"github.com/oraflow/mend/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// chatRequest is the OpenAI-compatible chat completion payload the reasoning
// endpoint expects.
type chatRequest struct {
	Model          string                `json:"model"`
	Messages       []schemas.ChatMessage `json:"messages"`
	Temperature    float64               `json:"temperature"`
	Stream         bool                  `json:"stream"`
	ResponseFormat *responseFormat       `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message      schemas.ChatMessage `json:"message"`
		FinishReason string              `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// HTTPReasoner talks to an OpenAI-compatible chat completion endpoint.
// Transient failures (network errors, 5xx, 429) are retried with exponential
// backoff; permanent ones (other 4xx, malformed responses) abort immediately.
// A client-side rate limiter smooths outbound calls below the endpoint's
// advertised capacity, on top of the admission controller's hard window.
type HTTPReasoner struct {
	logger  *zap.Logger
	cfg     config.ReasonerConfig
	client  *http.Client
	limiter *rate.Limiter
}

var _ schemas.ReasonerClient = (*HTTPReasoner)(nil)

// NewHTTPReasoner constructs a client for cfg.Endpoint.
func NewHTTPReasoner(logger *zap.Logger, cfg config.ReasonerConfig) *HTTPReasoner {
	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = 10
	}
	return &HTTPReasoner{
		logger:  logger.Named("reasoner"),
		cfg:     cfg,
		client:  &http.Client{}, // Per-call deadlines come from ctx.
		limiter: rate.NewLimiter(rate.Limit(perMinute/60.0), 1),
	}
}

// Generate sends the prompts and returns the assistant's raw text.
func (r *HTTPReasoner) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for rate limiter: %w", err)
	}

	payload := chatRequest{
		Model: r.cfg.Model,
		Messages: []schemas.ChatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
		Temperature: req.Options.Temperature,
	}
	if req.Options.ForceJSONFormat {
		payload.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling chat request: %w", err)
	}

	var result string
	operation := func() error {
		var opErr error
		result, opErr = r.doRequest(ctx, body)
		return opErr
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = r.cfg.MaxElapsedTime

	notify := func(err error, wait time.Duration) {
		r.logger.Warn("Reasoning request failed; retrying",
			zap.Error(err), zap.Duration("backoff", wait))
	}
	if err := backoff.RetryNotify(operation, backoff.WithContext(bo, ctx), notify); err != nil {
		return "", err
	}
	return result, nil
}

func (r *HTTPReasoner) doRequest(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("building request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		// Network-level failures are transient by default.
		return "", fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("endpoint returned status %d: %.200s", resp.StatusCode, string(raw))
		if isTransientStatus(resp.StatusCode) {
			return "", err
		}
		return "", backoff.Permanent(err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", backoff.Permanent(fmt.Errorf("decoding chat response: %w", err))
	}
	if parsed.Error != nil {
		return "", backoff.Permanent(fmt.Errorf("endpoint error: %s", parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return "", backoff.Permanent(fmt.Errorf("chat response contained no choices"))
	}
	return parsed.Choices[0].Message.Content, nil
}

// isTransientStatus reports whether a non-200 status is worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return code >= 500
}

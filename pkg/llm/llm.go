// Package llm declares the LLM driver interface consumed by the
// Generation Pipeline (spec §6) plus an HTTP-backed concrete
// implementation and an in-memory Fake for tests.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nightrelay/postengine/internal/postengineerr"
)

// FinishReason reports why the model stopped generating.
type FinishReason string

const (
	FinishStop   FinishReason = "stop"
	FinishLength FinishReason = "length"
)

// Completion is the result of a Complete call.
type Completion struct {
	Text         string
	TokenUsage   int
	FinishReason FinishReason
}

// Params tunes a single completion request.
type Params struct {
	MaxTokens   int
	Temperature float64
}

// Driver is the narrow interface the pipeline depends on. Errors are
// always a *postengineerr.KindError: Transient, RateLimited, or
// Configuration (spec §6, §7).
type Driver interface {
	Complete(ctx context.Context, prompt string, params Params) (Completion, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HTTP is a Driver backed by an HTTP completion/embedding API.
type HTTP struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTP creates an HTTP-backed Driver with the given per-call timeout.
func NewHTTP(baseURL, apiKey string, timeout time.Duration) *HTTP {
	return &HTTP{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type completeRequest struct {
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

type completeResponse struct {
	Text         string `json:"text"`
	TokenUsage   int    `json:"token_usage"`
	FinishReason string `json:"finish_reason"`
}

// Complete implements Driver.
func (h *HTTP) Complete(ctx context.Context, prompt string, params Params) (Completion, error) {
	body, err := json.Marshal(completeRequest{Prompt: prompt, MaxTokens: params.MaxTokens, Temperature: params.Temperature})
	if err != nil {
		return Completion{}, postengineerr.New(postengineerr.KindConfiguration, "llm", fmt.Errorf("marshalling request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/complete", bytes.NewReader(body))
	if err != nil {
		return Completion{}, postengineerr.New(postengineerr.KindConfiguration, "llm", fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+h.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return Completion{}, postengineerr.New(postengineerr.KindTransient, "llm", fmt.Errorf("calling completion API: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return Completion{}, postengineerr.RateLimited("llm", retryAfter, fmt.Errorf("completion API rate limited"))
	}
	if resp.StatusCode >= 500 {
		return Completion{}, postengineerr.New(postengineerr.KindTransient, "llm", fmt.Errorf("completion API returned HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return Completion{}, postengineerr.New(postengineerr.KindConfiguration, "llm", fmt.Errorf("completion API returned HTTP %d", resp.StatusCode))
	}

	var decoded completeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Completion{}, postengineerr.New(postengineerr.KindTransient, "llm", fmt.Errorf("decoding completion response: %w", err))
	}

	return Completion{Text: decoded.Text, TokenUsage: decoded.TokenUsage, FinishReason: FinishReason(decoded.FinishReason)}, nil
}

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Vector []float32 `json:"vector"`
}

// Embed implements Driver.
func (h *HTTP) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Text: text})
	if err != nil {
		return nil, postengineerr.New(postengineerr.KindConfiguration, "llm", fmt.Errorf("marshalling request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/embed", bytes.NewReader(body))
	if err != nil {
		return nil, postengineerr.New(postengineerr.KindConfiguration, "llm", fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+h.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, postengineerr.New(postengineerr.KindTransient, "llm", fmt.Errorf("calling embedding API: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return nil, postengineerr.New(postengineerr.KindTransient, "llm", fmt.Errorf("embedding API returned HTTP %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, postengineerr.New(postengineerr.KindConfiguration, "llm", fmt.Errorf("embedding API returned HTTP %d", resp.StatusCode))
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, postengineerr.New(postengineerr.KindTransient, "llm", fmt.Errorf("decoding embedding response: %w", err))
	}
	return decoded.Vector, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 2 * time.Second
	}
	if secs, err := time.ParseDuration(header + "s"); err == nil {
		return secs
	}
	return 2 * time.Second
}

var _ Driver = (*HTTP)(nil)

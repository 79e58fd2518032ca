// Package embed provides the query-embedding client for dense retrieval,
// speaking the OpenAI-compatible /v1/embeddings protocol.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/haniae/Team2-CBA-Project-sub005/config"
)

// RequestError carries the upstream status so callers can distinguish
// transient failures from permanent ones.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("embedding request failed (%d): %s", e.StatusCode, e.Message)
}

// Retryable reports whether a retry could plausibly succeed.
func (e *RequestError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client calls an OpenAI-compatible embeddings endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	dimensions int
	httpClient *http.Client
}

func NewClient(cfg config.EmbeddingConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the vector for one piece of text. A single transient
// failure is retried once before giving up.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := c.embedOnce(ctx, text)
	if err == nil {
		return vec, nil
	}
	if re, ok := err.(*RequestError); ok && re.Retryable() && ctx.Err() == nil {
		return c.embedOnce(ctx, text)
	}
	return nil, err
}

func (c *Client) embedOnce(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: c.model, Input: []string{text}, Dimensions: c.dimensions})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &RequestError{StatusCode: resp.StatusCode, Message: string(b)}
	}
	var out embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(out.Data) == 0 || len(out.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("embedding response contained no vector")
	}
	return out.Data[0].Embedding, nil
}

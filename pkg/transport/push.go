// Package transport submits push notification batches to the delivery
// backend. Delivery is best-effort multicast with per-token
// success/failure reporting; exactly-once delivery is out of scope.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// MaxBatchSize is the hard ceiling on tokens per multicast call.
const MaxBatchSize = 500

// DefaultTimeout is the per-batch submit timeout.
const DefaultTimeout = 30 * time.Second

// Message is the rendered notification content shared by one batch.
type Message struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	DeepLink string `json:"deepLink,omitempty"`
}

// BatchResult reports per-token outcomes for one multicast submit.
type BatchResult struct {
	SuccessCount int      `json:"successCount"`
	FailureCount int      `json:"failureCount"`
	FailedTokens []string `json:"failedTokens,omitempty"`
}

// Sender is the multicast send primitive consumed by the executor.
type Sender interface {
	SendMulticast(ctx context.Context, msg Message, tokens []string) (BatchResult, error)
}

// Client is the HTTP push transport client.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ Sender = (*Client)(nil)

// NewClient creates a push transport client. A zero timeout selects the
// default.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// SendMulticast submits one batch of at most MaxBatchSize tokens carrying
// identical rendered content.
func (c *Client) SendMulticast(ctx context.Context, msg Message, tokens []string) (BatchResult, error) {
	if len(tokens) == 0 {
		return BatchResult{}, nil
	}
	if len(tokens) > MaxBatchSize {
		return BatchResult{}, fmt.Errorf("batch of %d tokens exceeds limit %d", len(tokens), MaxBatchSize)
	}

	reqBody, err := json.Marshal(map[string]any{
		"message": msg,
		"tokens":  tokens,
	})
	if err != nil {
		return BatchResult{}, fmt.Errorf("encoding multicast request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/multicast", bytes.NewReader(reqBody))
	if err != nil {
		return BatchResult{}, fmt.Errorf("building multicast request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return BatchResult{}, fmt.Errorf("multicast call failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return BatchResult{}, fmt.Errorf("multicast returned %d", resp.StatusCode)
	}

	var result BatchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return BatchResult{}, fmt.Errorf("decoding multicast response: %w", err)
	}
	return result, nil
}

// Package tokens fetches device push tokens for user ids from the token
// service. A user may have zero or multiple tokens; ordering is not
// guaranteed by the service.
package tokens

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// DefaultTimeout is the per-call timeout for token fetches.
const DefaultTimeout = 30 * time.Second

// DeviceToken pairs a user id with one of their device tokens.
type DeviceToken struct {
	ID    string `json:"id"` // user id
	Token string `json:"token"`
}

// Client is the token service client.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a token service client. A zero timeout selects the
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

// FetchDeviceTokens returns the device tokens for the given users as a
// userID -> tokens map. Users without tokens are absent from the map.
func (c *Client) FetchDeviceTokens(ctx context.Context, userIDs []string) (map[string][]string, error) {
	if len(userIDs) == 0 {
		return map[string][]string{}, nil
	}

	reqBody, err := json.Marshal(map[string]any{"userIds": userIDs})
	if err != nil {
		return nil, fmt.Errorf("encoding token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/device-tokens", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device-tokens call failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("device-tokens returned %d", resp.StatusCode)
	}

	var rows []DeviceToken
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}

	byUser := make(map[string][]string, len(rows))
	for _, row := range rows {
		if row.Token == "" {
			continue
		}
		byUser[row.ID] = append(byUser[row.ID], row.Token)
	}
	return byUser, nil
}

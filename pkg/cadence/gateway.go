// Package cadence is the client for the external cadence service, which
// excludes users who recently received a push at a given layer.
//
// The gateway fails open: campaigns are time-sensitive, so a cadence
// outage must not silently drop a send. On any filter failure the input
// list is returned unfiltered and the firing log carries a degraded
// marker.
package cadence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/threadswap/pushpilot/pkg/models"
)

// Default RPC timeouts.
const (
	DefaultFilterTimeout = 10 * time.Second
	DefaultTrackTimeout  = 5 * time.Second
)

// FilterResult is the outcome of a cadence filter call.
type FilterResult struct {
	EligibleIDs   []string
	ExcludedCount int
	// Degraded is set when the cadence service failed and the gateway
	// fell back to the unfiltered input list.
	Degraded bool
	// DegradedReason describes the failure when Degraded is set.
	DegradedReason string
}

// TrackRequest records that a user received a push at a layer.
type TrackRequest struct {
	UserID              string `json:"userId"`
	LayerID             int    `json:"layerId"`
	PushTitle           string `json:"pushTitle"`
	PushBody            string `json:"pushBody"`
	AudienceDescription string `json:"audienceDescription"`
}

// Gateway is the cadence service client.
type Gateway struct {
	baseURL     string
	filterHTTP  *http.Client
	trackHTTP   *http.Client
}

// NewGateway creates a gateway for the cadence service at baseURL.
// Zero timeouts select the defaults.
func NewGateway(baseURL string, filterTimeout, trackTimeout time.Duration) *Gateway {
	if filterTimeout <= 0 {
		filterTimeout = DefaultFilterTimeout
	}
	if trackTimeout <= 0 {
		trackTimeout = DefaultTrackTimeout
	}
	return &Gateway{
		baseURL:    baseURL,
		filterHTTP: &http.Client{Timeout: filterTimeout},
		trackHTTP:  &http.Client{Timeout: trackTimeout},
	}
}

// Filter asks the cadence service which of userIDs may receive a push at
// layerID. The test layer bypasses the service entirely: every user is
// eligible, no RPC is made. Filter never returns an error; failures
// degrade to the input list.
func (g *Gateway) Filter(ctx context.Context, userIDs []string, layerID int) FilterResult {
	if layerID == models.TestLayerID {
		return FilterResult{EligibleIDs: userIDs}
	}
	if len(userIDs) == 0 {
		return FilterResult{EligibleIDs: userIDs}
	}

	reqBody, err := json.Marshal(map[string]any{
		"userIds": userIDs,
		"layerId": layerID,
	})
	if err != nil {
		return g.failOpen(userIDs, fmt.Sprintf("encoding filter request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/filter-audience", bytes.NewReader(reqBody))
	if err != nil {
		return g.failOpen(userIDs, fmt.Sprintf("building filter request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.filterHTTP.Do(req)
	if err != nil {
		return g.failOpen(userIDs, fmt.Sprintf("filter-audience call failed: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return g.failOpen(userIDs,
			fmt.Sprintf("filter-audience returned %d: %s", resp.StatusCode, string(body)))
	}

	var parsed struct {
		EligibleUserIDs []string `json:"eligibleUserIds"`
		ExcludedCount   int      `json:"excludedCount"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return g.failOpen(userIDs, fmt.Sprintf("decoding filter response: %v", err))
	}

	return FilterResult{
		EligibleIDs:   parsed.EligibleUserIDs,
		ExcludedCount: parsed.ExcludedCount,
	}
}

// Track records a delivered push. Best-effort: the caller logs and counts
// failures but never fails a firing on them.
func (g *Gateway) Track(ctx context.Context, track TrackRequest) error {
	reqBody, err := json.Marshal(track)
	if err != nil {
		return fmt.Errorf("encoding track request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.baseURL+"/track-notification", bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("building track request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.trackHTTP.Do(req)
	if err != nil {
		return fmt.Errorf("track-notification call failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("track-notification returned %d", resp.StatusCode)
	}
	return nil
}

func (g *Gateway) failOpen(userIDs []string, reason string) FilterResult {
	return FilterResult{
		EligibleIDs:    userIDs,
		Degraded:       true,
		DegradedReason: reason,
	}
}

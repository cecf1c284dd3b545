// Package identity provides the narrow contract tunnelbroker needs from the
// external identity service: verifying a device's session credential during
// the WebSocket handshake (spec.md §4.3). The identity service itself is out
// of scope (spec.md Non-goals) — this package is deliberately the thinnest
// possible client.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Verifier is the dependency interface consumed by internal/session, the
// same narrow-interface-per-consumer style the teacher uses for its cache/
// queue/search collaborators.
type Verifier interface {
	VerifyCredential(ctx context.Context, userID, deviceID, accessToken string) error
}

// Client is the HTTP-backed Verifier used in production.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient builds a Client against the identity service's verify endpoint.
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 5 * time.Second},
	}
}

type verifyRequest struct {
	UserID      string `json:"userID"`
	DeviceID    string `json:"deviceID"`
	AccessToken string `json:"accessToken"`
}

type verifyResponse struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// VerifyCredential asks the identity service whether the credential is
// currently valid for the (userID, deviceID) pair.
func (c *Client) VerifyCredential(ctx context.Context, userID, deviceID, accessToken string) error {
	body, err := json.Marshal(verifyRequest{UserID: userID, DeviceID: deviceID, AccessToken: accessToken})
	if err != nil {
		return fmt.Errorf("identity: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/verify", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("identity: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("identity: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("identity: unexpected status %d", resp.StatusCode)
	}

	var vr verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return fmt.Errorf("identity: decode response: %w", err)
	}
	if !vr.Valid {
		return fmt.Errorf("identity: credential rejected: %s", vr.Reason)
	}
	return nil
}

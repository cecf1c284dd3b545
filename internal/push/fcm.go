package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// FCMClient sends data messages through Firebase Cloud Messaging's HTTP v1
// API using a project-scoped OAuth access token (minted by the caller and
// refreshed out of band, the same pattern comm_lib uses for GCP service
// accounts elsewhere in the stack).
type FCMClient struct {
	endpoint    string // e.g. https://fcm.googleapis.com/v1/projects/<id>/messages:send
	accessToken func() (string, error)
	http        *http.Client
}

// NewFCMClient builds a client. accessToken is called fresh on every send so
// the caller's token refresh logic stays out of this package.
func NewFCMClient(endpoint string, accessToken func() (string, error)) *FCMClient {
	return &FCMClient{endpoint: endpoint, accessToken: accessToken, http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *FCMClient) Send(ctx context.Context, deviceToken string, payload Payload) error {
	data := map[string]string{
		"id":        uuid.New().String(),
		"title":     payload.Title,
		"body":      payload.Body,
		"threadID":  payload.ThreadID,
		"badgeOnly": "0",
	}

	message := map[string]interface{}{
		"message": map[string]interface{}{
			"token": deviceToken,
			"data":  data,
			"android": map[string]interface{}{
				"priority": "normal",
			},
		},
	}
	raw, err := json.Marshal(message)
	if err != nil {
		return &Error{Platform: PlatformAndroid, Reason: err.Error()}
	}

	token, err := c.accessToken()
	if err != nil {
		return &Error{Platform: PlatformAndroid, Reason: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(raw))
	if err != nil {
		return &Error{Platform: PlatformAndroid, Reason: err.Error()}
	}
	req.Header.Set("authorization", "Bearer "+token)
	req.Header.Set("content-type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Platform: PlatformAndroid, Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var fcmErr struct {
		Error struct {
			Status string `json:"status"`
		} `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&fcmErr)

	invalidate := fcmErr.Error.Status == "UNREGISTERED" || fcmErr.Error.Status == "NOT_FOUND" ||
		fcmErr.Error.Status == "INVALID_ARGUMENT"
	return &Error{
		Platform:   PlatformAndroid,
		Reason:     fmt.Sprintf("status %d: %s", resp.StatusCode, fcmErr.Error.Status),
		Invalidate: invalidate,
	}
}

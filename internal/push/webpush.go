package push

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// WebPushClient posts to a browser push endpoint (the subscription URL
// itself is the device token for Web Push). VAPID signing is out of scope —
// deployments that need it terminate it in the endpoint's own gateway.
type WebPushClient struct {
	http *http.Client
}

// NewWebPushClient builds a client.
func NewWebPushClient() *WebPushClient {
	return &WebPushClient{http: &http.Client{Timeout: 10 * time.Second}}
}

func (c *WebPushClient) Send(ctx context.Context, subscriptionURL string, payload Payload) error {
	body := map[string]string{
		"id":       uuid.New().String(),
		"title":    payload.Title,
		"body":     payload.Body,
		"threadID": payload.ThreadID,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return &Error{Platform: PlatformWeb, Reason: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, subscriptionURL, bytes.NewReader(raw))
	if err != nil {
		return &Error{Platform: PlatformWeb, Reason: err.Error()}
	}
	req.Header.Set("content-type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Platform: PlatformWeb, Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return nil
	}

	// 404/410 mean the browser dropped the subscription.
	invalidate := resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone
	return &Error{Platform: PlatformWeb, Reason: resp.Status, Invalidate: invalidate}
}

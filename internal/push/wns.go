package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// WNSClient sends raw notifications through the Windows Notification
// Service, authenticating with an OAuth2 client-credentials token that is
// cached and refreshed on expiry.
type WNSClient struct {
	clientID     string
	clientSecret string
	tokenURL     string
	http         *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewWNSClient builds a client.
func NewWNSClient(clientID, clientSecret, tokenURL string) *WNSClient {
	return &WNSClient{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
		http:         &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *WNSClient) Send(ctx context.Context, channelURI string, payload Payload) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return &Error{Platform: PlatformWindows, Reason: err.Error()}
	}

	body := map[string]string{
		"title":    payload.Title,
		"body":     payload.Body,
		"threadID": payload.ThreadID,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return &Error{Platform: PlatformWindows, Reason: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, channelURI, bytes.NewReader(raw))
	if err != nil {
		return &Error{Platform: PlatformWindows, Reason: err.Error()}
	}
	req.Header.Set("authorization", "Bearer "+token)
	req.Header.Set("content-type", "application/json")
	req.Header.Set("x-wns-type", "wns/raw")

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Platform: PlatformWindows, Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	invalidate := resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone
	return &Error{Platform: PlatformWindows, Reason: resp.Status, Invalidate: invalidate}
}

func (c *WNSClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.expiresAt) {
		return c.token, nil
	}

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"scope":         {"notify.windows.com"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("content-type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("push: wns: token request failed: %s", resp.Status)
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", err
	}

	c.token = tr.AccessToken
	c.expiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	return c.token, nil
}

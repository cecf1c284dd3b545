package push

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// apnsTopic mirrors the original APNsTopic enum (iOS vs macOS bundle ids).
type apnsTopic string

const (
	apnsTopicIOS   apnsTopic = "app.comm"
	apnsTopicMacOS apnsTopic = "app.comm.macos"
)

// APNsClient sends alerts through Apple's HTTP/2 provider API using a
// provider authentication token (ES256 JWT) instead of a certificate.
type APNsClient struct {
	endpoint string
	teamID   string
	keyID    string
	key      *ecdsa.PrivateKey
	http     *http.Client

	macOS bool
}

// NewAPNsClient builds a client from a PEM-encoded PKCS#8 EC private key —
// the format Apple issues provider auth keys in. endpoint is the full
// api.push.apple.com (or sandbox) base URL.
func NewAPNsClient(endpoint, teamID, keyID string, pemKey []byte, macOS bool) (*APNsClient, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, fmt.Errorf("push: apns: invalid PEM key")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("push: apns: parse key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("push: apns: key is not ECDSA")
	}

	return &APNsClient{
		endpoint: endpoint,
		teamID:   teamID,
		keyID:    keyID,
		key:      key,
		http:     &http.Client{Timeout: 10 * time.Second},
		macOS:    macOS,
	}, nil
}

func (c *APNsClient) topic() apnsTopic {
	if c.macOS {
		return apnsTopicMacOS
	}
	return apnsTopicIOS
}

// Send builds the aps payload and posts it with a fresh provider token.
func (c *APNsClient) Send(ctx context.Context, deviceToken string, payload Payload) error {
	body := map[string]interface{}{
		"aps": map[string]interface{}{
			"alert": map[string]string{
				"title": payload.Title,
				"body":  payload.Body,
			},
			"thread-id":       payload.ThreadID,
			"sound":           "default",
			"mutable-content": 1,
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return &Error{Platform: PlatformIOS, Reason: err.Error()}
	}

	token, err := c.providerToken()
	if err != nil {
		return &Error{Platform: PlatformIOS, Reason: err.Error()}
	}

	url := fmt.Sprintf("%s/3/device/%s", c.endpoint, deviceToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return &Error{Platform: PlatformIOS, Reason: err.Error()}
	}
	req.Header.Set("authorization", "bearer "+token)
	req.Header.Set("apns-topic", string(c.topic()))
	req.Header.Set("apns-push-type", "alert")
	req.Header.Set("apns-id", uuid.New().String())

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Platform: PlatformIOS, Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var apnsErr struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&apnsErr)

	// Apple reports a dead token with these two reasons.
	invalidate := apnsErr.Reason == "BadDeviceToken" || apnsErr.Reason == "Unregistered"
	return &Error{Platform: PlatformIOS, Reason: apnsErr.Reason, Invalidate: invalidate}
}

// providerToken mints a short-lived ES256 JWT per Apple's provider auth
// token scheme. Tokens are cheap to generate so one is minted per send
// rather than cached with a refresh timer.
func (c *APNsClient) providerToken() (string, error) {
	header := map[string]string{"alg": "ES256", "kid": c.keyID}
	claims := map[string]interface{}{"iss": c.teamID, "iat": time.Now().Unix()}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	signingInput := base64URL(headerJSON) + "." + base64URL(claimsJSON)

	digest := sha256.Sum256([]byte(signingInput))
	r, s, err := ecdsaSign(c.key, digest[:])
	if err != nil {
		return "", err
	}
	sig := append(leftPad(r.Bytes(), 32), leftPad(s.Bytes(), 32)...)

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func base64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func ecdsaSign(key *ecdsa.PrivateKey, digest []byte) (r, s *big.Int, err error) {
	return ecdsa.Sign(rand.Reader, key, digest)
}

func leftPad(b []byte, size int) []byte {
	if len(b) >= size {
		return b
	}
	padded := make([]byte, size)
	copy(padded[size-len(b):], b)
	return padded
}

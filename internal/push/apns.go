// Package push delivers silent wakeup notifications over the APNs
// provider API. The payload is a fixed, non-identifying body; any sender
// identity or count here would leak metadata to the push provider.
package push

import (
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SilentPayload wakes the app with no user-visible content.
const SilentPayload = `{"aps":{"content-available":1},"inbox":1}`

const tokenTTL = 15 * time.Minute

var (
	// ErrTokenGone signals HTTP 410: the device token is permanently
	// invalid and the device should be deactivated.
	ErrTokenGone = errors.New("push: device token gone")
	// ErrThrottled signals HTTP 429.
	ErrThrottled = errors.New("push: throttled")
)

type Client struct {
	endpoint string
	topic    string
	keyID    string
	teamID   string
	key      *ecdsa.PrivateKey
	http     *http.Client
	now      func() time.Time

	mu       sync.Mutex
	token    string
	issuedAt time.Time
}

// NewClient parses the PKCS#8 EC private key and builds an APNs client.
func NewClient(keyPEM, keyID, teamID, topic, endpoint string) (*Client, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, errors.New("push: key is not PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("push: parse key: %w", err)
	}
	ecKey, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("push: key is %T, want *ecdsa.PrivateKey", parsed)
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		topic:    topic,
		keyID:    keyID,
		teamID:   teamID,
		key:      ecKey,
		http:     &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
	}, nil
}

// providerToken returns the cached ES256 provider JWT, reissuing it once
// its effective life is over.
func (c *Client) providerToken() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.token != "" && now.Sub(c.issuedAt) < tokenTTL {
		return c.token, nil
	}
	t := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": c.teamID,
		"iat": now.Unix(),
	})
	t.Header["kid"] = c.keyID
	signed, err := t.SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("push: sign provider token: %w", err)
	}
	c.token = signed
	c.issuedAt = now
	return signed, nil
}

// Send posts the silent payload to one device token. The error classifies
// the provider response; callers decide what survives (410 deactivates the
// device, everything else is logged and dropped).
func (c *Client) Send(ctx context.Context, deviceToken string) error {
	token, err := c.providerToken()
	if err != nil {
		return err
	}
	url := c.endpoint + "/3/device/" + deviceToken
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(SilentPayload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apns-topic", c.topic)
	req.Header.Set("apns-push-type", "background")
	req.Header.Set("apns-priority", "5")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("push: send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusGone:
		return ErrTokenGone
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrThrottled
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("push: provider status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

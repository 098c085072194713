package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const DefaultBaseURL = "https://api.x.ai/v1"

// ErrMissingAPIKey is returned before any request is sent when no API key is
// configured.
var ErrMissingAPIKey = errors.New("xai api key required")

// Client calls the xAI (OpenAI-compatible) chat, image and video endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu     sync.RWMutex
	apiKey string
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient builds a client. baseURL should include the /v1 prefix; empty
// means DefaultBaseURL. apiKey may be empty and set later with SetAPIKey.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// SetAPIKey swaps the bearer credential used for subsequent requests.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	c.apiKey = strings.TrimSpace(key)
	c.mu.Unlock()
}

// HasAPIKey reports whether a credential is configured.
func (c *Client) HasAPIKey() bool {
	return c.key() != ""
}

func (c *Client) key() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	key := c.key()
	if key == "" {
		return ErrMissingAPIKey
	}
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("xai request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("xai decode: %w", err)
	}
	return nil
}

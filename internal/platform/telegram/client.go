// Package telegram delivers support notifications to a Telegram chat
// via the Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nexavpn/worker/internal/domain"
)

const defaultBaseURL = "https://api.telegram.org"

// Client posts messages to the support chat. A client with an empty
// token or chat ID is valid but unconfigured; callers treat delivery
// through it as a no-op.
type Client struct {
	token   string
	chatID  string
	baseURL string
	http    *http.Client
}

var _ domain.Messenger = (*Client)(nil)

func NewClient(token, chatID string) *Client {
	return &Client{
		token:   token,
		chatID:  chatID,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// NewClientWithBaseURL points the client at a non-default API host.
// Used by tests against a local stub.
func NewClientWithBaseURL(token, chatID, baseURL string) *Client {
	c := NewClient(token, chatID)
	c.baseURL = baseURL
	return c
}

func (c *Client) Configured() bool {
	return c.token != "" && c.chatID != ""
}

// SendSupport posts text to the support chat. Any non-2xx response is
// an error so the caller can retry.
func (c *Client) SendSupport(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]any{
		"chat_id":                  c.chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal telegram request: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("telegram send failed: %d %s", res.StatusCode, detail)
	}
	return nil
}

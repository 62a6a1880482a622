// Package webhook posts markdown messages to a chat webhook. When a secret is
// set the URL is signed the DingTalk way: HMAC-SHA256 over
// "<timestamp_ms>\n<secret>", base64 encoded, sent as timestamp/sign query
// parameters.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

type Client struct {
	url        string
	secret     string
	httpClient *http.Client
	now        func() time.Time
}

type Response struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

func NewClient(webhookURL, secret string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		url:    webhookURL,
		secret: secret,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		now: time.Now,
	}
}

func (c *Client) Configured() bool {
	return c != nil && c.url != ""
}

func (c *Client) SendMarkdown(ctx context.Context, title, markdown string) (*Response, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("webhook url is empty")
	}

	body, err := json.Marshal(map[string]any{
		"msgtype": "markdown",
		"markdown": map[string]string{
			"title": title,
			"text":  markdown,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint, err := c.signedURL()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

func (c *Client) signedURL() (string, error) {
	if c.secret == "" {
		return c.url, nil
	}
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("invalid webhook url: %w", err)
	}
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	q := u.Query()
	q.Set("timestamp", ts)
	q.Set("sign", Sign(ts+"\n"+c.secret, c.secret))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func Sign(message, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

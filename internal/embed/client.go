// Package embed provides an HTTP client for an external embeddings
// service, used by the matcher for semantic question comparison. The
// service is optional: a nil client disables semantic matching and the
// matcher falls back to token overlap.
package embed

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Config for the embeddings client.
type Config struct {
	BaseURL string
	APIKey  string        // optional bearer token
	Model   string        // optional model hint passed through to the service
	Timeout time.Duration // default 10s
}

// Client calls POST /embed and returns the vector. Safe for concurrent use.
type Client struct {
	http  *resty.Client
	model string
}

type embedRequest struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// New creates a Client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(250*time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		httpClient.SetAuthToken(cfg.APIKey)
	}

	return &Client{http: httpClient, model: cfg.Model}
}

// Embed returns the embedding vector for a text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var result embedResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(embedRequest{Text: text, Model: c.model}).
		SetResult(&result).
		Post("/embed")
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("embed: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("embed: empty vector in response")
	}
	return result.Embedding, nil
}

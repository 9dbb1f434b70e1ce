// Package gateway provides the client for the remote payment provider API.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client performs calls against the payment provider API.
// Implementations must classify failures as *ProviderError (the provider
// rejected the request with a problem document) or *TransportError
// (the call itself failed).
type Client interface {
	Request(ctx context.Context, method, path string, body any) (json.RawMessage, error)
}

// Config holds gateway configuration.
type Config struct {
	BaseURL string        `envconfig:"GATEWAY_BASE_URL" required:"true"`
	Token   string        `envconfig:"GATEWAY_TOKEN" required:"true"`
	Timeout time.Duration `envconfig:"GATEWAY_TIMEOUT" default:"30s"`
}

// Problem is a single field problem reported by the provider.
type Problem struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ProviderError is a structured error document returned by the provider.
type ProviderError struct {
	Status   int       `json:"status"`
	Title    string    `json:"title"`
	Detail   string    `json:"detail"`
	Problems []Problem `json:"problems,omitempty"`
}

func (e *ProviderError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("provider error: %s: %s", e.Title, e.Detail)
	}
	return fmt.Sprintf("provider error: %s", e.Title)
}

// UserMessage returns text suitable for merchant-facing display. Known
// field problems get friendlier wording; everything else is reported
// with the provider's own description.
func (e *ProviderError) UserMessage() string {
	for _, p := range e.Problems {
		name := strings.ToLower(p.Name)
		switch {
		case strings.Contains(name, "msisdn") || strings.Contains(name, "phone"):
			return "The phone number format is invalid for the selected payment method."
		case strings.Contains(name, "streetaddress"):
			return "The street address is too long for the payment provider (max 40 characters)."
		}
	}
	if len(e.Problems) > 0 {
		parts := make([]string, 0, len(e.Problems))
		for _, p := range e.Problems {
			parts = append(parts, fmt.Sprintf("%s: %s", p.Name, p.Description))
		}
		return strings.Join(parts, "; ")
	}
	if e.Detail != "" {
		return e.Detail
	}
	return e.Title
}

// TransportError wraps a failure to reach the provider at all.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("gateway transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HTTPClient is the production Client backed by net/http.
type HTTPClient struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewHTTPClient creates a new provider HTTP client.
func NewHTTPClient(cfg Config, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// Request performs one call against the provider API.
func (c *HTTPClient) Request(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	url := c.config.BaseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.Token)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: method + " " + path, Err: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &TransportError{Op: "read response", Err: err}
	}

	if httpResp.StatusCode >= 400 {
		provErr := &ProviderError{Status: httpResp.StatusCode}
		if err := json.Unmarshal(respBody, provErr); err != nil || provErr.Title == "" {
			provErr.Title = http.StatusText(httpResp.StatusCode)
			provErr.Detail = strings.TrimSpace(string(respBody))
		}
		provErr.Status = httpResp.StatusCode

		c.logger.Warn("provider request rejected",
			"method", method,
			"path", path,
			"status", httpResp.StatusCode,
			"title", provErr.Title,
		)
		return nil, provErr
	}

	c.logger.Debug("provider request completed",
		"method", method,
		"path", path,
		"status", httpResp.StatusCode,
	)

	return respBody, nil
}

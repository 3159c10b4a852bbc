package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/uniboxhq/unibox/lifecycle/domain/provider"
	pkgError "github.com/uniboxhq/unibox/pkg/error"
)

// HTTPTransport is the production provider.Transport: plain JSON over HTTP.
// Non-2xx statuses come back as responses, not errors, so callers can branch
// on 429 and 4xx without unwrapping.
type HTTPTransport struct {
	client *http.Client
}

func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (t *HTTPTransport) Post(ctx context.Context, url string, body map[string]any, headers map[string]string, timeout time.Duration) (*provider.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return t.do(req, timeout)
}

func (t *HTTPTransport) Get(ctx context.Context, url string, headers map[string]string, timeout time.Duration) (*provider.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return t.do(req, timeout)
}

func (t *HTTPTransport) do(req *http.Request, timeout time.Duration) (*provider.Response, error) {
	client := t.client
	if timeout > 0 {
		ctx, cancel := context.WithTimeout(req.Context(), timeout)
		defer cancel()
		req = req.WithContext(ctx)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, pkgError.FromTransport(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, pkgError.FromTransport(err)
	}

	data := map[string]any{}
	if len(raw) > 0 {
		// Providers occasionally answer errors with non-JSON bodies; keep
		// the raw text so callers still get something to log.
		if err := json.Unmarshal(raw, &data); err != nil {
			data["raw"] = string(raw)
		}
	}

	return &provider.Response{
		Status:  resp.StatusCode,
		Data:    data,
		Headers: resp.Header,
	}, nil
}

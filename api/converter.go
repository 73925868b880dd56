package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ConversionRequest is what a Converter receives.
type ConversionRequest struct {
	Input  string `json:"input"`
	Format string `json:"format,omitempty"`
	// UserID is empty for anonymous callers.
	UserID string `json:"user_id,omitempty"`
}

// ConversionResult is a Converter's output.
type ConversionResult struct {
	Output string `json:"output"`
	Format string `json:"format,omitempty"`
}

// Converter performs the quota-gated operation behind POST /convert.
type Converter interface {
	Convert(ctx context.Context, req ConversionRequest) (ConversionResult, error)
}

var errConversionInput = errors.New("input is required")

// UpstreamError reports a non-2xx answer from the conversion service.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("conversion service returned %d: %s", e.StatusCode, e.Body)
}

// EchoConverter returns the input unchanged. It is the development default.
type EchoConverter struct{}

func (EchoConverter) Convert(_ context.Context, req ConversionRequest) (ConversionResult, error) {
	if strings.TrimSpace(req.Input) == "" {
		return ConversionResult{}, errConversionInput
	}
	return ConversionResult{Output: req.Input, Format: req.Format}, nil
}

// HTTPConverter forwards requests as JSON to an upstream service.
type HTTPConverter struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPConverter returns a converter posting to url. apiKey, when set, is
// sent as a bearer token.
func NewHTTPConverter(url, apiKey string, timeout time.Duration) *HTTPConverter {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPConverter{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

func (c *HTTPConverter) Convert(ctx context.Context, req ConversionRequest) (ConversionResult, error) {
	if strings.TrimSpace(req.Input) == "" {
		return ConversionResult{}, errConversionInput
	}
	body, err := json.Marshal(req)
	if err != nil {
		return ConversionResult{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return ConversionResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return ConversionResult{}, fmt.Errorf("calling conversion service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ConversionResult{}, &UpstreamError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	var out ConversionResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(&out); err != nil {
		return ConversionResult{}, fmt.Errorf("decoding conversion response: %w", err)
	}
	return out, nil
}

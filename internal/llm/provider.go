// Package llm holds the reasoning providers used for model-assisted plan
// generation. Each provider turns a system prompt and one user prompt into the
// model's text reply.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Provider is a chat-style model backend.
type Provider interface {
	// Name identifies the provider in plans and logs ("openai", "anthropic").
	Name() string

	// Complete sends request and blocks until the full reply is available.
	Complete(ctx context.Context, request Request) (*Response, error)
}

// Request is a single-turn completion request.
type Request struct {
	Model       string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
}

// Response is the model's reply flattened to text.
type Response struct {
	Model string
	Text  string
}

// ProviderError is returned when the API responds with a non-200 status.
type ProviderError struct {
	StatusCode int
	Type       string
	Message    string
}

func (err *ProviderError) Error() string {
	if err.Type != "" {
		return fmt.Sprintf("llm: HTTP %d: %s: %s", err.StatusCode, err.Type, err.Message)
	}
	return fmt.Sprintf("llm: HTTP %d: %s", err.StatusCode, err.Message)
}

// IsRateLimited reports an HTTP 429.
func (err *ProviderError) IsRateLimited() bool {
	return err.StatusCode == http.StatusTooManyRequests
}

// maxErrorDetail caps the raw body quoted in a ProviderError.
const maxErrorDetail = 300

// doProviderRequest POSTs wireRequest as JSON and returns the response. On a
// non-200 status the body is consumed and a ProviderError is returned.
func doProviderRequest(ctx context.Context, httpClient *http.Client, endpoint string, headers map[string]string, wireRequest any, prefix string) (*http.Response, error) {
	body, err := json.Marshal(wireRequest)
	if err != nil {
		return nil, fmt.Errorf("%s: marshaling request: %w", prefix, err)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", prefix, err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		if v != "" {
			httpRequest.Header.Set(k, v)
		}
	}

	httpResponse, err := httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("%s: sending request: %w", prefix, err)
	}
	if httpResponse.StatusCode != http.StatusOK {
		defer httpResponse.Body.Close()
		return nil, readProviderError(httpResponse)
	}
	return httpResponse, nil
}

// wireResponse is implemented by provider response types.
type wireResponse[T any] interface {
	*T
	toResponse() *Response
}

func decodeResponse[T any, P wireResponse[T]](httpResponse *http.Response, prefix string) (*Response, error) {
	defer httpResponse.Body.Close()

	wireResp := P(new(T))
	if err := json.NewDecoder(httpResponse.Body).Decode(wireResp); err != nil {
		return nil, fmt.Errorf("%s: decoding response: %w", prefix, err)
	}
	return wireResp.toResponse(), nil
}

// readProviderError parses {"error":{"type":"...","message":"..."}}, the
// shape shared by Anthropic, OpenAI and compatible APIs.
func readProviderError(httpResponse *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 4096))

	var wireError struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wireError) == nil && wireError.Error.Message != "" {
		return &ProviderError{
			StatusCode: httpResponse.StatusCode,
			Type:       wireError.Error.Type,
			Message:    wireError.Error.Message,
		}
	}

	detail := strings.TrimSpace(string(body))
	if len(detail) > maxErrorDetail {
		detail = detail[:maxErrorDetail] + "..."
	}
	return &ProviderError{
		StatusCode: httpResponse.StatusCode,
		Message:    detail,
	}
}

func trimBaseURL(base, fallback string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		base = fallback
	}
	return strings.TrimRight(base, "/")
}

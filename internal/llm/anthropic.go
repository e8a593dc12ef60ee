package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

const (
	DefaultAnthropicBaseURL = "https://api.anthropic.com"
	DefaultAnthropicModel   = "claude-3-5-sonnet-latest"

	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 1400
)

// Anthropic implements Provider for the Messages API.
type Anthropic struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

func NewAnthropic(httpClient *http.Client, baseURL, apiKey string) *Anthropic {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Anthropic{
		httpClient: httpClient,
		baseURL:    trimBaseURL(baseURL, DefaultAnthropicBaseURL),
		apiKey:     strings.TrimSpace(apiKey),
	}
}

func (provider *Anthropic) Name() string { return "anthropic" }

func (provider *Anthropic) Complete(ctx context.Context, request Request) (*Response, error) {
	const prefix = "llm/anthropic"
	if provider.apiKey == "" {
		return nil, fmt.Errorf("%s: missing API key", prefix)
	}

	maxTokens := request.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}
	temperature := request.Temperature
	wire := anthropicRequest{
		Model:       request.Model,
		System:      request.System,
		MaxTokens:   maxTokens,
		Temperature: &temperature,
		Messages:    []anthropicMessage{{Role: "user", Content: request.Prompt}},
	}
	headers := map[string]string{
		"x-api-key":         provider.apiKey,
		"anthropic-version": anthropicVersion,
	}

	httpResponse, err := doProviderRequest(ctx, provider.httpClient,
		provider.baseURL+"/v1/messages", headers, wire, prefix)
	if err != nil {
		return nil, err
	}
	return decodeResponse[anthropicResponse](httpResponse, prefix)
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (wire *anthropicResponse) toResponse() *Response {
	texts := make([]string, 0, len(wire.Content))
	for _, block := range wire.Content {
		if block.Type == "text" && block.Text != "" {
			texts = append(texts, block.Text)
		}
	}
	return &Response{Model: wire.Model, Text: strings.Join(texts, "\n")}
}

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const (
	DefaultOpenAIBaseURL     = "https://api.openai.com/v1"
	DefaultOpenAIModel       = "gpt-4.1-mini"
	DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	DefaultOpenRouterModel   = "openai/gpt-4.1-mini"
)

// OpenAIConfig configures any endpoint speaking the Chat Completions wire
// format. OpenRouter is the same client with a different base URL and two
// attribution headers.
type OpenAIConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	Headers map[string]string
}

// OpenAI implements Provider for the Chat Completions API.
type OpenAI struct {
	httpClient *http.Client
	name       string
	baseURL    string
	apiKey     string
	headers    map[string]string
}

func NewOpenAI(httpClient *http.Client, cfg OpenAIConfig) *OpenAI {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	return &OpenAI{
		httpClient: httpClient,
		name:       name,
		baseURL:    trimBaseURL(cfg.BaseURL, DefaultOpenAIBaseURL),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		headers:    cfg.Headers,
	}
}

// NewOpenRouter returns an OpenAI-compatible client aimed at OpenRouter.
// referer and title become the HTTP-Referer and X-Title headers when set.
func NewOpenRouter(httpClient *http.Client, baseURL, apiKey, referer, title string) *OpenAI {
	return NewOpenAI(httpClient, OpenAIConfig{
		Name:    "openrouter",
		BaseURL: trimBaseURL(baseURL, DefaultOpenRouterBaseURL),
		APIKey:  apiKey,
		Headers: map[string]string{
			"HTTP-Referer": referer,
			"X-Title":      title,
		},
	})
}

func (provider *OpenAI) Name() string { return provider.name }

func (provider *OpenAI) Complete(ctx context.Context, request Request) (*Response, error) {
	prefix := "llm/" + provider.name
	if provider.apiKey == "" {
		return nil, fmt.Errorf("%s: missing API key", prefix)
	}

	headers := map[string]string{"Authorization": "Bearer " + provider.apiKey}
	for k, v := range provider.headers {
		headers[k] = v
	}

	httpResponse, err := doProviderRequest(ctx, provider.httpClient,
		provider.baseURL+"/chat/completions", headers, provider.buildRequest(request), prefix)
	if err != nil {
		return nil, err
	}
	return decodeResponse[openaiResponse](httpResponse, prefix)
}

func (provider *OpenAI) buildRequest(request Request) openaiRequest {
	temperature := request.Temperature
	wire := openaiRequest{
		Model:       request.Model,
		Temperature: &temperature,
	}
	if request.MaxTokens > 0 {
		wire.MaxTokens = request.MaxTokens
	}
	if request.System != "" {
		wire.Messages = append(wire.Messages, openaiMessage{Role: "system", Content: request.System})
	}
	wire.Messages = append(wire.Messages, openaiMessage{Role: "user", Content: request.Prompt})
	return wire
}

type openaiRequest struct {
	Model       string          `json:"model"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Messages    []openaiMessage `json:"messages"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (wire *openaiResponse) toResponse() *Response {
	resp := &Response{Model: wire.Model}
	if len(wire.Choices) > 0 {
		resp.Text = openaiContentText(wire.Choices[0].Message.Content)
	}
	return resp
}

// openaiContentText accepts both a plain string and an array of content
// parts, joining the text parts with newlines.
func openaiContentText(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var parts []struct {
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &parts) != nil {
		return ""
	}
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

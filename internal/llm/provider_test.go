package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestOpenAIComplete(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(writer http.ResponseWriter, request *http.Request) {
		if got := request.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q, want Bearer sk-test", got)
		}
		var wireRequest struct {
			Model       string   `json:"model"`
			Temperature *float64 `json:"temperature"`
			Messages    []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(request.Body).Decode(&wireRequest); err != nil {
			writer.WriteHeader(http.StatusBadRequest)
			return
		}
		if wireRequest.Model != "gpt-4.1-mini" {
			t.Errorf("model = %q, want gpt-4.1-mini", wireRequest.Model)
		}
		if wireRequest.Temperature == nil || *wireRequest.Temperature != 0.15 {
			t.Errorf("temperature = %v, want 0.15", wireRequest.Temperature)
		}
		if len(wireRequest.Messages) != 2 || wireRequest.Messages[0].Role != "system" || wireRequest.Messages[1].Role != "user" {
			t.Errorf("unexpected messages: %+v", wireRequest.Messages)
		}
		writer.Header().Set("Content-Type", "application/json")
		writer.Write([]byte(`{"model":"gpt-4.1-mini","choices":[{"message":{"content":"{\"title\":\"x\"}"}}]}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	provider := NewOpenAI(server.Client(), OpenAIConfig{BaseURL: server.URL + "/v1/", APIKey: "sk-test"})
	response, err := provider.Complete(context.Background(), Request{
		Model:       DefaultOpenAIModel,
		System:      "Return JSON only.",
		Prompt:      "prompt=build an obby",
		Temperature: 0.15,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if response.Text != `{"title":"x"}` {
		t.Errorf("Text = %q", response.Text)
	}
	if provider.Name() != "openai" {
		t.Errorf("Name = %q, want openai", provider.Name())
	}
}

func TestOpenAIContentParts(t *testing.T) {
	t.Parallel()

	got := openaiContentText(json.RawMessage(`[{"type":"text","text":"a"},{"type":"image"},{"type":"text","text":"b"}]`))
	if got != "a\nb" {
		t.Errorf("openaiContentText = %q, want a\\nb", got)
	}
	if got := openaiContentText(json.RawMessage(`42`)); got != "" {
		t.Errorf("openaiContentText(42) = %q, want empty", got)
	}
}

func TestOpenRouterHeaders(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/api/v1/chat/completions" {
			t.Errorf("path = %q", request.URL.Path)
		}
		if got := request.Header.Get("HTTP-Referer"); got != "https://studio.example" {
			t.Errorf("HTTP-Referer = %q", got)
		}
		if got := request.Header.Get("X-Title"); got != "studiobridge" {
			t.Errorf("X-Title = %q", got)
		}
		writer.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	t.Cleanup(server.Close)

	provider := NewOpenRouter(server.Client(), server.URL+"/api/v1", "or-key", "https://studio.example", "studiobridge")
	if provider.Name() != "openrouter" {
		t.Errorf("Name = %q, want openrouter", provider.Name())
	}
	if _, err := provider.Complete(context.Background(), Request{Prompt: "hi"}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
}

func TestAnthropicComplete(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", func(writer http.ResponseWriter, request *http.Request) {
		if got := request.Header.Get("x-api-key"); got != "ak-test" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := request.Header.Get("anthropic-version"); got != "2023-06-01" {
			t.Errorf("anthropic-version = %q", got)
		}
		var wireRequest struct {
			System    string `json:"system"`
			MaxTokens int    `json:"max_tokens"`
			Messages  []struct {
				Role string `json:"role"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(request.Body).Decode(&wireRequest); err != nil {
			writer.WriteHeader(http.StatusBadRequest)
			return
		}
		if wireRequest.MaxTokens != 1400 {
			t.Errorf("max_tokens = %d, want 1400", wireRequest.MaxTokens)
		}
		if wireRequest.System != "sys" {
			t.Errorf("system = %q, want sys", wireRequest.System)
		}
		if len(wireRequest.Messages) != 1 || wireRequest.Messages[0].Role != "user" {
			t.Errorf("unexpected messages: %+v", wireRequest.Messages)
		}
		writer.Write([]byte(`{"model":"claude","content":[{"type":"text","text":"part one"},{"type":"tool_use"},{"type":"text","text":"part two"}]}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	provider := NewAnthropic(server.Client(), server.URL, "ak-test")
	response, err := provider.Complete(context.Background(), Request{Model: DefaultAnthropicModel, System: "sys", Prompt: "hi"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if response.Text != "part one\npart two" {
		t.Errorf("Text = %q", response.Text)
	}
}

func TestProviderErrorParsing(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		status      int
		body        string
		wantType    string
		wantMessage string
	}{
		{
			name:        "structured",
			status:      http.StatusTooManyRequests,
			body:        `{"error":{"type":"rate_limit_error","message":"slow down"}}`,
			wantType:    "rate_limit_error",
			wantMessage: "slow down",
		},
		{
			name:        "plain text",
			status:      http.StatusBadGateway,
			body:        "upstream exploded",
			wantMessage: "upstream exploded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
				writer.WriteHeader(tt.status)
				writer.Write([]byte(tt.body))
			}))
			t.Cleanup(server.Close)

			provider := NewAnthropic(server.Client(), server.URL, "k")
			_, err := provider.Complete(context.Background(), Request{Prompt: "hi"})

			var providerErr *ProviderError
			if !errors.As(err, &providerErr) {
				t.Fatalf("expected ProviderError, got %v", err)
			}
			if providerErr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", providerErr.StatusCode, tt.status)
			}
			if providerErr.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", providerErr.Type, tt.wantType)
			}
			if providerErr.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", providerErr.Message, tt.wantMessage)
			}
		})
	}
}

func TestMissingAPIKey(t *testing.T) {
	t.Parallel()

	_, err := NewOpenAI(nil, OpenAIConfig{}).Complete(context.Background(), Request{})
	if err == nil || !strings.Contains(err.Error(), "missing API key") {
		t.Fatalf("expected missing API key error, got %v", err)
	}
	_, err = NewAnthropic(nil, "", " ").Complete(context.Background(), Request{})
	if err == nil || !strings.Contains(err.Error(), "missing API key") {
		t.Fatalf("expected missing API key error, got %v", err)
	}
}

func TestCompleteHonoursContextDeadline(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		select {
		case <-release:
		case <-request.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	provider := NewOpenAI(server.Client(), OpenAIConfig{BaseURL: server.URL, APIKey: "k"})
	_, err := provider.Complete(ctx, Request{Prompt: "hi"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

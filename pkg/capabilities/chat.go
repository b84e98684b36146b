package capabilities

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Mindburn-Labs/gatekeeper/pkg/contracts"
)

const chatSystemPrompt = `You are a code-generation backend. Reply with exactly one JSON document of the form
{"commit_message": string, "files": [{"path": string, "content": string, "delete": bool}]}.
Paths are relative to the repository root. Do not include any other text.`

// Message is one chat-completions message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// ChatProvider calls an OpenAI-compatible chat-completions endpoint.
type ChatProvider struct {
	descriptor
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewChatProvider creates a chat backend. baseURL defaults to the OpenAI API.
func NewChatProvider(info Info, baseURL, apiKey, model string) *ChatProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &ChatProvider{
		descriptor: descriptor{info: info},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		client:     &http.Client{Timeout: 5 * time.Minute},
	}
}

// IsAvailable reports whether an API key is configured.
func (p *ChatProvider) IsAvailable() bool {
	return p.apiKey != "" && p.model != ""
}

// Invoke implements Provider.
func (p *ChatProvider) Invoke(ctx context.Context, req Request) (*contracts.GeneratedChange, error) {
	body := chatRequest{
		Model: p.model,
		Messages: []Message{
			{Role: "system", Content: chatSystemPrompt},
			{Role: "user", Content: userContent(req)},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
	}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, p.providerError(false, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, p.providerError(false, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, p.providerError(true, fmt.Errorf("chat request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return nil, p.providerError(transient, fmt.Errorf("chat endpoint returned %d", resp.StatusCode))
	}

	var out chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&out); err != nil {
		return nil, p.providerError(true, fmt.Errorf("decode response: %w", err))
	}
	if len(out.Choices) == 0 {
		return nil, p.providerError(false, fmt.Errorf("empty choices in response"))
	}

	change, err := ParseChange(extractDocument(out.Choices[0].Message.Content))
	if err != nil {
		return nil, p.providerError(false, err)
	}
	return change, nil
}

// userContent is the prompt followed by any prior review feedback.
func userContent(req Request) string {
	if len(req.Feedback) == 0 {
		return req.Prompt
	}
	var b strings.Builder
	b.WriteString(req.Prompt)
	b.WriteString("\n\nPrior review feedback:\n")
	for _, f := range req.Feedback {
		b.WriteString("- ")
		b.WriteString(f)
		b.WriteString("\n")
	}
	return b.String()
}

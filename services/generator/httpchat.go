package generator

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

type HTTPChatConfig struct {
	URL     string
	APIKey  string
	Model   string
	Timeout time.Duration
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// HTTPChat talks to any OpenAI-compatible chat completions endpoint
// (Groq, OpenRouter, a local llama server).
type HTTPChat struct {
	client *resty.Client
	model  string
}

func NewHTTPChat(cfg HTTPChatConfig) *HTTPChat {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.URL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}

	return &HTTPChat{client: client, model: cfg.Model}
}

func (g *HTTPChat) Name() string { return "http-chat" }

func (g *HTTPChat) Generate(ctx context.Context, prompt string) (string, error) {
	var out chatResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model:    g.model,
			Messages: []chatMessage{{Role: "user", Content: prompt}},
		}).
		SetResult(&out).
		Post("/chat/completions")
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", fmt.Errorf("chat endpoint returned %d: %s", resp.StatusCode(), truncate(resp.String(), 256))
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	return out.Choices[0].Message.Content, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

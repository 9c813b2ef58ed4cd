// Package llm backs the classifier's completion port with an
// OpenAI-compatible chat completions endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/blopit/SwarmDirector-sub000/core"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 30 * time.Second
)

// OpenAIClient implements core.Classifier against the chat completions API.
// Any endpoint speaking the OpenAI wire format works via WithBaseURL.
type OpenAIClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
	logger  core.Logger
}

// Option customizes the client.
type Option func(*OpenAIClient)

func WithBaseURL(url string) Option {
	return func(c *OpenAIClient) {
		if url != "" {
			c.baseURL = url
		}
	}
}

func WithModel(model string) Option {
	return func(c *OpenAIClient) {
		if model != "" {
			c.model = model
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *OpenAIClient) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(c *OpenAIClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewOpenAIClient creates a client. The API key may be empty; requests then
// fail with core.ErrClassifierUnavailable and the classifier falls back to
// keyword matching.
func NewOpenAIClient(apiKey string, opts ...Option) *OpenAIClient {
	c := &OpenAIClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		model:   defaultModel,
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends the prompt and returns the first choice's content.
// Classification prompts expect a single short line back, so the token
// budget is kept small.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("%w: no API key configured", core.ErrClassifierUnavailable)
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
		Temperature: 0,
		MaxTokens:   32,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrClassifierUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", core.ErrClassifierUnavailable, err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("%w: decoding response: %v", core.ErrClassifierUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		detail := resp.Status
		if parsed.Error != nil {
			detail = parsed.Error.Message
		}
		return "", fmt.Errorf("%w: %s", core.ErrClassifierUnavailable, detail)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: empty completion", core.ErrClassifierUnavailable)
	}

	c.logger.Debug("LLM completion finished", map[string]interface{}{
		"model":       c.model,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return parsed.Choices[0].Message.Content, nil
}

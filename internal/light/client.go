// Package light talks to the light backend: a local HTTP model server used
// for conversational turns and as the engine behind the tool loop.
package light

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

	openai "github.com/sashabaranov/go-openai"

	"github.com/hearthd/hearth/internal/config"
	"github.com/hearthd/hearth/internal/observability"
)

// ErrUnavailable means the light backend could not be reached.
var ErrUnavailable = errors.New("light backend unavailable")

// Message is one chat message sent to or received from the backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Completer produces one assistant completion for a conversation.
// Implementations must be safe for concurrent use.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
	Probe(ctx context.Context) error
}

// NewClient builds a Completer for the configured API dialect.
func NewClient(cfg config.LightConfig, logger *observability.Logger) (Completer, error) {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	switch cfg.Mode {
	case "native":
		return newNativeClient(cfg, logger), nil
	case "openai":
		return newOpenAIClient(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown light backend mode %q", cfg.Mode)
	}
}

// nativeClient speaks the local model server's own chat API
// (POST /api/chat, non-streaming).
type nativeClient struct {
	baseURL string
	model   string
	http    *http.Client
	logger  *observability.Logger
}

func newNativeClient(cfg config.LightConfig, logger *observability.Logger) *nativeClient {
	return &nativeClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
}

type nativeChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type nativeChatResponse struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error"`
}

func (c *nativeClient) Complete(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(nativeChatRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("light backend returned %d: %s", resp.StatusCode, firstLine(data))
	}

	var out nativeChatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("light backend sent malformed response: %v", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("light backend error: %s", out.Error)
	}
	return out.Message.Content, nil
}

// Probe checks the server's root endpoint, which the native server answers
// with a cheap liveness response.
func (c *nativeClient) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// openaiClient speaks the OpenAI-compatible chat completions API.
type openaiClient struct {
	client *openai.Client
	model  string
	logger *observability.Logger
}

func newOpenAIClient(cfg config.LightConfig, logger *observability.Logger) *openaiClient {
	apiKey := cfg.APIKey
	if apiKey == "" {
		// Local OpenAI-compatible servers accept any key; the SDK requires one.
		apiKey = "local"
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/") + "/v1"
	}
	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &openaiClient{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: logger,
	}
}

func (c *openaiClient) Complete(ctx context.Context, messages []Message) (string, error) {
	req := openai.ChatCompletionRequest{Model: c.model}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if !errors.As(err, &apiErr) {
			return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return "", fmt.Errorf("light backend error: %v", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("light backend returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *openaiClient) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := c.client.ListModels(ctx); err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			// The server answered; an API error still means it is up.
			return nil
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

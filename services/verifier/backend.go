package verifier

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

// Backend is the generative reasoning service that judges proofs. It returns
// the raw text of its answer.
type Backend interface {
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

const (
	DefaultAnthropicURL     = "https://api.anthropic.com"
	DefaultAnthropicModel   = "claude-sonnet-4-20250514"
	DefaultAnthropicVersion = "2023-06-01"
	DefaultMaxTokens        = 1024
)

// AnthropicConfig configures the messages API client.
type AnthropicConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	Version   string
	MaxTokens int
	Timeout   time.Duration
}

// AnthropicBackend calls the Anthropic messages API.
type AnthropicBackend struct {
	cfg  AnthropicConfig
	http *http.Client
}

type messagesRequest struct {
	Model     string           `json:"model"`
	MaxTokens int              `json:"max_tokens"`
	System    string           `json:"system,omitempty"`
	Messages  []messageContent `json:"messages"`
}

type messageContent struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewAnthropicBackend constructs a client. A nil http client gets the
// configured timeout.
func NewAnthropicBackend(cfg AnthropicConfig, client *http.Client) (*AnthropicBackend, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("verifier: backend api key required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultAnthropicURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultAnthropicModel
	}
	if cfg.Version == "" {
		cfg.Version = DefaultAnthropicVersion
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &AnthropicBackend{cfg: cfg, http: client}, nil
}

func (b *AnthropicBackend) Complete(ctx context.Context, prompt Prompt) (string, error) {
	buf, err := json.Marshal(messagesRequest{
		Model:     b.cfg.Model,
		MaxTokens: b.cfg.MaxTokens,
		System:    prompt.System,
		Messages:  []messageContent{{Role: "user", Content: prompt.User}},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/v1/messages", bytes.NewReader(buf))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", b.cfg.APIKey)
	req.Header.Set("anthropic-version", b.cfg.Version)
	resp, err := b.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read backend response: %w", err)
	}
	var out messagesResponse
	decodeErr := json.Unmarshal(body, &out)
	if resp.StatusCode >= 300 {
		if decodeErr == nil && out.Error != nil {
			return "", fmt.Errorf("backend %s: %s", out.Error.Type, out.Error.Message)
		}
		return "", fmt.Errorf("backend request failed: status=%d", resp.StatusCode)
	}
	if decodeErr != nil {
		return "", fmt.Errorf("decode backend response: %w", decodeErr)
	}
	// Only the first block is the verdict; other block types yield "" and
	// degrade to an unparsed result.
	if len(out.Content) == 0 || out.Content[0].Type != "text" {
		return "", nil
	}
	return out.Content[0].Text, nil
}

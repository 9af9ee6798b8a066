package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var ErrEmptyCompletion = errors.New("empty completion")

// Message is one entry of a chat-style prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request carries both prompt renderings; a backend uses whichever it supports.
type Request struct {
	Prompt    string
	Messages  []Message
	MaxTokens int
	Stop      []string
}

// Backend completes a prompt. Implementations must honor ctx cancellation.
type Backend interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// Config controls backend construction.
type Config struct {
	Mode       string
	Model      string
	APIKey     string
	BaseURL    string
	HTTPURL    string
	OllamaURL  string
	Timeout    time.Duration
	Retries    int
	SocksProxy string
}

// NewBackend resolves the configured mode into a backend and a short
// description of what was chosen.
func NewBackend(cfg Config) (Backend, string, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	client := func() (*http.Client, error) {
		return NewHTTPClient(cfg.Timeout, cfg.SocksProxy)
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.APIKey) != "" || strings.TrimSpace(cfg.BaseURL) != "" {
			c, err := client()
			if err != nil {
				return nil, "", err
			}
			return NewOpenAIBackend(cfg.APIKey, cfg.BaseURL, cfg.Model, c), "openai (" + cfg.Model + ")", nil
		}
		if strings.TrimSpace(cfg.HTTPURL) != "" {
			c, err := client()
			if err != nil {
				return nil, "", err
			}
			return NewRemoteBackend(cfg.HTTPURL, c, cfg.Retries), "remote " + cfg.HTTPURL, nil
		}
		return NewMockBackend(), "mock (no api key or remote url configured)", nil
	case "openai":
		if strings.TrimSpace(cfg.APIKey) == "" && strings.TrimSpace(cfg.BaseURL) == "" {
			return nil, "", errors.New("LLM_MODE=openai requires LLM_API_KEY or LLM_BASE_URL")
		}
		c, err := client()
		if err != nil {
			return nil, "", err
		}
		return NewOpenAIBackend(cfg.APIKey, cfg.BaseURL, cfg.Model, c), "openai (" + cfg.Model + ")", nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, "", errors.New("LLM_MODE=http requires LLM_HTTP_URL")
		}
		c, err := client()
		if err != nil {
			return nil, "", err
		}
		return NewRemoteBackend(cfg.HTTPURL, c, cfg.Retries), "remote " + cfg.HTTPURL, nil
	case "ollama":
		c, err := client()
		if err != nil {
			return nil, "", err
		}
		return NewOllamaBackend(cfg.OllamaURL, cfg.Model, c), "ollama (" + cfg.Model + ")", nil
	case "mock":
		return NewMockBackend(), "mock", nil
	default:
		return nil, "", fmt.Errorf("invalid LLM_MODE %q (expected auto|openai|http|ollama|mock)", cfg.Mode)
	}
}

package llm

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

// GenerateRequest is the body of POST /generate on a PAI server.
type GenerateRequest struct {
	Input   string      `json:"input"`
	History [][2]string `json:"history"`
}

// GenerateResponse is the reply of POST /generate; exactly one field is set.
type GenerateResponse struct {
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RemoteBackend forwards completions to another PAI instance running `pai serve`.
type RemoteBackend struct {
	url     string
	client  *http.Client
	retries int
	wait    func(ctx context.Context, d time.Duration) error
}

func NewRemoteBackend(url string, client *http.Client, retries int) *RemoteBackend {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if retries < 0 {
		retries = 0
	}
	return &RemoteBackend{
		url:     strings.TrimSpace(url),
		client:  client,
		retries: retries,
		wait:    sleepCtx,
	}
}

func (b *RemoteBackend) Complete(ctx context.Context, req Request) (string, error) {
	payload, err := json.Marshal(toGenerateRequest(req))
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= b.retries; attempt++ {
		if attempt > 0 {
			if err := b.wait(ctx, backoff(attempt-1, 250*time.Millisecond, 4*time.Second)); err != nil {
				return "", err
			}
		}
		text, err := b.do(ctx, payload)
		if err == nil {
			return text, nil
		}
		lastErr = err
		var se *statusError
		if !errors.As(err, &se) || !isRetryableStatus(se.Code) {
			return "", err
		}
	}
	return "", lastErr
}

func (b *RemoteBackend) do(ctx context.Context, payload []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := b.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	var out GenerateResponse
	decodeErr := json.Unmarshal(body, &out)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail := strings.TrimSpace(string(body))
		if decodeErr == nil && out.Error != "" {
			detail = out.Error
		}
		return "", &statusError{Code: res.StatusCode, Body: truncate(detail, 512)}
	}
	if decodeErr != nil {
		return "", fmt.Errorf("decode response: %w", decodeErr)
	}
	if out.Error != "" {
		return "", fmt.Errorf("remote error: %s", out.Error)
	}
	text := strings.TrimSpace(out.Response)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

// toGenerateRequest sends the last user message as input and everything
// before it, minus the system prompt, as history.
func toGenerateRequest(req Request) GenerateRequest {
	msgs := req.Messages
	if len(msgs) == 0 {
		return GenerateRequest{Input: req.Prompt, History: [][2]string{}}
	}
	out := GenerateRequest{History: [][2]string{}}
	last := len(msgs) - 1
	out.Input = msgs[last].Content
	for _, m := range msgs[:last] {
		if m.Role == RoleSystem {
			continue
		}
		out.History = append(out.History, [2]string{m.Role, m.Content})
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

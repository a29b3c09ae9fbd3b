// Package beats asks an OpenAI-compatible chat completions endpoint for
// candidate story beats.
package beats

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

	"storymap/api/internal/logger"
)

// Beat is one candidate as returned by the model, before normalization.
type Beat struct {
	Label   string `json:"label"`
	Content string `json:"content"`
	Type    string `json:"type"`
}

var (
	ErrNotArray      = errors.New("beats: response is not a JSON array")
	ErrEmptyResponse = errors.New("beats: empty response")
)

const systemPrompt = `You are a story structure assistant. Break the user's outline into
sequential story beats. Reply with a JSON array only, no prose. Each element is an
object with "label" (at most 60 characters), "content" (at most 500 characters) and
"type" (one of beat, scene, character, location, note).`

type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

type Client struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	maxRetries int
}

func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("beats: base url is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		log:        log.With("service", "BeatsClient"),
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: cfg.MaxRetries,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type httpError struct {
	StatusCode int
	Body       string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("beats http %d: %s", e.StatusCode, e.Body)
}

func (e *httpError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// GenerateBeats returns the model's candidate beats for outline. The
// project id is forwarded as the request user for provider-side auditing.
func (c *Client) GenerateBeats(ctx context.Context, projectID, outline string) ([]Beat, error) {
	outline = strings.TrimSpace(outline)
	if outline == "" {
		return nil, fmt.Errorf("beats: outline is required")
	}
	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: outline},
		},
		Temperature: 0.7,
	}

	var resp chatResponse
	if err := c.do(ctx, "/v1/chat/completions", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}
	beats, err := ParseBeats(resp.Choices[0].Message.Content)
	if err != nil {
		c.log.Warn("unusable beats response", "project_id", projectID, "error", err)
		return nil, err
	}
	return beats, nil
}

// ParseBeats decodes model output that must be a JSON array of beats,
// optionally wrapped in a markdown code fence.
func ParseBeats(text string) ([]Beat, error) {
	text = stripFence(strings.TrimSpace(text))
	if text == "" {
		return nil, ErrEmptyResponse
	}
	if !strings.HasPrefix(text, "[") {
		return nil, ErrNotArray
	}
	var beats []Beat
	if err := json.Unmarshal([]byte(text), &beats); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotArray, err)
	}
	return beats, nil
}

func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

func (c *Client) do(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	backoff := 500 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := c.doOnce(ctx, path, payload, out)
		if err == nil {
			return nil
		}
		var httpErr *httpError
		if !errors.As(err, &httpErr) || !httpErr.retryable() || attempt >= c.maxRetries {
			return err
		}
		c.log.Warn("beats request retrying", "path", path, "attempt", attempt+1, "sleep", backoff.String(), "error", err.Error())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (c *Client) doOnce(ctx context.Context, path string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &httpError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("beats decode error: %w", err)
	}
	return nil
}

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mailpilot/internal/config"
	"mailpilot/internal/domain"
)

// Client talks to an OpenAI-compatible chat completions API.
type Client struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

func NewClient(cfg *config.Config, apiKey string) *Client {
	timeout := cfg.Backend.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	baseURL := cfg.Backend.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		APIKey:     apiKey,
		Model:      cfg.Backend.Model,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type chatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message      message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
}

func (c *Client) Classify(ctx context.Context, content string, keywords, categories []string) (domain.Classification, string, error) {
	prompt := fmt.Sprintf(`Classify this email into exactly one of these categories: %s

Email content (PII removed): %s
Extracted keywords: %s

Respond with JSON only, in this exact format:
{"label": "category_name", "confidence": 0.0, "reasoning": "brief explanation"}`,
		strings.Join(categories, ", "), clip(content, 1000), strings.Join(clipList(keywords, 10), ", "))

	raw, err := c.complete(ctx, prompt, 200)
	if err != nil {
		return domain.Classification{}, "", err
	}
	var out struct {
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), &out); err != nil {
		return domain.Classification{}, "", fmt.Errorf("decode classification: %w", err)
	}
	label := bestCategoryMatch(out.Label, categories)
	return domain.Classification{
		Label:      label,
		Confidence: out.Confidence,
		Method:     "backend",
	}, out.Reasoning, nil
}

func (c *Client) Summarize(ctx context.Context, content string) (domain.Summary, error) {
	prompt := fmt.Sprintf(`Summarize this email. Respond with JSON only, in this exact format:
{"bullets": ["point one", "point two"], "tldr": "one sentence"}

Use at most 3 bullets.

Email content (PII removed): %s`, clip(content, 2000))

	raw, err := c.complete(ctx, prompt, 300)
	if err != nil {
		return domain.Summary{}, err
	}
	var out domain.Summary
	if err := json.Unmarshal([]byte(stripFences(raw)), &out); err != nil {
		return domain.Summary{}, fmt.Errorf("decode summary: %w", err)
	}
	return out, nil
}

func (c *Client) DraftReply(ctx context.Context, subject, summary string) (string, error) {
	prompt := fmt.Sprintf(`Write a short, polite reply to an email with subject %q.
What the email says: %s

Respond with the reply body only, no subject line, no signature placeholders.`,
		subject, clip(summary, 1000))
	return c.complete(ctx, prompt, 300)
}

func (c *Client) complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	reqBody := chatCompletionRequest{
		Model: c.Model,
		Messages: []message{
			{Role: "system", Content: "You are an email assistant. Always respond in the exact format requested."},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   maxTokens,
		Temperature: 0.1,
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("backend request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	var out chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

// stripFences removes markdown code fences models sometimes wrap JSON in.
func stripFences(s string) string {
	if i := strings.Index(s, "```json"); i >= 0 {
		s = s[i+len("```json"):]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	} else if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	return strings.TrimSpace(s)
}

func bestCategoryMatch(response string, categories []string) string {
	resp := strings.ToLower(strings.TrimSpace(response))
	for _, c := range categories {
		if strings.ToLower(c) == resp {
			return c
		}
	}
	for _, c := range categories {
		lc := strings.ToLower(c)
		if strings.Contains(resp, lc) || strings.Contains(lc, resp) {
			return c
		}
	}
	return "other"
}

// clip truncates to n runes so a cut never splits a UTF-8 sequence.
func clip(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n])
	}
	return s
}

func clipList(in []string, n int) []string {
	if len(in) > n {
		return in[:n]
	}
	return in
}

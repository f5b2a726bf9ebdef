package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatServer(t *testing.T, handler func(w http.ResponseWriter, req chatCompletionRequest)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		var req chatCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		handler(w, req)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func chatReply(w http.ResponseWriter, content string) {
	resp := chatCompletionResponse{}
	resp.Choices = append(resp.Choices, struct {
		Message      message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	}{Message: message{Role: "assistant", Content: content}})
	json.NewEncoder(w).Encode(resp)
}

func testClient(url string) *Client {
	return &Client{
		BaseURL:    url,
		APIKey:     "test-key",
		Model:      "gpt-4o-mini",
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func TestClassifyParsesFencedJSON(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, req chatCompletionRequest) {
		chatReply(w, "```json\n{\"label\": \"financial\", \"confidence\": 0.92, \"reasoning\": \"invoice mentioned\"}\n```")
	})
	c := testClient(srv.URL)

	cls, rationale, err := c.Classify(context.Background(), "invoice attached", []string{"financial:invoice"}, []string{"financial", "other"})
	require.NoError(t, err)
	assert.Equal(t, "financial", cls.Label)
	assert.Equal(t, 0.92, cls.Confidence)
	assert.Equal(t, "backend", cls.Method)
	assert.Equal(t, "invoice mentioned", rationale)
}

func TestClassifyFallsBackToOtherOnUnknownLabel(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, req chatCompletionRequest) {
		chatReply(w, `{"label": "gibberish", "confidence": 0.4, "reasoning": "unsure"}`)
	})
	c := testClient(srv.URL)

	cls, _, err := c.Classify(context.Background(), "hello", nil, []string{"financial", "other"})
	require.NoError(t, err)
	assert.Equal(t, "other", cls.Label)
}

func TestSummarizeDecodesBullets(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, req chatCompletionRequest) {
		chatReply(w, `{"bullets": ["meeting moved", "new time Friday"], "tldr": "Meeting moved to Friday."}`)
	})
	c := testClient(srv.URL)

	s, err := c.Summarize(context.Background(), "the meeting moved")
	require.NoError(t, err)
	assert.Len(t, s.Bullets, 2)
	assert.Equal(t, "Meeting moved to Friday.", s.TLDR)
}

func TestAPIErrorCarriesRetryability(t *testing.T) {
	for _, tt := range []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	} {
		srv := chatServer(t, func(w http.ResponseWriter, req chatCompletionRequest) {
			w.WriteHeader(tt.status)
		})
		c := testClient(srv.URL)

		_, err := c.DraftReply(context.Background(), "hello", "a summary")
		require.Error(t, err, tt.status)
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr), tt.status)
		assert.Equal(t, tt.retryable, apiErr.Retryable(), tt.status)
	}
}

func TestBestCategoryMatch(t *testing.T) {
	cats := []string{"financial", "action_required", "other"}
	assert.Equal(t, "financial", bestCategoryMatch("Financial", cats))
	assert.Equal(t, "action_required", bestCategoryMatch("this is action_required for sure", cats))
	assert.Equal(t, "other", bestCategoryMatch("nonsense", cats))
}

func TestStripFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, stripFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, stripFences(`{"a":1}`))
}

func TestClipKeepsRuneBoundaries(t *testing.T) {
	s := "héllo wörld"
	got := clip(s, 8)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "héllo wö", got)
	assert.Equal(t, s, clip(s, 100))
}

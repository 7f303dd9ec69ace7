package perplexity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/equipment-resolver/internal/resilience"
)

func TestChatCompletion(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantErr       string
		wantTransient bool
		wantContent   string
	}{
		{
			name:   "success",
			status: http.StatusOK,
			body: `{
				"id": "cmpl-123",
				"model": "sonar",
				"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"url\":\"https://x/a.pdf\"}"}}],
				"usage": {"prompt_tokens": 10, "completion_tokens": 5},
				"citations": ["https://x/a.pdf"],
				"search_results": [{"title": "A manual", "url": "https://x/a.pdf"}]
			}`,
			wantContent: `{"url":"https://x/a.pdf"}`,
		},
		{
			name:          "rate_limit",
			status:        http.StatusTooManyRequests,
			body:          `{"error": "rate limit exceeded"}`,
			wantErr:       "unexpected status 429",
			wantTransient: true,
		},
		{
			name:          "server_error",
			status:        http.StatusInternalServerError,
			body:          `{"error": "internal server error"}`,
			wantErr:       "unexpected status 500",
			wantTransient: true,
		},
		{
			name:    "bad_request",
			status:  http.StatusBadRequest,
			body:    `{"error": "bad model"}`,
			wantErr: "bad model",
		},
		{
			name:    "malformed_response",
			status:  http.StatusOK,
			body:    `{invalid json`,
			wantErr: "unmarshal response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/chat/completions", r.URL.Path)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			resp, err := NewClient("test-key", WithBaseURL(srv.URL)).ChatCompletion(context.Background(), ChatCompletionRequest{
				Messages: []Message{{Role: "user", Content: "Hi"}},
			})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Equal(t, tt.wantTransient, resilience.IsTransient(err))
				assert.Nil(t, resp)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantContent, resp.Content())
			assert.Equal(t, []string{"https://x/a.pdf"}, resp.Citations)
			require.Len(t, resp.SearchResults, 1)
			assert.Equal(t, "A manual", resp.SearchResults[0].Title)
			assert.Equal(t, 5, resp.Usage.CompletionTokens)
		})
	}
}

func TestModelSelection(t *testing.T) {
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatCompletionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		got = append(got, req.Model)
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	ctx := context.Background()
	msgs := []Message{{Role: "user", Content: "Hi"}}

	_, err := NewClient("k", WithBaseURL(srv.URL)).ChatCompletion(ctx, ChatCompletionRequest{Messages: msgs})
	require.NoError(t, err)
	_, err = NewClient("k", WithBaseURL(srv.URL), WithModel("sonar-pro")).ChatCompletion(ctx, ChatCompletionRequest{Messages: msgs})
	require.NoError(t, err)
	_, err = NewClient("k", WithBaseURL(srv.URL), WithModel("sonar-pro")).ChatCompletion(ctx, ChatCompletionRequest{Model: "sonar-reasoning", Messages: msgs})
	require.NoError(t, err)

	assert.Equal(t, []string{"sonar", "sonar-pro", "sonar-reasoning"}, got)
}

func TestChatCompletion_OptionalFields(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	resp, err := NewClient("k", WithBaseURL(srv.URL)).ChatCompletion(context.Background(), ChatCompletionRequest{
		Messages: []Message{{Role: "user", Content: "Hi"}},
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Content())
	assert.NotContains(t, raw, "temperature")
	assert.NotContains(t, raw, "max_tokens")

	temp, maxTok := 0.0, 256
	_, err = NewClient("k", WithBaseURL(srv.URL)).ChatCompletion(context.Background(), ChatCompletionRequest{
		Messages:    []Message{{Role: "user", Content: "Hi"}},
		Temperature: &temp,
		MaxTokens:   &maxTok,
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, raw["temperature"])
	assert.Equal(t, 256.0, raw["max_tokens"])
}

func TestContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewClient("k", WithBaseURL(srv.URL)).ChatCompletion(ctx, ChatCompletionRequest{})
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

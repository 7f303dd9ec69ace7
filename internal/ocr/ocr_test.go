package ocr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/equipment-resolver/internal/model"
	"github.com/sells-group/equipment-resolver/internal/resilience"
)

// pngHeader is enough for http.DetectContentType to report image/png.
var pngHeader = []byte("\x89PNG\r\n\x1a\n0000")

func TestMistralOCR_DefaultModel(t *testing.T) {
	m := NewMistralOCR("key", "")
	assert.Equal(t, defaultMistralModel, m.model)
	assert.Equal(t, mistralOCREndpoint, m.endpoint)
	assert.Equal(t, "mistral_ocr", m.Name())
}

func TestMistralOCR_CustomModel(t *testing.T) {
	m := NewMistralOCR("key", "custom-model")
	assert.Equal(t, "custom-model", m.model)
}

func TestMistralOCR_ExtractInlineImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req mistralOCRRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, "image_url", req.Document.Type)
		assert.True(t, strings.HasPrefix(req.Document.ImageURL, "data:image/png;base64,"), req.Document.ImageURL)

		_, _ = w.Write([]byte(`{"pages":[{"index":0,"markdown":"SIEMENS"},{"index":1,"markdown":"G120C"}],"usage_info":{"pages_processed":1}}`))
	}))
	defer srv.Close()

	m := NewMistralOCR("test-key", "test-model", WithEndpoint(srv.URL))
	text, err := m.Extract(context.Background(), model.Image{Data: pngHeader})
	require.NoError(t, err)
	assert.Equal(t, "SIEMENS\n\nG120C", text.Content)
	assert.Equal(t, -1.0, text.Confidence)
	assert.Equal(t, 1, text.Pages)
}

func TestMistralOCR_ExtractByURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req mistralOCRRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "https://example.com/plate.jpg", req.Document.ImageURL)
		_, _ = w.Write([]byte(`{"pages":[{"index":0,"markdown":"ABB ACS580"}]}`))
	}))
	defer srv.Close()

	text, err := NewMistralOCR("k", "", WithEndpoint(srv.URL)).Extract(context.Background(), model.Image{URL: "https://example.com/plate.jpg"})
	require.NoError(t, err)
	assert.Equal(t, "ABB ACS580", text.Content)
	assert.Equal(t, 1, text.Pages)
}

func TestMistralOCR_NoImage(t *testing.T) {
	_, err := NewMistralOCR("k", "").Extract(context.Background(), model.Image{})
	require.Error(t, err)
}

func TestMistralOCR_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantErr   string
		transient bool
	}{
		{"server_error", http.StatusInternalServerError, "boom", "mistral API returned 500", true},
		{"bad_request", http.StatusBadRequest, "bad image", "bad image", false},
		{"malformed", http.StatusOK, "{", "unmarshal mistral response", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewMistralOCR("k", "", WithEndpoint(srv.URL)).Extract(context.Background(), model.Image{Data: pngHeader})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, tt.transient, resilience.IsTransient(err))
		})
	}
}

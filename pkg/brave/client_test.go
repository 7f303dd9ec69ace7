package brave

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/equipment-resolver/internal/resilience"
)

func TestWebSearch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/web/search", r.URL.Path)
		assert.Equal(t, "danfoss fc302 manual", r.URL.Query().Get("q"))
		assert.Equal(t, "5", r.URL.Query().Get("count"))
		assert.Equal(t, "tok", r.Header.Get("X-Subscription-Token"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"web":{"results":[
			{"title":"VLT AutomationDrive FC 302 Operating Guide","url":"https://files.danfoss.com/fc302.pdf","description":"guide"}
		]}}`))
	}))
	defer srv.Close()

	resp, err := NewClient("tok", WithBaseURL(srv.URL)).WebSearch(context.Background(), "danfoss fc302 manual", 5)
	require.NoError(t, err)
	require.Len(t, resp.Web.Results, 1)
	assert.Equal(t, "https://files.danfoss.com/fc302.pdf", resp.Web.Results[0].URL)
}

func TestWebSearch_NoCountParam(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, r.URL.Query().Has("count"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	resp, err := NewClient("tok", WithBaseURL(srv.URL)).WebSearch(context.Background(), "q", 0)
	require.NoError(t, err)
	assert.Empty(t, resp.Web.Results)
}

func TestWebSearch_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantErr   string
		transient bool
	}{
		{"unavailable", http.StatusServiceUnavailable, "down", "unexpected status 503", true},
		{"unauthorized", http.StatusUnauthorized, "no", "unexpected status 401", false},
		{"malformed", http.StatusOK, "{", "unmarshal response", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewClient("tok", WithBaseURL(srv.URL)).WebSearch(context.Background(), "q", 3)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Equal(t, tt.transient, resilience.IsTransient(err))
		})
	}
}

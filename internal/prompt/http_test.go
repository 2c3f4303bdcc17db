package prompt

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPModerator_Moderate(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     Verdict
	}{
		{"allowed", `{"success":true}`, Verdict{Allowed: true}},
		{"rejected", `{"success":false,"reason":"violence"}`, Verdict{Allowed: false, Reason: "violence"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				var body moderateRequest
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "a cat", body.Prompt)
				_, _ = w.Write([]byte(tt.response))
			}))
			defer server.Close()

			m, err := NewHTTPModerator(server.URL, time.Second)
			require.NoError(t, err)

			got, err := m.Moderate(context.Background(), "a cat")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHTTPModerator_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	m, err := NewHTTPModerator(server.URL, time.Second)
	require.NoError(t, err)

	_, err = m.Moderate(context.Background(), "a cat")
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestHTTPModerator_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	m, err := NewHTTPModerator(server.URL, 20*time.Millisecond)
	require.NoError(t, err)

	_, err = m.Moderate(context.Background(), "a cat")
	assert.Error(t, err)
}

func TestNewHTTPModerator_RequiresURL(t *testing.T) {
	_, err := NewHTTPModerator("", time.Second)
	assert.ErrorIs(t, err, ErrURLRequired)
}

func TestHTTPOptimizer_Optimize(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     OptimizeResult
	}{
		{"rewritten", `{"success":true,"prompt":"a fluffy cat, cinematic"}`, OptimizeResult{Success: true, Prompt: "a fluffy cat, cinematic"}},
		{"failure", `{"success":false,"error":"model busy"}`, OptimizeResult{Success: false, Error: "model busy"}},
		{"empty prompt", `{"success":true}`, OptimizeResult{Success: false, Error: "empty optimized prompt"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				var body optimizeRequest
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "a cat", body.Prompt)
				assert.Equal(t, "https://cdn.example.com/cat.png", body.ImageURL)
				_, _ = w.Write([]byte(tt.response))
			}))
			defer server.Close()

			o, err := NewHTTPOptimizer(server.URL, time.Second)
			require.NoError(t, err)

			got, err := o.Optimize(context.Background(), "a cat", "https://cdn.example.com/cat.png")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefaults(t *testing.T) {
	v, err := AllowAll{}.Moderate(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, v.Allowed)

	res, err := DisabledOptimizer{}.Optimize(context.Background(), "a cat", "")
	require.NoError(t, err)
	assert.False(t, res.Success)
}

package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/videogen-api/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		PublicBaseURL:         "http://localhost:8080",
		RunPodAPIKey:          "test-key",
		RunPodBaseURL:         "http://127.0.0.1:1",
		RunPodBaseModel:       "wan-base",
		RunPodLoraModel:       "wan-lora",
		RunPodTimeout:         time.Second,
		QueueName:             "videogen-test",
		QueueMaxDeliveries:    3,
		WorkerConcurrency:     1,
		TempDir:               t.TempDir(),
		CollaboratorTimeout:   time.Second,
		MaxEdge:               1792,
		MaxSubmissionAttempts: 3,
	}
}

func TestNewDependencies_InMemory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	deps, err := NewDependencies(context.Background(), testConfig(t), logger)
	require.NoError(t, err)
	t.Cleanup(deps.Close)

	assert.True(t, deps.InProcessQueue())
	assert.NotEmpty(t, deps.FilesDir)
	assert.NotNil(t, deps.Dispatcher)

	rec := httptest.NewRecorder()
	deps.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNewDependencies_LoraCatalog(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testConfig(t)

	cfg.LoraCatalogPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := NewDependencies(context.Background(), cfg, logger)
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`loras:
  - id: anime
    trigger_words: [anime]
    high_noise_path: loras/anime_high.safetensors
    low_noise_path: loras/anime_low.safetensors
`), 0o644))
	cfg.LoraCatalogPath = path
	deps, err := NewDependencies(context.Background(), cfg, logger)
	require.NoError(t, err)
	deps.Close()
}

func TestNewDependencies_CollaboratorURLs(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := testConfig(t)
	cfg.ModerationURL = "http://127.0.0.1:1/moderate"
	cfg.OptimizerURL = "http://127.0.0.1:1/optimize"

	deps, err := NewDependencies(context.Background(), cfg, logger)
	require.NoError(t, err)
	deps.Close()
}

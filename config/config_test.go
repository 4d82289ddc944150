package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/genorch/orchestrator/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg := config.Load()
	require.Equal(t, 300*time.Second, cfg.PreparingTimeout)
	require.Equal(t, 1500*time.Second, cfg.PromptTimeout)
	require.False(t, cfg.DeferToWorker)
	require.Equal(t, "mongodb://localhost:27017/orchestrator", cfg.StoreURI)
	require.Equal(t, 300*time.Second, cfg.ApprovalTimeout)
	require.Equal(t, 600*time.Second, cfg.AuthTimeout)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PREPARING_TIMEOUT", "45s")
	t.Setenv("DEFER_TO_WORKER", "true")
	t.Setenv("STORE_URI", "mongodb://example.test/orchestrator")
	t.Setenv("PROVIDER_API_KEY", "sk-test-123")

	cfg := config.Load()
	require.Equal(t, 45*time.Second, cfg.PreparingTimeout)
	require.True(t, cfg.DeferToWorker)
	require.Equal(t, "mongodb://example.test/orchestrator", cfg.StoreURI)
	require.Equal(t, "sk-test-123", cfg.ProviderAPIKey)
}

func TestLoadIgnoresUnparsableOverrides(t *testing.T) {
	t.Setenv("PREPARING_TIMEOUT", "not-a-duration")
	t.Setenv("DEFER_TO_WORKER", "not-a-bool")

	cfg := config.Load()
	require.Equal(t, 300*time.Second, cfg.PreparingTimeout, "an unparsable duration must fall back to the default")
	require.False(t, cfg.DeferToWorker, "an unparsable bool must fall back to the default")
}

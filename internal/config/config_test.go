package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, 512, cfg.Embedding.MaxTokens)
	assert.InDelta(t, 0.1, cfg.Embedding.SafetyMargin, 1e-9)
	assert.Equal(t, 8000, cfg.Packing.TokenBudget)
	assert.Equal(t, 2, cfg.Packing.PerDocCap)
	assert.Equal(t, 30, cfg.RateLimit.PerIP)
	assert.Equal(t, 60, cfg.RateLimit.PerUser)
	assert.Equal(t, 600, cfg.RateLimit.PerTenant)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 128, cfg.VectorDB.EfBase)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "vllm")
	t.Setenv("EMBEDDING_MAX_TOKENS", "389")
	t.Setenv("RATE_LIMIT_PER_IP", "5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "vllm", cfg.LLM.Provider)
	assert.Equal(t, 389, cfg.Embedding.MaxTokens)
	assert.Equal(t, 5, cfg.RateLimit.PerIP)
}

func TestValidateRejectsBadProvider(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "mystery")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown llm provider")
}

func TestValidateRejectsBadMargin(t *testing.T) {
	t.Setenv("EMBEDDING_SAFETY_MARGIN", "1.5")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "safety margin")
}

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "gpt-4o-mini", cfg.DefaultModel)
	assert.Equal(t, 8, cfg.MaxCandidateConcurrency)
	assert.Equal(t, 4, cfg.MaxToolConcurrency)
	assert.Equal(t, 10000, cfg.LoggerHighWaterMark)
	assert.Equal(t, 4, cfg.AnalyticsWorkerPoolSize)
	assert.Equal(t, 8, cfg.SubCascadeDepthLimit)
	assert.Equal(t, 3, cfg.ProviderRetryAttempts)
}

func TestLoad_ReadsOverrides(t *testing.T) {
	t.Setenv("CASCADE_LOG_LEVEL", "debug")
	t.Setenv("CASCADE_DEFAULT_MODEL", "gpt-4.1")
	t.Setenv("CASCADE_MAX_TOOL_CONCURRENCY", "16")

	cfg := Load()
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "gpt-4.1", cfg.DefaultModel)
	assert.Equal(t, 16, cfg.MaxToolConcurrency)
}

func TestLoad_IgnoresUnparseableInt(t *testing.T) {
	t.Setenv("CASCADE_MAX_TOOL_CONCURRENCY", "not-a-number")
	cfg := Load()
	assert.Equal(t, 4, cfg.MaxToolConcurrency)
}

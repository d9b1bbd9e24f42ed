// File: internal/config/config_test.go
package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	// Verify a few key defaults to ensure the mechanism works.
	assert.Equal(t, "info", cfg.Logger().Level)
	assert.True(t, cfg.Browser().Headless)
	assert.Equal(t, 10, cfg.Pool().MaxSessions)
	assert.Equal(t, 30*time.Minute, cfg.Pool().IdleTimeout)
	assert.Equal(t, AcquireFail, cfg.Pool().AcquireMode)
	assert.Equal(t, 3, cfg.Pipeline().LoginMaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Pipeline().DependentWait)
	assert.Equal(t, `C\d{6}-\d{6}`, cfg.Portal().IDPattern)
	assert.NotEmpty(t, cfg.Portal().SubmitCandidates)
	assert.Contains(t, cfg.Portal().SubmitCandidates, "text=บันทึก",
		"the Thai-label save button stays reachable as a fallback")
}

func TestDefaultFieldSpecs(t *testing.T) {
	cfg := NewDefaultConfig()
	fields := cfg.Portal().Fields
	require.NotEmpty(t, fields)

	byKey := map[string]FieldSpec{}
	for _, f := range fields {
		byKey[f.Key] = f
	}
	assert.Equal(t, ModeDirect, byKey["payment_date"].Mode)
	assert.Equal(t, ModeCascading, byKey["charge_type"].Mode)
	assert.Equal(t, ModeCascading, byKey["currency"].Mode)
	assert.NotEmpty(t, byKey["amount"].Selector)
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.NoError(t, cfg.Validate(), "A valid default config should not produce a validation error")

	invalidPool := *cfg
	invalidPool.pool.MaxSessions = 0
	err := invalidPool.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool.max_sessions must be a positive integer")

	invalidMode := *cfg
	invalidMode.pool.AcquireMode = "panic"
	err = invalidMode.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pool.acquire_mode")

	invalidField := *cfg
	invalidField.portal.Fields = []FieldSpec{{Key: "amount", Selector: "#a", Mode: "typed"}}
	err = invalidField.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown interaction mode")
}

// -- Viper Integration Tests --

func TestNewConfigFromViper(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("pool.max_sessions", 3)
	v.Set("pool.acquire_mode", "block")
	v.Set("portal.base_url", "https://portal.example.com")
	v.Set("pipeline.dependent_wait", "250ms")

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Pool().MaxSessions)
	assert.Equal(t, AcquireBlock, cfg.Pool().AcquireMode)
	assert.Equal(t, "https://portal.example.com", cfg.Portal().BaseURL)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline().DependentWait)
}

func TestNewConfigFromViperRejectsInvalid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("pipeline.interaction_rate", -1.0)

	_, err := NewConfigFromViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline.interaction_rate")
}

func TestCredentialEnvBinding(t *testing.T) {
	t.Setenv("CHARGEBOT_PORTAL_USERNAME", "ops@example.com")
	t.Setenv("CHARGEBOT_PORTAL_PASSWORD", "hunter2")

	v := viper.New()
	SetDefaults(v)
	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, "ops@example.com", cfg.Portal().Username)
	assert.Equal(t, "hunter2", cfg.Portal().Password)
}

func TestSetters(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.SetBrowserHeadless(false)
	cfg.SetPoolMaxSessions(1)
	cfg.SetPoolAcquireMode(AcquireBlock)
	cfg.SetPipelineArtifactsDir("/tmp/artifacts")

	assert.False(t, cfg.Browser().Headless)
	assert.Equal(t, 1, cfg.Pool().MaxSessions)
	assert.Equal(t, AcquireBlock, cfg.Pool().AcquireMode)
	assert.Equal(t, "/tmp/artifacts", cfg.Pipeline().ArtifactsDir)
}

package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	cfg, err := Load(v)
	require.NoError(t, err)
	return cfg
}

func TestDefaultsAreValid(t *testing.T) {
	t.Parallel()
	cfg := defaultConfig(t)

	assert.Equal(t, ProviderOllama, cfg.LLM.Provider)
	assert.Equal(t, "qwen3", cfg.LLM.Model)
	assert.Equal(t, 25, cfg.Agent.MaxIterations)
	assert.Equal(t, 3, cfg.Agent.MaxParseFailures)
	assert.Equal(t, time.Second, cfg.Agent.ActionInterval)
	assert.Equal(t, 32000, cfg.Agent.TokenBudget)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 2*time.Minute, cfg.Session.IdleAfter)
	assert.Equal(t, 5*time.Minute, cfg.Session.MaxIdle)
	assert.Empty(t, cfg.Database.URL)
}

func TestLoadAppliesOverrides(t *testing.T) {
	t.Parallel()
	v := viper.New()
	SetDefaults(v)
	v.Set("llm.provider", ProviderOpenAI)
	v.Set("llm.model", "gpt-4o-mini")
	v.Set("agent.max_iterations", 5)
	v.Set("browser.headless", false)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, cfg.LLM.Provider)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, 5, cfg.Agent.MaxIterations)
	assert.False(t, cfg.Browser.Headless)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown provider", func(c *Config) { c.LLM.Provider = "psychic" }},
		{"empty model", func(c *Config) { c.LLM.Model = "" }},
		{"zero iterations", func(c *Config) { c.Agent.MaxIterations = 0 }},
		{"zero parse failures", func(c *Config) { c.Agent.MaxParseFailures = 0 }},
		{"zero dispatch attempts", func(c *Config) { c.Agent.DispatchAttempts = 0 }},
		{"zero token budget", func(c *Config) { c.Agent.TokenBudget = 0 }},
		{"zero protected tail", func(c *Config) { c.Agent.ProtectedTail = 0 }},
		{"idle windows inverted", func(c *Config) {
			c.Session.IdleAfter = 10 * time.Minute
			c.Session.MaxIdle = time.Minute
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := defaultConfig(t)
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

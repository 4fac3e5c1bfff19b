package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_FailsValidationWithoutUpstreams(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "upstreams", cerr.Field)
}

func TestValidate_RejectsMultipleForcedUpstreams(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Upstreams = []UpstreamYAML{
		{Name: "a", Forced: true, Enabled: true},
		{Name: "b", Forced: true, Enabled: true},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "forced")
}

func TestValidate_RejectsDuplicateUpstreamNames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Upstreams = []UpstreamYAML{
		{Name: "a", Enabled: true},
		{Name: "a", Enabled: true},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestValidate_RejectsOutOfRangePort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Upstreams = []UpstreamYAML{{Name: "a", Enabled: true}}
	cfg.Server.Port = 70000
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestUpstreamYAML_ToUpstreamConfig_ResolvesCredentialSourceFromEnv(t *testing.T) {
	t.Setenv("TEST_UPSTREAM_KEY", "sk-resolved")
	u := UpstreamYAML{
		Name:             "openai",
		Kind:             "openai_compatible",
		BaseURL:          "https://api.openai.com",
		CredentialSource: "TEST_UPSTREAM_KEY",
		Models:           []string{"gpt-4o"},
		Capabilities:     []string{"chat_completion"},
		Enabled:          true,
	}
	cfg := u.ToUpstreamConfig()
	assert.Equal(t, "sk-resolved", cfg.CredentialSource)
	assert.True(t, cfg.HasModel("gpt-4o"))
}

func TestUpstreamYAML_ToUpstreamConfig_LeavesUnresolvableSourceAsIs(t *testing.T) {
	u := UpstreamYAML{Name: "openai", CredentialSource: "NEVER_SET_VAR"}
	cfg := u.ToUpstreamConfig()
	assert.Equal(t, "NEVER_SET_VAR", cfg.CredentialSource)
}

func TestRetryResolver_AppliesUpstreamAndErrorClassOverrides(t *testing.T) {
	cfg := DefaultConfig()
	maxAttempts := 7
	cfg.Upstreams = []UpstreamYAML{
		{
			Name:    "openai",
			Enabled: true,
			ErrorClass: map[string]OverridesYAML{
				"rate_limited": {MaxAttempts: &maxAttempts},
			},
		},
	}
	resolver := cfg.RetryResolver()
	eff := resolver.Effective("openai", "rate_limited", "adaptive")
	assert.Equal(t, 7, eff.MaxAttempts)

	other := resolver.Effective("openai", "server_error", "adaptive")
	assert.Equal(t, cfg.Retry.MaxAttempts, other.MaxAttempts)
}

func TestLoad_AppliesEnvOverridesOverYAMLAndDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LLM_GATEWAY_DATA_DIR", dir)
	t.Setenv("LLM_GATEWAY_CONFIG", dir+"/gateway.yaml")
	yamlBody := `
server:
  host: "127.0.0.1"
  port: 9000
  auth_header: "bearer"
upstreams:
  - name: a
    kind: openai_compatible
    base_url: "http://localhost:1"
    models: ["m"]
    capabilities: ["chat_completion"]
    priority: 1
    enabled: true
    max_retries: 3
`
	require.NoError(t, os.WriteFile(dir+"/gateway.yaml", []byte(yamlBody), 0o600))
	t.Setenv("LLM_GATEWAY_PORT", "9100")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9100, cfg.Server.Port) // env wins over YAML
	require.Len(t, cfg.Upstreams, 1)
	assert.Equal(t, "a", cfg.Upstreams[0].Name)
}

func TestLoad_MissingConfigFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LLM_GATEWAY_DATA_DIR", dir)
	t.Setenv("LLM_GATEWAY_CONFIG", dir+"/does-not-exist.yaml")
	cfg, err := Load()
	require.Error(t, err) // defaults alone fail Validate: no upstreams configured
	assert.Nil(t, cfg)
}

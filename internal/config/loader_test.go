package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestHome points HOME at a temp dir and returns the mofsci config dir.
func setupTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".config", "mofsci")
	require.NoError(t, os.MkdirAll(dir, 0700))
	return dir
}

func writeConfig(t *testing.T, dir, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	require.NoError(t, os.Chmod(path, perm))
	return path
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	setupTestHome(t)

	cfg, err := LoadWithFile("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 1, cfg.Orchestrator.MaxRevisions)
	assert.Equal(t, 16, cfg.Orchestrator.MaxPlanSteps)
	assert.Equal(t, 60*time.Second, cfg.Orchestrator.ProposerTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Orchestrator.StepTimeout)
	assert.Equal(t, "none", cfg.LLM.Provider)
	assert.Equal(t, "./data", cfg.Tools.DataDir)
	assert.Equal(t, "runs", cfg.NATS.SubjectPrefix)
	assert.Equal(t, "mofsci", cfg.Observability.ServiceName)
	assert.True(t, cfg.Redaction.Enabled)
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `
server:
  http_port: 8181
orchestrator:
  max_revisions: 0
  step_timeout: 30s
tools:
  data_dir: /tmp/mofsci-data
nats:
  embedded: true
redaction:
  enabled: false
`, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, 0, cfg.Orchestrator.MaxRevisions, "explicit zero must survive defaults")
	assert.Equal(t, 30*time.Second, cfg.Orchestrator.StepTimeout)
	assert.Equal(t, "/tmp/mofsci-data", cfg.Tools.DataDir)
	assert.True(t, cfg.NATS.Enabled())
	assert.False(t, cfg.Redaction.Enabled, "explicit false must survive defaults")
}

func TestLoadWithFile_EnvOverridesFile(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  http_port: 8181\n", 0600)

	t.Setenv("MOFSCI_SERVER_HTTP_PORT", "7070")
	t.Setenv("MOFSCI_ORCHESTRATOR_MAX_REVISIONS", "3")
	t.Setenv("MOFSCI_LLM_PROVIDER", "openai")
	t.Setenv("MOFSCI_LLM_MODEL", "gpt-4o-mini")
	t.Setenv("MOFSCI_LLM_API_KEY", "sk-test")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Orchestrator.MaxRevisions)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey.Value())
	assert.Equal(t, "[REDACTED]", cfg.LLM.APIKey.String())
}

func TestLoadWithFile_RejectsInsecurePermissions(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, "server:\n  http_port: 8181\n", 0644)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFile_RejectsPathOutsideAllowedDirs(t *testing.T) {
	setupTestHome(t)
	path := filepath.Join(t.TempDir(), "config.yaml")

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config path validation failed")
}

func TestLoadWithFile_InvalidValues(t *testing.T) {
	dir := setupTestHome(t)
	path := writeConfig(t, dir, `
orchestrator:
  max_revisions: -1
llm:
  provider: gemini
redaction:
  allow_list: ["sk-test-(["]
`, 0600)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_revisions")
	assert.Contains(t, err.Error(), "llm.provider")
	assert.Contains(t, err.Error(), "redaction.allow_list[0]")
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"MOFSCI_SERVER_HTTP_PORT":           "server.http_port",
		"MOFSCI_ORCHESTRATOR_MAX_REVISIONS": "orchestrator.max_revisions",
		"MOFSCI_NATS_URL":                   "nats.url",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}

func TestValidate_LLMProviderNeedsModel(t *testing.T) {
	cfg := Default()
	cfg.LLM.Provider = "anthropic"
	cfg.LLM.APIKey = "key"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm.model")

	cfg.LLM.Model = "claude-sonnet"
	assert.NoError(t, cfg.Validate())

	cfg.LLM.BaseURL = "http://127.0.0.1:8080"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm.base_url")
}

func TestSecret_Redaction(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `"[REDACTED]"`, string(b))

	var back Secret
	assert.Error(t, back.UnmarshalJSON([]byte(`"[REDACTED]"`)))
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "server: https://ctrl.example.com\noidc_server: https://oidc.example.com\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.EqualValues(t, defaultUploadPartSize, cfg.UploadPartSize)
	assert.EqualValues(t, defaultDownloadPartSize, cfg.DownloadPartSize)
	assert.Equal(t, defaultRefreshJobsSeconds, cfg.RefreshJobsInterval)
	assert.Equal(t, ".", cfg.SavePath)
	assert.Equal(t, SchedulerSlurm, cfg.Scheduler.Type)
}

func TestLoadFloorsRefreshInterval(t *testing.T) {
	path := writeConfig(t, "server: s\noidc_server: o\nrefresh_jobs_interval: 1\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, defaultRefreshJobsSeconds, cfg.RefreshJobsInterval)
}

func TestLoadRequiresServerAndOIDC(t *testing.T) {
	path := writeConfig(t, "scheduler:\n  type: slurm\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRequiresQueueForLSF(t *testing.T) {
	path := writeConfig(t, "server: s\noidc_server: o\nscheduler:\n  type: lsf\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "queue")
}

func TestLoadDefaultsSSHPort(t *testing.T) {
	path := writeConfig(t, "server: s\noidc_server: o\nssh_proxy:\n  host: h\n  username: u\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 22, cfg.SSHProxy.Port)
}

func TestIncludeEnvSnippetPrefersFile(t *testing.T) {
	dir := t.TempDir()
	scriptPath := filepath.Join(dir, "env.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("export FOO=bar\n"), 0o644))

	cfg := &Config{IncludeEnvScriptPath: scriptPath, IncludeEnvScript: "export FOO=baz"}
	assert.Equal(t, "export FOO=bar\n", cfg.IncludeEnvSnippet())

	cfg2 := &Config{IncludeEnvScript: "export FOO=baz"}
	assert.Equal(t, "export FOO=baz", cfg2.IncludeEnvSnippet())
}

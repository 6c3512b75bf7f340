package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxucoder/remoterunner/internal/config"
)

// isolate points the data dir at a temp dir and clears keys the commands
// under test may load from config.env.
func isolate(t *testing.T, keys ...string) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("RUNNER_DATA_DIR", dir)
	for _, k := range append([]string{"RUNNER_CONFIG"}, keys...) {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	t.Chdir(t.TempDir())
	return dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "remoterunner dev\n", out)
}

func TestConfigSetAndShow(t *testing.T) {
	dir := isolate(t, "RUNNER_BACKEND", "RUNNER_IDLE_TIMEOUT")

	out, err := execute(t, "config", "set", "RUNNER_BACKEND", "memory")
	require.NoError(t, err)
	assert.Contains(t, out, "Set RUNNER_BACKEND = memory")
	assert.NotContains(t, out, "takes precedence")

	_, err = execute(t, "config", "set", "RUNNER_IDLE_TIMEOUT", "10m")
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(dir, "config.env"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `RUNNER_BACKEND="memory"`)
	assert.Contains(t, string(raw), `RUNNER_IDLE_TIMEOUT="10m"`)

	out, err = execute(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "backend: memory")
	assert.Contains(t, out, "idle_timeout: 10m0s")
	assert.NotContains(t, out, "# invalid")

	_, err = execute(t, "config", "set", "GITHUB_TOKEN", "x")
	assert.ErrorContains(t, err, "unknown setting")
}

func TestConfigShow_ReportsInvalid(t *testing.T) {
	isolate(t)
	t.Setenv("RUNNER_BACKEND", "firecracker")

	out, err := execute(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "# invalid:")
	assert.Contains(t, out, `unknown backend "firecracker"`)
}

func TestConfigPath(t *testing.T) {
	dir := isolate(t)
	out, err := execute(t, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "config.env")+"\n"+filepath.Join(dir, "config.yaml")+"\n", out)
}

func TestSelectRuntime(t *testing.T) {
	cfg := config.Default()
	cfg.Sandbox.LocalRoot = t.TempDir()

	cfg.Sandbox.Backend = config.BackendMemory
	rt, err := selectRuntime(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "memory", rt.Name())

	cfg.Sandbox.Backend = config.BackendLocal
	rt, err = selectRuntime(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "local", rt.Name())

	cfg.Sandbox.Backend = "firecracker"
	_, err = selectRuntime(context.Background(), cfg)
	assert.ErrorContains(t, err, `unsupported backend "firecracker"`)
}

func TestNewLogger(t *testing.T) {
	cfg := config.Default()
	cfg.Log = config.Log{Level: "debug", Format: "json"}

	var buf bytes.Buffer
	logger, err := newLogger(&buf, cfg)
	require.NoError(t, err)
	logger.Debug("session started", "session", "s1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "DEBUG", rec["level"])
	assert.Equal(t, "s1", rec["session"])

	cfg.Log.Level = "verbose"
	_, err = newLogger(&buf, cfg)
	assert.Error(t, err)
}

func TestSessionConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Sandbox.StartCommand = "pnpm dev"
	cfg.Session.IdleTimeout = time.Minute
	cfg.PublicURL = "https://run.example.com"
	cfg.Sandbox.CPUs = 1.5

	sc := sessionConfig(cfg)
	assert.Equal(t, 2, sc.CPUs)
	assert.Equal(t, "pnpm dev", sc.Command)
	assert.Equal(t, 3000, sc.Port)
	assert.Equal(t, time.Minute, sc.IdleTimeout)
	assert.Equal(t, "https://run.example.com", sc.PublicURL)
	assert.Contains(t, sc.Env, "HOST=0.0.0.0")

	po := parseOptions(cfg)
	assert.Equal(t, 1<<20, po.MaxFileSize)
	require.NotNil(t, po.Ignore)
	assert.Contains(t, po.Ignore.Folders, "node_modules")
}

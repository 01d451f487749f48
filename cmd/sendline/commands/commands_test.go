package commands

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func writeTestConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sendline.toml")
	content := fmt.Sprintf(`
[server]
hostname = "mta1.example.com"

[logging]
level = "error"
output = "stderr"

[identity]
driver = "sqlite3"
dsn = "file:%s?_busy_timeout=5000"

[metrics]
enabled = false
%s`, filepath.Join(dir, "sendline.db"), extra)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestRootHelp(t *testing.T) {
	out, err := run(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "warmed-up sending IPs")
	for _, name := range []string{"server", "relay", "identity", "warmup", "send", "queue", "remote", "config", "version"} {
		assert.Contains(t, out, name)
	}
}

func TestVersionCommand(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2026-01-01")
	t.Cleanup(func() { SetVersion("dev", "unknown", "unknown") })

	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "sendline 1.2.3")
	assert.Contains(t, out, "Commit: abc123")
}

func TestConfigGenerate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "generated.toml")

	out, err := run(t, "config", "generate", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)
	assert.FileExists(t, path)

	_, err = run(t, "config", "generate", path)
	assert.ErrorContains(t, err, "already exists")
}

func TestConfigValidate(t *testing.T) {
	path := writeTestConfig(t, "")
	out, err := run(t, "config", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is VALID")
	assert.Contains(t, out, "Profile: balanced")

	bad := writeTestConfig(t, "\n[delivery]\nprofile = \"ludicrous\"\n")
	out, err = run(t, "config", "validate", bad)
	require.Error(t, err)
	assert.Contains(t, out, "delivery.profile")
}

func TestIdentityAndWarmupCommands(t *testing.T) {
	path := writeTestConfig(t, "")

	out, err := run(t, "-c", path, "identity", "add", "198.51.100.20", "--hostname", "mta20.example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "198.51.100.20")
	assert.Contains(t, out, "active")

	_, err = run(t, "-c", path, "identity", "add", "198.51.100.20")
	assert.Error(t, err)

	out, err = run(t, "-c", path, "identity", "blacklist", "198.51.100.20")
	require.NoError(t, err)
	assert.Contains(t, out, "blacklisted")

	out, err = run(t, "-c", path, "identity", "unblacklist", "198.51.100.20")
	require.NoError(t, err)
	assert.NotContains(t, out, "blacklisted")

	out, err = run(t, "-c", path, "identity", "disable", "198.51.100.20")
	require.NoError(t, err)
	assert.Contains(t, out, "disabled")

	_, err = run(t, "-c", path, "identity", "enable", "198.51.100.20")
	require.NoError(t, err)

	out, err = run(t, "-c", path, "identity", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "198.51.100.20")

	// registration already counts as today's advance
	out, err = run(t, "-c", path, "warmup", "advance", "198.51.100.20")
	require.NoError(t, err)
	assert.Contains(t, out, "unchanged: day 1, daily limit 50")

	out, err = run(t, "-c", path, "warmup", "rollover")
	require.NoError(t, err)
	assert.Contains(t, out, "Advanced: 0")

	out, err = run(t, "-c", path, "warmup", "schedule")
	require.NoError(t, err)
	assert.Contains(t, out, "DAILY LIMIT")
	assert.Contains(t, out, "100000")
}

func TestQueueCommandsNeedSharedBackend(t *testing.T) {
	path := writeTestConfig(t, "")
	_, err := run(t, "-c", path, "queue", "stats")
	assert.ErrorContains(t, err, "memory queue")
}

func TestSendValidatesJob(t *testing.T) {
	path := writeTestConfig(t, "")
	_, err := run(t, "-c", path, "send", "--from", "news@example.com", "--to", "not an address", "--text", "hi")
	assert.ErrorContains(t, err, "to_address")
}

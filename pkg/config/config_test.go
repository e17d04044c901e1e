package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"KEEL_CORES", "KEEL_SYSCALL_RPS", "KEEL_SYSCALL_BURST", "LOG_LEVEL", "KEEL_MODULE_ROOT"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, 2, cfg.Cores)
	assert.Equal(t, 1000.0, cfg.SyscallRPS)
	assert.Equal(t, 100, cfg.SyscallBurst)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "./modules", cfg.ModuleRoot)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("KEEL_CORES", "8")
	t.Setenv("KEEL_SYSCALL_RPS", "250")
	t.Setenv("KEEL_SYSCALL_BURST", "10")
	t.Setenv("KEEL_NODE_ID", "node-7")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg := Load()
	assert.Equal(t, 8, cfg.Cores)
	assert.Equal(t, 250.0, cfg.SyscallRPS)
	assert.Equal(t, 10, cfg.SyscallBurst)
	assert.Equal(t, "node-7", cfg.NodeID)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
}

func TestLoadRejectsNonsenseValues(t *testing.T) {
	t.Setenv("KEEL_CORES", "-3")
	t.Setenv("KEEL_SYSCALL_RPS", "zero")

	cfg := Load()
	assert.Equal(t, 2, cfg.Cores)
	assert.Equal(t, 1000.0, cfg.SyscallRPS)
}

const edgeProfile = `
name: Edge deployment
code: edge
scheduling:
  cores: 1
  fairness_floor: 0.8
mailboxes:
  default_capacity: 256
  overflow_policy: DROP_OLDEST
limits:
  syscall_rps: 50
  syscall_burst: 5
  gas_budget: 500000
`

func writeProfile(t *testing.T, dir, code, body string) string {
	t.Helper()
	path := filepath.Join(dir, "profile_"+code+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadProfileByCode(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "edge", edgeProfile)

	p, err := LoadProfile(dir, "EDGE")
	require.NoError(t, err)
	assert.Equal(t, "edge", p.Code)
	assert.Equal(t, 1, p.Scheduling.Cores)
	assert.Equal(t, 0.8, p.Scheduling.FairnessFloor)
	assert.Equal(t, 256, p.Mailboxes.DefaultCapacity)
	assert.Equal(t, "DROP_OLDEST", p.Mailboxes.OverflowPolicy)
	assert.Equal(t, uint64(500000), p.Limits.GasBudget)
}

func TestLoadProfileFileInfersCode(t *testing.T) {
	dir := t.TempDir()
	path := writeProfile(t, dir, "server", "name: Server\nscheduling:\n  cores: 16\n")

	p, err := LoadProfileFile(path)
	require.NoError(t, err)
	assert.Equal(t, "server", p.Code)
	assert.Equal(t, 16, p.Scheduling.Cores)
}

func TestLoadProfileMissing(t *testing.T) {
	_, err := LoadProfile(t.TempDir(), "ghost")
	assert.Error(t, err)
}

func TestLoadProfileBadYAML(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "broken", "scheduling: [not a map")

	_, err := LoadProfile(dir, "broken")
	assert.Error(t, err)
}

func TestLoadAllProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "edge", edgeProfile)
	writeProfile(t, dir, "server", "name: Server\ncode: server\n")

	profiles, err := LoadAllProfiles(dir)
	require.NoError(t, err)
	assert.Len(t, profiles, 2)
	assert.Contains(t, profiles, "edge")
	assert.Contains(t, profiles, "server")
}

func TestProfileApplyOverlays(t *testing.T) {
	cfg := &Config{Cores: 2, SyscallRPS: 1000, SyscallBurst: 100}
	p := &RuntimeProfile{
		Scheduling: SchedulingConfig{Cores: 4},
		Limits:     LimitsConfig{SyscallRPS: 50, SyscallBurst: 5},
	}
	p.Apply(cfg)
	assert.Equal(t, 4, cfg.Cores)
	assert.Equal(t, 50.0, cfg.SyscallRPS)
	assert.Equal(t, 5, cfg.SyscallBurst)

	// Zero values leave the config untouched.
	(&RuntimeProfile{}).Apply(cfg)
	assert.Equal(t, 4, cfg.Cores)
}

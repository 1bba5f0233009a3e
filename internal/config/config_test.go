package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, "simulation", cfg.Hardware.Mode)
	assert.Equal(t, 30*time.Second, cfg.Execution.SensorTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.Execution.SensorPollInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.Safety.TickInterval)
	assert.Equal(t, 15.0, cfg.Compiler.PaperOffsetX)
	assert.Equal(t, []string{"./programs"}, cfg.Programs.SearchPaths)
	assert.False(t, cfg.Database.Enabled)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_port: 9090
execution:
  sensor_timeout: 12s
modbus:
  coils:
    line_marker: 3
  inputs:
    row_marker_switch: 7
auth:
  operators:
    - username: alice
      pin_hash: "$argon2id$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA"
      role: operator
`), 0o644))

	t.Setenv("SCRATCHDESK_HARDWARE_MODE", "modbus")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.HTTPPort)
	assert.Equal(t, 12*time.Second, cfg.Execution.SensorTimeout)
	assert.Equal(t, "modbus", cfg.Hardware.Mode)
	assert.Equal(t, uint16(3), cfg.Modbus.Coils["line_marker"])
	assert.Equal(t, uint16(7), cfg.Modbus.Inputs["row_marker_switch"])
	require.Len(t, cfg.Auth.Operators, 1)
	assert.Equal(t, "alice", cfg.Auth.Operators[0].Username)
}

func TestInvalidModeRejected(t *testing.T) {
	t.Setenv("SCRATCHDESK_HARDWARE_MODE", "plc")
	_, err := Load("")
	assert.ErrorContains(t, err, "hardware.mode")
}

func TestMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestJWTSecret(t *testing.T) {
	a := AuthConfig{JWTSecretEnv: "SCRATCHDESK_TEST_SECRET"}
	assert.Equal(t, devJWTSecret, a.GetJWTSecret())
	assert.False(t, a.IsProductionReady())

	t.Setenv("SCRATCHDESK_TEST_SECRET", "0123456789abcdef0123456789abcdef")
	assert.True(t, a.IsProductionReady())
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	assert.Equal(t, "0.0.0.0:4245", cfg.Server.ListenAddr())
	assert.Equal(t, "0.0.0.0", cfg.Govee.PollerAddress)
	assert.Equal(t, 5*time.Second, cfg.Govee.LANControlTimeout)
	assert.Equal(t, 60*time.Second, cfg.Govee.LANPollInterval)
	assert.Equal(t, 600*time.Second, cfg.Govee.BLEPollInterval)
	assert.Equal(t, 60*time.Second, cfg.Govee.BLEIdleTimeout)
	assert.Equal(t, 600*time.Second, cfg.Govee.HTTPPollInterval)
	assert.Empty(t, cfg.Govee.APIKey)
	require.NoError(t, cfg.Validate())
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goveed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 5000
govee:
  lan_control_timeout: 2s
  api_key: from-file
devices:
  - id: "AA:BB:CC"
    model: H6159
    medium: ble
    brightness: 40
mqtt:
  enabled: true
  broker: tcp://localhost:1883
`), 0o600))

	t.Setenv("GOVEED_API_KEY", "from-env")
	t.Setenv("GOVEED_LAN_POLL_INTERVAL", "30")
	t.Setenv("GOVEED_ADMIN_CORS", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Govee.LANControlTimeout)
	assert.Equal(t, 30*time.Second, cfg.Govee.LANPollInterval)
	assert.Equal(t, "from-env", cfg.Govee.APIKey)
	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, "ble", cfg.Devices[0].Medium)
	require.NotNil(t, cfg.Devices[0].Brightness)
	assert.Equal(t, 40, *cfg.Devices[0].Brightness)
	assert.True(t, cfg.Admin.CORS)
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "homeassistant", cfg.MQTT.DiscoveryPrefix)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [1, 2"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("GOVEED_SERVER_PORT", "http")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 70000
	cfg.Govee.LANControlTimeout = 0
	cfg.Devices = []DeviceConfig{{ID: "a"}, {ID: "a", Medium: "zigbee"}, {}}
	cfg.MQTT.Enabled = true
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"server.port", "lan_control_timeout", `duplicate id "a"`, `unknown medium "zigbee"`,
		"devices[2]: id is required", "mqtt.broker", "log.format",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestParseSeconds(t *testing.T) {
	for in, want := range map[string]time.Duration{
		"5":     5 * time.Second,
		"0.5":   500 * time.Millisecond,
		"90s":   90 * time.Second,
		"1m30s": 90 * time.Second,
	} {
		got, err := ParseSeconds(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseSeconds("soon")
	assert.Error(t, err)
}

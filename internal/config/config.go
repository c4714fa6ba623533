package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Govee   GoveeConfig    `yaml:"govee"`
	Devices []DeviceConfig `yaml:"devices"`
	Admin   AdminConfig    `yaml:"admin"`
	MQTT    MQTTConfig     `yaml:"mqtt"`
	Tracing TracingConfig  `yaml:"tracing"`
	Log     LogConfig      `yaml:"log"`
}

// ServerConfig holds the WebSocket listener configuration.
type ServerConfig struct {
	Address      string        `yaml:"address"`
	Port         int           `yaml:"port"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PongTimeout  time.Duration `yaml:"pong_timeout"`
	ReadLimit    int64         `yaml:"read_limit"`
}

// ListenAddr returns address:port.
func (s ServerConfig) ListenAddr() string {
	return net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// GoveeConfig holds the device controller configuration.
type GoveeConfig struct {
	PollerAddress     string        `yaml:"poller_address"`
	LANControlTimeout time.Duration `yaml:"lan_control_timeout"`
	LANPollInterval   time.Duration `yaml:"lan_poll_interval"`
	BLEPollInterval   time.Duration `yaml:"ble_poll_interval"`
	BLEIdleTimeout    time.Duration `yaml:"ble_idle_timeout"`
	HTTPPollInterval  time.Duration `yaml:"http_poll_interval"`
	APIKey            string        `yaml:"api_key"`
}

// DeviceConfig declares a virtual light served by the built-in driver.
type DeviceConfig struct {
	ID          string        `yaml:"id"`
	Model       string        `yaml:"model"`
	Medium      string        `yaml:"medium"`
	Latency     time.Duration `yaml:"latency"`
	LinkLatency time.Duration `yaml:"link_latency"`
	Unreachable bool          `yaml:"unreachable"`
	On          *bool         `yaml:"on"`
	Brightness  *int          `yaml:"brightness"`
}

// AdminConfig holds the admin HTTP API configuration.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	// CORS allows browser dashboards on any origin to call the API.
	CORS bool `yaml:"cors"`
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	ClientID        string `yaml:"client_id"`
	TopicPrefix     string `yaml:"topic_prefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// TracingConfig holds OpenTelemetry export configuration.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a Config with the gateway's documented defaults.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Address:      "0.0.0.0",
			Port:         4245,
			PingInterval: 20 * time.Second,
			PongTimeout:  20 * time.Second,
			ReadLimit:    1 << 20,
		},
		Govee: GoveeConfig{
			PollerAddress:     "0.0.0.0",
			LANControlTimeout: 5 * time.Second,
			LANPollInterval:   60 * time.Second,
			BLEPollInterval:   600 * time.Second,
			BLEIdleTimeout:    60 * time.Second,
			HTTPPollInterval:  600 * time.Second,
		},
		Admin: AdminConfig{
			Addr: ":9245",
		},
		MQTT: MQTTConfig{
			ClientID:        "goveed",
			TopicPrefix:     "goveed",
			DiscoveryPrefix: "homeassistant",
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file at path, then overlays environment variables.
// If path is empty, only defaults + env vars are used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
			// file not found is ok, use defaults
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values the daemon cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.ReadLimit <= 0 {
		errs = append(errs, errors.New("server.read_limit must be positive"))
	}
	if c.Govee.LANControlTimeout <= 0 {
		errs = append(errs, errors.New("govee.lan_control_timeout must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"govee.lan_poll_interval":  c.Govee.LANPollInterval,
		"govee.ble_poll_interval":  c.Govee.BLEPollInterval,
		"govee.ble_idle_timeout":   c.Govee.BLEIdleTimeout,
		"govee.http_poll_interval": c.Govee.HTTPPollInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		switch {
		case d.ID == "":
			errs = append(errs, fmt.Errorf("devices[%d]: id is required", i))
		case seen[d.ID]:
			errs = append(errs, fmt.Errorf("devices[%d]: duplicate id %q", i, d.ID))
		}
		seen[d.ID] = true
		switch d.Medium {
		case "", "lan", "ble", "http":
		default:
			errs = append(errs, fmt.Errorf("devices[%d]: unknown medium %q", i, d.Medium))
		}
		if d.Brightness != nil && (*d.Brightness < 0 || *d.Brightness > 100) {
			errs = append(errs, fmt.Errorf("devices[%d]: brightness %d out of range", i, *d.Brightness))
		}
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio %v out of range", c.Tracing.SampleRatio))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("GOVEED_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("GOVEED_SERVER_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: GOVEED_SERVER_PORT: %w", err)
		}
		cfg.Server.Port = p
	}
	if v := os.Getenv("GOVEED_POLLER_ADDRESS"); v != "" {
		cfg.Govee.PollerAddress = v
	}
	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"GOVEED_LAN_CONTROL_TIMEOUT", &cfg.Govee.LANControlTimeout},
		{"GOVEED_LAN_POLL_INTERVAL", &cfg.Govee.LANPollInterval},
		{"GOVEED_BLE_POLL_INTERVAL", &cfg.Govee.BLEPollInterval},
		{"GOVEED_BLE_IDLE_TIMEOUT", &cfg.Govee.BLEIdleTimeout},
		{"GOVEED_HTTP_POLL_INTERVAL", &cfg.Govee.HTTPPollInterval},
	}
	for _, d := range durations {
		if v := os.Getenv(d.env); v != "" {
			parsed, err := ParseSeconds(v)
			if err != nil {
				return fmt.Errorf("config: %s: %w", d.env, err)
			}
			*d.dst = parsed
		}
	}
	if v := os.Getenv("GOVEED_API_KEY"); v != "" {
		cfg.Govee.APIKey = v
	}
	if v := os.Getenv("GOVEED_ADMIN_ENABLED"); v != "" {
		cfg.Admin.Enabled = parseBool(v)
	}
	if v := os.Getenv("GOVEED_ADMIN_ADDR"); v != "" {
		cfg.Admin.Addr = v
	}
	if v := os.Getenv("GOVEED_ADMIN_CORS"); v != "" {
		cfg.Admin.CORS = parseBool(v)
	}
	if v := os.Getenv("GOVEED_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("GOVEED_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("GOVEED_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("GOVEED_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("GOVEED_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("GOVEED_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := os.Getenv("GOVEED_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("GOVEED_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	return nil
}

// ParseSeconds accepts a Go duration ("90s", "1m30s") or a bare number of
// seconds ("90", "0.5").
func ParseSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}

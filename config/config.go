// Package config loads the agent configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nedpals/davi-cma-agent/buildinfo"
	"github.com/nedpals/davi-cma-agent/cma"
)

// Config is the root configuration.
type Config struct {
	Transports []string       `yaml:"transports"`
	USB        USBConfig      `yaml:"usb"`
	Wireless   WirelessConfig `yaml:"wireless"`
	Session    SessionConfig  `yaml:"session"`
	Events     EventsConfig   `yaml:"events"`
	Settings   SettingsConfig `yaml:"settings"`
	Server     ServerConfig   `yaml:"server"`
	TLS        TLSConfig      `yaml:"tls"`
	Logging    LoggingConfig  `yaml:"logging"`
	MQTT       MQTTConfig     `yaml:"mqtt"`
	InfluxDB   InfluxDBConfig `yaml:"influxdb"`
	Desktop    DesktopConfig  `yaml:"desktop"`
}

// USBConfig configures the USB finder. Durations are in seconds.
type USBConfig struct {
	PollInterval int      `yaml:"poll_interval"`
	VendorID     uint16   `yaml:"vendor_id"`
	ProductIDs   []uint16 `yaml:"product_ids"`
}

// WirelessConfig configures the wireless listener and its advertisement.
type WirelessConfig struct {
	Port          int    `yaml:"port"`
	ServiceName   string `yaml:"service_name"`
	ServiceType   string `yaml:"service_type"`
	Domain        string `yaml:"domain"`
	TLS           bool   `yaml:"tls"`
	Advertise     bool   `yaml:"advertise"`
	HandshakeWait int    `yaml:"handshake_timeout"`
}

// SessionConfig configures the connection manager.
type SessionConfig struct {
	DeviceLabel      string `yaml:"device_label"`
	FallbackOnlineID string `yaml:"fallback_online_id"`
	RetryInitial     int    `yaml:"retry_initial"`
	RetryMax         int    `yaml:"retry_max"`
}

// EventsConfig configures event classification.
type EventsConfig struct {
	TerminateCode  uint16   `yaml:"terminate_code"`
	CancelTaskCode uint16   `yaml:"cancel_task_code"`
	RefreshCodes   []uint16 `yaml:"refresh_codes"`
}

// SettingsConfig selects the identity store backend.
type SettingsConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// ServerConfig configures the app-facing API.
type ServerConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	APISecret string `yaml:"api_secret"`
	TLS       bool   `yaml:"tls"`
	CertFile  string `yaml:"cert_file"`
	KeyFile   string `yaml:"key_file"`
}

// TLSConfig configures the local CA used when server.tls or wireless.tls
// is set without explicit certificate files.
type TLSConfig struct {
	Dir       string `yaml:"dir"`
	InstallCA bool   `yaml:"install_ca"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MQTTConfig configures the MQTT notification sink.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// InfluxDBConfig configures the session telemetry sink.
type InfluxDBConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// DesktopConfig configures desktop notifications.
type DesktopConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns a configuration usable without a file.
func Default() *Config {
	return &Config{
		Transports: []string{"usb", "wireless"},
		USB: USBConfig{
			PollInterval: 2,
		},
		Wireless: WirelessConfig{
			Port:          9309,
			ServiceName:   hostName(),
			ServiceType:   "_cma._tcp",
			Domain:        "local.",
			Advertise:     true,
			HandshakeWait: 60,
		},
		Session: SessionConfig{
			DeviceLabel:      cma.DefaultDeviceLabel,
			FallbackOnlineID: cma.DefaultOnlineID,
			RetryInitial:     2,
			RetryMax:         30,
		},
		Events: EventsConfig{
			TerminateCode:  cma.DefaultEventCodes.Terminate,
			CancelTaskCode: cma.DefaultEventCodes.CancelTask,
		},
		Settings: SettingsConfig{
			Backend: "file",
			Path:    "./data/settings.yaml",
		},
		Server: ServerConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    18080,
		},
		TLS: TLSConfig{
			Dir:       "./data",
			InstallCA: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    buildinfo.Name,
			TopicPrefix: "cma",
			QoS:         1,
		},
		InfluxDB: InfluxDBConfig{
			URL:    "http://localhost:8086",
			Bucket: "cma",
		},
	}
}

// Load reads path over the defaults, expands ${VAR} references, applies
// CMA_* overrides and validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// LoadEnvFile loads variables from a .env file. A missing file is not an
// error; variables already set are kept.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading env file: %w", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("CMA_TRANSPORTS"); v != "" {
		cfg.Transports = splitList(v)
	}
	if v := os.Getenv("CMA_WIRELESS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CMA_WIRELESS_PORT: %w", err)
		}
		cfg.Wireless.Port = port
	}
	if v := os.Getenv("CMA_SERVICE_NAME"); v != "" {
		cfg.Wireless.ServiceName = v
	}
	if v := os.Getenv("CMA_SETTINGS_PATH"); v != "" {
		cfg.Settings.Path = v
	}
	if v := os.Getenv("CMA_SERVER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CMA_SERVER_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("CMA_API_SECRET"); v != "" {
		cfg.Server.APISecret = v
	}
	if v := os.Getenv("CMA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CMA_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("CMA_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("CMA_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("CMA_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Transports) == 0 {
		errs = append(errs, "transports must not be empty")
	}
	for _, t := range c.Transports {
		if _, err := cma.ParseTransportKind(t); err != nil {
			errs = append(errs, fmt.Sprintf("transports: %v", err))
		}
	}
	if c.Wireless.Port < 1 || c.Wireless.Port > 65535 {
		errs = append(errs, "wireless.port must be between 1 and 65535")
	}
	if c.Wireless.ServiceName == "" {
		errs = append(errs, "wireless.service_name is required")
	}
	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		errs = append(errs, "server.cert_file and server.key_file must be set together")
	}
	if (c.Server.TLS || c.Wireless.TLS) && c.Server.CertFile == "" && c.TLS.Dir == "" {
		errs = append(errs, "tls.dir is required when tls is enabled")
	}
	if c.Settings.Path == "" {
		errs = append(errs, "settings.path is required")
	}
	switch strings.ToLower(c.Settings.Backend) {
	case "file", "sqlite":
	default:
		errs = append(errs, "settings.backend must be file or sqlite")
	}
	if c.Events.TerminateCode == c.Events.CancelTaskCode {
		errs = append(errs, "events.terminate_code and events.cancel_task_code must differ")
	}
	if c.MQTT.Enabled && (c.MQTT.QoS < 0 || c.MQTT.QoS > 2) {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.org and influxdb.bucket are required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// TransportKinds returns the configured transports. Call after Validate.
func (c *Config) TransportKinds() []cma.TransportKind {
	kinds := make([]cma.TransportKind, 0, len(c.Transports))
	for _, t := range c.Transports {
		if k, err := cma.ParseTransportKind(t); err == nil {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// EventCodes returns the configured event classification.
func (c *Config) EventCodes() cma.EventCodes {
	return cma.EventCodes{Terminate: c.Events.TerminateCode, CancelTask: c.Events.CancelTaskCode}
}

// DiscoveryConfig returns the wireless discovery parameters.
func (c *Config) DiscoveryConfig() cma.DiscoveryConfig {
	return cma.DiscoveryConfig{
		Port:        c.Wireless.Port,
		ServiceName: c.Wireless.ServiceName,
		ServiceType: c.Wireless.ServiceType,
		Domain:      c.Wireless.Domain,
	}
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.USB.PollInterval) * time.Second
}

func (c *Config) RetryInitial() time.Duration {
	return time.Duration(c.Session.RetryInitial) * time.Second
}

func (c *Config) RetryMax() time.Duration {
	return time.Duration(c.Session.RetryMax) * time.Second
}

func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Wireless.HandshakeWait) * time.Second
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hostName() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "davi-cma-agent"
	}
	return h
}

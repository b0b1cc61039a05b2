package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/IItheshadowII/LatencyLens/internal/endpoint"
	"github.com/IItheshadowII/LatencyLens/internal/util"
	"gopkg.in/yaml.v3"
)

const (
	defaultLogLevel = "info"

	defaultPingCount         = 30
	defaultPingTimeout       = 2000 * time.Millisecond
	defaultDownloadSize      = "8MiB"
	defaultUploadSize        = "3MiB"
	defaultThroughputTimeout = 15 * time.Second
	defaultReachabilityCheck = true

	defaultServerBindAddr       = "0.0.0.0"
	defaultServerBindPort       = 3001
	defaultServerCORSOrigin     = "*"
	defaultServerMaxConnections = 256
	defaultServerMaxBodySize    = "1MiB"
	defaultRateLimitWindow      = 60 * time.Second
	defaultRateLimitMax         = 60
	defaultAdminEnabled         = true
	defaultMetricsEnabled       = true
	defaultRunsEnabled          = false
	defaultRunsMaxConcurrent    = 4

	defaultStorageDriver = StorageSQLite
	defaultStoragePath   = "./data/latencylens.sqlite"

	defaultRelayTimeout = 30 * time.Second

	defaultProbeServerMaxDownload = "64MiB"
	defaultProbeServerMaxUpload   = "64MiB"

	defaultKafkaTopic = "latencylens.results"

	defaultReportTimeout = 10 * time.Second

	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Hostname    string            `yaml:"hostname"`
	Log         LogConfig         `yaml:"log"`
	Measurement MeasurementConfig `yaml:"measurement"`
	DNS         DNSConfig         `yaml:"dns"`
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	GeoIP       GeoIPConfig       `yaml:"geoip"`
	Relay       RelayConfig       `yaml:"relay"`
	ProbeServer ProbeServerConfig `yaml:"probe_server"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Report      ReportConfig      `yaml:"report"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type MeasurementConfig struct {
	PingCount         int      `yaml:"ping_count"`
	PingTimeout       Duration `yaml:"ping_timeout"`
	DownloadSize      string   `yaml:"download_size"`
	UploadSize        string   `yaml:"upload_size"`
	ThroughputTimeout Duration `yaml:"throughput_timeout"`
	ReachabilityCheck *bool    `yaml:"reachability_check"`
	// RelayBase routes probe traffic through a relay instead of the cloud itself.
	RelayBase string `yaml:"relay_base"`

	DownloadBytes int64 `yaml:"-"`
	UploadBytes   int64 `yaml:"-"`
}

type DNSConfig struct {
	Servers []string `yaml:"servers"`
}

type ServerConfig struct {
	BindAddr       string          `yaml:"bind_addr"`
	BindPort       int             `yaml:"bind_port"`
	AuthToken      string          `yaml:"auth_token"`
	CORSOrigin     string          `yaml:"cors_origin"`
	TrustProxy     bool            `yaml:"trust_proxy"`
	MaxConnections int             `yaml:"max_connections"`
	MaxBodySize    string          `yaml:"max_body_size"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Admin          ToggleConfig    `yaml:"admin"`
	Metrics        ToggleConfig    `yaml:"metrics"`
	Runs           RunsConfig      `yaml:"runs"`

	MaxBodyBytes int64 `yaml:"-"`
}

type RateLimitConfig struct {
	Window Duration `yaml:"window"`
	Max    int      `yaml:"max"`
}

type ToggleConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// RunsConfig controls server-side runs. The server only measures clouds in
// AllowedClouds unless AllowAny is set.
type RunsConfig struct {
	Enabled       *bool    `yaml:"enabled"`
	MaxConcurrent int      `yaml:"max_concurrent"`
	AllowedClouds []string `yaml:"allowed_clouds"`
	AllowAny      bool     `yaml:"allow_any"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type GeoIPConfig struct {
	CountryDB string `yaml:"country_db"`
	ASNDB     string `yaml:"asn_db"`
}

type RelayConfig struct {
	Enabled       bool     `yaml:"enabled"`
	AllowedClouds []string `yaml:"allowed_clouds"`
	AllowAny      bool     `yaml:"allow_any"`
	Timeout       Duration `yaml:"timeout"`
}

type ProbeServerConfig struct {
	Enabled         bool   `yaml:"enabled"`
	MaxDownloadSize string `yaml:"max_download_size"`
	MaxUploadSize   string `yaml:"max_upload_size"`

	MaxDownloadBytes int64 `yaml:"-"`
	MaxUploadBytes   int64 `yaml:"-"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type ReportConfig struct {
	APIBase string   `yaml:"api_base"`
	Timeout Duration `yaml:"timeout"`
}

func (m MeasurementConfig) ReachabilityEnabled() bool {
	return util.BoolValue(m.ReachabilityCheck, defaultReachabilityCheck)
}

func (t ToggleConfig) IsEnabled() bool {
	return util.BoolValue(t.Enabled, true)
}

func (r RunsConfig) IsEnabled() bool {
	return util.BoolValue(r.Enabled, defaultRunsEnabled)
}

func (k KafkaConfig) IsEnabled() bool {
	return len(k.Brokers) > 0
}

// Default returns a validated configuration with every default applied.
func Default() Config {
	var cfg Config
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv lets the deployment environment override the server settings most
// often changed per host.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.BindPort = port
	}
	if v, ok := lookup("CORS_ORIGIN"); ok && v != "" {
		c.Server.CORSOrigin = v
	}
	if v, ok := lookup("TRUST_PROXY"); ok && v != "" {
		c.Server.TrustProxy = v == "true"
	}
	if v, ok := lookup("DATABASE_PATH"); ok && v != "" {
		c.Storage.Path = v
	}
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Storage.DSN = v
	}
	if v, ok := lookup("RATE_LIMIT_WINDOW_MS"); ok && v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_WINDOW_MS: %w", err)
		}
		c.Server.RateLimit.Window = Duration(time.Duration(ms) * time.Millisecond)
	}
	if v, ok := lookup("RATE_LIMIT_MAX"); ok && v != "" {
		max, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_MAX: %w", err)
		}
		c.Server.RateLimit.Max = max
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = defaultLogLevel
	}

	if c.Measurement.PingCount == 0 {
		c.Measurement.PingCount = defaultPingCount
	}
	if c.Measurement.PingTimeout == 0 {
		c.Measurement.PingTimeout = Duration(defaultPingTimeout)
	}
	if c.Measurement.DownloadSize == "" {
		c.Measurement.DownloadSize = defaultDownloadSize
	}
	if c.Measurement.UploadSize == "" {
		c.Measurement.UploadSize = defaultUploadSize
	}
	if c.Measurement.ThroughputTimeout == 0 {
		c.Measurement.ThroughputTimeout = Duration(defaultThroughputTimeout)
	}

	if c.Server.BindAddr == "" {
		c.Server.BindAddr = defaultServerBindAddr
	}
	if c.Server.BindPort == 0 {
		c.Server.BindPort = defaultServerBindPort
	}
	if c.Server.CORSOrigin == "" {
		c.Server.CORSOrigin = defaultServerCORSOrigin
	}
	if c.Server.MaxConnections == 0 {
		c.Server.MaxConnections = defaultServerMaxConnections
	}
	if c.Server.MaxBodySize == "" {
		c.Server.MaxBodySize = defaultServerMaxBodySize
	}
	if c.Server.RateLimit.Window == 0 {
		c.Server.RateLimit.Window = Duration(defaultRateLimitWindow)
	}
	if c.Server.RateLimit.Max == 0 {
		c.Server.RateLimit.Max = defaultRateLimitMax
	}
	if c.Server.Admin.Enabled == nil {
		val := defaultAdminEnabled
		c.Server.Admin.Enabled = &val
	}
	if c.Server.Metrics.Enabled == nil {
		val := defaultMetricsEnabled
		c.Server.Metrics.Enabled = &val
	}
	if c.Server.Runs.MaxConcurrent == 0 {
		c.Server.Runs.MaxConcurrent = defaultRunsMaxConcurrent
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = defaultStorageDriver
	}
	if c.Storage.Driver == StorageSQLite && c.Storage.Path == "" {
		c.Storage.Path = defaultStoragePath
	}

	if c.Relay.Timeout == 0 {
		c.Relay.Timeout = Duration(defaultRelayTimeout)
	}

	if c.ProbeServer.MaxDownloadSize == "" {
		c.ProbeServer.MaxDownloadSize = defaultProbeServerMaxDownload
	}
	if c.ProbeServer.MaxUploadSize == "" {
		c.ProbeServer.MaxUploadSize = defaultProbeServerMaxUpload
	}

	if c.Kafka.Topic == "" {
		c.Kafka.Topic = defaultKafkaTopic
	}

	if c.Report.Timeout == 0 {
		c.Report.Timeout = Duration(defaultReportTimeout)
	}
}

func (c *Config) validate() error {
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("log.level must be debug, info, warn or error")
	}

	if err := c.validateMeasurement(); err != nil {
		return err
	}

	for i, server := range c.DNS.Servers {
		if strings.TrimSpace(server) == "" {
			return fmt.Errorf("dns.servers[%d] must not be empty", i)
		}
	}

	if c.Server.BindPort <= 0 || c.Server.BindPort > 65535 {
		return errors.New("server.bind_port must be in 1..65535")
	}
	if c.Server.MaxConnections < 0 {
		return errors.New("server.max_connections must be >= 0")
	}
	if c.Server.RateLimit.Window.Duration() <= 0 {
		return errors.New("server.rate_limit.window must be > 0")
	}
	if c.Server.RateLimit.Max <= 0 {
		return errors.New("server.rate_limit.max must be > 0")
	}
	if c.Server.Runs.MaxConcurrent <= 0 {
		return errors.New("server.runs.max_concurrent must be > 0")
	}
	if c.Server.Runs.IsEnabled() && !c.Server.Runs.AllowAny && len(c.Server.Runs.AllowedClouds) == 0 {
		return errors.New("server.runs.allowed_clouds must not be empty unless server.runs.allow_any is set")
	}
	for i, raw := range c.Server.Runs.AllowedClouds {
		ep, err := endpoint.Parse(raw)
		if err != nil {
			return fmt.Errorf("server.runs.allowed_clouds[%d]: %w", i, err)
		}
		c.Server.Runs.AllowedClouds[i] = ep.String()
	}
	bodyBytes, err := ParseSize(c.Server.MaxBodySize)
	if err != nil {
		return fmt.Errorf("server.max_body_size: %w", err)
	}
	if bodyBytes <= 0 {
		return errors.New("server.max_body_size must be > 0")
	}
	c.Server.MaxBodyBytes = bodyBytes

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch c.Storage.Driver {
	case StorageSQLite:
		if strings.TrimSpace(c.Storage.Path) == "" {
			return errors.New("storage.path is required for sqlite")
		}
	case StoragePostgres:
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return errors.New("storage.dsn is required for postgres")
		}
	case StorageMemory:
	default:
		return errors.New("storage.driver must be sqlite, postgres or memory")
	}

	if c.Relay.Enabled {
		if c.Relay.Timeout.Duration() <= 0 {
			return errors.New("relay.timeout must be > 0")
		}
		if !c.Relay.AllowAny && len(c.Relay.AllowedClouds) == 0 {
			return errors.New("relay.allowed_clouds must not be empty unless relay.allow_any is set")
		}
		for i, raw := range c.Relay.AllowedClouds {
			ep, err := endpoint.Parse(raw)
			if err != nil {
				return fmt.Errorf("relay.allowed_clouds[%d]: %w", i, err)
			}
			c.Relay.AllowedClouds[i] = ep.String()
		}
	}

	maxDown, err := ParseSize(c.ProbeServer.MaxDownloadSize)
	if err != nil {
		return fmt.Errorf("probe_server.max_download_size: %w", err)
	}
	maxUp, err := ParseSize(c.ProbeServer.MaxUploadSize)
	if err != nil {
		return fmt.Errorf("probe_server.max_upload_size: %w", err)
	}
	if maxDown <= 0 || maxUp <= 0 {
		return errors.New("probe_server.max_download_size and max_upload_size must be > 0")
	}
	c.ProbeServer.MaxDownloadBytes = maxDown
	c.ProbeServer.MaxUploadBytes = maxUp

	for i, broker := range c.Kafka.Brokers {
		c.Kafka.Brokers[i] = strings.TrimSpace(broker)
		if c.Kafka.Brokers[i] == "" {
			return fmt.Errorf("kafka.brokers[%d] must not be empty", i)
		}
	}
	if c.Kafka.IsEnabled() && strings.TrimSpace(c.Kafka.Topic) == "" {
		return errors.New("kafka.topic must not be empty")
	}

	c.Report.APIBase = strings.TrimRight(strings.TrimSpace(c.Report.APIBase), "/")
	if c.Report.APIBase != "" {
		if _, err := endpoint.Parse(c.Report.APIBase); err != nil {
			return fmt.Errorf("report.api_base: %w", err)
		}
	}
	if c.Report.Timeout.Duration() <= 0 {
		return errors.New("report.timeout must be > 0")
	}
	return nil
}

func (c *Config) validateMeasurement() error {
	m := &c.Measurement
	if m.PingCount <= 0 {
		return errors.New("measurement.ping_count must be > 0")
	}
	if m.PingTimeout.Duration() <= 0 {
		return errors.New("measurement.ping_timeout must be > 0")
	}
	if m.ThroughputTimeout.Duration() <= 0 {
		return errors.New("measurement.throughput_timeout must be > 0")
	}
	down, err := ParseSize(m.DownloadSize)
	if err != nil {
		return fmt.Errorf("measurement.download_size: %w", err)
	}
	if down <= 0 {
		return errors.New("measurement.download_size must be > 0")
	}
	up, err := ParseSize(m.UploadSize)
	if err != nil {
		return fmt.Errorf("measurement.upload_size: %w", err)
	}
	if up <= 0 {
		return errors.New("measurement.upload_size must be > 0")
	}
	m.DownloadBytes = down
	m.UploadBytes = up

	m.RelayBase = strings.TrimRight(strings.TrimSpace(m.RelayBase), "/")
	if m.RelayBase != "" {
		if _, err := endpoint.Parse(m.RelayBase); err != nil {
			return fmt.Errorf("measurement.relay_base: %w", err)
		}
	}
	return nil
}

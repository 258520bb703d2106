package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a file path and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses configuration from YAML bytes and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode YAML: %w", err)
	}
	cfg.Defaults()
	return &cfg, nil
}

// Save writes the configuration back to path. Used to persist the minted
// agent ID; file comments are not preserved.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors. A config that still carries
// the placeholder API key or public IP fails.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return fmt.Errorf("server.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.url must be http or https, got %q", c.Server.URL)
	}

	if c.Server.APIKey == "" {
		return fmt.Errorf("server.api_key is required")
	}
	if c.Server.APIKey == PlaceholderAPIKey {
		return fmt.Errorf("server.api_key still has the placeholder value %q", PlaceholderAPIKey)
	}

	if c.Network.PublicIP == "" {
		return fmt.Errorf("network.public_ip is required")
	}
	if c.Network.PublicIP == PlaceholderPublicIP {
		return fmt.Errorf("network.public_ip still has the placeholder value %q", PlaceholderPublicIP)
	}
	if net.ParseIP(c.Network.PublicIP) == nil {
		return fmt.Errorf("network.public_ip %q is not a valid IP address", c.Network.PublicIP)
	}

	ports := map[string]int{
		"network.ssh_port":      c.Network.SSHPort,
		"network.rental_port_1": c.Network.RentalPort1,
		"network.rental_port_2": c.Network.RentalPort2,
	}
	seen := make(map[int]string, len(ports))
	for name, p := range ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("%s must be in 1-65535, got %d", name, p)
		}
		if other, dup := seen[p]; dup {
			return fmt.Errorf("%s and %s both use port %d", name, other, p)
		}
		seen[p] = name
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("database.dbname is required")
	}

	intervals := map[string]Duration{
		"intervals.gpu_sample":     c.Intervals.GPUSample,
		"intervals.health_check":   c.Intervals.HealthCheck,
		"intervals.heartbeat":      c.Intervals.Heartbeat,
		"intervals.metrics_push":   c.Intervals.MetricsPush,
		"intervals.health_push":    c.Intervals.HealthPush,
		"intervals.duration_sweep": c.Intervals.DurationSweep,
		"intervals.command_poll":   c.Intervals.CommandPoll,
	}
	for name, d := range intervals {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d.Duration())
		}
	}

	return nil
}

// Defaults applies default values to the configuration.
func (c *Config) Defaults() {
	if c.Server.Timeout == 0 {
		c.Server.Timeout = Duration(30 * time.Second)
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Intervals.GPUSample == 0 {
		c.Intervals.GPUSample = Duration(30 * time.Second)
	}
	if c.Intervals.HealthCheck == 0 {
		c.Intervals.HealthCheck = Duration(60 * time.Second)
	}
	if c.Intervals.Heartbeat == 0 {
		c.Intervals.Heartbeat = Duration(30 * time.Second)
	}
	if c.Intervals.MetricsPush == 0 {
		c.Intervals.MetricsPush = Duration(60 * time.Second)
	}
	if c.Intervals.HealthPush == 0 {
		c.Intervals.HealthPush = Duration(300 * time.Second)
	}
	if c.Intervals.DurationSweep == 0 {
		c.Intervals.DurationSweep = Duration(60 * time.Second)
	}
	if c.Intervals.CommandPoll == 0 {
		c.Intervals.CommandPoll = Duration(10 * time.Second)
	}
}

// DSN builds the PostgreSQL connection string for the local store.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host, c.Database.Port, c.Database.User,
		c.Database.Password, c.Database.DBName, c.Database.SSLMode)
}

// UnmarshalYAML implements custom YAML unmarshaling for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements custom YAML marshaling for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	if d == 0 {
		return "", nil
	}
	return time.Duration(d).String(), nil
}

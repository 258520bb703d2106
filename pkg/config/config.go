// Package config loads and validates the agent configuration file.
package config

import "time"

// Placeholder values shipped in the example config. Validation rejects them
// so an unedited config cannot register a bogus host.
const (
	PlaceholderAPIKey   = "your-api-key-here"
	PlaceholderPublicIP = "123.45.67.89"
)

// Config is the root of the agent configuration.
type Config struct {
	Server        Server        `yaml:"server"`
	Agent         Agent         `yaml:"agent"`
	Network       Network       `yaml:"network"`
	Database      Database      `yaml:"database"`
	Intervals     Intervals     `yaml:"intervals"`
	Observability Observability `yaml:"observability"`
	PolicyPath    string        `yaml:"policy_path,omitempty"`
}

// Server configures the connection to the central server.
type Server struct {
	URL     string   `yaml:"url"`
	APIKey  string   `yaml:"api_key"`
	Timeout Duration `yaml:"timeout,omitempty"`
}

// Agent holds the agent's own identity. ID is minted on first run and
// written back to the config file.
type Agent struct {
	ID string `yaml:"id,omitempty"`
}

// Network describes how tenants reach this host.
type Network struct {
	PublicIP    string `yaml:"public_ip"`
	SSHPort     int    `yaml:"ssh_port"`
	RentalPort1 int    `yaml:"rental_port_1"`
	RentalPort2 int    `yaml:"rental_port_2"`
}

// Database configures the local PostgreSQL instance.
type Database struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode,omitempty"`
}

// Intervals sets the cadence of the periodic loops.
type Intervals struct {
	GPUSample     Duration `yaml:"gpu_sample,omitempty"`
	HealthCheck   Duration `yaml:"health_check,omitempty"`
	Heartbeat     Duration `yaml:"heartbeat,omitempty"`
	MetricsPush   Duration `yaml:"metrics_push,omitempty"`
	HealthPush    Duration `yaml:"health_push,omitempty"`
	DurationSweep Duration `yaml:"duration_sweep,omitempty"`
	CommandPoll   Duration `yaml:"command_poll,omitempty"`
}

// Observability configures the local metrics endpoint. An empty listen
// address disables it.
type Observability struct {
	Listen string `yaml:"listen,omitempty"`
}

// Duration wraps time.Duration for YAML marshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

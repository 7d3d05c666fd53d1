package config

import (
	"time"

	"github.com/benmeehan/iot-hub/internal/constants"
	"github.com/benmeehan/iot-hub/pkg/file"
)

// Config represents the structure of the configuration file.
type Config struct {
	MQTT struct {
		Broker        string `yaml:"broker"`         // MQTT broker address
		ClientID      string `yaml:"client_id"`      // MQTT client ID; a random suffix is appended at startup
		CACertificate string `yaml:"ca_certificate"` // Path to the CA certificate; empty disables TLS
		Username      string `yaml:"username"`       // Optional broker username
		Password      string `yaml:"password"`       // Optional broker password
		TopicPrefix   string `yaml:"topic_prefix"`   // Root of the per-device topic tree
		QOS           int    `yaml:"qos"`            // MQTT QoS level for device traffic
	} `yaml:"mqtt"`

	NATS struct {
		URL string `yaml:"url"` // NATS server URL; empty selects the in-process bus
	} `yaml:"nats"`

	Sessions struct {
		MailboxSize           int           `yaml:"mailbox_size"`            // Bounded mailbox capacity per session
		RegistrationAttempts  int           `yaml:"registration_attempts"`   // Total registry registration attempts
		RegistrationDelay     time.Duration `yaml:"registration_delay"`      // Fixed delay between registration attempts
		ReassignmentJitterMax time.Duration `yaml:"reassignment_jitter_max"` // Upper bound of the reaction jitter
		PenaltySlack          time.Duration `yaml:"penalty_slack"`           // Extra delay past penalty expiry before rechecking
		ScriptTimeout         time.Duration `yaml:"script_timeout"`          // How long to wait for a script result
		HealthInterval        time.Duration `yaml:"health_interval"`         // Interval between check_health pushes; 0 disables
	} `yaml:"sessions"`

	Storage struct {
		Endpoint  string `yaml:"endpoint"`   // Object storage endpoint
		AccessKey string `yaml:"access_key"` // Object storage access key
		SecretKey string `yaml:"secret_key"` // Object storage secret key
		Bucket    string `yaml:"bucket"`     // Bucket holding firmware and archive artifacts
		UseSSL    bool   `yaml:"use_ssl"`    // Use HTTPS for object storage
		BaseURL   string `yaml:"base_url"`   // Serve artifacts from a fixed URL instead of presigning
		SeedFile  string `yaml:"seed_file"`  // JSON fleet snapshot loaded at startup
	} `yaml:"storage"`

	Metrics struct {
		Retention     time.Duration `yaml:"retention"`      // Drop metric points older than this; 0 disables sweeping
		SweepInterval time.Duration `yaml:"sweep_interval"` // Interval between retention sweeps
		ListenAddr    string        `yaml:"listen_addr"`    // Prometheus scrape endpoint address
	} `yaml:"metrics"`

	Sentry struct {
		DSN         string `yaml:"dsn"`         // Sentry DSN; empty disables error tracking
		Environment string `yaml:"environment"` // Sentry environment tag
	} `yaml:"sentry"`
}

// LoadConfig loads the YAML configuration from the specified file.
// It returns a pointer to the Config struct and an error if loading fails.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	var config Config
	err := fileClient.ReadYamlFile(filename, &config)
	if err != nil {
		return nil, err
	}

	config.Normalize()
	return &config, nil
}

// Normalize fills unset fields with their defaults.
func (c *Config) Normalize() {
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "iot-hub"
	}
	if c.Sessions.MailboxSize <= 0 {
		c.Sessions.MailboxSize = constants.DefaultMailboxSize
	}
	if c.Sessions.RegistrationAttempts <= 0 {
		c.Sessions.RegistrationAttempts = constants.DefaultRegistrationMaxAttempts
	}
	if c.Sessions.RegistrationDelay <= 0 {
		c.Sessions.RegistrationDelay = constants.DefaultRegistrationRetryDelay
	}
	if c.Sessions.ReassignmentJitterMax <= 0 {
		c.Sessions.ReassignmentJitterMax = constants.DefaultReassignmentJitterMax
	}
	if c.Sessions.PenaltySlack <= 0 {
		c.Sessions.PenaltySlack = constants.DefaultPenaltySlack
	}
	if c.Sessions.ScriptTimeout <= 0 {
		c.Sessions.ScriptTimeout = constants.DefaultScriptTimeout
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Retention > 0 && c.Metrics.SweepInterval <= 0 {
		c.Metrics.SweepInterval = time.Hour
	}
}

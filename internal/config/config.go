// Package config loads and validates the controller configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	TachyonServer       string `yaml:"tachyonServer"`
	TachyonServerPort   int    `yaml:"tachyonServerPort"`
	UseSecureConnection *bool  `yaml:"useSecureConnection"`
	AuthClientID        string `yaml:"authClientId"`
	AuthClientSecret    string `yaml:"authClientSecret"`

	HostingIP    string `yaml:"hostingIP"`
	EngineBindIP string `yaml:"engineBindIP"`

	MaxReconnectDelaySeconds int `yaml:"maxReconnectDelaySeconds"`

	EngineSettings map[string]string `yaml:"engineSettings"`
	MaxBattles     int               `yaml:"maxBattles"`

	MaxUpdatesSubscriptionAgeSeconds int `yaml:"maxUpdatesSubscriptionAgeSeconds"`

	EngineStartPort         int `yaml:"engineStartPort"`
	EngineAutohostStartPort int `yaml:"engineAutohostStartPort"`
	MaxPortsUsed            int `yaml:"maxPortsUsed"`

	EngineInstallTimeoutSeconds      int    `yaml:"engineInstallTimeoutSeconds"`
	EngineDownloadMaxAttempts        int    `yaml:"engineDownloadMaxAttempts"`
	EngineDownloadRetryBackoffBaseMs int    `yaml:"engineDownloadRetryBackoffBaseMs"`
	EngineCdnBaseURL                 string `yaml:"engineCdnBaseUrl"`

	MaxGameDurationSeconds int `yaml:"maxGameDurationSeconds"`

	EnginesDir   string `yaml:"enginesDir"`
	InstancesDir string `yaml:"instancesDir"`
}

// The configuration file shape. Extra keys are rejected so typos fail fast
// at startup instead of silently running on defaults.
const configSchema = `{
	"type": "object",
	"required": ["tachyonServer", "authClientId", "authClientSecret", "hostingIP"],
	"additionalProperties": false,
	"properties": {
		"tachyonServer": {"type": "string", "minLength": 1},
		"tachyonServerPort": {"type": "integer", "minimum": 1, "maximum": 65535},
		"useSecureConnection": {"type": "boolean"},
		"authClientId": {"type": "string", "minLength": 1},
		"authClientSecret": {"type": "string", "minLength": 1},
		"hostingIP": {"type": "string", "minLength": 1},
		"engineBindIP": {"type": "string", "minLength": 1},
		"maxReconnectDelaySeconds": {"type": "integer", "minimum": 1},
		"engineSettings": {"type": "object", "additionalProperties": {"type": "string"}},
		"maxBattles": {"type": "integer", "minimum": 0},
		"maxUpdatesSubscriptionAgeSeconds": {"type": "integer", "minimum": 1},
		"engineStartPort": {"type": "integer", "minimum": 1, "maximum": 65535},
		"engineAutohostStartPort": {"type": "integer", "minimum": 1, "maximum": 65535},
		"maxPortsUsed": {"type": "integer", "minimum": 1},
		"engineInstallTimeoutSeconds": {"type": "integer", "minimum": 1},
		"engineDownloadMaxAttempts": {"type": "integer", "minimum": 1},
		"engineDownloadRetryBackoffBaseMs": {"type": "integer", "minimum": 1},
		"engineCdnBaseUrl": {"type": "string", "minLength": 1},
		"maxGameDurationSeconds": {"type": "integer", "minimum": 1},
		"enginesDir": {"type": "string", "minLength": 1},
		"instancesDir": {"type": "string", "minLength": 1}
	}
}`

var compiledConfigSchema = jsonschema.MustCompileString("config.schema.json", configSchema)

// Load reads configuration from a YAML file, validates it, and applies
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Validate the raw document first so unknown keys and wrong types get
	// schema-quality messages.
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := compiledConfigSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Defaults
	if cfg.EngineBindIP == "" {
		cfg.EngineBindIP = "0.0.0.0"
	}
	if cfg.MaxReconnectDelaySeconds == 0 {
		cfg.MaxReconnectDelaySeconds = 30
	}
	if cfg.EngineSettings == nil {
		cfg.EngineSettings = map[string]string{}
	}
	if cfg.MaxBattles == 0 {
		cfg.MaxBattles = 50
	}
	if cfg.MaxUpdatesSubscriptionAgeSeconds == 0 {
		cfg.MaxUpdatesSubscriptionAgeSeconds = 600
	}
	if cfg.EngineStartPort == 0 {
		cfg.EngineStartPort = 20000
	}
	if cfg.EngineAutohostStartPort == 0 {
		cfg.EngineAutohostStartPort = 22000
	}
	if cfg.MaxPortsUsed == 0 {
		cfg.MaxPortsUsed = 1000
	}
	if cfg.EngineInstallTimeoutSeconds == 0 {
		cfg.EngineInstallTimeoutSeconds = 600
	}
	if cfg.EngineDownloadMaxAttempts == 0 {
		cfg.EngineDownloadMaxAttempts = 3
	}
	if cfg.EngineDownloadRetryBackoffBaseMs == 0 {
		cfg.EngineDownloadRetryBackoffBaseMs = 1000
	}
	if cfg.EngineCdnBaseURL == "" {
		cfg.EngineCdnBaseURL = "https://files-cdn.beyondallreason.dev"
	}
	if cfg.MaxGameDurationSeconds == 0 {
		cfg.MaxGameDurationSeconds = 8 * 60 * 60
	}
	if cfg.EnginesDir == "" {
		cfg.EnginesDir = "engines"
	}
	if cfg.InstancesDir == "" {
		cfg.InstancesDir = "instances"
	}

	// The engine battle ports and the autohost ports must not collide.
	if rangesOverlap(cfg.EngineStartPort, cfg.EngineAutohostStartPort, cfg.MaxPortsUsed) {
		return nil, fmt.Errorf("invalid config: engine port range %d-%d overlaps autohost range %d-%d",
			cfg.EngineStartPort, cfg.EngineStartPort+cfg.MaxPortsUsed-1,
			cfg.EngineAutohostStartPort, cfg.EngineAutohostStartPort+cfg.MaxPortsUsed-1)
	}

	return &cfg, nil
}

// Secure reports whether the lobby connection uses TLS: configured value if
// set, otherwise on for everything but localhost.
func (c *Config) Secure() bool {
	if c.UseSecureConnection != nil {
		return *c.UseSecureConnection
	}
	return c.TachyonServer != "localhost"
}

// MaxUpdatesSubscriptionAge returns the events buffer retention.
func (c *Config) MaxUpdatesSubscriptionAge() time.Duration {
	return time.Duration(c.MaxUpdatesSubscriptionAgeSeconds) * time.Second
}

// MaxGameDuration returns the per-battle lifetime cap.
func (c *Config) MaxGameDuration() time.Duration {
	return time.Duration(c.MaxGameDurationSeconds) * time.Second
}

// MaxReconnectDelay returns the reconnect backoff cap.
func (c *Config) MaxReconnectDelay() time.Duration {
	return time.Duration(c.MaxReconnectDelaySeconds) * time.Second
}

// EngineInstallTimeout returns the per-install deadline.
func (c *Config) EngineInstallTimeout() time.Duration {
	return time.Duration(c.EngineInstallTimeoutSeconds) * time.Second
}

// EngineDownloadRetryBackoffBase returns the first retry delay.
func (c *Config) EngineDownloadRetryBackoffBase() time.Duration {
	return time.Duration(c.EngineDownloadRetryBackoffBaseMs) * time.Millisecond
}

func rangesOverlap(a, b, width int) bool {
	return a < b+width && b < a+width
}

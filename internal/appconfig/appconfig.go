package appconfig

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"gopkg.in/yaml.v2"
)

// Config holds all configuration details
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Session  SessionConfig  `yaml:"session"`
	Pulsar   PulsarConfig   `yaml:"pulsar"`
	AWS      AWSConfig      `yaml:"aws"`
	API      APIConfig      `yaml:"api"`
	WakeLock WakeLockConfig `yaml:"wakeLock"`
}

// StoreConfig defines where the realtime store credentials come from
type StoreConfig struct {
	URL               string `yaml:"url"`
	CredentialsSecret string `yaml:"credentialsSecret"`
}

// SessionConfig defines where the local session file lives
type SessionConfig struct {
	Path string `yaml:"path"`
}

// PulsarConfig defines the messaging system connection details
type PulsarConfig struct {
	URL           string `yaml:"url"`
	TopicProducer string `yaml:"topicProducer"`
	TopicConsumer string `yaml:"topicConsumer"`
	Subscription  string `yaml:"subscription"`
}

type AWSConfig struct {
	Region string `yaml:"region"`
}

// APIConfig defines the loopback control API listener
type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (a APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// WakeLockConfig selects the wake lock implementation: "inhibit" or "none"
type WakeLockConfig struct {
	Mode string `yaml:"mode"`
}

// LoadConfig loads and parses the configuration from a given file path.
// The file is rendered as a template over the environment first, so
// values can be written as {{ .LOCKEDIN_STORE_URL }}. A missing file
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config file path is required")
	}

	config := Default()

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse the template file
	tmpl, err := template.New(filepath.Base(path)).Option("missingkey=zero").Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("error parsing config file template: %w", err)
	}

	// Execute the template with environment variables
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, loadEnvVars()); err != nil {
		return nil, fmt.Errorf("error executing config file template: %w", err)
	}

	// Load and unmarshal the YAML
	if err := yaml.UnmarshalStrict(buf.Bytes(), config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	config.applyDefaults()

	return config, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Session.Path == "" {
		c.Session.Path = DefaultSessionPath()
	}
	if c.API.Host == "" {
		c.API.Host = "127.0.0.1"
	}
	if c.API.Port == 0 {
		c.API.Port = 7420
	}
	if c.WakeLock.Mode == "" {
		c.WakeLock.Mode = "inhibit"
	}
	if c.Pulsar.Subscription == "" {
		c.Pulsar.Subscription = "lockedin-status"
	}
}

// DefaultSessionPath is the session file under the user config directory.
func DefaultSessionPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "lockedin", "session.json")
}

// loadEnvVars loads environment variables into a map
func loadEnvVars() map[string]string {
	envVars := make(map[string]string)
	for _, env := range os.Environ() {
		kv := strings.SplitN(env, "=", 2)
		if len(kv) == 2 {
			envVars[kv[0]] = kv[1]
		}
	}
	return envVars
}

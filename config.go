package astercord

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the bridge configuration, loaded from a YAML file of the
// form:
//
//	general:
//	  token: "..."
//	  verbose: true
type Config struct {
	General GeneralConfig `yaml:"general"`
}

// GeneralConfig holds the settings every deployment needs.
type GeneralConfig struct {
	// Token authenticates the bot account.
	Token string `yaml:"token"`

	// Verbose enables debug-level logging.
	Verbose bool `yaml:"verbose"`
}

// LoadConfig reads and validates a configuration file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg, err := ParseConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig parses and validates configuration bytes.
func ParseConfig(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that required settings are present.
func (c *Config) Validate() error {
	if c.General.Token == "" {
		return ErrMissingToken
	}
	return nil
}

// ApplyLogging configures the process logger per the config.
func (c *Config) ApplyLogging() {
	if c.General.Verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}

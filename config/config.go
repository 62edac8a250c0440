package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Bull     BullConfig     `yaml:"bull"`
	Push     PushConfig     `yaml:"push"`
	HTTP     HTTPConfig     `yaml:"http"`
	Pushover PushoverConfig `yaml:"pushover"`
	Log      LogConfig      `yaml:"log"`
}

type BullConfig struct {
	Username        string         `yaml:"username"`
	Password        string         `yaml:"password"`
	Families        []int          `yaml:"families"`
	Flavor          string         `yaml:"flavor"`
	BaseURL         string         `yaml:"base_url"`
	CredentialsFile string         `yaml:"credentials_file"`
	Products        ProductsConfig `yaml:"products"`
}

// ProductsConfig lists product ids added to the built-in catalog.
type ProductsConfig struct {
	Switch  []int `yaml:"switch"`
	Cover   []int `yaml:"cover"`
	Charger []int `yaml:"charger"`
}

type PushConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Broker  string `yaml:"broker"`
}

// IsEnabled defaults to true when the key is absent.
func (p PushConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

type HTTPConfig struct {
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"`
}

type PushoverConfig struct {
	Token   string `yaml:"token"`
	UserKey string `yaml:"user_key"`
	Enabled bool   `yaml:"enabled"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Bull.Flavor == "" {
		c.Bull.Flavor = "bull"
	}
	if c.Bull.BaseURL == "" {
		c.Bull.BaseURL = "https://api.iotbull.com"
	}
	if c.Bull.CredentialsFile == "" {
		c.Bull.CredentialsFile = "bull-credentials.yaml"
	}
	if c.Bull.Families == nil {
		c.Bull.Families = []int{}
	}
	if c.Push.Broker == "" {
		c.Push.Broker = "tcp://106.15.66.132:1883"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) validate() error {
	switch c.Bull.Flavor {
	case "bull", "mos":
	default:
		return fmt.Errorf("invalid bull.flavor %q: want bull or mos", c.Bull.Flavor)
	}
	return nil
}

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	FileName           = "expertdesk.yml"
	MinClaimAttempts   = 1
	MaxClaimAttempts   = 20
	WaitingOldestFirst = "oldest_first"
	WaitingNewestFirst = "newest_first"
)

// Config models expertdesk.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver"`
		DSN    string `yaml:"dsn"`
	} `yaml:"database"`
	Auth struct {
		JWTSecretEnv   string `yaml:"jwt_secret_env"`
		APIKeyCacheTTL string `yaml:"api_key_cache_ttl"`
	} `yaml:"auth"`
	Assignment struct {
		ClaimAttempts int `yaml:"claim_attempts"`
	} `yaml:"assignment"`
	Queue struct {
		WaitingOrder string `yaml:"waiting_order"`
	} `yaml:"queue"`
	Broker struct {
		URL          string `yaml:"url"`
		Exchange     string `yaml:"exchange"`
		PollInterval string `yaml:"poll_interval"`
	} `yaml:"broker"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with expertdesk config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch c.Database.Driver {
	case "sqlite":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("config.database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Auth.JWTSecretEnv == "" {
		return fmt.Errorf("config.auth.jwt_secret_env is required")
	}
	if _, err := parseDuration("auth.api_key_cache_ttl", c.Auth.APIKeyCacheTTL); err != nil {
		return err
	}
	if c.Assignment.ClaimAttempts < MinClaimAttempts || c.Assignment.ClaimAttempts > MaxClaimAttempts {
		return fmt.Errorf("config.assignment.claim_attempts must be between %d and %d", MinClaimAttempts, MaxClaimAttempts)
	}
	switch c.Queue.WaitingOrder {
	case WaitingOldestFirst, WaitingNewestFirst:
	default:
		return fmt.Errorf("config.queue.waiting_order must be %s or %s", WaitingOldestFirst, WaitingNewestFirst)
	}
	if c.Broker.URL != "" && c.Broker.Exchange == "" {
		return fmt.Errorf("config.broker.exchange is required when broker.url is set")
	}
	if _, err := parseDuration("broker.poll_interval", c.Broker.PollInterval); err != nil {
		return err
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	return nil
}

func parseDuration(key, v string) (time.Duration, error) {
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config.%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config.%s must be positive", key)
	}
	return d, nil
}

// APIKeyCacheTTL is only meaningful on a validated config.
func (c *Config) APIKeyCacheTTL() time.Duration {
	d, _ := parseDuration("auth.api_key_cache_ttl", c.Auth.APIKeyCacheTTL)
	return d
}

func (c *Config) BrokerPollInterval() time.Duration {
	d, _ := parseDuration("broker.poll_interval", c.Broker.PollInterval)
	return d
}

func (c *Config) WaitingNewestFirst() bool {
	return c.Queue.WaitingOrder == WaitingNewestFirst
}

// JWTSecret reads the signing secret from the configured environment variable.
func (c *Config) JWTSecret() string {
	return strings.TrimSpace(os.Getenv(c.Auth.JWTSecretEnv))
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses config over the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// YAML renders the config back to YAML.
func (c *Config) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1

database:
  driver: sqlite
  dsn: ""

auth:
  jwt_secret_env: EXPERTDESK_JWT_SECRET
  # a running server keeps accepting a revoked key for up to this long
  api_key_cache_ttl: 1m

assignment:
  claim_attempts: 5

queue:
  waiting_order: oldest_first

broker:
  url: ""
  exchange: expertdesk.events
  poll_interval: 2s

log:
  level: info
  format: json
`

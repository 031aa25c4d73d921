package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models ralph.yml.
type Config struct {
	Server struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Backend  string `yaml:"backend"`
	Backends struct {
		ES struct {
			Addresses    []string `yaml:"addresses"`
			Index        string   `yaml:"index"`
			Username     string   `yaml:"username"`
			Password     string   `yaml:"password"`
			APIKey       string   `yaml:"api_key"`
			PITKeepAlive string   `yaml:"pit_keep_alive"`
			Refresh      bool     `yaml:"refresh"`
		} `yaml:"es"`
		SQLite struct {
			Path  string `yaml:"path"`
			Table string `yaml:"table"`
		} `yaml:"sqlite"`
		Cozy struct {
			DefaultDoctype string        `yaml:"default_doctype"`
			Timeout        time.Duration `yaml:"timeout"`
			RetryMax       int           `yaml:"retry_max"`
		} `yaml:"cozy"`
		FS struct {
			Directory   string `yaml:"directory"`
			DefaultFile string `yaml:"default_file"`
		} `yaml:"fs"`
	} `yaml:"backends"`
	Auth struct {
		JWTSecret       string        `yaml:"jwt_secret"`
		CredentialsFile string        `yaml:"credentials_file"`
		CacheSize       int           `yaml:"cache_size"`
		CacheTTL        time.Duration `yaml:"cache_ttl"`
	} `yaml:"auth"`
	Forwarding []ForwardTarget `yaml:"forwarding"`
	Limits     struct {
		MaxStatements int `yaml:"max_statements"` // page size ceiling
		ChunkSize     int `yaml:"chunk_size"`     // write batch chunking
	} `yaml:"limits"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// ForwardTarget is one downstream LRS that accepted statements are re-posted to.
type ForwardTarget struct {
	URL       string        `yaml:"url"`
	Username  string        `yaml:"username"`
	Password  string        `yaml:"password"`
	MaxRetries int          `yaml:"max_retries"`
	Timeout   time.Duration `yaml:"timeout"`
}

const knownBackends = "es, sqlite, cozy, fs"

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Backend {
	case "es", "sqlite", "cozy", "fs":
	case "":
		return fmt.Errorf("config.backend is required (one of: %s)", knownBackends)
	default:
		return fmt.Errorf("config.backend %q unknown (one of: %s)", c.Backend, knownBackends)
	}
	if c.Backend == "es" && len(c.Backends.ES.Addresses) == 0 {
		return fmt.Errorf("config.backends.es.addresses is required for the es backend")
	}
	if c.Backend == "sqlite" && c.Backends.SQLite.Path == "" {
		return fmt.Errorf("config.backends.sqlite.path is required for the sqlite backend")
	}
	if c.Backend == "fs" && c.Backends.FS.Directory == "" {
		return fmt.Errorf("config.backends.fs.directory is required for the fs backend")
	}
	for i, fwd := range c.Forwarding {
		if fwd.URL == "" {
			return fmt.Errorf("config.forwarding[%d].url is required", i)
		}
	}
	if c.Limits.MaxStatements < 0 {
		return fmt.Errorf("config.limits.max_statements must be >= 0")
	}
	return nil
}

// Defaults fills zero values with working settings.
func (c *Config) Defaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8100
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/xAPI"
	}
	if c.Backends.ES.Index == "" {
		c.Backends.ES.Index = "statements"
	}
	if c.Backends.ES.PITKeepAlive == "" {
		c.Backends.ES.PITKeepAlive = "1m"
	}
	if c.Backends.SQLite.Table == "" {
		c.Backends.SQLite.Table = "statements"
	}
	if c.Backends.Cozy.DefaultDoctype == "" {
		c.Backends.Cozy.DefaultDoctype = "io.cozy.learningrecords"
	}
	if c.Backends.FS.DefaultFile == "" {
		c.Backends.FS.DefaultFile = "statements.jsonl"
	}
	if c.Auth.CacheSize == 0 {
		c.Auth.CacheSize = 100
	}
	if c.Auth.CacheTTL == 0 {
		c.Auth.CacheTTL = time.Hour
	}
	if c.Limits.MaxStatements == 0 {
		c.Limits.MaxStatements = 300
	}
	if c.Limits.ChunkSize == 0 {
		c.Limits.ChunkSize = 500
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "ralph.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	cfg, err := FromFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with ralph config init", path)
		}
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

// FromYAML parses, defaults and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a working config for the given backend.
func Default(backend string) *Config {
	var cfg Config
	cfg.Backend = backend
	cfg.Backends.SQLite.Path = ".ralph/ralph.db"
	cfg.Backends.FS.Directory = ".ralph/archives"
	cfg.Defaults()
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(backend string) string {
	return fmt.Sprintf(defaultTemplate, backend)
}

const defaultTemplate = `server:
  host: 0.0.0.0
  port: 8100
  base_path: /xAPI

backend: %s

backends:
  es:
    addresses: [http://localhost:9200]
    index: statements
    pit_keep_alive: 1m
  sqlite:
    path: .ralph/ralph.db
    table: statements
  cozy:
    default_doctype: io.cozy.learningrecords
    timeout: 10s
    retry_max: 3
  fs:
    directory: .ralph/archives
    default_file: statements.jsonl

auth:
  jwt_secret: ""
  credentials_file: .ralph/auth.json
  cache_size: 100
  cache_ttl: 1h

limits:
  max_statements: 300
  chunk_size: 500

logging:
  level: info
`

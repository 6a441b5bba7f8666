// Package config loads the daemon configuration from a YAML file,
// applies environment overrides, and validates the result against an
// embedded JSON schema.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

type RemoteConfig struct {
	BaseURL    string `yaml:"base_url" json:"base_url"`
	FolderName string `yaml:"folder_name" json:"folder_name"`
	// TokenEnv names the environment variable holding the remote API
	// token. The token itself never lives in the config file.
	TokenEnv string `yaml:"token_env" json:"token_env"`
}

type SyncConfig struct {
	SpoolDir          string `yaml:"spool_dir" json:"spool_dir"`
	IntervalSecs      int    `yaml:"interval_secs" json:"interval_secs"`
	WatcherDebounceMs int    `yaml:"watcher_debounce_ms" json:"watcher_debounce_ms"`
}

type CleanupConfig struct {
	MaxAgeDays int `yaml:"max_age_days" json:"max_age_days"`
}

type StateConfig struct {
	// DSN selects the state backend: a bare path or file:// URL for the
	// JSON snapshot file, memory:// for tests, postgres:// for shared
	// deployments.
	DSN string `yaml:"dsn" json:"dsn"`
}

type ServerConfig struct {
	ListenAddr   string `yaml:"listen_addr" json:"listen_addr"`
	AuthTokenEnv string `yaml:"auth_token_env" json:"auth_token_env"`
}

type Config struct {
	Remote  RemoteConfig  `yaml:"remote" json:"remote"`
	Sync    SyncConfig    `yaml:"sync" json:"sync"`
	Cleanup CleanupConfig `yaml:"cleanup" json:"cleanup"`
	State   StateConfig   `yaml:"state" json:"state"`
	Server  ServerConfig  `yaml:"server" json:"server"`
}

func DefaultConfig() Config {
	return Config{
		Remote: RemoteConfig{
			BaseURL:    "https://cloud.inkrelay.dev",
			FolderName: "Newsletters",
			TokenEnv:   "INKRELAY_REMOTE_TOKEN",
		},
		Sync: SyncConfig{
			SpoolDir:          "spool",
			WatcherDebounceMs: 500,
		},
		Cleanup: CleanupConfig{
			MaxAgeDays: 30,
		},
		State: StateConfig{
			DSN: "inkrelay-state.json",
		},
		Server: ServerConfig{
			AuthTokenEnv: "INKRELAY_API_TOKEN",
		},
	}
}

// Load reads the YAML file at path on top of the defaults, applies
// environment overrides, and validates. An empty path skips the file
// and uses defaults plus environment only.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv("INKRELAY_REMOTE_BASE_URL")); v != "" {
		cfg.Remote.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("INKRELAY_FOLDER_NAME")); v != "" {
		cfg.Remote.FolderName = v
	}
	if v := strings.TrimSpace(os.Getenv("INKRELAY_SPOOL_DIR")); v != "" {
		cfg.Sync.SpoolDir = v
	}
	if v := strings.TrimSpace(os.Getenv("INKRELAY_STATE_DSN")); v != "" {
		cfg.State.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("INKRELAY_LISTEN_ADDR")); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("INKRELAY_MAX_AGE_DAYS")); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse INKRELAY_MAX_AGE_DAYS: %w", err)
		}
		cfg.Cleanup.MaxAgeDays = days
	}
	return nil
}

const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["remote", "cleanup"],
  "properties": {
    "remote": {
      "type": "object",
      "required": ["base_url", "folder_name"],
      "properties": {
        "base_url": {"type": "string", "minLength": 1},
        "folder_name": {"type": "string", "minLength": 1},
        "token_env": {"type": "string"}
      }
    },
    "sync": {
      "type": "object",
      "properties": {
        "spool_dir": {"type": "string"},
        "interval_secs": {"type": "integer", "minimum": 0},
        "watcher_debounce_ms": {"type": "integer", "minimum": 0}
      }
    },
    "cleanup": {
      "type": "object",
      "required": ["max_age_days"],
      "properties": {
        "max_age_days": {"type": "integer", "minimum": 0}
      }
    },
    "state": {
      "type": "object",
      "properties": {
        "dsn": {"type": "string"}
      }
    },
    "server": {
      "type": "object",
      "properties": {
        "listen_addr": {"type": "string"},
        "auth_token_env": {"type": "string"}
      }
    }
  }
}`

// Validate checks the effective configuration against the embedded
// schema. The config is marshaled to JSON first so the schema sees the
// same field names operators write in YAML.
func Validate(cfg Config) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
	if err != nil {
		return fmt.Errorf("parse config schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("inkrelay-config.schema.json", doc); err != nil {
		return fmt.Errorf("load config schema: %w", err)
	}
	schema, err := compiler.Compile("inkrelay-config.schema.json")
	if err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

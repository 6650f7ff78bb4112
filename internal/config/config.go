package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port                  int
	DBPath                string
	KGURL                 string
	CodexEnabled          bool
	CodexPath             string
	CodexSandbox          string
	CodexApprovalPolicy   string
	CodexBaseInstructions string

	QueuePollInterval time.Duration
	RetentionAge      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Port:                  3790,
		DBPath:                defaultDBPath(),
		KGURL:                 "http://127.0.0.1:3789",
		CodexEnabled:          true,
		CodexPath:             "codex",
		CodexSandbox:          "workspace-read",
		CodexApprovalPolicy:   "never",
		CodexBaseInstructions: "",
		QueuePollInterval:     5 * time.Second,
		RetentionAge:          30 * 24 * time.Hour,
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "store.sqlite"
	}
	return filepath.Join(home, ".local-data", "store.sqlite")
}

// ApplyEnv overrides cfg's fields from the recognised environment
// variables, reading each one directly with os.Getenv rather than a
// struct-tag-driven env library.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Port = p
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("KG_URL"); v != "" {
		c.KGURL = v
	}
	if v := os.Getenv("CODEX_MCP_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CODEX_MCP_ENABLED %q: %w", v, err)
		}
		c.CodexEnabled = enabled
	}
	if v := os.Getenv("CODEX_PATH"); v != "" {
		c.CodexPath = v
	}
	if v := os.Getenv("CODEX_SANDBOX"); v != "" {
		c.CodexSandbox = v
	}
	if v := os.Getenv("CODEX_APPROVAL_POLICY"); v != "" {
		c.CodexApprovalPolicy = v
	}
	if v := os.Getenv("CODEX_BASE_INSTRUCTIONS"); v != "" {
		c.CodexBaseInstructions = v
	}
	return nil
}

// yamlOverrides mirrors only the fields that are unwieldy as environment
// variables: persona base-instruction overrides and codex defaults.
type yamlOverrides struct {
	CodexSandbox          string `yaml:"codex_sandbox"`
	CodexApprovalPolicy   string `yaml:"codex_approval_policy"`
	CodexBaseInstructions string `yaml:"codex_base_instructions"`
}

// LoadYAMLFile applies overrides from an optional bridged.yaml file. It is
// not an error for the file to be absent; env vars applied after this call
// still take precedence.
func (c *Config) LoadYAMLFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	var o yamlOverrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if o.CodexSandbox != "" {
		c.CodexSandbox = o.CodexSandbox
	}
	if o.CodexApprovalPolicy != "" {
		c.CodexApprovalPolicy = o.CodexApprovalPolicy
	}
	if o.CodexBaseInstructions != "" {
		c.CodexBaseInstructions = o.CodexBaseInstructions
	}
	return nil
}

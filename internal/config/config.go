// Package config loads the server configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`
	// MaxWorkers caps concurrent runs.
	MaxWorkers int `yaml:"max_workers"`
	// DBPath is the run log database file. Defaults to ~/.vibekit/vibekit.db.
	DBPath string `yaml:"db_path"`
	// WorkspaceDir is where per-run clones are created.
	WorkspaceDir string `yaml:"workspace_dir"`

	Agent  AgentConfig  `yaml:"agent"`
	Github GithubConfig `yaml:"github"`
}

type AgentConfig struct {
	// Command is the agent CLI binary.
	Command string `yaml:"command"`
	Model   string `yaml:"model"`
	// MaxTurns limits agentic turns per run. Zero means no limit.
	MaxTurns int `yaml:"max_turns"`
	// GitName and GitEmail identify commits made on run branches.
	GitName  string `yaml:"git_name"`
	GitEmail string `yaml:"git_email"`
}

type GithubConfig struct {
	// BaseURL overrides the GitHub API endpoint (GitHub Enterprise, mocks).
	BaseURL string `yaml:"base_url"`
	// Token is a personal access token used for API calls made by the
	// server itself. Per-run tokens arrive with each run request. The
	// GITHUB_TOKEN environment variable takes precedence.
	Token string `yaml:"token"`

	// GitHub App authentication (alternative to Token).
	AppClientID       string `yaml:"app_client_id"`
	AppInstallationID int64  `yaml:"app_installation_id"`
	AppPrivateKeyPath string `yaml:"app_private_key_path"`
}

// HasApp returns true if GitHub App credentials are configured.
func (g GithubConfig) HasApp() bool {
	return g.AppClientID != "" && g.AppInstallationID != 0 && g.AppPrivateKeyPath != ""
}

// DefaultPath returns the default config file location (~/.vibekit/config.yaml).
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".vibekit", "config.yaml")
}

// Load reads and parses a config file at the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

// Resolve loads the explicit path if given, otherwise the default location.
// A missing default file yields a default configuration rather than an error.
func Resolve(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}

	path := DefaultPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := &Config{}
		cfg.applyDefaults()
		cfg.applyEnv()
		return cfg, nil
	}
	return Load(path)
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:7791"
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 4
	}
	if c.WorkspaceDir == "" {
		home, _ := os.UserHomeDir()
		c.WorkspaceDir = filepath.Join(home, ".vibekit", "workspaces")
	}
	if c.Agent.Command == "" {
		c.Agent.Command = "claude"
	}
	if c.Agent.GitName == "" {
		c.Agent.GitName = "VibeKit"
	}
	if c.Agent.GitEmail == "" {
		c.Agent.GitEmail = "vibekit@localhost"
	}
}

// applyEnv applies environment variable overrides. GITHUB_TOKEN wins over the
// file so a token never has to be written to disk.
func (c *Config) applyEnv() {
	if tok := os.Getenv("GITHUB_TOKEN"); tok != "" {
		c.Github.Token = tok
	}
	if addr := os.Getenv("VIBEKIT_ADDR"); addr != "" {
		c.Addr = addr
	}
}

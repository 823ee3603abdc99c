package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Sandbox configures the per-user container sandbox.
type Sandbox struct {
	Enabled     bool    `yaml:"enabled"`
	Image       string  `yaml:"image"`
	Memory      string  `yaml:"memory"` // go-units syntax, e.g. "2g"
	CPUs        float64 `yaml:"cpus"`
	NetworkMode string  `yaml:"network_mode"`
	NamePrefix  string  `yaml:"name_prefix"`
}

// Agent configures the defaults passed to new agent handles.
type Agent struct {
	Provider      string `yaml:"provider"`
	Model         string `yaml:"model"`
	ThinkingLevel string `yaml:"thinking_level"`
	BraveAPIKey   string `yaml:"brave_api_key"`
}

type Config struct {
	Listen    string  `yaml:"listen"`
	DataRoot  string  `yaml:"data_root"`
	SkillsDir string  `yaml:"skills_dir"`
	Sandbox   Sandbox `yaml:"sandbox"`
	Agent     Agent   `yaml:"agent"`
}

// DBPath is the sqlite database location under the data root.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataRoot, "pi.db")
}

// WorkspacesRoot is the directory that holds every session workspace.
func (c *Config) WorkspacesRoot() string {
	return filepath.Join(c.DataRoot, "workspaces")
}

func Load(yamlPath string) (*Config, error) {
	cfg := &Config{
		Listen:   "127.0.0.1:8080",
		DataRoot: "./data",
		Sandbox: Sandbox{
			Enabled:     false,
			Image:       "pi-sandbox:latest",
			Memory:      "2g",
			CPUs:        2,
			NetworkMode: "bridge",
			NamePrefix:  "pi-sandbox",
		},
		Agent: Agent{
			ThinkingLevel: "medium",
		},
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	abs, err := filepath.Abs(cfg.DataRoot)
	if err != nil {
		return nil, err
	}
	cfg.DataRoot = abs

	if cfg.SkillsDir == "" {
		cfg.SkillsDir = filepath.Join(cfg.DataRoot, "skills")
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PI_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("DATA_ROOT"); v != "" {
		cfg.DataRoot = v
	}
	if v := os.Getenv("SANDBOX_ENABLED"); v != "" {
		cfg.Sandbox.Enabled = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("SANDBOX_IMAGE"); v != "" {
		cfg.Sandbox.Image = v
	}
	if v := os.Getenv("SANDBOX_MEMORY"); v != "" {
		cfg.Sandbox.Memory = v
	}
	if v := os.Getenv("SANDBOX_CPUS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Sandbox.CPUs = f
		}
	}
	if v := os.Getenv("SANDBOX_NETWORK"); v != "" {
		cfg.Sandbox.NetworkMode = v
	}
	if v := os.Getenv("PI_SKILLS_DIR"); v != "" {
		cfg.SkillsDir = v
	}
	if v := os.Getenv("PI_PROVIDER"); v != "" {
		cfg.Agent.Provider = v
	}
	if v := os.Getenv("PI_MODEL"); v != "" {
		cfg.Agent.Model = v
	}
	if v := os.Getenv("DEFAULT_THINKING_LEVEL"); v != "" {
		cfg.Agent.ThinkingLevel = v
	}
	if v := os.Getenv("BRAVE_API_KEY"); v != "" {
		cfg.Agent.BraveAPIKey = v
	}
}

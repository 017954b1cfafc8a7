package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/parley/errors"
	"gopkg.in/yaml.v3"
)

// Dir is the name of the per-user and per-project configuration directory.
const Dir = ".parley"

const (
	DefaultMaxSteps      = 20
	DefaultMaxTokens     = 4096
	DefaultPromptTimeout = 30 * time.Second
	DefaultIdleTimeout   = 10 * time.Minute
)

// Unknown approval response policies.
const (
	UnknownResponseIgnore = "ignore"
	UnknownResponseError  = "error"
)

type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

type MCPServer struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type Toolset struct {
	Name  string   `yaml:"name"`
	Tools []string `yaml:"tools"`
}

// Remote configures the session-based provider.
type Remote struct {
	URL           string        `yaml:"url"`
	Agent         string        `yaml:"agent"`
	PromptTimeout time.Duration `yaml:"prompt_timeout"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
}

// Approval configures which tool calls need a human decision in prompt mode.
type Approval struct {
	// Tools holds glob patterns matched against tool names.
	Tools []string `yaml:"tools"`
	// UnknownResponse is "ignore" or "error".
	UnknownResponse string `yaml:"unknown_response"`
}

type Config struct {
	LLMClient            string           `yaml:"llm"`
	Model                string           `yaml:"model"`
	SystemPrompt         string           `yaml:"system_prompt"`
	MaxTokens            int64            `yaml:"max_tokens"`
	MaxSteps             int              `yaml:"max_steps"`
	Remote               Remote           `yaml:"remote"`
	Approval             Approval         `yaml:"approval"`
	Toolsets             []Toolset        `yaml:"toolsets"`
	AdditionalMCPServers []MCPServer      `yaml:"additional_mcp_servers"`
	AllowedCommands      []string         `yaml:"allowed_commands"`
	FilesystemAccess     FilesystemAccess `yaml:"filesystem_access"`
	LogLevel             string           `yaml:"log_level"`
}

// LoadConfig loads configuration from the user's home directory and the current
// working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	// The project directory is never visible to tools.
	cfg.FilesystemAccess.Hidden = append(cfg.FilesystemAccess.Hidden, Dir, Dir+"/**")

	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, Dir, "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, Dir, "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads a single configuration file, for tests and --config.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, errors.Wrapf(err, "error loading config %s", path)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Fields present in the file replace earlier values; lists are not merged.
	return yaml.Unmarshal(data, cfg)
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.LLMClient == "" {
		c.LLMClient = "mock"
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Remote.PromptTimeout <= 0 {
		c.Remote.PromptTimeout = DefaultPromptTimeout
	}
	if c.Remote.IdleTimeout <= 0 {
		c.Remote.IdleTimeout = DefaultIdleTimeout
	}
	if c.Approval.UnknownResponse == "" {
		c.Approval.UnknownResponse = UnknownResponseIgnore
	}
	if c.Approval.Tools == nil {
		c.Approval.Tools = []string{"write_file", "execute_command", "*__*"}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) Validate() error {
	switch c.LLMClient {
	case "anthropic", "openai", "gemini", "bedrock", "remote", "mock":
	default:
		return errors.New("unknown llm client %q", c.LLMClient)
	}
	if c.LLMClient == "remote" && c.Remote.URL == "" {
		return errors.New("llm client 'remote' requires remote.url")
	}
	switch c.Approval.UnknownResponse {
	case UnknownResponseIgnore, UnknownResponseError:
	default:
		return errors.New("approval.unknown_response must be %q or %q, got %q",
			UnknownResponseIgnore, UnknownResponseError, c.Approval.UnknownResponse)
	}
	for _, p := range c.Approval.Tools {
		if !doublestar.ValidatePattern(p) {
			return errors.New("invalid approval tool pattern %q", p)
		}
	}
	return nil
}

// RequiresApproval reports whether a tool with the given name matches one of
// the approval patterns.
func (c *Config) RequiresApproval(toolName string) bool {
	for _, p := range c.Approval.Tools {
		if ok, _ := doublestar.Match(p, toolName); ok {
			return true
		}
	}
	return false
}

// GetToolset finds a toolset by name. Returns the "default" toolset if the
// named one is not found or if an empty name is provided.
func (c *Config) GetToolset(name string) (*Toolset, error) {
	if name == "" {
		name = "default"
	}
	for _, ts := range c.Toolsets {
		if ts.Name == name {
			return &ts, nil
		}
	}
	if name == "default" {
		return nil, errors.New("mandatory 'default' toolset not found in configuration")
	}
	return c.GetToolset("default")
}

package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/latticehq/lattice-core/paths"
)

// AgentConfig describes one configured agent. Exactly one of Command or
// Endpoint must be set: Command spawns a local process, Endpoint connects
// to an already-running agent over a socket.
type AgentConfig struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name,omitempty"`
	Command     string   `yaml:"command,omitempty"`
	Args        []string `yaml:"args,omitempty"`
	Env         []string `yaml:"env,omitempty"`      // KEY=VALUE pairs appended to the child environment
	Endpoint    string   `yaml:"endpoint,omitempty"` // host:port for socket agents
	AuthToken   string   `yaml:"auth_token,omitempty"`
	AutoApprove bool     `yaml:"auto_approve,omitempty"` // answer permission prompts without prompting
}

// Config holds the agent registry loaded from agents.yaml
type Config struct {
	Agents []AgentConfig `yaml:"agents"`

	mu       sync.RWMutex
	filePath string
}

// DefaultAgents returns the registry entries written on first run.
func DefaultAgents() []AgentConfig {
	return []AgentConfig{
		{
			ID:      "claude-code",
			Name:    "Claude Code",
			Command: "claude-code-acp",
		},
	}
}

// Load reads the registry from disk, or seeds defaults if it doesn't exist
func Load() (*Config, error) {
	path, err := paths.AgentsFilePath()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Agents:   DefaultAgents(),
		filePath: path,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	cfg.Agents = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if cfg.Agents == nil {
		cfg.Agents = []AgentConfig{}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the registry is internally consistent.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seenIDs := make(map[string]bool)
	for _, agent := range c.Agents {
		if agent.ID == "" {
			return fmt.Errorf("agent with empty ID found")
		}
		if seenIDs[agent.ID] {
			return fmt.Errorf("duplicate agent ID: %s", agent.ID)
		}
		seenIDs[agent.ID] = true

		if agent.Command == "" && agent.Endpoint == "" {
			return fmt.Errorf("agent %s has neither command nor endpoint", agent.ID)
		}
		if agent.Command != "" && agent.Endpoint != "" {
			return fmt.Errorf("agent %s has both command and endpoint", agent.ID)
		}
	}

	return nil
}

// Save writes the registry to disk
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir, err := paths.ConfigDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(c.filePath, data, 0644)
}

// SetFilePath sets the registry file path (for testing).
func (c *Config) SetFilePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}

// Agent returns the agent with the given ID, or false if not registered.
func (c *Config) Agent(id string) (AgentConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, agent := range c.Agents {
		if agent.ID == id {
			return agent, true
		}
	}
	return AgentConfig{}, false
}

// AgentIDs returns the registered agent IDs in registry order.
func (c *Config) AgentIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.Agents))
	for _, agent := range c.Agents {
		ids = append(ids, agent.ID)
	}
	return ids
}

// AddAgent adds an agent to the registry. Returns false if an agent with
// the same ID already exists.
func (c *Config) AddAgent(agent AgentConfig) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, a := range c.Agents {
		if a.ID == agent.ID {
			return false
		}
	}

	c.Agents = append(c.Agents, agent)
	return true
}

// RemoveAgent removes an agent from the registry.
// Returns true if the agent was found and removed, false otherwise.
func (c *Config) RemoveAgent(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, a := range c.Agents {
		if a.ID == id {
			c.Agents = append(c.Agents[:i], c.Agents[i+1:]...)
			return true
		}
	}
	return false
}

// IsProcess reports whether the agent spawns a local process.
func (a AgentConfig) IsProcess() bool {
	return a.Command != ""
}

// DisplayName returns the human-readable name, falling back to the ID.
func (a AgentConfig) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

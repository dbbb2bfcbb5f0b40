// Package config loads and validates the daemon's structured configuration
// document: team/worker identity, provider selection, and the tuning
// knobs the bridge loop needs, with defaulting and fatal-startup-error
// classification on load.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/omc-dev/bridged/internal/providercli"
)

// Config represents the daemon's --config document.
type Config struct {
	TeamName             string `json:"teamName"`
	WorkerName           string `json:"workerName"`
	Provider             string `json:"provider"`
	WorkingDirectory     string `json:"workingDirectory"`
	Model                string `json:"model,omitempty"`
	PollIntervalMs       int    `json:"pollIntervalMs,omitempty"`
	TaskTimeoutMs        int    `json:"taskTimeoutMs,omitempty"`
	MaxConsecutiveErrors int    `json:"maxConsecutiveErrors,omitempty"`
	OutboxMaxLines       int    `json:"outboxMaxLines,omitempty"`
	MaxRetries           int    `json:"maxRetries,omitempty"`
}

// Defaults applied to any field left unset in the loaded document.
const (
	DefaultPollIntervalMs       = 3000
	DefaultTaskTimeoutMs        = 600000
	DefaultMaxConsecutiveErrors = 3
	DefaultOutboxMaxLines       = 500
	DefaultMaxRetries           = 5
)

// applyDefaults fills in any zero-valued optional field.
func (c *Config) applyDefaults() {
	if c.PollIntervalMs == 0 {
		c.PollIntervalMs = DefaultPollIntervalMs
	}
	if c.TaskTimeoutMs == 0 {
		c.TaskTimeoutMs = DefaultTaskTimeoutMs
	}
	if c.MaxConsecutiveErrors == 0 {
		c.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if c.OutboxMaxLines == 0 {
		c.OutboxMaxLines = DefaultOutboxMaxLines
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
}

// Validate checks the configuration for the fatal, before-the-loop-starts
// error class: invalid path, missing field, unknown provider.
func (c *Config) Validate(stateRoot string) error {
	if c.TeamName == "" {
		return fmt.Errorf("configuration error: missing required field 'teamName'\n\nHint: Add a teamName field like:\n  \"teamName\": \"alpha\"")
	}
	if c.WorkerName == "" {
		return fmt.Errorf("configuration error: missing required field 'workerName'\n\nHint: Add a workerName field like:\n  \"workerName\": \"w1\"")
	}
	if c.Provider != string(providercli.ProviderCodex) && c.Provider != string(providercli.ProviderGemini) {
		return fmt.Errorf("configuration error: invalid 'provider' value: %q\n\nHint: provider must be one of \"codex\" or \"gemini\"", c.Provider)
	}
	if c.WorkingDirectory == "" {
		return fmt.Errorf("configuration error: missing required field 'workingDirectory'\n\nHint: Add a workingDirectory field pointing at an existing directory")
	}

	info, err := os.Stat(c.WorkingDirectory)
	if err != nil {
		return fmt.Errorf("configuration error: workingDirectory %q does not exist: %w", c.WorkingDirectory, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("configuration error: workingDirectory %q is not a directory", c.WorkingDirectory)
	}

	home, err := os.UserHomeDir()
	if err == nil {
		resolved, resolveErr := filepath.Abs(c.WorkingDirectory)
		if resolveErr == nil {
			absHome, _ := filepath.Abs(home)
			if !strings.HasPrefix(resolved, absHome) {
				return fmt.Errorf("configuration error: workingDirectory %q must resolve beneath the user's home directory", c.WorkingDirectory)
			}
		}
	}

	if !inWorktree(c.WorkingDirectory) {
		return fmt.Errorf("configuration error: workingDirectory %q is not inside a source-control worktree", c.WorkingDirectory)
	}

	if c.PollIntervalMs < 0 || c.TaskTimeoutMs < 0 || c.MaxConsecutiveErrors < 0 || c.OutboxMaxLines < 0 || c.MaxRetries < 0 {
		return fmt.Errorf("configuration error: numeric tuning fields must be non-negative")
	}

	return nil
}

// inWorktree reports whether dir (or an ancestor) contains a .git entry.
func inWorktree(dir string) bool {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return false
		}
		dir = parent
	}
}

// LoadFromFile loads and defaults a configuration from a JSON file. The
// path must resolve under stateRoot or a ".omc" subtree; Validate should
// be called by the caller once loading succeeds.
func LoadFromFile(path, stateRoot string) (*Config, error) {
	if err := validatePathLocation(path, stateRoot); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func validatePathLocation(path, stateRoot string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("configuration error: cannot resolve config path %q: %w", path, err)
	}

	absRoot, err := filepath.Abs(stateRoot)
	if err == nil && strings.HasPrefix(abs, absRoot) {
		return nil
	}

	for dir := filepath.Dir(abs); ; {
		if filepath.Base(dir) == ".omc" {
			return nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return fmt.Errorf("configuration error: config path %q must be located under the state root or a .omc subtree", path)
}

// SaveToFile writes the configuration to a JSON file with owner-only
// permissions, matching the "one pretty-printed document plus trailing
// newline" convention used throughout this system.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

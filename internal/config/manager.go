package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load loads the configuration from file.
// If the file doesn't exist, a default config file is written first.
func (m *Manager) Load() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			config := DefaultConfig()
			if saveErr := m.saveLocked(config); saveErr != nil {
				return nil, fmt.Errorf("failed to create default config: %w", saveErr)
			}
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// 以默认值为底，文件中缺失的字段保持默认
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	m.config = config
	return config, nil
}

// Save saves the configuration to file
func (m *Manager) Save(config *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.saveLocked(config)
}

// saveLocked writes config atomically; caller holds m.mu
func (m *Manager) saveLocked(config *Config) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write config to temp file first (atomic write)
	tempPath := m.configPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	if err := os.Rename(tempPath, m.configPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	m.config = config
	return nil
}

// Get returns the currently loaded configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return DefaultConfig()
	}

	// Return a copy to prevent concurrent modification
	config := *m.config
	return &config
}

// Update applies fn to a copy of the current config and persists the result
func (m *Manager) Update(fn func(*Config)) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next Config
	if m.config != nil {
		next = *m.config
	} else {
		next = *DefaultConfig()
	}
	fn(&next)

	if err := m.saveLocked(&next); err != nil {
		return nil, err
	}
	copied := next
	return &copied, nil
}

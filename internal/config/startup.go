package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// WindowEntry describes a single tab to open at startup.
type WindowEntry struct {
	URL string `yaml:"url"`
}

// StartupConfig is the top-level YAML configuration for startup tabs.
type StartupConfig struct {
	Windows []WindowEntry `yaml:"windows"`
}

// URLs returns the configured URLs in file order.
func (c *StartupConfig) URLs() []string {
	if c == nil {
		return nil
	}
	urls := make([]string, 0, len(c.Windows))
	for _, w := range c.Windows {
		urls = append(urls, w.URL)
	}
	return urls
}

// LoadStartup reads and validates a startup YAML file.
// Returns an os.ErrNotExist-wrapped error if the file is absent (caller
// silently skips in that case).
func LoadStartup(path string) (*StartupConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("startup config: %w", err)
	}
	var cfg StartupConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("startup config: %w", err)
	}
	for i, w := range cfg.Windows {
		if w.URL == "" {
			return nil, fmt.Errorf("startup config: windows[%d] missing url", i)
		}
	}
	return &cfg, nil
}

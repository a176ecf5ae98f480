package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dgnsrekt/tabgain/internal/gain"
)

// Preset gives tabs whose URL contains URLPattern a starting percent.
type Preset struct {
	URLPattern string `yaml:"url_pattern"`
	Percent    int    `yaml:"percent"`
}

// PresetsConfig is the top-level YAML configuration for presets.
type PresetsConfig struct {
	Presets []Preset `yaml:"presets"`
}

// LoadPresets reads and validates a presets YAML file. Percents outside
// the gain range are clamped. A missing file yields an os.ErrNotExist-wrapped
// error.
func LoadPresets(path string) (*PresetsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("presets config: %w", err)
	}
	var cfg PresetsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("presets config: %w", err)
	}
	for i, p := range cfg.Presets {
		if p.URLPattern == "" {
			return nil, fmt.Errorf("presets config: presets[%d] missing url_pattern", i)
		}
		cfg.Presets[i].Percent = gain.ClampPercent(p.Percent)
	}
	return &cfg, nil
}

// Match returns the percent of the first preset whose pattern occurs in url.
func (c *PresetsConfig) Match(url string) (int, bool) {
	if c == nil {
		return 0, false
	}
	for _, p := range c.Presets {
		if strings.Contains(url, p.URLPattern) {
			return p.Percent, true
		}
	}
	return 0, false
}

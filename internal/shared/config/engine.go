package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// EngineConfig tunes the parameter engine. Pointer fields distinguish "unset" from false.
type EngineConfig struct {
	EnableAdaptiveWeights *bool                    `yaml:"enable_adaptive_weights"`
	EnableLearningMode    *bool                    `yaml:"enable_learning_mode"`
	AdaptationThreshold   int                      `yaml:"adaptation_threshold"`
	MaxWeightAdjustment   float64                  `yaml:"max_weight_adjustment"`
	CacheTTLMinutes       int                      `yaml:"cache_ttl_minutes"`
	HistoryWindowDays     int                      `yaml:"history_window_days"`
	HistoryLimit          int                      `yaml:"history_limit"`
	Presets               map[string]PresetWeights `yaml:"presets"`
}

// PresetWeights overrides the category weights of a named preset.
type PresetWeights struct {
	Structural float64 `yaml:"structural"`
	Legal      float64 `yaml:"legal"`
	Clarity    float64 `yaml:"clarity"`
	ABNT       float64 `yaml:"abnt"`
}

// LoadEngineConfig reads the YAML file at path. An empty path yields defaults.
func LoadEngineConfig(path string) (EngineConfig, error) {
	var cfg EngineConfig
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return EngineConfig{}, fmt.Errorf("read engine config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return EngineConfig{}, fmt.Errorf("parse engine config: %w", err)
		}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return EngineConfig{}, err
	}
	return cfg, nil
}

// Validate rejects settings under which adaptation could never run: the
// history read is capped at HistoryLimit, so a larger threshold is unreachable.
func (c EngineConfig) Validate() error {
	if c.AdaptationThreshold > c.HistoryLimit {
		return fmt.Errorf("engine config: adaptation_threshold %d exceeds history_limit %d", c.AdaptationThreshold, c.HistoryLimit)
	}
	return nil
}

// ApplyDefaults fills unset values.
func (c *EngineConfig) ApplyDefaults() {
	if c.EnableAdaptiveWeights == nil {
		c.EnableAdaptiveWeights = boolPtr(true)
	}
	if c.EnableLearningMode == nil {
		c.EnableLearningMode = boolPtr(true)
	}
	if c.AdaptationThreshold <= 0 {
		c.AdaptationThreshold = 10
	}
	if c.MaxWeightAdjustment <= 0 {
		c.MaxWeightAdjustment = 15
	}
	if c.CacheTTLMinutes <= 0 {
		c.CacheTTLMinutes = 30
	}
	if c.HistoryWindowDays <= 0 {
		c.HistoryWindowDays = 90
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	normalized := make(map[string]PresetWeights, len(c.Presets))
	for name, w := range c.Presets {
		normalized[strings.ToLower(strings.TrimSpace(name))] = w
	}
	c.Presets = normalized
}

func boolPtr(v bool) *bool { return &v }

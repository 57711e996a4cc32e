package correlate

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Weights combines the three sub-scores into overall confidence. Text and
// geospatial carry primary weight; temporal acts as a modifier. The weighting
// is configuration, not business logic, and is versioned so correlations can
// be traced to the algorithm that produced them.
type Weights struct {
	Text     float64 `yaml:"text" json:"text"`
	Geo      float64 `yaml:"geo" json:"geo"`
	Temporal float64 `yaml:"temporal" json:"temporal"`
}

// Config is the versioned scoring configuration for the correlation engine.
type Config struct {
	AlgorithmVersion string  `yaml:"algorithm_version" json:"algorithmVersion"`
	Weights          Weights `yaml:"weights" json:"weights"`

	// Candidate bounds keep the search space tractable.
	DateWindowDays int     `yaml:"date_window_days" json:"dateWindowDays"`
	MaxDistanceKm  float64 `yaml:"max_distance_km" json:"maxDistanceKm"`

	// NameSimilarityThreshold floors fuzzy terminal-name matches (0-1 scale).
	NameSimilarityThreshold float64 `yaml:"name_similarity_threshold" json:"nameSimilarityThreshold"`

	// BusinessIdentifiers are short codes (terminal/carrier codes) that fire
	// the identifier text tier when embedded in both strings.
	BusinessIdentifiers []string `yaml:"business_identifiers" json:"businessIdentifiers"`
}

func DefaultConfig() Config {
	return Config{
		AlgorithmVersion:        "v2.1",
		Weights:                 Weights{Text: 0.4, Geo: 0.4, Temporal: 0.2},
		DateWindowDays:          3,
		MaxDistanceKm:           150,
		NameSimilarityThreshold: 0.3,
		BusinessIdentifiers:     []string{"AU TERM", "NZ TERM", "DEPOT"},
	}
}

// LoadConfig reads a YAML config file, overlaying defaults. An empty path
// returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse correlation config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Weights.Text < 0 || c.Weights.Geo < 0 || c.Weights.Temporal < 0 {
		return fmt.Errorf("weights must be >= 0")
	}
	if c.Weights.Text+c.Weights.Geo+c.Weights.Temporal <= 0 {
		return fmt.Errorf("weights must not sum to zero")
	}
	if c.DateWindowDays < 0 {
		return fmt.Errorf("date_window_days must be >= 0")
	}
	if c.MaxDistanceKm <= 0 {
		return fmt.Errorf("max_distance_km must be > 0")
	}
	return nil
}

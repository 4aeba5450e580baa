package strategy

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents a strategy instance entry in YAML.
type Config struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Symbol   string `yaml:"symbol"`
	Interval string `yaml:"interval"`
	Params   Params `yaml:"params"`
}

// ConfigFile represents the top-level YAML structure.
type ConfigFile struct {
	Strategies []Config `yaml:"strategies"`
}

// IntervalOr parses Interval, falling back to def when empty or malformed.
func (c Config) IntervalOr(def time.Duration) time.Duration {
	if d, err := time.ParseDuration(c.Interval); err == nil && d > 0 {
		return d
	}
	return def
}

// LoadConfig reads strategy instances from a YAML file. A missing file yields no instances.
func LoadConfig(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates a strategies document.
func ParseConfig(data []byte) ([]Config, error) {
	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("strategy config: %w", err)
	}
	seen := make(map[string]bool, len(file.Strategies))
	for i, c := range file.Strategies {
		if c.Name == "" {
			return nil, fmt.Errorf("strategy config: entry %d has no name", i)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("strategy config: duplicate name %q", c.Name)
		}
		seen[c.Name] = true
		if c.Kind == "" {
			return nil, fmt.Errorf("strategy config: %s has no kind", c.Name)
		}
		if c.Interval != "" {
			if _, err := time.ParseDuration(c.Interval); err != nil {
				return nil, fmt.Errorf("strategy config: %s interval: %w", c.Name, err)
			}
		}
	}
	return file.Strategies, nil
}

// Params holds free-form strategy parameters.
type Params map[string]any

func (p Params) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case string:
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func (p Params) Decimal(key string, def decimal.Decimal) decimal.Decimal {
	switch v := p[key].(type) {
	case int:
		return decimal.NewFromInt(int64(v))
	case float64:
		return decimal.NewFromFloat(v)
	case string:
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return def
}

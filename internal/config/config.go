package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"herdline/internal/domain"
)

// Config models herdline.yml.
type Config struct {
	Animals map[domain.AnimalKind]AnimalConfig `yaml:"animals"`
	Photos  PhotoConfig                        `yaml:"photos"`
	Log     struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`
}

type AnimalConfig struct {
	CheckPeriodDays    int     `yaml:"check_period_days"`
	GrowthAdjustmentKg float64 `yaml:"growth_adjustment_kg"`
	TargetWeightKg     float64 `yaml:"target_weight_kg"`
}

type PhotoConfig struct {
	Backend           string   `yaml:"backend"`
	Dir               string   `yaml:"dir"`
	MaxUploadBytes    int64    `yaml:"max_upload_bytes"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	RatePerMinute     int      `yaml:"rate_per_minute"`
	S3                struct {
		Bucket   string `yaml:"bucket"`
		Region   string `yaml:"region"`
		Endpoint string `yaml:"endpoint"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"s3"`
}

// Animal returns the settings for kind; unknown kinds get the zero value.
func (c *Config) Animal(kind domain.AnimalKind) AnimalConfig {
	if c == nil {
		return AnimalConfig{}
	}
	return c.Animals[kind]
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with hl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for _, kind := range []domain.AnimalKind{domain.Goat, domain.Cow} {
		a, ok := c.Animals[kind]
		if !ok {
			return fmt.Errorf("config.animals.%s is required", kind)
		}
		if a.CheckPeriodDays < 1 {
			return fmt.Errorf("config.animals.%s.check_period_days must be >= 1", kind)
		}
		if a.GrowthAdjustmentKg < 0 {
			return fmt.Errorf("config.animals.%s.growth_adjustment_kg must be >= 0", kind)
		}
		if a.TargetWeightKg <= 0 {
			return fmt.Errorf("config.animals.%s.target_weight_kg must be > 0", kind)
		}
	}
	for kind := range c.Animals {
		if !kind.Valid() {
			return fmt.Errorf("config.animals has unknown animal %q", kind)
		}
	}
	switch c.Photos.Backend {
	case "fs":
		if strings.TrimSpace(c.Photos.Dir) == "" {
			return fmt.Errorf("config.photos.dir is required for the fs backend")
		}
	case "s3":
		if strings.TrimSpace(c.Photos.S3.Bucket) == "" {
			return fmt.Errorf("config.photos.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("config.photos.backend must be 'fs' or 's3'")
	}
	if c.Photos.MaxUploadBytes <= 0 {
		return fmt.Errorf("config.photos.max_upload_bytes must be > 0")
	}
	if len(c.Photos.AllowedExtensions) == 0 {
		return fmt.Errorf("config.photos.allowed_extensions is required")
	}
	for _, ext := range c.Photos.AllowedExtensions {
		if ext == "" || strings.HasPrefix(ext, ".") {
			return fmt.Errorf("config.photos.allowed_extensions entries must be bare extensions, got %q", ext)
		}
	}
	if c.Photos.RatePerMinute < 0 {
		return fmt.Errorf("config.photos.rate_per_minute must be >= 0")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "herdline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
// Sections missing from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `animals:
  cow:
    check_period_days: 30
    growth_adjustment_kg: 30
    target_weight_kg: 350
  goat:
    check_period_days: 30
    growth_adjustment_kg: 0
    target_weight_kg: 24

photos:
  backend: fs
  dir: .herdline/photos
  max_upload_bytes: 2097152
  allowed_extensions: [png, jpg, jpeg, gif]
  rate_per_minute: 5
  s3:
    bucket: ""
    region: ""
    endpoint: ""
    prefix: "photos/"

log:
  level: info
  development: false
`

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// maxConfigSize bounds config files to 1MB.
const maxConfigSize = 1 << 20

// Config represents the application configuration
type Config struct {
	// Session identity
	DeviceLabel string `yaml:"device_label"`

	// Storage tier selection
	CacheTier   string `yaml:"cache_tier"`   // memory, badger
	DurableTier string `yaml:"durable_tier"` // memory, redis, firestore

	Badger    BadgerConfig    `yaml:"badger"`
	Redis     RedisConfig     `yaml:"redis"`
	Firestore FirestoreConfig `yaml:"firestore"`

	// Question sets
	QuestionSetSize int `yaml:"question_set_size"`

	// Observability
	MetricsPort int           `yaml:"metrics_port"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// BadgerConfig holds the local cache database settings
type BadgerConfig struct {
	Path       string `yaml:"path"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
}

// RedisConfig holds the Redis durable tier settings
type RedisConfig struct {
	Addr          string        `yaml:"addr"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	Prefix        string        `yaml:"prefix"`
	CheckpointTTL time.Duration `yaml:"checkpoint_ttl"`
	LiveTTL       time.Duration `yaml:"live_ttl"`
	PoolSize      int           `yaml:"pool_size"`
}

// FirestoreConfig holds the Firestore durable tier settings
type FirestoreConfig struct {
	ProjectID            string `yaml:"project_id"`
	CredentialsFile      string `yaml:"credentials_file"`
	CheckpointCollection string `yaml:"checkpoint_collection"`
	LiveCollection       string `yaml:"live_collection"`
}

// TracingConfig holds trace exporter settings
type TracingConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ExporterType string `yaml:"exporter_type"` // otlp, stdout, none
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxConfigSize {
		return nil, fmt.Errorf("config file too large: %d bytes", info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

// Default returns the configuration used when no file is given: in-memory
// tiers, no tracing.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DeviceLabel == "" {
		if host, err := os.Hostname(); err == nil {
			c.DeviceLabel = host
		}
	}
	if c.CacheTier == "" {
		c.CacheTier = "memory"
	}
	if c.DurableTier == "" {
		c.DurableTier = "memory"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "tutorloop:"
	}
	if c.QuestionSetSize == 0 {
		c.QuestionSetSize = 10
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = 9090
	}
	if c.Tracing.ExporterType == "" {
		c.Tracing.ExporterType = "stdout"
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TUTORLOOP_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("TUTORLOOP_REDIS_PASSWORD"); c.Redis.Password == "" && v != "" {
		c.Redis.Password = v
	}
	if c.Firestore.ProjectID == "" {
		c.Firestore.ProjectID = os.Getenv("GCP_PROJECT")
	}
	if c.Firestore.CredentialsFile == "" {
		c.Firestore.CredentialsFile = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
	}
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.CacheTier {
	case "memory", "badger":
	default:
		return fmt.Errorf("unknown cache_tier %q", c.CacheTier)
	}

	switch c.DurableTier {
	case "memory", "redis", "firestore":
	default:
		return fmt.Errorf("unknown durable_tier %q", c.DurableTier)
	}

	if c.CacheTier == "badger" && !c.Badger.InMemory && c.Badger.Path == "" {
		return fmt.Errorf("badger.path is required for a persistent cache")
	}

	if c.DurableTier == "firestore" && c.Firestore.ProjectID == "" {
		return fmt.Errorf("firestore.project_id is required")
	}

	return nil
}

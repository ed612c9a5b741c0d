package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	// Log configuration
	Log LogConfig `mapstructure:"log"`

	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Graph engine configuration
	Graph GraphConfig `mapstructure:"graph"`

	// Task store configuration
	Store StoreConfig `mapstructure:"store"`

	// Task executor configuration
	Tasks TasksConfig `mapstructure:"tasks"`

	// Recurring maintenance schedules
	Recurring []RecurringConfig `mapstructure:"recurring"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // gin mode: debug, release, test
}

// GraphConfig holds graph engine configuration
type GraphConfig struct {
	Driver   string `mapstructure:"driver"` // neo4j, memory
	URI      string `mapstructure:"uri"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// StoreConfig holds task store configuration
type StoreConfig struct {
	// Path to the badger directory. Empty means in-memory, which loses
	// task history on restart.
	Path string `mapstructure:"path"`
}

// TasksConfig holds task executor configuration
type TasksConfig struct {
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	LeaseDuration   time.Duration `mapstructure:"lease_duration"`
	MaxTaskDuration time.Duration `mapstructure:"max_task_duration"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
}

// RecurringConfig is one scheduled maintenance entry
type RecurringConfig struct {
	Spec      string   `mapstructure:"spec"` // cron expression or @hourly etc.
	Kind      string   `mapstructure:"kind"`
	TenantID  string   `mapstructure:"tenant_id"`
	ProjectID string   `mapstructure:"project_id"`
	Params    ParamsIn `mapstructure:"params"`
}

// ParamsIn mirrors the operation parameters accepted on submission
type ParamsIn struct {
	SimilarityThreshold float64  `mapstructure:"similarity_threshold"`
	DaysSinceUpdate     *int     `mapstructure:"days_since_update"`
	RebuildCommunities  bool     `mapstructure:"rebuild_communities"`
	Operations          []string `mapstructure:"operations"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	// Set defaults
	setDefaults()

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	// Override with environment variables if present
	overrideWithEnv(config)

	return config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Log defaults
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	// Server defaults
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.mode", "debug")

	// Graph engine defaults
	viper.SetDefault("graph.driver", "neo4j")
	viper.SetDefault("graph.uri", "bolt://localhost:7687")
	viper.SetDefault("graph.username", "neo4j")
	viper.SetDefault("graph.password", "password")
	viper.SetDefault("graph.database", "neo4j")

	// Store defaults
	viper.SetDefault("store.path", "graphops-data")

	// Task executor defaults
	viper.SetDefault("tasks.workers", 4)
	viper.SetDefault("tasks.queue_size", 64)
	viper.SetDefault("tasks.lease_duration", 30*time.Second)
	viper.SetDefault("tasks.max_task_duration", 30*time.Minute)
	viper.SetDefault("tasks.sweep_interval", time.Minute)
}

// overrideWithEnv overrides config with environment variables
func overrideWithEnv(config *Config) {
	// Graph engine credentials
	if uri := os.Getenv("NEO4J_URI"); uri != "" {
		config.Graph.URI = uri
	}
	if user := os.Getenv("NEO4J_USER"); user != "" {
		config.Graph.Username = user
	}
	if pass := os.Getenv("NEO4J_PASSWORD"); pass != "" {
		config.Graph.Password = pass
	}

	// Store
	if path := os.Getenv("GRAPHOPS_STORE_PATH"); path != "" {
		config.Store.Path = path
	}

	// Server settings
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		viper.Set("server.port", port)
	}
}

// Package config provides configuration management for the modelfetch service.
// It handles loading, saving, and validating configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shepherd-project/modelfetch/internal/storage"
)

const (
	// DefaultConfigDir is the default configuration directory
	DefaultConfigDir = "config"
	// DefaultConfigFile is the default configuration file name
	DefaultConfigFile = "modelfetch.config.yaml"

	// MinProgressInterval is the lower bound between two progress emissions
	MinProgressInterval = 200 * time.Millisecond
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig          `mapstructure:"server" yaml:"server" json:"server"`
	Download DownloadConfig        `mapstructure:"download" yaml:"download" json:"download"`
	Catalog  CatalogConfig         `mapstructure:"catalog" yaml:"catalog" json:"catalog"`
	Log      LogConfig             `mapstructure:"log" yaml:"log" json:"log"`
	Storage  storage.StorageConfig `mapstructure:"storage" yaml:"storage" json:"storage"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host           string   `mapstructure:"host" yaml:"host" json:"host"`
	Port           int      `mapstructure:"port" yaml:"port" json:"port"`
	CORSEnabled    bool     `mapstructure:"cors_enabled" yaml:"cors_enabled" json:"corsEnabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins" json:"allowedOrigins"`
}

// DownloadConfig contains download manager configuration
type DownloadConfig struct {
	ModelsDir            string        `mapstructure:"models_dir" yaml:"models_dir" json:"modelsDir"`
	MaxConcurrent        int           `mapstructure:"max_concurrent" yaml:"max_concurrent" json:"maxConcurrent"`
	ChunkSize            int           `mapstructure:"chunk_size" yaml:"chunk_size" json:"chunkSize"` // bytes
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout" json:"connectTimeout"`
	ReadTimeout          time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"readTimeout"` // max idle time between two reads
	RetryCount           int           `mapstructure:"retry_count" yaml:"retry_count" json:"retryCount"`    // retries per source
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval" yaml:"retry_initial_interval" json:"retryInitialInterval"`
	ProgressInterval     time.Duration `mapstructure:"progress_interval" yaml:"progress_interval" json:"progressInterval"`
	RateLimit            int64         `mapstructure:"rate_limit" yaml:"rate_limit" json:"rateLimit"`            // bytes/s, 0 = unlimited
	MinFreeSpace         int64         `mapstructure:"min_free_space" yaml:"min_free_space" json:"minFreeSpace"` // bytes kept free on the target disk
	VerifyWorkers        int           `mapstructure:"verify_workers" yaml:"verify_workers" json:"verifyWorkers"`
	UserAgent            string        `mapstructure:"user_agent" yaml:"user_agent" json:"userAgent"`
	InstallDependencies  bool          `mapstructure:"install_dependencies" yaml:"install_dependencies" json:"installDependencies"`
	Python               string        `mapstructure:"python" yaml:"python" json:"python"`

	ModelRepo ModelRepoConfig `mapstructure:"model_repo" yaml:"model_repo" json:"modelRepo"`
}

// ModelRepoConfig contains model repository configuration
type ModelRepoConfig struct {
	HuggingFaceEndpoint string `mapstructure:"huggingface_endpoint" yaml:"huggingface_endpoint" json:"huggingfaceEndpoint"` // huggingface.co or hf-mirror.com
	HuggingFaceToken    string `mapstructure:"huggingface_token" yaml:"huggingface_token" json:"huggingfaceToken"`
	ModelScopeEndpoint  string `mapstructure:"modelscope_endpoint" yaml:"modelscope_endpoint" json:"modelscopeEndpoint"`
}

// CatalogConfig points at an optional YAML catalog replacing the built-in one
type CatalogConfig struct {
	Path string `mapstructure:"path" yaml:"path" json:"path"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level" json:"level"`                  // debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format" json:"format"`               // json, text
	Output     string `mapstructure:"output" yaml:"output" json:"output"`               // stdout, file, both
	Directory  string `mapstructure:"directory" yaml:"directory" json:"directory"`      // log directory
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size" json:"maxSize"`          // MB
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" json:"maxBackups"` // number of backup files
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age" json:"maxAge"`             // days
	Compress   bool   `mapstructure:"compress" yaml:"compress" json:"compress"`         // compress old logs
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cwd, _ := os.Getwd()

	return &Config{
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           9290,
			CORSEnabled:    true,
			AllowedOrigins: []string{"*"},
		},
		Download: DownloadConfig{
			ModelsDir:            filepath.Join(cwd, "pretrained_models"),
			MaxConcurrent:        2,
			ChunkSize:            256 * 1024,
			ConnectTimeout:       30 * time.Second,
			ReadTimeout:          60 * time.Second,
			RetryCount:           3,
			RetryInitialInterval: time.Second,
			ProgressInterval:     MinProgressInterval,
			MinFreeSpace:         512 * 1024 * 1024,
			VerifyWorkers:        4,
			UserAgent:            "modelfetch/1.0",
			InstallDependencies:  true,
			Python:               "python3",
			ModelRepo: ModelRepoConfig{
				HuggingFaceEndpoint: "https://huggingface.co",
				ModelScopeEndpoint:  "https://www.modelscope.cn",
			},
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			Directory:  filepath.Join(cwd, "logs"),
			MaxSize:    100, // 100MB
			MaxBackups: 3,
			MaxAge:     7, // 7 days
			Compress:   true,
		},
		Storage: storage.StorageConfig{
			Type: storage.StorageTypeSQLite,
			SQLite: &storage.SQLiteConfig{
				Path:      filepath.Join(cwd, "data", "modelfetch.db"),
				EnableWAL: true,
				Pragmas: map[string]string{
					"cache_size": "-16000", // 16MB cache
				},
			},
		},
	}
}

// Validate checks the configuration and fills zero values that have safe defaults
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	for _, origin := range c.Server.AllowedOrigins {
		if origin == "*" {
			continue
		}
		if strings.Contains(origin, "*") || !(strings.HasPrefix(origin, "http://") || strings.HasPrefix(origin, "https://")) {
			return fmt.Errorf("invalid allowed origin %q: want * or an http(s) origin", origin)
		}
	}

	d := &c.Download
	if strings.TrimSpace(d.ModelsDir) == "" {
		return fmt.Errorf("models directory is required")
	}
	if d.MaxConcurrent < 1 {
		return fmt.Errorf("max concurrent downloads must be at least 1")
	}
	if d.ChunkSize < 4096 {
		return fmt.Errorf("chunk size must be at least 4096 bytes")
	}
	if d.RetryCount < 0 {
		return fmt.Errorf("retry count cannot be negative")
	}
	if d.RateLimit < 0 {
		return fmt.Errorf("rate limit cannot be negative")
	}
	if d.RateLimit > 0 && d.RateLimit < int64(d.ChunkSize) {
		return fmt.Errorf("rate limit must be 0 or at least one chunk (%d bytes) per second", d.ChunkSize)
	}
	if d.ProgressInterval == 0 {
		d.ProgressInterval = MinProgressInterval
	}
	if d.ProgressInterval < MinProgressInterval {
		return fmt.Errorf("progress interval must be at least %s", MinProgressInterval)
	}
	if d.ConnectTimeout <= 0 || d.ReadTimeout <= 0 {
		return fmt.Errorf("connect and read timeouts must be positive")
	}
	if d.VerifyWorkers < 1 {
		d.VerifyWorkers = 1
	}

	switch c.Storage.Type {
	case storage.StorageTypeMemory, "":
	case storage.StorageTypeSQLite:
		if c.Storage.SQLite == nil || c.Storage.SQLite.Path == "" {
			return fmt.Errorf("sqlite storage requires a database path")
		}
	default:
		return fmt.Errorf("invalid storage type: %s", c.Storage.Type)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	return nil
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() string {
	// Allow override via environment variable
	if dir := os.Getenv("MODELFETCH_CONFIG_DIR"); dir != "" {
		return dir
	}
	return DefaultConfigDir
}

// Manager manages configuration loading and saving
type Manager struct {
	config     *Config
	configPath string
	mu         sync.RWMutex
}

// NewManager creates a new configuration manager using the default location
func NewManager() *Manager {
	return NewManagerWithPath(filepath.Join(GetConfigDir(), DefaultConfigFile))
}

// NewManagerWithPath creates a new configuration manager with a custom config path
func NewManagerWithPath(configPath string) *Manager {
	return &Manager{configPath: configPath}
}

// GetConfigPath returns the main configuration file path
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

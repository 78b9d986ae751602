// Package config loads the coordinator configuration from a YAML file and
// the environment via viper.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// TLSConfig holds TLS configuration for the public listener.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// S3Config holds the object-store backend coordinates.
type S3Config struct {
	Endpoint           string `mapstructure:"endpoint"`
	Region             string `mapstructure:"region"`
	Bucket             string `mapstructure:"bucket"`
	AccessKeyID        string `mapstructure:"access_key_id"`
	SecretKey          string `mapstructure:"secret_key"`
	ForcePathStyle     bool   `mapstructure:"force_path_style"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"` // Only for development/testing
}

// StoreConfig holds the embedded metadata store settings.
type StoreConfig struct {
	Dir      string `mapstructure:"dir"`
	InMemory bool   `mapstructure:"in_memory"`
}

// AuthConfig holds the optional bearer-token settings for the upload
// endpoints. Uploads are anonymous when the secret is empty.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// TransferConfig holds every limit the coordinators enforce.
type TransferConfig struct {
	MaxFileSize              int64 `mapstructure:"max_file_size"`
	MaxFileSizeAuthenticated int64 `mapstructure:"max_file_size_authenticated"`
	MaxExpireSeconds         int   `mapstructure:"max_expire_seconds"`
	DefaultExpireSeconds     int   `mapstructure:"default_expire_seconds"`
	MaxDownloads             int   `mapstructure:"max_downloads"`
	DefaultDownloads         int   `mapstructure:"default_downloads"`
	MultipartThreshold       int64 `mapstructure:"multipart_threshold"`
	DefaultPartSize          int64 `mapstructure:"default_part_size"`
	MaxParts                 int   `mapstructure:"max_parts"`
	MaxPartSize              int64 `mapstructure:"max_part_size"`
	SignedURLTTLSeconds      int   `mapstructure:"signed_url_ttl_seconds"`
	DownloadGraceSeconds     int   `mapstructure:"download_grace_seconds"`
	UseSignedURLs            bool  `mapstructure:"use_signed_urls"`
}

// MonitoringConfig holds the metrics listener settings.
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BindAddress string `mapstructure:"bind_address"`
	MetricsPath string `mapstructure:"metrics_path"`
}

// Config is the application configuration.
type Config struct {
	BindAddress       string    `mapstructure:"bind_address"`
	PublicBaseURL     string    `mapstructure:"public_base_url"`
	LogLevel          string    `mapstructure:"log_level"`
	LogFormat         string    `mapstructure:"log_format"` // "text" (default) or "json"
	LogHealthRequests bool      `mapstructure:"log_health_requests"`
	ShutdownTimeout   int       `mapstructure:"shutdown_timeout"` // seconds
	TLS               TLSConfig `mapstructure:"tls"`

	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	S3         S3Config         `mapstructure:"s3"`
	Store      StoreConfig      `mapstructure:"store"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Transfer   TransferConfig   `mapstructure:"transfer"`
}

// InitConfig initializes the configuration system.
func InitConfig(cfgFile string) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".dropgate")
	}

	viper.SetEnvPrefix("DROPGATE")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// Load loads the configuration from viper.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required")
	}
	if cfg.Store.Dir == "" && !cfg.Store.InMemory {
		return fmt.Errorf("store.dir is required unless store.in_memory is set")
	}
	t := &cfg.Transfer
	if t.MaxFileSize <= 0 {
		return fmt.Errorf("transfer.max_file_size must be positive")
	}
	if t.DefaultPartSize <= 0 || t.MaxParts <= 0 || t.MaxPartSize < t.DefaultPartSize {
		return fmt.Errorf("transfer part sizing is inconsistent")
	}
	if t.DefaultExpireSeconds > t.MaxExpireSeconds {
		return fmt.Errorf("transfer.default_expire_seconds exceeds transfer.max_expire_seconds")
	}
	if t.DefaultDownloads > t.MaxDownloads {
		return fmt.Errorf("transfer.default_downloads exceeds transfer.max_downloads")
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("bind_address", "0.0.0.0:8080")
	viper.SetDefault("public_base_url", "http://localhost:8080")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "text")
	viper.SetDefault("log_health_requests", false)
	viper.SetDefault("shutdown_timeout", 30)

	viper.SetDefault("tls.enabled", false)

	viper.SetDefault("monitoring.enabled", false)
	viper.SetDefault("monitoring.bind_address", ":9090")
	viper.SetDefault("monitoring.metrics_path", "/metrics")

	viper.SetDefault("s3.region", "us-east-1")
	viper.SetDefault("s3.force_path_style", true)
	viper.SetDefault("s3.insecure_skip_verify", false)

	viper.SetDefault("store.dir", "./data")
	viper.SetDefault("store.in_memory", false)

	viper.SetDefault("transfer.max_file_size", int64(2)<<30)                // 2 GiB anonymous
	viper.SetDefault("transfer.max_file_size_authenticated", int64(4)<<30) // 4 GiB with a bearer token
	viper.SetDefault("transfer.max_expire_seconds", 7*86400)
	viper.SetDefault("transfer.default_expire_seconds", 86400)
	viper.SetDefault("transfer.max_downloads", 100)
	viper.SetDefault("transfer.default_downloads", 1)
	viper.SetDefault("transfer.multipart_threshold", int64(100)<<20) // 100 MiB
	viper.SetDefault("transfer.default_part_size", int64(50)<<20)    // 50 MiB
	viper.SetDefault("transfer.max_parts", 10000)
	viper.SetDefault("transfer.max_part_size", int64(5)<<30) // S3 per-part ceiling
	viper.SetDefault("transfer.signed_url_ttl_seconds", 3600)
	viper.SetDefault("transfer.download_grace_seconds", 300)
	viper.SetDefault("transfer.use_signed_urls", true)
}

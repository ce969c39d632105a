package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// MinQuality and MaxQuality bound the global quality setting.
	MinQuality = 10
	MaxQuality = 100

	// MinItemQuality is the lowest quality a single item may be given.
	MinItemQuality = 1

	// DefaultQuality is applied to newly ingested images unless configured otherwise.
	DefaultQuality = 80

	// DefaultMaxDimension is the longest edge a compressed image may have.
	DefaultMaxDimension = 2048
)

// ErrQualityRange is returned when a quality value falls outside the accepted range.
var ErrQualityRange = errors.New("quality out of range")

// Config represents the main configuration structure
type Config struct {
	Compression CompressionConfig `mapstructure:"compression"`
	Ingest      IngestConfig      `mapstructure:"ingest"`
	Export      ExportConfig      `mapstructure:"export"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// CompressionConfig contains compression engine settings
type CompressionConfig struct {
	DefaultQuality int           `mapstructure:"default_quality"`
	MaxDimension   int           `mapstructure:"max_dimension"`
	ItemTimeout    time.Duration `mapstructure:"item_timeout"` // 0 means unbounded
}

// IngestConfig contains ingestion and validation settings
type IngestConfig struct {
	MaxFileSize int64 `mapstructure:"max_file_size"` // bytes, 0 means no limit
}

// ExportConfig contains download settings
type ExportConfig struct {
	OutputDir string `mapstructure:"output_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// ServerConfig contains web interface settings
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or text
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Compression: CompressionConfig{
			DefaultQuality: DefaultQuality,
			MaxDimension:   DefaultMaxDimension,
		},
		Export: ExportConfig{
			OutputDir: "compressed",
			Prefix:    "compressed-",
		},
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 120 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			FilePath:   "",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.image-compressor")
		v.AddConfigPath("/etc/image-compressor")
	}

	v.SetEnvPrefix("IMAGE_COMPRESSOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v, config)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// bindDefaults registers every key so AutomaticEnv can override values
// that are absent from the config file.
func bindDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("compression.default_quality", c.Compression.DefaultQuality)
	v.SetDefault("compression.max_dimension", c.Compression.MaxDimension)
	v.SetDefault("compression.item_timeout", c.Compression.ItemTimeout)
	v.SetDefault("ingest.max_file_size", c.Ingest.MaxFileSize)
	v.SetDefault("export.output_dir", c.Export.OutputDir)
	v.SetDefault("export.prefix", c.Export.Prefix)
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("server.read_timeout", c.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", c.Server.WriteTimeout)
	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)
	v.SetDefault("logging.file_path", c.Logging.FilePath)
	v.SetDefault("logging.max_size", c.Logging.MaxSize)
	v.SetDefault("logging.max_backups", c.Logging.MaxBackups)
	v.SetDefault("logging.max_age", c.Logging.MaxAge)
	v.SetDefault("logging.compress", c.Logging.Compress)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := ValidateQuality(c.Compression.DefaultQuality); err != nil {
		return fmt.Errorf("compression.default_quality: %w", err)
	}

	if c.Compression.MaxDimension <= 0 {
		c.Compression.MaxDimension = DefaultMaxDimension
	}
	if c.Compression.ItemTimeout < 0 {
		return fmt.Errorf("compression.item_timeout must not be negative: %s", c.Compression.ItemTimeout)
	}

	if c.Ingest.MaxFileSize < 0 {
		return fmt.Errorf("ingest.max_file_size must not be negative: %d", c.Ingest.MaxFileSize)
	}

	if c.Export.OutputDir == "" {
		c.Export.OutputDir = "compressed"
	}
	if c.Export.Prefix == "" {
		c.Export.Prefix = "compressed-"
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "":
		c.Logging.Format = "json"
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}

// ValidateQuality reports whether q is usable as the global quality setting.
func ValidateQuality(q int) error {
	if q < MinQuality || q > MaxQuality {
		return fmt.Errorf("%w: %d (valid: %d-%d)", ErrQualityRange, q, MinQuality, MaxQuality)
	}
	return nil
}

// ValidateItemQuality reports whether q is usable as one item's quality. Items
// accept a wider range than the global setting.
func ValidateItemQuality(q int) error {
	if q < MinItemQuality || q > MaxQuality {
		return fmt.Errorf("%w: %d (valid: %d-%d)", ErrQualityRange, q, MinItemQuality, MaxQuality)
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/session"

	"github.com/spf13/viper"
)

// Config represents the main configuration structure
type Config struct {
	Compression CompressionConfig `mapstructure:"compression"`
	Server      ServerConfig      `mapstructure:"server"`
	Output      OutputConfig      `mapstructure:"output"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// CompressionConfig contains the step-down search policy
type CompressionConfig struct {
	MaxSizeKB      int     `mapstructure:"max_size_kb"`
	MaxDimensionPx int     `mapstructure:"max_dimension_px"`
	QualityStart   int     `mapstructure:"quality_start"`
	QualityFloor   int     `mapstructure:"quality_floor"`
	QualityStep    int     `mapstructure:"quality_step"`
	ScaleFactor    float64 `mapstructure:"scale_factor"`
	MaxIterations  int     `mapstructure:"max_iterations"`
	MinDimensionPx int     `mapstructure:"min_dimension_px"`
}

// ServerConfig contains web interface settings
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	MaxUploadMB  int           `mapstructure:"max_upload_mb"`

	// Sessions untouched for this long are closed; zero keeps them forever.
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout"`
}

// OutputConfig contains settings for files written by the CLI
type OutputConfig struct {
	Directory string `mapstructure:"directory"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	policy := compressor.DefaultPolicy()
	return &Config{
		Compression: CompressionConfig{
			MaxSizeKB:      1024,
			MaxDimensionPx: 800,
			QualityStart:   policy.QualityStart,
			QualityFloor:   policy.QualityFloor,
			QualityStep:    policy.QualityStep,
			ScaleFactor:    policy.ScaleFactor,
			MaxIterations:  policy.MaxSteps,
			MinDimensionPx: policy.MinDimension,
		},
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
			MaxUploadMB:  50,

			SessionIdleTimeout: 30 * time.Minute,
		},
		Output: OutputConfig{
			Directory: "", // next to the input file
		},
		Logging: LoggingConfig{
			Level:      "info",
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
		// Look for config file in current directory and home directory
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.image-compressor")
		v.AddConfigPath("/etc/image-compressor")
	}

	// Enable environment variable support
	v.SetEnvPrefix("IMAGE_COMPRESSOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, config)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
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

// Validate validates the configuration
func (c *Config) Validate() error {
	cc := &c.Compression
	if cc.MaxSizeKB <= 0 {
		return fmt.Errorf("compression.max_size_kb must be positive, got %d", cc.MaxSizeKB)
	}
	if cc.MaxDimensionPx <= 0 {
		return fmt.Errorf("compression.max_dimension_px must be positive, got %d", cc.MaxDimensionPx)
	}
	if cc.QualityStart < 1 || cc.QualityStart > 100 {
		return fmt.Errorf("compression.quality_start must be within 1-100, got %d", cc.QualityStart)
	}
	if cc.QualityFloor < 1 || cc.QualityFloor > cc.QualityStart {
		return fmt.Errorf("compression.quality_floor must be within 1-%d, got %d", cc.QualityStart, cc.QualityFloor)
	}
	if cc.ScaleFactor <= 0 || cc.ScaleFactor >= 1 {
		return fmt.Errorf("compression.scale_factor must be within (0,1), got %v", cc.ScaleFactor)
	}

	// Fill tunables that have a safe default
	defaults := DefaultConfig()
	if cc.QualityStep <= 0 {
		cc.QualityStep = defaults.Compression.QualityStep
	}
	if cc.MaxIterations <= 0 {
		cc.MaxIterations = defaults.Compression.MaxIterations
	}
	if cc.MinDimensionPx <= 0 {
		cc.MinDimensionPx = defaults.Compression.MinDimensionPx
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.MaxUploadMB <= 0 {
		c.Server.MaxUploadMB = defaults.Server.MaxUploadMB
	}
	if c.Server.SessionIdleTimeout < 0 {
		return fmt.Errorf("server.session_idle_timeout must not be negative, got %v", c.Server.SessionIdleTimeout)
	}

	if c.Output.Directory != "" {
		c.Output.Directory = expandPath(c.Output.Directory)
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

	return nil
}

// Policy returns the engine search policy.
func (c *Config) Policy() compressor.Policy {
	return compressor.Policy{
		QualityStart: c.Compression.QualityStart,
		QualityFloor: c.Compression.QualityFloor,
		QualityStep:  c.Compression.QualityStep,
		ScaleFactor:  c.Compression.ScaleFactor,
		MaxSteps:     c.Compression.MaxIterations,
		MinDimension: c.Compression.MinDimensionPx,
	}
}

// Limits returns the per-session size and dimension limits.
func (c *Config) Limits() session.Limits {
	return session.Limits{
		MaxBytes:     int64(c.Compression.MaxSizeKB) * 1024,
		MaxDimension: c.Compression.MaxDimensionPx,
	}
}

// MaxUploadBytes returns the upload limit of the web interface in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Server.MaxUploadMB) << 20
}

// Helper functions

// setDefaults registers every key so environment variables can override
// values that are absent from the config file.
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("compression.max_size_kb", c.Compression.MaxSizeKB)
	v.SetDefault("compression.max_dimension_px", c.Compression.MaxDimensionPx)
	v.SetDefault("compression.quality_start", c.Compression.QualityStart)
	v.SetDefault("compression.quality_floor", c.Compression.QualityFloor)
	v.SetDefault("compression.quality_step", c.Compression.QualityStep)
	v.SetDefault("compression.scale_factor", c.Compression.ScaleFactor)
	v.SetDefault("compression.max_iterations", c.Compression.MaxIterations)
	v.SetDefault("compression.min_dimension_px", c.Compression.MinDimensionPx)
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("server.read_timeout", c.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", c.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", c.Server.IdleTimeout)
	v.SetDefault("server.max_upload_mb", c.Server.MaxUploadMB)
	v.SetDefault("server.session_idle_timeout", c.Server.SessionIdleTimeout)
	v.SetDefault("output.directory", c.Output.Directory)
	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.file_path", c.Logging.FilePath)
	v.SetDefault("logging.max_size", c.Logging.MaxSize)
	v.SetDefault("logging.max_backups", c.Logging.MaxBackups)
	v.SetDefault("logging.max_age", c.Logging.MaxAge)
	v.SetDefault("logging.compress", c.Logging.Compress)
}

func expandPath(path string) string {
	expanded := os.ExpandEnv(path)
	if strings.HasPrefix(expanded, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			expanded = filepath.Join(home, expanded[1:])
		}
	}
	return expanded
}

// Package config provides configuration management for transmux using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/jmylchreest/transmux/internal/demux"
	"github.com/jmylchreest/transmux/internal/observability"
	"github.com/jmylchreest/transmux/internal/transmux"
)

// Default configuration values.
const (
	defaultChunkSize       = 1 << 20 // 1MB
	defaultSegmentDuration = 6 * time.Second
	maxChunkSize           = 64 << 20
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "TRANSMUX"

// Config holds all configuration for the application.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Transmux TransmuxConfig `mapstructure:"transmux"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig = observability.LoggerConfig

// TransmuxConfig holds the demuxer and transmuxer settings.
type TransmuxConfig struct {
	Progressive           bool `mapstructure:"progressive"`
	EnableAdvancedCodecs  bool `mapstructure:"enable_advanced_codecs"`
	EnableEmsgKLVMetadata bool `mapstructure:"enable_emsg_klv_metadata"`
	EnableSoftwareAES     bool `mapstructure:"enable_software_aes"`
	// DefaultInitPTS seeds the timeline origin. Zero derives it from the
	// first segment.
	DefaultInitPTS time.Duration `mapstructure:"default_init_pts"`
	// ChunkSize is how much input is pushed per call.
	// Supports human-readable values like "512KB", "1MB", or raw byte counts.
	ChunkSize       ByteSize      `mapstructure:"chunk_size"`
	SegmentDuration time.Duration `mapstructure:"segment_duration"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with TRANSMUX_ and use underscores for nesting.
// Example: TRANSMUX_TRANSMUX_CHUNK_SIZE=512KB.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/transmux")
		v.AddConfigPath("$HOME/.transmux")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	return Decode(v)
}

// Decode unmarshals and validates the configuration held by v.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(DecodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// DecodeHook parses human-readable sizes and durations from strings.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	d := demux.DefaultConfig()
	v.SetDefault("transmux.progressive", d.Progressive)
	v.SetDefault("transmux.enable_advanced_codecs", d.EnableAdvancedCodecs)
	v.SetDefault("transmux.enable_emsg_klv_metadata", d.EnableEmsgKLVMetadata)
	v.SetDefault("transmux.enable_software_aes", transmux.DefaultConfig().EnableSoftwareAES)
	v.SetDefault("transmux.default_init_pts", time.Duration(0))
	v.SetDefault("transmux.chunk_size", defaultChunkSize)
	v.SetDefault("transmux.segment_duration", defaultSegmentDuration)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Transmux.ChunkSize < 1 || c.Transmux.ChunkSize > maxChunkSize {
		return fmt.Errorf("transmux.chunk_size must be between 1B and %s", ByteSize(maxChunkSize))
	}
	if c.Transmux.SegmentDuration < 0 {
		return fmt.Errorf("transmux.segment_duration must not be negative")
	}
	if c.Transmux.DefaultInitPTS < 0 {
		return fmt.Errorf("transmux.default_init_pts must not be negative")
	}

	return nil
}

// TransmuxerConfig returns the host settings of a Transmuxer.
func (c *TransmuxConfig) TransmuxerConfig() transmux.Config {
	cfg := transmux.DefaultConfig()
	cfg.Demux.Progressive = c.Progressive
	cfg.Demux.EnableAdvancedCodecs = c.EnableAdvancedCodecs
	cfg.Demux.EnableEmsgKLVMetadata = c.EnableEmsgKLVMetadata
	cfg.EnableSoftwareAES = c.EnableSoftwareAES
	return cfg
}

// InitPTS returns the configured timeline origin on the 90 kHz clock, or nil
// when it should be derived from the media.
func (c *TransmuxConfig) InitPTS() *demux.TimestampOffset {
	if c.DefaultInitPTS <= 0 {
		return nil
	}
	return &demux.TimestampOffset{
		BaseTime:  c.DefaultInitPTS.Nanoseconds() * demux.Timescale / int64(time.Second),
		Timescale: demux.Timescale,
	}
}

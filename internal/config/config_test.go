package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Transmux: TransmuxConfig{
			EnableAdvancedCodecs: true,
			EnableSoftwareAES:    true,
			ChunkSize:            MB,
			SegmentDuration:      6 * time.Second,
		},
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, time.RFC3339, cfg.Logging.TimeFormat)

	assert.False(t, cfg.Transmux.Progressive)
	assert.True(t, cfg.Transmux.EnableAdvancedCodecs)
	assert.False(t, cfg.Transmux.EnableEmsgKLVMetadata)
	assert.True(t, cfg.Transmux.EnableSoftwareAES)
	assert.Equal(t, MB, cfg.Transmux.ChunkSize)
	assert.Equal(t, 6*time.Second, cfg.Transmux.SegmentDuration)
	assert.Zero(t, cfg.Transmux.DefaultInitPTS)
}

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: debug
  format: json
transmux:
  progressive: true
  enable_advanced_codecs: false
  chunk_size: 256KB
  segment_duration: 4s
  default_init_pts: 10s
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o600))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.True(t, cfg.Transmux.Progressive)
	assert.False(t, cfg.Transmux.EnableAdvancedCodecs)
	assert.Equal(t, 256*KB, cfg.Transmux.ChunkSize)
	assert.Equal(t, 4*time.Second, cfg.Transmux.SegmentDuration)
	assert.Equal(t, 10*time.Second, cfg.Transmux.DefaultInitPTS)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("TRANSMUX_LOGGING_LEVEL", "warn")
	t.Setenv("TRANSMUX_TRANSMUX_CHUNK_SIZE", "64KB")
	t.Setenv("TRANSMUX_TRANSMUX_ENABLE_SOFTWARE_AES", "false")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 64*KB, cfg.Transmux.ChunkSize)
	assert.False(t, cfg.Transmux.EnableSoftwareAES)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("logging:\n  level: debug\n"), 0o600))

	t.Setenv("TRANSMUX_LOGGING_LEVEL", "error")

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Logging.Level)
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("logging: [unclosed"), 0o600))

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestLoad_NonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"trace level", func(c *Config) { c.Logging.Level = "trace" }, ""},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"zero chunk", func(c *Config) { c.Transmux.ChunkSize = 0 }, "transmux.chunk_size"},
		{"huge chunk", func(c *Config) { c.Transmux.ChunkSize = 128 * MB }, "transmux.chunk_size"},
		{"negative duration", func(c *Config) { c.Transmux.SegmentDuration = -time.Second }, "transmux.segment_duration"},
		{"negative init pts", func(c *Config) { c.Transmux.DefaultInitPTS = -time.Second }, "transmux.default_init_pts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestTransmuxConfig_TransmuxerConfig(t *testing.T) {
	tc := TransmuxConfig{Progressive: true, EnableEmsgKLVMetadata: true}
	cfg := tc.TransmuxerConfig()

	assert.True(t, cfg.Demux.Progressive)
	assert.False(t, cfg.Demux.EnableAdvancedCodecs)
	assert.True(t, cfg.Demux.EnableEmsgKLVMetadata)
	assert.False(t, cfg.EnableSoftwareAES)
	assert.True(t, cfg.Demux.TypeSupported.MPEG)
}

func TestTransmuxConfig_InitPTS(t *testing.T) {
	tc := TransmuxConfig{}
	assert.Nil(t, tc.InitPTS())

	tc.DefaultInitPTS = 2 * time.Second
	pts := tc.InitPTS()
	require.NotNil(t, pts)
	assert.Equal(t, int64(180000), pts.BaseTime)
	assert.Equal(t, uint32(90000), pts.Timescale)
}

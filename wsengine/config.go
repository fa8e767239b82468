package wsengine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config bundles the tunables every Client-owned collaborator needs.
// Defaults mirror the values spec.md section 6 documents; callers normally
// start from DefaultConfig and override individual fields.
type Config struct {
	// Parser / FrameCompiler limits.
	FrameSizeLimit       int `yaml:"frame_size_limit"`
	MessageSizeLimit     int `yaml:"message_size_limit"`
	FrameSplitThreshold  int `yaml:"frame_split_threshold"`
	CompressionThreshold int `yaml:"compression_threshold"`
	TextOnly             bool `yaml:"text_only"`
	ValidateUTF8         bool `yaml:"validate_utf8"`

	// Compression negotiation.
	EnableCompression bool `yaml:"enable_compression"`
	CompressionLevel  int  `yaml:"compression_level"`
	NoContextTakeover bool `yaml:"no_context_takeover"`

	// Close handshake.
	ClosePeriod time.Duration `yaml:"close_period"`

	// HeartbeatQueue.
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	HeartbeatMaxMissed  int           `yaml:"heartbeat_max_missed"`

	// RateLimiter.
	RateLimitWindow    time.Duration `yaml:"rate_limit_window"`
	RateLimitMaxFrames int           `yaml:"rate_limit_max_frames"`
	RateLimitMaxBytes  int           `yaml:"rate_limit_max_bytes"`
}

// DefaultConfig returns the documented out-of-the-box configuration.
func DefaultConfig() Config {
	return Config{
		FrameSizeLimit:       2 << 20,  // 2 MiB
		MessageSizeLimit:     10 << 20, // 10 MiB
		FrameSplitThreshold:  32 << 10, // 32 KiB
		CompressionThreshold: 860,      // below this, deflate overhead isn't worth it
		TextOnly:             false,
		ValidateUTF8:         true,

		EnableCompression: true,
		CompressionLevel:  6,
		NoContextTakeover: false,

		ClosePeriod: 3 * time.Second,

		HeartbeatInterval:  10 * time.Second,
		HeartbeatMaxMissed: 3,

		RateLimitWindow:    1 * time.Second,
		RateLimitMaxFrames: 100,     // frames_per_second_limit
		RateLimitMaxBytes:  1 << 20, // bytes_per_second_limit (1 048 576)
	}
}

// LoadConfig reads a YAML config file and applies it on top of
// DefaultConfig, so a file only needs to set the fields it overrides.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wsengine: load config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("wsengine: load config: %w", err)
	}
	return &cfg, nil
}

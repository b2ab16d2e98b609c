package config

import (
	"fmt"
	"net"
	"os"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `toml:"server" json:"server"`
	Ingest    IngestConfig    `toml:"ingest" json:"ingest"`
	Stream    StreamConfig    `toml:"stream" json:"stream"`
	Enhance   EnhanceConfig   `toml:"enhance" json:"enhance"`
	Recording RecordingConfig `toml:"recording" json:"recording"`
	RTP       RTPConfig       `toml:"rtp" json:"rtp"`
	Metrics   MetricsConfig   `toml:"metrics" json:"metrics"`
	Logging   LoggingConfig   `toml:"logging" json:"logging"`
	Timeouts  TimeoutConfig   `toml:"timeouts" json:"timeouts"`
}

// ServerConfig holds web server settings
type ServerConfig struct {
	WebPort  int    `toml:"web_port" json:"web_port"`
	BindIP   string `toml:"bind_ip" json:"bind_ip"`
	PublicIP string `toml:"public_ip" json:"public_ip"` // Auto-detected if empty
}

// IngestConfig holds camera ingest settings
type IngestConfig struct {
	Path             string `toml:"path" json:"path"`
	QueueCapacity    int    `toml:"queue_capacity" json:"queue_capacity"`
	MaxPayloadSizeMB int    `toml:"max_payload_size_mb" json:"max_payload_size_mb"`
}

// StreamConfig holds adaptive streaming settings
type StreamConfig struct {
	TargetFPS         int     `toml:"target_fps" json:"target_fps"`
	MinFPS            int     `toml:"min_fps" json:"min_fps"`
	MaxFPS            int     `toml:"max_fps" json:"max_fps"`
	MinQuality        int     `toml:"min_quality" json:"min_quality"`
	MaxQuality        int     `toml:"max_quality" json:"max_quality"`
	BufferCapacity    int     `toml:"buffer_capacity" json:"buffer_capacity"`
	MinBufferedFrames int     `toml:"min_buffered_frames" json:"min_buffered_frames"`
	BufferingDelay    float64 `toml:"buffering_delay" json:"buffering_delay"`
	MaxBufferingTime  float64 `toml:"max_buffering_time" json:"max_buffering_time"`
	MaxEmptyFrames    int     `toml:"max_empty_frames" json:"max_empty_frames"`
}

// EnhanceConfig holds image enhancement settings
type EnhanceConfig struct {
	Enabled  bool   `toml:"enabled" json:"enabled"`
	Mode     string `toml:"mode" json:"mode"`
	BudgetMS int    `toml:"budget_ms" json:"budget_ms"`
}

// RecordingConfig holds security recording settings
type RecordingConfig struct {
	Enabled                 bool   `toml:"enabled" json:"enabled"`
	RootDir                 string `toml:"root_dir" json:"root_dir"`
	FFmpegPath              string `toml:"ffmpeg_path" json:"ffmpeg_path"`
	FFprobePath             string `toml:"ffprobe_path" json:"ffprobe_path"`
	RecordingFPS            int    `toml:"recording_fps" json:"recording_fps"`
	MinFramesPerSegment     int    `toml:"min_frames_per_segment" json:"min_frames_per_segment"`
	MinSegmentDuration      int    `toml:"min_segment_duration" json:"min_segment_duration"`
	TargetSegmentDuration   int    `toml:"target_segment_duration" json:"target_segment_duration"`
	MaxSegmentDuration      int    `toml:"max_segment_duration" json:"max_segment_duration"`
	AbsoluteMinSegmentBytes int64  `toml:"absolute_min_segment_size_bytes" json:"absolute_min_segment_size_bytes"`
	RetentionDays           int    `toml:"retention_days" json:"retention_days"`
}

// RTPConfig holds RTP/JPEG republisher settings
type RTPConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	Host    string `toml:"host" json:"host"`
	Port    int    `toml:"port" json:"port"`
	MTU     int    `toml:"mtu" json:"mtu"`
}

// MetricsConfig holds Prometheus exposition settings
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	Path    string `toml:"path" json:"path"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level             string `toml:"level" json:"level"`
	Dir               string `toml:"dir" json:"dir"`
	StatsLogInterval  int    `toml:"stats_log_interval_seconds" json:"stats_log_interval_seconds"`
	MaxLogFiles       int    `toml:"max_log_files" json:"max_log_files"`
	WarnCooldownSecs  int    `toml:"warn_cooldown_seconds" json:"warn_cooldown_seconds"`
	InfoCooldownSecs  int    `toml:"info_cooldown_seconds" json:"info_cooldown_seconds"`
}

// TimeoutConfig holds timeout and delay settings
type TimeoutConfig struct {
	ShutdownTimeout     int `toml:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`
	HTTPShutdownTimeout int `toml:"http_shutdown_timeout_seconds" json:"http_shutdown_timeout_seconds"`
}

// defaultConfig returns the built-in defaults. LoadConfig overlays the TOML
// file on top of these, so a partial file only overrides what it names.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			WebPort: 8080,
			BindIP:  "0.0.0.0",
		},
		Ingest: IngestConfig{
			Path:             "/ws",
			QueueCapacity:    100,
			MaxPayloadSizeMB: 2,
		},
		Stream: StreamConfig{
			TargetFPS:         30,
			MinFPS:            15,
			MaxFPS:            60,
			MinQuality:        60,
			MaxQuality:        90,
			BufferCapacity:    150,
			MinBufferedFrames: 8,
			BufferingDelay:    1.0,
			MaxBufferingTime:  2.0,
			MaxEmptyFrames:    10,
		},
		Enhance: EnhanceConfig{
			Enabled:  true,
			Mode:     "auto",
			BudgetMS: 50,
		},
		Recording: RecordingConfig{
			Enabled:                 true,
			RootDir:                 "security_videos",
			FFmpegPath:              "ffmpeg",
			FFprobePath:             "ffprobe",
			RecordingFPS:            60,
			MinFramesPerSegment:     3600,
			MinSegmentDuration:      60,
			TargetSegmentDuration:   600,
			MaxSegmentDuration:      1800,
			AbsoluteMinSegmentBytes: 512000,
			RetentionDays:           14,
		},
		RTP: RTPConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    5004,
			MTU:     1200,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:            "info",
			Dir:              "logs",
			StatsLogInterval: 60,
			MaxLogFiles:      20,
			WarnCooldownSecs: 30,
			InfoCooldownSecs: 60,
		},
		Timeouts: TimeoutConfig{
			ShutdownTimeout:     30,
			HTTPShutdownTimeout: 5,
		},
	}
}

// LoadConfig loads configuration from a TOML file
func LoadConfig(configPath string) (*Config, error) {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	config := defaultConfig()

	// Load from file if it exists
	if _, err := os.Stat(configPath); err == nil {
		if _, err := toml.DecodeFile(configPath, config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		logger.Info("Config loaded from file", zap.String("path", configPath))
	} else {
		logger.Info("Config file not found, using defaults", zap.String("path", configPath))
	}

	// Auto-detect public IP if not set
	if config.Server.PublicIP == "" {
		if ip := getLocalIP(); ip != "" {
			config.Server.PublicIP = ip
			logger.Info("Auto-detected public IP", zap.String("ip", ip))
		} else {
			config.Server.PublicIP = "localhost"
			logger.Warn("Could not detect public IP, using localhost")
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks configuration values for consistency
func (c *Config) Validate() error {
	if c.Server.WebPort < 1 || c.Server.WebPort > 65535 {
		return fmt.Errorf("invalid web_port %d: must be in 1-65535", c.Server.WebPort)
	}
	if c.Ingest.QueueCapacity < 1 {
		return fmt.Errorf("invalid queue_capacity %d: must be positive", c.Ingest.QueueCapacity)
	}
	if c.Ingest.MaxPayloadSizeMB < 1 {
		return fmt.Errorf("invalid max_payload_size_mb %d: must be positive", c.Ingest.MaxPayloadSizeMB)
	}
	if c.Stream.MinFPS < 1 || c.Stream.TargetFPS < c.Stream.MinFPS {
		return fmt.Errorf("invalid fps range: min=%d target=%d", c.Stream.MinFPS, c.Stream.TargetFPS)
	}
	if c.Stream.MaxFPS < c.Stream.TargetFPS {
		return fmt.Errorf("invalid fps range: target=%d max=%d", c.Stream.TargetFPS, c.Stream.MaxFPS)
	}
	if c.Stream.MinQuality < 1 || c.Stream.MaxQuality > 100 || c.Stream.MinQuality > c.Stream.MaxQuality {
		return fmt.Errorf("invalid quality range: min=%d max=%d", c.Stream.MinQuality, c.Stream.MaxQuality)
	}
	if c.Stream.BufferCapacity < 1 {
		return fmt.Errorf("invalid buffer_capacity %d: must be positive", c.Stream.BufferCapacity)
	}
	if c.Stream.MinBufferedFrames < 1 || c.Stream.MinBufferedFrames > c.Stream.BufferCapacity {
		return fmt.Errorf("invalid min_buffered_frames %d: must be in 1-%d", c.Stream.MinBufferedFrames, c.Stream.BufferCapacity)
	}
	if c.Stream.BufferingDelay < 0 || c.Stream.MaxBufferingTime < c.Stream.BufferingDelay {
		return fmt.Errorf("invalid buffering window: delay=%.2f max=%.2f", c.Stream.BufferingDelay, c.Stream.MaxBufferingTime)
	}
	switch c.Enhance.Mode {
	case "auto", "day", "low_light", "night", "security":
	default:
		return fmt.Errorf("invalid enhancement mode %q", c.Enhance.Mode)
	}
	if c.Enhance.BudgetMS < 1 {
		return fmt.Errorf("invalid enhancement budget_ms %d: must be positive", c.Enhance.BudgetMS)
	}
	if c.Recording.RecordingFPS < 1 {
		return fmt.Errorf("invalid recording_fps %d: must be positive", c.Recording.RecordingFPS)
	}
	if c.Recording.MinSegmentDuration < 1 ||
		c.Recording.TargetSegmentDuration < c.Recording.MinSegmentDuration ||
		c.Recording.MaxSegmentDuration < c.Recording.TargetSegmentDuration {
		return fmt.Errorf("invalid segment durations: min=%d target=%d max=%d",
			c.Recording.MinSegmentDuration, c.Recording.TargetSegmentDuration, c.Recording.MaxSegmentDuration)
	}
	if c.Recording.RetentionDays < 1 {
		return fmt.Errorf("invalid retention_days %d: must be positive", c.Recording.RetentionDays)
	}
	if c.RTP.Enabled && (c.RTP.Port < 1 || c.RTP.Port > 65535) {
		return fmt.Errorf("invalid rtp port %d: must be in 1-65535", c.RTP.Port)
	}
	if c.RTP.MTU < 128 {
		return fmt.Errorf("invalid rtp mtu %d: must be at least 128", c.RTP.MTU)
	}
	return nil
}

// getLocalIP attempts to determine the local IP address
func getLocalIP() string {
	// Try to connect to a remote address to determine local IP
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}

// SaveConfig saves the current configuration to a file
func SaveConfig(config *Config, configPath string) error {
	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

// TestLoadConfigDefaults tests default configuration loading
func TestLoadConfigDefaults(t *testing.T) {
	// Use non-existent file to trigger defaults
	cfg, err := LoadConfig("non-existent-config.toml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.WebPort != 8080 {
		t.Errorf("Default Server.WebPort = %d, want 8080", cfg.Server.WebPort)
	}

	if cfg.Ingest.Path != "/ws" {
		t.Errorf("Default Ingest.Path = %s, want /ws", cfg.Ingest.Path)
	}

	if cfg.Ingest.QueueCapacity != 100 {
		t.Errorf("Default Ingest.QueueCapacity = %d, want 100", cfg.Ingest.QueueCapacity)
	}

	if cfg.Stream.TargetFPS != 30 {
		t.Errorf("Default Stream.TargetFPS = %d, want 30", cfg.Stream.TargetFPS)
	}

	if cfg.Stream.MinFPS != 15 {
		t.Errorf("Default Stream.MinFPS = %d, want 15", cfg.Stream.MinFPS)
	}

	if cfg.Stream.BufferCapacity != 150 {
		t.Errorf("Default Stream.BufferCapacity = %d, want 150", cfg.Stream.BufferCapacity)
	}

	if cfg.Stream.MinQuality != 60 || cfg.Stream.MaxQuality != 90 {
		t.Errorf("Default quality range = [%d, %d], want [60, 90]", cfg.Stream.MinQuality, cfg.Stream.MaxQuality)
	}

	if cfg.Stream.MinBufferedFrames != 8 {
		t.Errorf("Default Stream.MinBufferedFrames = %d, want 8", cfg.Stream.MinBufferedFrames)
	}

	if cfg.Stream.BufferingDelay != 1.0 {
		t.Errorf("Default Stream.BufferingDelay = %f, want 1.0", cfg.Stream.BufferingDelay)
	}

	if cfg.Stream.MaxBufferingTime != 2.0 {
		t.Errorf("Default Stream.MaxBufferingTime = %f, want 2.0", cfg.Stream.MaxBufferingTime)
	}

	if cfg.Recording.RecordingFPS != 60 {
		t.Errorf("Default Recording.RecordingFPS = %d, want 60", cfg.Recording.RecordingFPS)
	}

	if cfg.Recording.MinFramesPerSegment != 3600 {
		t.Errorf("Default Recording.MinFramesPerSegment = %d, want 3600", cfg.Recording.MinFramesPerSegment)
	}

	if cfg.Recording.AbsoluteMinSegmentBytes != 512000 {
		t.Errorf("Default Recording.AbsoluteMinSegmentBytes = %d, want 512000", cfg.Recording.AbsoluteMinSegmentBytes)
	}

	if cfg.Recording.RetentionDays != 14 {
		t.Errorf("Default Recording.RetentionDays = %d, want 14", cfg.Recording.RetentionDays)
	}

	if cfg.Enhance.Mode != "auto" {
		t.Errorf("Default Enhance.Mode = %s, want auto", cfg.Enhance.Mode)
	}

	if cfg.RTP.Enabled {
		t.Error("RTP republisher should be disabled by default")
	}

	if cfg.RTP.MTU != 1200 {
		t.Errorf("Default RTP.MTU = %d, want 1200", cfg.RTP.MTU)
	}
}

// TestLoadConfigFromFile tests loading config from TOML file
func TestLoadConfigFromFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "test-config-*.toml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	configContent := `
[server]
web_port = 9090

[stream]
target_fps = 24
min_fps = 12
buffer_capacity = 200

[recording]
root_dir = "/tmp/videos"
retention_days = 7

[rtp]
enabled = true
host = "192.168.1.100"
port = 6000
`

	if _, err := tmpFile.WriteString(configContent); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	tmpFile.Close()

	cfg, err := LoadConfig(tmpFile.Name())
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.WebPort != 9090 {
		t.Errorf("Server.WebPort = %d, want 9090", cfg.Server.WebPort)
	}

	if cfg.Stream.TargetFPS != 24 {
		t.Errorf("Stream.TargetFPS = %d, want 24", cfg.Stream.TargetFPS)
	}

	if cfg.Stream.MinFPS != 12 {
		t.Errorf("Stream.MinFPS = %d, want 12", cfg.Stream.MinFPS)
	}

	if cfg.Stream.BufferCapacity != 200 {
		t.Errorf("Stream.BufferCapacity = %d, want 200", cfg.Stream.BufferCapacity)
	}

	if cfg.Recording.RootDir != "/tmp/videos" {
		t.Errorf("Recording.RootDir = %s, want /tmp/videos", cfg.Recording.RootDir)
	}

	if cfg.Recording.RetentionDays != 7 {
		t.Errorf("Recording.RetentionDays = %d, want 7", cfg.Recording.RetentionDays)
	}

	if !cfg.RTP.Enabled {
		t.Error("RTP should be enabled")
	}

	if cfg.RTP.Host != "192.168.1.100" {
		t.Errorf("RTP.Host = %s, want 192.168.1.100", cfg.RTP.Host)
	}

	// Sections absent from the file keep their defaults
	if cfg.Stream.MinQuality != 60 {
		t.Errorf("Stream.MinQuality = %d, want default 60", cfg.Stream.MinQuality)
	}

	if cfg.Enhance.Mode != "auto" {
		t.Errorf("Enhance.Mode = %s, want default auto", cfg.Enhance.Mode)
	}
}

// TestSaveConfig tests configuration round-trip through SaveConfig
func TestSaveConfig(t *testing.T) {
	cfg, err := LoadConfig("non-existent-config.toml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	cfg.Stream.TargetFPS = 25
	cfg.Recording.RootDir = "/tmp/rec"

	tmpFile, err := os.CreateTemp("", "test-save-config-*.toml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())
	tmpFile.Close()

	if err := SaveConfig(cfg, tmpFile.Name()); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loadedCfg, err := LoadConfig(tmpFile.Name())
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if loadedCfg.Stream.TargetFPS != 25 {
		t.Errorf("Saved/loaded TargetFPS mismatch: %d != 25", loadedCfg.Stream.TargetFPS)
	}

	if loadedCfg.Recording.RootDir != "/tmp/rec" {
		t.Errorf("Saved/loaded RootDir mismatch: %s != /tmp/rec", loadedCfg.Recording.RootDir)
	}
}

// TestInvalidConfigFile tests handling of invalid config files
func TestInvalidConfigFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "test-invalid-config-*.toml")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	defer os.Remove(tmpFile.Name())

	invalidConfig := `
[stream
target_fps = "not a number"
`

	if _, err := tmpFile.WriteString(invalidConfig); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	tmpFile.Close()

	if _, err := LoadConfig(tmpFile.Name()); err == nil {
		t.Error("Expected error for invalid config file")
	}
}

// TestValidateRejectsBadValues tests range checks on critical settings
func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero web port", func(c *Config) { c.Server.WebPort = 0 }},
		{"min fps above target", func(c *Config) { c.Stream.MinFPS = 40 }},
		{"max fps below target", func(c *Config) { c.Stream.MaxFPS = 10 }},
		{"inverted quality range", func(c *Config) { c.Stream.MinQuality = 95 }},
		{"quality above 100", func(c *Config) { c.Stream.MaxQuality = 150 }},
		{"zero buffer capacity", func(c *Config) { c.Stream.BufferCapacity = 0 }},
		{"min buffered above capacity", func(c *Config) { c.Stream.MinBufferedFrames = 500 }},
		{"buffering window inverted", func(c *Config) { c.Stream.MaxBufferingTime = 0.5 }},
		{"unknown enhancement mode", func(c *Config) { c.Enhance.Mode = "hdr" }},
		{"zero retention", func(c *Config) { c.Recording.RetentionDays = 0 }},
		{"segment durations inverted", func(c *Config) { c.Recording.MaxSegmentDuration = 30 }},
		{"rtp port out of range", func(c *Config) { c.RTP.Enabled = true; c.RTP.Port = 70000 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := defaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate accepted %s", tc.name)
			}
		})
	}
}

// TestValidateAcceptsDefaults ensures the shipped defaults pass validation
func TestValidateAcceptsDefaults(t *testing.T) {
	if err := defaultConfig().Validate(); err != nil {
		t.Fatalf("default config failed validation: %v", err)
	}
}

// TestLoadConfigRejectsInvalidValues ensures validation runs at load time
func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")

	badConfig := `
[stream]
target_fps = 10
min_fps = 20
`
	if err := os.WriteFile(path, []byte(badConfig), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected validation error for min_fps > target_fps")
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestConfigData tests configuration data, defaults, edge cases, and validation
func TestConfigData(t *testing.T) {
	tests := []struct {
		name       string
		config     *AppConfig
		configTOML string
		setupFunc  func(*AppConfig)
		expectErr  bool
		validate   func(*testing.T, *AppConfig)
	}{
		{
			name:   "default config",
			config: DefaultConfig(),
			validate: func(t *testing.T, c *AppConfig) {
				if c.Server.ListenAddress != "localhost:9190" {
					t.Errorf("Expected ListenAddress 'localhost:9190', got %s", c.Server.ListenAddress)
				}
				if c.Profiler.MaxTimeUsagePct != 2 {
					t.Errorf("Expected max_time_usage_pct 2, got %g", c.Profiler.MaxTimeUsagePct)
				}
				if c.Profiler.MaxNFrames != 64 {
					t.Errorf("Expected max_nframes 64, got %d", c.Profiler.MaxNFrames)
				}
				if !c.Profiler.IgnoreProfiler {
					t.Error("Expected ignore_profiler true by default")
				}
				if c.Logging.Defaults.Level != "info" {
					t.Errorf("Expected default log level 'info', got %s", c.Logging.Defaults.Level)
				}
				if len(c.Logging.Outputs) != 3 {
					t.Errorf("Expected 3 outputs, got %d", len(c.Logging.Outputs))
				}
			},
		},
		{
			name: "custom profiler config",
			configTOML: `
[profiler]
max_time_usage_pct = 5.0
max_nframes = 128
ignore_profiler = false
per_thread_cpu = "off"
pprof_interval = "30s"
`,
			validate: func(t *testing.T, c *AppConfig) {
				if c.Profiler.MaxTimeUsagePct != 5.0 {
					t.Errorf("Expected max_time_usage_pct 5.0, got %g", c.Profiler.MaxTimeUsagePct)
				}
				if c.Profiler.MaxNFrames != 128 {
					t.Errorf("Expected max_nframes 128, got %d", c.Profiler.MaxNFrames)
				}
				if c.Profiler.IgnoreProfiler {
					t.Error("Expected ignore_profiler false")
				}
				if c.Profiler.PerThreadCPU != "off" {
					t.Errorf("Expected per_thread_cpu 'off', got %s", c.Profiler.PerThreadCPU)
				}
				if c.Profiler.PprofInterval.Duration != 30*time.Second {
					t.Errorf("Expected pprof_interval 30s, got %s", c.Profiler.PprofInterval)
				}
			},
		},
		{
			name: "custom logging config",
			configTOML: `
[logging.defaults]
level = "debug"

[[logging.outputs]]
type = "console"
enabled = true
[logging.outputs.console]
writer = "stdout"
`,
			validate: func(t *testing.T, c *AppConfig) {
				if c.Logging.Defaults.Level != "debug" {
					t.Errorf("Expected debug level, got %s", c.Logging.Defaults.Level)
				}
				if len(c.Logging.Outputs) != 1 {
					t.Errorf("Expected 1 output, got %d", len(c.Logging.Outputs))
				}
				if c.Logging.Outputs[0].Console.Writer != "stdout" {
					t.Errorf("Expected console writer 'stdout', got %s", c.Logging.Outputs[0].Console.Writer)
				}
			},
		},
		{
			name:   "invalid empty listen address",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Server.ListenAddress = ""
			},
			expectErr: true,
		},
		{
			name:   "zero time budget rejected",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Profiler.MaxTimeUsagePct = 0
			},
			expectErr: true,
		},
		{
			name:   "negative time budget rejected",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Profiler.MaxTimeUsagePct = -1
			},
			expectErr: true,
		},
		{
			name:   "over 100 percent budget rejected",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Profiler.MaxTimeUsagePct = 100.5
			},
			expectErr: true,
		},
		{
			name:   "full budget accepted",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Profiler.MaxTimeUsagePct = 100
			},
		},
		{
			name:   "invalid nframes rejected",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Profiler.MaxNFrames = 0
			},
			expectErr: true,
		},
		{
			name:   "unknown per_thread_cpu mode rejected",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				c.Profiler.PerThreadCPU = "maybe"
			},
			expectErr: true,
		},
		{
			name:   "no enabled logging output rejected",
			config: DefaultConfig(),
			setupFunc: func(c *AppConfig) {
				for i := range c.Logging.Outputs {
					c.Logging.Outputs[i].Enabled = false
				}
			},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := tt.config
			if tt.configTOML != "" {
				path := filepath.Join(t.TempDir(), "config.toml")
				if err := os.WriteFile(path, []byte(tt.configTOML), 0644); err != nil {
					t.Fatalf("Failed to write config file: %v", err)
				}
				var err error
				config, err = LoadConfig(path)
				if err != nil {
					t.Fatalf("LoadConfig failed: %v", err)
				}
			}
			if tt.setupFunc != nil {
				tt.setupFunc(config)
			}

			err := config.Validate()
			if tt.expectErr && err == nil {
				t.Error("Expected validation error, got nil")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Unexpected validation error: %v", err)
			}
			if tt.validate != nil {
				tt.validate(t, config)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved", "config.toml")
	orig := DefaultConfig()
	orig.Profiler.MaxTimeUsagePct = 7.5

	if err := SaveConfig(path, orig); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Profiler.MaxTimeUsagePct != 7.5 {
		t.Errorf("Expected max_time_usage_pct 7.5 after round trip, got %g", loaded.Profiler.MaxTimeUsagePct)
	}
	if loaded.Profiler.PprofInterval.Duration != orig.Profiler.PprofInterval.Duration {
		t.Errorf("Expected pprof_interval %s, got %s", orig.Profiler.PprofInterval, loaded.Profiler.PprofInterval)
	}
}

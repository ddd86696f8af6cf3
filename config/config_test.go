package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Storage.Driver != "memory" {
		t.Errorf("expected default storage driver memory, got %s", cfg.Storage.Driver)
	}
	if cfg.Execution.WorkerCount != 4 {
		t.Errorf("expected default worker count 4, got %d", cfg.Execution.WorkerCount)
	}
	if cfg.Execution.MinConcurrentSteps != 3 {
		t.Errorf("expected default min concurrent steps 3, got %d", cfg.Execution.MinConcurrentSteps)
	}
	if cfg.Execution.MaxConcurrentStepsLimit != 12 {
		t.Errorf("expected default max concurrent steps limit 12, got %d", cfg.Execution.MaxConcurrentStepsLimit)
	}
	if cfg.Backoff.MaxBackoffSeconds != 300 {
		t.Errorf("expected default max backoff 300s, got %d", cfg.Backoff.MaxBackoffSeconds)
	}
	if cfg.NATS.SubjectPrefix != "taskgraph" {
		t.Errorf("expected default subject prefix taskgraph, got %s", cfg.NATS.SubjectPrefix)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "unknown storage driver",
			modify:  func(c *Config) { c.Storage.Driver = "sqlite" },
			wantErr: true,
		},
		{
			name:    "postgres without dsn",
			modify:  func(c *Config) { c.Storage.Driver = "postgres" },
			wantErr: true,
		},
		{
			name: "postgres with dsn",
			modify: func(c *Config) {
				c.Storage.Driver = "postgres"
				c.Storage.DSN = "postgres://localhost/taskgraph?sslmode=disable"
			},
			wantErr: false,
		},
		{
			name:    "zero workers",
			modify:  func(c *Config) { c.Execution.WorkerCount = 0 },
			wantErr: true,
		},
		{
			name:    "max below min concurrency",
			modify:  func(c *Config) { c.Execution.MaxConcurrentStepsLimit = 1 },
			wantErr: true,
		},
		{
			name:    "bad step timeout",
			modify:  func(c *Config) { c.Execution.PerStepTimeout = "soon" },
			wantErr: true,
		},
		{
			name:    "bad log level",
			modify:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: true,
		},
		{
			name:    "bad log format",
			modify:  func(c *Config) { c.Logging.Format = "logfmt" },
			wantErr: true,
		},
		{
			name:    "empty backoff sequence",
			modify:  func(c *Config) { c.Backoff.DefaultBackoffSeconds = nil },
			wantErr: true,
		},
		{
			name:    "bad health cache duration",
			modify:  func(c *Config) { c.Health.CacheDuration = "often" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	// Create temp file with config
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
storage:
  driver: postgres
  dsn: "postgres://test:5432/taskgraph?sslmode=disable"
  max_open_conns: 10
nats:
  url: "nats://test:4222"
execution:
  worker_count: 8
  per_step_timeout: 45s
backoff:
  max_backoff_seconds: 120
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Storage.Driver != "postgres" {
		t.Errorf("expected driver postgres, got %s", cfg.Storage.Driver)
	}
	if cfg.Storage.MaxOpenConns != 10 {
		t.Errorf("expected max_open_conns 10, got %d", cfg.Storage.MaxOpenConns)
	}
	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}
	if cfg.Execution.WorkerCount != 8 {
		t.Errorf("expected worker_count 8, got %d", cfg.Execution.WorkerCount)
	}
	if cfg.Execution.GetPerStepTimeout() != 45*time.Second {
		t.Errorf("expected per step timeout 45s, got %v", cfg.Execution.GetPerStepTimeout())
	}
	if cfg.Backoff.MaxBackoffSeconds != 120 {
		t.Errorf("expected max backoff 120, got %d", cfg.Backoff.MaxBackoffSeconds)
	}
	// Fields the file omits keep their defaults
	if cfg.Execution.MinConcurrentSteps != 3 {
		t.Errorf("expected min concurrent steps to remain default, got %d", cfg.Execution.MinConcurrentSteps)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Storage: StorageConfig{
			Driver: "postgres",
			DSN:    "postgres://override:5432/taskgraph",
		},
		Execution: ExecutionConfig{
			WorkerCount: 16,
		},
	}

	base.Merge(override)

	if base.Storage.Driver != "postgres" {
		t.Errorf("expected driver postgres, got %s", base.Storage.Driver)
	}
	if base.Execution.WorkerCount != 16 {
		t.Errorf("expected worker count 16, got %d", base.Execution.WorkerCount)
	}
	// MaxOpenConns should remain from base since override didn't set it
	if base.Storage.MaxOpenConns != 25 {
		t.Errorf("expected max open conns to remain default, got %d", base.Storage.MaxOpenConns)
	}
	if base.Execution.MinConcurrentSteps != 3 {
		t.Errorf("expected min concurrent steps to remain default, got %d", base.Execution.MinConcurrentSteps)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Execution.WorkerCount = 7

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	// Verify file was created
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	// Load and verify
	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Execution.WorkerCount != 7 {
		t.Errorf("expected worker count 7, got %d", loaded.Execution.WorkerCount)
	}
}

func TestDurationGetters(t *testing.T) {
	cfg := DefaultConfig()

	if got := cfg.Execution.GetPerStepTimeout(); got != 30*time.Second {
		t.Errorf("expected default per step timeout 30s, got %v", got)
	}
	if got := cfg.Execution.GetDedupWindow(); got != 60*time.Second {
		t.Errorf("expected default dedup window 60s, got %v", got)
	}
	if got := cfg.Health.GetCacheDuration(); got != 15*time.Second {
		t.Errorf("expected default health cache duration 15s, got %v", got)
	}
	if got := cfg.Storage.GetConnMaxLifetime(); got != 30*time.Minute {
		t.Errorf("expected default conn max lifetime 30m, got %v", got)
	}

	// Unparseable values fall back to defaults rather than failing
	cfg.Execution.PerStepTimeout = "never"
	if got := cfg.Execution.GetPerStepTimeout(); got != 30*time.Second {
		t.Errorf("expected fallback per step timeout 30s, got %v", got)
	}
}

func TestLoaderAppliesEnv(t *testing.T) {
	t.Setenv(EnvStorageDSN, "postgres://env:5432/taskgraph?sslmode=disable")
	t.Setenv(EnvLogLevel, "debug")

	loader := NewLoader(nil)
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Storage.Driver != "postgres" {
		t.Errorf("expected env DSN to switch driver to postgres, got %s", cfg.Storage.Driver)
	}
	if cfg.Storage.DSN != "postgres://env:5432/taskgraph?sslmode=disable" {
		t.Errorf("unexpected DSN %s", cfg.Storage.DSN)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	initial := DefaultConfig()
	if err := initial.SaveToFile(configPath); err != nil {
		t.Fatalf("failed to seed config: %v", err)
	}

	changed := make(chan *Config, 1)
	w, err := NewWatcher(configPath, initial, func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	}, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	updated := DefaultConfig()
	updated.Execution.WorkerCount = 9
	if err := updated.SaveToFile(configPath); err != nil {
		t.Fatalf("failed to update config: %v", err)
	}

	select {
	case got := <-changed:
		if got.Execution.WorkerCount != 9 {
			t.Errorf("expected reloaded worker count 9, got %d", got.Execution.WorkerCount)
		}
		if w.Current().Execution.WorkerCount != 9 {
			t.Errorf("expected Current() to reflect reload")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}

func TestWatcherRejectsInvalidReload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	initial := DefaultConfig()
	if err := initial.SaveToFile(configPath); err != nil {
		t.Fatalf("failed to seed config: %v", err)
	}

	w, err := NewWatcher(configPath, initial, func(c *Config) {
		t.Error("onChange must not fire for an invalid config")
	}, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Negative worker count fails validation; the last good config must survive
	bad := "execution:\n  worker_count: -1\n"
	if err := os.WriteFile(configPath, []byte(bad), 0644); err != nil {
		t.Fatalf("failed to write bad config: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for w.RejectedReloads() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for rejected reload")
		case <-time.After(50 * time.Millisecond):
		}
	}

	if w.Current().Execution.WorkerCount != 4 {
		t.Errorf("expected last good config to remain, got worker count %d", w.Current().Execution.WorkerCount)
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if cfg.Camera.FrontDevice != "/dev/video0" {
		t.Errorf("expected front device /dev/video0, got %s", cfg.Camera.FrontDevice)
	}
	if cfg.Extraction.PollInterval != 500*time.Millisecond {
		t.Errorf("expected poll interval 500ms, got %s", cfg.Extraction.PollInterval)
	}
	if cfg.Extraction.MinQuality != 70 {
		t.Errorf("expected min quality 70, got %f", cfg.Extraction.MinQuality)
	}

	if cfg.Matching.MaxDistance != 1.2 {
		t.Errorf("expected max distance 1.2, got %f", cfg.Matching.MaxDistance)
	}
	if cfg.Matching.LookupThreshold != 30 {
		t.Errorf("expected lookup threshold 30, got %f", cfg.Matching.LookupThreshold)
	}
	if cfg.Matching.DuplicateThreshold != 70 {
		t.Errorf("expected duplicate threshold 70, got %f", cfg.Matching.DuplicateThreshold)
	}
	if cfg.Matching.TopK != 5 {
		t.Errorf("expected top k 5, got %d", cfg.Matching.TopK)
	}

	if cfg.Enrollment.StalenessWindow != 24*time.Hour {
		t.Errorf("expected staleness window 24h, got %s", cfg.Enrollment.StalenessWindow)
	}
	if cfg.Invitation.Validity != 7*24*time.Hour {
		t.Errorf("expected invitation validity 7 days, got %s", cfg.Invitation.Validity)
	}

	if !cfg.Records.EncryptionEnabled {
		t.Error("expected record encryption to be enabled by default")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.Logging.Level)
	}
}

func TestLoad(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "faceenroll.yaml")

	configContent := `
camera:
  front_device: /dev/video4
  width: 1280
  height: 720

extraction:
  poll_interval: 250ms
  timeout: 2s
  min_quality: 80

matching:
  max_distance: 1.1
  duplicate_threshold: 65
  top_k: 3

enrollment:
  staleness_window: 12h

records:
  backend: postgres
  database_url: postgres://localhost:5432/enroll

blob:
  backend: minio
  bucket: photos
  endpoint: localhost:9000

logging:
  level: debug
  format: json
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Camera.FrontDevice != "/dev/video4" {
		t.Errorf("expected front device /dev/video4, got %s", cfg.Camera.FrontDevice)
	}
	if cfg.Camera.RearDevice != "/dev/video2" {
		t.Errorf("expected untouched rear device default, got %s", cfg.Camera.RearDevice)
	}
	if cfg.Extraction.PollInterval != 250*time.Millisecond {
		t.Errorf("expected poll interval 250ms, got %s", cfg.Extraction.PollInterval)
	}
	if cfg.Extraction.MinQuality != 80 {
		t.Errorf("expected min quality 80, got %f", cfg.Extraction.MinQuality)
	}
	if cfg.Matching.MaxDistance != 1.1 {
		t.Errorf("expected max distance 1.1, got %f", cfg.Matching.MaxDistance)
	}
	if cfg.Matching.LookupThreshold != 30 {
		t.Errorf("expected default lookup threshold, got %f", cfg.Matching.LookupThreshold)
	}
	if cfg.Enrollment.StalenessWindow != 12*time.Hour {
		t.Errorf("expected staleness 12h, got %s", cfg.Enrollment.StalenessWindow)
	}
	if cfg.Records.Backend != "postgres" {
		t.Errorf("expected postgres backend, got %s", cfg.Records.Backend)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected json log format, got %s", cfg.Logging.Format)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")

	if cfg == nil {
		t.Error("expected default config on error")
	}
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid.yaml")

	if err := os.WriteFile(configPath, []byte("invalid: [yaml: content"), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	cfg, err := Load(configPath)
	if cfg == nil {
		t.Error("expected default config on error")
	}
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("FACEENROLL_DATABASE_URL", "postgres://db/enroll")
	t.Setenv("FACEENROLL_DUPLICATE_THRESHOLD", "72.5")
	t.Setenv("FACEENROLL_ALLOW_DEGRADED", "true")
	t.Setenv("FACEENROLL_INVITE_SECRET", "s3cret")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}

	if cfg.Records.DatabaseURL != "postgres://db/enroll" {
		t.Errorf("database url not applied: %s", cfg.Records.DatabaseURL)
	}
	if cfg.Matching.DuplicateThreshold != 72.5 {
		t.Errorf("duplicate threshold not applied: %f", cfg.Matching.DuplicateThreshold)
	}
	if !cfg.Models.AllowDegraded {
		t.Error("allow_degraded not applied")
	}
	if cfg.Invitation.Secret != "s3cret" {
		t.Error("invitation secret not applied")
	}
}

func TestApplyEnv_InvalidNumber(t *testing.T) {
	t.Setenv("FACEENROLL_MAX_DISTANCE", "far")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnv(); err == nil {
		t.Error("expected error for invalid float")
	}
}

func TestLoadDotEnv(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envPath, []byte("FACEENROLL_LOG_LEVEL=warn\n"), 0600); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}
	t.Setenv("FACEENROLL_LOG_LEVEL", "")
	os.Unsetenv("FACEENROLL_LOG_LEVEL")

	if err := LoadDotEnv(envPath); err != nil {
		t.Fatalf("LoadDotEnv failed: %v", err)
	}
	if os.Getenv("FACEENROLL_LOG_LEVEL") != "warn" {
		t.Errorf("expected value from .env, got %q", os.Getenv("FACEENROLL_LOG_LEVEL"))
	}

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("missing .env should not be an error: %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	if result := ExpandPath("~/models"); strings.HasPrefix(result, "~") {
		t.Error("tilde was not expanded")
	}
	if result := ExpandPath("/absolute/path"); result != "/absolute/path" {
		t.Errorf("unexpected expansion: got %s", result)
	}
	t.Setenv("ENROLL_TEST_DIR", "/srv/enroll")
	if result := ExpandPath("$ENROLL_TEST_DIR/photos"); result != "/srv/enroll/photos" {
		t.Errorf("env var not expanded: got %s", result)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Config)
		wantError bool
		errorMsg  string
	}{
		{
			name:   "valid default config",
			modify: func(c *Config) {},
		},
		{
			name:      "invalid camera width",
			modify:    func(c *Config) { c.Camera.Width = 0 },
			wantError: true,
			errorMsg:  "invalid camera resolution",
		},
		{
			name:      "invalid detector",
			modify:    func(c *Config) { c.Models.Detector = "yolo" },
			wantError: true,
			errorMsg:  "invalid detector",
		},
		{
			name:      "zero poll interval",
			modify:    func(c *Config) { c.Extraction.PollInterval = 0 },
			wantError: true,
			errorMsg:  "poll_interval must be positive",
		},
		{
			name:      "min quality above 100",
			modify:    func(c *Config) { c.Extraction.MinQuality = 120 },
			wantError: true,
			errorMsg:  "min_quality must be between 0 and 100",
		},
		{
			name:      "negative max distance",
			modify:    func(c *Config) { c.Matching.MaxDistance = -1 },
			wantError: true,
			errorMsg:  "max_distance must be positive",
		},
		{
			name:      "duplicate threshold above 100",
			modify:    func(c *Config) { c.Matching.DuplicateThreshold = 101 },
			wantError: true,
			errorMsg:  "duplicate_threshold must be between 0 and 100",
		},
		{
			name:      "zero top k",
			modify:    func(c *Config) { c.Matching.TopK = 0 },
			wantError: true,
			errorMsg:  "top_k must be positive",
		},
		{
			name:      "postgres without url",
			modify:    func(c *Config) { c.Records.Backend = "postgres" },
			wantError: true,
			errorMsg:  "database_url is required",
		},
		{
			name:      "unknown records backend",
			modify:    func(c *Config) { c.Records.Backend = "mongo" },
			wantError: true,
			errorMsg:  "invalid records backend",
		},
		{
			name:      "s3 without bucket",
			modify:    func(c *Config) { c.Blob.Backend = "s3" },
			wantError: true,
			errorMsg:  "blob.bucket is required",
		},
		{
			name:      "dynamodb without table",
			modify:    func(c *Config) { c.SessionStore.Backend = "dynamodb" },
			wantError: true,
			errorMsg:  "session_store.table is required",
		},
		{
			name:   "memory session store",
			modify: func(c *Config) { c.SessionStore.Backend = "memory" },
		},
		{
			name:      "invalid log level",
			modify:    func(c *Config) { c.Logging.Level = "invalid" },
			wantError: true,
			errorMsg:  "invalid log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantError {
				if err == nil {
					t.Error("expected error but got nil")
				} else if !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("error message doesn't contain '%s': %v", tt.errorMsg, err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestConfig_ExpandPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Records.DataDir = "~/enroll/data"
	cfg.SessionStore.Dir = "~/enroll/sessions"
	cfg.Logging.File = "~/enroll/log.txt"

	cfg.ExpandPaths()

	for name, p := range map[string]string{
		"Records.DataDir":  cfg.Records.DataDir,
		"SessionStore.Dir": cfg.SessionStore.Dir,
		"Logging.File":     cfg.Logging.File,
	} {
		if strings.HasPrefix(p, "~") {
			t.Errorf("%s tilde was not expanded", name)
		}
	}
}

func TestConfig_EnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Models.CacheDir = filepath.Join(tmpDir, "models")
	cfg.Records.DataDir = filepath.Join(tmpDir, "data")
	cfg.Blob.LocalDir = filepath.Join(tmpDir, "photos")
	cfg.SessionStore.Dir = filepath.Join(tmpDir, "sessions")
	cfg.Logging.File = filepath.Join(tmpDir, "logs", "faceenroll.log")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	for _, dir := range []string{
		cfg.Models.CacheDir,
		filepath.Join(cfg.Records.DataDir, "identities"),
		cfg.Blob.LocalDir,
		cfg.SessionStore.Dir,
		filepath.Dir(cfg.Logging.File),
	} {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			t.Errorf("%s was not created", dir)
		}
	}
}

func BenchmarkConfig_Validate(b *testing.B) {
	cfg := DefaultConfig()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = cfg.Validate()
	}
}

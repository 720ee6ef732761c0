// Package config provides configuration management for faceenroll.
// It loads configuration from YAML files with sensible defaults and lets a
// small set of environment variables (optionally from a .env file) override it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all faceenroll configuration.
type Config struct {
	Camera       CameraConfig       `yaml:"camera"`
	Models       ModelsConfig       `yaml:"models"`
	Extraction   ExtractionConfig   `yaml:"extraction"`
	Matching     MatchingConfig     `yaml:"matching"`
	Enrollment   EnrollmentConfig   `yaml:"enrollment"`
	Records      RecordsConfig      `yaml:"records"`
	Blob         BlobConfig         `yaml:"blob"`
	SessionStore SessionStoreConfig `yaml:"session_store"`
	Invitation   InvitationConfig   `yaml:"invitation"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// CameraConfig holds capture device settings.
type CameraConfig struct {
	FrontDevice string `yaml:"front_device"`
	RearDevice  string `yaml:"rear_device"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	FPS         int    `yaml:"fps"`
	FFmpegPath  string `yaml:"ffmpeg_path"`
}

// ModelsConfig holds model loading settings.
type ModelsConfig struct {
	CacheDir      string            `yaml:"cache_dir"`
	BaseURL       string            `yaml:"base_url"`
	Detector      string            `yaml:"detector"` // hog or cnn
	AllowDegraded bool              `yaml:"allow_degraded"`
	Auxiliary     map[string]string `yaml:"auxiliary"` // file name -> URL
	FetchTimeout  time.Duration     `yaml:"fetch_timeout"`
}

// ExtractionConfig holds descriptor extraction settings.
type ExtractionConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	Timeout          time.Duration `yaml:"timeout"`
	MinQuality       float64       `yaml:"min_quality"`
	IncludeAuxiliary bool          `yaml:"include_auxiliary"`
	Samples          int           `yaml:"samples"` // accepted captures averaged by auto capture
}

// MatchingConfig holds duplicate detection settings. The distance
// calibration and thresholds are empirical and meant to be tuned.
type MatchingConfig struct {
	MaxDistance        float64 `yaml:"max_distance"`
	LookupThreshold    float64 `yaml:"lookup_threshold"`
	DuplicateThreshold float64 `yaml:"duplicate_threshold"`
	TopK               int     `yaml:"top_k"`
	VeryHighAbove      float64 `yaml:"very_high_above"`
	HighAbove          float64 `yaml:"high_above"`
}

// EnrollmentConfig holds session settings.
type EnrollmentConfig struct {
	StalenessWindow   time.Duration `yaml:"staleness_window"`
	MinPasswordLength int           `yaml:"min_password_length"`
	MaxPhotoBytes     int           `yaml:"max_photo_bytes"`
}

// RecordsConfig selects the identity record store.
type RecordsConfig struct {
	Backend           string `yaml:"backend"` // file or postgres
	DataDir           string `yaml:"data_dir"`
	EncryptionEnabled bool   `yaml:"encryption_enabled"`
	DatabaseURL       string `yaml:"database_url"`
}

// BlobConfig selects the photo blob store.
type BlobConfig struct {
	Backend   string `yaml:"backend"` // local, minio or s3
	LocalDir  string `yaml:"local_dir"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// SessionStoreConfig selects the scoped key/value store used for resumption.
type SessionStoreConfig struct {
	Backend           string `yaml:"backend"` // memory, file or dynamodb
	Dir               string `yaml:"dir"`
	EncryptionEnabled bool   `yaml:"encryption_enabled"`
	Table             string `yaml:"table"`
	Region            string `yaml:"region"`
}

// InvitationConfig holds invitation token settings.
type InvitationConfig struct {
	Secret   string        `yaml:"secret"`
	Validity time.Duration `yaml:"validity"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local/share/faceenroll")
	return &Config{
		Camera: CameraConfig{
			FrontDevice: "/dev/video0",
			RearDevice:  "/dev/video2",
			Width:       640,
			Height:      480,
			FPS:         15,
			FFmpegPath:  "ffmpeg",
		},
		Models: ModelsConfig{
			CacheDir:     filepath.Join(dataDir, "models"),
			BaseURL:      "http://dlib.net/files",
			Detector:     "hog",
			FetchTimeout: 10 * time.Minute,
		},
		Extraction: ExtractionConfig{
			PollInterval: 500 * time.Millisecond,
			Timeout:      3 * time.Second,
			MinQuality:   70,
			Samples:      3,
		},
		Matching: MatchingConfig{
			MaxDistance:        1.2,
			LookupThreshold:    30,
			DuplicateThreshold: 70,
			TopK:               5,
			VeryHighAbove:      85,
			HighAbove:          75,
		},
		Enrollment: EnrollmentConfig{
			StalenessWindow:   24 * time.Hour,
			MinPasswordLength: 8,
			MaxPhotoBytes:     8 << 20,
		},
		Records: RecordsConfig{
			Backend:           "file",
			DataDir:           dataDir,
			EncryptionEnabled: true,
		},
		Blob: BlobConfig{
			Backend:  "local",
			LocalDir: filepath.Join(dataDir, "photos"),
			Prefix:   "enrollment-photos",
			UseSSL:   true,
		},
		SessionStore: SessionStoreConfig{
			Backend:           "file",
			Dir:               filepath.Join(dataDir, "sessions"),
			EncryptionEnabled: true,
		},
		Invitation: InvitationConfig{
			Validity: 7 * 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			File:   filepath.Join(dataDir, "faceenroll.log"),
			Format: "text",
		},
	}
}

// Load loads configuration from the specified file on top of the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return config, err
	}

	return config, nil
}

// LoadDefault tries to load configuration from the default locations.
func LoadDefault() (*Config, error) {
	if _, err := os.Stat("/etc/faceenroll/faceenroll.yaml"); err == nil {
		return Load("/etc/faceenroll/faceenroll.yaml")
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return DefaultConfig(), nil
	}

	userConfig := filepath.Join(homeDir, ".config/faceenroll/faceenroll.yaml")
	if _, err := os.Stat(userConfig); err == nil {
		return Load(userConfig)
	}

	return DefaultConfig(), nil
}

// LoadDotEnv loads a .env file into the process environment. A missing file
// is not an error.
func LoadDotEnv(paths ...string) error {
	if err := godotenv.Load(paths...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// ApplyEnv overrides selected settings from FACEENROLL_* environment variables.
func (c *Config) ApplyEnv() error {
	str := map[string]*string{
		"FACEENROLL_DATABASE_URL":      &c.Records.DatabaseURL,
		"FACEENROLL_RECORDS_BACKEND":   &c.Records.Backend,
		"FACEENROLL_BLOB_BACKEND":      &c.Blob.Backend,
		"FACEENROLL_BLOB_BUCKET":       &c.Blob.Bucket,
		"FACEENROLL_BLOB_ENDPOINT":     &c.Blob.Endpoint,
		"FACEENROLL_BLOB_ACCESS_KEY":   &c.Blob.AccessKey,
		"FACEENROLL_BLOB_SECRET_KEY":   &c.Blob.SecretKey,
		"FACEENROLL_BLOB_REGION":       &c.Blob.Region,
		"FACEENROLL_SESSION_BACKEND":   &c.SessionStore.Backend,
		"FACEENROLL_SESSION_TABLE":     &c.SessionStore.Table,
		"FACEENROLL_INVITE_SECRET":     &c.Invitation.Secret,
		"FACEENROLL_MODEL_CACHE_DIR":   &c.Models.CacheDir,
		"FACEENROLL_LOG_LEVEL":         &c.Logging.Level,
		"FACEENROLL_LOG_FORMAT":        &c.Logging.Format,
		"FACEENROLL_CAMERA_FRONT":      &c.Camera.FrontDevice,
		"FACEENROLL_CAMERA_REAR":       &c.Camera.RearDevice,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	floats := map[string]*float64{
		"FACEENROLL_MAX_DISTANCE":        &c.Matching.MaxDistance,
		"FACEENROLL_LOOKUP_THRESHOLD":    &c.Matching.LookupThreshold,
		"FACEENROLL_DUPLICATE_THRESHOLD": &c.Matching.DuplicateThreshold,
		"FACEENROLL_MIN_QUALITY":         &c.Extraction.MinQuality,
	}
	for key, dst := range floats {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = f
	}

	if v, ok := os.LookupEnv("FACEENROLL_ALLOW_DEGRADED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid FACEENROLL_ALLOW_DEGRADED: %w", err)
		}
		c.Models.AllowDegraded = b
	}

	return nil
}

// ExpandPath expands ~ and environment variables in a path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("invalid camera resolution: %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.FPS <= 0 {
		return fmt.Errorf("invalid camera FPS: %d", c.Camera.FPS)
	}

	if c.Models.Detector != "hog" && c.Models.Detector != "cnn" {
		return fmt.Errorf("invalid detector: %s (must be hog or cnn)", c.Models.Detector)
	}

	if c.Extraction.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.Extraction.PollInterval)
	}
	if c.Extraction.Timeout <= 0 {
		return fmt.Errorf("extraction timeout must be positive, got %s", c.Extraction.Timeout)
	}
	if c.Extraction.MinQuality < 0 || c.Extraction.MinQuality > 100 {
		return fmt.Errorf("min_quality must be between 0 and 100, got %f", c.Extraction.MinQuality)
	}
	if c.Extraction.Samples <= 0 {
		return fmt.Errorf("extraction samples must be positive, got %d", c.Extraction.Samples)
	}

	if c.Matching.MaxDistance <= 0 {
		return fmt.Errorf("max_distance must be positive, got %f", c.Matching.MaxDistance)
	}
	for name, v := range map[string]float64{
		"lookup_threshold":    c.Matching.LookupThreshold,
		"duplicate_threshold": c.Matching.DuplicateThreshold,
		"very_high_above":     c.Matching.VeryHighAbove,
		"high_above":          c.Matching.HighAbove,
	} {
		if v < 0 || v > 100 {
			return fmt.Errorf("%s must be between 0 and 100, got %f", name, v)
		}
	}
	if c.Matching.TopK <= 0 {
		return fmt.Errorf("top_k must be positive, got %d", c.Matching.TopK)
	}

	if c.Enrollment.StalenessWindow <= 0 {
		return fmt.Errorf("staleness_window must be positive, got %s", c.Enrollment.StalenessWindow)
	}

	switch c.Records.Backend {
	case "file":
	case "postgres":
		if c.Records.DatabaseURL == "" {
			return errors.New("records.database_url is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid records backend: %s (must be file or postgres)", c.Records.Backend)
	}

	switch c.Blob.Backend {
	case "local":
	case "minio", "s3":
		if c.Blob.Bucket == "" {
			return fmt.Errorf("blob.bucket is required for the %s backend", c.Blob.Backend)
		}
	default:
		return fmt.Errorf("invalid blob backend: %s (must be local, minio or s3)", c.Blob.Backend)
	}

	switch c.SessionStore.Backend {
	case "memory", "file":
	case "dynamodb":
		if c.SessionStore.Table == "" {
			return errors.New("session_store.table is required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("invalid session store backend: %s (must be memory, file or dynamodb)", c.SessionStore.Backend)
	}

	if c.Invitation.Validity <= 0 {
		return fmt.Errorf("invitation validity must be positive, got %s", c.Invitation.Validity)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// ExpandPaths expands all paths in the configuration.
func (c *Config) ExpandPaths() {
	c.Camera.FrontDevice = ExpandPath(c.Camera.FrontDevice)
	c.Camera.RearDevice = ExpandPath(c.Camera.RearDevice)
	c.Models.CacheDir = ExpandPath(c.Models.CacheDir)
	c.Records.DataDir = ExpandPath(c.Records.DataDir)
	c.Blob.LocalDir = ExpandPath(c.Blob.LocalDir)
	c.SessionStore.Dir = ExpandPath(c.SessionStore.Dir)
	c.Logging.File = ExpandPath(c.Logging.File)
}

// EnsureDirectories creates the directories used by the file-based backends.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Models.CacheDir, 0755); err != nil {
		return fmt.Errorf("failed to create model cache directory: %w", err)
	}

	if c.Records.Backend == "file" {
		if err := os.MkdirAll(filepath.Join(c.Records.DataDir, "identities"), 0700); err != nil {
			return fmt.Errorf("failed to create identities directory: %w", err)
		}
	}

	if c.Blob.Backend == "local" {
		if err := os.MkdirAll(c.Blob.LocalDir, 0700); err != nil {
			return fmt.Errorf("failed to create photo directory: %w", err)
		}
	}

	if c.SessionStore.Backend == "file" {
		if err := os.MkdirAll(c.SessionStore.Dir, 0700); err != nil {
			return fmt.Errorf("failed to create session directory: %w", err)
		}
	}

	if c.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.Logging.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	return nil
}

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func newBufferedLogger(level logrus.Level) *bytes.Buffer {
	var buf bytes.Buffer
	Logger = logrus.New()
	Logger.SetOutput(&buf)
	Logger.SetLevel(level)
	Logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return &buf
}

func TestInit(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected logrus.Level
	}{
		{"debug level", "debug", logrus.DebugLevel},
		{"info level", "info", logrus.InfoLevel},
		{"warn level", "warn", logrus.WarnLevel},
		{"warning alias", "warning", logrus.WarnLevel},
		{"error level", "error", logrus.ErrorLevel},
		{"unknown level defaults to info", "chatty", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Logger = logrus.New()
			if err := Init(Options{Level: tt.level}); err != nil {
				t.Fatalf("Init() error = %v", err)
			}
			if Logger.GetLevel() != tt.expected {
				t.Errorf("expected level %v, got %v", tt.expected, Logger.GetLevel())
			}
		})
	}
}

func TestInit_WithNestedLogFile(t *testing.T) {
	Logger = logrus.New()
	logFile := filepath.Join(t.TempDir(), "sub", "nested", "enroll.log")

	if err := Init(Options{Level: "info", File: logFile}); err != nil {
		t.Fatalf("Init with log file failed: %v", err)
	}
	if _, err := os.Stat(logFile); os.IsNotExist(err) {
		t.Error("log file was not created")
	}
	// Restore stderr so other tests do not write into the temp dir.
	Logger.SetOutput(os.Stderr)
}

func TestInit_JSONFormat(t *testing.T) {
	Logger = logrus.New()
	if err := Init(Options{Level: "info", Format: "json"}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	var buf bytes.Buffer
	Logger.SetOutput(&buf)

	Component("matcher").WithField("identity_id", "u-1").Info("excluded record")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON output, got %q: %v", buf.String(), err)
	}
	if entry["component"] != "matcher" {
		t.Errorf("component field missing: %v", entry)
	}
	if entry["identity_id"] != "u-1" {
		t.Errorf("identity_id field missing: %v", entry)
	}
}

func TestSetLevel(t *testing.T) {
	Logger = logrus.New()
	SetLevel("debug")
	if Logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("expected debug, got %v", Logger.GetLevel())
	}
	SetLevel("error")
	if Logger.GetLevel() != logrus.ErrorLevel {
		t.Errorf("expected error, got %v", Logger.GetLevel())
	}
}

func TestFormattedHelpers(t *testing.T) {
	buf := newBufferedLogger(logrus.DebugLevel)

	tests := []struct {
		name string
		log  func()
		want string
	}{
		{"Debugf", func() { Debugf("debug %s", "formatted") }, "debug formatted"},
		{"Infof", func() { Infof("info %d", 42) }, "info 42"},
		{"Warnf", func() { Warnf("warn %s", "stage") }, "warn stage"},
		{"Errorf", func() { Errorf("error %s", "occurred") }, "error occurred"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.log()
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("expected %q in %q", tt.want, buf.String())
			}
		})
	}
}

func TestWithFields(t *testing.T) {
	buf := newBufferedLogger(logrus.InfoLevel)

	WithFields(Fields{"session": "abc", "step": "face_capture"}).Info("transition")

	output := buf.String()
	if !strings.Contains(output, "session=abc") || !strings.Contains(output, "step=face_capture") {
		t.Errorf("fields missing in %q", output)
	}
}

func TestWithError(t *testing.T) {
	buf := newBufferedLogger(logrus.ErrorLevel)

	WithError(os.ErrNotExist).Error("load failed")

	if !strings.Contains(buf.String(), "file does not exist") {
		t.Errorf("error missing in %q", buf.String())
	}
}

func TestComponent(t *testing.T) {
	buf := newBufferedLogger(logrus.InfoLevel)

	Component("recovery").Info("restored")

	if !strings.Contains(buf.String(), "component=recovery") {
		t.Errorf("component field missing in %q", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := newBufferedLogger(logrus.ErrorLevel)

	Debugf("debug")
	Infof("info")
	Warnf("warn")
	if buf.Len() > 0 {
		t.Errorf("expected nothing below error level, got %q", buf.String())
	}

	Errorf("error")
	if buf.Len() == 0 {
		t.Error("error should be logged at error level")
	}
}

func BenchmarkComponentWithFields(b *testing.B) {
	Logger = logrus.New()
	Logger.SetOutput(&bytes.Buffer{})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Component("extraction").WithFields(Fields{"quality": 81.5, "detected": true}).Info("tick")
	}
}

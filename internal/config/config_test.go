package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNew_Defaults(t *testing.T) {
	t.Setenv(EnvPollInterval, "")
	t.Setenv(EnvMaxPolls, "")
	t.Setenv(EnvProvider, "")
	t.Setenv(EnvHost, "")

	cfg, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if cfg.Host() != DefaultHost {
		t.Errorf("Host = %q, want %q", cfg.Host(), DefaultHost)
	}
	if cfg.PollInterval() != 5*time.Second {
		t.Errorf("PollInterval = %v, want 5s", cfg.PollInterval())
	}
	if cfg.MaxPolls() != DefaultMaxPolls {
		t.Errorf("MaxPolls = %d, want %d", cfg.MaxPolls(), DefaultMaxPolls)
	}
	if cfg.PollRetries() != DefaultPollRetries {
		t.Errorf("PollRetries = %d, want %d", cfg.PollRetries(), DefaultPollRetries)
	}
	if cfg.Provider() != ProviderHTTP {
		t.Errorf("Provider = %q, want %q", cfg.Provider(), ProviderHTTP)
	}
	if cfg.AMQPQueue() != DefaultAMQPQueue {
		t.Errorf("AMQPQueue = %q, want %q", cfg.AMQPQueue(), DefaultAMQPQueue)
	}
}

func TestNew_FromEnv(t *testing.T) {
	t.Setenv(EnvPort, "9000")
	t.Setenv(EnvPollInterval, "2")
	t.Setenv(EnvMaxPolls, "10")
	t.Setenv(EnvProvider, "GCP")
	t.Setenv(EnvTranscriptBucket, "media-bucket")
	t.Setenv(EnvProviderURL, "http://engine.local/")
	t.Setenv(EnvTracing, "true")
	t.Setenv(EnvDataDir, "/tmp/videa-test")

	cfg, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if cfg.Port() != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Port())
	}
	if cfg.PollInterval() != 2*time.Second {
		t.Errorf("PollInterval = %v, want 2s", cfg.PollInterval())
	}
	if cfg.MaxPolls() != 10 {
		t.Errorf("MaxPolls = %d, want 10", cfg.MaxPolls())
	}
	if cfg.Provider() != ProviderGCP {
		t.Errorf("Provider = %q, want %q", cfg.Provider(), ProviderGCP)
	}
	if cfg.ProviderURL() != "http://engine.local" {
		t.Errorf("ProviderURL = %q, want trailing slash trimmed", cfg.ProviderURL())
	}
	if !cfg.TracingEnabled() {
		t.Error("TracingEnabled = false, want true")
	}
	if cfg.DBPath() != filepath.Join("/tmp/videa-test", DBFilename) {
		t.Errorf("DBPath = %q", cfg.DBPath())
	}
}

func TestNew_ZeroPollRetries(t *testing.T) {
	t.Setenv(EnvPollRetries, "0")
	cfg, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if cfg.PollRetries() != 0 {
		t.Errorf("PollRetries = %d, want 0", cfg.PollRetries())
	}
}

func TestNew_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  string
		val  string
	}{
		{"port not a number", EnvPort, "abc"},
		{"port out of range", EnvPort, "70000"},
		{"zero polls", EnvMaxPolls, "0"},
		{"negative interval", EnvPollInterval, "-1"},
		{"negative retries", EnvPollRetries, "-2"},
		{"unknown provider", EnvProvider, "aws"},
		{"bad tracing flag", EnvTracing, "maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.val)
			if _, err := New(); err == nil {
				t.Errorf("New() with %s=%q should fail", tt.env, tt.val)
			}
		})
	}
}

func TestNew_GCPRequiresBucket(t *testing.T) {
	t.Setenv(EnvProvider, ProviderGCP)
	t.Setenv(EnvTranscriptBucket, "")

	if _, err := New(); err == nil {
		t.Error("New() should fail without a transcript bucket for the gcp provider")
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("VIDEA_MAX_POLLS=42\n"), 0644); err != nil {
		t.Fatalf("write env file error = %v", err)
	}
	os.Unsetenv(EnvMaxPolls)
	t.Cleanup(func() { os.Unsetenv(EnvMaxPolls) })

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}

	cfg, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if cfg.MaxPolls() != 42 {
		t.Errorf("MaxPolls = %d, want 42", cfg.MaxPolls())
	}
}

func TestLoadDotEnv_MissingFileIgnored(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("LoadDotEnv() error = %v, want nil for a missing file", err)
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeTempConfig writes content to a temporary YAML file and returns its path.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "cfg-*.yml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close temp file: %v", err)
	}
	return f.Name()
}

const minimalConfig = `mirror:
  name: "TestMirror"
  version: "1.0"
feed:
  instrument: "BTC-USD"
`

func TestLoadConfig(t *testing.T) {
	t.Setenv("FEED_URL", "")
	t.Setenv("FEED_INSTRUMENT", "")
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Mirror.Name != "TestMirror" {
		t.Errorf("unexpected name: %s", cfg.Mirror.Name)
	}
	if cfg.Feed.Instrument != "BTC-USD" {
		t.Errorf("unexpected instrument: %s", cfg.Feed.Instrument)
	}
	// defaults survive a partial file
	if cfg.Feed.Channel != "level2" || cfg.Feed.Environment != "sandbox" {
		t.Errorf("unexpected feed defaults: %+v", cfg.Feed)
	}
	if cfg.Channels.RawBuffer != 1024 {
		t.Errorf("unexpected raw buffer: %d", cfg.Channels.RawBuffer)
	}
	if cfg.Processor.StatsInterval != 30*time.Second {
		t.Errorf("unexpected stats interval: %v", cfg.Processor.StatsInterval)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("FEED_URL", "ws://127.0.0.1:9999")
	t.Setenv("FEED_INSTRUMENT", " ETH-USD ")
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")
	path := writeTempConfig(t, minimalConfig)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Feed.URL != "ws://127.0.0.1:9999" {
		t.Errorf("FEED_URL not applied: %s", cfg.Feed.URL)
	}
	if cfg.Feed.Instrument != "ETH-USD" {
		t.Errorf("FEED_INSTRUMENT not applied: %q", cfg.Feed.Instrument)
	}
	if len(cfg.Publisher.Kafka.Brokers) != 2 || cfg.Publisher.Kafka.Brokers[1] != "b:9092" {
		t.Errorf("KAFKA_BROKERS not applied: %v", cfg.Publisher.Kafka.Brokers)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"missing name":   "mirror:\n  version: \"1\"\n",
		"bad env":        minimalConfig + "  environment: live\n",
		"bad buffer":     minimalConfig + "channels:\n  raw_buffer: 0\n",
		"bad export":     minimalConfig + "export:\n  enabled: true\n  destination: ftp\n",
		"s3 export":      minimalConfig + "export:\n  enabled: true\n  destination: s3\n",
		"kafka no topic": minimalConfig + "publisher:\n  kafka:\n    enabled: true\n    brokers: [\"a:9092\"]\n",
		"bad bucket":     minimalConfig + "storage:\n  s3:\n    enabled: true\n    bucket: Bad_Bucket\n    region: us-east-1\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeTempConfig(t, content)
			if _, err := LoadConfig(path); err == nil {
				t.Fatalf("expected validation error")
			} else if !strings.Contains(err.Error(), "validation failed") {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestIsValidS3Bucket(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"valid-bucket", true},
		{"Invalid", false},
		{"ab", false},
		{"my..bucket", false},
	}
	for _, c := range cases {
		if got := isValidS3Bucket(c.name); got != c.valid {
			t.Errorf("isValidS3Bucket(%q) = %v, want %v", c.name, got, c.valid)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	t.Setenv("APP_ENV", "prod")
	if got := ResolveConfigPath(""); got != DefaultConfigPath {
		t.Fatalf("without env file got %q", got)
	}

	if err := os.MkdirAll("config", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile("config/config.production.yml", []byte(minimalConfig), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := ResolveConfigPath(""); got != "config/config.production.yml" {
		t.Fatalf("with env file got %q", got)
	}
	if got := ResolveConfigPath("custom.yml"); got != "custom.yml" {
		t.Fatalf("explicit path overridden: %q", got)
	}
	if !IsProductionLike(AppEnvironment()) {
		t.Fatal("prod alias should be production-like")
	}
}

func TestFeedEndpoint(t *testing.T) {
	cases := []struct {
		feed FeedConfig
		want string
	}{
		{FeedConfig{Environment: "sandbox"}, SandboxFeedURL},
		{FeedConfig{Environment: "production"}, ProductionFeedURL},
		{FeedConfig{Environment: "production", URL: "ws://localhost:1"}, "ws://localhost:1"},
	}
	for _, c := range cases {
		if got := c.feed.Endpoint(); got != c.want {
			t.Errorf("Endpoint(%+v) = %q, want %q", c.feed, got, c.want)
		}
	}
}

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Mirror    MirrorConfig    `yaml:"mirror"`
	Feed      FeedConfig      `yaml:"feed"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Processor ProcessorConfig `yaml:"processor"`
	API       APIConfig       `yaml:"api"`
	Export    ExportConfig    `yaml:"export"`
	Publisher PublisherConfig `yaml:"publisher"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type MirrorConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type FeedConfig struct {
	// Environment selects the default websocket URL: "sandbox" or "production".
	Environment      string        `yaml:"environment"`
	URL              string        `yaml:"url"`
	Instrument       string        `yaml:"instrument"`
	Channel          string        `yaml:"channel"`
	LocalIP          string        `yaml:"local_ip"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// ReadTimeout bounds the wait for the next frame; zero waits forever.
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

type ChannelsConfig struct {
	RawBuffer   int `yaml:"raw_buffer"`
	QuoteBuffer int `yaml:"quote_buffer"`
}

type ProcessorConfig struct {
	DiagnosticsPerSecond float64       `yaml:"diagnostics_per_second"`
	DiagnosticsBurst     int           `yaml:"diagnostics_burst"`
	StatsInterval        time.Duration `yaml:"stats_interval"`
}

type APIConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Address      string `yaml:"address"`
	DefaultDepth int    `yaml:"default_depth"`
}

type ExportConfig struct {
	Enabled bool `yaml:"enabled"`
	// Destination is "local" or "s3".
	Destination string `yaml:"destination"`
	Directory   string `yaml:"directory"`
	Prefix      string `yaml:"prefix"`
	Compression string `yaml:"compression"`
}

type PublisherConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level          string           `yaml:"level"`
	Format         string           `yaml:"format"`
	Output         string           `yaml:"output"`
	MaxAge         int              `yaml:"max_age"`
	ReportInterval time.Duration    `yaml:"report_interval"`
	CloudWatch     CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	config.Feed.Instrument = strings.TrimSpace(config.Feed.Instrument)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func defaultConfig() Config {
	return Config{
		Feed: FeedConfig{
			Environment:      "sandbox",
			Channel:          "level2",
			HandshakeTimeout: 10 * time.Second,
		},
		Channels: ChannelsConfig{
			RawBuffer:   1024,
			QuoteBuffer: 256,
		},
		Processor: ProcessorConfig{
			DiagnosticsPerSecond: 5,
			DiagnosticsBurst:     20,
			StatsInterval:        30 * time.Second,
		},
		API: APIConfig{
			Address:      "127.0.0.1:8080",
			DefaultDepth: 50,
		},
		Export: ExportConfig{
			Destination: "local",
			Directory:   "exports",
			Compression: "snappy",
		},
		Publisher: PublisherConfig{
			Kafka: KafkaConfig{BatchTimeout: 50 * time.Millisecond},
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "json",
			Output:         "stderr",
			ReportInterval: 30 * time.Second,
		},
	}
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("FEED_URL"); v != "" {
		config.Feed.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("FEED_INSTRUMENT"); v != "" {
		config.Feed.Instrument = strings.TrimSpace(v)
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		brokers := strings.Split(v, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		config.Publisher.Kafka.Brokers = brokers
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Mirror.Name == "" {
		return fmt.Errorf("mirror.name is required")
	}

	if cfg.Mirror.Version == "" {
		return fmt.Errorf("mirror.version is required")
	}

	switch cfg.Feed.Environment {
	case "sandbox", "production":
	default:
		return fmt.Errorf("feed.environment must be sandbox or production, got '%s'", cfg.Feed.Environment)
	}

	if cfg.Feed.Channel == "" {
		return fmt.Errorf("feed.channel is required")
	}

	if cfg.Feed.ReadTimeout < 0 {
		return fmt.Errorf("feed.read_timeout must not be negative")
	}

	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}

	if cfg.Processor.DiagnosticsPerSecond < 0 {
		return fmt.Errorf("processor.diagnostics_per_second must not be negative")
	}
	if cfg.Processor.StatsInterval <= 0 {
		return fmt.Errorf("processor.stats_interval must be greater than 0")
	}

	if cfg.Export.Enabled {
		switch cfg.Export.Destination {
		case "local":
			if cfg.Export.Directory == "" {
				return fmt.Errorf("export.directory is required for local exports")
			}
		case "s3":
			if !cfg.Storage.S3.Enabled {
				return fmt.Errorf("storage.s3 must be enabled for s3 exports")
			}
		default:
			return fmt.Errorf("export.destination must be local or s3, got '%s'", cfg.Export.Destination)
		}
		switch strings.ToLower(cfg.Export.Compression) {
		case "", "none", "snappy", "gzip":
		default:
			return fmt.Errorf("export.compression must be none, snappy or gzip, got '%s'", cfg.Export.Compression)
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	if cfg.Publisher.Kafka.Enabled {
		if len(cfg.Publisher.Kafka.Brokers) == 0 {
			return fmt.Errorf("publisher.kafka.brokers is required when kafka is enabled")
		}
		if cfg.Publisher.Kafka.Topic == "" {
			return fmt.Errorf("publisher.kafka.topic is required when kafka is enabled")
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Store   StoreConfig   `yaml:"store"`
	Queue   QueueConfig   `yaml:"queue"`
	Engine  EngineConfig  `yaml:"engine"`
	Sweeper SweeperConfig `yaml:"sweeper"`
	Health  HealthConfig  `yaml:"health"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr          string        `yaml:"address"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	MaxUploadSize ByteSize      `yaml:"maxUploadSize"`
	WorkerCount   int           `yaml:"workerCount"`
	StorageDir    string        `yaml:"storageDir"`
	APIKey        string        `yaml:"apiKey"`        // optional static API key header (X-API-Key)
	ShutdownGrace time.Duration `yaml:"shutdownGrace"` // time to wait for workers before forced stop
	LogLevel      string        `yaml:"logLevel"`      // debug|info|warn|error
}

// JobsConfig controls the execution policy applied to every background job.
type JobsConfig struct {
	TTL            time.Duration `yaml:"ttl"`
	MaxRetries     int           `yaml:"maxRetries"` // -1 disables retries
	RetryDelay     time.Duration `yaml:"retryDelay"`
	SoftTimeLimit  time.Duration `yaml:"softTimeLimit"`
	HardTimeLimit  time.Duration `yaml:"hardTimeLimit"`
	PollInterval   time.Duration `yaml:"pollInterval"`
	LeaseDuration  time.Duration `yaml:"leaseDuration"`
	MaxJobsPerSlot int           `yaml:"maxJobsPerSlot"` // engine recycle threshold, 0 disables
}

// StoreConfig selects the job store backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // memory|sqlite|postgres
	Path   string `yaml:"path"`   // sqlite file, defaults to storageDir/transcriptor.db
	DSN    string `yaml:"dsn"`    // postgres connection string
}

// QueueConfig selects the broker backend.
type QueueConfig struct {
	Driver            string        `yaml:"driver"` // memory|redis
	Capacity          int           `yaml:"capacity"`
	VisibilityTimeout time.Duration `yaml:"visibilityTimeout"`
	Redis             RedisSettings `yaml:"redis"`
}

// RedisSettings configures the Redis broker.
type RedisSettings struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// EngineConfig selects provider and provider-specific options.
type EngineConfig struct {
	Provider string          `yaml:"provider"` // mock|whisper
	Mock     MockSettings    `yaml:"mock"`
	Whisper  WhisperSettings `yaml:"whisper"`
}

// MockSettings config for the mock engine.
type MockSettings struct {
	Delay         time.Duration `yaml:"delay"`
	Steps         int           `yaml:"steps"`
	Prefix        string        `yaml:"prefix"`
	FailTransient int           `yaml:"failTransient"` // first N calls fail with a retryable error
	FailFatal     bool          `yaml:"failFatal"`
}

// WhisperSettings config for the whisper.cpp CLI engine.
type WhisperSettings struct {
	FFmpegPath string `yaml:"ffmpegPath"`
	BinaryPath string `yaml:"binaryPath"`
	ModelDir   string `yaml:"modelDir"` // holds ggml-<model>.bin files
	Threads    int    `yaml:"threads"`
}

// SweeperConfig controls the periodic cleanup pass.
type SweeperConfig struct {
	Interval  time.Duration `yaml:"interval"`
	OrphanAge time.Duration `yaml:"orphanAge"`
}

// HealthConfig controls the dependency health monitor.
type HealthConfig struct {
	Interval time.Duration `yaml:"interval"`
	GRPCAddr string        `yaml:"grpcAddress"` // optional, empty disables the gRPC health endpoint
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		parsed, err := ParseByteSize(strings.TrimSpace(value.Value))
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

// String renders the size in IEC units.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

var reK8sSuffix = regexp.MustCompile(`(?i)^([\d.]+)\s*([kmgt]i)$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Kubernetes-style Ki/Mi/Gi/Ti suffixes are accepted in addition to what humanize understands.
func ParseByteSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if m := reK8sSuffix.FindStringSubmatch(s); m != nil {
		s = m[1] + m[2] + "B"
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return v, nil
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If path is empty, it will attempt to read from env var TRANSCRIPTOR_CONFIG, then default to "config.yaml".
func Load(path string) (*Config, error) {
	if path == "" {
		if env := os.Getenv("TRANSCRIPTOR_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes raw YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if cfg.Server.StorageDir != "" {
		if err := os.MkdirAll(cfg.Server.StorageDir, 0o750); err != nil {
			return nil, fmt.Errorf("ensure storage_dir: %w", err)
		}
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.Server.StorageDir, "transcriptor.db")
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied, suitable for tests.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		// inline transcriptions are bounded by the hard time limit
		cfg.Server.WriteTimeout = 66 * time.Minute
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxUploadSize == 0 {
		cfg.Server.MaxUploadSize = ByteSize(500 * 1024 * 1024)
	}
	if cfg.Server.WorkerCount <= 0 {
		cfg.Server.WorkerCount = 4
	}
	if cfg.Server.StorageDir == "" {
		cfg.Server.StorageDir = "data"
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 30 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}

	// Job policy defaults
	if cfg.Jobs.TTL == 0 {
		cfg.Jobs.TTL = 24 * time.Hour
	}
	switch {
	case cfg.Jobs.MaxRetries == 0:
		cfg.Jobs.MaxRetries = 3
	case cfg.Jobs.MaxRetries < 0:
		// negative disables retries
		cfg.Jobs.MaxRetries = 0
	}
	if cfg.Jobs.RetryDelay == 0 {
		cfg.Jobs.RetryDelay = 60 * time.Second
	}
	if cfg.Jobs.SoftTimeLimit == 0 {
		cfg.Jobs.SoftTimeLimit = time.Hour
	}
	if cfg.Jobs.HardTimeLimit == 0 {
		cfg.Jobs.HardTimeLimit = 65 * time.Minute
	}
	if cfg.Jobs.PollInterval == 0 {
		cfg.Jobs.PollInterval = 2 * time.Second
	}
	if cfg.Jobs.LeaseDuration == 0 {
		cfg.Jobs.LeaseDuration = 5 * cfg.Jobs.PollInterval
	}
	if cfg.Jobs.MaxJobsPerSlot == 0 {
		cfg.Jobs.MaxJobsPerSlot = 50
	}

	// Store & queue defaults
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = "memory"
	}
	if cfg.Queue.Capacity <= 0 {
		cfg.Queue.Capacity = 128
	}
	if cfg.Queue.VisibilityTimeout == 0 {
		cfg.Queue.VisibilityTimeout = 2 * cfg.Jobs.LeaseDuration
	}
	if cfg.Queue.Redis.Addr == "" {
		cfg.Queue.Redis.Addr = "localhost:6379"
	}
	if cfg.Queue.Redis.KeyPrefix == "" {
		cfg.Queue.Redis.KeyPrefix = "transcriptor"
	}

	// Engine defaults
	if cfg.Engine.Provider == "" {
		cfg.Engine.Provider = "mock"
	}
	if cfg.Engine.Mock.Steps == 0 {
		cfg.Engine.Mock.Steps = 4
	}
	if cfg.Engine.Mock.Prefix == "" {
		cfg.Engine.Mock.Prefix = "Transcribed by Mock"
	}
	if strings.EqualFold(cfg.Engine.Provider, "whisper") {
		if strings.TrimSpace(cfg.Engine.Whisper.FFmpegPath) == "" {
			cfg.Engine.Whisper.FFmpegPath = "ffmpeg"
		}
		if strings.TrimSpace(cfg.Engine.Whisper.BinaryPath) == "" {
			cfg.Engine.Whisper.BinaryPath = "whisper-cli"
		}
	}

	// Background maintenance defaults
	if cfg.Sweeper.Interval == 0 {
		cfg.Sweeper.Interval = 5 * time.Minute
	}
	if cfg.Sweeper.OrphanAge == 0 {
		cfg.Sweeper.OrphanAge = 2 * cfg.Jobs.HardTimeLimit
	}
	if cfg.Health.Interval == 0 {
		cfg.Health.Interval = 30 * time.Second
	}
}

func validate(cfg *Config) error {
	j := cfg.Jobs
	if j.TTL <= 0 {
		return errors.New("jobs.ttl must be positive")
	}
	if j.RetryDelay < 0 {
		return errors.New("jobs.retryDelay must not be negative")
	}
	if j.SoftTimeLimit <= 0 || j.HardTimeLimit <= 0 {
		return errors.New("jobs.softTimeLimit and jobs.hardTimeLimit must be positive")
	}
	if j.HardTimeLimit < j.SoftTimeLimit {
		return fmt.Errorf("jobs.hardTimeLimit (%s) must not be below jobs.softTimeLimit (%s)", j.HardTimeLimit, j.SoftTimeLimit)
	}
	if j.PollInterval <= 0 || j.PollInterval >= j.SoftTimeLimit {
		return fmt.Errorf("jobs.pollInterval (%s) must be positive and below jobs.softTimeLimit (%s)", j.PollInterval, j.SoftTimeLimit)
	}
	if j.LeaseDuration <= j.PollInterval {
		return fmt.Errorf("jobs.leaseDuration (%s) must exceed jobs.pollInterval (%s)", j.LeaseDuration, j.PollInterval)
	}
	if j.MaxJobsPerSlot < 0 {
		return errors.New("jobs.maxJobsPerSlot must not be negative")
	}

	switch cfg.Store.Driver {
	case "memory", "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Store.DSN) == "" {
			return errors.New("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", cfg.Store.Driver)
	}

	switch cfg.Queue.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown queue.driver %q", cfg.Queue.Driver)
	}
	if cfg.Queue.VisibilityTimeout <= j.PollInterval {
		return fmt.Errorf("queue.visibilityTimeout (%s) must exceed jobs.pollInterval (%s)", cfg.Queue.VisibilityTimeout, j.PollInterval)
	}

	switch strings.ToLower(cfg.Engine.Provider) {
	case "mock":
	case "whisper":
		if strings.TrimSpace(cfg.Engine.Whisper.ModelDir) == "" {
			return errors.New("engine.whisper.modelDir is required")
		}
	default:
		return fmt.Errorf("unknown engine.provider %q", cfg.Engine.Provider)
	}
	return nil
}

package entdb

import (
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/andreyvit/entdb/kv"
)

const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"

	defaultRootByte             = 0x15
	defaultMaxAttempts          = 100
	defaultRetryInitialInterval = 5 * time.Millisecond
	defaultRetryMaxInterval     = time.Second
	defaultDirectoryWindow      = 64
	defaultStreamMinWait        = time.Second
	defaultStreamMaxWait        = 6 * time.Second
)

// Config holds the serializable settings of a DB.
type Config struct {
	// Backend selects the store built by Open when Options.Store is nil.
	Backend string `yaml:"backend"`
	// Path is the Bolt file path.
	Path string `yaml:"path"`

	// RootByte prefixes every key written by the DB.
	RootByte uint8 `yaml:"root_byte"`

	// MaxAttempts bounds the number of times InTx runs a unit of work that
	// keeps failing with conflicts.
	MaxAttempts          int           `yaml:"max_attempts"`
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `yaml:"retry_max_interval"`

	// HighContentionAllocator makes first-time directory allocations claim a
	// random free ordinal instead of serializing on the counter.
	HighContentionAllocator bool   `yaml:"high_contention_allocator"`
	DirectoryWindow         int    `yaml:"directory_window"`
	MaxDirectories          uint32 `yaml:"max_directories"`

	// StreamMinWait and StreamMaxWait bound the randomized polling interval
	// of live streams.
	StreamMinWait time.Duration `yaml:"stream_min_wait"`
	StreamMaxWait time.Duration `yaml:"stream_max_wait"`

	Verbose bool `yaml:"verbose"`
	Testing bool `yaml:"testing"`
}

func DefaultConfig() Config {
	return Config{
		Backend:              BackendMemory,
		RootByte:             defaultRootByte,
		MaxAttempts:          defaultMaxAttempts,
		RetryInitialInterval: defaultRetryInitialInterval,
		RetryMaxInterval:     defaultRetryMaxInterval,
		DirectoryWindow:      defaultDirectoryWindow,
		MaxDirectories:       maxOrdinal,
		StreamMinWait:        defaultStreamMinWait,
		StreamMaxWait:        defaultStreamMaxWait,
	}
}

// validate fills in zero values and rejects unusable settings.
func (c *Config) validate() error {
	switch c.Backend {
	case "":
		c.Backend = BackendMemory
	case BackendMemory:
	case BackendBolt:
		if c.Path == "" {
			return fmt.Errorf("entdb: config: path is required for the %s backend", BackendBolt)
		}
	default:
		return fmt.Errorf("entdb: config: unknown backend %q", c.Backend)
	}
	if c.RootByte == 0 {
		c.RootByte = defaultRootByte
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = defaultRetryInitialInterval
	}
	if c.RetryMaxInterval < c.RetryInitialInterval {
		c.RetryMaxInterval = max(defaultRetryMaxInterval, c.RetryInitialInterval)
	}
	if c.DirectoryWindow <= 0 {
		c.DirectoryWindow = defaultDirectoryWindow
	}
	if c.MaxDirectories == 0 || c.MaxDirectories > maxOrdinal {
		c.MaxDirectories = maxOrdinal
	}
	if c.StreamMinWait <= 0 {
		c.StreamMinWait = defaultStreamMinWait
	}
	if c.StreamMaxWait < c.StreamMinWait {
		c.StreamMaxWait = c.StreamMinWait
	}
	return nil
}

// ParseConfig decodes YAML on top of DefaultConfig.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("entdb: config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func LoadConfig(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("entdb: config: %w", err)
	}
	return ParseConfig(data)
}

// Options carries the collaborators of a DB that cannot be configured
// declaratively. All fields are optional.
type Options struct {
	// Store overrides the store selected by Config.Backend. The DB does not
	// close a store it did not open.
	Store kv.Store

	Logger     logrus.FieldLogger
	Registerer prometheus.Registerer
	Broker     Broker

	// Now is the clock used for entity timestamps.
	Now func() time.Time
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

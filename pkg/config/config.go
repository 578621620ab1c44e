package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/malbeclabs/fleetsync/pkg/dataset"
	"github.com/malbeclabs/fleetsync/pkg/publish"
	"github.com/malbeclabs/fleetsync/pkg/source"
	"github.com/malbeclabs/fleetsync/pkg/timeline"
	"gopkg.in/yaml.v3"
)

const (
	DriverPostgres   = "postgres"
	DriverClickHouse = "clickhouse"

	StoreS3     = "s3"
	StoreMemory = "memory"

	TimelineFromStore     = "store"
	TimelineFromPublished = "published"

	defaultMaxConcurrency = 4
	defaultDestination    = "fleetsync.duckdb"
	defaultPrefix         = "fleetsync"
	defaultMetricsJob     = "fleetsync"
)

type Config struct {
	Source         SourceConfig         `yaml:"source"`
	Destination    DestinationConfig    `yaml:"destination"`
	Publish        PublishConfig        `yaml:"publish"`
	Chunk          ChunkConfig          `yaml:"chunk"`
	Timeline       TimelineConfig       `yaml:"timeline"`
	Validator      ValidatorConfig      `yaml:"validator"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	MaxConcurrency int                  `yaml:"max_concurrency"`
	Datasets       []dataset.Descriptor `yaml:"datasets"`
	// DatasetParams narrows extraction per dataset name.
	DatasetParams map[string]ParamsConfig `yaml:"params"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	InitialWait time.Duration `yaml:"initial_wait"`
	MaxWait     time.Duration `yaml:"max_wait"`
}

func (c *RetryConfig) Validate() error {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.InitialWait == 0 {
		c.InitialWait = time.Second
	}
	if c.MaxWait == 0 {
		c.MaxWait = 30 * time.Second
	}
	if c.MaxAttempts < 0 || c.InitialWait < 0 || c.MaxWait < c.InitialWait {
		return fmt.Errorf("invalid retry settings")
	}
	return nil
}

type SourceConfig struct {
	Driver     string                  `yaml:"driver"`
	Postgres   source.PostgresConfig   `yaml:"postgres"`
	ClickHouse source.ClickHouseConfig `yaml:"clickhouse"`
	// VerifyCounts defaults to true.
	VerifyCounts *bool       `yaml:"verify_counts"`
	PageSize     int         `yaml:"page_size"`
	Retry        RetryConfig `yaml:"retry"`
}

func (c *SourceConfig) Validate() error {
	if c.Driver == "" {
		c.Driver = DriverPostgres
	}
	switch c.Driver {
	case DriverPostgres:
		if err := c.Postgres.Validate(); err != nil {
			return err
		}
	case DriverClickHouse:
		if err := c.ClickHouse.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown source driver %q", c.Driver)
	}
	if c.VerifyCounts == nil {
		v := true
		c.VerifyCounts = &v
	}
	if c.PageSize < 0 {
		return fmt.Errorf("page size must not be negative")
	}
	return c.Retry.Validate()
}

type DestinationConfig struct {
	// Path of the DuckDB file; ":memory:" keeps everything in memory.
	Path string `yaml:"path"`
}

type PublishConfig struct {
	Enabled     bool             `yaml:"enabled"`
	Store       string           `yaml:"store"`
	S3          publish.S3Config `yaml:"s3"`
	Prefix      string           `yaml:"prefix"`
	Concurrency int              `yaml:"concurrency"`
	Retry       RetryConfig      `yaml:"retry"`
	KeepStale   bool             `yaml:"keep_stale"`
}

func (c *PublishConfig) Validate() error {
	if c.Store == "" {
		c.Store = StoreS3
	}
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	switch c.Store {
	case StoreMemory:
		return nil
	case StoreS3:
		if !c.Enabled {
			return nil
		}
		if err := c.S3.Validate(); err != nil {
			return fmt.Errorf("invalid s3 config: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unknown publish store %q", c.Store)
}

type ChunkConfig struct {
	MaxRecords   int    `yaml:"max_records"`
	MaxBytes     int    `yaml:"max_bytes"`
	Uncompressed bool   `yaml:"uncompressed"`
	SpoolDir     string `yaml:"spool_dir"`
}

type TimelineConfig struct {
	Enabled bool `yaml:"enabled"`
	// From is "store" (destination events table) or "published" (chunks of
	// EventsDataset in object storage).
	From           string                   `yaml:"from"`
	EventsDataset  string                   `yaml:"events_dataset"`
	EventsTable    string                   `yaml:"events_table"`
	IntervalsTable string                   `yaml:"intervals_table"`
	Persist        bool                     `yaml:"persist"`
	Mapping        timeline.Mapping         `yaml:"mapping"`
	Pairing        timeline.PairingMode     `yaml:"pairing"`
	DirectRule     timeline.DirectRule      `yaml:"direct_rule"`
	Concurrency    int                      `yaml:"concurrency"`
	Dimensions     timeline.DimensionConfig `yaml:"dimensions"`
}

func (c *TimelineConfig) Validate() error {
	if c.From == "" {
		c.From = TimelineFromStore
	}
	if c.From != TimelineFromStore && c.From != TimelineFromPublished {
		return fmt.Errorf("unknown timeline source %q", c.From)
	}
	if c.EventsDataset == "" {
		c.EventsDataset = "maintenance_events"
	}
	if c.EventsTable == "" {
		c.EventsTable = c.EventsDataset
	}
	if err := c.Mapping.Validate(); err != nil {
		return err
	}
	return c.Dimensions.Validate()
}

type ValidatorConfig struct {
	StatusAliases map[string]string `yaml:"status_aliases"`
}

type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

func (c *Config) Validate() error {
	if err := c.Source.Validate(); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if c.Destination.Path == "" {
		c.Destination.Path = defaultDestination
	}
	if err := c.Publish.Validate(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if c.Chunk.MaxRecords < 0 || c.Chunk.MaxBytes < 0 {
		return fmt.Errorf("chunk: bounds must not be negative")
	}
	if err := c.Timeline.Validate(); err != nil {
		return fmt.Errorf("timeline: %w", err)
	}
	if c.Metrics.Job == "" {
		c.Metrics.Job = defaultMetricsJob
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = defaultMaxConcurrency
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("max_concurrency must be positive")
	}
	if len(c.Datasets) == 0 {
		return fmt.Errorf("at least one dataset is required")
	}
	return c.validateParams()
}

// Registry validates the dataset descriptors and indexes them.
func (c *Config) Registry() (*dataset.Registry, error) {
	return dataset.NewRegistry(c.Datasets)
}

// Load reads a YAML config file. The env file is loaded first when it
// exists; ${VAR} references in the YAML are expanded, and FLEETSYNC_*
// variables override file values.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes YAML, applies environment overrides and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(dst *string, name string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	str(&c.Source.Driver, "FLEETSYNC_SOURCE_DRIVER")
	str(&c.Source.Postgres.DSN, "FLEETSYNC_POSTGRES_DSN")
	str(&c.Source.ClickHouse.Addr, "FLEETSYNC_CLICKHOUSE_ADDR")
	str(&c.Source.ClickHouse.Database, "FLEETSYNC_CLICKHOUSE_DATABASE")
	str(&c.Source.ClickHouse.Username, "FLEETSYNC_CLICKHOUSE_USERNAME")
	str(&c.Source.ClickHouse.Password, "FLEETSYNC_CLICKHOUSE_PASSWORD")
	str(&c.Destination.Path, "FLEETSYNC_DESTINATION_PATH")
	str(&c.Publish.Prefix, "FLEETSYNC_PUBLISH_PREFIX")
	str(&c.Publish.Store, "FLEETSYNC_PUBLISH_STORE")
	str(&c.Metrics.PushgatewayURL, "FLEETSYNC_PUSHGATEWAY_URL")

	if v := os.Getenv("FLEETSYNC_MAX_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FLEETSYNC_MAX_CONCURRENCY %q: %w", v, err)
		}
		c.MaxConcurrency = n
	}
	if v := os.Getenv("FLEETSYNC_PUBLISH_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid FLEETSYNC_PUBLISH_ENABLED %q: %w", v, err)
		}
		c.Publish.Enabled = b
	}
	c.Publish.S3.ApplyEnv()
	return nil
}

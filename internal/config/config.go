package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Queue names used as keys under consumers.
const (
	QueueLaunchStart    = "launch.start"
	QueueLaunchPending  = "launch.finish.pending-approval"
	QueueLaunchApproved = "launch.finish.approved"
	QueueItemStart      = "item.start"
	QueueItemFinish     = "item.finish"
	QueueLog            = "log"
)

// Queues lists every consumer queue in dispatch order.
var Queues = []string{
	QueueLaunchStart,
	QueueItemStart,
	QueueItemFinish,
	QueueLog,
	QueueLaunchPending,
	QueueLaunchApproved,
}

// Config models reportline.yml.
type Config struct {
	MaxRetry       int           `yaml:"max_retry"`
	GateRetryDelay time.Duration `yaml:"gate_retry_delay"`
	ApprovedDelay  time.Duration `yaml:"approved_delay"`
	MaxFutureSkew  time.Duration `yaml:"max_future_skew"`
	// AutoRegister creates unknown projects and users on START_LAUNCH.
	AutoRegister bool `yaml:"auto_register"`

	NATS      NATSConfig                `yaml:"nats"`
	Consumers map[string]ConsumerConfig `yaml:"consumers"`
	Reaper    ReaperConfig              `yaml:"reaper"`
	Projects  struct {
		DefaultInterruptJobTime time.Duration `yaml:"default_interrupt_job_time"`
	} `yaml:"projects"`
	Blobstore BlobstoreConfig `yaml:"blobstore"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry struct {
		Enabled bool `yaml:"enabled"`
		Stdout  bool `yaml:"stdout"`
	} `yaml:"telemetry"`
}

type NATSConfig struct {
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	StoreDir string `yaml:"store_dir"`
	Port     int    `yaml:"port"`
}

type ConsumerConfig struct {
	Concurrency int `yaml:"concurrency"`
	FetchBatch  int `yaml:"fetch_batch"`
}

type ReaperConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Workers  int           `yaml:"workers"`
}

type BlobstoreConfig struct {
	Root     string `yaml:"root"`
	Compress bool   `yaml:"compress"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Consumer returns the settings for queue, falling back to defaults for
// unset fields.
func (c *Config) Consumer(queue string) ConsumerConfig {
	cc := c.Consumers[queue]
	if cc.Concurrency <= 0 {
		cc.Concurrency = 4
	}
	if cc.FetchBatch <= 0 {
		cc.FetchBatch = 1
	}
	return cc
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.MaxRetry < 0 {
		return fmt.Errorf("config.max_retry must be >= 0")
	}
	if c.GateRetryDelay < 0 {
		return fmt.Errorf("config.gate_retry_delay must be >= 0")
	}
	if c.ApprovedDelay < 0 {
		return fmt.Errorf("config.approved_delay must be >= 0")
	}
	if c.MaxFutureSkew <= 0 {
		return fmt.Errorf("config.max_future_skew must be > 0")
	}
	if !c.NATS.Embedded && c.NATS.URL == "" {
		return fmt.Errorf("config.nats.url is required unless nats.embedded is set")
	}
	for name, cc := range c.Consumers {
		if !knownQueue(name) {
			return fmt.Errorf("config.consumers has unknown queue %s", name)
		}
		if cc.Concurrency < 0 || cc.FetchBatch < 0 {
			return fmt.Errorf("consumer %s has negative settings", name)
		}
	}
	if c.Reaper.Enabled {
		if c.Reaper.Interval <= 0 {
			return fmt.Errorf("config.reaper.interval must be > 0")
		}
		if c.Reaper.Workers <= 0 {
			return fmt.Errorf("config.reaper.workers must be > 0")
		}
	}
	if c.Projects.DefaultInterruptJobTime < 0 {
		return fmt.Errorf("config.projects.default_interrupt_job_time must be >= 0")
	}
	if c.Blobstore.Root == "" {
		return fmt.Errorf("config.blobstore.root is required")
	}
	return nil
}

func knownQueue(name string) bool {
	for _, q := range Queues {
		if q == name {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "reportline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys absent
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `max_retry: 10
gate_retry_delay: 5s
approved_delay: 1s
max_future_skew: 1h
auto_register: true

nats:
  url: nats://127.0.0.1:4222
  embedded: false
  store_dir: .reportline/jetstream
  port: 4222

consumers:
  launch.start:
    concurrency: 4
  launch.finish.pending-approval:
    concurrency: 4
  launch.finish.approved:
    concurrency: 4
  item.start:
    concurrency: 4
  item.finish:
    concurrency: 4
  log:
    concurrency: 4

reaper:
  enabled: true
  interval: 1m
  workers: 4

projects:
  default_interrupt_job_time: 24h

blobstore:
  root: .reportline/blobs
  compress: true

server:
  addr: 127.0.0.1:8080
  base_path: /v0

telemetry:
  enabled: false
  stdout: false
`
